package app

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/charlesng35/credledger/pkg/crypto"
)

const jwtSecretBytes = 48

// ApplyRuntimeDefaults ensures critical secrets are populated even when no configuration file is supplied.
// It returns a map describing which keys were generated so callers can log the event without exposing values.
//
// sync.payload_key is not generated here: it must survive restarts, so the
// bootstrap resolves it against the system settings table instead.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Auth.JWT.Secret) == "" {
		secret, err := crypto.GenerateToken(jwtSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Auth.JWT.Secret = secret
		generated["auth.jwt.secret"] = true
	}

	for i := range cfg.Sync.Providers {
		provider := &cfg.Sync.Providers[i]
		if strings.TrimSpace(provider.IssuerID) == "" && strings.TrimSpace(provider.ID) != "" {
			provider.IssuerID = ProviderIssuerID(provider.ID)
			generated["sync.providers."+provider.ID+".issuer_id"] = true
		}
	}

	return generated, nil
}

// ProviderIssuerID derives a stable issuer id for a provider that has none configured.
func ProviderIssuerID(providerID string) string {
	key := "credledger:provider:" + strings.ToLower(strings.TrimSpace(providerID))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}
