package app

import (
	"strings"

	"github.com/charlesng35/credledger/internal/auth"
	"github.com/charlesng35/credledger/internal/database"
	"github.com/charlesng35/credledger/internal/models"
	"github.com/charlesng35/credledger/internal/queue"
	"github.com/charlesng35/credledger/internal/services"
)

const providerIssuerType = "provider"

// JWTServiceConfig converts AuthConfig into operator token settings. A zero
// TTL falls back to auth.DefaultAccessTokenTTL.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	cfg := auth.JWTConfig{
		Secret:         c.JWT.Secret,
		Issuer:         c.JWT.Issuer,
		AccessTokenTTL: c.JWT.TTL,
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = auth.DefaultAccessTokenTTL
	}
	return cfg
}

// DatabaseOptions converts DatabaseConfig into database.Open parameters.
func (c DatabaseConfig) DatabaseOptions() database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:   strings.TrimSpace(c.Path),
		DSN:    strings.TrimSpace(c.DSN),

		MaxOpenConns:    c.Pool.MaxOpenConns,
		MaxIdleConns:    c.Pool.MaxIdleConns,
		ConnMaxLifetime: c.Pool.ConnMaxLifetime,
	}

	var server DBAuthConfig
	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
		return dbCfg
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		server = c.Postgres
	case "mysql":
		server = c.MySQL
	default:
		// Leave driver as-is to surface unsupported driver error during open.
		return dbCfg
	}

	dbCfg.Host = strings.TrimSpace(server.Host)
	dbCfg.Port = server.Port
	dbCfg.Name = strings.TrimSpace(server.Database)
	dbCfg.User = strings.TrimSpace(server.Username)
	dbCfg.Password = server.Password
	return dbCfg
}

// QueueOptions converts LedgerConfig into queue options. Zero values keep
// the queue defaults.
func (c LedgerConfig) QueueOptions() []queue.Option {
	return []queue.Option{
		queue.WithConcurrency(c.Concurrency),
		queue.WithRateLimit(c.RatePerSecond),
		queue.WithMaxAttempts(c.MaxAttempts),
		queue.WithBackoff(c.BackoffBase, c.BackoffMax),
		queue.WithAnchorTimeout(c.AnchorTimeout),
		queue.WithPollInterval(c.PollInterval),
	}
}

// Retention returns the job purge policy, falling back to queue defaults
// field by field.
func (c LedgerConfig) Retention() queue.Retention {
	policy := queue.DefaultRetention()
	if c.CompletedRetention > 0 {
		policy.CompletedFor = c.CompletedRetention
	}
	if c.CompletedMax > 0 {
		policy.CompletedMax = c.CompletedMax
	}
	if c.FailedRetention > 0 {
		policy.FailedFor = c.FailedRetention
	}
	return policy
}

// Chain returns the network and contract stamped on new credentials.
func (c BlockchainConfig) Chain() services.ChainConfig {
	return services.ChainConfig{
		Network:         strings.TrimSpace(c.Network),
		ContractAddress: strings.TrimSpace(c.ContractAddress),
	}
}

// ServiceConfig converts SyncConfig into SyncService parameters.
func (c SyncConfig) ServiceConfig() services.SyncConfig {
	return services.SyncConfig{
		Providers:       c.Providers,
		MinDuration:     c.MinDuration,
		MaxDuration:     c.MaxDuration,
		SinceFloor:      c.SinceFloor,
		DownloadTimeout: c.DownloadTimeout,
	}
}

// ProviderIssuers lists one approved issuer per configured provider so
// synced credentials reference an existing issuer row.
func (c SyncConfig) ProviderIssuers() []models.Issuer {
	seen := make(map[string]bool, len(c.Providers))
	issuers := make([]models.Issuer, 0, len(c.Providers))
	for _, provider := range c.Providers {
		id := strings.TrimSpace(provider.IssuerID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		name := strings.TrimSpace(provider.Name)
		if name == "" {
			name = provider.ID
		}
		issuers = append(issuers, models.Issuer{
			BaseModel:  models.BaseModel{ID: id},
			Name:       name,
			Type:       providerIssuerType,
			WebsiteURL: strings.TrimSpace(provider.BaseURL),
			Status:     models.IssuerStatusApproved,
		})
	}
	return issuers
}
