package connectors

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Supported authentication schemes.
const (
	AuthTypeJWT    = "jwt"
	AuthTypeOAuth2 = "oauth2"
	AuthTypeAPIKey = "api_key"
)

const (
	defaultPageSize = 20
	defaultTimeout  = 30 * time.Second
)

// RawItem is one decoded JSON object returned by a provider.
type RawItem map[string]any

// FetchResult is a single page of provider items.
type FetchResult struct {
	Items []RawItem
	// Next is empty when there are no further pages.
	Next  string
	Total int
}

// VerifyResult reports whether the provider vouches for an item.
type VerifyResult struct {
	OK   bool           `json:"ok"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Credential is the provider-neutral shape produced by Normalize.
type Credential struct {
	ExternalID       string
	LearnerEmail     string
	LearnerName      string
	CertificateTitle string
	IssuedAt         time.Time
	CertificateCode  string
	Sector           string
	Level            *int
	MinDuration      *float64
	MaxDuration      *float64
	AwardingBodies   []string
	Occupation       string
	Tags             []string
	Description      string
	DocumentURL      string
}

// Connector adapts one external credential provider.
type Connector interface {
	ProviderID() string
	IssuerID() string
	Authenticate(ctx context.Context) error
	FetchSince(ctx context.Context, since time.Time, pageToken string) (*FetchResult, error)
	Verify(ctx context.Context, item RawItem) (VerifyResult, error)
	Normalize(item RawItem) (Credential, error)
}

// DocumentAuthorizer is implemented by connectors whose document links require the
// provider's credentials.
type DocumentAuthorizer interface {
	AuthorizeDocument(req *http.Request)
}

// ProviderConfig is the configured shape of a single provider.
type ProviderConfig struct {
	ID          string            `mapstructure:"id" json:"id"`
	Type        string            `mapstructure:"type" json:"type"`
	Name        string            `mapstructure:"name" json:"name"`
	IssuerID    string            `mapstructure:"issuer_id" json:"issuer_id"`
	BaseURL     string            `mapstructure:"base_url" json:"base_url"`
	AuthType    string            `mapstructure:"auth_type" json:"auth_type"`
	Credentials map[string]string `mapstructure:"credentials" json:"-"`
	Enabled     bool              `mapstructure:"enabled" json:"enabled"`
}

// Active reports whether the provider takes part in scheduled syncs.
func (c ProviderConfig) Active() bool {
	return c.Enabled && strings.TrimSpace(c.IssuerID) != ""
}

// ConnectorType resolves the registry key, falling back to the provider id.
func (c ProviderConfig) ConnectorType() string {
	kind := c.Type
	if strings.TrimSpace(kind) == "" {
		kind = c.ID
	}
	return strings.ToLower(strings.TrimSpace(kind))
}

func (c ProviderConfig) credential(key string) string {
	if c.Credentials == nil {
		return ""
	}
	return strings.TrimSpace(c.Credentials[key])
}
