package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAccessTokenTTL defines the fallback validity period for operator tokens.
const DefaultAccessTokenTTL = 12 * time.Hour

// Operator scopes carried in the "scp" claim.
const (
	ScopeIssue     = "credentials:issue"
	ScopeRead      = "credentials:read"
	ScopeSyncAdmin = "sync:admin"
)

// AllScopes lists every scope understood by the API.
var AllScopes = []string{ScopeIssue, ScopeRead, ScopeSyncAdmin}

// JWTConfig bundles the configuration required to build a JWTService.
type JWTConfig struct {
	Secret         string
	Issuer         string
	AccessTokenTTL time.Duration
	Clock          func() time.Time
}

// Claims represents the custom claims embedded in operator tokens.
type Claims struct {
	OperatorID string   `json:"oid"`
	Scopes     []string `json:"scp,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Scopes, scope)
}

// TokenInput holds the parameters used when generating a new operator token.
type TokenInput struct {
	OperatorID string
	Scopes     []string
	Audience   []string
	TTL        time.Duration
}

// JWTService is responsible for issuing and validating operator JSON Web Tokens.
type JWTService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTService constructs a JWTService instance when provided with the required configuration.
func NewJWTService(cfg JWTConfig) (*JWTService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt: secret must be provided")
	}

	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &JWTService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    now,
	}, nil
}

// GenerateToken issues a signed operator token.
func (s *JWTService) GenerateToken(input TokenInput) (string, error) {
	operatorID := strings.TrimSpace(input.OperatorID)
	if operatorID == "" {
		return "", errors.New("jwt: operator id is required")
	}
	scopes, err := normaliseScopes(input.Scopes)
	if err != nil {
		return "", err
	}

	ttl := input.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()

	claims := &Claims{
		OperatorID: operatorID,
		Scopes:     scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			Issuer:    s.issuer,
			Audience:  input.Audience,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}

	return signed, nil
}

// ValidateToken parses and validates a signed operator token.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("jwt: token string is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: parse token: %w", err)
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, errors.New("jwt: invalid issuer")
	}

	if claims.OperatorID == "" {
		return nil, errors.New("jwt: missing operator id claim")
	}

	return &claims, nil
}

// ParseScopes splits a comma separated scope list. An empty list grants every scope.
func ParseScopes(raw string) ([]string, error) {
	var scopes []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			scopes = append(scopes, part)
		}
	}
	if len(scopes) == 0 {
		return slices.Clone(AllScopes), nil
	}
	return normaliseScopes(scopes)
}

func normaliseScopes(scopes []string) ([]string, error) {
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		scope = strings.ToLower(strings.TrimSpace(scope))
		if scope == "" {
			continue
		}
		if !slices.Contains(AllScopes, scope) {
			return nil, fmt.Errorf("jwt: unknown scope %q", scope)
		}
		if !slices.Contains(out, scope) {
			out = append(out, scope)
		}
	}
	return out, nil
}
