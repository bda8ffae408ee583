package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestNewJWTServiceRequiresSecret(t *testing.T) {
	_, err := NewJWTService(JWTConfig{})
	require.Error(t, err)
	require.EqualError(t, err, "jwt: secret must be provided")
}

func TestGenerateAndValidateToken(t *testing.T) {
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }

	svc, err := NewJWTService(JWTConfig{
		Secret:         "super-secret",
		Issuer:         "credledger",
		AccessTokenTTL: time.Hour,
		Clock:          now,
	})
	require.NoError(t, err)

	token, err := svc.GenerateToken(TokenInput{
		OperatorID: " ops-1 ",
		Scopes:     []string{"Credentials:Issue", ScopeSyncAdmin, ScopeSyncAdmin},
		Audience:   []string{"api"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)

	require.Equal(t, "ops-1", claims.OperatorID)
	require.Equal(t, "ops-1", claims.Subject)
	require.Equal(t, []string{ScopeIssue, ScopeSyncAdmin}, claims.Scopes)
	require.True(t, claims.HasScope(ScopeIssue))
	require.False(t, claims.HasScope(ScopeRead))
	require.Equal(t, "credledger", claims.Issuer)
	require.Equal(t, jwt.ClaimStrings{"api"}, claims.Audience)
	require.True(t, claims.IssuedAt.Time.Equal(current))
	require.True(t, claims.ExpiresAt.Time.Equal(current.Add(time.Hour)))
}

func TestGenerateTokenRejectsUnknownScope(t *testing.T) {
	svc, err := NewJWTService(JWTConfig{Secret: "secret"})
	require.NoError(t, err)

	_, err = svc.GenerateToken(TokenInput{OperatorID: "ops", Scopes: []string{"users:delete"}})
	require.Error(t, err)

	_, err = svc.GenerateToken(TokenInput{Scopes: []string{ScopeRead}})
	require.EqualError(t, err, "jwt: operator id is required")
}

func TestValidateTokenInvalidSignature(t *testing.T) {
	now := func() time.Time { return time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC) }

	issuer, err := NewJWTService(JWTConfig{Secret: "issuer-secret", AccessTokenTTL: time.Minute, Clock: now})
	require.NoError(t, err)

	token, err := issuer.GenerateToken(TokenInput{OperatorID: "ops"})
	require.NoError(t, err)

	verifier, err := NewJWTService(JWTConfig{Secret: "other-secret", AccessTokenTTL: time.Minute, Clock: now})
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	require.Error(t, err)
	require.True(t, errors.Is(err, jwt.ErrTokenSignatureInvalid))
}

func TestValidateTokenExpired(t *testing.T) {
	current := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }

	svc, err := NewJWTService(JWTConfig{Secret: "secret", AccessTokenTTL: time.Minute, Clock: now})
	require.NoError(t, err)

	token, err := svc.GenerateToken(TokenInput{OperatorID: "ops", Scopes: []string{ScopeRead}})
	require.NoError(t, err)

	// Move time forward beyond expiry.
	current = current.Add(2 * time.Minute)

	_, err = svc.ValidateToken(token)
	require.Error(t, err)
	require.True(t, errors.Is(err, jwt.ErrTokenExpired))
}

func TestValidateTokenIssuerMismatch(t *testing.T) {
	issuer, err := NewJWTService(JWTConfig{Secret: "secret", Issuer: "other"})
	require.NoError(t, err)
	token, err := issuer.GenerateToken(TokenInput{OperatorID: "ops"})
	require.NoError(t, err)

	verifier, err := NewJWTService(JWTConfig{Secret: "secret", Issuer: "credledger"})
	require.NoError(t, err)
	_, err = verifier.ValidateToken(token)
	require.EqualError(t, err, "jwt: invalid issuer")
}

func TestParseScopes(t *testing.T) {
	scopes, err := ParseScopes("")
	require.NoError(t, err)
	require.Equal(t, AllScopes, scopes)

	scopes, err = ParseScopes(" credentials:read , sync:admin ")
	require.NoError(t, err)
	require.Equal(t, []string{ScopeRead, ScopeSyncAdmin}, scopes)

	_, err = ParseScopes("root")
	require.Error(t, err)
}
