package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/charlesng35/credledger/internal/app"
	iauth "github.com/charlesng35/credledger/internal/auth"
	"github.com/charlesng35/credledger/internal/connectors"
	"github.com/charlesng35/credledger/internal/database"
	"github.com/charlesng35/credledger/internal/models"
)

func testConfig(t *testing.T) *app.Config {
	t.Helper()

	cfg, err := app.LoadConfig(t.TempDir())
	require.NoError(t, err)

	cfg.Database.Path = filepath.Join(t.TempDir(), "ledger.sqlite")
	cfg.Auth.JWT.Secret = "bootstrap-test-secret"
	cfg.Sync.Providers = []connectors.ProviderConfig{
		{ID: "nsdc", Type: "nsdc", Name: "Skill India", BaseURL: "https://nsdc.example.com", Enabled: true},
	}
	_, err = app.ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	return cfg
}

func TestBootstrapRuntimeWiresStack(t *testing.T) {
	cfg := testConfig(t)

	stack, err := bootstrapRuntime(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	stack.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	stack.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"anchor_queue":{"waiting":0`)

	var issuer models.Issuer
	require.NoError(t, stack.DB.First(&issuer, "id = ?", app.ProviderIssuerID("nsdc")).Error)
	require.Equal(t, "Skill India", issuer.Name)
	require.True(t, issuer.Approved())

	require.True(t, stack.Sync.HasActiveProviders())

	key, err := database.GetSystemSetting(context.Background(), stack.DB, database.PayloadKeySetting)
	require.NoError(t, err)
	require.NoError(t, app.ValidatePayloadKey(key), "a payload key is generated and persisted")

	cfg.Sync.Autostart = false
	require.NoError(t, stack.Start(cfg, zap.NewNop()))
	require.False(t, stack.Scheduler.Status().Running)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, stack.Shutdown(ctx, zap.NewNop()))
}

func TestBootstrapRuntimeReusesPayloadKey(t *testing.T) {
	cfg := testConfig(t)

	first, err := bootstrapRuntime(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	key, err := database.GetSystemSetting(context.Background(), first.DB, database.PayloadKeySetting)
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(context.Background(), zap.NewNop()))

	second, err := bootstrapRuntime(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Shutdown(context.Background(), zap.NewNop()) })

	again, err := database.GetSystemSetting(context.Background(), second.DB, database.PayloadKeySetting)
	require.NoError(t, err)
	require.Equal(t, key, again)
}

func TestBootstrapRuntimeRejectsShortPayloadKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.PayloadKey = "short"

	_, err := bootstrapRuntime(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "sync.payload_key")
}

func TestRunMintsToken(t *testing.T) {
	dir := t.TempDir()
	config := "auth:\n  jwt:\n    secret: mint-secret\n    issuer: credledger\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(config), 0o600))

	var out bytes.Buffer
	err := run(context.Background(), []string{"-config", dir, "-mint-token", "ops-1", "-scopes", "credentials:read"}, &out)
	require.NoError(t, err)

	svc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "mint-secret", Issuer: "credledger"})
	require.NoError(t, err)
	claims, err := svc.ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.Equal(t, "ops-1", claims.OperatorID)
	require.Equal(t, []string{iauth.ScopeRead}, claims.Scopes)
}

func TestRunMintTokenRequiresConfiguredSecret(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"-config", t.TempDir(), "-mint-token", "ops-1"}, &out)
	require.ErrorContains(t, err, "auth.jwt.secret must be configured")
}

func TestLoadApplicationConfigMissingPath(t *testing.T) {
	_, err := loadApplicationConfig(filepath.Join(t.TempDir(), "missing"))
	require.ErrorContains(t, err, "does not exist")
}
