package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/credledger/internal/auth"
	"github.com/charlesng35/credledger/internal/database"
	"github.com/charlesng35/credledger/internal/models"
	"github.com/charlesng35/credledger/internal/queue"
	"github.com/charlesng35/credledger/internal/services"
)

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata"))
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, 20, cfg.Server.RateLimit.Requests)
	require.Equal(t, 30*time.Second, cfg.Server.RateLimit.Window)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.True(t, cfg.Database.Postgres.Enabled)
	require.Equal(t, "db.example.com", cfg.Database.Postgres.Host)
	require.Equal(t, 5433, cfg.Database.Postgres.Port)

	require.Equal(t, "jwt-secret", cfg.Auth.JWT.Secret)
	require.Equal(t, "credledger-test", cfg.Auth.JWT.Issuer)
	require.Equal(t, 30*time.Minute, cfg.Auth.JWT.TTL)

	require.Equal(t, 8, cfg.Ledger.Concurrency)
	require.Equal(t, 2.5, cfg.Ledger.RatePerSecond)
	require.Equal(t, 4, cfg.Ledger.MaxAttempts)
	require.Equal(t, 2*time.Second, cfg.Ledger.BackoffBase)
	require.Equal(t, 30*time.Second, cfg.Ledger.BackoffMax)
	require.Equal(t, 5*time.Minute, cfg.Ledger.StaleAfter)
	require.Equal(t, 60*time.Second, cfg.Ledger.AnchorTimeout, "default applies when unset")

	require.Equal(t, "http://chain.internal:3001", cfg.Blockchain.ServiceURL)
	require.Equal(t, "polygon-mainnet", cfg.Blockchain.Network)
	require.Equal(t, "0xabc", cfg.Blockchain.ContractAddress)

	require.Equal(t, "http://ipfs.internal:5001", cfg.Storage.APIURL)
	require.Equal(t, 45*time.Second, cfg.Storage.Timeout)

	require.True(t, cfg.Enrichment.Enabled)
	require.Equal(t, 2, cfg.Enrichment.Workers)
	require.Equal(t, 30*time.Second, cfg.Enrichment.Timeout)

	require.Equal(t, 2*time.Hour, cfg.Sync.Interval)
	require.Equal(t, 5*time.Second, cfg.Sync.InitialDelay)
	require.False(t, cfg.Sync.Autostart)
	require.Equal(t, 1.5, cfg.Sync.MinDuration)
	require.Equal(t, 1000.0, cfg.Sync.MaxDuration)
	require.Equal(t, 48*time.Hour, cfg.Sync.SinceFloor)
	require.Equal(t, "00112233445566778899aabbccddeeff", cfg.Sync.PayloadKey)

	require.Len(t, cfg.Sync.Providers, 2)
	nsdc := cfg.Sync.Providers[0]
	require.Equal(t, "nsdc", nsdc.ID)
	require.Equal(t, "Skill India", nsdc.Name)
	require.Equal(t, "jwt", nsdc.AuthType)
	require.True(t, nsdc.Enabled)
	require.Equal(t, "nsdc-secret", nsdc.Credentials["client_secret"])
	require.True(t, nsdc.Active())
	require.False(t, cfg.Sync.Providers[1].Active())

	require.Equal(t, "@every 5m", cfg.Maintenance.ReconcileSchedule)
	require.Equal(t, "@hourly", cfg.Maintenance.PurgeSchedule)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "./data/credledger.sqlite", cfg.Database.Path)
	require.Equal(t, 20, cfg.Database.Pool.MaxOpenConns)
	require.Equal(t, 30*time.Minute, cfg.Database.Pool.ConnMaxLifetime)
	require.Equal(t, 5, cfg.Ledger.Concurrency)
	require.Equal(t, time.Hour, cfg.Sync.Interval)
	require.True(t, cfg.Sync.Autostart)
	require.Empty(t, cfg.Sync.Providers)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("CREDLEDGER_SERVER_PORT", "7070")
	t.Setenv("CREDLEDGER_LEDGER_MAX_ATTEMPTS", "9")
	t.Setenv("CREDLEDGER_SYNC_INTERVAL", "15m")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, 9, cfg.Ledger.MaxAttempts)
	require.Equal(t, 15*time.Minute, cfg.Sync.Interval)
}

func TestAuthConfigAdapters(t *testing.T) {
	cfg := AuthConfig{JWT: JWTSettings{Secret: "secret", Issuer: "issuer", TTL: 30 * time.Minute}}
	require.Equal(t, auth.JWTConfig{
		Secret:         "secret",
		Issuer:         "issuer",
		AccessTokenTTL: 30 * time.Minute,
	}, cfg.JWTServiceConfig())

	var empty AuthConfig
	require.Equal(t, auth.DefaultAccessTokenTTL, empty.JWTServiceConfig().AccessTokenTTL)
}

func TestDatabaseOptions(t *testing.T) {
	cfg := DatabaseConfig{Driver: " PostgreSQL ", Postgres: DBAuthConfig{Host: " db ", Port: 5432, Database: "ledger", Username: "u", Password: "p"}}
	require.Equal(t, database.Config{
		Driver:   "postgres",
		Host:     "db",
		Port:     5432,
		Name:     "ledger",
		User:     "u",
		Password: "p",
	}, cfg.DatabaseOptions())

	sqlite := DatabaseConfig{Path: "./data/x.sqlite", MySQL: DBAuthConfig{Host: "ignored"}}
	require.Equal(t, database.Config{Driver: "sqlite", Path: "./data/x.sqlite"}, sqlite.DatabaseOptions())

	mysql := DatabaseConfig{Driver: "mysql", MySQL: DBAuthConfig{Host: "m", Port: 3306}}
	opts := mysql.DatabaseOptions()
	require.Equal(t, "mysql", opts.Driver)
	require.Equal(t, "m", opts.Host)
	require.Equal(t, 3306, opts.Port)

	pooled := DatabaseConfig{Pool: DBPoolConfig{MaxOpenConns: 8, MaxIdleConns: 2, ConnMaxLifetime: time.Minute}}
	opts = pooled.DatabaseOptions()
	require.Equal(t, 8, opts.MaxOpenConns)
	require.Equal(t, 2, opts.MaxIdleConns)
	require.Equal(t, time.Minute, opts.ConnMaxLifetime)
}

func TestLedgerRetention(t *testing.T) {
	var cfg LedgerConfig
	require.Equal(t, queue.DefaultRetention(), cfg.Retention())

	cfg = LedgerConfig{CompletedRetention: time.Hour, FailedRetention: 2 * time.Hour}
	policy := cfg.Retention()
	require.Equal(t, time.Hour, policy.CompletedFor)
	require.Equal(t, queue.DefaultRetention().CompletedMax, policy.CompletedMax)
	require.Equal(t, 2*time.Hour, policy.FailedFor)

	require.Len(t, cfg.QueueOptions(), 6)
}

func TestSyncAdapters(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata"))
	require.NoError(t, err)

	svcCfg := cfg.Sync.ServiceConfig()
	require.Equal(t, services.SyncConfig{
		Providers:       cfg.Sync.Providers,
		MinDuration:     1.5,
		MaxDuration:     1000,
		SinceFloor:      48 * time.Hour,
		DownloadTimeout: 30 * time.Second,
	}, svcCfg)

	require.Equal(t, services.ChainConfig{Network: "polygon-mainnet", ContractAddress: "0xabc"}, cfg.Blockchain.Chain())

	issuers := cfg.Sync.ProviderIssuers()
	require.Len(t, issuers, 1, "providers without an issuer id are skipped")
	require.Equal(t, "7f0f3e7e-9c43-4a1f-8d51-2f6c1b2b9a10", issuers[0].ID)
	require.Equal(t, "Skill India", issuers[0].Name)
	require.Equal(t, models.IssuerStatusApproved, issuers[0].Status)
}
