package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/charlesng35/credledger/internal/connectors"
)

// Config represents the runtime configuration for the credential ledger.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Blockchain  BlockchainConfig  `mapstructure:"blockchain"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Enrichment  EnrichmentConfig  `mapstructure:"enrichment"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port      int             `mapstructure:"port"`
	LogLevel  string          `mapstructure:"log_level"`
	LogFormat string          `mapstructure:"log_format"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds requests per client and route.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
	Pool     DBPoolConfig `mapstructure:"pool"`
}

// DBPoolConfig bounds the connection pool shared by queue workers, the sync
// run and HTTP handlers.
type DBPoolConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// AuthConfig captures operator token settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// LedgerConfig tunes the anchor write queue.
type LedgerConfig struct {
	Concurrency        int           `mapstructure:"concurrency"`
	RatePerSecond      float64       `mapstructure:"rate_per_second"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	AnchorTimeout      time.Duration `mapstructure:"anchor_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
	CompletedMax       int           `mapstructure:"completed_max"`
	FailedRetention    time.Duration `mapstructure:"failed_retention"`
}

// BlockchainConfig locates the anchoring service.
type BlockchainConfig struct {
	ServiceURL      string `mapstructure:"service_url"`
	Network         string `mapstructure:"network"`
	ContractAddress string `mapstructure:"contract_address"`
}

// StorageConfig locates the content-addressed document store. An empty
// api_url disables rehosting.
type StorageConfig struct {
	APIURL     string        `mapstructure:"api_url"`
	GatewayURL string        `mapstructure:"gateway_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// EnrichmentConfig controls the optional document analysis side task.
type EnrichmentConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	ServiceURL string        `mapstructure:"service_url"`
	Workers    int           `mapstructure:"workers"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// SyncConfig configures provider sync and the scheduler.
type SyncConfig struct {
	Interval        time.Duration               `mapstructure:"interval"`
	InitialDelay    time.Duration               `mapstructure:"initial_delay"`
	Autostart       bool                        `mapstructure:"autostart"`
	MinDuration     float64                     `mapstructure:"min_duration"`
	MaxDuration     float64                     `mapstructure:"max_duration"`
	SinceFloor      time.Duration               `mapstructure:"since_floor"`
	DownloadTimeout time.Duration               `mapstructure:"download_timeout"`
	PayloadKey      string                      `mapstructure:"payload_key"`
	Providers       []connectors.ProviderConfig `mapstructure:"providers"`
}

// MaintenanceConfig holds cron specifications for background sweeps.
type MaintenanceConfig struct {
	ReconcileSchedule string `mapstructure:"reconcile_schedule"`
	PurgeSchedule     string `mapstructure:"purge_schedule"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("CREDLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.rate_limit.requests", 100)
	v.SetDefault("server.rate_limit.window", "1m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/credledger.sqlite")
	v.SetDefault("database.pool.max_open_conns", 20)
	v.SetDefault("database.pool.max_idle_conns", 5)
	v.SetDefault("database.pool.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("auth.jwt.issuer", "credledger")
	v.SetDefault("auth.jwt.access_token_ttl", "12h")

	v.SetDefault("ledger.concurrency", 5)
	v.SetDefault("ledger.rate_per_second", 10)
	v.SetDefault("ledger.max_attempts", 3)
	v.SetDefault("ledger.backoff_base", "5s")
	v.SetDefault("ledger.backoff_max", "1m")
	v.SetDefault("ledger.anchor_timeout", "60s")
	v.SetDefault("ledger.poll_interval", "1s")
	v.SetDefault("ledger.stale_after", "10m")
	v.SetDefault("ledger.completed_retention", "24h")
	v.SetDefault("ledger.completed_max", 1000)
	v.SetDefault("ledger.failed_retention", "168h") // 7 days

	v.SetDefault("blockchain.service_url", "http://127.0.0.1:3001")
	v.SetDefault("blockchain.network", "polygon-amoy")

	v.SetDefault("storage.timeout", "30s")

	v.SetDefault("enrichment.enabled", false)
	v.SetDefault("enrichment.workers", 4)
	v.SetDefault("enrichment.timeout", "30s")

	v.SetDefault("sync.interval", "1h")
	v.SetDefault("sync.initial_delay", "5s")
	v.SetDefault("sync.autostart", true)
	v.SetDefault("sync.min_duration", 0)
	v.SetDefault("sync.max_duration", 1000)
	v.SetDefault("sync.since_floor", "720h") // 30 days
	v.SetDefault("sync.download_timeout", "30s")

	v.SetDefault("maintenance.reconcile_schedule", "@every 15m")
	v.SetDefault("maintenance.purge_schedule", "@hourly")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
