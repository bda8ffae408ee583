package database

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func openPostgres(cfg Config) (*gorm.DB, error) {
	dsn, err := buildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := pgx.ParseConfig(dsn); err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	return gorm.Open(postgres.New(postgres.Config{DSN: dsn}), gormConfig())
}

// buildPostgresDSN renders a key/value connection string. Sessions default to
// UTC so issued_at and anchor timestamps round-trip unchanged.
func buildPostgresDSN(cfg Config) (string, error) {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn, nil
	}
	if cfg.User == "" || cfg.Name == "" {
		return "", errors.New("postgres configuration requires user and database name")
	}

	settings := map[string]string{
		"host":     firstNonEmpty(cfg.Host, "localhost"),
		"port":     fmt.Sprint(portOrDefault(cfg.Port, 5432)),
		"user":     cfg.User,
		"dbname":   cfg.Name,
		"sslmode":  "disable",
		"TimeZone": "UTC",
	}
	if cfg.Password != "" {
		settings["password"] = cfg.Password
	}
	for key, value := range cfg.Options {
		settings[key] = value
	}

	// Connection identity first, then the remaining options alphabetically.
	leading := []string{"host", "port", "user", "dbname", "password"}
	params := make([]string, 0, len(settings))
	for _, key := range leading {
		if value, ok := settings[key]; ok {
			params = append(params, key+"="+quotePostgresValue(value))
			delete(settings, key)
		}
	}
	rest := make([]string, 0, len(settings))
	for key := range settings {
		rest = append(rest, key)
	}
	sort.Strings(rest)
	for _, key := range rest {
		params = append(params, key+"="+quotePostgresValue(settings[key]))
	}

	return strings.Join(params, " "), nil
}

func quotePostgresValue(value string) string {
	if value != "" && !strings.ContainsAny(value, ` '\`) {
		return value
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	return "'" + escaped + "'"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func portOrDefault(port, fallback int) int {
	if port <= 0 {
		return fallback
	}
	return port
}
