package database

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// sqliteBusyTimeout is how long a writer waits for the database lock. Queue
// workers, the sync run and HTTP handlers all write concurrently.
const sqliteBusyTimeout = "5000"

var memoryDatabases atomic.Uint64

func openSQLite(cfg Config) (*gorm.DB, error) {
	dsn, memory, err := buildSQLiteDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if memory {
		// Shared-cache connections report table locks instead of waiting.
		sqlDB.SetMaxOpenConns(1)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// buildSQLiteDSN returns the connection string and whether it names a
// private in-memory database. Each in-memory open gets its own name so two
// handles in one process never see each other's tables.
func buildSQLiteDSN(cfg Config) (string, bool, error) {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn, strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory"), nil
	}

	params := url.Values{}
	params.Set("_foreign_keys", "1")
	params.Set("_busy_timeout", sqliteBusyTimeout)
	for key, value := range cfg.Options {
		params.Set(key, value)
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" || strings.EqualFold(path, ":memory:") {
		params.Set("mode", "memory")
		params.Set("cache", "shared")
		name := fmt.Sprintf("credledger-%d", memoryDatabases.Add(1))
		return "file:" + name + "?" + params.Encode(), true, nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", false, fmt.Errorf("create database directory: %w", err)
		}
	}
	params.Set("_journal_mode", "WAL")
	// Claims read then update inside one transaction; taking the write lock
	// at BEGIN avoids upgrade deadlocks between workers.
	params.Set("_txlock", "immediate")
	return "file:" + filepath.ToSlash(path) + "?" + params.Encode(), false, nil
}
