package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/credledger/internal/models"
)

// PayloadKeySetting stores the secret used to seal raw provider payloads.
const PayloadKeySetting = "sync.payload_key"

// GetSystemSetting returns the stored value for key, or "" when the key or
// the settings table does not exist yet.
func GetSystemSetting(ctx context.Context, db *gorm.DB, key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("system settings: db is nil")
	}
	db = db.WithContext(ctx)
	if !db.Migrator().HasTable(&models.SystemSetting{}) {
		return "", nil
	}

	var setting models.SystemSetting
	err := db.Where(&models.SystemSetting{Key: key}).Take(&setting).Error
	switch {
	case err == nil:
		return setting.Value, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return "", nil
	default:
		return "", fmt.Errorf("system settings: get %q: %w", key, err)
	}
}

// UpsertSystemSetting writes value under key in a single statement.
func UpsertSystemSetting(ctx context.Context, db *gorm.DB, key, value string) error {
	if db == nil {
		return fmt.Errorf("system settings: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("system settings: key is required")
	}

	record := models.SystemSetting{Key: key, Value: value}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("system settings: upsert %q: %w", key, err)
	}

	return nil
}

// ResolvePayloadKey returns the payload sealing secret. A configured secret
// wins and is persisted; otherwise the stored one is reused, and generate is
// called only when nothing is stored yet.
func ResolvePayloadKey(ctx context.Context, db *gorm.DB, configured string, generate func() (string, error)) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		if err := UpsertSystemSetting(ctx, db, PayloadKeySetting, configured); err != nil {
			return "", err
		}
		return configured, nil
	}

	current, err := GetSystemSetting(ctx, db, PayloadKeySetting)
	if err != nil {
		return "", err
	}
	if current = strings.TrimSpace(current); current != "" {
		return current, nil
	}

	if generate == nil {
		return "", fmt.Errorf("system settings: payload key is not configured")
	}
	generated, err := generate()
	if err != nil {
		return "", fmt.Errorf("system settings: generate payload key: %w", err)
	}
	if err := UpsertSystemSetting(ctx, db, PayloadKeySetting, generated); err != nil {
		return "", err
	}
	return generated, nil
}
