package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/models"
)

func TestGetAndUpsertSystemSetting(t *testing.T) {
	db := openSystemSettingTestDB(t)

	value, err := GetSystemSetting(context.Background(), db, "missing")
	require.NoError(t, err)
	require.Equal(t, "", value)

	require.NoError(t, UpsertSystemSetting(context.Background(), db, "sample", "value1"))

	retrieved, err := GetSystemSetting(context.Background(), db, "sample")
	require.NoError(t, err)
	require.Equal(t, "value1", retrieved)

	require.NoError(t, UpsertSystemSetting(context.Background(), db, "sample", "value2"))

	retrieved, err = GetSystemSetting(context.Background(), db, "sample")
	require.NoError(t, err)
	require.Equal(t, "value2", retrieved)
}

func TestResolvePayloadKeyPersistsGeneratedSecret(t *testing.T) {
	db := openSystemSettingTestDB(t)

	calls := 0
	generate := func() (string, error) {
		calls++
		return "generated-secret", nil
	}

	first, err := ResolvePayloadKey(context.Background(), db, "", generate)
	require.NoError(t, err)
	require.Equal(t, "generated-secret", first)

	second, err := ResolvePayloadKey(context.Background(), db, "", generate)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, calls)
}

func TestResolvePayloadKeyPrefersConfiguredSecret(t *testing.T) {
	db := openSystemSettingTestDB(t)

	require.NoError(t, UpsertSystemSetting(context.Background(), db, PayloadKeySetting, "stored"))

	value, err := ResolvePayloadKey(context.Background(), db, "configured", nil)
	require.NoError(t, err)
	require.Equal(t, "configured", value)

	stored, err := GetSystemSetting(context.Background(), db, PayloadKeySetting)
	require.NoError(t, err)
	require.Equal(t, "configured", stored)
}

func TestResolvePayloadKeyRequiresSource(t *testing.T) {
	db := openSystemSettingTestDB(t)

	_, err := ResolvePayloadKey(context.Background(), db, "", nil)
	require.Error(t, err)
}

func TestGetSystemSettingBeforeMigration(t *testing.T) {
	db := openTestDB(t)

	value, err := GetSystemSetting(context.Background(), db, PayloadKeySetting)
	require.NoError(t, err)
	require.Empty(t, value)
}

func TestUpsertSystemSettingRequiresKey(t *testing.T) {
	db := openSystemSettingTestDB(t)

	require.Error(t, UpsertSystemSetting(context.Background(), db, "  ", "value"))
	require.Error(t, UpsertSystemSetting(context.Background(), nil, "key", "value"))
}

func openSystemSettingTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db := openTestDB(t)
	require.NoError(t, db.AutoMigrate(&models.SystemSetting{}))
	return db
}
