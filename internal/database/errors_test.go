package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/models"
)

func TestIsUniqueConstraintError(t *testing.T) {
	require.False(t, IsUniqueConstraintError(nil))
	require.True(t, IsUniqueConstraintError(gorm.ErrDuplicatedKey))
	require.True(t, IsUniqueConstraintError(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	require.True(t, IsUniqueConstraintError(&mysql.MySQLError{Number: 1062}))
	require.False(t, IsUniqueConstraintError(&pgconn.PgError{Code: "23503"}))
	require.False(t, IsUniqueConstraintError(errors.New("FOREIGN KEY constraint failed")))
}

func TestIsUniqueConstraintErrorFromSQLite(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, AutoMigrate(db))

	require.NoError(t, db.Create(&models.SyncState{ProviderID: "nsdc"}).Error)
	err := db.Create(&models.SyncState{ProviderID: "nsdc"}).Error
	require.Error(t, err)
	require.True(t, IsUniqueConstraintError(err))
}
