package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/database"
	"github.com/charlesng35/credledger/internal/models"
)

// TestDBOption customises the behaviour of MustOpenTestDB.
type TestDBOption func(*testDBConfig)

type testDBConfig struct {
	autoMigrate bool
	seedData    bool
}

// WithAutoMigrate enables automatic schema migration after opening the test database.
func WithAutoMigrate() TestDBOption {
	return func(cfg *testDBConfig) {
		cfg.autoMigrate = true
	}
}

// WithSeedData ensures migrations are applied and default seed data inserted.
func WithSeedData() TestDBOption {
	return func(cfg *testDBConfig) {
		cfg.autoMigrate = true
		cfg.seedData = true
	}
}

// MustOpenTestDB opens a private in-memory SQLite database limited to one
// connection, so background workers and the test goroutine are serialised.
// The handle is closed via t.Cleanup.
func MustOpenTestDB(t *testing.T, opts ...TestDBOption) *gorm.DB {
	t.Helper()

	cfg := testDBConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := database.Open(database.Config{Driver: "sqlite"})
	require.NoError(t, err)

	if cfg.seedData {
		require.NoError(t, database.AutoMigrateAndSeed(db))
	} else if cfg.autoMigrate {
		require.NoError(t, database.AutoMigrate(db))
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}

// MustCreateIssuer inserts an issuer with the given approval status.
func MustCreateIssuer(t *testing.T, db *gorm.DB, name, status string) *models.Issuer {
	t.Helper()

	issuer := &models.Issuer{Name: name, Type: "training_provider", Status: status}
	require.NoError(t, db.Create(issuer).Error)
	return issuer
}

// MustCreateLearner inserts a learner with optional alternate emails.
func MustCreateLearner(t *testing.T, db *gorm.DB, name, email string, alternates ...string) *models.Learner {
	t.Helper()

	learner := &models.Learner{Name: name, Email: email}
	require.NoError(t, db.Create(learner).Error)
	for _, alt := range alternates {
		require.NoError(t, db.Create(&models.LearnerEmail{LearnerID: learner.ID, Email: alt}).Error)
	}
	return learner
}
