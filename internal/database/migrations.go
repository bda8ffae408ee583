package database

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/models"
	"github.com/charlesng35/credledger/pkg/logger"
)

// ledgerModels lists every table owned by the ledger, parents first.
func ledgerModels() []any {
	return []any{
		&models.SystemSetting{},
		&models.Issuer{},
		&models.Learner{},
		&models.LearnerEmail{},
		&models.Credential{},
		&models.SyncState{},
		&models.AnchorJob{},
		&models.CacheEntry{},
	}
}

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	for _, model := range ledgerModels() {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("migrate %T: %w", model, err)
		}
	}
	return nil
}

// SeedIssuers inserts configured issuers that do not exist yet and reports
// how many were created. Existing rows are left untouched so approvals made
// at runtime survive restarts.
func SeedIssuers(db *gorm.DB, issuers []models.Issuer) (int, error) {
	created := 0
	err := db.Transaction(func(tx *gorm.DB) error {
		for _, issuer := range issuers {
			issuer.ID = strings.TrimSpace(issuer.ID)
			if issuer.ID == "" {
				continue
			}
			var existing int64
			if err := tx.Model(&models.Issuer{}).Where("id = ?", issuer.ID).Count(&existing).Error; err != nil {
				return fmt.Errorf("seed issuer %s: %w", issuer.ID, err)
			}
			if existing > 0 {
				continue
			}
			if err := tx.Create(&issuer).Error; err != nil {
				return fmt.Errorf("seed issuer %s: %w", issuer.ID, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if created > 0 {
		logger.WithModule("database").Info("seeded provider issuers", zap.Int("created", created))
	}
	return created, nil
}
