package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/models"
	apperrors "github.com/charlesng35/credledger/pkg/errors"
)

// LearnerDirectory resolves learners by email. Both lookups return
// apperrors.ErrNotFound when nothing matches.
type LearnerDirectory interface {
	FindByEmail(ctx context.Context, email string) (*models.Learner, error)
	FindByAlternateEmail(ctx context.Context, email string) (*models.Learner, error)
}

// GormLearnerDirectory reads learners from the ledger database.
type GormLearnerDirectory struct {
	db *gorm.DB
}

var _ LearnerDirectory = (*GormLearnerDirectory)(nil)

// NewLearnerDirectory constructs a directory backed by db.
func NewLearnerDirectory(db *gorm.DB) (*GormLearnerDirectory, error) {
	if db == nil {
		return nil, errors.New("learner directory: db is required")
	}
	return &GormLearnerDirectory{db: db}, nil
}

// FindByEmail matches the learner's primary email, case-insensitively.
func (d *GormLearnerDirectory) FindByEmail(ctx context.Context, email string) (*models.Learner, error) {
	ctx = ensureContext(ctx)

	var learner models.Learner
	err := d.db.WithContext(ctx).Where("email = ?", normaliseEmail(email)).Take(&learner).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.Newf("learner not found")
		}
		return nil, fmt.Errorf("learner directory: find by email: %w", err)
	}
	return &learner, nil
}

// FindByAlternateEmail matches one of the learner's secondary addresses.
func (d *GormLearnerDirectory) FindByAlternateEmail(ctx context.Context, email string) (*models.Learner, error) {
	ctx = ensureContext(ctx)

	var alt models.LearnerEmail
	err := d.db.WithContext(ctx).Where("email = ?", normaliseEmail(email)).Take(&alt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.Newf("learner not found")
		}
		return nil, fmt.Errorf("learner directory: find by alternate email: %w", err)
	}

	var learner models.Learner
	if err := d.db.WithContext(ctx).Where("id = ?", alt.LearnerID).Take(&learner).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.Newf("learner not found")
		}
		return nil, fmt.Errorf("learner directory: load learner: %w", err)
	}
	return &learner, nil
}

// resolveLearner checks the primary email first, then alternates. A nil
// learner without error means the credential is unclaimed.
func resolveLearner(ctx context.Context, dir LearnerDirectory, email string) (*models.Learner, error) {
	if dir == nil {
		return nil, nil
	}
	learner, err := dir.FindByEmail(ctx, email)
	if err == nil {
		return learner, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	learner, err = dir.FindByAlternateEmail(ctx, email)
	if err == nil {
		return learner, nil
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return nil, err
}
