package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/credledger/internal/database"
	"github.com/charlesng35/credledger/internal/models"
	apperrors "github.com/charlesng35/credledger/pkg/errors"
)

// SyncOutcome summarises one completed provider cycle.
type SyncOutcome struct {
	Created  int
	Skipped  int
	Failed   int
	Duration time.Duration
	Errors   []string
}

// SyncStateStore persists per-provider polling progress. Rows are created on
// the first attempt and never deleted.
type SyncStateStore struct {
	db *gorm.DB
}

// NewSyncStateStore constructs a store backed by db.
func NewSyncStateStore(db *gorm.DB) (*SyncStateStore, error) {
	if db == nil {
		return nil, errors.New("sync state store: db is required")
	}
	return &SyncStateStore{db: db}, nil
}

// MarkRunning records an attempt and returns the state as it was before it.
func (s *SyncStateStore) MarkRunning(ctx context.Context, providerID string, at time.Time) (*models.SyncState, error) {
	ctx = ensureContext(ctx)

	state, err := s.ensure(ctx, providerID)
	if err != nil {
		return nil, err
	}
	previous := *state

	if err := s.db.WithContext(ctx).Model(&models.SyncState{}).Where("id = ?", state.ID).Updates(map[string]any{
		"status":          models.SyncStatusRunning,
		"last_attempt_at": at.UTC(),
	}).Error; err != nil {
		return nil, fmt.Errorf("sync state store: mark running: %w", err)
	}
	return &previous, nil
}

// MarkCompleted accumulates counters and stamps last_success_at.
func (s *SyncStateStore) MarkCompleted(ctx context.Context, providerID string, at time.Time, outcome SyncOutcome) error {
	ctx = ensureContext(ctx)
	at = at.UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := lockSyncState(tx, providerID)
		if err != nil {
			return err
		}
		state.AppendErrors(at, outcome.Errors...)

		return tx.Model(&models.SyncState{}).Where("id = ?", state.ID).Updates(map[string]any{
			"status":           models.SyncStatusCompleted,
			"last_success_at":  at,
			"items_synced":     state.ItemsSynced + int64(outcome.Created),
			"items_skipped":    state.ItemsSkipped + int64(outcome.Skipped),
			"items_failed":     state.ItemsFailed + int64(outcome.Failed),
			"last_duration_ms": outcome.Duration.Milliseconds(),
			"errors":           state.Errors,
		}).Error
	})
}

// MarkFailed records an aborted cycle. last_success_at is left untouched.
func (s *SyncStateStore) MarkFailed(ctx context.Context, providerID string, at time.Time, duration time.Duration, messages ...string) error {
	ctx = ensureContext(ctx)
	at = at.UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := lockSyncState(tx, providerID)
		if err != nil {
			return err
		}
		state.AppendErrors(at, messages...)

		return tx.Model(&models.SyncState{}).Where("id = ?", state.ID).Updates(map[string]any{
			"status":           models.SyncStatusFailed,
			"last_duration_ms": duration.Milliseconds(),
			"errors":           state.Errors,
		}).Error
	})
}

// Get returns the state for providerID.
func (s *SyncStateStore) Get(ctx context.Context, providerID string) (*models.SyncState, error) {
	ctx = ensureContext(ctx)

	var state models.SyncState
	err := s.db.WithContext(ctx).Where("provider_id = ?", normaliseProviderID(providerID)).Take(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.Newf("no sync state for provider %s", providerID)
		}
		return nil, fmt.Errorf("sync state store: get: %w", err)
	}
	return &state, nil
}

// List returns every provider's state ordered by provider id.
func (s *SyncStateStore) List(ctx context.Context) ([]models.SyncState, error) {
	ctx = ensureContext(ctx)

	var states []models.SyncState
	if err := s.db.WithContext(ctx).Order("provider_id ASC").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("sync state store: list: %w", err)
	}
	return states, nil
}

func (s *SyncStateStore) ensure(ctx context.Context, providerID string) (*models.SyncState, error) {
	providerID = normaliseProviderID(providerID)
	if providerID == "" {
		return nil, errors.New("sync state store: provider id is required")
	}

	var state models.SyncState
	err := s.db.WithContext(ctx).
		Where(models.SyncState{ProviderID: providerID}).
		Attrs(models.SyncState{Status: models.SyncStatusIdle}).
		FirstOrCreate(&state).Error
	if err != nil {
		if !database.IsUniqueConstraintError(err) {
			return nil, fmt.Errorf("sync state store: ensure: %w", err)
		}
		if err := s.db.WithContext(ctx).Where("provider_id = ?", providerID).Take(&state).Error; err != nil {
			return nil, fmt.Errorf("sync state store: ensure: reload: %w", err)
		}
	}
	return &state, nil
}

func lockSyncState(tx *gorm.DB, providerID string) (*models.SyncState, error) {
	var state models.SyncState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider_id = ?", normaliseProviderID(providerID)).
		Take(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.Newf("no sync state for provider %s", providerID)
		}
		return nil, fmt.Errorf("sync state store: load: %w", err)
	}
	return &state, nil
}

func normaliseProviderID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
