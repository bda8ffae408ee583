package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/credledger/internal/database"
	"github.com/charlesng35/credledger/internal/enrichment"
	"github.com/charlesng35/credledger/internal/models"
	"github.com/charlesng35/credledger/internal/queue"
	"github.com/charlesng35/credledger/internal/verification"
	apperrors "github.com/charlesng35/credledger/pkg/errors"
	"github.com/charlesng35/credledger/pkg/logger"
)

// ErrCredentialNotFound is returned for unknown credential lookups.
var ErrCredentialNotFound = apperrors.ErrNotFound.Newf("credential not found")

// CredentialStore persists ledger records and applies producer updates to
// their metadata. It is the only writer of the anchor columns.
type CredentialStore struct {
	db  *gorm.DB
	now func() time.Time
	log *zap.Logger
}

var (
	_ verification.Store = (*CredentialStore)(nil)
	_ queue.Completer    = (*CredentialStore)(nil)
)

// CredentialStoreOption customises the store.
type CredentialStoreOption func(*CredentialStore)

// WithStoreClock overrides the clock used for anchored_at and analysis stamps.
func WithStoreClock(now func() time.Time) CredentialStoreOption {
	return func(s *CredentialStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewCredentialStore constructs a store backed by db.
func NewCredentialStore(db *gorm.DB, opts ...CredentialStoreOption) (*CredentialStore, error) {
	if db == nil {
		return nil, errors.New("credential store: db is required")
	}
	s := &CredentialStore{
		db:  db,
		now: time.Now,
		log: logger.WithModule("ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create inserts a new record. A primary key clash surfaces as ErrDuplicate.
func (s *CredentialStore) Create(ctx context.Context, cred *models.Credential) error {
	ctx = ensureContext(ctx)
	if cred == nil {
		return errors.New("credential store: credential is required")
	}
	if err := s.db.WithContext(ctx).Create(cred).Error; err != nil {
		if database.IsUniqueConstraintError(err) {
			return apperrors.ErrDuplicate.Newf("credential %s already exists", cred.ID)
		}
		return fmt.Errorf("credential store: create: %w", err)
	}
	return nil
}

// FindByID loads a credential with its issuer and learner.
func (s *CredentialStore) FindByID(ctx context.Context, id string) (*models.Credential, error) {
	return s.findBy(ctx, "id", id)
}

// FindByAnchorTx loads the credential anchored by tx.
func (s *CredentialStore) FindByAnchorTx(ctx context.Context, tx string) (*models.Credential, error) {
	return s.findBy(ctx, "anchor_tx", tx)
}

// FindByContentRef loads the credential whose document carries ref.
func (s *CredentialStore) FindByContentRef(ctx context.Context, ref string) (*models.Credential, error) {
	return s.findBy(ctx, "content_ref", ref)
}

func (s *CredentialStore) findBy(ctx context.Context, column, value string) (*models.Credential, error) {
	ctx = ensureContext(ctx)
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrCredentialNotFound
	}

	var cred models.Credential
	err := s.db.WithContext(ctx).
		Preload("Issuer").
		Preload("Learner").
		Where(column+" = ?", value).
		Order("created_at ASC").
		First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("credential store: find by %s: %w", column, err)
	}
	return &cred, nil
}

// ExistsForDedup reports whether a credential with the same learner email,
// title and issuer is already on the ledger.
func (s *CredentialStore) ExistsForDedup(ctx context.Context, email, title, issuerID string) (bool, error) {
	ctx = ensureContext(ctx)

	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("learner_email = ? AND certificate_title = ? AND issuer_id = ?", normaliseEmail(email), strings.TrimSpace(title), issuerID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("credential store: dedup lookup: %w", err)
	}
	return count > 0, nil
}

// OnAnchored records a confirmed anchor. An anchor_tx that is already set is
// never overwritten.
func (s *CredentialStore) OnAnchored(ctx context.Context, credentialID string, result models.AnchorResult) error {
	ctx = ensureContext(ctx)
	if strings.TrimSpace(result.TxHash) == "" {
		return errors.New("credential store: anchor result without tx hash")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cred, err := lockCredential(tx, credentialID)
		if err != nil {
			return err
		}
		if cred.AnchorTx != nil && *cred.AnchorTx != "" {
			if *cred.AnchorTx != result.TxHash {
				s.log.Warn("credential already anchored, ignoring new tx",
					zap.String("credential_id", credentialID),
					zap.String("anchor_tx", *cred.AnchorTx),
					zap.String("ignored_tx", result.TxHash),
				)
			}
			return nil
		}

		anchoredAt := result.Timestamp.UTC()
		if result.Timestamp.IsZero() {
			anchoredAt = s.now().UTC()
		}

		meta := cred.Metadata.Data()
		meta.Blockchain.TxHash = result.TxHash
		meta.Blockchain.Timestamp = &anchoredAt
		meta.Anchor = models.AnchorMetadata{Status: models.AnchorStatusConfirmed}

		if err := tx.Model(&models.Credential{}).Where("id = ?", cred.ID).Updates(map[string]any{
			"anchor_tx":     result.TxHash,
			"anchor_status": models.AnchorStatusConfirmed,
			"anchor_error":  "",
			"anchored_at":   anchoredAt,
			"metadata":      datatypes.NewJSONType(meta),
		}).Error; err != nil {
			return fmt.Errorf("credential store: apply anchor: %w", err)
		}
		return nil
	})
}

// OnAnchorFailed marks the credential degraded. Confirmed credentials are left alone.
func (s *CredentialStore) OnAnchorFailed(ctx context.Context, credentialID string, reason string) error {
	ctx = ensureContext(ctx)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cred, err := lockCredential(tx, credentialID)
		if err != nil {
			return err
		}
		if cred.AnchorStatus == models.AnchorStatusConfirmed {
			return nil
		}

		meta := cred.Metadata.Data()
		meta.Anchor = models.AnchorMetadata{Status: models.AnchorStatusFailed, Error: reason}

		if err := tx.Model(&models.Credential{}).Where("id = ?", cred.ID).Updates(map[string]any{
			"anchor_status": models.AnchorStatusFailed,
			"anchor_error":  reason,
			"metadata":      datatypes.NewJSONType(meta),
		}).Error; err != nil {
			return fmt.Errorf("credential store: mark anchor failed: %w", err)
		}
		return nil
	})
}

// ApplyEnrichment stores an analysis outcome. It has the enrichment.Sink shape.
func (s *CredentialStore) ApplyEnrichment(ctx context.Context, credentialID string, result *enrichment.Result, analyzeErr error) error {
	ctx = ensureContext(ctx)
	now := s.now().UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cred, err := lockCredential(tx, credentialID)
		if err != nil {
			return err
		}

		section := &models.EnrichmentMetadata{AnalyzedAt: &now}
		switch {
		case analyzeErr != nil:
			section.Status = models.EnrichmentStatusFailed
			section.Error = analyzeErr.Error()
		case result == nil:
			section.Status = models.EnrichmentStatusFailed
			section.Error = "empty analysis result"
		default:
			section.Status = models.EnrichmentStatusCompleted
			section.Skills = result.Skills
			section.NSQFAlignment = result.NSQFAlignment
		}

		meta := cred.Metadata.Data()
		meta.Enrichment = section
		if err := tx.Model(&models.Credential{}).Where("id = ?", cred.ID).
			Update("metadata", datatypes.NewJSONType(meta)).Error; err != nil {
			return fmt.Errorf("credential store: apply enrichment: %w", err)
		}
		return nil
	})
}

// PendingWithoutJob lists pending, unanchored credentials that have no anchor
// job at all, oldest first.
func (s *CredentialStore) PendingWithoutJob(ctx context.Context, limit int) ([]models.Credential, error) {
	ctx = ensureContext(ctx)

	var creds []models.Credential
	err := s.db.WithContext(ctx).
		Where("anchor_tx IS NULL AND anchor_status = ?", models.AnchorStatusPending).
		Where("NOT EXISTS (SELECT 1 FROM anchor_jobs WHERE anchor_jobs.job_key = credentials.id)").
		Order("created_at ASC").
		Limit(limitOrDefault(limit)).
		Find(&creds).Error
	if err != nil {
		return nil, fmt.Errorf("credential store: list pending: %w", err)
	}
	return creds, nil
}

// FailedAnchors lists credentials whose anchoring was given up, oldest first.
func (s *CredentialStore) FailedAnchors(ctx context.Context, limit int) ([]models.Credential, error) {
	ctx = ensureContext(ctx)

	var creds []models.Credential
	err := s.db.WithContext(ctx).
		Where("anchor_tx IS NULL AND anchor_status = ?", models.AnchorStatusFailed).
		Order("created_at ASC").
		Limit(limitOrDefault(limit)).
		Find(&creds).Error
	if err != nil {
		return nil, fmt.Errorf("credential store: list failed: %w", err)
	}
	return creds, nil
}

// UnappliedAnchors lists completed jobs whose receipt never reached the credential.
func (s *CredentialStore) UnappliedAnchors(ctx context.Context, limit int) ([]models.AnchorJob, error) {
	ctx = ensureContext(ctx)

	var jobs []models.AnchorJob
	err := s.db.WithContext(ctx).
		Joins("JOIN credentials ON credentials.id = anchor_jobs.job_key").
		Where("anchor_jobs.state = ? AND credentials.anchor_tx IS NULL", models.JobStateCompleted).
		Order("anchor_jobs.finished_at ASC").
		Limit(limitOrDefault(limit)).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("credential store: list unapplied anchors: %w", err)
	}
	return jobs, nil
}

func lockCredential(tx *gorm.DB, credentialID string) (*models.Credential, error) {
	var cred models.Credential
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", strings.TrimSpace(credentialID)).
		Take(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("credential store: load credential: %w", err)
	}
	return &cred, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
