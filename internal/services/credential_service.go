package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/canonical"
	"github.com/charlesng35/credledger/internal/models"
	"github.com/charlesng35/credledger/internal/queue"
	apperrors "github.com/charlesng35/credledger/pkg/errors"
	"github.com/charlesng35/credledger/pkg/logger"
	"github.com/charlesng35/credledger/pkg/validator"
)

// ErrIssuerNotApproved is returned when an issuer without approval issues directly.
var ErrIssuerNotApproved = apperrors.ErrValidation.Newf("issuer is not approved")

// AnchorQueue is the subset of the ledger write queue used by producers.
type AnchorQueue interface {
	Enqueue(ctx context.Context, job queue.Job) (*queue.Handle, error)
	GetStatus(ctx context.Context, credentialID string) (*queue.Status, error)
}

var _ AnchorQueue = (*queue.Queue)(nil)

// ChainConfig names the network and contract new credentials are anchored to.
type ChainConfig struct {
	Network         string
	ContractAddress string
}

// IssueInput describes a direct issuance request.
type IssueInput struct {
	IssuerID         string         `json:"issuer_id" validate:"required,notblank"`
	LearnerEmail     string         `json:"learner_email" validate:"required,email"`
	CertificateTitle string         `json:"certificate_title" validate:"required,notblank,max=500"`
	IssuedAt         *time.Time     `json:"issued_at,omitempty"`
	ContentRef       string         `json:"ipfs_cid,omitempty" validate:"omitempty,max=255"`
	DocumentURL      string         `json:"pdf_url,omitempty" validate:"omitempty,url"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// IssueResult is returned once the credential is on the ledger.
type IssueResult struct {
	CredentialID string `json:"credential_id"`
	DataHash     string `json:"data_hash"`
	AnchorStatus string `json:"anchor_status"`
	Status       string `json:"status"`
}

// AnchorStatus combines the credential's anchor columns with its queue job.
type AnchorStatus struct {
	CredentialID string        `json:"credential_id"`
	State        string        `json:"state"`
	TxHash       *string       `json:"tx_hash,omitempty"`
	AnchoredAt   *time.Time    `json:"anchored_at,omitempty"`
	Error        string        `json:"error,omitempty"`
	Job          *queue.Status `json:"job,omitempty"`
}

// CredentialService issues credentials directly and reports their state.
type CredentialService struct {
	db          *gorm.DB
	credentials *CredentialStore
	learners    LearnerDirectory
	queue       AnchorQueue
	chain       ChainConfig
	now         func() time.Time
	log         *zap.Logger
}

// CredentialServiceOption customises the service.
type CredentialServiceOption func(*CredentialService)

// WithIssueClock overrides the clock used when issued_at is omitted.
func WithIssueClock(now func() time.Time) CredentialServiceOption {
	return func(s *CredentialService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewCredentialService constructs a CredentialService.
func NewCredentialService(db *gorm.DB, credentials *CredentialStore, learners LearnerDirectory, anchorQueue AnchorQueue, chain ChainConfig, opts ...CredentialServiceOption) (*CredentialService, error) {
	if db == nil {
		return nil, errors.New("credential service: db is required")
	}
	if credentials == nil {
		return nil, errors.New("credential service: credential store is required")
	}
	if anchorQueue == nil {
		return nil, errors.New("credential service: anchor queue is required")
	}
	s := &CredentialService{
		db:          db,
		credentials: credentials,
		learners:    learners,
		queue:       anchorQueue,
		chain:       chain,
		now:         time.Now,
		log:         logger.WithModule("ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue records a credential from an approved issuer and queues it for anchoring.
func (s *CredentialService) Issue(ctx context.Context, input IssueInput) (*IssueResult, error) {
	ctx = ensureContext(ctx)

	if err := validator.ValidateStruct(input); err != nil {
		return nil, apperrors.ErrValidation.Newf("%s", err.Error()).WithInternal(err)
	}

	issuer, err := loadIssuer(ctx, s.db, input.IssuerID)
	if err != nil {
		return nil, err
	}
	if !issuer.Approved() {
		return nil, ErrIssuerNotApproved
	}

	email := normaliseEmail(input.LearnerEmail)
	learner, err := resolveLearner(ctx, s.learners, email)
	if err != nil {
		return nil, fmt.Errorf("credential service: resolve learner: %w", err)
	}

	issuedAt := s.now()
	if input.IssuedAt != nil && !input.IssuedAt.IsZero() {
		issuedAt = *input.IssuedAt
	}

	cred := &models.Credential{
		BaseModel:        models.BaseModel{ID: uuid.NewString()},
		LearnerEmail:     email,
		IssuerID:         issuer.ID,
		CertificateTitle: strings.TrimSpace(input.CertificateTitle),
		IssuedAt:         ledgerTime(issuedAt),
		ContentRef:       stringPtr(input.ContentRef),
		DocumentURL:      stringPtr(input.DocumentURL),
		AnchorStatus:     models.AnchorStatusPending,
		AnchorNetwork:    s.chain.Network,
		AnchorContract:   s.chain.ContractAddress,
		Status:           models.CredentialStatusUnclaimed,
		Source:           models.CredentialSourceDirect,
	}
	if learner != nil {
		cred.LearnerID = &learner.ID
		cred.Status = models.CredentialStatusIssued
	}

	hash, err := canonical.HashFields(credentialFields(cred))
	if err != nil {
		return nil, fmt.Errorf("credential service: hash: %w", err)
	}
	cred.DataHash = hash
	cred.Metadata = datatypes.NewJSONType(models.CredentialMetadata{
		Blockchain: models.BlockchainMetadata{Network: s.chain.Network, ContractAddress: s.chain.ContractAddress},
		Anchor:     models.AnchorMetadata{Status: models.AnchorStatusPending},
		Extra:      input.Metadata,
	})

	if err := s.credentials.Create(ctx, cred); err != nil {
		return nil, err
	}

	s.enqueue(ctx, cred)

	return &IssueResult{
		CredentialID: cred.ID,
		DataHash:     cred.DataHash,
		AnchorStatus: cred.AnchorStatus,
		Status:       cred.Status,
	}, nil
}

// Get returns the stored credential.
func (s *CredentialService) Get(ctx context.Context, credentialID string) (*models.Credential, error) {
	return s.credentials.FindByID(ensureContext(ctx), credentialID)
}

// GetAnchorStatus reports the credential's anchor state with its job detail.
func (s *CredentialService) GetAnchorStatus(ctx context.Context, credentialID string) (*AnchorStatus, error) {
	ctx = ensureContext(ctx)

	cred, err := s.credentials.FindByID(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	status := &AnchorStatus{
		CredentialID: cred.ID,
		State:        cred.AnchorStatus,
		TxHash:       cred.AnchorTx,
		AnchoredAt:   cred.AnchoredAt,
		Error:        cred.AnchorError,
	}

	job, err := s.queue.GetStatus(ctx, cred.ID)
	if err != nil {
		return nil, fmt.Errorf("credential service: job status: %w", err)
	}
	if job != nil && job.State != queue.StateNotFound {
		status.Job = job
	}
	return status, nil
}

func loadIssuer(ctx context.Context, db *gorm.DB, issuerID string) (*models.Issuer, error) {
	var issuer models.Issuer
	err := db.WithContext(ctx).Where("id = ?", strings.TrimSpace(issuerID)).Take(&issuer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.Newf("issuer %s not found", issuerID)
		}
		return nil, fmt.Errorf("load issuer: %w", err)
	}
	return &issuer, nil
}

func (s *CredentialService) enqueue(ctx context.Context, cred *models.Credential) {
	_, err := s.queue.Enqueue(ctx, queue.Job{
		CredentialID: cred.ID,
		DataHash:     cred.DataHash,
		ContentRef:   derefString(cred.ContentRef),
	})
	if err != nil {
		s.log.Warn("anchor enqueue failed, credential left pending",
			zap.String("credential_id", cred.ID),
			zap.Error(err),
		)
	}
}

// credentialFields maps a stored record onto the canonical hash input.
// AnchorTx is left out: digests are computed before anchoring.
func credentialFields(cred *models.Credential) canonical.Fields {
	return canonical.Fields{
		CredentialID:     cred.ID,
		LearnerID:        cred.LearnerID,
		LearnerEmail:     cred.LearnerEmail,
		IssuerID:         cred.IssuerID,
		CertificateTitle: cred.CertificateTitle,
		IssuedAt:         cred.IssuedAt,
		ContentRef:       cred.ContentRef,
		DocumentURL:      cred.DocumentURL,
		Network:          cred.AnchorNetwork,
		ContractAddress:  cred.AnchorContract,
	}
}
