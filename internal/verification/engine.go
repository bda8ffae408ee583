// Package verification recomputes a stored credential's hash and cross-checks
// its on-chain anchor.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/credledger/internal/anchor"
	"github.com/charlesng35/credledger/internal/canonical"
	"github.com/charlesng35/credledger/internal/models"
	apperrors "github.com/charlesng35/credledger/pkg/errors"
	"github.com/charlesng35/credledger/pkg/logger"
	"github.com/charlesng35/credledger/pkg/metrics"
)

// Verification outcomes.
const (
	StatusValid   = "VALID"
	StatusInvalid = "INVALID"
)

// Failure reasons, highest priority first.
const (
	ReasonHashMismatch       = "hash mismatch"
	ReasonNotAnchored        = "blockchain not verified"
	ReasonContentRefMismatch = "content_ref mismatch"
)

// ErrInvalidLookup is returned unless exactly one lookup key is set.
var ErrInvalidLookup = apperrors.ErrValidation.Newf("exactly one of credential_id, tx_hash or ipfs_cid is required")

// Store resolves credentials. Implementations return apperrors.ErrNotFound
// for unknown keys.
type Store interface {
	FindByID(ctx context.Context, id string) (*models.Credential, error)
	FindByAnchorTx(ctx context.Context, tx string) (*models.Credential, error)
	FindByContentRef(ctx context.Context, ref string) (*models.Credential, error)
}

// Lookup selects a credential by one of its identifiers.
type Lookup struct {
	CredentialID string `json:"credential_id"`
	AnchorTx     string `json:"tx_hash"`
	ContentRef   string `json:"ipfs_cid"`
}

// Method names the lookup key in use.
func (l Lookup) Method() string {
	switch {
	case l.CredentialID != "":
		return "credential_id"
	case l.AnchorTx != "":
		return "tx_hash"
	default:
		return "ipfs_cid"
	}
}

func (l Lookup) normalise() (Lookup, error) {
	l.CredentialID = strings.TrimSpace(l.CredentialID)
	l.AnchorTx = strings.TrimSpace(l.AnchorTx)
	l.ContentRef = strings.TrimSpace(l.ContentRef)

	set := 0
	for _, v := range []string{l.CredentialID, l.AnchorTx, l.ContentRef} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return l, ErrInvalidLookup
	}
	return l, nil
}

// Fields reports each individual check.
type Fields struct {
	HashMatch          bool `json:"hash_match"`
	BlockchainVerified bool `json:"blockchain_verified"`
	ContentRefMatch    bool `json:"ipfs_cid_match"`
}

// Result is the verification verdict. Credential is only set when VALID.
type Result struct {
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Fields     Fields          `json:"verified_fields"`
	Credential *CredentialView `json:"credential,omitempty"`
}

// Option customises the Engine.
type Option func(*Engine)

// WithDefaultChain sets the network and contract used when a credential row
// does not record them.
func WithDefaultChain(network, contract string) Option {
	return func(e *Engine) {
		if network != "" {
			e.network = network
		}
		if contract != "" {
			e.contract = contract
		}
	}
}

// Engine verifies credentials.
type Engine struct {
	store    Store
	anchor   anchor.Service
	network  string
	contract string
	log      *zap.Logger
}

// NewEngine constructs an engine.
func NewEngine(store Store, svc anchor.Service, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("verification: store is required")
	}
	if svc == nil {
		return nil, errors.New("verification: anchor service is required")
	}
	e := &Engine{
		store:  store,
		anchor: svc,
		log:    logger.WithModule("verification"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Verify resolves the credential, recomputes its hash and confirms its anchor.
// Only lookup and store failures are returned as errors; a tampered or
// unanchored credential yields an INVALID result.
func (e *Engine) Verify(ctx context.Context, lookup Lookup) (*Result, error) {
	lookup, err := lookup.normalise()
	if err != nil {
		return nil, err
	}

	cred, err := e.resolve(ctx, lookup)
	if err != nil {
		metrics.Verifications.WithLabelValues("error").Inc()
		return nil, err
	}

	// The anchor columns are the hash input at issuance; metadata is a copy.
	network := cred.AnchorNetwork
	if network == "" {
		network = e.network
	}
	contract := cred.AnchorContract
	if contract == "" {
		contract = e.contract
	}

	record := canonical.Build(canonical.Fields{
		CredentialID:     cred.ID,
		LearnerID:        cred.LearnerID,
		LearnerEmail:     cred.LearnerEmail,
		IssuerID:         cred.IssuerID,
		CertificateTitle: cred.CertificateTitle,
		IssuedAt:         cred.IssuedAt,
		ContentRef:       cred.ContentRef,
		DocumentURL:      cred.DocumentURL,
		Network:          network,
		ContractAddress:  contract,
	})

	fields := Fields{
		HashMatch:       canonical.Verify(record, cred.DataHash),
		ContentRefMatch: true,
	}
	fields.BlockchainVerified = e.confirmAnchor(ctx, cred)
	if lookup.ContentRef != "" {
		fields.ContentRefMatch = cred.ContentRef != nil && *cred.ContentRef == lookup.ContentRef
	}

	result := &Result{Fields: fields}
	switch {
	case !fields.HashMatch:
		result.Status, result.Reason = StatusInvalid, ReasonHashMismatch
	case !fields.BlockchainVerified:
		result.Status, result.Reason = StatusInvalid, ReasonNotAnchored
	case !fields.ContentRefMatch:
		result.Status, result.Reason = StatusInvalid, ReasonContentRefMismatch
	default:
		result.Status = StatusValid
		result.Credential = NewCredentialView(cred)
	}

	metrics.Verifications.WithLabelValues(result.Status).Inc()
	e.log.Info("credential verified",
		zap.String("credential_id", cred.ID),
		zap.String("method", lookup.Method()),
		zap.String("status", result.Status),
		zap.String("reason", result.Reason),
	)
	return result, nil
}

func (e *Engine) resolve(ctx context.Context, lookup Lookup) (*models.Credential, error) {
	var (
		cred *models.Credential
		err  error
	)
	switch {
	case lookup.CredentialID != "":
		cred, err = e.store.FindByID(ctx, lookup.CredentialID)
	case lookup.AnchorTx != "":
		cred, err = e.store.FindByAnchorTx(ctx, lookup.AnchorTx)
	default:
		cred, err = e.store.FindByContentRef(ctx, lookup.ContentRef)
	}
	if err != nil {
		return nil, fmt.Errorf("verification: resolve by %s: %w", lookup.Method(), err)
	}
	return cred, nil
}

// confirmAnchor never fails the verification call: a missing tx or an anchor
// service error both count as unverified.
func (e *Engine) confirmAnchor(ctx context.Context, cred *models.Credential) bool {
	if cred.AnchorTx == nil || *cred.AnchorTx == "" {
		return false
	}
	ok, err := e.anchor.Verify(ctx, *cred.AnchorTx)
	if err != nil {
		e.log.Warn("anchor confirmation failed", zap.String("credential_id", cred.ID), zap.Error(err))
		return false
	}
	return ok
}

// CredentialView is the public projection of a verified credential.
type CredentialView struct {
	CredentialID     string       `json:"credential_id"`
	Learner          *LearnerView `json:"learner,omitempty"`
	LearnerEmail     string       `json:"learner_email"`
	Issuer           *IssuerView  `json:"issuer,omitempty"`
	CertificateTitle string       `json:"certificate_title"`
	IssuedAt         time.Time    `json:"issued_at"`
	ContentRef       *string      `json:"ipfs_cid"`
	DocumentURL      *string      `json:"pdf_url"`
	AnchorTx         *string      `json:"tx_hash"`
	DataHash         string       `json:"data_hash"`
	Status           string       `json:"status"`
	AnchorStatus     string       `json:"anchor_status"`
	Source           string       `json:"source"`
	Tags             []string     `json:"tags,omitempty"`
}

// LearnerView is the learner summary shown on a verified credential.
type LearnerView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// IssuerView is the issuer summary shown on a verified credential.
type IssuerView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	WebsiteURL string `json:"website_url,omitempty"`
}

// NewCredentialView projects cred, omitting internal fields such as the raw payload.
func NewCredentialView(cred *models.Credential) *CredentialView {
	view := &CredentialView{
		CredentialID:     cred.ID,
		LearnerEmail:     cred.LearnerEmail,
		CertificateTitle: cred.CertificateTitle,
		IssuedAt:         cred.IssuedAt.UTC(),
		ContentRef:       cred.ContentRef,
		DocumentURL:      cred.DocumentURL,
		AnchorTx:         cred.AnchorTx,
		DataHash:         cred.DataHash,
		Status:           cred.Status,
		AnchorStatus:     cred.AnchorStatus,
		Source:           cred.Source,
	}
	if cred.Learner != nil {
		view.Learner = &LearnerView{ID: cred.Learner.ID, Name: cred.Learner.Name, Email: cred.Learner.Email}
	}
	if cred.Issuer != nil {
		view.Issuer = &IssuerView{
			ID:         cred.Issuer.ID,
			Name:       cred.Issuer.Name,
			Type:       cred.Issuer.Type,
			WebsiteURL: cred.Issuer.WebsiteURL,
		}
	} else {
		view.Issuer = &IssuerView{ID: cred.IssuerID}
	}
	if prov := cred.Metadata.Data().Provenance; prov != nil {
		view.Tags = prov.Tags
	}
	return view
}
