package models

import (
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Credential lifecycle status values.
const (
	CredentialStatusUnclaimed = "unclaimed"
	CredentialStatusIssued    = "issued"
	CredentialStatusClaimed   = "claimed"
	CredentialStatusRevoked   = "revoked"
)

// Anchor status values mirrored on the credential row.
const (
	AnchorStatusPending   = "pending"
	AnchorStatusConfirmed = "confirmed"
	AnchorStatusFailed    = "failed"
)

// Credential origin values.
const (
	CredentialSourceDirect       = "direct"
	CredentialSourceExternalSync = "external_sync"
)

// Credential is the ledger record. ID doubles as the public credential id and
// is part of the hashed canonical form, so it is assigned before insert.
type Credential struct {
	BaseModel

	LearnerID        *string   `gorm:"type:uuid;index" json:"learner_id,omitempty"`
	LearnerEmail     string    `gorm:"not null;index:idx_credential_dedup,priority:1" json:"learner_email"`
	IssuerID         string    `gorm:"type:uuid;not null;index:idx_credential_dedup,priority:3" json:"issuer_id"`
	CertificateTitle string    `gorm:"not null;index:idx_credential_dedup,priority:2" json:"certificate_title"`
	IssuedAt         time.Time `gorm:"not null" json:"issued_at"`
	ContentRef       *string   `gorm:"index" json:"content_ref,omitempty"`
	DocumentURL      *string   `json:"document_url,omitempty"`

	DataHash       string     `gorm:"not null;index" json:"data_hash"`
	AnchorTx       *string    `gorm:"uniqueIndex" json:"anchor_tx,omitempty"`
	AnchorStatus   string     `gorm:"not null;default:pending;index" json:"anchor_status"`
	AnchorError    string     `json:"anchor_error,omitempty"`
	AnchoredAt     *time.Time `json:"anchored_at,omitempty"`
	AnchorNetwork  string     `json:"anchor_network"`
	AnchorContract string     `json:"anchor_contract"`

	Status     string `gorm:"not null;default:issued" json:"status"`
	Source     string `gorm:"not null;default:direct;index" json:"source"`
	ProviderID string `gorm:"index" json:"provider_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`

	EncryptedRawPayload string `gorm:"type:text" json:"-"`

	Metadata datatypes.JSONType[CredentialMetadata] `json:"metadata"`

	Issuer  *Issuer  `gorm:"foreignKey:IssuerID" json:"issuer,omitempty"`
	Learner *Learner `gorm:"foreignKey:LearnerID" json:"learner,omitempty"`
}

// BeforeCreate normalises identifiers and enforces required columns. Updates
// go through column maps and skip this hook.
func (c *Credential) BeforeCreate(tx *gorm.DB) error {
	if err := c.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	c.LearnerEmail = strings.ToLower(strings.TrimSpace(c.LearnerEmail))
	if c.LearnerEmail == "" {
		return errors.New("credential: learner_email is required")
	}
	c.CertificateTitle = strings.TrimSpace(c.CertificateTitle)
	if c.CertificateTitle == "" {
		return errors.New("credential: certificate_title is required")
	}
	if strings.TrimSpace(c.IssuerID) == "" {
		return errors.New("credential: issuer_id is required")
	}
	if c.DataHash == "" {
		return errors.New("credential: data_hash is required")
	}
	if c.AnchorStatus == "" {
		c.AnchorStatus = AnchorStatusPending
	}
	if c.Status == "" {
		c.Status = CredentialStatusIssued
	}
	if c.Source == "" {
		c.Source = CredentialSourceDirect
	}
	return nil
}

// CredentialMetadata groups the producer-owned sections of a credential's
// metadata. Each producer writes only its own section.
type CredentialMetadata struct {
	Blockchain BlockchainMetadata  `json:"blockchain"`
	Anchor     AnchorMetadata      `json:"anchor"`
	Provenance *ProvenanceMetadata `json:"provenance,omitempty"`
	Enrichment *EnrichmentMetadata `json:"enrichment,omitempty"`
	Extra      map[string]any      `json:"extra,omitempty"`
}

// BlockchainMetadata records where the credential is anchored.
type BlockchainMetadata struct {
	Network         string     `json:"network"`
	ContractAddress string     `json:"contract_address"`
	TxHash          string     `json:"tx_hash,omitempty"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
}

// AnchorMetadata mirrors the anchor status columns.
type AnchorMetadata struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ProvenanceMetadata is written by the sync pipeline.
type ProvenanceMetadata struct {
	Source          string                 `json:"source"`
	ProviderID      string                 `json:"provider_id"`
	SyncedAt        time.Time              `json:"synced_at"`
	ExternalID      string                 `json:"external_id,omitempty"`
	LearnerName     string                 `json:"learner_name,omitempty"`
	CertificateCode string                 `json:"certificate_code,omitempty"`
	Sector          string                 `json:"sector,omitempty"`
	NSQFLevel       *int                   `json:"nsqf_level,omitempty"`
	MinDuration     *float64               `json:"min_duration,omitempty"`
	MaxDuration     *float64               `json:"max_duration,omitempty"`
	AwardingBodies  []string               `json:"awarding_bodies,omitempty"`
	Occupation      string                 `json:"occupation,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	Description     string                 `json:"description,omitempty"`
	Verification    VerificationProvenance `json:"verification"`
}

// VerificationProvenance captures the provider-side check made at sync time.
type VerificationProvenance struct {
	Method     string         `json:"method,omitempty"`
	VerifiedAt *time.Time     `json:"verified_at,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Enrichment status values.
const (
	EnrichmentStatusPending   = "pending"
	EnrichmentStatusCompleted = "completed"
	EnrichmentStatusFailed    = "failed"
)

// EnrichmentMetadata is written by the AI analysis runner.
type EnrichmentMetadata struct {
	Status        string     `json:"status"`
	Skills        []string   `json:"skills,omitempty"`
	NSQFAlignment *int       `json:"nsqf_alignment,omitempty"`
	AnalyzedAt    *time.Time `json:"analyzed_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}
