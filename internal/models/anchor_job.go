package models

import (
	"time"

	"gorm.io/datatypes"
)

// Anchor job states.
const (
	JobStateWaiting   = "waiting"
	JobStateActive    = "active"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
)

// AnchorJob is a durable request to write a credential hash on chain. JobKey is
// the credential id; the unique index makes enqueue idempotent.
type AnchorJob struct {
	BaseModel

	JobKey       string                           `gorm:"not null;uniqueIndex" json:"job_key"`
	CredentialID string                           `gorm:"type:uuid;not null;index" json:"credential_id"`
	DataHash     string                           `gorm:"not null" json:"data_hash"`
	ContentRef   string                           `json:"content_ref,omitempty"`
	State        string                           `gorm:"not null;default:waiting;index:idx_anchor_job_claim,priority:1" json:"state"`
	Attempts     int                              `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts  int                              `gorm:"not null;default:3" json:"max_attempts"`
	NextRunAt    time.Time                        `gorm:"not null;index:idx_anchor_job_claim,priority:2" json:"next_run_at"`
	StartedAt    *time.Time                       `json:"started_at,omitempty"`
	FinishedAt   *time.Time                       `gorm:"index" json:"finished_at,omitempty"`
	LastError    string                           `json:"last_error,omitempty"`
	Result       datatypes.JSONType[AnchorResult] `json:"result"`
}

// AnchorResult is the receipt stored on a completed job.
type AnchorResult struct {
	TxHash          string    `json:"tx_hash"`
	Network         string    `json:"network"`
	ContractAddress string    `json:"contract_address"`
	Timestamp       time.Time `json:"timestamp"`
}

// Terminal reports whether the job has finished.
func (j *AnchorJob) Terminal() bool {
	return j.State == JobStateCompleted || j.State == JobStateFailed
}
