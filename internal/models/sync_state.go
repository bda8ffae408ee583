package models

import (
	"time"

	"gorm.io/datatypes"
)

// Sync cycle states.
const (
	SyncStatusIdle      = "idle"
	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
)

// MaxSyncErrors bounds the error history kept per provider.
const MaxSyncErrors = 20

// SyncState tracks polling progress for one provider.
type SyncState struct {
	BaseModel

	ProviderID     string                         `gorm:"not null;uniqueIndex" json:"provider_id"`
	Status         string                         `gorm:"not null;default:idle" json:"status"`
	LastAttemptAt  *time.Time                     `json:"last_attempt_at,omitempty"`
	LastSuccessAt  *time.Time                     `json:"last_success_at,omitempty"`
	ItemsSynced    int64                          `gorm:"not null;default:0" json:"items_synced"`
	ItemsSkipped   int64                          `gorm:"not null;default:0" json:"items_skipped"`
	ItemsFailed    int64                          `gorm:"not null;default:0" json:"items_failed"`
	LastDurationMS int64                          `gorm:"not null;default:0" json:"last_duration_ms"`
	Errors         datatypes.JSONSlice[SyncError] `json:"errors"`
}

// SyncError is one recorded failure.
type SyncError struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// AppendErrors adds entries and keeps only the most recent MaxSyncErrors.
func (s *SyncState) AppendErrors(at time.Time, messages ...string) {
	for _, msg := range messages {
		s.Errors = append(s.Errors, SyncError{At: at, Message: msg})
	}
	if n := len(s.Errors); n > MaxSyncErrors {
		s.Errors = append(datatypes.JSONSlice[SyncError]{}, s.Errors[n-MaxSyncErrors:]...)
	}
}
