package models

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Learner is a registered credential holder.
type Learner struct {
	BaseModel

	Name  string `json:"name"`
	Email string `gorm:"not null;uniqueIndex" json:"email"`

	AlternateEmails []LearnerEmail `gorm:"foreignKey:LearnerID;constraint:OnDelete:CASCADE" json:"alternate_emails,omitempty"`
}

// BeforeCreate lower-cases the primary email.
func (l *Learner) BeforeCreate(tx *gorm.DB) error {
	if err := l.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	l.Email = strings.ToLower(strings.TrimSpace(l.Email))
	if l.Email == "" {
		return errors.New("learner: email is required")
	}
	return nil
}

// LearnerEmail is an alternate address that resolves to a learner.
type LearnerEmail struct {
	BaseModel

	LearnerID string `gorm:"type:uuid;not null;index" json:"learner_id"`
	Email     string `gorm:"not null;uniqueIndex" json:"email"`
}

// BeforeCreate lower-cases the alternate email.
func (e *LearnerEmail) BeforeCreate(tx *gorm.DB) error {
	if err := e.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	e.Email = strings.ToLower(strings.TrimSpace(e.Email))
	if e.Email == "" {
		return errors.New("learner_email: email is required")
	}
	if strings.TrimSpace(e.LearnerID) == "" {
		return errors.New("learner_email: learner_id is required")
	}
	return nil
}
