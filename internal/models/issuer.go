package models

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Issuer approval states.
const (
	IssuerStatusPending  = "pending"
	IssuerStatusApproved = "approved"
	IssuerStatusRejected = "rejected"
)

// Issuer is an organisation allowed to issue credentials.
type Issuer struct {
	BaseModel

	Name       string `gorm:"not null" json:"name"`
	Type       string `json:"type"`
	WebsiteURL string `json:"website_url,omitempty"`
	Status     string `gorm:"not null;default:pending;index" json:"status"`
}

// Approved reports whether the issuer may issue credentials directly.
func (i *Issuer) Approved() bool {
	return i != nil && i.Status == IssuerStatusApproved
}

// BeforeCreate validates issuer fields.
func (i *Issuer) BeforeCreate(tx *gorm.DB) error {
	if err := i.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	i.Name = strings.TrimSpace(i.Name)
	if i.Name == "" {
		return errors.New("issuer: name is required")
	}
	switch i.Status {
	case "":
		i.Status = IssuerStatusPending
	case IssuerStatusPending, IssuerStatusApproved, IssuerStatusRejected:
	default:
		return errors.New("issuer: invalid status")
	}
	return nil
}
