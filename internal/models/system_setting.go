package models

import "time"

// SystemSetting persists installation-wide values that must survive
// restarts, such as the generated payload sealing key. Values may be secret
// and are never serialised.
type SystemSetting struct {
	Key       string    `gorm:"primaryKey;size:128" json:"key"`
	Value     string    `gorm:"type:text;not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
