package models

import (
	"time"
)

// AuditEntry records a decision or action taken by the auto-ban engine, the
// compiler, or an operator so it can be audited later.
type AuditEntry struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	Source    string    `json:"source"` // e.g. autoban, compiler, manual
	Action    string    `json:"action"` // e.g. ban_created, ban_extended, ban_suppressed, apply_success, apply_failed
	IP        string    `json:"ip"`
	Details   string    `json:"details" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}
