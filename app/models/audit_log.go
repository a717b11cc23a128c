package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	AuditOutcomeSuccess = "SUCCESS"
	AuditOutcomeFailure = "FAILURE"
)

// AuditLog is an append-only trail of billing state transitions.
type AuditLog struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	UserID    *uint             `gorm:"index" json:"user_id,omitempty"`
	Action    string            `gorm:"type:varchar(100);not null;index" json:"action"`
	Entity    string            `gorm:"type:varchar(50);not null;index:idx_audit_logs_entity,priority:1" json:"entity"`
	EntityID  string            `gorm:"type:varchar(191);default:'';index:idx_audit_logs_entity,priority:2" json:"entity_id"`
	Details   datatypes.JSONMap `json:"details"`
	Outcome   string            `gorm:"type:varchar(16);not null;index" json:"outcome"`
	CreatedAt time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}
