package models

import "time"

const (
	DisputeTaskStatusPending   = "pending"
	DisputeTaskStatusCompleted = "completed"
)

// BillingDisputeTask is one evidence item an admin has to collect for a dispute.
type BillingDisputeTask struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	DisputeID   uint       `gorm:"not null;index:ux_billing_dispute_tasks_dispute_category,unique,priority:1" json:"dispute_id"`
	Category    string     `gorm:"type:varchar(64);not null;index:ux_billing_dispute_tasks_dispute_category,unique,priority:2" json:"category"`
	Title       string     `gorm:"type:varchar(200);not null" json:"title"`
	Status      string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	DueAt       time.Time  `gorm:"type:timestamp;not null" json:"due_at"`
	CompletedAt *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
