package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	NotificationPriorityLow    = "low"
	NotificationPriorityNormal = "normal"
	NotificationPriorityHigh   = "high"
	NotificationPriorityUrgent = "urgent"
)

const (
	NotificationAudienceUser        = "user"
	NotificationAudienceAdmin       = "admin"
	NotificationAudienceSeniorAdmin = "senior_admin"
)

// Notification is an inbox entry. Audience-wide entries have no UserID.
type Notification struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	UserID    *uint             `gorm:"index" json:"user_id,omitempty"`
	Audience  string            `gorm:"type:varchar(20);not null;default:'user';index" json:"audience"`
	Type      string            `gorm:"type:varchar(50);not null;index" json:"type"`
	Title     string            `gorm:"type:varchar(200);not null" json:"title"`
	Message   string            `gorm:"type:text" json:"message"`
	Priority  string            `gorm:"type:varchar(16);not null;default:'normal'" json:"priority" validate:"oneof=low normal high urgent"`
	ActionURL string            `gorm:"type:varchar(500);default:''" json:"action_url"`
	Metadata  datatypes.JSONMap `json:"metadata"`
	IsRead    bool              `gorm:"default:false" json:"is_read"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
