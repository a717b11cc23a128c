package models

import "time"

const (
	WebhookOutcomeProcessed = "processed"
	WebhookOutcomeIgnored   = "ignored"
)

// BillingWebhookEvent is the append-only idempotency record of a fully
// processed processor event. Rows are inserted once and never updated.
type BillingWebhookEvent struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"type:varchar(20);not null;index:ux_billing_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string    `gorm:"type:varchar(191);not null;index:ux_billing_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string    `gorm:"type:varchar(100);not null;index" json:"event_type"`
	EventCreatedAt  time.Time `gorm:"type:timestamp;not null" json:"event_created_at"`
	LiveMode        bool      `gorm:"default:false" json:"live_mode"`
	PayloadJSON     string    `gorm:"type:text;not null" json:"payload_json"`
	Outcome         string    `gorm:"type:varchar(20);not null" json:"outcome"`
	ProcessedAt     time.Time `gorm:"type:timestamp;not null;index" json:"processed_at"`
}
