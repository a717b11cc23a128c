package models

import "time"

const (
	RetryStateFailed    = "failed"
	RetryStateSuspended = "suspended"
	RetryStateResolved  = "resolved"
)

// BillingPaymentRetry is the retry and grace-period state of one failing invoice.
type BillingPaymentRetry struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	InvoiceID        uint       `gorm:"not null;index:ux_billing_payment_retries_invoice,unique" json:"invoice_id"`
	CustomerID       uint       `gorm:"not null;index" json:"customer_id"`
	SubscriptionID   *uint      `gorm:"index" json:"subscription_id,omitempty"`
	State            string     `gorm:"type:varchar(20);not null;index:idx_billing_payment_retries_state_deadline,priority:1" json:"state"`
	AttemptCount     int        `gorm:"not null;default:0" json:"attempt_count"`
	FirstFailedAt    time.Time  `gorm:"type:timestamp;not null" json:"first_failed_at"`
	LastFailedAt     time.Time  `gorm:"type:timestamp;not null" json:"last_failed_at"`
	NextRetryAt      *time.Time `gorm:"type:timestamp;default:null" json:"next_retry_at,omitempty"`
	GraceDeadline    time.Time  `gorm:"type:timestamp;not null;index:idx_billing_payment_retries_state_deadline,priority:2" json:"grace_deadline"`
	SuspendedAt      *time.Time `gorm:"type:timestamp;default:null" json:"suspended_at,omitempty"`
	PauseConfirmedAt *time.Time `gorm:"type:timestamp;default:null" json:"pause_confirmed_at,omitempty"`
	PauseRetryAt     *time.Time `gorm:"type:timestamp;default:null" json:"pause_retry_at,omitempty"`
	ResolvedAt       *time.Time `gorm:"type:timestamp;default:null" json:"resolved_at,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// GraceExpired reports whether the grace window closed at or before now.
func (r *BillingPaymentRetry) GraceExpired(now time.Time) bool {
	return r.State == RetryStateFailed && !now.Before(r.GraceDeadline)
}

// PauseRetryDue reports whether a suspension still waits for its processor
// pause and the retry backoff has elapsed.
func (r *BillingPaymentRetry) PauseRetryDue(now time.Time) bool {
	if r.State != RetryStateSuspended || r.PauseConfirmedAt != nil {
		return false
	}
	return r.PauseRetryAt == nil || !now.Before(*r.PauseRetryAt)
}
