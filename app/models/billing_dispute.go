package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DisputeStatusWarningNeedsResponse = "warning_needs_response"
	DisputeStatusWarningUnderReview   = "warning_under_review"
	DisputeStatusWarningClosed        = "warning_closed"
	DisputeStatusNeedsResponse        = "needs_response"
	DisputeStatusUnderReview          = "under_review"
	DisputeStatusWon                  = "won"
	DisputeStatusLost                 = "lost"
)

// BillingDispute is a chargeback raised against a payment. The *At stamps
// record which workflow steps already completed so a redelivered event only
// re-runs the missing ones. Escalated is set at creation and never cleared.
type BillingDispute struct {
	ID                   uint            `gorm:"primaryKey" json:"id"`
	PaymentID            uint            `gorm:"not null;index" json:"payment_id"`
	Payment              *BillingPayment `gorm:"foreignKey:PaymentID" json:"-"`
	ProviderDisputeID    string          `gorm:"type:varchar(191);not null;index:ux_billing_disputes_provider_dispute,unique" json:"provider_dispute_id"`
	ProviderChargeID     string          `gorm:"type:varchar(191);default:''" json:"provider_charge_id"`
	Amount               decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"amount"`
	Currency             string          `gorm:"type:varchar(3);not null" json:"currency"`
	Reason               string          `gorm:"type:varchar(100);default:''" json:"reason"`
	Status               string          `gorm:"type:varchar(32);not null;index" json:"status"`
	EvidenceDueBy        *time.Time      `gorm:"type:timestamp;default:null" json:"evidence_due_by,omitempty"`
	Escalated            bool            `gorm:"default:false;index" json:"escalated"`
	AdminNotifiedAt      *time.Time      `gorm:"type:timestamp;default:null" json:"admin_notified_at,omitempty"`
	AutoRespondedAt      *time.Time      `gorm:"type:timestamp;default:null" json:"auto_responded_at,omitempty"`
	DocumentsRequestedAt *time.Time      `gorm:"type:timestamp;default:null" json:"documents_requested_at,omitempty"`
	EscalationNotifiedAt *time.Time      `gorm:"type:timestamp;default:null" json:"escalation_notified_at,omitempty"`
	ArchivedAt           *time.Time      `gorm:"type:timestamp;default:null" json:"archived_at,omitempty"`
	EvidenceArchiveKey   string          `gorm:"type:varchar(500);default:''" json:"evidence_archive_key"`
	ClosedAt             *time.Time      `gorm:"type:timestamp;default:null" json:"closed_at,omitempty"`
	LastEventAt          time.Time       `gorm:"type:timestamp;not null" json:"last_event_at"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsClosed reports whether the processor has decided the dispute.
func (d *BillingDispute) IsClosed() bool {
	switch d.Status {
	case DisputeStatusWon, DisputeStatusLost, DisputeStatusWarningClosed:
		return true
	}
	return false
}
