package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	PaymentStatusSucceeded             = "succeeded"
	PaymentStatusFailed                = "failed"
	PaymentStatusProcessing            = "processing"
	PaymentStatusRequiresPaymentMethod = "requires_payment_method"
	PaymentStatusCanceled              = "canceled"
)

// BillingPayment tracks a processor payment intent. Rows are seeded at
// checkout; webhook events only update existing rows.
type BillingPayment struct {
	ID                      uint              `gorm:"primaryKey" json:"id"`
	CustomerID              uint              `gorm:"not null;index" json:"customer_id"`
	OrderRef                string            `gorm:"type:varchar(191);default:'';index" json:"order_ref"`
	Provider                string            `gorm:"type:varchar(20);not null" json:"provider"`
	ProviderPaymentIntentID string            `gorm:"type:varchar(191);not null;index:ux_billing_payments_provider_intent,unique" json:"provider_payment_intent_id"`
	Amount                  decimal.Decimal   `gorm:"type:decimal(12,2);not null;default:0" json:"amount"`
	Currency                string            `gorm:"type:varchar(3);not null" json:"currency"`
	Status                  string            `gorm:"type:varchar(32);not null;index" json:"status"`
	FailureCode             string            `gorm:"type:varchar(100);default:''" json:"failure_code"`
	FailureMessage          string            `gorm:"type:text" json:"failure_message"`
	Refunded                bool              `gorm:"default:false" json:"refunded"`
	RefundedAmount          decimal.Decimal   `gorm:"type:decimal(12,2);not null;default:0" json:"refunded_amount"`
	Metadata                datatypes.JSONMap `json:"metadata"`
	LastEventAt             time.Time         `gorm:"type:timestamp;not null" json:"last_event_at"`
	CreatedAt               time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// RefundableAmount is the part of the payment not yet refunded.
func (p *BillingPayment) RefundableAmount() decimal.Decimal {
	remaining := p.Amount.Sub(p.RefundedAmount)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}
