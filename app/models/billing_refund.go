package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingRefund belongs to exactly one payment.
type BillingRefund struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	PaymentID        uint            `gorm:"not null;index" json:"payment_id"`
	ProviderRefundID string          `gorm:"type:varchar(191);not null;index:ux_billing_refunds_provider_refund,unique" json:"provider_refund_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"amount"`
	Currency         string          `gorm:"type:varchar(3);not null" json:"currency"`
	Status           string          `gorm:"type:varchar(32);not null" json:"status"`
	Reason           string          `gorm:"type:varchar(100);default:''" json:"reason"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
