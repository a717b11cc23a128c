package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	InvoiceStatusDraft         = "draft"
	InvoiceStatusOpen          = "open"
	InvoiceStatusPaid          = "paid"
	InvoiceStatusUncollectible = "uncollectible"
	InvoiceStatusVoid          = "void"
)

// BillingInvoice is upserted by processor invoice id and never deleted.
type BillingInvoice struct {
	ID                     uint            `gorm:"primaryKey" json:"id"`
	CustomerID             uint            `gorm:"not null;index" json:"customer_id"`
	SubscriptionID         *uint           `gorm:"index" json:"subscription_id,omitempty"`
	Provider               string          `gorm:"type:varchar(20);not null" json:"provider"`
	ProviderInvoiceID      string          `gorm:"type:varchar(191);not null;index:ux_billing_invoices_provider_invoice,unique" json:"provider_invoice_id"`
	ProviderSubscriptionID string          `gorm:"type:varchar(191);default:'';index" json:"provider_subscription_id"`
	Number                 string          `gorm:"type:varchar(100);default:''" json:"number"`
	Status                 string          `gorm:"type:varchar(32);not null;index" json:"status"`
	Currency               string          `gorm:"type:varchar(3);not null" json:"currency"`
	Subtotal               decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"subtotal"`
	Tax                    decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"tax"`
	Total                  decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total"`
	AmountPaid             decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"amount_paid"`
	AmountDue              decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"amount_due"`
	AttemptCount           int             `gorm:"default:0" json:"attempt_count"`
	PeriodStart            *time.Time      `gorm:"type:timestamp;default:null" json:"period_start,omitempty"`
	PeriodEnd              *time.Time      `gorm:"type:timestamp;default:null" json:"period_end,omitempty"`
	PaidAt                 *time.Time      `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	FailedAt               *time.Time      `gorm:"type:timestamp;default:null" json:"failed_at,omitempty"`
	NextPaymentAttempt     *time.Time      `gorm:"type:timestamp;default:null" json:"next_payment_attempt,omitempty"`
	HostedInvoiceURL       string          `gorm:"type:varchar(500);default:''" json:"hosted_invoice_url"`
	LastEventAt            time.Time       `gorm:"type:timestamp;not null" json:"last_event_at"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
