package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	BillingIntervalDay     = "day"
	BillingIntervalWeek    = "week"
	BillingIntervalMonth   = "month"
	BillingIntervalYear    = "year"
	BillingIntervalUnknown = "unknown"
)

const (
	BillingStatusIncomplete        = "incomplete"
	BillingStatusIncompleteExpired = "incomplete_expired"
	BillingStatusTrialing          = "trialing"
	BillingStatusActive            = "active"
	BillingStatusPastDue           = "past_due"
	BillingStatusCanceled          = "canceled"
	BillingStatusUnpaid            = "unpaid"
	BillingStatusPaused            = "paused"
)

// BillingSubscription mirrors a processor subscription. LastEventAt holds the
// processor timestamp of the event that last wrote the row and decides
// last-write-wins between out-of-order deliveries.
type BillingSubscription struct {
	ID                     uint            `gorm:"primaryKey" json:"id"`
	CustomerID             uint            `gorm:"not null;index" json:"customer_id"`
	Provider               string          `gorm:"type:varchar(20);not null;index:idx_billing_subscriptions_provider_status,priority:1" json:"provider"`
	ProviderSubscriptionID string          `gorm:"type:varchar(191);not null;index:ux_billing_subscriptions_provider_subid,unique" json:"provider_subscription_id"`
	Status                 string          `gorm:"type:varchar(32);not null;default:'incomplete';index:idx_billing_subscriptions_provider_status,priority:2" json:"status"`
	PlanName               string          `gorm:"type:varchar(191);default:''" json:"plan_name"`
	PlanAmount             decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"plan_amount"`
	Currency               string          `gorm:"type:varchar(3);default:''" json:"currency"`
	BillingInterval        string          `gorm:"type:varchar(16);not null;default:'unknown'" json:"billing_interval"`
	CurrentPeriodStart     *time.Time      `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time      `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	TrialStart             *time.Time      `gorm:"type:timestamp;default:null" json:"trial_start,omitempty"`
	TrialEnd               *time.Time      `gorm:"type:timestamp;default:null" json:"trial_end,omitempty"`
	CancelAt               *time.Time      `gorm:"type:timestamp;default:null" json:"cancel_at,omitempty"`
	CanceledAt             *time.Time      `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	CancelAtPeriodEnd      bool            `gorm:"default:false" json:"cancel_at_period_end"`
	CollectionPaused       bool            `gorm:"default:false" json:"collection_paused"`
	LastEventAt            time.Time       `gorm:"type:timestamp;not null" json:"last_event_at"`
	LastEventID            string          `gorm:"type:varchar(191);default:''" json:"last_event_id"`
	RawPayloadJSON         string          `gorm:"type:text" json:"raw_payload_json"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsStaleEvent reports whether an event stamped at is older than the last
// event applied to the subscription.
func (s *BillingSubscription) IsStaleEvent(at time.Time) bool {
	return at.Before(s.LastEventAt)
}

// Suspendable reports whether the grace period manager may move the
// subscription to past_due.
func (s *BillingSubscription) Suspendable() bool {
	switch s.Status {
	case BillingStatusActive, BillingStatusTrialing, BillingStatusPastDue, BillingStatusUnpaid:
		return true
	}
	return false
}
