package billing

import (
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PaySync/internal/pkg/env"
)

// Policy carries the retry, grace-period and dispute settings. It is passed
// into the Service so tests can run with different values side by side.
type Policy struct {
	MaxRetryAttempts          int     `validate:"min=1,max=20"`
	BackoffMultiplier         float64 `validate:"gte=1,lte=10"`
	RetryBaseDelayHours       int     `validate:"min=1,max=720"`
	GracePeriodHours          int     `validate:"min=1,max=2160"`
	AutoResponseEnabled       bool
	DocumentCollectionEnabled bool
	EscalationThresholdAmount decimal.Decimal
	EvidenceDays              int `validate:"min=1,max=60"`
}

// DefaultPolicy returns 3 attempts, x2 backoff and a 72h grace period.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetryAttempts:          3,
		BackoffMultiplier:         2,
		RetryBaseDelayHours:       24,
		GracePeriodHours:          72,
		AutoResponseEnabled:       true,
		DocumentCollectionEnabled: true,
		EscalationThresholdAmount: decimal.NewFromInt(500),
		EvidenceDays:              7,
	}
}

// LoadPolicyFromEnv reads BILLING_* variables on top of DefaultPolicy.
func LoadPolicyFromEnv() (Policy, error) {
	def := DefaultPolicy()
	p := Policy{
		MaxRetryAttempts:          env.GetEnvInt("BILLING_MAX_RETRY_ATTEMPTS", def.MaxRetryAttempts),
		BackoffMultiplier:         env.GetEnvFloat("BILLING_BACKOFF_MULTIPLIER", def.BackoffMultiplier),
		RetryBaseDelayHours:       env.GetEnvInt("BILLING_RETRY_BASE_DELAY_HOURS", def.RetryBaseDelayHours),
		GracePeriodHours:          env.GetEnvInt("BILLING_GRACE_PERIOD_HOURS", def.GracePeriodHours),
		AutoResponseEnabled:       env.GetEnvBool("BILLING_DISPUTE_AUTO_RESPONSE", def.AutoResponseEnabled),
		DocumentCollectionEnabled: env.GetEnvBool("BILLING_DISPUTE_DOCUMENT_COLLECTION", def.DocumentCollectionEnabled),
		EscalationThresholdAmount: env.GetEnvDecimal("BILLING_DISPUTE_ESCALATION_THRESHOLD", def.EscalationThresholdAmount),
		EvidenceDays:              env.GetEnvInt("BILLING_DISPUTE_EVIDENCE_DAYS", def.EvidenceDays),
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("invalid billing policy: %w", err)
	}
	if !p.EscalationThresholdAmount.IsPositive() {
		return fmt.Errorf("invalid billing policy: escalation threshold must be positive, got %s", p.EscalationThresholdAmount)
	}
	return nil
}

func (p Policy) GracePeriod() time.Duration {
	return time.Duration(p.GracePeriodHours) * time.Hour
}

// RetryDelay is the expected wait before the given attempt is retried:
// base * multiplier^(attempt-1).
func (p Policy) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(p.RetryBaseDelayHours) * time.Hour
	factor := math.Pow(p.BackoffMultiplier, float64(attempt-1))
	return time.Duration(float64(base) * factor)
}

// EvidenceWindow is the offset from now at which collected documents are due.
func (p Policy) EvidenceWindow() time.Duration {
	return time.Duration(p.EvidenceDays) * 24 * time.Hour
}
