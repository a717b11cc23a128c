package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, 3, p.MaxRetryAttempts)
	assert.Equal(t, 72*time.Hour, p.GracePeriod())
	assert.Equal(t, 7*24*time.Hour, p.EvidenceWindow())
	assert.Equal(t, "500.00", p.EscalationThresholdAmount.StringFixed(2))
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"zero attempts", func(p *Policy) { p.MaxRetryAttempts = 0 }},
		{"shrinking backoff", func(p *Policy) { p.BackoffMultiplier = 0.5 }},
		{"zero grace period", func(p *Policy) { p.GracePeriodHours = 0 }},
		{"zero base delay", func(p *Policy) { p.RetryBaseDelayHours = 0 }},
		{"zero evidence days", func(p *Policy) { p.EvidenceDays = 0 }},
		{"zero threshold", func(p *Policy) { p.EscalationThresholdAmount = decimal.Zero }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestPolicy_RetryDelay(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 24*time.Hour, p.RetryDelay(1))
	assert.Equal(t, 48*time.Hour, p.RetryDelay(2))
	assert.Equal(t, 96*time.Hour, p.RetryDelay(3))
	assert.Equal(t, 24*time.Hour, p.RetryDelay(0))

	p.BackoffMultiplier = 1.5
	assert.Equal(t, 36*time.Hour, p.RetryDelay(2))
}

func TestLoadPolicyFromEnv(t *testing.T) {
	t.Setenv("BILLING_MAX_RETRY_ATTEMPTS", "5")
	t.Setenv("BILLING_GRACE_PERIOD_HOURS", "48")
	t.Setenv("BILLING_DISPUTE_AUTO_RESPONSE", "false")
	t.Setenv("BILLING_DISPUTE_ESCALATION_THRESHOLD", "250.50")
	t.Setenv("BILLING_BACKOFF_MULTIPLIER", "not-a-number")

	p, err := LoadPolicyFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5, p.MaxRetryAttempts)
	assert.Equal(t, 48, p.GracePeriodHours)
	assert.False(t, p.AutoResponseEnabled)
	assert.True(t, p.DocumentCollectionEnabled)
	assert.Equal(t, "250.50", p.EscalationThresholdAmount.StringFixed(2))
	assert.Equal(t, 2.0, p.BackoffMultiplier)
}

func TestLoadPolicyFromEnv_Invalid(t *testing.T) {
	t.Setenv("BILLING_MAX_RETRY_ATTEMPTS", "0")
	_, err := LoadPolicyFromEnv()
	assert.Error(t, err)
}
