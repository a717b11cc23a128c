package billing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PaySync/app/models"
)

func paymentIntentPayload(id, status string, amountMinor int64) map[string]any {
	return map[string]any{
		"id":       id,
		"amount":   amountMinor,
		"currency": "usd",
		"status":   status,
	}
}

func TestPaymentIntent_FailureRecordsReasonAndNotifies(t *testing.T) {
	h := newHarness(t)
	h.seedPayment(t, "pi_1", 15000, models.PaymentStatusProcessing)

	payload := paymentIntentPayload("pi_1", "requires_payment_method", 15000)
	payload["last_payment_error"] = map[string]any{
		"code":         "card_declined",
		"decline_code": "insufficient_funds",
		"message":      "Your card has insufficient funds.",
	}
	h.process(t, newEvent(t, "evt_pi_failed", EventPaymentIntentFailed, testNow, payload))

	p, err := h.repo.payments.get("pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Equal(t, "insufficient_funds", p.FailureCode)
	assert.Equal(t, "150.00", p.Amount.StringFixed(2))

	sent := h.notifier.ofType("payment_failed")
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Message, "150.00 USD")
	assert.Len(t, h.auditor.actions("payment.failed"), 1)
}

func TestPaymentIntent_SucceededNeverRegresses(t *testing.T) {
	h := newHarness(t)
	h.seedPayment(t, "pi_1", 15000, models.PaymentStatusProcessing)

	h.process(t, newEvent(t, "evt_ok", EventPaymentIntentSucceeded, testNow,
		paymentIntentPayload("pi_1", "succeeded", 15000)))
	h.process(t, newEvent(t, "evt_cancel", EventPaymentIntentCanceled, testNow.Add(time.Minute),
		paymentIntentPayload("pi_1", "canceled", 15000)))
	h.process(t, newEvent(t, "evt_stale", EventPaymentIntentProcessing, testNow.Add(-time.Minute),
		paymentIntentPayload("pi_1", "processing", 15000)))

	p, err := h.repo.payments.get("pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, p.Status)
	assert.Len(t, h.auditor.actions("payment.succeeded"), 1)
	assert.Empty(t, h.auditor.actions("payment.canceled"))
}

func TestPaymentIntent_UnknownPaymentIsNotFabricated(t *testing.T) {
	h := newHarness(t)

	h.process(t, newEvent(t, "evt_pi", EventPaymentIntentSucceeded, testNow,
		paymentIntentPayload("pi_unknown", "succeeded", 1000)))

	_, err := h.repo.payments.get("pi_unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckoutCompleted_SeedsPayment(t *testing.T) {
	h := newHarness(t)

	h.process(t, newEvent(t, "evt_checkout", EventCheckoutSessionCompleted, testNow, map[string]any{
		"id":                  "cs_1",
		"mode":                "payment",
		"customer":            "cus_new",
		"payment_intent":      "pi_new",
		"payment_status":      "paid",
		"client_reference_id": "9",
		"amount_total":        4200,
		"currency":            "EUR",
		"metadata":            map[string]any{"order_ref": "appt-17"},
		"customer_details":    map[string]any{"email": "jo@example.com", "name": "Jo"},
	}))

	cust, err := h.repo.customers.get("cus_new")
	require.NoError(t, err)
	require.NotNil(t, cust.UserID)
	assert.Equal(t, uint(9), *cust.UserID)
	assert.Equal(t, "jo@example.com", cust.Email)

	p, err := h.repo.payments.get("pi_new")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, p.Status)
	assert.Equal(t, "42.00", p.Amount.StringFixed(2))
	assert.Equal(t, "eur", p.Currency)
	assert.Equal(t, "appt-17", p.OrderRef)
	assert.Equal(t, cust.ID, p.CustomerID)
}

func TestChargeRefunded_UpdatesPaymentAndRefunds(t *testing.T) {
	h := newHarness(t)
	h.seedPayment(t, "pi_1", 10000, models.PaymentStatusSucceeded)

	h.process(t, newEvent(t, "evt_refund", EventChargeRefunded, testNow, map[string]any{
		"id":              "ch_1",
		"payment_intent":  "pi_1",
		"amount":          10000,
		"amount_refunded": 4000,
		"currency":        "usd",
		"refunded":        false,
		"refunds": map[string]any{"data": []any{map[string]any{
			"id":       "re_1",
			"amount":   4000,
			"currency": "usd",
			"status":   "succeeded",
			"reason":   "requested_by_customer",
		}}},
	}))

	p, err := h.repo.payments.get("pi_1")
	require.NoError(t, err)
	assert.Equal(t, "40.00", p.RefundedAmount.StringFixed(2))
	assert.False(t, p.Refunded)
	assert.Equal(t, "60.00", p.RefundableAmount().StringFixed(2))

	refund, err := h.repo.refunds.get("re_1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, refund.PaymentID)
	assert.Equal(t, "40.00", refund.Amount.StringFixed(2))
	assert.Len(t, h.notifier.ofType("payment_refunded"), 1)
}

func TestChargeRefunded_StaleTotalSyncsRefundsWithoutNotifying(t *testing.T) {
	h := newHarness(t)
	h.seedPayment(t, "pi_1", 10000, models.PaymentStatusSucceeded)

	charge := func(refunded int64, refunds ...map[string]any) map[string]any {
		data := make([]any, 0, len(refunds))
		for _, rf := range refunds {
			data = append(data, rf)
		}
		return map[string]any{
			"id":              "ch_1",
			"payment_intent":  "pi_1",
			"amount":          10000,
			"amount_refunded": refunded,
			"currency":        "usd",
			"refunds":         map[string]any{"data": data},
		}
	}
	refund := func(status string) map[string]any {
		return map[string]any{"id": "re_1", "amount": 4000, "currency": "usd", "status": status}
	}

	h.process(t, newEvent(t, "evt_refund", EventChargeRefunded, testNow, charge(4000, refund("pending"))))
	h.process(t, newEvent(t, "evt_refund_again", EventChargeRefunded, testNow.Add(time.Minute), charge(4000, refund("succeeded"))))

	p, err := h.repo.payments.get("pi_1")
	require.NoError(t, err)
	assert.Equal(t, "40.00", p.RefundedAmount.StringFixed(2))

	r, err := h.repo.refunds.get("re_1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", r.Status)

	assert.Len(t, h.notifier.ofType("payment_refunded"), 1)
	assert.Len(t, h.auditor.actions("payment.refunded"), 1)
}

func TestIssueRefund(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		amount  string
		wantErr error
	}{
		{"partial refund", models.PaymentStatusSucceeded, "40.00", nil},
		{"full refund", models.PaymentStatusSucceeded, "100.00", nil},
		{"zero amount", models.PaymentStatusSucceeded, "0", ErrInvalidRefundAmount},
		{"negative amount", models.PaymentStatusSucceeded, "-5", ErrInvalidRefundAmount},
		{"more than paid", models.PaymentStatusSucceeded, "100.01", ErrInvalidRefundAmount},
		{"payment not settled", models.PaymentStatusProcessing, "10.00", ErrPaymentNotRefundable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedPayment(t, "pi_1", 10000, tt.status)

			id, err := h.svc.IssueRefund(context.Background(), "pi_1", decimal.RequireFromString(tt.amount), "requested_by_customer")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, h.processor.refunds)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "re_1", id)
			require.Len(t, h.processor.refunds, 1)
			assert.Equal(t, decimal.RequireFromString(tt.amount).Shift(2).IntPart(), h.processor.refunds[0].AmountMinor)
			assert.NotEmpty(t, h.processor.refunds[0].IdempotencyKey)
			assert.Len(t, h.auditor.actions("payment.refund_requested"), 1)
		})
	}
}

func TestIssueRefund_UnknownPaymentAndNoProcessor(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.IssueRefund(context.Background(), "pi_missing", decimal.NewFromInt(1), "")
	assert.ErrorIs(t, err, ErrNotFound)

	h = newHarness(t, func(o *Options) { o.Processor = nil })
	_, err = h.svc.IssueRefund(context.Background(), "pi_missing", decimal.NewFromInt(1), "")
	assert.ErrorIs(t, err, ErrProcessorUnavailable)
}
