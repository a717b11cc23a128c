package billing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func signedBody(t *testing.T, body []byte, secret string, at time.Time) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}

func eventBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":       "evt_123",
		"object":   "event",
		"type":     "invoice.paid",
		"created":  1741608000,
		"livemode": false,
		"data": map[string]any{
			"object": map[string]any{"id": "in_1", "object": "invoice", "amount_paid": 15000},
		},
	})
	require.NoError(t, err)
	return body
}

func TestVerifier_Verify(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0)
	body := eventBody(t)

	ev, err := v.Verify(body, signedBody(t, body, testWebhookSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_123", ev.ID)
	assert.Equal(t, EventInvoicePaid, ev.Type)
	assert.Equal(t, int64(1741608000), ev.CreatedAt.Unix())
	assert.JSONEq(t, `{"id":"in_1","object":"invoice","amount_paid":15000}`, string(ev.Payload))
	assert.Equal(t, body, ev.Raw)
}

func TestVerifier_Rejects(t *testing.T) {
	body := eventBody(t)
	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] = ' '

	tests := []struct {
		name    string
		body    []byte
		header  string
		wantErr error
	}{
		{"missing header", body, "", ErrMissingSignature},
		{"garbage header", body, "not-a-signature", ErrInvalidSignature},
		{"wrong secret", body, signedBody(t, body, "whsec_other", time.Now()), ErrInvalidSignature},
		{"tampered body", tampered, signedBody(t, body, testWebhookSecret, time.Now()), ErrInvalidSignature},
		{"too old", body, signedBody(t, body, testWebhookSecret, time.Now().Add(-time.Hour)), ErrInvalidSignature},
		{"not json", []byte("hello"), signedBody(t, []byte("hello"), testWebhookSecret, time.Now()), ErrMalformedPayload},
	}

	v := NewVerifier(testWebhookSecret, 5*time.Minute)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := v.Verify(tt.body, tt.header)
			assert.Nil(t, ev)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifier_RejectsEventWithoutData(t *testing.T) {
	body := []byte(`{"id":"evt_1","object":"event","type":"invoice.paid","created":1741608000}`)
	v := NewVerifier(testWebhookSecret, 0)

	_, err := v.Verify(body, signedBody(t, body, testWebhookSecret, time.Now()))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestVerifier_UnconfiguredSecret(t *testing.T) {
	body := eventBody(t)
	v := NewVerifier("  ", 0)

	_, err := v.Verify(body, signedBody(t, body, testWebhookSecret, time.Now()))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
