package billing

import "errors"

var (
	// ErrMissingSignature means the request carried no signature header at all.
	// It usually points at a proxy or configuration problem rather than an attack.
	ErrMissingSignature = errors.New("billing: missing signature header")
	// ErrInvalidSignature means the signature did not match the body and secret
	// or was outside the accepted time window.
	ErrInvalidSignature = errors.New("billing: invalid signature")
	// ErrMalformedPayload means the body was signed correctly but could not be
	// decoded into an event.
	ErrMalformedPayload = errors.New("billing: malformed event payload")

	ErrNotFound             = errors.New("billing: record not found")
	ErrSkipWrite            = errors.New("billing: write skipped")
	ErrEventInFlight        = errors.New("billing: event is already being processed")
	ErrInvalidRefundAmount  = errors.New("billing: invalid refund amount")
	ErrPaymentNotRefundable = errors.New("billing: payment is not refundable")
	ErrProcessorUnavailable = errors.New("billing: processor client not configured")
)
