package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	// SignatureHeader is the request header carrying the processor signature.
	SignatureHeader = "Stripe-Signature"
	// DefaultSignatureTolerance bounds the accepted clock skew of a signed payload.
	DefaultSignatureTolerance = 5 * time.Minute
)

// Verifier authenticates raw webhook bodies against the shared endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

// Verify checks the signature and decodes the event. It has no side effects.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	header := strings.TrimSpace(signatureHeader)
	if header == "" {
		return nil, ErrMissingSignature
	}
	if v.secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is not configured", ErrInvalidSignature)
	}

	ev, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) ||
			errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) ||
			errors.Is(err, webhook.ErrTooOld) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if ev.ID == "" || ev.Type == "" || ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event id, type or data object missing", ErrMalformedPayload)
	}

	return &Event{
		ID:        ev.ID,
		Type:      string(ev.Type),
		Payload:   ev.Data.Raw,
		CreatedAt: time.Unix(ev.Created, 0).UTC(),
		LiveMode:  ev.Livemode,
		Raw:       payload,
	}, nil
}
