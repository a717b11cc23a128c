package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PaySync/internal/pkg/billing"
)

const webhookProcessingTimeout = 20 * time.Second

// EventProcessor runs a verified event through the reconciliation engine
type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev *billing.Event) (billing.ProcessResult, error)
}

// BillingController receives processor webhooks
type BillingController struct {
	processor EventProcessor
	verifier  *billing.Verifier
	timeout   time.Duration
}

func NewBillingController(processor EventProcessor, verifier *billing.Verifier) *BillingController {
	return &BillingController{
		processor: processor,
		verifier:  verifier,
		timeout:   webhookProcessingTimeout,
	}
}

// HandleWebhook verifies and processes one delivery. Any non-2xx answer makes
// the processor redeliver, so only events that were recorded or can never
// succeed are acknowledged.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get(billing.SignatureHeader)

	ev, err := bc.verifier.Verify(rawBody, signature)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrMissingSignature):
			log.Warnf("[Billing] Webhook without %s header from %s", billing.SignatureHeader, c.IP())
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_signature"})
		case errors.Is(err, billing.ErrInvalidSignature):
			log.Warnf("[Billing] Rejected webhook with invalid signature from %s: %v", c.IP(), err)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
		default:
			log.Warnf("[Billing] Rejected malformed webhook: %v", err)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
	}

	// Processing must not be cut short by the client hanging up
	ctx, cancel := context.WithTimeout(context.Background(), bc.timeout)
	defer cancel()

	result, err := bc.processor.ProcessEvent(ctx, ev)
	if err != nil {
		if errors.Is(err, billing.ErrEventInFlight) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "event_in_flight"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
	}

	resp := fiber.Map{"received": true}
	if result.Duplicate {
		resp["duplicate"] = true
	}
	if result.Ignored {
		resp["ignored"] = true
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}
