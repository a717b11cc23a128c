package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PaySync/app/models"
)

func paymentStatusForEvent(eventType, reported string) string {
	switch eventType {
	case EventPaymentIntentSucceeded:
		return models.PaymentStatusSucceeded
	case EventPaymentIntentFailed:
		return models.PaymentStatusFailed
	case EventPaymentIntentProcessing:
		return models.PaymentStatusProcessing
	case EventPaymentIntentCanceled:
		return models.PaymentStatusCanceled
	}
	if reported != "" {
		return strings.ToLower(reported)
	}
	return models.PaymentStatusRequiresPaymentMethod
}

// handlePaymentIntent updates an existing payment. Payments are seeded at
// checkout, so an unknown payment intent is logged and skipped.
func (s *Service) handlePaymentIntent(ctx context.Context, ev *Event) error {
	var obj paymentIntentObject
	if err := ev.decode(&obj); err != nil {
		return err
	}
	if obj.ID == "" {
		return fmt.Errorf("%w: payment intent id missing", ErrMalformedPayload)
	}

	at := eventTime(ev, s.now())
	target := paymentStatusForEvent(ev.Type, obj.Status)
	prevStatus := ""
	payment, err := s.repo.MutatePayment(ctx, obj.ID, func(p *models.BillingPayment, found bool) error {
		if !found {
			return ErrNotFound
		}
		if at.Before(p.LastEventAt) {
			return ErrSkipWrite
		}
		// A succeeded intent never moves back.
		if p.Status == models.PaymentStatusSucceeded && target != models.PaymentStatusSucceeded {
			return ErrSkipWrite
		}
		if p.Status == target && at.Equal(p.LastEventAt) {
			return ErrSkipWrite
		}
		prevStatus = p.Status
		p.Status = target
		if obj.Amount > 0 {
			p.Amount = ToMajorUnits(obj.Amount, obj.Currency)
			p.Currency = normalizeCurrency(obj.Currency)
		}
		switch target {
		case models.PaymentStatusFailed:
			if e := obj.LastPaymentError; e != nil {
				p.FailureCode = firstNonEmpty(e.DeclineCode, e.Code)
				p.FailureMessage = e.Message
			}
		case models.PaymentStatusSucceeded:
			p.FailureCode = ""
			p.FailureMessage = ""
		}
		p.LastEventAt = at
		return nil
	})
	switch {
	case errors.Is(err, ErrNotFound):
		log.Warnf("[Billing] Payment intent %s not found locally, skipping %s", obj.ID, ev.Type)
		return nil
	case errors.Is(err, ErrSkipWrite):
		return nil
	case err != nil:
		return err
	}

	userID := s.customerUserID(ctx, payment.CustomerID)
	s.gateway.Audit(ctx, AuditEntry{
		UserID:   userID,
		Action:   "payment." + payment.Status,
		Entity:   "payment",
		EntityID: payment.ProviderPaymentIntentID,
		Details: map[string]any{
			"event_id":     ev.ID,
			"from_status":  prevStatus,
			"amount":       payment.Amount.StringFixed(2),
			"currency":     payment.Currency,
			"failure_code": payment.FailureCode,
		},
	})

	if payment.Status == models.PaymentStatusFailed {
		s.gateway.Notify(ctx, Notification{
			UserID:   userID,
			Audience: models.NotificationAudienceUser,
			Title:    "Payment failed",
			Message:  fmt.Sprintf("Your payment of %s %s could not be completed: %s", payment.Amount.StringFixed(2), strings.ToUpper(payment.Currency), firstNonEmpty(payment.FailureMessage, "the payment was declined")),
			Type:     "payment_failed",
			Priority: models.NotificationPriorityHigh,
			Metadata: map[string]any{"payment_intent_id": payment.ProviderPaymentIntentID, "order_ref": payment.OrderRef},
		})
	}
	return nil
}

// handleChargeRefunded mirrors processor refunds onto the payment.
func (s *Service) handleChargeRefunded(ctx context.Context, ev *Event) error {
	var obj chargeObject
	if err := ev.decode(&obj); err != nil {
		return err
	}
	if obj.PaymentIntent == "" {
		log.Infof("[Billing] Refunded charge %s has no payment intent, skipping", obj.ID)
		return nil
	}

	at := eventTime(ev, s.now())
	refunded := ToMajorUnits(obj.AmountRefunded, obj.Currency)
	payment, err := s.repo.MutatePayment(ctx, obj.PaymentIntent, func(p *models.BillingPayment, found bool) error {
		if !found {
			return ErrNotFound
		}
		if !refunded.GreaterThan(p.RefundedAmount) {
			return ErrSkipWrite
		}
		p.RefundedAmount = refunded
		p.Refunded = obj.Refunded || !refunded.LessThan(p.Amount)
		p.LastEventAt = laterOf(p.LastEventAt, at)
		return nil
	})
	switch {
	case errors.Is(err, ErrNotFound):
		log.Warnf("[Billing] Refund for unknown payment intent %s, skipping", obj.PaymentIntent)
		return nil
	case errors.Is(err, ErrSkipWrite):
		if payment == nil {
			return nil
		}
	case err != nil:
		return err
	}
	stale := errors.Is(err, ErrSkipWrite)

	if obj.Refunds != nil {
		for _, rf := range obj.Refunds.Data {
			if rf.ID == "" {
				continue
			}
			_, upsertErr := s.repo.MutateRefund(ctx, rf.ID, func(r *models.BillingRefund, found bool) error {
				r.PaymentID = payment.ID
				r.ProviderRefundID = rf.ID
				r.Amount = ToMajorUnits(rf.Amount, rf.Currency)
				r.Currency = normalizeCurrency(rf.Currency)
				r.Status = rf.Status
				r.Reason = rf.Reason
				return nil
			})
			if upsertErr != nil {
				return fmt.Errorf("upsert refund %s: %w", rf.ID, upsertErr)
			}
		}
	}

	if stale {
		return nil
	}

	userID := s.customerUserID(ctx, payment.CustomerID)
	s.gateway.Audit(ctx, AuditEntry{
		UserID:   userID,
		Action:   "payment.refunded",
		Entity:   "payment",
		EntityID: payment.ProviderPaymentIntentID,
		Details: map[string]any{
			"event_id":        ev.ID,
			"refunded_amount": payment.RefundedAmount.StringFixed(2),
			"fully_refunded":  payment.Refunded,
		},
	})
	s.gateway.Notify(ctx, Notification{
		UserID:   userID,
		Audience: models.NotificationAudienceUser,
		Title:    "Refund issued",
		Message:  fmt.Sprintf("%s %s has been refunded to your original payment method.", payment.RefundedAmount.StringFixed(2), strings.ToUpper(payment.Currency)),
		Type:     "payment_refunded",
		Priority: models.NotificationPriorityNormal,
		Metadata: map[string]any{"payment_intent_id": payment.ProviderPaymentIntentID},
	})
	return nil
}

// IssueRefund asks the processor to refund part or all of a payment. The
// local refund row appears once the processor reports charge.refunded.
func (s *Service) IssueRefund(ctx context.Context, paymentIntentID string, amount decimal.Decimal, reason string) (string, error) {
	if s.processor == nil {
		return "", ErrProcessorUnavailable
	}
	payment, err := s.repo.FindPaymentByProviderID(ctx, paymentIntentID)
	if err != nil {
		return "", err
	}
	if payment.Status != models.PaymentStatusSucceeded {
		return "", fmt.Errorf("%w: status is %s", ErrPaymentNotRefundable, payment.Status)
	}
	remaining := payment.RefundableAmount()
	if !amount.IsPositive() || amount.GreaterThan(remaining) {
		return "", fmt.Errorf("%w: requested %s, refundable %s", ErrInvalidRefundAmount, amount.StringFixed(2), remaining.StringFixed(2))
	}

	req := RefundRequest{
		PaymentIntentID: paymentIntentID,
		AmountMinor:     ToMinorUnits(amount, payment.Currency),
		Reason:          reason,
		IdempotencyKey:  fmt.Sprintf("refund-%s-%s-%s", paymentIntentID, payment.RefundedAmount.StringFixed(2), amount.StringFixed(2)),
	}
	refundID, err := s.processor.CreateRefund(ctx, req)
	if err != nil {
		s.gateway.auditFailure(ctx, "payment.refund_requested", "payment", paymentIntentID, err, map[string]any{
			"amount": amount.StringFixed(2),
		})
		return "", fmt.Errorf("create refund for %s: %w", paymentIntentID, err)
	}
	s.gateway.Audit(ctx, AuditEntry{
		UserID:   s.customerUserID(ctx, payment.CustomerID),
		Action:   "payment.refund_requested",
		Entity:   "payment",
		EntityID: paymentIntentID,
		Details: map[string]any{
			"refund_id": refundID,
			"amount":    amount.StringFixed(2),
			"reason":    reason,
		},
	})
	return refundID, nil
}
