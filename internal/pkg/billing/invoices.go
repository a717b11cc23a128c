package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PaySync/app/models"
)

type invoiceContext struct {
	obj      invoiceObject
	customer *models.BillingCustomer
	sub      *models.BillingSubscription
}

// loadInvoiceContext decodes an invoice event and resolves its customer and
// subscription. ok is false when the customer is unknown locally.
func (s *Service) loadInvoiceContext(ctx context.Context, ev *Event) (*invoiceContext, bool, error) {
	var obj invoiceObject
	if err := ev.decode(&obj); err != nil {
		return nil, false, err
	}
	if obj.ID == "" {
		return nil, false, fmt.Errorf("%w: invoice id missing", ErrMalformedPayload)
	}

	cust, err := s.resolveCustomer(ctx, obj.Customer, nil)
	if errors.Is(err, ErrNotFound) {
		log.Warnf("[Billing] Invoice %s references unknown customer %q, skipping", obj.ID, obj.Customer)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	ic := &invoiceContext{obj: obj, customer: cust}
	if subID := obj.subscriptionID(); subID != "" {
		sub, err := s.repo.FindSubscriptionByProviderID(ctx, subID)
		switch {
		case err == nil:
			ic.sub = sub
		case errors.Is(err, ErrNotFound):
			log.Warnf("[Billing] Invoice %s references unknown subscription %s", obj.ID, subID)
		default:
			return nil, false, err
		}
	}
	return ic, true, nil
}

// applyInvoiceObject copies the processor invoice onto the row. Amounts are
// converted from minor units here and nowhere else.
func applyInvoiceObject(inv *models.BillingInvoice, ic *invoiceContext, ev *Event) {
	obj := ic.obj
	inv.Provider = models.BillingProviderStripe
	inv.ProviderInvoiceID = obj.ID
	inv.CustomerID = ic.customer.ID
	inv.ProviderSubscriptionID = obj.subscriptionID()
	if ic.sub != nil {
		id := ic.sub.ID
		inv.SubscriptionID = &id
	}
	inv.Number = obj.Number
	inv.Currency = normalizeCurrency(obj.Currency)
	inv.Subtotal = ToMajorUnits(obj.Subtotal, obj.Currency)
	inv.Tax = ToMajorUnits(obj.Tax, obj.Currency)
	inv.Total = ToMajorUnits(obj.Total, obj.Currency)
	inv.AmountPaid = ToMajorUnits(obj.AmountPaid, obj.Currency)
	inv.AmountDue = ToMajorUnits(obj.AmountDue, obj.Currency)
	inv.AttemptCount = obj.AttemptCount
	inv.NextPaymentAttempt = unixTimePtr(obj.NextPaymentAttempt)
	inv.PeriodStart, inv.PeriodEnd = obj.servicePeriod()
	inv.HostedInvoiceURL = obj.HostedInvoiceURL
	inv.LastEventAt = laterOf(inv.LastEventAt, ev.CreatedAt)
}

func (s *Service) handleInvoiceFinalized(ctx context.Context, ev *Event) error {
	ic, ok, err := s.loadInvoiceContext(ctx, ev)
	if err != nil || !ok {
		return err
	}

	created := false
	inv, err := s.repo.MutateInvoice(ctx, ic.obj.ID, func(inv *models.BillingInvoice, found bool) error {
		if found && (inv.Status != models.InvoiceStatusDraft || ev.CreatedAt.Before(inv.LastEventAt)) {
			return ErrSkipWrite
		}
		created = !found
		applyInvoiceObject(inv, ic, ev)
		inv.Status = models.InvoiceStatusOpen
		return nil
	})
	if errors.Is(err, ErrSkipWrite) {
		return nil
	}
	if err != nil {
		return err
	}
	if created {
		s.gateway.Audit(ctx, AuditEntry{
			UserID:   ic.customer.UserID,
			Action:   "invoice.finalized",
			Entity:   "invoice",
			EntityID: inv.ProviderInvoiceID,
			Details:  map[string]any{"event_id": ev.ID, "total": inv.Total.StringFixed(2), "currency": inv.Currency},
		})
	}
	return nil
}

// handleInvoicePaid marks the invoice paid, resolves any retry state and
// renews the subscription. invoice.paid and invoice.payment_succeeded both
// land here; whichever arrives second finds the invoice already paid and
// only re-runs the idempotent follow-ups.
func (s *Service) handleInvoicePaid(ctx context.Context, ev *Event) error {
	ic, ok, err := s.loadInvoiceContext(ctx, ev)
	if err != nil || !ok {
		return err
	}

	at := eventTime(ev, s.now())
	alreadyPaid := false
	inv, err := s.repo.MutateInvoice(ctx, ic.obj.ID, func(inv *models.BillingInvoice, found bool) error {
		if found && inv.Status == models.InvoiceStatusPaid {
			alreadyPaid = true
			return ErrSkipWrite
		}
		applyInvoiceObject(inv, ic, ev)
		inv.Status = models.InvoiceStatusPaid
		paidAt := unixTimePtr(ic.obj.StatusTransitions.PaidAt)
		if paidAt == nil {
			paidAt = &at
		}
		inv.PaidAt = paidAt
		inv.NextPaymentAttempt = nil
		return nil
	})
	if err != nil && !errors.Is(err, ErrSkipWrite) {
		return err
	}

	if !alreadyPaid {
		s.gateway.Audit(ctx, AuditEntry{
			UserID:   ic.customer.UserID,
			Action:   "invoice.paid",
			Entity:   "invoice",
			EntityID: inv.ProviderInvoiceID,
			Details: map[string]any{
				"event_id":    ev.ID,
				"amount_paid": inv.AmountPaid.StringFixed(2),
				"currency":    inv.Currency,
			},
		})
	}

	if err := s.resolvePaymentRetry(ctx, inv, ic.customer); err != nil {
		return err
	}

	subID := ic.obj.subscriptionID()
	if subID == "" {
		return nil
	}
	sub, advanced, err := s.renewSubscription(ctx, subID, ic.obj, ev)
	if errors.Is(err, ErrNotFound) {
		log.Warnf("[Billing] Paid invoice %s references unknown subscription %s", inv.ProviderInvoiceID, subID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("renew subscription %s: %w", subID, err)
	}
	if !alreadyPaid || advanced {
		details := map[string]any{
			"event_id":        ev.ID,
			"invoice_id":      inv.ProviderInvoiceID,
			"period_advanced": advanced,
		}
		if sub.CurrentPeriodEnd != nil {
			details["current_period_end"] = sub.CurrentPeriodEnd.Format(time.RFC3339)
		}
		s.gateway.Audit(ctx, AuditEntry{
			UserID:   ic.customer.UserID,
			Action:   "subscription.renewed",
			Entity:   "subscription",
			EntityID: sub.ProviderSubscriptionID,
			Details:  details,
		})
	}
	return nil
}

// handleInvoicePaymentFailed reopens the invoice and hands it to the retry
// manager. A failure reported after the invoice was paid is stale.
func (s *Service) handleInvoicePaymentFailed(ctx context.Context, ev *Event) error {
	ic, ok, err := s.loadInvoiceContext(ctx, ev)
	if err != nil || !ok {
		return err
	}

	at := eventTime(ev, s.now())
	inv, err := s.repo.MutateInvoice(ctx, ic.obj.ID, func(inv *models.BillingInvoice, found bool) error {
		if found && inv.Status == models.InvoiceStatusPaid {
			return ErrSkipWrite
		}
		applyInvoiceObject(inv, ic, ev)
		inv.Status = models.InvoiceStatusOpen
		inv.FailedAt = &at
		return nil
	})
	if errors.Is(err, ErrSkipWrite) {
		log.Infof("[Billing] Invoice %s already paid, ignoring failure event %s", ic.obj.ID, ev.ID)
		return nil
	}
	if err != nil {
		return err
	}

	s.gateway.Audit(ctx, AuditEntry{
		UserID:   ic.customer.UserID,
		Action:   "invoice.payment_failed",
		Entity:   "invoice",
		EntityID: inv.ProviderInvoiceID,
		Details: map[string]any{
			"event_id":      ev.ID,
			"amount_due":    inv.AmountDue.StringFixed(2),
			"currency":      inv.Currency,
			"attempt_count": inv.AttemptCount,
		},
	})

	return s.recordPaymentFailure(ctx, inv, ic.customer, at)
}
