package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PaySync/app/models"
)

// handleSubscriptionUpsert applies created/updated events. The payload is
// authoritative, but only if the event is not older than the last one
// applied to the row.
func (s *Service) handleSubscriptionUpsert(ctx context.Context, ev *Event) error {
	var obj subscriptionObject
	if err := ev.decode(&obj); err != nil {
		return err
	}
	if obj.ID == "" {
		return fmt.Errorf("%w: subscription id missing", ErrMalformedPayload)
	}

	cust, err := s.resolveCustomer(ctx, obj.Customer, obj.Metadata)
	if errors.Is(err, ErrNotFound) {
		log.Warnf("[Billing] Subscription %s references unknown customer %q, skipping", obj.ID, obj.Customer)
		return nil
	}
	if err != nil {
		return err
	}

	at := eventTime(ev, s.now())
	incoming := normalizeSubscriptionStatus(obj.Status)
	created := false
	prevStatus := ""
	sub, err := s.repo.MutateSubscription(ctx, obj.ID, func(sub *models.BillingSubscription, found bool) error {
		if found {
			if sub.IsStaleEvent(at) {
				return ErrSkipWrite
			}
			// Same-second tie: a terminal state is never undone by a non-terminal one.
			if at.Equal(sub.LastEventAt) && isTerminalStatus(sub.Status) && !isTerminalStatus(incoming) {
				return ErrSkipWrite
			}
		} else {
			created = true
			sub.CustomerID = cust.ID
			sub.Provider = models.BillingProviderStripe
			sub.ProviderSubscriptionID = obj.ID
		}
		prevStatus = sub.Status
		applySubscriptionObject(sub, obj, incoming)
		sub.LastEventAt = at
		sub.LastEventID = ev.ID
		sub.RawPayloadJSON = string(ev.Payload)
		return nil
	})
	if errors.Is(err, ErrSkipWrite) {
		log.Infof("[Billing] Ignoring stale %s for subscription %s (event %s at %s)", ev.Type, obj.ID, ev.ID, at.Format(time.RFC3339))
		return nil
	}
	if err != nil {
		return err
	}

	action := "subscription.updated"
	switch {
	case created:
		action = "subscription.created"
	case prevStatus != sub.Status:
		action = "subscription.status_changed"
	}
	s.gateway.Audit(ctx, AuditEntry{
		UserID:   cust.UserID,
		Action:   action,
		Entity:   "subscription",
		EntityID: sub.ProviderSubscriptionID,
		Details: map[string]any{
			"event_id":    ev.ID,
			"from_status": prevStatus,
			"to_status":   sub.Status,
		},
	})
	return nil
}

func applySubscriptionObject(sub *models.BillingSubscription, obj subscriptionObject, status string) {
	sub.Status = status
	sub.CurrentPeriodStart, sub.CurrentPeriodEnd = obj.period()
	sub.TrialStart = unixTimePtr(obj.TrialStart)
	sub.TrialEnd = unixTimePtr(obj.TrialEnd)
	sub.CancelAt = unixTimePtr(obj.CancelAt)
	sub.CanceledAt = unixTimePtr(obj.CanceledAt)
	sub.CancelAtPeriodEnd = obj.CancelAtPeriodEnd
	sub.CollectionPaused = obj.PauseCollection != nil

	if price := obj.price(); price != nil {
		sub.PlanName = firstNonEmpty(obj.Metadata["plan_name"], price.Nickname, price.ID)
		sub.PlanAmount = ToMajorUnits(price.UnitAmount, price.Currency)
		sub.Currency = normalizeCurrency(price.Currency)
		if price.Recurring != nil {
			sub.BillingInterval = normalizeInterval(price.Recurring.Interval)
		}
	}
	if sub.BillingInterval == "" {
		sub.BillingInterval = models.BillingIntervalUnknown
	}
}

// handleSubscriptionDeleted forces the subscription to canceled. Deletion is
// terminal, so it applies regardless of the stored event timestamp.
func (s *Service) handleSubscriptionDeleted(ctx context.Context, ev *Event) error {
	var obj subscriptionObject
	if err := ev.decode(&obj); err != nil {
		return err
	}

	at := eventTime(ev, s.now())
	prevStatus := ""
	sub, err := s.repo.MutateSubscription(ctx, obj.ID, func(sub *models.BillingSubscription, found bool) error {
		if !found {
			return ErrNotFound
		}
		if sub.Status == models.BillingStatusCanceled && sub.CanceledAt != nil {
			return ErrSkipWrite
		}
		prevStatus = sub.Status
		sub.Status = models.BillingStatusCanceled
		canceledAt := unixTimePtr(obj.CanceledAt)
		if canceledAt == nil {
			canceledAt = &at
		}
		sub.CanceledAt = canceledAt
		sub.CollectionPaused = false
		sub.LastEventAt = laterOf(sub.LastEventAt, at)
		sub.LastEventID = ev.ID
		return nil
	})
	switch {
	case errors.Is(err, ErrNotFound):
		log.Warnf("[Billing] Deleted subscription %s is unknown locally, skipping", obj.ID)
		return nil
	case errors.Is(err, ErrSkipWrite):
		return nil
	case err != nil:
		return err
	}

	s.gateway.Audit(ctx, AuditEntry{
		Action:   "subscription.canceled",
		Entity:   "subscription",
		EntityID: sub.ProviderSubscriptionID,
		Details: map[string]any{
			"event_id":    ev.ID,
			"from_status": prevStatus,
			"canceled_at": sub.CanceledAt.Format(time.RFC3339),
		},
	})
	return nil
}

// renewSubscription advances the subscription into the period covered by a
// paid invoice. It reports whether the period moved.
func (s *Service) renewSubscription(ctx context.Context, providerSubscriptionID string, obj invoiceObject, ev *Event) (*models.BillingSubscription, bool, error) {
	start, end := obj.servicePeriod()
	at := eventTime(ev, s.now())
	advanced := false
	sub, err := s.repo.MutateSubscription(ctx, providerSubscriptionID, func(sub *models.BillingSubscription, found bool) error {
		if !found {
			return ErrNotFound
		}
		if end == nil || isTerminalStatus(sub.Status) {
			return ErrSkipWrite
		}
		if sub.CurrentPeriodEnd != nil && !end.After(*sub.CurrentPeriodEnd) {
			return ErrSkipWrite
		}
		advanced = true
		sub.CurrentPeriodStart = start
		sub.CurrentPeriodEnd = end
		if sub.Status == models.BillingStatusPastDue || sub.Status == models.BillingStatusUnpaid {
			sub.Status = models.BillingStatusActive
		}
		sub.LastEventAt = laterOf(sub.LastEventAt, at)
		return nil
	})
	if errors.Is(err, ErrSkipWrite) {
		return sub, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sub, advanced, nil
}
