package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PaySync/app/models"
)

const (
	graceSweepBatch = 100
	// pauseRetryDelay spaces out sweep retries of a failed processor pause.
	pauseRetryDelay = 30 * time.Minute
)

// recordPaymentFailure moves a failing invoice into the retry state machine.
// The grace deadline is fixed at the first failure; later failures only bump
// the attempt count and the next retry estimate.
func (s *Service) recordPaymentFailure(ctx context.Context, inv *models.BillingInvoice, cust *models.BillingCustomer, failedAt time.Time) error {
	created := false
	retry, err := s.repo.MutatePaymentRetry(ctx, inv.ID, func(r *models.BillingPaymentRetry, found bool) error {
		if !found {
			created = true
			r.InvoiceID = inv.ID
			r.CustomerID = inv.CustomerID
			r.SubscriptionID = inv.SubscriptionID
			r.State = models.RetryStateFailed
			r.AttemptCount = 1
			r.FirstFailedAt = failedAt
			r.LastFailedAt = failedAt
			r.GraceDeadline = failedAt.Add(s.policy.GracePeriod())
		} else {
			if r.State == models.RetryStateResolved || !failedAt.After(r.LastFailedAt) {
				return ErrSkipWrite
			}
			r.AttemptCount++
			r.LastFailedAt = failedAt
		}
		if r.AttemptCount < s.policy.MaxRetryAttempts {
			next := r.LastFailedAt.Add(s.policy.RetryDelay(r.AttemptCount))
			r.NextRetryAt = &next
		} else {
			r.NextRetryAt = nil
		}
		return nil
	})
	if errors.Is(err, ErrSkipWrite) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record payment failure for invoice %s: %w", inv.ProviderInvoiceID, err)
	}

	if created && s.scheduler != nil {
		if err := s.scheduler.ScheduleGraceCheck(ctx, inv.ID, retry.GraceDeadline); err != nil {
			// The periodic sweep still picks the row up.
			log.Warnf("[Billing] Could not schedule grace check for invoice %s: %v", inv.ProviderInvoiceID, err)
		}
	}

	message := fmt.Sprintf("We could not collect %s %s for invoice %s. Please update your payment method before %s to keep your subscription active.",
		inv.AmountDue.StringFixed(2), strings.ToUpper(inv.Currency), firstNonEmpty(inv.Number, inv.ProviderInvoiceID), retry.GraceDeadline.Format("2006-01-02 15:04 MST"))
	s.gateway.Notify(ctx, Notification{
		UserID:    cust.UserID,
		Audience:  models.NotificationAudienceUser,
		Title:     "Payment failed",
		Message:   message,
		Type:      "payment_failed",
		Priority:  models.NotificationPriorityHigh,
		ActionURL: inv.HostedInvoiceURL,
		Metadata: map[string]any{
			"invoice_id":     inv.ProviderInvoiceID,
			"attempt":        retry.AttemptCount,
			"grace_deadline": retry.GraceDeadline.Format(time.RFC3339),
		},
	})

	action := "payment_retry.attempt_failed"
	if created {
		action = "payment_retry.opened"
	}
	details := map[string]any{
		"invoice_id":     inv.ProviderInvoiceID,
		"attempt":        retry.AttemptCount,
		"max_attempts":   s.policy.MaxRetryAttempts,
		"grace_deadline": retry.GraceDeadline.Format(time.RFC3339),
	}
	if retry.NextRetryAt != nil {
		details["next_retry_at"] = retry.NextRetryAt.Format(time.RFC3339)
	}
	s.gateway.Audit(ctx, AuditEntry{
		UserID:   cust.UserID,
		Action:   action,
		Entity:   "invoice",
		EntityID: inv.ProviderInvoiceID,
		Details:  details,
	})
	return nil
}

// resolvePaymentRetry closes the retry state of an invoice that got paid and
// resumes collection if the grace manager had paused it.
func (s *Service) resolvePaymentRetry(ctx context.Context, inv *models.BillingInvoice, cust *models.BillingCustomer) error {
	now := s.now()
	wasSuspended := false
	retry, err := s.repo.MutatePaymentRetry(ctx, inv.ID, func(r *models.BillingPaymentRetry, found bool) error {
		if !found || r.State == models.RetryStateResolved {
			return ErrSkipWrite
		}
		wasSuspended = r.State == models.RetryStateSuspended
		r.State = models.RetryStateResolved
		r.ResolvedAt = &now
		r.NextRetryAt = nil
		return nil
	})
	if errors.Is(err, ErrSkipWrite) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve retry for invoice %s: %w", inv.ProviderInvoiceID, err)
	}

	s.gateway.Audit(ctx, AuditEntry{
		UserID:   cust.UserID,
		Action:   "payment_retry.resolved",
		Entity:   "invoice",
		EntityID: inv.ProviderInvoiceID,
		Details:  map[string]any{"attempts": retry.AttemptCount, "was_suspended": wasSuspended},
	})

	if wasSuspended && retry.SubscriptionID != nil {
		s.resumeCollection(ctx, *retry.SubscriptionID)
	}
	return nil
}

func (s *Service) resumeCollection(ctx context.Context, subscriptionID uint) {
	sub, err := s.repo.FindSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		log.Warnf("[Billing] Cannot resume collection for subscription %d: %v", subscriptionID, err)
		return
	}
	if s.processor == nil {
		log.Warnf("[Billing] No processor client, collection for %s stays paused", sub.ProviderSubscriptionID)
		return
	}
	if err := s.processor.ResumeCollection(ctx, sub.ProviderSubscriptionID); err != nil {
		log.Errorf("[Billing] Resume collection for %s failed: %v", sub.ProviderSubscriptionID, err)
		s.gateway.auditFailure(ctx, "subscription.resume_collection", "subscription", sub.ProviderSubscriptionID, err, nil)
		return
	}
	_, err = s.repo.MutateSubscription(ctx, sub.ProviderSubscriptionID, func(row *models.BillingSubscription, found bool) error {
		if !found || !row.CollectionPaused {
			return ErrSkipWrite
		}
		row.CollectionPaused = false
		return nil
	})
	if err != nil && !errors.Is(err, ErrSkipWrite) {
		log.Errorf("[Billing] Failed to clear pause flag on %s: %v", sub.ProviderSubscriptionID, err)
	}
	s.gateway.Audit(ctx, AuditEntry{
		Action:   "subscription.resume_collection",
		Entity:   "subscription",
		EntityID: sub.ProviderSubscriptionID,
	})
}

// EvaluateGracePeriod is the scheduled re-evaluation of one failing invoice.
// Once the grace deadline has passed the subscription goes to past_due and
// the processor is asked to pause collection. Running it again after the
// pause was confirmed is a no-op.
func (s *Service) EvaluateGracePeriod(ctx context.Context, invoiceID uint) error {
	now := s.now()
	expired := false
	retry, err := s.repo.MutatePaymentRetry(ctx, invoiceID, func(r *models.BillingPaymentRetry, found bool) error {
		if !found {
			return ErrNotFound
		}
		if r.GraceExpired(now) {
			expired = true
			r.State = models.RetryStateSuspended
			r.SuspendedAt = &now
			r.NextRetryAt = nil
			return nil
		}
		return ErrSkipWrite
	})
	switch {
	case errors.Is(err, ErrNotFound):
		log.Warnf("[Billing] Grace check for unknown retry state of invoice %d", invoiceID)
		return nil
	case errors.Is(err, ErrSkipWrite):
		if retry == nil || retry.State != models.RetryStateSuspended || retry.PauseConfirmedAt != nil {
			return nil
		}
	case err != nil:
		return err
	}

	if expired {
		s.gateway.Audit(ctx, AuditEntry{
			Action:   "payment_retry.grace_expired",
			Entity:   "payment_retry",
			EntityID: fmt.Sprint(retry.InvoiceID),
			Details: map[string]any{
				"grace_deadline": retry.GraceDeadline.Format(time.RFC3339),
				"attempts":       retry.AttemptCount,
			},
		})
	}

	if retry.SubscriptionID == nil {
		return s.confirmPause(ctx, invoiceID, now)
	}
	return s.suspendSubscription(ctx, retry, now)
}

func (s *Service) suspendSubscription(ctx context.Context, retry *models.BillingPaymentRetry, now time.Time) error {
	current, err := s.repo.FindSubscriptionByID(ctx, *retry.SubscriptionID)
	if errors.Is(err, ErrNotFound) {
		return s.confirmPause(ctx, retry.InvoiceID, now)
	}
	if err != nil {
		return err
	}

	prevStatus := ""
	changed := false
	sub, err := s.repo.MutateSubscription(ctx, current.ProviderSubscriptionID, func(row *models.BillingSubscription, found bool) error {
		if !found {
			return ErrNotFound
		}
		if !row.Suspendable() || row.Status == models.BillingStatusPastDue {
			return ErrSkipWrite
		}
		prevStatus = row.Status
		changed = true
		row.Status = models.BillingStatusPastDue
		return nil
	})
	if err != nil && !errors.Is(err, ErrSkipWrite) {
		return err
	}
	if sub == nil {
		sub = current
	}

	if !sub.Suspendable() {
		log.Infof("[Billing] Subscription %s is %s, nothing to suspend", sub.ProviderSubscriptionID, sub.Status)
		return s.confirmPause(ctx, retry.InvoiceID, now)
	}

	var userID *uint
	if changed {
		userID = s.customerUserID(ctx, sub.CustomerID)
		s.gateway.Audit(ctx, AuditEntry{
			UserID:   userID,
			Action:   "subscription.suspended",
			Entity:   "subscription",
			EntityID: sub.ProviderSubscriptionID,
			Details: map[string]any{
				"from_status": prevStatus,
				"to_status":   sub.Status,
				"invoice_id":  retry.InvoiceID,
			},
		})
		s.gateway.Notify(ctx, Notification{
			UserID:   userID,
			Audience: models.NotificationAudienceUser,
			Title:    "Subscription suspended",
			Message:  fmt.Sprintf("Your subscription %s was suspended because a payment stayed unpaid past the %dh grace period.", firstNonEmpty(sub.PlanName, sub.ProviderSubscriptionID), s.policy.GracePeriodHours),
			Type:     "subscription_suspended",
			Priority: models.NotificationPriorityUrgent,
			Metadata: map[string]any{"subscription_id": sub.ProviderSubscriptionID},
		})
	}

	if s.processor == nil {
		log.Warnf("[Billing] No processor client, pause of %s left pending", sub.ProviderSubscriptionID)
		s.gateway.auditFailure(ctx, "subscription.pause_collection", "subscription", sub.ProviderSubscriptionID, ErrProcessorUnavailable, map[string]any{
			"skipped": true,
		})
		s.deferPauseRetry(ctx, retry.InvoiceID, now)
		return nil
	}
	if err := s.processor.PauseCollection(ctx, sub.ProviderSubscriptionID); err != nil {
		s.gateway.auditFailure(ctx, "subscription.pause_collection", "subscription", sub.ProviderSubscriptionID, err, nil)
		s.deferPauseRetry(ctx, retry.InvoiceID, now)
		return fmt.Errorf("pause collection for %s: %w", sub.ProviderSubscriptionID, err)
	}

	_, err = s.repo.MutateSubscription(ctx, sub.ProviderSubscriptionID, func(row *models.BillingSubscription, found bool) error {
		if !found || row.CollectionPaused {
			return ErrSkipWrite
		}
		row.CollectionPaused = true
		return nil
	})
	if err != nil && !errors.Is(err, ErrSkipWrite) {
		return err
	}
	s.gateway.Audit(ctx, AuditEntry{
		UserID:   userID,
		Action:   "subscription.pause_collection",
		Entity:   "subscription",
		EntityID: sub.ProviderSubscriptionID,
	})
	return s.confirmPause(ctx, retry.InvoiceID, now)
}

// deferPauseRetry pushes the next sweep attempt of an unconfirmed pause back
// so failing pauses rotate instead of filling every sweep batch.
func (s *Service) deferPauseRetry(ctx context.Context, invoiceID uint, now time.Time) {
	next := now.Add(pauseRetryDelay)
	_, err := s.repo.MutatePaymentRetry(ctx, invoiceID, func(r *models.BillingPaymentRetry, found bool) error {
		if !found || r.PauseConfirmedAt != nil {
			return ErrSkipWrite
		}
		r.PauseRetryAt = &next
		return nil
	})
	if err != nil && !errors.Is(err, ErrSkipWrite) {
		log.Warnf("[Billing] Failed to defer pause retry of invoice %d: %v", invoiceID, err)
	}
}

func (s *Service) confirmPause(ctx context.Context, invoiceID uint, now time.Time) error {
	_, err := s.repo.MutatePaymentRetry(ctx, invoiceID, func(r *models.BillingPaymentRetry, found bool) error {
		if !found || r.PauseConfirmedAt != nil {
			return ErrSkipWrite
		}
		r.PauseConfirmedAt = &now
		return nil
	})
	if errors.Is(err, ErrSkipWrite) {
		return nil
	}
	return err
}

// SweepGracePeriods backs up the per-invoice scheduled checks. Failing
// invoices whose deadline passed are evaluated first in their own batch;
// suspensions whose processor pause is still unconfirmed follow, and only
// when a processor client is configured.
func (s *Service) SweepGracePeriods(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.repo.ListExpiredRetries(ctx, now, graceSweepBatch)
	if err != nil {
		return 0, err
	}

	seen := make(map[uint]bool, len(expired))
	var errs []error
	evaluate := func(rows []models.BillingPaymentRetry) {
		for _, row := range rows {
			if seen[row.InvoiceID] {
				continue
			}
			seen[row.InvoiceID] = true
			if err := s.EvaluateGracePeriod(ctx, row.InvoiceID); err != nil {
				errs = append(errs, fmt.Errorf("invoice %d: %w", row.InvoiceID, err))
			}
		}
	}
	evaluate(expired)

	if s.processor != nil {
		pauses, err := s.repo.ListPendingPauses(ctx, now, graceSweepBatch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list pending pauses: %w", err))
		} else {
			evaluate(pauses)
		}
	}

	if len(seen) > 0 {
		log.Infof("[Billing] Grace sweep evaluated %d invoice(s), %d error(s)", len(seen), len(errs))
	}
	return len(seen), errors.Join(errs...)
}

func (s *Service) customerUserID(ctx context.Context, customerID uint) *uint {
	cust, err := s.repo.FindCustomerByID(ctx, customerID)
	if err != nil {
		return nil
	}
	return cust.UserID
}
