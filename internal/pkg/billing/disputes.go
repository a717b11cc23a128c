package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/PaySync/app/models"
)

var errNotificationRejected = errors.New("notification not delivered")

// evidenceChecklist is the fixed set of documents requested for every dispute.
var evidenceChecklist = []struct {
	Category string
	Title    string
}{
	{"customer_communication", "Collect customer communication"},
	{"receipt", "Attach receipt or invoice"},
	{"service_documentation", "Document service delivery"},
	{"refund_policy", "Attach refund policy"},
	{"cancellation_policy", "Attach cancellation policy"},
	{"access_activity_log", "Export access and activity log"},
}

// disputeStep is one independent part of the dispute workflow. Steps whose
// stamp is already set on the dispute are skipped.
type disputeStep struct {
	name      string
	retryable bool
	done      func(d *models.BillingDispute) bool
	run       func(ctx context.Context) error
	stamp     func(d *models.BillingDispute, at time.Time)
}

type stepResult struct {
	step disputeStep
	err  error
}

// handleDisputeCreated persists the dispute, mirrors it onto the payment and
// runs the notification, auto-response, document and escalation steps.
func (s *Service) handleDisputeCreated(ctx context.Context, ev *Event) error {
	var obj disputeObject
	if err := ev.decode(&obj); err != nil {
		return err
	}
	if obj.ID == "" {
		return fmt.Errorf("%w: dispute id missing", ErrMalformedPayload)
	}
	if obj.PaymentIntent == "" {
		log.Warnf("[Billing] Dispute %s has no payment intent, skipping", obj.ID)
		return nil
	}
	payment, err := s.repo.FindPaymentByProviderID(ctx, obj.PaymentIntent)
	if errors.Is(err, ErrNotFound) {
		log.Warnf("[Billing] Dispute %s for unknown payment intent %s, skipping", obj.ID, obj.PaymentIntent)
		return nil
	}
	if err != nil {
		return err
	}

	dispute, created, err := s.persistDispute(ctx, payment, obj, ev)
	if err != nil {
		return fmt.Errorf("persist dispute %s: %w", obj.ID, err)
	}
	if err := s.mirrorDispute(ctx, payment.ProviderPaymentIntentID, dispute); err != nil {
		return fmt.Errorf("mirror dispute %s on payment: %w", obj.ID, err)
	}
	if created {
		s.gateway.Audit(ctx, AuditEntry{
			UserID:   s.customerUserID(ctx, payment.CustomerID),
			Action:   "dispute.created",
			Entity:   "dispute",
			EntityID: dispute.ProviderDisputeID,
			Details: map[string]any{
				"event_id":          ev.ID,
				"payment_intent_id": payment.ProviderPaymentIntentID,
				"amount":            dispute.Amount.StringFixed(2),
				"currency":          dispute.Currency,
				"reason":            dispute.Reason,
				"escalated":         dispute.Escalated,
			},
		})
	}

	return s.runDisputeSteps(ctx, dispute, payment, ev)
}

func (s *Service) persistDispute(ctx context.Context, payment *models.BillingPayment, obj disputeObject, ev *Event) (*models.BillingDispute, bool, error) {
	at := eventTime(ev, s.now())
	amount := ToMajorUnits(obj.Amount, obj.Currency)
	escalated := amount.GreaterThanOrEqual(s.policy.EscalationThresholdAmount)
	created := false
	dispute, err := s.repo.MutateDispute(ctx, obj.ID, func(d *models.BillingDispute, found bool) error {
		if found && at.Before(d.LastEventAt) {
			return ErrSkipWrite
		}
		created = !found
		d.PaymentID = payment.ID
		d.ProviderDisputeID = obj.ID
		d.ProviderChargeID = obj.Charge
		d.Amount = amount
		d.Currency = normalizeCurrency(obj.Currency)
		d.Reason = obj.Reason
		d.Status = strings.ToLower(obj.Status)
		d.EvidenceDueBy = unixTimePtr(obj.EvidenceDetails.DueBy)
		d.Escalated = d.Escalated || escalated
		d.LastEventAt = laterOf(d.LastEventAt, at)
		return nil
	})
	if errors.Is(err, ErrSkipWrite) {
		return dispute, false, nil
	}
	return dispute, created, err
}

// mirrorDispute keeps a dispute summary in the payment metadata.
func (s *Service) mirrorDispute(ctx context.Context, paymentIntentID string, d *models.BillingDispute) error {
	_, err := s.repo.MutatePayment(ctx, paymentIntentID, func(p *models.BillingPayment, found bool) error {
		if !found {
			return ErrNotFound
		}
		if p.Metadata == nil {
			p.Metadata = datatypes.JSONMap{}
		}
		ids := metadataStrings(p.Metadata["dispute_ids"])
		known := false
		for _, id := range ids {
			if id == d.ProviderDisputeID {
				known = true
				break
			}
		}
		if !known {
			ids = append(ids, d.ProviderDisputeID)
		}
		escalated, _ := p.Metadata["dispute_escalated"].(bool)

		p.Metadata["disputed"] = true
		p.Metadata["dispute_ids"] = ids
		p.Metadata["dispute_count"] = len(ids)
		p.Metadata["latest_dispute_id"] = d.ProviderDisputeID
		p.Metadata["latest_dispute_status"] = d.Status
		p.Metadata["dispute_escalated"] = escalated || d.Escalated
		return nil
	})
	return err
}

func metadataStrings(v any) []string {
	switch vals := v.(type) {
	case []string:
		return append([]string(nil), vals...)
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func (s *Service) disputeSteps(d *models.BillingDispute, payment *models.BillingPayment, ev *Event) []disputeStep {
	amount := fmt.Sprintf("%s %s", d.Amount.StringFixed(2), strings.ToUpper(d.Currency))
	meta := map[string]any{
		"dispute_id":        d.ProviderDisputeID,
		"payment_intent_id": payment.ProviderPaymentIntentID,
		"amount":            d.Amount.StringFixed(2),
		"escalated":         d.Escalated,
	}

	steps := []disputeStep{{
		name: "notify_admins",
		done: func(d *models.BillingDispute) bool { return d.AdminNotifiedAt != nil },
		run: func(ctx context.Context) error {
			ok := s.gateway.Notify(ctx, Notification{
				Audience: models.NotificationAudienceAdmin,
				Title:    "New payment dispute",
				Message:  fmt.Sprintf("Dispute %s opened for %s (reason: %s).", d.ProviderDisputeID, amount, firstNonEmpty(d.Reason, "unspecified")),
				Type:     "dispute_created",
				Priority: models.NotificationPriorityHigh,
				Metadata: meta,
			})
			if !ok {
				return errNotificationRejected
			}
			return nil
		},
		stamp: func(d *models.BillingDispute, at time.Time) { d.AdminNotifiedAt = &at },
	}}

	if !d.Escalated && s.policy.AutoResponseEnabled {
		steps = append(steps, disputeStep{
			name: "auto_respond",
			done: func(d *models.BillingDispute) bool { return d.AutoRespondedAt != nil },
			run: func(ctx context.Context) error {
				s.gateway.Audit(ctx, AuditEntry{
					Action:   "dispute.auto_response",
					Entity:   "dispute",
					EntityID: d.ProviderDisputeID,
					Details:  map[string]any{"event_id": ev.ID, "amount": d.Amount.StringFixed(2), "reason": d.Reason},
				})
				return nil
			},
			stamp: func(d *models.BillingDispute, at time.Time) { d.AutoRespondedAt = &at },
		})
	}

	if s.policy.DocumentCollectionEnabled {
		steps = append(steps, disputeStep{
			name:      "collect_documents",
			retryable: true,
			done:      func(d *models.BillingDispute) bool { return d.DocumentsRequestedAt != nil },
			run: func(ctx context.Context) error {
				due := s.now().Add(s.policy.EvidenceWindow())
				tasks := make([]models.BillingDisputeTask, 0, len(evidenceChecklist))
				for _, item := range evidenceChecklist {
					tasks = append(tasks, models.BillingDisputeTask{
						DisputeID: d.ID,
						Category:  item.Category,
						Title:     item.Title,
						Status:    models.DisputeTaskStatusPending,
						DueAt:     due,
					})
				}
				if err := s.repo.CreateDisputeTasks(ctx, tasks); err != nil {
					return err
				}
				s.gateway.Audit(ctx, AuditEntry{
					Action:   "dispute.documents_requested",
					Entity:   "dispute",
					EntityID: d.ProviderDisputeID,
					Details:  map[string]any{"tasks": len(tasks), "due_at": due.Format(time.RFC3339)},
				})
				return nil
			},
			stamp: func(d *models.BillingDispute, at time.Time) { d.DocumentsRequestedAt = &at },
		})
	}

	if d.Escalated {
		steps = append(steps, disputeStep{
			name: "escalate",
			done: func(d *models.BillingDispute) bool { return d.EscalationNotifiedAt != nil },
			run: func(ctx context.Context) error {
				ok := s.gateway.Notify(ctx, Notification{
					Audience: models.NotificationAudienceSeniorAdmin,
					Title:    "Escalated dispute requires senior review",
					Message:  fmt.Sprintf("Dispute %s for %s reached the escalation threshold of %s.", d.ProviderDisputeID, amount, s.policy.EscalationThresholdAmount.StringFixed(2)),
					Type:     "dispute_escalated",
					Priority: models.NotificationPriorityUrgent,
					Metadata: meta,
				})
				if !ok {
					return errNotificationRejected
				}
				return nil
			},
			stamp: func(d *models.BillingDispute, at time.Time) { d.EscalationNotifiedAt = &at },
		})
	}

	if s.archive != nil {
		var key string
		steps = append(steps, disputeStep{
			name:      "archive",
			retryable: true,
			done:      func(d *models.BillingDispute) bool { return d.ArchivedAt != nil },
			run: func(ctx context.Context) error {
				var err error
				key, err = s.archive.ArchiveDisputeEvidence(ctx, d.ProviderDisputeID, ev.ID, ev.Payload)
				return err
			},
			stamp: func(d *models.BillingDispute, at time.Time) {
				d.ArchivedAt = &at
				d.EvidenceArchiveKey = key
			},
		})
	}
	return steps
}

// runDisputeSteps runs the pending steps concurrently. A failed notification
// is logged and audited only; a failed task or archive write is returned so
// the event is redelivered and just that step runs again.
func (s *Service) runDisputeSteps(ctx context.Context, d *models.BillingDispute, payment *models.BillingPayment, ev *Event) error {
	var pending []disputeStep
	for _, step := range s.disputeSteps(d, payment, ev) {
		if !step.done(d) {
			pending = append(pending, step)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	results := make([]stepResult, len(pending))
	var wg sync.WaitGroup
	for i, step := range pending {
		wg.Add(1)
		go func(i int, step disputeStep) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = stepResult{step: step, err: fmt.Errorf("panic: %v", r)}
				}
			}()
			results[i] = stepResult{step: step, err: step.run(ctx)}
		}(i, step)
	}
	wg.Wait()

	var completed []disputeStep
	var errs []error
	for _, res := range results {
		if res.err == nil {
			completed = append(completed, res.step)
			continue
		}
		log.Errorf("[Billing] Dispute %s step %s failed: %v", d.ProviderDisputeID, res.step.name, res.err)
		s.gateway.auditFailure(ctx, "dispute."+res.step.name, "dispute", d.ProviderDisputeID, res.err, map[string]any{"event_id": ev.ID})
		if res.step.retryable {
			errs = append(errs, fmt.Errorf("%s: %w", res.step.name, res.err))
		}
	}

	if len(completed) > 0 {
		at := s.now()
		_, err := s.repo.MutateDispute(ctx, d.ProviderDisputeID, func(row *models.BillingDispute, found bool) error {
			if !found {
				return ErrNotFound
			}
			for _, step := range completed {
				if !step.done(row) {
					step.stamp(row, at)
				}
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("record completed steps: %w", err))
		}
	}
	return errors.Join(errs...)
}

// handleDisputeChanged syncs status updates and closures. A change for a
// dispute that was never seen runs the creation workflow instead.
func (s *Service) handleDisputeChanged(ctx context.Context, ev *Event) error {
	var obj disputeObject
	if err := ev.decode(&obj); err != nil {
		return err
	}
	if obj.ID == "" {
		return fmt.Errorf("%w: dispute id missing", ErrMalformedPayload)
	}

	at := eventTime(ev, s.now())
	status := strings.ToLower(obj.Status)
	prevStatus := ""
	dispute, err := s.repo.MutateDispute(ctx, obj.ID, func(d *models.BillingDispute, found bool) error {
		if !found {
			return ErrNotFound
		}
		if at.Before(d.LastEventAt) || d.Status == status {
			return ErrSkipWrite
		}
		prevStatus = d.Status
		d.Status = status
		if due := unixTimePtr(obj.EvidenceDetails.DueBy); due != nil {
			d.EvidenceDueBy = due
		}
		if d.IsClosed() && d.ClosedAt == nil {
			d.ClosedAt = &at
		}
		d.LastEventAt = at
		return nil
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return s.handleDisputeCreated(ctx, ev)
	case errors.Is(err, ErrSkipWrite):
		return nil
	case err != nil:
		return err
	}

	action := "dispute.updated"
	if dispute.IsClosed() {
		action = "dispute.closed"
	}
	s.gateway.Audit(ctx, AuditEntry{
		Action:   action,
		Entity:   "dispute",
		EntityID: dispute.ProviderDisputeID,
		Details: map[string]any{
			"event_id":    ev.ID,
			"from_status": prevStatus,
			"to_status":   dispute.Status,
			"escalated":   dispute.Escalated,
		},
	})

	if obj.PaymentIntent != "" {
		if err := s.mirrorDispute(ctx, obj.PaymentIntent, dispute); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("mirror dispute %s on payment: %w", dispute.ProviderDisputeID, err)
		}
	}

	if dispute.IsClosed() {
		s.gateway.Notify(ctx, Notification{
			Audience: models.NotificationAudienceAdmin,
			Title:    "Dispute closed",
			Message:  fmt.Sprintf("Dispute %s for %s %s closed with outcome %s.", dispute.ProviderDisputeID, dispute.Amount.StringFixed(2), strings.ToUpper(dispute.Currency), dispute.Status),
			Type:     "dispute_closed",
			Priority: models.NotificationPriorityNormal,
			Metadata: map[string]any{"dispute_id": dispute.ProviderDisputeID, "status": dispute.Status},
		})
	}
	return nil
}
