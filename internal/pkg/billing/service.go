package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PaySync/app/models"
)

// Options wires the Service collaborators. Only Repository is required.
type Options struct {
	Repository Repository
	Claimer    Claimer
	Notifier   Notifier
	Auditor    Auditor
	Processor  ProcessorClient
	Scheduler  Scheduler
	Archive    EvidenceArchive
	Metrics    EventRecorder
	Policy     Policy
	Clock      func() time.Time
}

// Service is the reconciliation engine: it takes verified events through the
// idempotency check, dispatches them and drives the retry and dispute
// workflows.
type Service struct {
	repo      Repository
	ledger    *IdempotencyLedger
	router    *Router
	gateway   *Gateway
	processor ProcessorClient
	scheduler Scheduler
	archive   EvidenceArchive
	metrics   EventRecorder
	policy    Policy
	now       func() time.Time
}

func NewService(opts Options) (*Service, error) {
	if opts.Repository == nil {
		return nil, errors.New("billing repository is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	s := &Service{
		repo:      opts.Repository,
		ledger:    NewIdempotencyLedger(opts.Repository, opts.Claimer),
		gateway:   NewGateway(opts.Notifier, opts.Auditor),
		processor: opts.Processor,
		scheduler: opts.Scheduler,
		archive:   opts.Archive,
		metrics:   opts.Metrics,
		policy:    opts.Policy,
		now:       clock,
	}
	s.router = s.routes()
	return s, nil
}

// NewServiceFromDB builds a Service on top of the GORM repository.
func NewServiceFromDB(db *gorm.DB, opts Options) (*Service, error) {
	opts.Repository = NewRepository(db)
	return NewService(opts)
}

func (s *Service) routes() *Router {
	r := NewRouter()
	r.Handle(EventCustomerCreated, s.handleCustomerUpsert)
	r.Handle(EventCustomerUpdated, s.handleCustomerUpsert)
	r.Handle(EventCheckoutSessionCompleted, s.handleCheckoutCompleted)
	r.Handle(EventSubscriptionCreated, s.handleSubscriptionUpsert)
	r.Handle(EventSubscriptionUpdated, s.handleSubscriptionUpsert)
	r.Handle(EventSubscriptionDeleted, s.handleSubscriptionDeleted)
	r.Handle(EventInvoiceFinalized, s.handleInvoiceFinalized)
	r.Handle(EventInvoicePaid, s.handleInvoicePaid)
	r.Handle(EventInvoicePaymentSucceeded, s.handleInvoicePaid)
	r.Handle(EventInvoicePaymentFailed, s.handleInvoicePaymentFailed)
	r.Handle(EventPaymentIntentSucceeded, s.handlePaymentIntent)
	r.Handle(EventPaymentIntentFailed, s.handlePaymentIntent)
	r.Handle(EventPaymentIntentProcessing, s.handlePaymentIntent)
	r.Handle(EventPaymentIntentCanceled, s.handlePaymentIntent)
	r.Handle(EventChargeRefunded, s.handleChargeRefunded)
	r.Handle(EventChargeDisputeCreated, s.handleDisputeCreated)
	r.Handle(EventChargeDisputeUpdated, s.handleDisputeChanged)
	r.Handle(EventChargeDisputeClosed, s.handleDisputeChanged)
	return r
}

// Router exposes the dispatch table, mainly for diagnostics.
func (s *Service) Router() *Router {
	return s.router
}

func (s *Service) Policy() Policy {
	return s.policy
}

// ProcessEvent runs one verified event to completion. Duplicates and unknown
// types are acknowledged without side effects. A returned error means the
// event was not recorded as processed and may be redelivered safely.
func (s *Service) ProcessEvent(ctx context.Context, ev *Event) (ProcessResult, error) {
	release, ok, err := s.ledger.Claim(ctx, ev.ID)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("claim event %s: %w", ev.ID, err)
	}
	if !ok {
		return ProcessResult{}, ErrEventInFlight
	}
	defer release()

	done, err := s.ledger.HasProcessed(ctx, ev.ID)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("check event %s: %w", ev.ID, err)
	}
	if done {
		log.Infof("[Billing] Event %s (%s) already processed, skipping", ev.ID, ev.Type)
		s.record(ctx, ev.Type, ResultDuplicate)
		return ProcessResult{Duplicate: true}, nil
	}

	handler, known := s.router.Lookup(ev.Type)
	if !known {
		log.Infof("[Billing] No handler for event type %s (%s), acknowledging", ev.Type, ev.ID)
		if err := s.ledger.MarkProcessed(ctx, ev, models.WebhookOutcomeIgnored, s.now()); err != nil {
			log.Warnf("[Billing] Failed to record ignored event %s: %v", ev.ID, err)
		}
		s.record(ctx, ev.Type, ResultIgnored)
		return ProcessResult{Ignored: true}, nil
	}

	if err := runHandler(ctx, handler, ev); err != nil {
		log.Errorf("[Billing] Event %s (%s) failed: %v", ev.ID, ev.Type, err)
		s.gateway.auditFailure(ctx, "billing.event_failed", "webhook_event", ev.ID, err, map[string]any{
			"event_type": ev.Type,
		})
		s.record(ctx, ev.Type, ResultFailed)
		return ProcessResult{}, err
	}

	if err := s.ledger.MarkProcessed(ctx, ev, models.WebhookOutcomeProcessed, s.now()); err != nil {
		s.record(ctx, ev.Type, ResultFailed)
		return ProcessResult{}, fmt.Errorf("mark event %s processed: %w", ev.ID, err)
	}
	s.record(ctx, ev.Type, ResultProcessed)
	return ProcessResult{}, nil
}

// runHandler turns a panicking handler into an error so the event is
// audited and left unprocessed.
func runHandler(ctx context.Context, h HandlerFunc, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

func (s *Service) record(ctx context.Context, eventType, result string) {
	if s.metrics != nil {
		s.metrics.RecordEvent(ctx, eventType, result)
	}
}

// Stats summarizes subscriptions, disputes and failing invoices.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	byStatus, err := s.repo.CountSubscriptionsByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	open, err := s.repo.CountOpenDisputes(ctx)
	if err != nil {
		return Stats{}, err
	}
	failing, err := s.repo.CountFailingInvoices(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{SubscriptionsByStatus: byStatus, OpenDisputes: open, FailingInvoices: failing}, nil
}

// DisputeTasks lists the evidence checklist of a dispute.
func (s *Service) DisputeTasks(ctx context.Context, disputeID uint) ([]models.BillingDisputeTask, error) {
	if _, err := s.repo.FindDisputeByID(ctx, disputeID); err != nil {
		return nil, err
	}
	return s.repo.ListDisputeTasks(ctx, disputeID)
}

func eventTime(ev *Event, fallback time.Time) time.Time {
	if ev.CreatedAt.IsZero() {
		return fallback
	}
	return ev.CreatedAt
}
