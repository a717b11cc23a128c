// Package bootstrap assembles the billing engine and its collaborators from
// the environment. Both the HTTP server and billingctl build on it.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PaySync/internal/pkg/billing"
	"github.com/ManuelReschke/PaySync/internal/pkg/cache"
	"github.com/ManuelReschke/PaySync/internal/pkg/database"
	"github.com/ManuelReschke/PaySync/internal/pkg/env"
	"github.com/ManuelReschke/PaySync/internal/pkg/evidence"
	"github.com/ManuelReschke/PaySync/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PaySync/internal/pkg/mail"
	"github.com/ManuelReschke/PaySync/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PaySync/internal/pkg/notify"
)

// Engine holds the wired billing service and the background machinery.
type Engine struct {
	Service  *billing.Service
	Queue    *jobqueue.Queue
	Manager  *jobqueue.Manager
	Counters *counter.EventCounters

	producer *notify.EventProducer
}

// NewEngine expects env, database and cache to be set up already. Optional
// collaborators (Stripe, RabbitMQ, SMTP, S3) are left out when unconfigured.
func NewEngine(ctx context.Context) (*Engine, error) {
	policy, err := billing.LoadPolicyFromEnv()
	if err != nil {
		return nil, fmt.Errorf("billing policy: %w", err)
	}

	e := &Engine{}
	opts := billing.Options{Policy: policy}

	if cache.Available(ctx) {
		client := cache.GetClient()
		opts.Claimer = billing.NewRedisClaimer(client, billing.DefaultClaimTTL)
		e.Counters = counter.NewEventCounters(client)
		opts.Metrics = e.Counters
	} else {
		log.Warn("[Bootstrap] Cache unreachable, using in-process event claims and no counters")
		opts.Claimer = billing.NewLocalClaimer()
	}

	storeOpts := notify.Options{SeniorEmail: env.GetEnv("BILLING_SENIOR_ADMIN_EMAIL", "")}
	if amqpURL := env.GetEnv("AMQP_URL", ""); amqpURL != "" {
		producer, err := notify.NewEventProducer(amqpURL, env.GetEnv("AMQP_EXCHANGE", notify.Exchange))
		if err != nil {
			log.Warnf("[Bootstrap] RabbitMQ unavailable, notifications are stored only: %v", err)
		} else {
			e.producer = producer
			storeOpts.Publisher = producer
		}
	}
	if mailer := mail.NewSMTPMailerFromEnv(); mailer != nil {
		storeOpts.Mailer = mailer
	}
	db := database.GetDB()
	opts.Notifier = notify.NewStore(db, storeOpts)
	opts.Auditor = notify.NewAuditStore(db)

	if stripeClient := billing.NewStripeClientFromEnv(); stripeClient != nil {
		opts.Processor = stripeClient
	} else {
		log.Warn("[Bootstrap] STRIPE_SECRET_KEY not set, pause/resume and refunds are disabled")
	}

	archiveCfg, err := evidence.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("evidence archive: %w", err)
	}
	if archiveCfg.Enabled {
		archive, err := evidence.NewArchive(ctx, archiveCfg)
		if err != nil {
			log.Warnf("[Bootstrap] Evidence archive disabled: %v", err)
		} else {
			opts.Archive = archive
		}
	}

	e.Queue = jobqueue.NewQueue(env.GetEnvInt("JOBQUEUE_WORKERS", 3))
	opts.Scheduler = jobqueue.NewGraceScheduler(e.Queue)

	e.Service, err = billing.NewServiceFromDB(db, opts)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Manager = jobqueue.NewManager(e.Queue, e.Service, env.GetEnv("BILLING_GRACE_SWEEP_SCHEDULE", jobqueue.DefaultSweepSchedule))
	return e, nil
}

// Close releases the broker connection. The job manager is stopped by its owner.
func (e *Engine) Close() {
	if e.producer != nil {
		e.producer.Close()
		e.producer = nil
	}
}
