package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule is the cron backstop for grace checks that were never
// scheduled or got lost.
const DefaultSweepSchedule = "@every 15m"

// GraceService is the part of the billing engine the background jobs drive.
type GraceService interface {
	EvaluateGracePeriod(ctx context.Context, invoiceID uint) error
	SweepGracePeriods(ctx context.Context) (int, error)
}

// Manager manages the job queue and the periodic grace sweep
type Manager struct {
	queue         *Queue
	service       GraceService
	sweepSchedule string
	cron          *cron.Cron
	mu            sync.Mutex
	running       bool
}

type cronLogger struct{}

func (cronLogger) Printf(format string, args ...interface{}) {
	log.Infof("[JobQueue Manager] "+format, args...)
}

// NewManager wires the grace handlers onto the queue
func NewManager(queue *Queue, service GraceService, sweepSchedule string) *Manager {
	if sweepSchedule == "" {
		sweepSchedule = DefaultSweepSchedule
	}
	m := &Manager{
		queue:         queue,
		service:       service,
		sweepSchedule: sweepSchedule,
	}
	queue.RegisterHandler(JobTypeGraceCheck, m.processGraceCheckJob)
	queue.RegisterHandler(JobTypeGraceSweep, m.processGraceSweepJob)
	return m
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and the cron backstop
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(cronLogger{}))))
	if _, err := c.AddFunc(m.sweepSchedule, m.runScheduledSweep); err != nil {
		return fmt.Errorf("invalid grace sweep schedule %q: %w", m.sweepSchedule, err)
	}

	log.Info("[JobQueue Manager] Starting job queue and background tasks")
	m.queue.Start()
	c.Start()
	m.cron = c
	m.running = true
	log.Infof("[JobQueue Manager] Scheduled grace sweep (%s)", m.sweepSchedule)
	return nil
}

// Stop stops the cron backstop, waits for a running sweep, then stops the queue
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")
	if m.cron != nil {
		<-m.cron.Stop().Done()
		m.cron = nil
	}
	m.queue.Stop()
	m.running = false
	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) runScheduledSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := m.RunSweepOnce(ctx); err != nil {
		log.Errorf("[JobQueue Manager] Grace sweep error: %v", err)
	}
}

// RunSweepOnce exposes a manual trigger for a single grace sweep (admin use).
func (m *Manager) RunSweepOnce(ctx context.Context) (int, error) {
	n, err := m.service.SweepGracePeriods(ctx)
	if n > 0 {
		log.Infof("[JobQueue Manager] Grace sweep evaluated %d expired retries", n)
	}
	return n, err
}

// EnqueueSweep queues a sweep on the workers instead of running it inline
func (m *Manager) EnqueueSweep(ctx context.Context) (*Job, error) {
	return m.queue.EnqueueJob(ctx, JobTypeGraceSweep, map[string]interface{}{})
}

func (m *Manager) processGraceCheckJob(ctx context.Context, job *Job) error {
	payload, err := GraceCheckJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid grace check payload: %w", err)
	}
	if payload.InvoiceID == 0 {
		return fmt.Errorf("grace check job %s has no invoice id", job.ID)
	}
	return m.service.EvaluateGracePeriod(ctx, payload.InvoiceID)
}

func (m *Manager) processGraceSweepJob(ctx context.Context, _ *Job) error {
	_, err := m.RunSweepOnce(ctx)
	return err
}
