package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/PaySync/app/models"
)

// memTable is an in-memory table keyed by the processor identifier.
type memTable[T any] struct {
	rows   map[string]T
	nextID uint
	id     func(*T) *uint
	clone  func(T) T
}

func newMemTable[T any](id func(*T) *uint, clone func(T) T) *memTable[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	return &memTable[T]{rows: make(map[string]T), id: id, clone: clone}
}

func (t *memTable[T]) mutate(key string, fn MutateFunc[T]) (*T, error) {
	stored, found := t.rows[key]
	row := t.clone(stored)
	if err := fn(&row, found); err != nil {
		if found {
			orig := t.clone(stored)
			return &orig, err
		}
		return nil, err
	}
	if !found {
		t.nextID++
		*t.id(&row) = t.nextID
	}
	t.rows[key] = t.clone(row)
	return &row, nil
}

func (t *memTable[T]) get(key string) (*T, error) {
	row, ok := t.rows[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := t.clone(row)
	return &out, nil
}

func (t *memTable[T]) byID(id uint) (*T, error) {
	for _, row := range t.rows {
		if *t.id(&row) == id {
			out := t.clone(row)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// fakeRepo implements Repository in memory behind a single mutex.
type fakeRepo struct {
	mu sync.Mutex

	customers     *memTable[models.BillingCustomer]
	subscriptions *memTable[models.BillingSubscription]
	invoices      *memTable[models.BillingInvoice]
	payments      *memTable[models.BillingPayment]
	refunds       *memTable[models.BillingRefund]
	disputes      *memTable[models.BillingDispute]
	retries       *memTable[models.BillingPaymentRetry]
	tasks         []models.BillingDisputeTask
	events        map[string]models.BillingWebhookEvent

	taskErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		customers:     newMemTable(func(r *models.BillingCustomer) *uint { return &r.ID }, nil),
		subscriptions: newMemTable(func(r *models.BillingSubscription) *uint { return &r.ID }, nil),
		invoices:      newMemTable(func(r *models.BillingInvoice) *uint { return &r.ID }, nil),
		payments: newMemTable(func(r *models.BillingPayment) *uint { return &r.ID }, func(p models.BillingPayment) models.BillingPayment {
			if p.Metadata != nil {
				meta := make(datatypes.JSONMap, len(p.Metadata))
				for k, v := range p.Metadata {
					meta[k] = v
				}
				p.Metadata = meta
			}
			return p
		}),
		refunds:  newMemTable(func(r *models.BillingRefund) *uint { return &r.ID }, nil),
		disputes: newMemTable(func(r *models.BillingDispute) *uint { return &r.ID }, nil),
		retries:  newMemTable(func(r *models.BillingPaymentRetry) *uint { return &r.ID }, nil),
		events:   make(map[string]models.BillingWebhookEvent),
	}
}

func (r *fakeRepo) FindCustomerByID(_ context.Context, id uint) (*models.BillingCustomer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.customers.byID(id)
}

func (r *fakeRepo) FindCustomerByProviderID(_ context.Context, key string) (*models.BillingCustomer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.customers.get(key)
}

func (r *fakeRepo) MutateCustomer(_ context.Context, key string, fn MutateFunc[models.BillingCustomer]) (*models.BillingCustomer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.customers.mutate(key, fn)
}

func (r *fakeRepo) FindSubscriptionByProviderID(_ context.Context, key string) (*models.BillingSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscriptions.get(key)
}

func (r *fakeRepo) FindSubscriptionByID(_ context.Context, id uint) (*models.BillingSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscriptions.byID(id)
}

func (r *fakeRepo) MutateSubscription(_ context.Context, key string, fn MutateFunc[models.BillingSubscription]) (*models.BillingSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscriptions.mutate(key, fn)
}

func (r *fakeRepo) MutateInvoice(_ context.Context, key string, fn MutateFunc[models.BillingInvoice]) (*models.BillingInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invoices.mutate(key, fn)
}

func (r *fakeRepo) FindPaymentByProviderID(_ context.Context, key string) (*models.BillingPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payments.get(key)
}

func (r *fakeRepo) MutatePayment(_ context.Context, key string, fn MutateFunc[models.BillingPayment]) (*models.BillingPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payments.mutate(key, fn)
}

func (r *fakeRepo) MutateRefund(_ context.Context, key string, fn MutateFunc[models.BillingRefund]) (*models.BillingRefund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refunds.mutate(key, fn)
}

func (r *fakeRepo) FindDisputeByID(_ context.Context, id uint) (*models.BillingDispute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disputes.byID(id)
}

func (r *fakeRepo) MutateDispute(_ context.Context, key string, fn MutateFunc[models.BillingDispute]) (*models.BillingDispute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disputes.mutate(key, fn)
}

func (r *fakeRepo) CreateDisputeTasks(_ context.Context, tasks []models.BillingDisputeTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taskErr != nil {
		return r.taskErr
	}
	for _, task := range tasks {
		dup := false
		for _, existing := range r.tasks {
			if existing.DisputeID == task.DisputeID && existing.Category == task.Category {
				dup = true
				break
			}
		}
		if !dup {
			task.ID = uint(len(r.tasks) + 1)
			r.tasks = append(r.tasks, task)
		}
	}
	return nil
}

func (r *fakeRepo) ListDisputeTasks(_ context.Context, disputeID uint) ([]models.BillingDisputeTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BillingDisputeTask
	for _, task := range r.tasks {
		if task.DisputeID == disputeID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (r *fakeRepo) MutatePaymentRetry(_ context.Context, invoiceID uint, fn MutateFunc[models.BillingPaymentRetry]) (*models.BillingPaymentRetry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries.mutate(fmt.Sprint(invoiceID), fn)
}

func (r *fakeRepo) ListExpiredRetries(_ context.Context, now time.Time, limit int) ([]models.BillingPaymentRetry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BillingPaymentRetry
	for _, row := range r.retries.rows {
		if row.GraceExpired(now) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GraceDeadline.Equal(out[j].GraceDeadline) {
			return out[i].GraceDeadline.Before(out[j].GraceDeadline)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) ListPendingPauses(_ context.Context, now time.Time, limit int) ([]models.BillingPaymentRetry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BillingPaymentRetry
	for _, row := range r.retries.rows {
		if row.PauseRetryDue(now) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].PauseRetryAt, out[j].PauseRetryAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) FindWebhookEvent(_ context.Context, provider, id string) (*models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[provider+"/"+id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ev, nil
}

func (r *fakeRepo) CreateWebhookEventIfNotExists(_ context.Context, ev *models.BillingWebhookEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ev.Provider + "/" + ev.ProviderEventID
	if _, ok := r.events[key]; ok {
		return false, nil
	}
	r.events[key] = *ev
	return true, nil
}

func (r *fakeRepo) CountSubscriptionsByStatus(_ context.Context) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int64{}
	for _, sub := range r.subscriptions.rows {
		out[sub.Status]++
	}
	return out, nil
}

func (r *fakeRepo) CountOpenDisputes(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, d := range r.disputes.rows {
		if !d.IsClosed() {
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) CountFailingInvoices(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.retries.rows {
		if row.State != models.RetryStateResolved {
			n++
		}
	}
	return n, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []Notification
	failFor map[string]error
}

func (n *fakeNotifier) CreateNotification(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failFor[msg.Type]; err != nil {
		return err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNotifier) ofType(typ string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, msg := range n.sent {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *fakeAuditor) AuditLog(_ context.Context, e AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *fakeAuditor) actions(action string) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditEntry
	for _, e := range a.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type fakeProcessor struct {
	mu       sync.Mutex
	paused   []string
	resumed  []string
	refunds  []RefundRequest
	pauseErr error
}

func (p *fakeProcessor) PauseCollection(_ context.Context, subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pauseErr != nil {
		return p.pauseErr
	}
	p.paused = append(p.paused, subscriptionID)
	return nil
}

func (p *fakeProcessor) ResumeCollection(_ context.Context, subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumed = append(p.resumed, subscriptionID)
	return nil
}

func (p *fakeProcessor) CreateRefund(_ context.Context, req RefundRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, req)
	return fmt.Sprintf("re_%d", len(p.refunds)), nil
}

type scheduledCheck struct {
	InvoiceID uint
	RunAt     time.Time
}

type fakeScheduler struct {
	mu     sync.Mutex
	checks []scheduledCheck
}

func (s *fakeScheduler) ScheduleGraceCheck(_ context.Context, invoiceID uint, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, scheduledCheck{InvoiceID: invoiceID, RunAt: runAt})
	return nil
}

type fakeArchive struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (a *fakeArchive) ArchiveDisputeEvidence(_ context.Context, disputeID, eventID string, _ []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	key := fmt.Sprintf("disputes/%s/%s.json", disputeID, eventID)
	a.keys = append(a.keys, key)
	return key, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type harness struct {
	svc       *Service
	repo      *fakeRepo
	notifier  *fakeNotifier
	auditor   *fakeAuditor
	processor *fakeProcessor
	scheduler *fakeScheduler
	clock     *testClock
}

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, mutators ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		repo:      newFakeRepo(),
		notifier:  &fakeNotifier{failFor: map[string]error{}},
		auditor:   &fakeAuditor{},
		processor: &fakeProcessor{},
		scheduler: &fakeScheduler{},
		clock:     &testClock{now: testNow},
	}
	opts := Options{
		Repository: h.repo,
		Notifier:   h.notifier,
		Auditor:    h.auditor,
		Processor:  h.processor,
		Scheduler:  h.scheduler,
		Policy:     DefaultPolicy(),
		Clock:      h.clock.Now,
	}
	for _, m := range mutators {
		m(&opts)
	}
	svc, err := NewService(opts)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) process(t *testing.T, ev *Event) ProcessResult {
	t.Helper()
	res, err := h.svc.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)
	return res
}

// seedCustomer stores a linked customer for user 42.
func (h *harness) seedCustomer(t *testing.T, providerID string) *models.BillingCustomer {
	t.Helper()
	uid := uint(42)
	cust, err := h.repo.MutateCustomer(context.Background(), providerID, func(c *models.BillingCustomer, _ bool) error {
		c.Provider = models.BillingProviderStripe
		c.ProviderCustomerID = providerID
		c.UserID = &uid
		return nil
	})
	require.NoError(t, err)
	return cust
}

func newEvent(t *testing.T, id, typ string, created time.Time, object map[string]any) *Event {
	t.Helper()
	payload, err := json.Marshal(object)
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    typ,
		"created": created.Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return &Event{ID: id, Type: typ, Payload: payload, CreatedAt: created.UTC(), Raw: raw}
}

func subscriptionPayload(id, customer, status string, periodStart, periodEnd time.Time) map[string]any {
	return map[string]any{
		"id":                   id,
		"customer":             customer,
		"status":               status,
		"current_period_start": periodStart.Unix(),
		"current_period_end":   periodEnd.Unix(),
		"items": map[string]any{
			"data": []any{map[string]any{
				"price": map[string]any{
					"id":          "price_pro",
					"nickname":    "Pro",
					"unit_amount": 1500,
					"currency":    "usd",
					"recurring":   map[string]any{"interval": "month"},
				},
			}},
		},
	}
}

func invoicePayload(id, customer, subscription string, amountDue int64, periodStart, periodEnd time.Time) map[string]any {
	return map[string]any{
		"id":            id,
		"customer":      customer,
		"subscription":  subscription,
		"number":        "INV-" + id,
		"currency":      "usd",
		"subtotal":      amountDue,
		"total":         amountDue,
		"amount_due":    amountDue,
		"amount_paid":   0,
		"attempt_count": 1,
		"lines": map[string]any{
			"data": []any{map[string]any{
				"period": map[string]any{"start": periodStart.Unix(), "end": periodEnd.Unix()},
			}},
		},
	}
}

var errBoom = errors.New("boom")
