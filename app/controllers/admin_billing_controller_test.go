package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PaySync/app/models"
	"github.com/ManuelReschke/PaySync/internal/pkg/billing"
)

type stubAdminService struct {
	stats      billing.Stats
	statsErr   error
	refundID   string
	refundErr  error
	refunds    []decimal.Decimal
	tasks      []models.BillingDisputeTask
	tasksErr   error
	taskLookup []uint
}

func (s *stubAdminService) Stats(context.Context) (billing.Stats, error) {
	return s.stats, s.statsErr
}

func (s *stubAdminService) IssueRefund(_ context.Context, _ string, amount decimal.Decimal, _ string) (string, error) {
	s.refunds = append(s.refunds, amount)
	return s.refundID, s.refundErr
}

func (s *stubAdminService) DisputeTasks(_ context.Context, disputeID uint) ([]models.BillingDisputeTask, error) {
	s.taskLookup = append(s.taskLookup, disputeID)
	return s.tasks, s.tasksErr
}

type stubCounters struct {
	snap map[string]map[string]int64
	err  error
}

func (c stubCounters) Snapshot(context.Context) (map[string]map[string]int64, error) {
	return c.snap, c.err
}

type stubSweeper struct {
	n   int
	err error
}

func (s stubSweeper) RunSweepOnce(context.Context) (int, error) {
	return s.n, s.err
}

func adminApp(ctrl *AdminBillingController) *fiber.App {
	app := fiber.New()
	app.Get("/stats", ctrl.HandleStats)
	app.Post("/grace/sweep", ctrl.HandleGraceSweep)
	app.Post("/payments/:intent/refund", ctrl.HandleRefund)
	app.Get("/disputes/:id/tasks", ctrl.HandleDisputeTasks)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return resp.StatusCode, out
}

func TestAdminBilling_Stats(t *testing.T) {
	svc := &stubAdminService{stats: billing.Stats{
		SubscriptionsByStatus: map[string]int64{"active": 3, "past_due": 1},
		OpenDisputes:          2,
		FailingInvoices:       1,
	}}
	counters := stubCounters{snap: map[string]map[string]int64{"invoice.paid": {"processed": 5}}}
	app := adminApp(NewAdminBillingController(svc, counters, nil))

	status, body := doJSON(t, app, fiber.MethodGet, "/stats", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(2), body["open_disputes"])
	assert.Equal(t, float64(1), body["failing_invoices"])
	assert.Equal(t, map[string]any{"active": float64(3), "past_due": float64(1)}, body["subscriptions_by_status"])
	assert.Equal(t, map[string]any{"invoice.paid": map[string]any{"processed": float64(5)}}, body["events"])
}

func TestAdminBilling_StatsWithoutCounters(t *testing.T) {
	svc := &stubAdminService{}
	app := adminApp(NewAdminBillingController(svc, stubCounters{err: errors.New("redis down")}, nil))

	status, body := doJSON(t, app, fiber.MethodGet, "/stats", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.NotContains(t, body, "events")

	svc.statsErr = errors.New("db down")
	status, body = doJSON(t, app, fiber.MethodGet, "/stats", "")
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "stats_unavailable", body["error"])
}

func TestAdminBilling_GraceSweep(t *testing.T) {
	app := adminApp(NewAdminBillingController(&stubAdminService{}, nil, stubSweeper{n: 3}))
	status, body := doJSON(t, app, fiber.MethodPost, "/grace/sweep", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(3), body["evaluated"])

	app = adminApp(NewAdminBillingController(&stubAdminService{}, nil, nil))
	status, _ = doJSON(t, app, fiber.MethodPost, "/grace/sweep", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, status)

	app = adminApp(NewAdminBillingController(&stubAdminService{}, nil, stubSweeper{n: 1, err: errors.New("x")}))
	status, body = doJSON(t, app, fiber.MethodPost, "/grace/sweep", "")
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "sweep_failed", body["error"])
}

func TestAdminBilling_Refund(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		refundErr  error
		wantStatus int
		wantError  string
	}{
		{"accepted", `{"amount":"25.50","reason":"requested_by_customer"}`, nil, fiber.StatusAccepted, ""},
		{"missing amount", `{}`, nil, fiber.StatusBadRequest, "invalid_body"},
		{"bad reason", `{"amount":"1","reason":"because"}`, nil, fiber.StatusBadRequest, "invalid_body"},
		{"not a number", `{"amount":"ten"}`, nil, fiber.StatusBadRequest, "invalid_amount"},
		{"unknown payment", `{"amount":"1"}`, billing.ErrNotFound, fiber.StatusNotFound, "payment_not_found"},
		{"over refund", `{"amount":"1000"}`, billing.ErrInvalidRefundAmount, fiber.StatusUnprocessableEntity, "invalid_amount"},
		{"not refundable", `{"amount":"1"}`, billing.ErrPaymentNotRefundable, fiber.StatusConflict, "payment_not_refundable"},
		{"no processor", `{"amount":"1"}`, billing.ErrProcessorUnavailable, fiber.StatusServiceUnavailable, "processor_unavailable"},
		{"processor error", `{"amount":"1"}`, errors.New("card_declined"), fiber.StatusBadGateway, "refund_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubAdminService{refundID: "re_1", refundErr: tt.refundErr}
			app := adminApp(NewAdminBillingController(svc, nil, nil))

			status, body := doJSON(t, app, fiber.MethodPost, "/payments/pi_1/refund", tt.body)
			assert.Equal(t, tt.wantStatus, status)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, body["error"])
				return
			}
			assert.Equal(t, "re_1", body["refund_id"])
			assert.Equal(t, "25.50", body["amount"])
			require.Len(t, svc.refunds, 1)
			assert.True(t, decimal.RequireFromString("25.5").Equal(svc.refunds[0]))
		})
	}
}

func TestAdminBilling_DisputeTasks(t *testing.T) {
	due := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)
	svc := &stubAdminService{tasks: []models.BillingDisputeTask{
		{ID: 1, DisputeID: 7, Category: "receipt", Title: "Receipt", Status: models.DisputeTaskStatusPending, DueAt: due},
	}}
	app := adminApp(NewAdminBillingController(svc, nil, nil))

	status, body := doJSON(t, app, fiber.MethodGet, "/disputes/7/tasks", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, []uint{7}, svc.taskLookup)
	tasks, ok := body["tasks"].([]any)
	require.True(t, ok)
	require.Len(t, tasks, 1)
	task := tasks[0].(map[string]any)
	assert.Equal(t, "receipt", task["category"])
	assert.Equal(t, "2025-03-17T12:00:00Z", task["due_at"])
	assert.Nil(t, task["completed_at"])

	status, body = doJSON(t, app, fiber.MethodGet, "/disputes/abc/tasks", "")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_dispute_id", body["error"])

	svc.tasksErr = billing.ErrNotFound
	status, body = doJSON(t, app, fiber.MethodGet, "/disputes/9/tasks", "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "dispute_not_found", body["error"])
}
