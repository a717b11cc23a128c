package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PaySync/app/models"
	"github.com/ManuelReschke/PaySync/internal/pkg/billing"
)

// ============================================================================
// ADMIN BILLING CONTROLLER
// ============================================================================

// BillingAdminService is the engine surface used by the admin API
type BillingAdminService interface {
	Stats(ctx context.Context) (billing.Stats, error)
	IssueRefund(ctx context.Context, paymentIntentID string, amount decimal.Decimal, reason string) (string, error)
	DisputeTasks(ctx context.Context, disputeID uint) ([]models.BillingDisputeTask, error)
}

// CounterSnapshotter reads the per event type outcome counters
type CounterSnapshotter interface {
	Snapshot(ctx context.Context) (map[string]map[string]int64, error)
}

// GraceSweeper runs one grace-period sweep
type GraceSweeper interface {
	RunSweepOnce(ctx context.Context) (int, error)
}

// AdminBillingController handles the admin billing API
type AdminBillingController struct {
	service  BillingAdminService
	counters CounterSnapshotter
	sweeper  GraceSweeper
	validate *validator.Validate
}

func NewAdminBillingController(service BillingAdminService, counters CounterSnapshotter, sweeper GraceSweeper) *AdminBillingController {
	return &AdminBillingController{
		service:  service,
		counters: counters,
		sweeper:  sweeper,
		validate: validator.New(),
	}
}

type refundRequest struct {
	Amount string `json:"amount" validate:"required"`
	Reason string `json:"reason" validate:"omitempty,oneof=duplicate fraudulent requested_by_customer"`
}

// HandleStats returns ledger statistics and event counters
func (abc *AdminBillingController) HandleStats(c *fiber.Ctx) error {
	stats, err := abc.service.Stats(c.UserContext())
	if err != nil {
		log.Errorf("[Billing] Stats query failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
	}

	resp := fiber.Map{
		"subscriptions_by_status": stats.SubscriptionsByStatus,
		"open_disputes":           stats.OpenDisputes,
		"failing_invoices":        stats.FailingInvoices,
	}
	if abc.counters != nil {
		events, err := abc.counters.Snapshot(c.UserContext())
		if err != nil {
			log.Warnf("[Billing] Event counters unavailable: %v", err)
		} else {
			resp["events"] = events
		}
	}
	return c.JSON(resp)
}

// HandleGraceSweep runs the grace sweep immediately
func (abc *AdminBillingController) HandleGraceSweep(c *fiber.Ctx) error {
	if abc.sweeper == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "sweeper_unavailable"})
	}
	n, err := abc.sweeper.RunSweepOnce(c.UserContext())
	if err != nil {
		log.Errorf("[Billing] Manual grace sweep failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sweep_failed", "evaluated": n})
	}
	return c.JSON(fiber.Map{"evaluated": n})
}

// HandleRefund requests a refund for a payment intent
func (abc *AdminBillingController) HandleRefund(c *fiber.Ctx) error {
	intentID := strings.TrimSpace(c.Params("intent"))
	if intentID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_payment_intent"})
	}

	var req refundRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	if err := abc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": err.Error()})
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_amount"})
	}

	refundID, err := abc.service.IssueRefund(c.UserContext(), intentID, amount, req.Reason)
	switch {
	case err == nil:
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"refund_id": refundID, "payment_intent": intentID, "amount": amount.StringFixed(2)})
	case errors.Is(err, billing.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "payment_not_found"})
	case errors.Is(err, billing.ErrInvalidRefundAmount):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_amount"})
	case errors.Is(err, billing.ErrPaymentNotRefundable):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "payment_not_refundable"})
	case errors.Is(err, billing.ErrProcessorUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "processor_unavailable"})
	default:
		log.Errorf("[Billing] Refund for %s failed: %v", intentID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "refund_failed"})
	}
}

// HandleDisputeTasks lists the evidence checklist of a dispute
func (abc *AdminBillingController) HandleDisputeTasks(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_dispute_id"})
	}

	tasks, err := abc.service.DisputeTasks(c.UserContext(), uint(id))
	if errors.Is(err, billing.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "dispute_not_found"})
	}
	if err != nil {
		log.Errorf("[Billing] Listing tasks of dispute %d failed: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "tasks_unavailable"})
	}

	items := make([]fiber.Map, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, fiber.Map{
			"id":           t.ID,
			"category":     t.Category,
			"title":        t.Title,
			"status":       t.Status,
			"due_at":       formatTimePtr(&t.DueAt),
			"completed_at": formatTimePtr(t.CompletedAt),
		})
	}
	return c.JSON(fiber.Map{"dispute_id": id, "tasks": items})
}
