package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/PaySync/internal/pkg/constants"
	"github.com/ManuelReschke/PaySync/internal/pkg/middleware"
)

const defaultAdminRateLimit = 60

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	maxRequests := h.deps.AdminRateLimit
	if maxRequests <= 0 {
		maxRequests = defaultAdminRateLimit
	}
	limiterCfg := limiter.Config{
		Max:        maxRequests,
		Expiration: time.Minute,
		Storage:    h.deps.LimiterStorage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	}

	api := app.Group(constants.APIRoute, limiter.New(limiterCfg))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "PaySync billing api",
		})
	})

	// API v1 admin routes
	admin := api.Group(constants.AdminBillingRoute, middleware.AdminAPIKeyMiddleware(h.deps.AdminKeyHash))
	admin.Get("/stats", h.deps.Admin.HandleStats)
	admin.Post("/grace/sweep", h.deps.Admin.HandleGraceSweep)
	admin.Post("/payments/:intent/refund", h.deps.Admin.HandleRefund)
	admin.Get("/disputes/:id/tasks", h.deps.Admin.HandleDisputeTasks)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
