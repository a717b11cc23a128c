package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PaySync/internal/pkg/cache"
	"github.com/ManuelReschke/PaySync/internal/pkg/constants"
	"github.com/ManuelReschke/PaySync/internal/pkg/database"
)

type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.HealthRoute, handleHealth)

	// Processor webhooks (signature-verified in controller)
	app.Post(constants.WebhookRoute, h.deps.Webhook.HandleWebhook)
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}

func handleHealth(c *fiber.Ctx) error {
	status := fiber.Map{"database": "ok", "cache": "ok"}
	healthy := true

	if db := database.GetDB(); db == nil {
		status["database"] = "unavailable"
		healthy = false
	} else if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.UserContext()) != nil {
		status["database"] = "unreachable"
		healthy = false
	}
	if !cache.Available(c.UserContext()) {
		status["cache"] = "unreachable"
	}

	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(status)
	}
	return c.JSON(status)
}
