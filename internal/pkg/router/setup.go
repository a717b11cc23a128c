package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PaySync/app/controllers"
)

// Router installs a group of routes on the app
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies carries the controllers and settings the routes need
type Dependencies struct {
	Webhook        *controllers.BillingController
	Admin          *controllers.AdminBillingController
	AdminKeyHash   string
	LimiterStorage fiber.Storage
	AdminRateLimit int
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
