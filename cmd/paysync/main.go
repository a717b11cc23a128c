package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PaySync/app/controllers"
	"github.com/ManuelReschke/PaySync/internal/pkg/billing"
	"github.com/ManuelReschke/PaySync/internal/pkg/bootstrap"
	"github.com/ManuelReschke/PaySync/internal/pkg/cache"
	"github.com/ManuelReschke/PaySync/internal/pkg/constants"
	"github.com/ManuelReschke/PaySync/internal/pkg/database"
	"github.com/ManuelReschke/PaySync/internal/pkg/env"
	"github.com/ManuelReschke/PaySync/internal/pkg/middleware"
	"github.com/ManuelReschke/PaySync/internal/pkg/router"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	engine, err := bootstrap.NewEngine(ctx)
	if err != nil {
		log.Fatalf("Failed to build billing engine: %v", err)
	}
	defer engine.Close()

	if err := engine.Manager.Start(); err != nil {
		log.Fatalf("Failed to start job manager: %v", err)
	}
	defer engine.Manager.Stop()

	app := NewApplication(ctx, engine)

	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.Printf("Server shutdown failed: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
	if err := app.Listen(addr); err != nil {
		log.Printf("Server stopped: %v", err)
	}
}

func NewApplication(ctx context.Context, engine *bootstrap.Engine) *fiber.App {
	app := fiber.New(fiber.Config{
		// Stripe payloads stay well below this
		BodyLimit: 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", middleware.AdminAPIKeyMiddleware(adminKeyHash()), monitor.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/",
		FilePath: env.GetEnv("OPENAPI_FILE", "./docs/openapi.yml"),
		Path:     constants.DocsPath,
		Title:    "PaySync Admin API",
	}))

	verifier := billing.NewVerifier(env.GetEnv("STRIPE_WEBHOOK_SECRET", ""), billing.DefaultSignatureTolerance)

	var counters controllers.CounterSnapshotter
	if engine.Counters != nil {
		counters = engine.Counters
	}

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Webhook:        controllers.NewBillingController(engine.Service, verifier),
		Admin:          controllers.NewAdminBillingController(engine.Service, counters, engine.Manager),
		AdminKeyHash:   adminKeyHash(),
		LimiterStorage: router.NewLimiterStorage(ctx),
		AdminRateLimit: env.GetEnvInt("BILLING_ADMIN_RATE_LIMIT", 60),
	})

	return app
}

func adminKeyHash() string {
	return strings.TrimSpace(env.GetEnv("BILLING_ADMIN_API_KEY_HASH", ""))
}
