package router

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ManuelReschke/PaySync/app/controllers"
	"github.com/ManuelReschke/PaySync/internal/pkg/billing"
)

func TestInstallRouter_Routes(t *testing.T) {
	app := fiber.New()
	InstallRouter(app, Dependencies{
		Webhook: controllers.NewBillingController(nil, billing.NewVerifier("whsec_x", 0)),
		Admin:   controllers.NewAdminBillingController(nil, nil, nil),
	})

	registered := map[string]bool{}
	for _, r := range app.GetRoutes(true) {
		registered[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /healthz",
		"POST /webhooks/billing",
		"GET /api/v1/admin/billing/stats",
		"POST /api/v1/admin/billing/grace/sweep",
		"POST /api/v1/admin/billing/payments/:intent/refund",
		"GET /api/v1/admin/billing/disputes/:id/tasks",
	} {
		assert.True(t, registered[want], "route %s not registered", want)
	}
}

func TestAdminRoutes_RequireKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("key"), bcrypt.MinCost)
	require.NoError(t, err)

	app := fiber.New()
	InstallRouter(app, Dependencies{
		Webhook:      controllers.NewBillingController(nil, billing.NewVerifier("whsec_x", 0)),
		Admin:        controllers.NewAdminBillingController(nil, nil, nil),
		AdminKeyHash: string(hash),
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/api/v1/admin/billing/stats", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	// Authenticated but no sweeper wired
	req := httptest.NewRequest(fiber.MethodPost, "/api/v1/admin/billing/grace/sweep", nil)
	req.Header.Set("X-API-Key", "key")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebhookRoute_RejectsUnsigned(t *testing.T) {
	app := fiber.New()
	InstallRouter(app, Dependencies{
		Webhook: controllers.NewBillingController(nil, billing.NewVerifier("whsec_x", 0)),
		Admin:   controllers.NewAdminBillingController(nil, nil, nil),
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/webhooks/billing", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
