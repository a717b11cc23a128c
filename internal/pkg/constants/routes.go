package constants

// Static route constants
const (
	HealthRoute  = "/healthz"
	WebhookRoute = "/webhooks/billing"
	APIRoute     = "/api"
	// Admin group below APIRoute
	AdminBillingRoute = "/v1/admin/billing"
	// Swagger UI path without leading slash
	DocsPath = "docs"
)
