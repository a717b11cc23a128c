package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAdminAPIKeyMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-key"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name       string
		hash       string
		headers    map[string]string
		wantStatus int
	}{
		{"x-api-key", string(hash), map[string]string{"X-API-Key": "s3cret-key"}, fiber.StatusOK},
		{"bearer", string(hash), map[string]string{"Authorization": "Bearer s3cret-key"}, fiber.StatusOK},
		{"lowercase bearer", string(hash), map[string]string{"Authorization": "bearer s3cret-key"}, fiber.StatusOK},
		{"missing", string(hash), nil, fiber.StatusUnauthorized},
		{"wrong key", string(hash), map[string]string{"X-API-Key": "guess"}, fiber.StatusUnauthorized},
		{"basic auth is not a key", string(hash), map[string]string{"Authorization": "Basic czNjcmV0LWtleQ=="}, fiber.StatusUnauthorized},
		{"corrupt hash", "not-a-bcrypt-hash", map[string]string{"X-API-Key": "s3cret-key"}, fiber.StatusUnauthorized},
		{"disabled", "", map[string]string{"X-API-Key": "s3cret-key"}, fiber.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/admin", AdminAPIKeyMiddleware(tt.hash), func(c *fiber.Ctx) error {
				assert.Equal(t, true, c.Locals(KeyAdminAuthenticated))
				return c.SendStatus(fiber.StatusOK)
			})

			req := httptest.NewRequest(fiber.MethodGet, "/admin", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}
