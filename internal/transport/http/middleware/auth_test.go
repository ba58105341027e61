package middleware

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/clusterd/backend/internal/config"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthApp(cfg *config.Config) *fiber.App {
	a := fiber.New()
	a.Get("/admin", AdminAuth(cfg), func(c *fiber.Ctx) error { return c.SendString("ok") })
	a.Get("/agent", AgentAuth(cfg), func(c *fiber.Ctx) error { return c.SendString(AgentHost(c)) })
	return a
}

func do(t *testing.T, a *fiber.App, path string, headers map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestAdminAuth(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.AdminAPIKey = "admin-secret"
	a := newAuthApp(cfg)

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing", nil, fiber.StatusUnauthorized},
		{"wrong header", map[string]string{HeaderAdminToken: "nope"}, fiber.StatusUnauthorized},
		{"prefix of key", map[string]string{HeaderAdminToken: "admin"}, fiber.StatusUnauthorized},
		{"header", map[string]string{HeaderAdminToken: "admin-secret"}, fiber.StatusOK},
		{"bearer", map[string]string{"Authorization": "Bearer admin-secret"}, fiber.StatusOK},
		{"lowercase bearer", map[string]string{"Authorization": "bearer admin-secret"}, fiber.StatusOK},
		{"agent token header ignored", map[string]string{HeaderAgentToken: "admin-secret"}, fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := do(t, a, "/admin", tt.headers)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestAgentAuth_BindsHost(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.AgentToken = "agent-secret"
	a := newAuthApp(cfg)

	code, _ := do(t, a, "/agent", map[string]string{HeaderAgentHost: "h1"})
	assert.Equal(t, fiber.StatusUnauthorized, code)

	code, body := do(t, a, "/agent", map[string]string{HeaderAgentToken: "agent-secret", HeaderAgentHost: " h1 "})
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "h1", body)

	code, body = do(t, a, "/agent", map[string]string{HeaderAgentToken: "agent-secret"})
	assert.Equal(t, fiber.StatusOK, code)
	assert.Empty(t, body)
}

func TestAuth_DisabledWithoutKeys(t *testing.T) {
	a := newAuthApp(&config.Config{})
	code, _ := do(t, a, "/admin", nil)
	assert.Equal(t, fiber.StatusOK, code)
	code, _ = do(t, a, "/agent", nil)
	assert.Equal(t, fiber.StatusOK, code)
}
