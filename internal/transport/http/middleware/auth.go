package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/clusterd/backend/internal/config"
	"github.com/gofiber/fiber/v2"
)

const (
	HeaderAdminToken = "X-Admin-Token"
	HeaderAgentToken = "X-Agent-Token"
	// HeaderAgentHost names the host an agent speaks for. When present, agent
	// endpoints refuse payloads about any other host.
	HeaderAgentHost = "X-Agent-Host"

	agentHostKey = "agent_host"
)

// AdminAuth guards operator endpoints. An empty admin key disables the check.
func AdminAuth(cfg *config.Config) fiber.Handler {
	return tokenAuth(cfg.Auth.AdminAPIKey, HeaderAdminToken, nil)
}

// AgentAuth guards agent endpoints and records the host the agent claims in
// X-Agent-Host for AgentHost.
func AgentAuth(cfg *config.Config) fiber.Handler {
	return tokenAuth(cfg.Auth.AgentToken, HeaderAgentToken, func(c *fiber.Ctx) {
		if host := strings.TrimSpace(c.Get(HeaderAgentHost)); host != "" {
			c.Locals(agentHostKey, host)
		}
	})
}

// AgentHost returns the host bound to the calling agent, or "" when the agent
// did not declare one.
func AgentHost(c *fiber.Ctx) string {
	host, _ := c.Locals(agentHostKey).(string)
	return host
}

func tokenAuth(expected, header string, onSuccess func(*fiber.Ctx)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if expected != "" && !tokenMatches(presentedToken(c, header), expected) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}
		if onSuccess != nil {
			onSuccess(c)
		}
		return c.Next()
	}
}

// presentedToken prefers the dedicated header and falls back to a bearer token.
func presentedToken(c *fiber.Ctx, header string) string {
	if token := c.Get(header); token != "" {
		return token
	}
	const prefix = "Bearer "
	if auth := c.Get(fiber.HeaderAuthorization); len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
