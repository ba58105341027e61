package handlers

import (
	"github.com/clusterd/backend/internal/core/services"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/clusterd/backend/internal/transport/http/dto"
	"github.com/clusterd/backend/internal/transport/http/middleware"
	"github.com/gofiber/fiber/v2"
)

// AgentHandler is the surface agents talk to: registration, the heartbeat
// that carries command reports back and pending commands out, and keytab
// downloads after a Kerberos enable.
type AgentHandler struct {
	hosts   *services.HostService
	keytabs *services.KerberosActions
	logger  *logger.Logger
}

func NewAgentHandler(hosts *services.HostService, keytabs *services.KerberosActions, logger *logger.Logger) *AgentHandler {
	return &AgentHandler{hosts: hosts, keytabs: keytabs, logger: logger}
}

func (h *AgentHandler) Register(c *fiber.Ctx) error {
	var req dto.RegisterHostRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("agent_register_body_parse_failed", "error", err)
		return badRequest(c, "invalid request body")
	}
	if errs := req.Validate(); len(errs) > 0 {
		return badRequest(c, "validation failed", errs...)
	}

	if err := h.checkHost(c, req.Name); err != nil {
		return err
	}

	host, err := h.hosts.RegisterHost(c.UserContext(), services.RegisterHostInput{
		Name:         req.Name,
		IP:           req.IP,
		AgentVersion: req.AgentVersion,
	})
	if err != nil {
		return respondError(c, h.logger, "agent_register_failed", err, "host", req.Name)
	}
	return c.JSON(host)
}

func (h *AgentHandler) Heartbeat(c *fiber.Ctx) error {
	var req dto.HeartbeatRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("agent_heartbeat_body_parse_failed", "error", err)
		return badRequest(c, "invalid request body")
	}
	if req.Host == "" {
		return badRequest(c, "host is required")
	}
	if err := h.checkHost(c, req.Host); err != nil {
		return err
	}

	resp, err := h.hosts.Heartbeat(c.UserContext(), services.HeartbeatInput{
		Host:    req.Host,
		Reports: req.Reports,
		Stats:   req.Stats,
	})
	if err != nil {
		return respondError(c, h.logger, "agent_heartbeat_failed", err, "host", req.Host)
	}
	return c.JSON(resp)
}

func (h *AgentHandler) GetKeytab(c *fiber.Ctx) error {
	host, principal := c.Query("host"), c.Query("principal")
	if host == "" || principal == "" {
		return badRequest(c, "host and principal are required")
	}
	if err := h.checkHost(c, host); err != nil {
		return err
	}
	data, err := h.keytabs.FetchKeytab(host, principal)
	if err != nil {
		return respondError(c, h.logger, "agent_keytab_fetch_failed", err, "host", host, "principal", principal)
	}
	h.logger.Infow("agent_keytab_fetched", "host", host, "principal", principal)
	c.Set(fiber.HeaderContentType, "application/octet-stream")
	return c.Send(data)
}

// checkHost rejects agents acting for a host other than the one they declared.
func (h *AgentHandler) checkHost(c *fiber.Ctx, host string) error {
	bound := middleware.AgentHost(c)
	if bound == "" || bound == host {
		return nil
	}
	h.logger.Warnw("agent_host_mismatch", "agent_host", bound, "host", host, "path", c.Path())
	return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "agent host mismatch"})
}
