package handlers

import (
	"github.com/clusterd/backend/internal/core/services"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/clusterd/backend/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

type HostHandler struct {
	service *services.HostService
	logger  *logger.Logger
}

func NewHostHandler(service *services.HostService, logger *logger.Logger) *HostHandler {
	return &HostHandler{service: service, logger: logger}
}

func (h *HostHandler) ListHosts(c *fiber.Ctx) error {
	hosts, err := h.service.ListHosts(c.UserContext())
	if err != nil {
		return respondError(c, h.logger, "hosts_list_failed", err)
	}
	return c.JSON(hosts)
}

func (h *HostHandler) SetMaintenance(c *fiber.Ctx) error {
	var req dto.MaintenanceRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if errs := req.Validate(); len(errs) > 0 {
		return badRequest(c, "validation failed", errs...)
	}
	name := c.Params("host")
	host, err := h.service.SetHostMaintenance(c.UserContext(), name, req.State)
	if err != nil {
		return respondError(c, h.logger, "host_maintenance_failed", err, "host", name)
	}
	h.logger.Infow("host_maintenance_updated", "host", name, "state", req.State)
	return c.JSON(host)
}
