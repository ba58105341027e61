package handlers

import (
	"github.com/clusterd/backend/internal/core/services"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/clusterd/backend/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

// ClusterHandler serves cluster scoped operations: service commands,
// maintenance, topology and the Kerberos toggle.
type ClusterHandler struct {
	commands *services.CustomCommandService
	kerberos *services.KerberosService
	actions  *services.KerberosActions
	hosts    *services.HostService
	logger   *logger.Logger
}

type ClusterHandlerConfig struct {
	Commands        *services.CustomCommandService
	Kerberos        *services.KerberosService
	KerberosActions *services.KerberosActions
	Hosts           *services.HostService
	Logger          *logger.Logger
}

func NewClusterHandler(cfg ClusterHandlerConfig) *ClusterHandler {
	return &ClusterHandler{
		commands: cfg.Commands,
		kerberos: cfg.Kerberos,
		actions:  cfg.KerberosActions,
		hosts:    cfg.Hosts,
		logger:   cfg.Logger,
	}
}

func (h *ClusterHandler) ExecuteServiceCommand(c *fiber.Ctx) error {
	var req dto.ServiceCommandRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("service_command_body_parse_failed", "error", err)
		return badRequest(c, "invalid request body")
	}
	if errs := req.Validate(); len(errs) > 0 {
		return badRequest(c, "validation failed", errs...)
	}

	cluster, service := c.Params("cluster"), c.Params("service")
	h.logger.Infow("service_command_request", "cluster", cluster, "service", service, "command", req.Command)
	created, err := h.commands.ExecuteServiceCommand(c.UserContext(), services.ServiceCommandInput{
		Cluster:    cluster,
		Service:    service,
		Command:    req.Command,
		Components: req.Components,
		Params:     req.Params,
	})
	if err != nil {
		return respondError(c, h.logger, "service_command_failed", err, "cluster", cluster, "service", service)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.NewRequestCreatedResponse(created))
}

func (h *ClusterHandler) SetServiceMaintenance(c *fiber.Ctx) error {
	var req dto.MaintenanceRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if errs := req.Validate(); len(errs) > 0 {
		return badRequest(c, "validation failed", errs...)
	}
	cluster, service := c.Params("cluster"), c.Params("service")
	if err := h.hosts.SetServiceMaintenance(c.UserContext(), cluster, service, req.State); err != nil {
		return respondError(c, h.logger, "service_maintenance_failed", err, "cluster", cluster, "service", service)
	}
	return c.JSON(fiber.Map{"cluster": cluster, "service": service, "maintenance_state": req.State})
}

func (h *ClusterHandler) ListHostComponents(c *fiber.Ctx) error {
	comps, err := h.hosts.ListHostComponents(c.UserContext(), c.Params("cluster"))
	if err != nil {
		return respondError(c, h.logger, "host_components_list_failed", err)
	}
	return c.JSON(comps)
}

func (h *ClusterHandler) AddHostComponent(c *fiber.Ctx) error {
	var req dto.HostComponentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if errs := req.Validate(); len(errs) > 0 {
		return badRequest(c, "validation failed", errs...)
	}
	hc := &domain.HostComponent{
		ClusterName: c.Params("cluster"),
		Service:     req.Service,
		Component:   req.Component,
		HostName:    req.HostName,
	}
	if err := h.hosts.AddHostComponent(c.UserContext(), hc); err != nil {
		return respondError(c, h.logger, "host_component_add_failed", err, "component", req.Component, "host", req.HostName)
	}
	return c.Status(fiber.StatusCreated).JSON(hc)
}

func (h *ClusterHandler) SetComponentMaintenance(c *fiber.Ctx) error {
	var req dto.ComponentMaintenanceRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if errs := req.Validate(); len(errs) > 0 {
		return badRequest(c, "validation failed", errs...)
	}
	cluster := c.Params("cluster")
	if err := h.hosts.SetComponentMaintenance(c.UserContext(), cluster, req.Component, req.HostName, req.State); err != nil {
		return respondError(c, h.logger, "component_maintenance_failed", err, "component", req.Component, "host", req.HostName)
	}
	return c.JSON(dto.SuccessResponse{Message: "maintenance state updated"})
}

func (h *ClusterHandler) ToggleKerberos(c *fiber.Ctx) error {
	var req dto.KerberosToggleRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if errs := req.Validate(); len(errs) > 0 {
		return badRequest(c, "validation failed", errs...)
	}

	cluster := c.Params("cluster")
	h.logger.Infow("kerberos_toggle_request", "cluster", cluster, "enable", req.Enable, "manage_identities", req.ManageIdentities)
	created, err := h.kerberos.Toggle(c.UserContext(), services.ToggleInput{
		Cluster:          cluster,
		Enable:           req.Enable,
		ManageIdentities: req.ManageIdentities,
		Realm:            req.Realm,
		AdminPrincipal:   req.AdminPrincipal,
		AdminPassword:    req.AdminPassword,
	})
	if err != nil {
		return respondError(c, h.logger, "kerberos_toggle_failed", err, "cluster", cluster)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.NewRequestCreatedResponse(created))
}

func (h *ClusterHandler) GetSecurityType(c *fiber.Ctx) error {
	cluster := c.Params("cluster")
	securityType, err := h.actions.SecurityType(c.UserContext(), cluster)
	if err != nil {
		return respondError(c, h.logger, "security_type_get_failed", err, "cluster", cluster)
	}
	return c.JSON(fiber.Map{"cluster": cluster, "security_type": securityType})
}
