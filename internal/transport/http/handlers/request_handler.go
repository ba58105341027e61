package handlers

import (
	"github.com/clusterd/backend/internal/core/services"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/clusterd/backend/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

type RequestHandler struct {
	service *services.RequestService
	logger  *logger.Logger
}

func NewRequestHandler(service *services.RequestService, logger *logger.Logger) *RequestHandler {
	return &RequestHandler{service: service, logger: logger}
}

func (h *RequestHandler) ListRequests(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	reqs, err := h.service.ListRequests(c.UserContext(), limit)
	if err != nil {
		return respondError(c, h.logger, "requests_list_failed", err)
	}
	return c.JSON(reqs)
}

func (h *RequestHandler) GetRequest(c *fiber.Ctx) error {
	id, ok := paramInt64(c, "id")
	if !ok {
		return badRequest(c, "invalid request id")
	}
	summary, err := h.service.GetRequestStatus(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.logger, "request_get_failed", err, "request_id", id)
	}
	return c.JSON(summary)
}

func (h *RequestHandler) GetStageTasks(c *fiber.Ctx) error {
	id, ok := paramInt64(c, "id")
	if !ok {
		return badRequest(c, "invalid request id")
	}
	stageID, ok := paramInt64(c, "stage")
	if !ok {
		return badRequest(c, "invalid stage id")
	}
	cmds, err := h.service.GetStageHostRoleCommands(c.UserContext(), id, stageID)
	if err != nil {
		return respondError(c, h.logger, "request_stage_tasks_failed", err, "request_id", id, "stage_id", stageID)
	}
	return c.JSON(cmds)
}

func (h *RequestHandler) Abort(c *fiber.Ctx) error {
	id, ok := paramInt64(c, "id")
	if !ok {
		return badRequest(c, "invalid request id")
	}
	var req dto.AbortRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	if req.Reason == "" {
		req.Reason = "aborted by operator"
	}

	h.logger.Infow("request_abort_request", "request_id", id, "reason", req.Reason)
	if err := h.service.Abort(c.UserContext(), id, req.Reason); err != nil {
		return respondError(c, h.logger, "request_abort_failed", err, "request_id", id)
	}
	return c.JSON(dto.SuccessResponse{Message: "request aborted"})
}

func (h *RequestHandler) Retry(c *fiber.Ctx) error {
	id, ok := paramInt64(c, "id")
	if !ok {
		return badRequest(c, "invalid request id")
	}
	retry, err := h.service.RetryFailed(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.logger, "request_retry_failed", err, "request_id", id)
	}
	h.logger.Infow("request_retry_success", "request_id", id, "retry_request_id", retry.ID)
	return c.Status(fiber.StatusAccepted).JSON(dto.NewRequestCreatedResponse(retry))
}

func (h *RequestHandler) ResolveTask(c *fiber.Ctx) error {
	taskID, ok := paramInt64(c, "id")
	if !ok {
		return badRequest(c, "invalid task id")
	}
	var req dto.ResolveTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if errs := req.Validate(); len(errs) > 0 {
		return badRequest(c, "validation failed", errs...)
	}

	if err := h.service.ResolveTask(c.UserContext(), taskID, req.Status); err != nil {
		return respondError(c, h.logger, "task_resolve_failed", err, "task_id", taskID)
	}
	h.logger.Infow("task_resolve_success", "task_id", taskID, "status", req.Status)
	return c.JSON(dto.SuccessResponse{Message: "task resolved"})
}
