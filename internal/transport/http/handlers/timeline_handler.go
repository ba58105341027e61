package handlers

import (
	"strconv"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/clusterd/backend/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

type TimelineHandler struct {
	repo   ports.TimelineRepository
	logger *logger.Logger
}

func NewTimelineHandler(repo ports.TimelineRepository, logger *logger.Logger) *TimelineHandler {
	return &TimelineHandler{repo: repo, logger: logger}
}

func (h *TimelineHandler) GetEvents(c *fiber.Ctx) error {
	rtype := c.Query("resource_type")
	ridStr := c.Query("resource_id")
	if rtype != "" && ridStr != "" {
		rid64, err := strconv.ParseUint(ridStr, 10, 32)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid resource_id"})
		}
		events, err := h.repo.GetByResource(c.UserContext(), rtype, uint(rid64))
		if err != nil {
			return respondError(c, h.logger, "timeline_get_failed", err, "resource_type", rtype)
		}
		return c.JSON(events)
	}
	events, err := h.repo.GetAll(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		return respondError(c, h.logger, "timeline_get_failed", err)
	}
	return c.JSON(events)
}
