package handlers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/clusterd/backend/internal/core/services"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/gofiber/contrib/websocket"
)

// RequestStreamHandler pushes request status snapshots over a websocket
// until the request reaches a terminal status or the client goes away.
type RequestStreamHandler struct {
	service  *services.RequestService
	logger   *logger.Logger
	interval time.Duration
}

func NewRequestStreamHandler(service *services.RequestService, logger *logger.Logger, interval time.Duration) *RequestStreamHandler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &RequestStreamHandler{service: service, logger: logger, interval: interval}
}

func (h *RequestStreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	idStr := c.Params("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		h.logger.Warnw("request_stream_invalid_id", "id", idStr)
		_ = c.WriteMessage(websocket.TextMessage, []byte("Error: invalid request id"))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// reader goroutine notices client disconnects
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Infow("request_stream_start", "request_id", id)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		summary, err := h.service.GetRequestStatus(ctx, id)
		if err != nil {
			h.logger.Warnw("request_stream_status_failed", "request_id", id, "error", err)
			_ = c.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("Error: %v", err)))
			return
		}
		if err := c.WriteJSON(summary); err != nil {
			h.logger.Debugw("request_stream_write_failed", "request_id", id, "error", err)
			return
		}
		if summary.Request.Status.IsTerminal() {
			h.logger.Infow("request_stream_done", "request_id", id, "status", summary.Request.Status)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
