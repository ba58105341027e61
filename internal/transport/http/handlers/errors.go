package handlers

import (
	"errors"
	"strconv"

	"github.com/clusterd/backend/internal/core/services"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/clusterd/backend/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrRequestNotFound),
		errors.Is(err, services.ErrStageNotFound),
		errors.Is(err, services.ErrTaskNotFound),
		errors.Is(err, services.ErrHostNotFound),
		errors.Is(err, services.ErrComponentNotFound),
		errors.Is(err, services.ErrKeytabNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrRequestFinished),
		errors.Is(err, services.ErrRequestNotFinished),
		errors.Is(err, services.ErrNothingToRetry),
		errors.Is(err, services.ErrInvalidResolution):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrConfiguration),
		errors.Is(err, services.ErrServiceInvalidInput),
		errors.Is(err, services.ErrUnsupportedCommand),
		errors.Is(err, services.ErrKerberosInvalidInput),
		errors.Is(err, services.ErrHostInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrTopology),
		errors.Is(err, services.ErrMissingCredential):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, services.ErrHostUnavailable):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError logs err under event and writes it with the mapped status.
func respondError(c *fiber.Ctx, log *logger.Logger, event string, err error, keysAndValues ...interface{}) error {
	code := statusFor(err)
	kv := append([]interface{}{"status", code, "error", err}, keysAndValues...)
	if code >= fiber.StatusInternalServerError {
		log.Errorw(event, kv...)
	} else {
		log.Warnw(event, kv...)
	}
	return c.Status(code).JSON(dto.ErrorResponse{Error: err.Error()})
}

func badRequest(c *fiber.Ctx, msg string, details ...string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg, Details: details})
}

func paramInt64(c *fiber.Ctx, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
