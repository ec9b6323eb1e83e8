package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/segbox/internal/middleware"
	"github.com/andresmejia3/segbox/internal/store"
	"github.com/andresmejia3/segbox/internal/types"
	"github.com/andresmejia3/segbox/internal/worker"
)

type ErrorHandler struct {
	logger *logrus.Logger
}

func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// StatusFor maps a domain error onto the HTTP status the API reports for it.
func StatusFor(err error) int {
	var (
		fe   *fiber.Error
		verr *types.ValidationError
		werr *worker.WorkerError
		terr *types.TransportError
	)
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.As(err, &verr):
		return fiber.StatusBadRequest
	case errors.Is(err, store.ErrImageNotFound):
		return fiber.StatusNotFound
	case errors.As(err, &werr):
		if werr.Kind == worker.KindTimeout {
			return fiber.StatusGatewayTimeout
		}
		return fiber.StatusBadGateway
	case errors.As(err, &terr):
		return fiber.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	case types.IsState(err), errors.Is(err, types.ErrCancelled):
		return fiber.StatusConflict
	}
	return fiber.StatusInternalServerError
}

// Handle logs err against the request and writes {"error": ...} with the mapped status.
func (h *ErrorHandler) Handle(c *fiber.Ctx, requestID string, err error, operation string) error {
	status := StatusFor(err)
	entry := h.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"error":      err.Error(),
		"status":     status,
		"path":       c.Path(),
		"operation":  operation,
	})

	if status == fiber.StatusInternalServerError {
		entry.Error("Unexpected error")
		return c.Status(status).JSON(fiber.Map{"error": "An unexpected error occurred"})
	}
	if status >= 500 {
		entry.Error("Operation failed")
	} else {
		entry.Warn("Operation rejected")
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func (h *ErrorHandler) HandleValidationError(c *fiber.Ctx, requestID string, err error) error {
	h.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"error":      err.Error(),
		"path":       c.Path(),
	}).Warn("Validation failed")

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "Validation failed: " + err.Error(),
	})
}

// FiberErrorHandler renders errors that escape handlers (unknown routes, body limits) in the same shape.
func FiberErrorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	h := NewErrorHandler(logger)
	return func(c *fiber.Ctx, err error) error {
		return h.Handle(c, middleware.GetRequestID(c), err, "fiber")
	}
}
