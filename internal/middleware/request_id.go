package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/andresmejia3/segbox/internal/utils"
)

const RequestIDKey = "X-Request-ID"

// NewRequestIDMiddleware reuses the caller's X-Request-ID or mints a ULID.
func NewRequestIDMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get(RequestIDKey)
		if requestID == "" {
			requestID, _ = utils.NewULID(time.Now())
		}

		c.Locals(RequestIDKey, requestID)
		c.Set(RequestIDKey, requestID)

		return c.Next()
	}
}

func GetRequestID(ctx *fiber.Ctx) string {
	requestID, ok := ctx.Locals(RequestIDKey).(string)
	if !ok || requestID == "" {
		return "unknown"
	}
	return requestID
}
