package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Middleware interface {
	NewRateLimiter(ctx *fiber.Ctx) error
	NewRequestIDMiddleware() fiber.Handler
	NewLoggingMiddleware() fiber.Handler
	GetRequestID(ctx *fiber.Ctx) string
}

type middleware struct {
	rateLimiter *rateLimiter
	log         *logrus.Logger
}

// New builds the middleware set. reqRate and burst bound how often one client
// may submit work.
func New(logger *logrus.Logger, reqRate float64, burst int) Middleware {
	return &middleware{
		rateLimiter: newRateLimiter(rate.Limit(reqRate), burst),
		log:         logger,
	}
}

func (m *middleware) GetRequestID(ctx *fiber.Ctx) string {
	return GetRequestID(ctx)
}

func (m *middleware) NewRequestIDMiddleware() fiber.Handler {
	return NewRequestIDMiddleware()
}

func (m *middleware) NewLoggingMiddleware() fiber.Handler {
	return newLoggingMiddleware(m.log)
}
