package server

import (
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/segbox/internal/api"
)

// NewFiber builds the fiber app. bodyLimit must leave room for the largest upload.
func NewFiber(logger *logrus.Logger, bodyLimit int) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               "segbox",
		BodyLimit:             bodyLimit,
		CaseSensitive:         true,
		DisableStartupMessage: true,
		JSONEncoder:           jsoniter.Marshal,
		JSONDecoder:           jsoniter.Unmarshal,
		ErrorHandler:          api.FiberErrorHandler(logger),
	})
}
