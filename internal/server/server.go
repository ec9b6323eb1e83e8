package server

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/segbox/internal/api"
	"github.com/andresmejia3/segbox/internal/middleware"
	"github.com/andresmejia3/segbox/internal/session"
)

type ServerOption func(*Server) error

type Server struct {
	engine     *fiber.App
	log        *logrus.Logger
	middleware middleware.Middleware
	validator  *validator.Validate
	session    *session.Session
	catalog    api.Catalog
	apiOpts    api.Options
	handlers   []handler
}

type handler interface {
	Start(srv fiber.Router)
}

func NewServer(options ...ServerOption) (*Server, error) {
	server := &Server{}

	for _, option := range options {
		if err := option(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if server.engine == nil {
		return nil, fmt.Errorf("fiber app is required")
	}
	if server.log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if server.session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if server.validator == nil {
		server.validator = validator.New()
	}
	if server.middleware == nil {
		server.middleware = middleware.New(server.log, 5, 10)
	}

	return server, nil
}

func WithFiber(fiberApp *fiber.App) ServerOption {
	return func(s *Server) error {
		s.engine = fiberApp
		return nil
	}
}

func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

func WithValidator(validator *validator.Validate) ServerOption {
	return func(s *Server) error {
		s.validator = validator
		return nil
	}
}

// WithMiddleware sets the per-client submission rate. Must follow WithLogger.
func WithMiddleware(reqRate float64, burst int) ServerOption {
	return func(s *Server) error {
		if s.log == nil {
			return fmt.Errorf("logger must be set before middleware")
		}
		s.middleware = middleware.New(s.log, reqRate, burst)
		return nil
	}
}

func WithSession(sess *session.Session) ServerOption {
	return func(s *Server) error {
		s.session = sess
		return nil
	}
}

// WithCatalog enables uploads registration and lookup by image id.
func WithCatalog(catalog api.Catalog) ServerOption {
	return func(s *Server) error {
		s.catalog = catalog
		return nil
	}
}

func WithUploads(dir string, maxFileSize int64) ServerOption {
	return func(s *Server) error {
		s.apiOpts.UploadDir = dir
		s.apiOpts.MaxFileSize = maxFileSize
		return nil
	}
}

func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) error {
		s.apiOpts.RequestTimeout = d
		return nil
	}
}

// RegisterHandler wires routes and middleware. Call once before Run or App.
func (s *Server) RegisterHandler() {
	s.engine.Use(s.middleware.NewRequestIDMiddleware())
	s.engine.Use(s.middleware.NewLoggingMiddleware())

	opts := s.apiOpts
	opts.Catalog = s.catalog
	apiHandlers := api.New(s.log, s.validator, s.middleware, s.session, opts)

	s.setupHealthCheck()
	s.handlers = append(s.handlers, apiHandlers)

	router := s.engine.Group("/api")
	for _, h := range s.handlers {
		h.Start(router)
	}
}

// App exposes the fiber app, mostly for tests.
func (s *Server) App() *fiber.App { return s.engine }

// Run serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.engine.Listen(fmt.Sprintf(":%s", port))
	}()

	s.log.WithField("port", port).Info("Server started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down server...")
	if err := s.engine.ShutdownWithTimeout(10 * time.Second); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) setupHealthCheck() {
	s.engine.Get("/healthz", func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{
			"status":     "ok",
			"busy":       s.session.Busy(),
			"queueDepth": s.session.QueueDepth(),
			"models":     s.session.Variants(),
		})
	})
}
