package api

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/segbox/internal/middleware"
	"github.com/andresmejia3/segbox/internal/session"
	"github.com/andresmejia3/segbox/internal/store"
)

// Catalog is the persistent list of uploaded images. Implemented by store.Store.
type Catalog interface {
	RegisterImage(ctx context.Context, rec store.ImageRecord) error
	ListImages(ctx context.Context) ([]store.ImageRecord, error)
	GetImage(ctx context.Context, id string) (store.ImageRecord, error)
}

type Options struct {
	Catalog        Catalog // optional
	UploadDir      string
	MaxFileSize    int64
	RequestTimeout time.Duration
}

type Handler struct {
	log        *logrus.Logger
	validator  *validator.Validate
	middleware middleware.Middleware
	session    *session.Session
	errs       *ErrorHandler
	opts       Options
}

func New(
	log *logrus.Logger,
	validator *validator.Validate,
	middleware middleware.Middleware,
	sess *session.Session,
	opts Options,
) *Handler {
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 5 * 1024 * 1024
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	return &Handler{
		log:        log,
		validator:  validator,
		middleware: middleware,
		session:    sess,
		errs:       NewErrorHandler(log),
		opts:       opts,
	}
}

func (h *Handler) Start(srv fiber.Router) {
	wsMiddleware := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}

	srv.Post("/new-box", h.middleware.NewRateLimiter, h.NewBox)
	srv.Post("/upload", h.middleware.NewRateLimiter, h.Upload)
	srv.Get("/images", h.ListImages)

	srv.Get("/session", h.State)
	s := srv.Group("/session")
	s.Put("/image", h.LoadImage)
	s.Post("/pointer", h.Pointer)
	s.Put("/zoom", h.Zoom)
	s.Get("/model", h.Model)
	s.Put("/model", h.SetModel)
	s.Get("/boxes", h.Boxes)
	s.Delete("/boxes", h.ClearBoxes)
	s.Delete("/boxes/:id", h.RemoveBox)
	s.Get("/jobs", h.Jobs)
	s.Get("/jobs/:id", h.Job)
	s.Get("/canvas", h.Canvas)
	s.Use("/events", wsMiddleware)
	s.Get("/events", websocket.New(h.handleEvents))
}

// parse decodes and validates a JSON body, writing the 400 itself on failure.
func (h *Handler) parse(ctx *fiber.Ctx, requestID string, req interface{}) (bool, error) {
	if err := ctx.BodyParser(req); err != nil {
		return false, h.errs.HandleValidationError(ctx, requestID, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return false, h.errs.HandleValidationError(ctx, requestID, err)
	}
	return true, nil
}

var errOutsideUploads = fiber.NewError(fiber.StatusForbidden, "image path must be inside the upload directory")

// resolveImage turns a catalog id or a path into a path the worker may read.
// Paths must resolve, symlinks included, to a file under the upload dir.
func (h *Handler) resolveImage(ctx context.Context, path, id string) (string, error) {
	if id != "" {
		if h.opts.Catalog == nil {
			return "", errNoCatalog
		}
		rec, err := h.opts.Catalog.GetImage(ctx, id)
		if err != nil {
			return "", err
		}
		return rec.Path, nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errOutsideUploads
	}
	root, err := filepath.Abs(h.opts.UploadDir)
	if err != nil {
		return "", errOutsideUploads
	}
	rel, err := filepath.Rel(realPath(root), realPath(abs))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideUploads
	}
	return abs, nil
}

// realPath follows symlinks as far as the path exists.
func realPath(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	if d, err := filepath.EvalSymlinks(filepath.Dir(p)); err == nil {
		return filepath.Join(d, filepath.Base(p))
	}
	return p
}
