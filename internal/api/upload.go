package api

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/segbox/internal/store"
	"github.com/andresmejia3/segbox/internal/types"
	"github.com/andresmejia3/segbox/internal/utils"
)

var errNoCatalog = fiber.NewError(fiber.StatusNotFound, "image catalog is not configured")

// allowedMIME maps a declared content type to the decoder format it must match.
var allowedMIME = map[string]string{
	"image/jpeg": "jpeg",
	"image/jpg":  "jpeg",
	"image/png":  "png",
}

var extForFormat = map[string]string{
	"jpeg": ".jpg",
	"png":  ".png",
}

// Upload stores a JPEG or PNG under the upload dir with a ULID name and
// records it in the catalog when one is configured.
func (h *Handler) Upload(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)

	file, err := ctx.FormFile("file")
	if err != nil {
		return h.errs.Handle(ctx, requestID, &types.ValidationError{Field: "file", Reason: "no file uploaded"}, "upload")
	}
	mime, err := h.validateUpload(file)
	if err != nil {
		return h.errs.Handle(ctx, requestID, err, "validate_upload")
	}

	data, err := readUpload(file)
	if err != nil {
		return h.errs.Handle(ctx, requestID, err, "read_upload")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return h.errs.Handle(ctx, requestID, &types.ValidationError{Field: "file", Reason: "not a decodable image"}, "decode_upload")
	}
	if format != allowedMIME[mime] {
		return h.errs.Handle(ctx, requestID, &types.ValidationError{Field: "file", Reason: fmt.Sprintf("declared %s but content is %s", mime, format)}, "decode_upload")
	}

	id, err := utils.NewULID(time.Now())
	if err != nil {
		return h.errs.Handle(ctx, requestID, err, "upload")
	}
	dir, err := filepath.Abs(h.opts.UploadDir)
	if err != nil {
		return h.errs.Handle(ctx, requestID, err, "upload")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return h.errs.Handle(ctx, requestID, err, "upload")
	}
	dst := filepath.Join(dir, id+extForFormat[format])
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return h.errs.Handle(ctx, requestID, err, "save_upload")
	}

	if h.opts.Catalog != nil {
		rec := store.ImageRecord{ID: id, Path: dst, MIME: mime, Width: cfg.Width, Height: cfg.Height}
		if err := h.opts.Catalog.RegisterImage(ctx.UserContext(), rec); err != nil {
			os.Remove(dst)
			return h.errs.Handle(ctx, requestID, fmt.Errorf("failed to register image: %w", err), "register_image")
		}
	}

	h.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"id":         id,
		"path":       dst,
		"size":       file.Size,
	}).Info("Image uploaded")

	return ctx.JSON(UploadResponse{
		Message: "File uploaded successfully",
		Path:    dst,
		ID:      id,
		Width:   cfg.Width,
		Height:  cfg.Height,
	})
}

func (h *Handler) validateUpload(file *multipart.FileHeader) (string, error) {
	if file.Size > h.opts.MaxFileSize {
		return "", &types.ValidationError{Field: "file", Reason: fmt.Sprintf("file too large, maximum size is %d bytes", h.opts.MaxFileSize)}
	}
	mime := strings.ToLower(file.Header.Get("Content-Type"))
	if _, ok := allowedMIME[mime]; !ok {
		return "", &types.ValidationError{Field: "file", Reason: "only JPEG and PNG images are allowed"}
	}
	return mime, nil
}

func readUpload(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// ListImages returns the catalog, newest first.
func (h *Handler) ListImages(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)

	if h.opts.Catalog == nil {
		return h.errs.Handle(ctx, requestID, errNoCatalog, "list_images")
	}
	images, err := h.opts.Catalog.ListImages(ctx.UserContext())
	if err != nil {
		return h.errs.Handle(ctx, requestID, err, "list_images")
	}
	if images == nil {
		images = []store.ImageRecord{}
	}
	return ctx.JSON(images)
}
