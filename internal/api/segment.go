package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// NewBox commits one box on an uploaded image and answers once its mask is ready.
func (h *Handler) NewBox(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)

	var req NewBoxRequest
	if ok, err := h.parse(ctx, requestID, &req); !ok {
		return err
	}

	path, err := h.resolveImage(ctx.UserContext(), req.ImagePath, req.ImageID)
	if err != nil {
		return h.errs.Handle(ctx, requestID, err, "resolve_image")
	}

	c, cancel := context.WithTimeout(ctx.UserContext(), h.opts.RequestTimeout)
	defer cancel()

	h.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"image":      path,
		"box":        req.Box,
		"model":      req.ModelVariant,
	}).Debug("Processing segmentation request")

	job, box, err := h.session.Segment(c, path, req.Box.Rect(), req.ModelVariant)
	if err != nil {
		return h.errs.Handle(ctx, requestID, err, "segment")
	}

	resp := NewBoxResponse{JobID: job.ID, BoxID: box.ID}
	if job.Result != nil {
		resp.Mask = job.Result.Encoded
	}
	return ctx.JSON(resp)
}
