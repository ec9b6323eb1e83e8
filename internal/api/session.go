package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/segbox/internal/geometry"
	"github.com/andresmejia3/segbox/internal/types"
)

func (h *Handler) State(ctx *fiber.Ctx) error {
	st := SessionState{
		Viewport:     h.session.Viewport(),
		ModelVariant: h.session.ModelVariant(),
		Variants:     h.session.Variants(),
		Boxes:        h.session.Boxes(),
		Busy:         h.session.Busy(),
		QueueDepth:   h.session.QueueDepth(),
		Version:      h.session.Version(),
	}
	if img, ok := h.session.Image(); ok {
		st.Image = &img
	}
	if st.Boxes == nil {
		st.Boxes = []types.BoundingBox{}
	}
	return ctx.JSON(st)
}

// LoadImage switches the session to a file path or a catalogued upload.
func (h *Handler) LoadImage(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)

	var req LoadImageRequest
	if ok, err := h.parse(ctx, requestID, &req); !ok {
		return err
	}

	path, err := h.resolveImage(ctx.UserContext(), req.ImagePath, req.ImageID)
	if err != nil {
		return h.errs.Handle(ctx, requestID, err, "load_image")
	}

	img, err := h.session.LoadImage(path)
	if err != nil {
		return h.errs.Handle(ctx, requestID, err, "load_image")
	}
	return ctx.JSON(img)
}

func (h *Handler) Pointer(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)

	var req PointerRequest
	if ok, err := h.parse(ctx, requestID, &req); !ok {
		return err
	}
	p := types.Point{X: req.X, Y: req.Y}

	var resp PointerResponse
	switch req.Type {
	case "down":
		ok, err := h.session.PointerDown(p)
		if err != nil {
			return h.errs.Handle(ctx, requestID, err, "pointer_down")
		}
		resp.Accepted = ok
	case "move":
		resp.Accepted = h.session.PointerMove(p)
	case "abort":
		resp.Accepted = h.session.AbortDrag()
	case "up":
		c, err := h.session.PointerUp(p)
		if err != nil {
			return h.errs.Handle(ctx, requestID, err, "pointer_up")
		}
		if c != nil {
			resp.Accepted = true
			resp.Box = &c.Box
			resp.JobID = c.JobID
			h.log.WithFields(logrus.Fields{
				"request_id": requestID,
				"box_id":     c.Box.ID,
				"job_id":     c.JobID,
			}).Info("Box submitted")
		}
	}
	resp.Version = h.session.Version()
	return ctx.JSON(resp)
}

func (h *Handler) Zoom(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)

	var req ZoomRequest
	if ok, err := h.parse(ctx, requestID, &req); !ok {
		return err
	}

	var (
		vp  geometry.Viewport
		err error
	)
	if req.Direction != "" {
		vp, err = h.session.Zoom(req.Direction)
	} else {
		origin := h.session.Viewport().Origin
		if req.Origin != nil {
			origin = *req.Origin
		}
		vp, err = h.session.SetViewport(*req.Scale, origin)
	}
	if err != nil {
		return h.errs.Handle(ctx, requestID, err, "zoom")
	}
	return ctx.JSON(vp)
}

func (h *Handler) Model(ctx *fiber.Ctx) error {
	return ctx.JSON(ModelResponse{ModelVariant: h.session.ModelVariant(), Variants: h.session.Variants()})
}

func (h *Handler) SetModel(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)

	var req ModelRequest
	if ok, err := h.parse(ctx, requestID, &req); !ok {
		return err
	}
	if err := h.session.SetModelVariant(req.ModelVariant); err != nil {
		return h.errs.Handle(ctx, requestID, err, "set_model")
	}
	return h.Model(ctx)
}

func (h *Handler) Boxes(ctx *fiber.Ctx) error {
	boxes := h.session.Boxes()
	if boxes == nil {
		boxes = []types.BoundingBox{}
	}
	return ctx.JSON(boxes)
}

func (h *Handler) ClearBoxes(ctx *fiber.Ctx) error {
	h.session.Clear("boxes cleared")
	return ctx.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) RemoveBox(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)

	id, err := ctx.ParamsInt("id")
	if err != nil {
		return h.errs.Handle(ctx, requestID, &types.ValidationError{Field: "id", Reason: "must be an integer"}, "remove_box")
	}
	if !h.session.RemoveBox(id) {
		return h.errs.Handle(ctx, requestID, fiber.NewError(fiber.StatusNotFound, "box "+strconv.Itoa(id)+" not found"), "remove_box")
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) Jobs(ctx *fiber.Ctx) error {
	jobs := h.session.Jobs()
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse(j))
	}
	return ctx.JSON(out)
}

func (h *Handler) Job(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)

	job, ok := h.session.Job(ctx.Params("id"))
	if !ok {
		return h.errs.Handle(ctx, requestID, fiber.NewError(fiber.StatusNotFound, "job not found"), "get_job")
	}
	return ctx.JSON(jobResponse(job))
}

// Canvas renders the current scene as a PNG. X-Canvas-Version lets pollers skip unchanged frames.
func (h *Handler) Canvas(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)

	version := h.session.Version()
	data, err := h.session.RenderPNG()
	if err != nil {
		return h.errs.Handle(ctx, requestID, err, "render")
	}
	ctx.Set("X-Canvas-Version", strconv.FormatUint(version, 10))
	ctx.Set(fiber.HeaderContentType, "image/png")
	return ctx.Send(data)
}
