package api

import (
	"github.com/andresmejia3/segbox/internal/geometry"
	"github.com/andresmejia3/segbox/internal/types"
)

// BoxDTO is a rectangle in image pixels. Negative sizes are allowed and normalized.
type BoxDTO struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width" validate:"required"`
	Height float64 `json:"height" validate:"required"`
}

func (b BoxDTO) Rect() types.Rect {
	return types.Rect{X: b.X, Y: b.Y, Width: b.Width, Height: b.Height}
}

type NewBoxRequest struct {
	ImagePath    string `json:"imagePath,omitempty" validate:"required_without=ImageID"`
	ImageID      string `json:"imageId,omitempty" validate:"required_without=ImagePath"`
	Box          BoxDTO `json:"box"`
	ModelVariant string `json:"modelVariant"`
}

type NewBoxResponse struct {
	Mask  string `json:"mask"`
	JobID string `json:"jobId"`
	BoxID int    `json:"boxId"`
}

type LoadImageRequest struct {
	ImagePath string `json:"imagePath" validate:"required_without=ImageID"`
	ImageID   string `json:"imageId" validate:"required_without=ImagePath"`
}

type PointerRequest struct {
	Type string  `json:"type" validate:"required,oneof=down move up abort"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type PointerResponse struct {
	Accepted bool               `json:"accepted"`
	Box      *types.BoundingBox `json:"box,omitempty"`
	JobID    string             `json:"jobId,omitempty"`
	Version  uint64             `json:"version"`
}

// ZoomRequest either steps the zoom (direction) or sets it outright (scale, origin).
type ZoomRequest struct {
	Direction string       `json:"direction" validate:"omitempty,oneof=in out"`
	Scale     *float64     `json:"scale" validate:"required_without=Direction,omitempty,gt=0"`
	Origin    *types.Point `json:"origin"`
}

type ModelRequest struct {
	ModelVariant string `json:"modelVariant" validate:"required"`
}

type ModelResponse struct {
	ModelVariant string   `json:"modelVariant"`
	Variants     []string `json:"variants"`
}

type SessionState struct {
	Image        *types.Image        `json:"image,omitempty"`
	Viewport     geometry.Viewport   `json:"viewport"`
	ModelVariant string              `json:"modelVariant"`
	Variants     []string            `json:"variants"`
	Boxes        []types.BoundingBox `json:"boxes"`
	Busy         bool                `json:"busy"`
	QueueDepth   int                 `json:"queueDepth"`
	Version      uint64              `json:"version"`
}

// JobResponse is a job plus its encoded mask once it has one.
type JobResponse struct {
	types.InferenceJob
	Mask string `json:"mask,omitempty"`
}

func jobResponse(job types.InferenceJob) JobResponse {
	r := JobResponse{InferenceJob: job}
	if job.Result != nil {
		r.Mask = job.Result.Encoded
	}
	return r
}

type UploadResponse struct {
	Message string `json:"message"`
	Path    string `json:"path"`
	ID      string `json:"id"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}
