package types

import (
	"fmt"
	"image"
	"math"
	"time"
)

// Point is a 2D coordinate. Whether it lives in screen or image space is up to the caller.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned rectangle anchored at (X, Y). Width and Height may be
// negative while a drag is in progress.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// RectFromPoints spans the rectangle from anchor a to b without normalizing it.
func RectFromPoints(a, b Point) Rect {
	return Rect{X: a.X, Y: a.Y, Width: b.X - a.X, Height: b.Y - a.Y}
}

// Normalize swaps corners so Width and Height are non-negative. The covered region is unchanged.
func (r Rect) Normalize() Rect {
	if r.Width < 0 {
		r.X += r.Width
		r.Width = -r.Width
	}
	if r.Height < 0 {
		r.Y += r.Height
		r.Height = -r.Height
	}
	return r
}

// Area of the normalized rectangle.
func (r Rect) Area() float64 {
	n := r.Normalize()
	return n.Width * n.Height
}

// Corners returns the worker box x0,y0,x1,y1 rounded to integer pixels,
// with x1 = x0 + width and y1 = y0 + height.
func (r Rect) Corners() (x0, y0, x1, y1 int) {
	n := r.Normalize()
	x0 = int(math.Round(n.X))
	y0 = int(math.Round(n.Y))
	x1 = int(math.Round(n.X + n.Width))
	y1 = int(math.Round(n.Y + n.Height))
	return
}

// PixelBounds is the integer rectangle the worker will actually see.
func (r Rect) PixelBounds() image.Rectangle {
	x0, y0, x1, y1 := r.Corners()
	return image.Rect(x0, y0, x1, y1)
}

// BoundingBox is a committed region of interest on the current image.
type BoundingBox struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
	Rect
}

// BoxLabel is the display label for a box id.
func BoxLabel(id int) string {
	return fmt.Sprintf("box-%d", id)
}

// Image is the raster the user annotates. It is replaced wholesale, never edited.
type Image struct {
	ID     string      `json:"id"`
	Path   string      `json:"path"`
	Width  int         `json:"width"`
	Height int         `json:"height"`
	Raster image.Image `json:"-"`
}

// JobState is the lifecycle state of an InferenceJob.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobState) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// InferenceJob is one request to run the worker against one bounding box.
type InferenceJob struct {
	ID           string      `json:"id"`
	BoxID        int         `json:"box_id"`
	Generation   uint64      `json:"generation"`
	ImagePath    string      `json:"image_path"`
	Box          Rect        `json:"box"`
	ModelVariant string      `json:"model_variant"`
	State        JobState    `json:"state"`
	SubmittedAt  time.Time   `json:"submitted_at"`
	StartedAt    time.Time   `json:"started_at,omitempty"`
	FinishedAt   time.Time   `json:"finished_at,omitempty"`
	Result       *MaskResult `json:"-"`
	Error        string      `json:"error,omitempty"`
}

// MaskResult is the decoded worker artifact for a successful job.
type MaskResult struct {
	JobID   string      `json:"job_id"`
	Data    []byte      `json:"-"`
	Encoded string      `json:"mask"`
	Width   int         `json:"width"`
	Height  int         `json:"height"`
	Raster  image.Image `json:"-"`
}
