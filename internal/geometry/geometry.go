package geometry

import (
	"fmt"
	"math"

	"github.com/andresmejia3/segbox/internal/types"
)

const (
	zoomInFactor  = 1.2
	zoomOutFactor = 0.8
)

// ToImageSpace converts a screen point into source-image pixels.
// scale must be positive; origin is the screen position of image pixel (0,0).
func ToImageSpace(p types.Point, scale float64, origin types.Point) types.Point {
	return types.Point{
		X: (p.X - origin.X) / scale,
		Y: (p.Y - origin.Y) / scale,
	}
}

// ToScreenSpace is the inverse of ToImageSpace.
func ToScreenSpace(p types.Point, scale float64, origin types.Point) types.Point {
	return types.Point{
		X: p.X*scale + origin.X,
		Y: p.Y*scale + origin.Y,
	}
}

// Viewport is the current zoom and pan of the canvas.
type Viewport struct {
	Scale  float64     `json:"scale"`
	Origin types.Point `json:"origin"`
}

// DefaultViewport shows the image at natural size.
func DefaultViewport() Viewport {
	return Viewport{Scale: 1}
}

// NewViewport validates the scale.
func NewViewport(scale float64, origin types.Point) (Viewport, error) {
	if err := validScale(scale); err != nil {
		return Viewport{}, err
	}
	return Viewport{Scale: scale, Origin: origin}, nil
}

func validScale(scale float64) error {
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale <= 0 {
		return &types.ValidationError{Field: "scale", Reason: fmt.Sprintf("must be a positive finite number, got %v", scale)}
	}
	return nil
}

func (v Viewport) ToImage(p types.Point) types.Point {
	return ToImageSpace(p, v.Scale, v.Origin)
}

func (v Viewport) ToScreen(p types.Point) types.Point {
	return ToScreenSpace(p, v.Scale, v.Origin)
}

// RectToScreen maps an image-space rectangle onto the canvas.
func (v Viewport) RectToScreen(r types.Rect) types.Rect {
	tl := v.ToScreen(types.Point{X: r.X, Y: r.Y})
	return types.Rect{X: tl.X, Y: tl.Y, Width: r.Width * v.Scale, Height: r.Height * v.Scale}
}

// ZoomIn and ZoomOut step the scale by the factors the editor uses.
func (v Viewport) ZoomIn() Viewport {
	v.Scale *= zoomInFactor
	return v
}

func (v Viewport) ZoomOut() Viewport {
	v.Scale *= zoomOutFactor
	return v
}

// CanvasSize is the pixel size of an image drawn at this scale, at least 1x1.
func (v Viewport) CanvasSize(width, height int) (int, int) {
	w := int(math.Round(float64(width) * v.Scale))
	h := int(math.Round(float64(height) * v.Scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}
