package compositor

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/andresmejia3/segbox/internal/geometry"
	"github.com/andresmejia3/segbox/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	boxColor     = color.RGBA{R: 255, A: 255}
	previewColor = color.RGBA{B: 255, A: 255}
	background   = color.RGBA{R: 24, G: 24, B: 24, A: 255}

	// maskPalette colours masks by submission index.
	maskPalette = []color.RGBA{
		{R: 30, G: 144, B: 255, A: 255},
		{R: 50, G: 205, B: 50, A: 255},
		{R: 255, G: 165, B: 0, A: 255},
		{R: 186, G: 85, B: 211, A: 255},
		{R: 255, G: 215, B: 0, A: 255},
		{R: 0, G: 206, B: 209, A: 255},
	}
)

const (
	boxStroke     = 2
	previewStroke = 1
	maskAlpha     = 0x80
	labelDX       = 5
	labelDY       = 15
)

// Scene is everything a frame depends on. Coordinates are in image space;
// the canvas covers the image at Viewport.Scale, and panning is left to the client.
type Scene struct {
	Image    types.Image
	Viewport geometry.Viewport
	Boxes    []types.BoundingBox
	Masks    []image.Image // succeeded results, submission order
	Preview  *types.Rect
}

// Render draws base image, box outlines with labels, mask overlays and the live
// preview, in that order. Same scene in, same pixels out.
func Render(s Scene) *image.RGBA {
	vp := s.Viewport
	if vp.Scale <= 0 || math.IsNaN(vp.Scale) || math.IsInf(vp.Scale, 0) {
		vp = geometry.DefaultViewport()
	}
	w, h := s.Image.Width, s.Image.Height
	if s.Image.Raster != nil && (w == 0 || h == 0) {
		w, h = s.Image.Raster.Bounds().Dx(), s.Image.Raster.Bounds().Dy()
	}
	cw, ch := vp.CanvasSize(w, h)
	canvas := image.NewRGBA(image.Rect(0, 0, cw, ch))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	if s.Image.Raster != nil {
		draw.ApproxBiLinear.Scale(canvas, canvas.Bounds(), s.Image.Raster, s.Image.Raster.Bounds(), draw.Src, nil)
	}

	// Canvas space is image space times scale with no offset.
	cv := geometry.Viewport{Scale: vp.Scale}

	for _, b := range s.Boxes {
		r := cv.RectToScreen(b.Rect).PixelBounds()
		strokeRect(canvas, r, boxStroke, boxColor)
		drawLabel(canvas, r.Min.X+labelDX, r.Min.Y+labelDY, b.Label, boxColor)
	}

	for i, m := range s.Masks {
		if m == nil {
			continue
		}
		overlayMask(canvas, m, maskPalette[i%len(maskPalette)])
	}

	if s.Preview != nil {
		strokeRect(canvas, cv.RectToScreen(s.Preview.Normalize()).PixelBounds(), previewStroke, previewColor)
	}
	return canvas
}

// EncodePNG renders the scene and returns it as PNG bytes.
func EncodePNG(s Scene) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, Render(s)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// overlayMask stretches the mask over the whole canvas and tints every non-zero pixel.
// Worker masks are 0/1 grayscale, so any non-zero sample counts as foreground.
func overlayMask(dst *image.RGBA, mask image.Image, tint color.RGBA) {
	scaled := image.NewGray(dst.Bounds())
	draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), mask, mask.Bounds(), draw.Src, nil)

	alpha := image.NewAlpha(dst.Bounds())
	for i, v := range scaled.Pix {
		if v != 0 {
			alpha.Pix[i] = maskAlpha
		}
	}
	draw.DrawMask(dst, dst.Bounds(), image.NewUniform(tint), image.Point{}, alpha, image.Point{}, draw.Over)
}

func strokeRect(dst *image.RGBA, r image.Rectangle, width int, c color.Color) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width),
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y),
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), src, image.Point{}, draw.Src)
	}
}

func drawLabel(dst *image.RGBA, x, y int, label string, c color.Color) {
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(c), Face: basicfont.Face7x13,
		Dot: fixed.P(x, y)}
	d.DrawString(label)
}
