package types

import (
	"image"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Rect
		want Rect
	}{
		{"already normal", Rect{10, 10, 100, 100}, Rect{10, 10, 100, 100}},
		{"dragged up-left", Rect{110, 110, -100, -100}, Rect{10, 10, 100, 100}},
		{"negative width only", Rect{50, 5, -20, 10}, Rect{30, 5, 20, 10}},
		{"negative height only", Rect{5, 50, 10, -20}, Rect{5, 30, 10, 20}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			if got != tt.want {
				t.Errorf("Normalize() = %v, want %v", got, tt.want)
			}
			if got.Width < 0 || got.Height < 0 {
				t.Errorf("Normalize() left a negative extent: %v", got)
			}
			if got.Area() != tt.in.Area() {
				t.Errorf("Area changed from %v to %v", tt.in.Area(), got.Area())
			}
		})
	}
}

func TestCorners(t *testing.T) {
	x0, y0, x1, y1 := Rect{X: 10, Y: 10, Width: 100, Height: 100}.Corners()
	if x0 != 10 || y0 != 10 || x1 != 110 || y1 != 110 {
		t.Errorf("Expected 10,10,110,110 got %d,%d,%d,%d", x0, y0, x1, y1)
	}

	got := Rect{X: 9.6, Y: 0.2, Width: 0.3, Height: 4}.PixelBounds()
	if got != image.Rect(10, 0, 10, 4) || !got.Empty() {
		t.Errorf("Expected an empty pixel rect, got %v", got)
	}
}

func TestJobStateTerminal(t *testing.T) {
	for _, s := range []JobState{JobSucceeded, JobFailed, JobCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobState{JobQueued, JobRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
