package draw

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/andresmejia3/segbox/internal/annotation"
	"github.com/andresmejia3/segbox/internal/geometry"
	"github.com/andresmejia3/segbox/internal/types"
)

type countingSubmitter struct {
	boxes []int
	err   error
}

func (c *countingSubmitter) Submit(boxID int, _ string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.boxes = append(c.boxes, boxID)
	return "job-" + types.BoxLabel(boxID), nil
}

func newMachine() (*Machine, *annotation.Store, *countingSubmitter) {
	store := annotation.New()
	store.ReplaceImage(types.Image{Path: "/data/a.png", Width: 800, Height: 600})
	sub := &countingSubmitter{}
	return New(store, sub), store, sub
}

func pt(x, y float64) types.Point { return types.Point{X: x, Y: y} }

func TestDragCommitsAndSubmitsOnce(t *testing.T) {
	m, store, sub := newMachine()
	vp := geometry.DefaultViewport()

	if !m.PointerDown(pt(10, 10), vp) {
		t.Fatal("PointerDown ignored while idle")
	}
	m.PointerMove(pt(50, 50), vp)
	m.PointerMove(pt(110, 110), vp)
	if len(store.List()) != 0 {
		t.Fatal("Moves must not touch the store")
	}
	if r, ok := m.Preview(); !ok || r.Width != 100 {
		t.Errorf("Unexpected preview %+v %v", r, ok)
	}

	c, err := m.PointerUp(pt(110, 110), vp, "medsam")
	if err != nil {
		t.Fatalf("PointerUp failed: %v", err)
	}
	want := types.Rect{X: 10, Y: 10, Width: 100, Height: 100}
	if c.Box.Rect != want || c.Box.ID != 1 || c.JobID == "" {
		t.Errorf("Unexpected commit %+v", c)
	}
	if m.State() != Idle {
		t.Error("Machine did not return to idle")
	}

	// A stray second pointer-up must not submit the box again.
	if c2, err := m.PointerUp(pt(110, 110), vp, "medsam"); c2 != nil || err != nil {
		t.Errorf("Expected no-op, got %+v %v", c2, err)
	}
	if len(sub.boxes) != 1 || sub.boxes[0] != 1 {
		t.Errorf("Expected exactly one submission for box 1, got %v", sub.boxes)
	}
}

func TestNestedPointerDownIgnored(t *testing.T) {
	m, _, _ := newMachine()
	vp := geometry.DefaultViewport()

	m.PointerDown(pt(10, 10), vp)
	if m.PointerDown(pt(300, 300), vp) {
		t.Error("Second PointerDown should be ignored while drawing")
	}
	c, _ := m.PointerUp(pt(20, 20), vp, "")
	if c.Box.X != 10 || c.Box.Y != 10 {
		t.Errorf("Anchor moved: %+v", c.Box.Rect)
	}
}

func TestZeroAreaDiscarded(t *testing.T) {
	tests := []struct {
		name string
		up   types.Point
	}{
		{"click", pt(40, 40)},
		{"horizontal line", pt(90, 40)},
		{"sub-pixel", pt(40.3, 40.3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, sub := newMachine()
			vp := geometry.DefaultViewport()
			m.PointerDown(pt(40, 40), vp)

			c, err := m.PointerUp(tt.up, vp, "")
			if c != nil || !types.IsValidation(err) {
				t.Fatalf("Expected ValidationError, got %+v %v", c, err)
			}
			if len(store.List()) != 0 || len(sub.boxes) != 0 {
				t.Error("Discarded box reached the store or the scheduler")
			}
			if m.State() != Idle {
				t.Error("Machine should be idle after a discarded drag")
			}
		})
	}
}

func TestNegativeDragsNormalize(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	vp, _ := geometry.NewViewport(1.7, pt(13, -4))

	for i := 0; i < 200; i++ {
		m, _, _ := newMachine()
		a := pt(rng.Float64()*1000, rng.Float64()*1000)
		b := pt(rng.Float64()*1000, rng.Float64()*1000)

		m.PointerDown(a, vp)
		c, err := m.PointerUp(b, vp, "")
		if err != nil {
			continue // degenerate draw
		}

		ia, ib := vp.ToImage(a), vp.ToImage(b)
		r := c.Box.Rect
		if r.Width < 0 || r.Height < 0 {
			t.Fatalf("Negative size after commit: %+v", r)
		}
		const eps = 1e-9
		if math.Abs(r.X-math.Min(ia.X, ib.X)) > eps || math.Abs(r.Y-math.Min(ia.Y, ib.Y)) > eps ||
			math.Abs(r.X+r.Width-math.Max(ia.X, ib.X)) > eps || math.Abs(r.Y+r.Height-math.Max(ia.Y, ib.Y)) > eps {
			t.Fatalf("Region changed: drag %v->%v committed %+v", ia, ib, r)
		}
	}
}

func TestZoomedDragMapsToImageSpace(t *testing.T) {
	m, _, _ := newMachine()
	vp := geometry.DefaultViewport().ZoomIn().ZoomIn() // 1.44

	m.PointerDown(vp.ToScreen(pt(10, 10)), vp)
	c, err := m.PointerUp(vp.ToScreen(pt(110, 110)), vp, "")
	if err != nil {
		t.Fatal(err)
	}
	if x0, y0, x1, y1 := c.Box.Corners(); x0 != 10 || y0 != 10 || x1 != 110 || y1 != 110 {
		t.Errorf("Expected 10,10,110,110, got %d,%d,%d,%d", x0, y0, x1, y1)
	}
}

func TestSubmitErrorWithdrawsBox(t *testing.T) {
	m, store, sub := newMachine()
	sub.err = &types.StateError{What: "box", ID: "1"}
	vp := geometry.DefaultViewport()

	m.PointerDown(pt(0, 0), vp)
	c, err := m.PointerUp(pt(20, 20), vp, "")
	var se *types.StateError
	if !errors.As(err, &se) {
		t.Fatalf("Expected wrapped StateError, got %v", err)
	}
	if c != nil {
		t.Errorf("Expected no commit, got %+v", c)
	}
	if len(store.List()) != 0 {
		t.Error("A box without a job must not stay in the store")
	}

	// The withdrawn id is not reused.
	sub.err = nil
	m.PointerDown(pt(0, 0), vp)
	if c, err := m.PointerUp(pt(20, 20), vp, ""); err != nil || c.Box.ID != 2 {
		t.Errorf("Expected box 2, got %+v %v", c, err)
	}
}

func TestDragAcrossImageChangeRejected(t *testing.T) {
	m, store, sub := newMachine()
	vp := geometry.DefaultViewport()

	m.PointerDown(pt(10, 10), vp)
	store.ReplaceImage(types.Image{Path: "/data/b.png", Width: 640, Height: 480})
	c, err := m.PointerUp(pt(110, 110), vp, "")
	if !types.IsState(err) {
		t.Fatalf("Expected StateError for a drag begun on the old image, got %v", err)
	}
	if c != nil || len(store.List()) != 0 || len(sub.boxes) != 0 {
		t.Errorf("Stale drag leaked: commit %+v, boxes %v, submissions %v", c, store.List(), sub.boxes)
	}
	if m.State() != Idle {
		t.Error("Machine should return to idle")
	}

	// A fresh drag on the new image commits normally.
	m.PointerDown(pt(10, 10), vp)
	if c, err := m.PointerUp(pt(110, 110), vp, ""); err != nil || c.Box.ID != 1 {
		t.Errorf("Expected box 1 on the new image, got %+v %v", c, err)
	}
}

func TestAbort(t *testing.T) {
	m, store, _ := newMachine()
	vp := geometry.DefaultViewport()

	if m.Abort() {
		t.Error("Abort while idle should report false")
	}
	m.PointerDown(pt(0, 0), vp)
	m.PointerMove(pt(50, 50), vp)
	if !m.Abort() {
		t.Error("Abort while drawing should report true")
	}
	if _, ok := m.Preview(); ok {
		t.Error("Preview should vanish after abort")
	}
	if c, err := m.PointerUp(pt(50, 50), vp, ""); c != nil || err != nil {
		t.Error("PointerUp after abort should do nothing")
	}
	if len(store.List()) != 0 {
		t.Error("Aborted drag reached the store")
	}
}
