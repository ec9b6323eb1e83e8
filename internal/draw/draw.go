package draw

import (
	"fmt"
	"sync"

	"github.com/andresmejia3/segbox/internal/geometry"
	"github.com/andresmejia3/segbox/internal/types"
)

// State of the drawing tool.
type State int

const (
	Idle State = iota
	Drawing
)

func (s State) String() string {
	if s == Drawing {
		return "drawing"
	}
	return "idle"
}

// BoxAdder commits and withdraws boxes. Implemented by annotation.Store.
type BoxAdder interface {
	Generation() uint64
	AddTo(generation uint64, r types.Rect) (types.BoundingBox, error)
	Remove(id int) bool
}

// Submitter queues one inference job per box. Implemented by scheduler.Scheduler.
type Submitter interface {
	Submit(boxID int, modelVariant string) (string, error)
}

// Commit is the outcome of a drag that produced a box.
type Commit struct {
	Box   types.BoundingBox
	JobID string
}

// Machine turns pointer events into committed boxes. Points arrive in screen
// space and are stored in image space, so zooming mid-drag is harmless.
type Machine struct {
	mu      sync.Mutex
	boxes   BoxAdder
	jobs    Submitter
	state   State
	gen     uint64
	anchor  types.Point
	current types.Point
}

func New(boxes BoxAdder, jobs Submitter) *Machine {
	return &Machine{boxes: boxes, jobs: jobs}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PointerDown starts a drag. It reports false if a drag is already in progress.
func (m *Machine) PointerDown(p types.Point, vp geometry.Viewport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle {
		return false
	}
	m.gen = m.boxes.Generation()
	m.anchor = vp.ToImage(p)
	m.current = m.anchor
	m.state = Drawing
	return true
}

// PointerMove updates the live preview. It never touches the store.
func (m *Machine) PointerMove(p types.Point, vp geometry.Viewport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Drawing {
		return false
	}
	m.current = vp.ToImage(p)
	return true
}

// PointerUp ends the drag. A box whose pixel-rounded area is zero is discarded
// with a ValidationError, and a drag that started on a since-replaced image with
// a StateError. Otherwise the box is committed and submitted exactly once; if
// the submission fails the box is withdrawn again.
// It returns nil, nil when no drag was in progress.
func (m *Machine) PointerUp(p types.Point, vp geometry.Viewport, modelVariant string) (*Commit, error) {
	m.mu.Lock()
	if m.state != Drawing {
		m.mu.Unlock()
		return nil, nil
	}
	rect := types.RectFromPoints(m.anchor, vp.ToImage(p)).Normalize()
	gen := m.gen
	m.state = Idle
	m.mu.Unlock()

	if px := rect.PixelBounds(); px.Dx() <= 0 || px.Dy() <= 0 {
		return nil, &types.ValidationError{Field: "box", Reason: fmt.Sprintf("%.1fx%.1f covers no whole pixel", rect.Width, rect.Height)}
	}

	box, err := m.boxes.AddTo(gen, rect)
	if err != nil {
		return nil, fmt.Errorf("drag started on a replaced image: %w", err)
	}
	jobID, err := m.jobs.Submit(box.ID, modelVariant)
	if err != nil {
		m.boxes.Remove(box.ID)
		return nil, fmt.Errorf("box %d not submitted: %w", box.ID, err)
	}
	return &Commit{Box: box, JobID: jobID}, nil
}

// Abort drops an in-progress drag without committing anything.
func (m *Machine) Abort() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.state == Drawing
	m.state = Idle
	return was
}

// Preview is the normalized live rectangle in image space while drawing.
func (m *Machine) Preview() (types.Rect, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Drawing {
		return types.Rect{}, false
	}
	return types.RectFromPoints(m.anchor, m.current).Normalize(), true
}
