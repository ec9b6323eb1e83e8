package session

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/segbox/internal/annotation"
	"github.com/andresmejia3/segbox/internal/compositor"
	"github.com/andresmejia3/segbox/internal/draw"
	"github.com/andresmejia3/segbox/internal/geometry"
	"github.com/andresmejia3/segbox/internal/scheduler"
	"github.com/andresmejia3/segbox/internal/types"
	"github.com/andresmejia3/segbox/internal/utils"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Gateway is what the session needs from the worker gateway.
type Gateway interface {
	scheduler.Invoker
	Variants() []string
	DefaultVariant() string
}

// Session is the single logical editing session: one image, its boxes, its
// jobs and the current view. Every method returns without waiting on the worker
// except Segment.
type Session struct {
	mu       sync.Mutex
	viewport geometry.Viewport
	variant  string

	gw      Gateway
	store   *annotation.Store
	machine *draw.Machine
	sched   *scheduler.Scheduler
	log     *logrus.Logger

	version     atomic.Uint64
	unsubscribe func()
}

func New(gw Gateway, log *logrus.Logger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	store := annotation.New()
	sched := scheduler.New(gw, store, log)
	store.SetCanceler(sched)

	s := &Session{
		viewport: geometry.DefaultViewport(),
		variant:  gw.DefaultVariant(),
		gw:       gw,
		store:    store,
		machine:  draw.New(store, sched),
		sched:    sched,
		log:      log,
	}
	// Any job transition may change what the canvas shows.
	s.unsubscribe = sched.Subscribe(func(scheduler.Event) { s.touch() })
	return s
}

func (s *Session) touch() { s.version.Add(1) }

// Version increases whenever anything the canvas depends on changes.
func (s *Session) Version() uint64 { return s.version.Load() }

// LoadImage decodes the file at path and makes it the current image, dropping
// all boxes and cancelling all jobs of the previous one.
func (s *Session) LoadImage(path string) (types.Image, error) {
	img, err := decodeImage(path)
	if err != nil {
		return types.Image{}, err
	}

	s.machine.Abort()
	gen := s.store.ReplaceImage(img)
	s.mu.Lock()
	s.viewport = geometry.DefaultViewport()
	s.mu.Unlock()
	s.touch()

	s.log.WithFields(logrus.Fields{"path": path, "size": fmt.Sprintf("%dx%d", img.Width, img.Height), "generation": gen}).Info("Image loaded")
	return img, nil
}

// EnsureImage loads path unless it is already the current image.
func (s *Session) EnsureImage(path string) (types.Image, error) {
	if cur, ok := s.store.Image(); ok && cur.Path == path {
		return cur, nil
	}
	return s.LoadImage(path)
}

func decodeImage(path string) (types.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Image{}, &types.ValidationError{Field: "imagePath", Reason: err.Error()}
	}
	defer f.Close()

	raster, _, err := image.Decode(f)
	if err != nil {
		return types.Image{}, &types.ValidationError{Field: "imagePath", Reason: fmt.Sprintf("%s is not a supported image: %v", path, err)}
	}
	id, err := utils.GenerateImageID(path)
	if err != nil {
		return types.Image{}, err
	}
	b := raster.Bounds()
	return types.Image{ID: id, Path: path, Width: b.Dx(), Height: b.Dy(), Raster: raster}, nil
}

// Image returns the current image, if any.
func (s *Session) Image() (types.Image, bool) { return s.store.Image() }

func (s *Session) requireImage() error {
	if _, ok := s.store.Image(); !ok {
		return &types.StateError{What: "image", ID: "current"}
	}
	return nil
}

func (s *Session) view() (geometry.Viewport, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport, s.variant
}

// PointerDown starts a drag at a screen point.
func (s *Session) PointerDown(p types.Point) (bool, error) {
	if err := s.requireImage(); err != nil {
		return false, err
	}
	vp, _ := s.view()
	ok := s.machine.PointerDown(p, vp)
	if ok {
		s.touch()
	}
	return ok, nil
}

func (s *Session) PointerMove(p types.Point) bool {
	vp, _ := s.view()
	ok := s.machine.PointerMove(p, vp)
	if ok {
		s.touch()
	}
	return ok
}

// PointerUp ends a drag, committing and submitting the box if it has area.
func (s *Session) PointerUp(p types.Point) (*draw.Commit, error) {
	vp, variant := s.view()
	c, err := s.machine.PointerUp(p, vp, variant)
	s.touch()
	if c != nil {
		s.log.WithFields(logrus.Fields{"box_id": c.Box.ID, "job_id": c.JobID}).Debug("Box committed")
	}
	return c, err
}

func (s *Session) AbortDrag() bool {
	ok := s.machine.Abort()
	if ok {
		s.touch()
	}
	return ok
}

// Zoom steps the scale in or out.
func (s *Session) Zoom(direction string) (geometry.Viewport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch direction {
	case "in":
		s.viewport = s.viewport.ZoomIn()
	case "out":
		s.viewport = s.viewport.ZoomOut()
	default:
		return s.viewport, &types.ValidationError{Field: "direction", Reason: fmt.Sprintf("%q is not in or out", direction)}
	}
	s.touch()
	return s.viewport, nil
}

// SetViewport sets scale and pan directly.
func (s *Session) SetViewport(scale float64, origin types.Point) (geometry.Viewport, error) {
	vp, err := geometry.NewViewport(scale, origin)
	if err != nil {
		return geometry.Viewport{}, err
	}
	s.mu.Lock()
	s.viewport = vp
	s.mu.Unlock()
	s.touch()
	return vp, nil
}

func (s *Session) Viewport() geometry.Viewport {
	vp, _ := s.view()
	return vp
}

// SetModelVariant selects the model used for boxes drawn from now on.
func (s *Session) SetModelVariant(v string) error {
	for _, known := range s.gw.Variants() {
		if known == v {
			s.mu.Lock()
			s.variant = v
			s.mu.Unlock()
			return nil
		}
	}
	return &types.ValidationError{Field: "modelVariant", Reason: fmt.Sprintf("unknown variant %q", v)}
}

func (s *Session) ModelVariant() string {
	_, v := s.view()
	return v
}

func (s *Session) Variants() []string { return s.gw.Variants() }

// Clear removes every box and cancels every outstanding job.
func (s *Session) Clear(reason string) {
	s.machine.Abort()
	s.store.Clear(reason)
	s.touch()
}

// RemoveBox deletes one box and cancels its jobs.
func (s *Session) RemoveBox(id int) bool {
	ok := s.store.Remove(id)
	if ok {
		s.touch()
	}
	return ok
}

func (s *Session) Boxes() []types.BoundingBox { return s.store.List() }

func (s *Session) Jobs() []types.InferenceJob { return s.sched.Jobs() }

func (s *Session) Job(id string) (types.InferenceJob, bool) { return s.sched.Job(id) }

func (s *Session) Busy() bool { return s.sched.Busy() }

func (s *Session) QueueDepth() int { return s.sched.QueueDepth() }

// Subscribe forwards job events. See scheduler.Scheduler.Subscribe for the rules fn must follow.
func (s *Session) Subscribe(fn func(scheduler.Event)) func() { return s.sched.Subscribe(fn) }

func (s *Session) WaitIdle(ctx context.Context) error { return s.sched.WaitIdle(ctx) }

// Scene snapshots everything the compositor needs. Only jobs of the current
// image are included, so late results from a replaced image never show up.
func (s *Session) Scene() compositor.Scene {
	vp, _ := s.view()
	img, _ := s.store.Image()
	scene := compositor.Scene{
		Image:    img,
		Viewport: vp,
		Boxes:    s.store.List(),
	}
	for _, job := range s.sched.Completed(s.store.Generation()) {
		if job.Result != nil {
			scene.Masks = append(scene.Masks, job.Result.Raster)
		}
	}
	if r, ok := s.machine.Preview(); ok {
		scene.Preview = &r
	}
	return scene
}

func (s *Session) Render() *image.RGBA { return compositor.Render(s.Scene()) }

func (s *Session) RenderPNG() ([]byte, error) { return compositor.EncodePNG(s.Scene()) }

// SubmitBox commits rect on the current image and queues its job without waiting.
func (s *Session) SubmitBox(rect types.Rect, variant string) (types.BoundingBox, string, error) {
	rect = rect.Normalize()
	if px := rect.PixelBounds(); px.Dx() <= 0 || px.Dy() <= 0 {
		return types.BoundingBox{}, "", &types.ValidationError{Field: "box", Reason: "box must cover at least one whole pixel"}
	}
	if err := s.requireImage(); err != nil {
		return types.BoundingBox{}, "", err
	}
	if variant == "" {
		variant = s.ModelVariant()
	}

	box, err := s.store.AddTo(s.store.Generation(), rect)
	if err != nil {
		return types.BoundingBox{}, "", err
	}
	jobID, err := s.sched.Submit(box.ID, variant)
	if err != nil {
		s.store.Remove(box.ID)
		return types.BoundingBox{}, "", err
	}
	s.touch()
	return box, jobID, nil
}

// Segment loads imagePath if needed, commits rect as a new box and waits for its job.
// If ctx ends first the job is cancelled.
func (s *Session) Segment(ctx context.Context, imagePath string, rect types.Rect, variant string) (types.InferenceJob, types.BoundingBox, error) {
	if px := rect.Normalize().PixelBounds(); px.Dx() <= 0 || px.Dy() <= 0 {
		return types.InferenceJob{}, types.BoundingBox{}, &types.ValidationError{Field: "box", Reason: "box must cover at least one whole pixel"}
	}
	if _, err := s.EnsureImage(imagePath); err != nil {
		return types.InferenceJob{}, types.BoundingBox{}, err
	}

	box, jobID, err := s.SubmitBox(rect, variant)
	if err != nil {
		return types.InferenceJob{}, box, err
	}

	job, err := s.sched.Wait(ctx, jobID)
	if ctx.Err() != nil {
		s.sched.CancelBox(box.ID, "request abandoned")
		return types.InferenceJob{}, box, fmt.Errorf("%w: %w", types.ErrCancelled, ctx.Err())
	}
	return job, box, err
}

// Close cancels outstanding work and waits for the worker to exit.
func (s *Session) Close() {
	s.unsubscribe()
	s.sched.Close()
}
