package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/segbox/internal/annotation"
	"github.com/andresmejia3/segbox/internal/types"
	"github.com/andresmejia3/segbox/internal/worker"
	"github.com/sirupsen/logrus"
)

// fakeGateway blocks every Invoke until the test sends on release.
type fakeGateway struct {
	mu        sync.Mutex
	calls     []worker.Request
	active    int
	maxActive int

	release   chan struct{}
	closeOnce sync.Once
	ignoreCtx bool // simulates a worker that keeps running after cancellation
	outcome   func(n int, req worker.Request) (*types.MaskResult, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{release: make(chan struct{})}
}

func (g *fakeGateway) Validate(req worker.Request) error {
	if b := req.Box.PixelBounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return &types.ValidationError{Field: "box", Reason: "empty"}
	}
	return nil
}

func (g *fakeGateway) Invoke(ctx context.Context, req worker.Request) (*types.MaskResult, error) {
	g.mu.Lock()
	n := len(g.calls)
	g.calls = append(g.calls, req)
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	if g.ignoreCtx {
		<-g.release
	} else {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
		}
	}
	if g.outcome != nil {
		return g.outcome(n, req)
	}
	return &types.MaskResult{Width: 1, Height: 1}, nil
}

func (g *fakeGateway) releaseAll() {
	g.closeOnce.Do(func() { close(g.release) })
}

func (g *fakeGateway) stats() (calls, maxActive int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls), g.maxActive
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func setup(t *testing.T, gw *fakeGateway) (*Scheduler, *annotation.Store, *recorder) {
	t.Helper()
	store := annotation.New()
	s := New(gw, store, quietLogger())
	store.SetCanceler(s)
	store.ReplaceImage(types.Image{Path: "/data/a.png", Width: 800, Height: 600})

	rec := &recorder{}
	s.Subscribe(rec.add)

	t.Cleanup(func() {
		gw.releaseAll()
		s.Close()
	})
	return s, store, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Fatalf("Scheduler never went idle: %v", err)
	}
}

func stateOf(s *Scheduler, id string) types.JobState {
	job, _ := s.Job(id)
	return job.State
}

func submitBox(t *testing.T, s *Scheduler, store *annotation.Store, r types.Rect) string {
	t.Helper()
	box := store.Add(r)
	id, err := s.Submit(box.ID, "medsam")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return id
}

func TestFIFOAndSerialization(t *testing.T) {
	gw := newFakeGateway()
	s, store, rec := setup(t, gw)

	j1 := submitBox(t, s, store, types.Rect{X: 1, Y: 1, Width: 10, Height: 10})
	j2 := submitBox(t, s, store, types.Rect{X: 2, Y: 2, Width: 10, Height: 10})
	j3 := submitBox(t, s, store, types.Rect{X: 3, Y: 3, Width: 10, Height: 10})

	for i := 0; i < 3; i++ {
		gw.release <- struct{}{}
	}
	waitIdle(t, s)

	calls, maxActive := gw.stats()
	if calls != 3 || maxActive != 1 {
		t.Errorf("Expected 3 serialized calls, got %d calls with %d concurrent", calls, maxActive)
	}

	for i, x := range []float64{1, 2, 3} {
		if gw.calls[i].Box.X != x {
			t.Errorf("Call %d ran box at x=%v, want %v", i, gw.calls[i].Box.X, x)
		}
	}

	var finished []string
	running := map[string]bool{}
	for _, ev := range rec.snapshot() {
		switch {
		case ev.Type == EventRunning:
			running[ev.Job.ID] = true
		case ev.Job.State.IsTerminal():
			delete(running, ev.Job.ID)
			finished = append(finished, ev.Job.ID)
		}
		if len(running) > 1 {
			t.Fatalf("Two jobs running at once: %v", running)
		}
	}
	if strings.Join(finished, ",") != strings.Join([]string{j1, j2, j3}, ",") {
		t.Errorf("Jobs finished out of order: %v", finished)
	}
	if got := s.Completed(store.Generation()); len(got) != 3 || got[0].Result == nil || got[0].Result.JobID != j1 {
		t.Errorf("Unexpected completed list: %+v", got)
	}
}

func TestSecondJobWaitsForFirst(t *testing.T) {
	gw := newFakeGateway()
	s, store, _ := setup(t, gw)

	j1 := submitBox(t, s, store, types.Rect{X: 10, Y: 10, Width: 100, Height: 100})
	j2 := submitBox(t, s, store, types.Rect{X: 200, Y: 200, Width: 50, Height: 50})

	if stateOf(s, j1) != types.JobRunning || stateOf(s, j2) != types.JobQueued {
		t.Fatalf("Expected running/queued, got %s/%s", stateOf(s, j1), stateOf(s, j2))
	}
	if !s.Busy() || s.QueueDepth() != 1 {
		t.Errorf("Expected busy with depth 1, got busy=%v depth=%d", s.Busy(), s.QueueDepth())
	}

	gw.release <- struct{}{}
	waitFor(t, "second job to start", func() bool { return stateOf(s, j2) == types.JobRunning })
	if stateOf(s, j1) != types.JobSucceeded {
		t.Errorf("First job should have succeeded, got %s", stateOf(s, j1))
	}
}

func TestFailureDoesNotStopQueue(t *testing.T) {
	gw := newFakeGateway()
	gw.outcome = func(n int, _ worker.Request) (*types.MaskResult, error) {
		if n == 0 {
			return nil, &worker.WorkerError{Kind: worker.KindExitCode, ExitCode: 1, Stderr: "CUDA unavailable"}
		}
		return &types.MaskResult{Width: 1, Height: 1}, nil
	}
	s, store, _ := setup(t, gw)

	j1 := submitBox(t, s, store, types.Rect{Width: 10, Height: 10})
	j2 := submitBox(t, s, store, types.Rect{Width: 20, Height: 20})
	gw.release <- struct{}{}
	gw.release <- struct{}{}
	waitIdle(t, s)

	failed, _ := s.Job(j1)
	if failed.State != types.JobFailed || !strings.Contains(failed.Error, "CUDA unavailable") {
		t.Errorf("Expected failed job with stderr reason, got %s %q", failed.State, failed.Error)
	}
	if stateOf(s, j2) != types.JobSucceeded {
		t.Errorf("Queue did not proceed after failure: %s", stateOf(s, j2))
	}
}

func TestCancelAllClearsQueue(t *testing.T) {
	gw := newFakeGateway()
	s, store, _ := setup(t, gw)

	ids := []string{
		submitBox(t, s, store, types.Rect{Width: 10, Height: 10}),
		submitBox(t, s, store, types.Rect{Width: 20, Height: 20}),
		submitBox(t, s, store, types.Rect{Width: 30, Height: 30}),
	}

	store.Clear("user cleared boxes")

	for _, id := range ids {
		if st := stateOf(s, id); st != types.JobCancelled {
			t.Errorf("Job %s is %s, want cancelled", id, st)
		}
	}
	if s.QueueDepth() != 0 {
		t.Errorf("Expected empty queue, got %d", s.QueueDepth())
	}
	waitIdle(t, s)

	if calls, _ := gw.stats(); calls != 1 {
		t.Errorf("Only the running job should have reached the gateway, got %d calls", calls)
	}
	if job, _ := s.Job(ids[0]); job.Error != "user cleared boxes" {
		t.Errorf("Cancellation reason was overwritten: %q", job.Error)
	}
}

func TestImageChangeDiscardsLateResult(t *testing.T) {
	gw := newFakeGateway()
	gw.ignoreCtx = true
	s, store, _ := setup(t, gw)

	oldGen := store.Generation()
	j1 := submitBox(t, s, store, types.Rect{X: 10, Y: 10, Width: 100, Height: 100})

	newGen := store.ReplaceImage(types.Image{Path: "/data/b.png", Width: 640, Height: 480})
	if stateOf(s, j1) != types.JobCancelled {
		t.Fatalf("Running job should be cancelled on image change, got %s", stateOf(s, j1))
	}

	// The worker is still running; a job for the new image has to wait for the slot.
	j2 := submitBox(t, s, store, types.Rect{X: 5, Y: 5, Width: 50, Height: 50})
	if stateOf(s, j2) != types.JobQueued || !s.Busy() {
		t.Fatalf("New job should queue behind the cancelled process, got %s busy=%v", stateOf(s, j2), s.Busy())
	}

	gw.release <- struct{}{} // old worker finally returns a mask
	gw.release <- struct{}{}
	waitIdle(t, s)

	if stateOf(s, j1) != types.JobCancelled {
		t.Errorf("Terminal state changed to %s", stateOf(s, j1))
	}
	if got := s.Completed(oldGen); len(got) != 0 {
		t.Errorf("Late result was kept: %+v", got)
	}
	if got := s.Completed(newGen); len(got) != 1 || got[0].ID != j2 {
		t.Errorf("Expected only the new job to complete, got %+v", got)
	}
	if _, maxActive := gw.stats(); maxActive != 1 {
		t.Errorf("Worker processes overlapped: %d", maxActive)
	}
}

func TestRemoveBoxCancelsItsJob(t *testing.T) {
	gw := newFakeGateway()
	s, store, _ := setup(t, gw)

	j1 := submitBox(t, s, store, types.Rect{Width: 10, Height: 10})
	j2 := submitBox(t, s, store, types.Rect{Width: 20, Height: 20})

	store.Remove(2)
	if stateOf(s, j2) != types.JobCancelled {
		t.Errorf("Removed box job should be cancelled, got %s", stateOf(s, j2))
	}
	if stateOf(s, j1) != types.JobRunning {
		t.Errorf("Other job should be untouched, got %s", stateOf(s, j1))
	}
}

func TestSubmitRejectsBadReferences(t *testing.T) {
	gw := newFakeGateway()
	s, store, _ := setup(t, gw)

	if _, err := s.Submit(99, "medsam"); !types.IsState(err) {
		t.Errorf("Expected StateError for unknown box, got %v", err)
	}

	sliver := store.Add(types.Rect{X: 4.1, Y: 4.1, Width: 0.2, Height: 30})
	if _, err := s.Submit(sliver.ID, "medsam"); !types.IsValidation(err) {
		t.Errorf("Expected ValidationError for sub-pixel box, got %v", err)
	}
	if len(s.Jobs()) != 0 {
		t.Error("Rejected submissions must not create jobs")
	}
}

func TestGatewayPanicFailsJob(t *testing.T) {
	gw := newFakeGateway()
	gw.outcome = func(int, worker.Request) (*types.MaskResult, error) { panic("boom") }
	s, store, _ := setup(t, gw)

	j1 := submitBox(t, s, store, types.Rect{Width: 10, Height: 10})
	gw.release <- struct{}{}
	waitIdle(t, s)

	job, _ := s.Job(j1)
	if job.State != types.JobFailed || !strings.Contains(job.Error, "boom") {
		t.Errorf("Expected failed job after panic, got %s %q", job.State, job.Error)
	}
}

func TestCloseCancelsAndRejects(t *testing.T) {
	gw := newFakeGateway()
	s, store, _ := setup(t, gw)

	j1 := submitBox(t, s, store, types.Rect{Width: 10, Height: 10})
	s.Close()

	if stateOf(s, j1) != types.JobCancelled {
		t.Errorf("Expected cancelled after Close, got %s", stateOf(s, j1))
	}
	box := store.Add(types.Rect{Width: 10, Height: 10})
	if _, err := s.Submit(box.ID, "medsam"); !errors.Is(err, types.ErrCancelled) {
		t.Errorf("Expected ErrCancelled after Close, got %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	gw := newFakeGateway()
	s, store, _ := setup(t, gw)

	var mu sync.Mutex
	count := 0
	unsubscribe := s.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	submitBox(t, s, store, types.Rect{Width: 10, Height: 10})
	unsubscribe()
	gw.release <- struct{}{}
	waitIdle(t, s)

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("Expected queued+running before unsubscribing, got %d events", count)
	}
}

func TestWaitReturnsCause(t *testing.T) {
	gw := newFakeGateway()
	gw.outcome = func(n int, _ worker.Request) (*types.MaskResult, error) {
		if n == 1 {
			return nil, &worker.WorkerError{Kind: worker.KindTimeout, ExitCode: -1}
		}
		return &types.MaskResult{Width: 1, Height: 1}, nil
	}
	s, store, _ := setup(t, gw)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	j1 := submitBox(t, s, store, types.Rect{Width: 10, Height: 10})
	j2 := submitBox(t, s, store, types.Rect{Width: 20, Height: 20})
	j3 := submitBox(t, s, store, types.Rect{Width: 30, Height: 30})
	go func() {
		gw.release <- struct{}{}
		gw.release <- struct{}{}
	}()

	job, err := s.Wait(ctx, j1)
	if err != nil || job.State != types.JobSucceeded || job.Result == nil {
		t.Errorf("Expected success, got %s %v", job.State, err)
	}

	_, err = s.Wait(ctx, j2)
	var werr *worker.WorkerError
	if !errors.As(err, &werr) || werr.Kind != worker.KindTimeout {
		t.Errorf("Expected the worker timeout back, got %v", err)
	}

	waitFor(t, "third job to start", func() bool { return stateOf(s, j3) == types.JobRunning })
	s.CancelAll("image replaced")
	if _, err := s.Wait(ctx, j3); !errors.Is(err, types.ErrCancelled) || err.Error() != "image replaced" {
		t.Errorf("Expected cancellation with reason, got %v", err)
	}

	if _, err := s.Wait(ctx, "no-such-job"); !types.IsState(err) {
		t.Errorf("Expected StateError for unknown job, got %v", err)
	}
}
