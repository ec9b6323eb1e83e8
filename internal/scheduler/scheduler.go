package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/segbox/internal/types"
	"github.com/andresmejia3/segbox/internal/worker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Invoker is the part of the worker gateway the scheduler drives.
type Invoker interface {
	Validate(req worker.Request) error
	Invoke(ctx context.Context, req worker.Request) (*types.MaskResult, error)
}

// BoxResolver is the part of the annotation store the scheduler checks references against.
type BoxResolver interface {
	Lookup(boxID int) (types.BoundingBox, types.Image, uint64, error)
	Resolve(generation uint64, boxID int) bool
}

// EventType names a job transition.
type EventType string

const (
	EventQueued    EventType = "job.queued"
	EventRunning   EventType = "job.running"
	EventSucceeded EventType = "job.succeeded"
	EventFailed    EventType = "job.failed"
	EventCancelled EventType = "job.cancelled"
)

var eventForState = map[types.JobState]EventType{
	types.JobQueued:    EventQueued,
	types.JobRunning:   EventRunning,
	types.JobSucceeded: EventSucceeded,
	types.JobFailed:    EventFailed,
	types.JobCancelled: EventCancelled,
}

// Event is published once per job transition, in the order transitions happen.
type Event struct {
	Type       EventType          `json:"type"`
	Job        types.InferenceJob `json:"job"`
	QueueDepth int                `json:"queue_depth"`
	Busy       bool               `json:"busy"`
}

type subscriber struct {
	id int
	fn func(Event)
}

// Scheduler runs inference jobs one at a time in submission order.
//
// The worker slot is held from dispatch until the gateway returns, which is
// after the process has exited. A cancelled running job is marked Cancelled
// straight away but keeps the slot, so two worker processes never overlap.
type Scheduler struct {
	mu    sync.Mutex
	gw    Invoker
	boxes BoxResolver
	log   *logrus.Logger

	jobs  map[string]*types.InferenceJob
	order []string
	queue []string
	done  map[string]chan struct{}
	errs  map[string]error

	slotBusy   bool
	running    string
	runCancel  context.CancelFunc
	baseCtx    context.Context
	baseCancel context.CancelFunc
	closed     bool

	idle       chan struct{}
	idleClosed bool

	subs    []subscriber
	nextSub int
	pending []Event
	emitMu  sync.Mutex

	wg sync.WaitGroup
}

func New(gw Invoker, boxes BoxResolver, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		gw:         gw,
		boxes:      boxes,
		log:        log,
		jobs:       make(map[string]*types.InferenceJob),
		done:       make(map[string]chan struct{}),
		errs:       make(map[string]error),
		baseCtx:    ctx,
		baseCancel: cancel,
		idle:       idle,
		idleClosed: true,
	}
}

// Submit queues one job for boxID on the current image and dispatches it if the worker is free.
func (s *Scheduler) Submit(boxID int, modelVariant string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: scheduler is closed", types.ErrCancelled)
	}

	box, img, gen, err := s.boxes.Lookup(boxID)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if err := s.gw.Validate(worker.Request{ImagePath: img.Path, Box: box.Rect, ModelVariant: modelVariant}); err != nil {
		s.mu.Unlock()
		return "", err
	}

	job := &types.InferenceJob{
		ID:           uuid.NewString(),
		BoxID:        boxID,
		Generation:   gen,
		ImagePath:    img.Path,
		Box:          box.Rect,
		ModelVariant: modelVariant,
		State:        types.JobQueued,
		SubmittedAt:  time.Now(),
	}
	s.jobs[job.ID] = job
	s.done[job.ID] = make(chan struct{})
	s.order = append(s.order, job.ID)
	s.queue = append(s.queue, job.ID)
	s.markBusyLocked()
	s.emitLocked(job)

	s.log.WithFields(logrus.Fields{"job_id": job.ID, "box_id": boxID, "queue_depth": len(s.queue)}).Debug("Job queued")

	s.dispatchLocked()
	s.mu.Unlock()
	s.settle()
	return job.ID, nil
}

// CancelAll cancels every queued job and the running one, if any.
func (s *Scheduler) CancelAll(reason string) {
	s.cancelWhere(reason, func(*types.InferenceJob) bool { return true })
}

// CancelBox cancels the outstanding jobs of one box.
func (s *Scheduler) CancelBox(boxID int, reason string) {
	s.cancelWhere(reason, func(j *types.InferenceJob) bool { return j.BoxID == boxID })
}

func (s *Scheduler) cancelWhere(reason string, match func(*types.InferenceJob) bool) {
	s.mu.Lock()
	var kept []string
	var dropped []*types.InferenceJob
	for _, id := range s.queue {
		if job := s.jobs[id]; match(job) {
			dropped = append(dropped, job)
		} else {
			kept = append(kept, id)
		}
	}
	s.queue = kept
	n := len(dropped)
	for _, job := range dropped {
		s.finishLocked(job, types.JobCancelled, cancelled(reason))
	}

	if s.running != "" {
		if job := s.jobs[s.running]; job.State == types.JobRunning && match(job) {
			s.finishLocked(job, types.JobCancelled, cancelled(reason))
			s.runCancel()
			n++
		}
	}
	if n > 0 {
		s.log.WithFields(logrus.Fields{"count": n, "reason": reason}).Info("Cancelled jobs")
	}
	s.mu.Unlock()
	s.settle()
}

// dispatchLocked promotes the oldest queued job if the worker slot is free.
func (s *Scheduler) dispatchLocked() {
	for !s.slotBusy && !s.closed && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		job := s.jobs[id]

		// The box may have gone away while the job waited.
		if !s.boxes.Resolve(job.Generation, job.BoxID) {
			s.finishLocked(job, types.JobCancelled, &types.StateError{What: "box", ID: fmt.Sprint(job.BoxID)})
			continue
		}

		job.State = types.JobRunning
		job.StartedAt = time.Now()
		s.slotBusy = true
		s.running = id
		ctx, cancel := context.WithCancel(s.baseCtx)
		s.runCancel = cancel
		s.emitLocked(job)

		req := worker.Request{ImagePath: job.ImagePath, Box: job.Box, ModelVariant: job.ModelVariant}
		s.wg.Add(1)
		go s.run(ctx, id, req)
	}
}

func (s *Scheduler) run(ctx context.Context, id string, req worker.Request) {
	defer s.wg.Done()

	var (
		res *types.MaskResult
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker gateway panicked: %v", r)
			}
		}()
		res, err = s.gw.Invoke(ctx, req)
	}()
	s.complete(id, res, err)
}

func (s *Scheduler) complete(id string, res *types.MaskResult, err error) {
	s.mu.Lock()
	job := s.jobs[id]
	s.slotBusy = false
	s.running = ""
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}

	log := s.log.WithFields(logrus.Fields{"job_id": id, "box_id": job.BoxID})
	switch {
	case job.State != types.JobRunning:
		log.Debug("Discarding result of cancelled job")
	case err != nil && errors.Is(err, types.ErrCancelled):
		s.finishLocked(job, types.JobCancelled, err)
	case err != nil:
		log.WithError(err).Warn("Job failed")
		s.finishLocked(job, types.JobFailed, err)
	case res == nil:
		s.finishLocked(job, types.JobFailed, errors.New("worker returned no result"))
	case !s.boxes.Resolve(job.Generation, job.BoxID):
		s.finishLocked(job, types.JobCancelled, &types.StateError{What: "box", ID: fmt.Sprint(job.BoxID)})
	default:
		res.JobID = id
		job.Result = res
		s.finishLocked(job, types.JobSucceeded, nil)
		log.WithField("elapsed", job.FinishedAt.Sub(job.StartedAt)).Info("Job succeeded")
	}

	s.dispatchLocked()
	s.mu.Unlock()
	s.settle()
}

// finishLocked moves a job to a terminal state. Terminal states never change.
func (s *Scheduler) finishLocked(job *types.InferenceJob, state types.JobState, cause error) {
	if job.State.IsTerminal() {
		return
	}
	job.State = state
	job.FinishedAt = time.Now()
	if cause != nil {
		job.Error = cause.Error()
		s.errs[job.ID] = cause
	}
	s.emitLocked(job)
	close(s.done[job.ID])
}

func (s *Scheduler) emitLocked(job *types.InferenceJob) {
	s.pending = append(s.pending, Event{
		Type:       eventForState[job.State],
		Job:        *job,
		QueueDepth: len(s.queue),
		Busy:       s.slotBusy,
	})
}

func (s *Scheduler) markBusyLocked() {
	if s.idleClosed {
		s.idle = make(chan struct{})
		s.idleClosed = false
	}
}

// settle delivers pending events, then wakes WaitIdle callers if there is nothing left to do.
func (s *Scheduler) settle() {
	s.flush()

	s.mu.Lock()
	if s.slotBusy || len(s.queue) > 0 {
		s.markBusyLocked()
	} else if !s.idleClosed {
		close(s.idle)
		s.idleClosed = true
	}
	s.mu.Unlock()
}

// flush hands pending events to subscribers. Only one goroutine flushes at a
// time, so subscribers see transitions in the order they happened.
func (s *Scheduler) flush() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	for {
		s.mu.Lock()
		events := s.pending
		s.pending = nil
		subs := make([]subscriber, len(s.subs))
		copy(subs, s.subs)
		s.mu.Unlock()

		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			for _, sub := range subs {
				sub.fn(ev)
			}
		}
	}
}

// Subscribe registers fn for every job transition and returns a function that removes it.
// fn runs on the scheduler's flushing goroutine and must not call back into the scheduler.
func (s *Scheduler) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// cancelled keeps the caller's reason as the job's error text while still matching ErrCancelled.
func cancelled(reason string) error {
	return &cancelError{reason: reason}
}

type cancelError struct{ reason string }

func (e *cancelError) Error() string { return e.reason }
func (e *cancelError) Unwrap() error { return types.ErrCancelled }

// Wait blocks until job id reaches a terminal state and returns its final
// snapshot along with the error that ended it, if any.
func (s *Scheduler) Wait(ctx context.Context, id string) (types.InferenceJob, error) {
	s.mu.Lock()
	ch, ok := s.done[id]
	s.mu.Unlock()
	if !ok {
		return types.InferenceJob{}, &types.StateError{What: "job", ID: id}
	}

	select {
	case <-ctx.Done():
		return types.InferenceJob{}, ctx.Err()
	case <-ch:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id], s.errs[id]
}

// Job returns a snapshot of one job.
func (s *Scheduler) Job(id string) (types.InferenceJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return types.InferenceJob{}, false
	}
	return *job, true
}

// Jobs returns snapshots of all jobs in submission order.
func (s *Scheduler) Jobs() []types.InferenceJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.InferenceJob, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.jobs[id])
	}
	return out
}

// Completed returns the succeeded jobs of one image in submission order.
func (s *Scheduler) Completed(generation uint64) []types.InferenceJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.InferenceJob
	for _, id := range s.order {
		job := s.jobs[id]
		if job.Generation == generation && job.State == types.JobSucceeded {
			out = append(out, *job)
		}
	}
	return out
}

// Busy reports whether a worker process is occupying the slot.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slotBusy
}

// QueueDepth is the number of jobs waiting behind the running one.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// WaitIdle blocks until no job is queued, the worker slot is free and every
// event up to that point has been delivered.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.idleClosed {
			s.mu.Unlock()
			return nil
		}
		ch := s.idle
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Close cancels everything outstanding and waits for the running worker to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.CancelAll("scheduler closed")
	s.baseCancel()
	s.wg.Wait()
}
