// Package scheduler drives the fotoq worker loop.
//
// A single cooperative poller per process ticks at a fixed interval:
// reclaim stale leases, then fill the priority lane, then the normal
// lane. All claim correctness comes from the job store's atomic
// conditional update, never from in-process locking — multiple processes
// may poll the same database concurrently.
//
// Admission control is static partitioning, not preemption: a claimed
// job keeps its slot until its handler settles.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hazyhaar/fotoq/events"
	"github.com/hazyhaar/fotoq/idgen"
	"github.com/hazyhaar/fotoq/jobstore"
)

// Handler executes one job type. Implementations must be safe to re-run:
// a crashed worker's job is re-executed after lease expiry, so partial
// side effects of an earlier attempt must be tolerated.
type Handler interface {
	// Type is the job type string this handler serves.
	Type() string
	// Execute runs the job. A nil return completes the job; an error
	// requeues it until max_attempts is exhausted.
	Execute(ctx context.Context, jc *JobContext) error
}

// Config tunes the worker loop.
type Config struct {
	// TickInterval is the poll period. Default: 500ms.
	TickInterval time.Duration
	// PrioritySlots is the lane capacity for jobs with
	// priority >= PriorityThreshold. Default: 1.
	PrioritySlots int
	// NormalSlots is the lane capacity for everything below the
	// threshold. Zero starves the normal lane and is warned at startup.
	NormalSlots int
	// PriorityThreshold splits the two lanes. Default: 100.
	PriorityThreshold int
	// StaleAfter is the lease duration: a running job whose heartbeat is
	// older than this is presumed abandoned and requeued. Default: 60s.
	StaleAfter time.Duration
	// HeartbeatInterval must be shorter than StaleAfter.
	// Default: StaleAfter / 3.
	HeartbeatInterval time.Duration
	// DefaultMaxAttempts is stamped onto jobs that reach their first
	// claim without an explicit limit. Default: 3.
	DefaultMaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.PrioritySlots <= 0 {
		c.PrioritySlots = 1
	}
	if c.NormalSlots < 0 {
		c.NormalSlots = 0
	}
	if c.PriorityThreshold == 0 {
		c.PriorityThreshold = 100
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.StaleAfter {
		c.HeartbeatInterval = c.StaleAfter / 3
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Scheduler polls the job store and dispatches claimed jobs to
// registered handlers.
type Scheduler struct {
	store    *jobstore.Store
	sink     events.Sink
	cfg      Config
	workerID string
	log      *slog.Logger

	handlers    map[string]Handler
	onCompleted func(ctx context.Context, job *jobstore.Job)

	mu             sync.Mutex
	activePriority int
	activeNormal   int

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. Register handlers and the completion hook
// before calling Start.
func New(store *jobstore.Store, sink events.Sink, cfg Config) *Scheduler {
	cfg.defaults()
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Scheduler{
		store:    store,
		sink:     sink,
		cfg:      cfg,
		workerID: hostname + "." + idgen.Prefixed("wrk_", idgen.Default)(),
		log:      cfg.Logger,
		handlers: map[string]Handler{},
	}
}

// WorkerID returns the identity stamped into claimed_by on claims.
func (s *Scheduler) WorkerID() string { return s.workerID }

// Register adds a handler for its job type. Registering the same type
// twice is a programming error.
func (s *Scheduler) Register(h Handler) error {
	if _, dup := s.handlers[h.Type()]; dup {
		return fmt.Errorf("scheduler: handler for %q already registered", h.Type())
	}
	s.handlers[h.Type()] = h
	return nil
}

// OnCompleted sets the hook invoked after a job completes successfully
// (the task orchestrator's chaining hook). Must be set before Start.
func (s *Scheduler) OnCompleted(fn func(ctx context.Context, job *jobstore.Job)) {
	s.onCompleted = fn
}

// Start launches the poll loop. It returns immediately; call Stop to
// drain in-flight handlers and halt.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.NormalSlots == 0 {
		s.log.Warn("scheduler: all slots reserved for the priority lane; normal-priority jobs will starve",
			"priority_slots", s.cfg.PrioritySlots)
	}
	s.log.Info("scheduler: started",
		"worker_id", s.workerID,
		"tick", s.cfg.TickInterval,
		"priority_slots", s.cfg.PrioritySlots,
		"normal_slots", s.cfg.NormalSlots,
		"priority_threshold", s.cfg.PriorityThreshold,
		"stale_after", s.cfg.StaleAfter)

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop halts polling and waits for in-flight handlers to settle.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.wg.Wait()
	s.log.Info("scheduler: stopped", "worker_id", s.workerID)
}

// Stats reports the current lane occupancy.
func (s *Scheduler) Stats() (activePriority, activeNormal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePriority, s.activeNormal
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick is one pass of the state machine. It never aborts the loop: a
// failing claim or a failing job only logs.
func (s *Scheduler) tick(ctx context.Context) {
	reclaimed, err := s.store.RequeueStaleRunning(ctx, s.cfg.StaleAfter)
	if err != nil {
		s.log.Warn("scheduler: stale requeue failed", "error", err)
	}
	for _, job := range reclaimed {
		// Same shape as a retry requeue: the event carries what sent
		// the job back. The cause is not persisted on the row.
		job.Error = "lease expired"
		s.sink.Emit(ctx, events.FromJob(job, jobstore.StatusQueued))
	}

	s.fillLane(ctx, laneGated)
	s.fillLane(ctx, laneNormal)
}

type lane int

const (
	laneGated lane = iota // priority >= threshold
	laneNormal
)

func (s *Scheduler) fillLane(ctx context.Context, l lane) {
	for {
		if !s.reserve(l) {
			return
		}
		job, err := s.claim(ctx, l)
		if err != nil {
			s.release(l)
			s.log.Warn("scheduler: claim failed", "error", err)
			return
		}
		if job == nil {
			s.release(l)
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(l)
			s.execute(ctx, job)
		}()
	}
}

func (s *Scheduler) claim(ctx context.Context, l lane) (*jobstore.Job, error) {
	opts := jobstore.ClaimOptions{WorkerID: s.workerID}
	switch l {
	case laneGated:
		min := s.cfg.PriorityThreshold
		opts.MinPriority = &min
	case laneNormal:
		max := s.cfg.PriorityThreshold - 1
		opts.MaxPriority = &max
	}
	return s.store.ClaimNext(ctx, opts)
}

func (s *Scheduler) reserve(l lane) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch l {
	case laneGated:
		if s.activePriority >= s.cfg.PrioritySlots {
			return false
		}
		s.activePriority++
	case laneNormal:
		if s.activeNormal >= s.cfg.NormalSlots {
			return false
		}
		s.activeNormal++
	}
	return true
}

func (s *Scheduler) release(l lane) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch l {
	case laneGated:
		s.activePriority--
	case laneNormal:
		s.activeNormal--
	}
}

// execute runs one claimed job end to end: default the attempt limit,
// heartbeat for the duration of the handler, then settle the outcome.
func (s *Scheduler) execute(ctx context.Context, job *jobstore.Job) {
	if job.MaxAttempts == 0 {
		if err := s.store.SetDefaultMaxAttempts(ctx, job.ID, s.cfg.DefaultMaxAttempts); err != nil {
			s.log.Warn("scheduler: default max_attempts failed", "error", err, "job_id", job.ID)
		}
		job.MaxAttempts = s.cfg.DefaultMaxAttempts
	}

	s.sink.Emit(ctx, events.FromJob(job, jobstore.StatusRunning))

	start := time.Now()
	stopHB := s.startHeartbeat(ctx, job.ID)
	err := s.runHandler(ctx, job)
	stopHB()
	elapsed := time.Since(start)

	if err == nil {
		applied, err := s.store.Complete(ctx, job.ID)
		if err != nil {
			s.log.Error("scheduler: complete failed", "error", err, "job_id", job.ID)
			return
		}
		if !applied {
			// Canceled or reclaimed while the handler ran; nothing to chain.
			s.log.Info("scheduler: job no longer running after handler", "job_id", job.ID)
			return
		}
		ev := events.FromJob(job, jobstore.StatusCompleted)
		ev.DurationMs = elapsed.Milliseconds()
		s.sink.Emit(ctx, ev)
		if s.onCompleted != nil {
			s.onCompleted(ctx, job)
		}
		return
	}

	s.log.Warn("scheduler: handler failed", "job_id", job.ID, "type", job.Type, "error", err)
	s.settleFailure(ctx, job, err, elapsed)
}

// runHandler dispatches by job type. A panic inside a handler is treated
// like any other handler error.
func (s *Scheduler) runHandler(ctx context.Context, job *jobstore.Job) (err error) {
	h, ok := s.handlers[job.Type]
	if !ok {
		return errUnknownType(job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, &JobContext{Job: job, sched: s})
}

type errUnknownType string

func (e errUnknownType) Error() string { return "unknown job type " + string(e) }

// settleFailure applies the retry policy: unknown types fail immediately,
// otherwise the job is requeued until attempts reach max_attempts.
// Retries are immediate — the queue order, not a backoff schedule,
// spaces them out. A permanently failed job never reaches the completion
// hook; its task chain stops at this step.
func (s *Scheduler) settleFailure(ctx context.Context, job *jobstore.Job, cause error, elapsed time.Duration) {
	if _, unknown := cause.(errUnknownType); unknown {
		s.failJob(ctx, job, cause, elapsed)
		return
	}

	attempts, maxAttempts, applied, err := s.store.IncrementAttempts(ctx, job.ID)
	if err != nil {
		s.log.Error("scheduler: attempts bump failed", "error", err, "job_id", job.ID)
		return
	}
	if !applied {
		// Canceled while the handler ran; the terminal state stands.
		s.log.Info("scheduler: job no longer active after failure", "job_id", job.ID)
		return
	}
	if maxAttempts == 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}

	if attempts < maxAttempts {
		applied, err := s.store.Requeue(ctx, job.ID)
		if err != nil {
			s.log.Error("scheduler: requeue failed", "error", err, "job_id", job.ID)
			return
		}
		if applied {
			// The retry event carries the cause that sent the job back.
			job.Error = cause.Error()
			s.sink.Emit(ctx, events.FromJob(job, jobstore.StatusQueued))
		}
		return
	}
	s.failJob(ctx, job, cause, elapsed)
}

func (s *Scheduler) failJob(ctx context.Context, job *jobstore.Job, cause error, elapsed time.Duration) {
	applied, err := s.store.Fail(ctx, job.ID, cause.Error())
	if err != nil {
		s.log.Error("scheduler: fail transition failed", "error", err, "job_id", job.ID)
		return
	}
	if !applied {
		return
	}
	job.Error = cause.Error()
	ev := events.FromJob(job, jobstore.StatusFailed)
	ev.DurationMs = elapsed.Milliseconds()
	s.sink.Emit(ctx, ev)
}

// startHeartbeat pings the lease at HeartbeatInterval until the returned
// stop function is called. Stop is unconditional on every handler exit.
// The loop deliberately outlives ctx: during Stop the poller's context
// is canceled while handlers drain, and a draining job must keep its
// lease or another poller reclaims it mid-run.
func (s *Scheduler) startHeartbeat(ctx context.Context, jobID string) (stop func()) {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	hbCtx := context.WithoutCancel(ctx)

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if err := s.store.Heartbeat(hbCtx, jobID); err != nil {
					s.log.Warn("scheduler: heartbeat failed", "error", err, "job_id", jobID)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-doneCh
		})
	}
}
