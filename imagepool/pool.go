// Package imagepool runs CPU-bound image derivative generation on a
// fixed set of dedicated OS threads, independent of the job scheduler's
// own concurrency.
//
// The pool is lazy: workers spawn on the first submission and tear down
// after an idle timeout with no active or queued work; the next
// submission recreates them transparently. Submissions return a Pending
// future resolved by whichever worker executes the task.
//
// A panicking worker is replaced individually by its supervisor; other
// workers and queued work are unaffected. The task the worker died on is
// put back at the head of the queue and retried once on the replacement
// before its error is surfaced.
package imagepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/hazyhaar/fotoq/derive"
	"github.com/hazyhaar/fotoq/idgen"
)

var (
	// ErrPoolClosed is returned by Process after Shutdown.
	ErrPoolClosed = errors.New("imagepool: pool is shut down")
	// ErrRejected resolves futures of tasks discarded during shutdown.
	ErrRejected = errors.New("imagepool: task rejected during shutdown")
)

// Task is one unit of per-image work: a source photo and the derivatives
// to produce from it.
type Task struct {
	Source      string
	Derivatives []derive.Spec
}

// Config tunes the pool.
type Config struct {
	// Workers is the fixed thread count. Default: runtime.NumCPU().
	Workers int
	// IdleTimeout tears the pool down after this long with no active or
	// queued work. Default: 60s.
	IdleTimeout time.Duration
	// ShutdownTimeout bounds how long Shutdown waits for active tasks.
	// Default: 30s.
	ShutdownTimeout time.Duration
	// Executor produces the derivatives for a task. Default:
	// derive.Generate. Override for custom transcoders.
	Executor func(Task) ([]derive.Output, error)
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Executor == nil {
		c.Executor = func(t Task) ([]derive.Output, error) {
			return derive.Generate(t.Source, t.Derivatives)
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result is what a worker reports for one task.
type Result struct {
	Outputs []derive.Output
	Err     error
}

// Pending is the future for a submitted task.
type Pending struct {
	id string
	ch chan Result
}

// ID returns the pool-internal job id (unrelated to queue job ids).
func (p *Pending) ID() string { return p.id }

// Wait blocks until the task settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) ([]derive.Output, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-p.ch:
		return r.Outputs, r.Err
	}
}

type poolJob struct {
	id      string
	task    Task
	retried bool
	once    sync.Once
	ch      chan Result
}

// deliver resolves the future exactly once; later calls are dropped.
func (j *poolJob) deliver(r Result) {
	j.once.Do(func() { j.ch <- r })
}

// Stats is a read-only snapshot for observability.
type Stats struct {
	Workers    int
	Busy       int
	QueueDepth int
	Active     int
}

// Pool is the worker pool handle. The zero value is not usable; call New.
type Pool struct {
	cfg   Config
	newID idgen.Generator

	mu      sync.Mutex
	spawned bool
	closed  bool
	gen     int
	queue   []*poolJob
	pending int // held by the dispatcher mid-handoff
	active  map[string]*poolJob
	busy    int
	workers int

	// Per-generation plumbing, replaced on every (re)spawn.
	workCh    chan *poolJob
	stopCh    chan struct{}
	kickCh    chan struct{}
	wg        *sync.WaitGroup
	idleTimer *time.Timer
}

// New creates a pool. No threads start until the first Process call.
func New(cfg Config) *Pool {
	cfg.defaults()
	return &Pool{
		cfg:    cfg,
		newID:  idgen.Prefixed("img_", idgen.Default),
		active: map[string]*poolJob{},
	}
}

// Process enqueues a task and returns its future. Workers are spawned on
// first use and transparently recreated after an idle teardown.
func (p *Pool) Process(task Task) (*Pending, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if !p.spawned {
		p.spawnLocked()
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}

	j := &poolJob{id: p.newID(), task: task, ch: make(chan Result, 1)}
	p.queue = append(p.queue, j)
	p.kickLocked()
	p.mu.Unlock()

	return &Pending{id: j.id, ch: j.ch}, nil
}

// Stats reports current worker count, busy count, queue depth, and
// active job count. Read-only; never affects scheduling.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers:    p.workers,
		Busy:       p.busy,
		QueueDepth: len(p.queue) + p.pending,
		Active:     len(p.active),
	}
}

// Shutdown stops intake, rejects queued tasks, waits up to
// ShutdownTimeout for active tasks, then force-rejects the rest.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	queued := p.queue
	p.queue = nil
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	spawned := p.spawned
	stopCh, wg := p.stopCh, p.wg
	p.mu.Unlock()

	for _, j := range queued {
		j.deliver(Result{Err: ErrRejected})
	}
	if !spawned {
		return
	}

	close(stopCh)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
		p.mu.Lock()
		stuck := len(p.active)
		for _, j := range p.active {
			j.deliver(Result{Err: ErrRejected})
		}
		p.mu.Unlock()
		p.cfg.Logger.Warn("imagepool: shutdown timeout, rejected active tasks", "count", stuck)
	}

	p.mu.Lock()
	p.spawned = false
	p.workers = 0
	p.mu.Unlock()
	p.cfg.Logger.Info("imagepool: shut down")
}

func (p *Pool) spawnLocked() {
	p.gen++
	p.spawned = true
	p.workers = p.cfg.Workers
	p.workCh = make(chan *poolJob)
	p.stopCh = make(chan struct{})
	p.kickCh = make(chan struct{}, 1)
	p.wg = &sync.WaitGroup{}

	p.wg.Add(1)
	go p.dispatch(p.stopCh, p.kickCh, p.workCh, p.wg)
	for i := range p.cfg.Workers {
		p.wg.Add(1)
		go p.supervise(i, p.stopCh, p.workCh, p.wg)
	}
	p.cfg.Logger.Info("imagepool: workers spawned", "workers", p.cfg.Workers)
}

func (p *Pool) kickLocked() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}

// dispatch owns the FIFO: it hands the head of the queue to whichever
// worker is free, blocking until one is.
func (p *Pool) dispatch(stopCh, kickCh chan struct{}, workCh chan *poolJob, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			select {
			case <-stopCh:
				return
			case <-kickCh:
				continue
			}
		}
		j := p.queue[0]
		p.queue = p.queue[1:]
		p.pending++
		p.mu.Unlock()

		select {
		case workCh <- j:
			p.mu.Lock()
			p.pending--
			p.mu.Unlock()
		case <-stopCh:
			p.mu.Lock()
			p.pending--
			p.mu.Unlock()
			j.deliver(Result{Err: ErrRejected})
			return
		}
	}
}

// supervise owns one worker slot: it restarts the worker whenever it
// dies on a panic, so a single fault never shrinks the pool.
func (p *Pool) supervise(slot int, stopCh chan struct{}, workCh chan *poolJob, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		if stopped := p.runWorker(stopCh, workCh); stopped {
			return
		}
		p.cfg.Logger.Warn("imagepool: worker replaced after panic", "slot", slot)
	}
}

// runWorker executes tasks on a dedicated OS thread until stopped.
// Returns false when the worker died on a panic and needs replacing.
func (p *Pool) runWorker(stopCh chan struct{}, workCh chan *poolJob) (stopped bool) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-stopCh:
			return true
		case j := <-workCh:
			p.mu.Lock()
			p.active[j.id] = j
			p.busy++
			p.mu.Unlock()

			outs, err, panicked := p.perform(j)
			if panicked {
				p.requeuePanicked(j, err)
				return false
			}
			j.deliver(Result{Outputs: outs, Err: err})
			p.finish(j)
		}
	}
}

func (p *Pool) perform(j *poolJob) (outs []derive.Output, err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("imagepool: worker panic on %s: %v", j.id, r)
			panicked = true
		}
	}()
	outs, err = p.cfg.Executor(j.task)
	return outs, err, false
}

// finish releases the slot and, when the pool drained, arms the idle
// teardown timer.
func (p *Pool) finish(j *poolJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, j.id)
	p.busy--
	if p.spawned && !p.closed && p.busy == 0 && p.pending == 0 && len(p.queue) == 0 {
		gen := p.gen
		p.idleTimer = time.AfterFunc(p.cfg.IdleTimeout, func() { p.tearDownIfIdle(gen) })
	}
}

// requeuePanicked puts the task the dead worker was running back at the
// head of the queue for one retry on the replacement worker; a second
// fault surfaces the error to the caller.
func (p *Pool) requeuePanicked(j *poolJob, cause error) {
	p.mu.Lock()
	delete(p.active, j.id)
	p.busy--
	if p.closed {
		p.mu.Unlock()
		j.deliver(Result{Err: ErrRejected})
		return
	}
	if j.retried {
		p.mu.Unlock()
		j.deliver(Result{Err: cause})
		return
	}
	j.retried = true
	p.queue = append([]*poolJob{j}, p.queue...)
	p.kickLocked()
	p.mu.Unlock()
}

// tearDownIfIdle stops the current worker generation if the pool is
// still idle when the timer fires. Stale timers from an older
// generation are ignored.
func (p *Pool) tearDownIfIdle(gen int) {
	p.mu.Lock()
	if !p.spawned || p.closed || p.gen != gen ||
		p.busy != 0 || p.pending != 0 || len(p.queue) != 0 {
		p.mu.Unlock()
		return
	}
	stopCh, wg := p.stopCh, p.wg
	p.spawned = false
	p.workers = 0
	p.idleTimer = nil
	p.mu.Unlock()

	close(stopCh)
	wg.Wait()
	p.cfg.Logger.Info("imagepool: torn down after idle timeout")
}
