// Package engine assembles the processing daemon: job store, polling
// scheduler, task orchestrator, image pool, event sinks, metrics and
// heartbeats, wired together behind one Start/Stop lifecycle.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/fotoq/derive"
	"github.com/hazyhaar/fotoq/events"
	"github.com/hazyhaar/fotoq/handlers"
	"github.com/hazyhaar/fotoq/imagepool"
	"github.com/hazyhaar/fotoq/jobstore"
	"github.com/hazyhaar/fotoq/observability"
	"github.com/hazyhaar/fotoq/scheduler"
	"github.com/hazyhaar/fotoq/tasks"
)

// Config assembles an Engine.
type Config struct {
	// DB is the jobs database. Required.
	DB *sql.DB
	// ObsDB holds heartbeats and metrics. Defaults to DB.
	ObsDB *sql.DB

	// Definitions are the named task chains the orchestrator can start.
	Definitions tasks.Definitions

	Scheduler scheduler.Config
	Pool      imagepool.Config

	// DerivativeSpecs are the variants the generate_derivatives handler
	// produces per photo. Empty uses a thumb + preview default.
	DerivativeSpecs []derive.Spec

	// RetentionDays bounds maintenance_sweep pruning. Default: 30.
	RetentionDays int

	// Sink receives job status events in addition to the log. Optional.
	Sink events.Sink

	// HeartbeatInterval for the liveness writer. Default: 15s.
	HeartbeatInterval time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.ObsDB == nil {
		c.ObsDB = c.DB
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if len(c.DerivativeSpecs) == 0 {
		c.DerivativeSpecs = []derive.Spec{
			{Kind: "thumb", MaxWidth: 256, MaxHeight: 256},
			{Kind: "preview", MaxWidth: 1600, MaxHeight: 1600},
		}
	}
}

// Engine owns the processing components and their lifecycle.
type Engine struct {
	cfg     Config
	store   *jobstore.Store
	sched   *scheduler.Scheduler
	orch    *tasks.Orchestrator
	pool    *imagepool.Pool
	metrics *observability.MetricsManager
	hb      *observability.HeartbeatWriter
	log     *slog.Logger

	gaugeStop chan struct{}
	gaugeDone chan struct{}
}

// New assembles an engine. Nothing runs until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("engine: Config.DB is required")
	}
	cfg.defaults()

	store := jobstore.New(cfg.DB, jobstore.WithLogger(cfg.Logger))
	metrics := observability.NewMetricsManager(cfg.ObsDB, 100, 5*time.Second)

	sinks := events.Multi{
		&events.SlogSink{Log: cfg.Logger},
		&metricsSink{mm: metrics},
	}
	if cfg.Sink != nil {
		sinks = append(sinks, cfg.Sink)
	}

	schedCfg := cfg.Scheduler
	schedCfg.Logger = cfg.Logger
	sched := scheduler.New(store, sinks, schedCfg)

	poolCfg := cfg.Pool
	poolCfg.Logger = cfg.Logger
	pool := imagepool.New(poolCfg)

	orch := tasks.New(store, sinks, cfg.Definitions, tasks.WithLogger(cfg.Logger))
	sched.OnCompleted(orch.OnJobCompleted)

	e := &Engine{
		cfg:     cfg,
		store:   store,
		sched:   sched,
		orch:    orch,
		pool:    pool,
		metrics: metrics,
		hb:      observability.NewHeartbeatWriter(cfg.ObsDB, sched.WorkerID(), cfg.HeartbeatInterval),
		log:     cfg.Logger,
	}

	builtins := []scheduler.Handler{
		handlers.NewDerivatives(pool, cfg.DerivativeSpecs, cfg.Logger),
		handlers.NewMoveImages(cfg.Logger),
		handlers.NewRemoveFiles(cfg.Logger),
		handlers.NewRemoveTree("delete_project_files"),
		handlers.NewRemoveTree("delete_project_derivatives"),
		handlers.NewMaintenance(store, cfg.ObsDB, cfg.RetentionDays, cfg.Logger),
	}
	for _, h := range builtins {
		if err := sched.Register(h); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Register adds a custom handler. Must be called before Start.
func (e *Engine) Register(h scheduler.Handler) error {
	return e.sched.Register(h)
}

// Start applies schemas and launches the scheduler and heartbeat writer.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("engine: jobs schema: %w", err)
	}
	if err := observability.Init(e.cfg.ObsDB); err != nil {
		return fmt.Errorf("engine: observability schema: %w", err)
	}
	e.hb.Start(ctx)
	e.sched.Start(ctx)
	e.gaugeStop = make(chan struct{})
	e.gaugeDone = make(chan struct{})
	go e.gaugeLoop(ctx)
	e.log.Info("engine started", "worker_id", e.sched.WorkerID())
	return nil
}

// Stop drains in the order that loses the least work: no new claims,
// then pool, then heartbeats and metrics.
func (e *Engine) Stop() {
	e.sched.Stop()
	e.pool.Shutdown()
	e.hb.Stop()
	if e.gaugeStop != nil {
		close(e.gaugeStop)
		<-e.gaugeDone
	}
	e.metrics.Close()
	e.log.Info("engine stopped")
}

// gaugeLoop samples queue and pool occupancy at HeartbeatInterval.
func (e *Engine) gaugeLoop(ctx context.Context) {
	defer close(e.gaugeDone)
	ctx = context.WithoutCancel(ctx)
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.gaugeStop:
			return
		case <-ticker.C:
			e.recordGauges(ctx)
		}
	}
}

func (e *Engine) recordGauges(ctx context.Context) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		e.log.Warn("engine: queue depth gauge failed", "error", err)
	} else {
		e.metrics.Gauge(observability.MetricQueueDepth, float64(counts[jobstore.StatusQueued]))
	}
	ps := e.pool.Stats()
	e.metrics.Gauge(observability.MetricPoolQueueDepth, float64(ps.QueueDepth))
	e.metrics.Gauge(observability.MetricPoolBusy, float64(ps.Busy))
}

// StartTask launches a named task chain.
func (e *Engine) StartTask(ctx context.Context, opts tasks.StartOptions) (*tasks.StartResult, error) {
	return e.orch.StartTask(ctx, opts)
}

// TaskStatus reports the derived status and jobs of a task chain.
func (e *Engine) TaskStatus(ctx context.Context, taskID string) (tasks.TaskStatus, []*jobstore.Job, error) {
	return e.orch.Status(ctx, taskID)
}

// Store exposes the job store for read paths such as the admin API.
func (e *Engine) Store() *jobstore.Store { return e.store }

// Metrics exposes the recorded timeseries for read paths.
func (e *Engine) Metrics() *observability.MetricsManager { return e.metrics }

// PoolStats reports image pool occupancy.
func (e *Engine) PoolStats() imagepool.Stats { return e.pool.Stats() }

// WorkerID is this engine instance's claim identity.
func (e *Engine) WorkerID() string { return e.sched.WorkerID() }

// metricsSink folds job status events into throughput metrics.
type metricsSink struct {
	mm *observability.MetricsManager
}

func (s *metricsSink) Emit(_ context.Context, ev events.Event) {
	switch ev.Status {
	case string(jobstore.StatusCompleted):
		s.mm.Count(observability.MetricJobCompleted, ev.Type)
		s.mm.Duration(observability.MetricJobDurationMs, ev.Type, time.Duration(ev.DurationMs)*time.Millisecond)
	case string(jobstore.StatusFailed):
		s.mm.Count(observability.MetricJobFailed, ev.Type)
		s.mm.Duration(observability.MetricJobDurationMs, ev.Type, time.Duration(ev.DurationMs)*time.Millisecond)
	case string(jobstore.StatusQueued):
		// Fresh enqueues carry no error; only retries do.
		if ev.Error != "" {
			s.mm.Count(observability.MetricJobRequeued, ev.Type)
		}
	}
}
