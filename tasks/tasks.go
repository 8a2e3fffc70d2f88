// Package tasks chains jobs into multi-step operations.
//
// A task has no row of its own: it is only a correlation id shared by the
// jobs of its chain. The orchestrator enqueues step N+1 when the job for
// step N completes; a permanently failed step halts the chain silently.
// Because the orchestrator only ever enqueues — it never mutates existing
// jobs — concurrent completions across different chains cannot interfere,
// and it needs no locking of its own.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/hazyhaar/fotoq/events"
	"github.com/hazyhaar/fotoq/idgen"
	"github.com/hazyhaar/fotoq/jobstore"
)

// ErrUnknownTask is returned when no definition exists for a task type.
var ErrUnknownTask = errors.New("tasks: unknown task type")

// Step is one stage of a task definition.
type Step struct {
	// Type is the job type enqueued for this step.
	Type string `yaml:"type"`
	// Priority of the enqueued job.
	Priority int `yaml:"priority"`
	// SkipFlag, when set, names a payload key. If the payload carries
	// that key as true when the previous step completes, this step is
	// skipped and the chain jumps to the one after it. At most one skip
	// per transition.
	SkipFlag string `yaml:"skip_flag,omitempty"`
}

// Definition is a named, ordered list of steps. Read-only at runtime.
type Definition struct {
	Name  string
	Steps []Step
}

// Definitions maps task type name to its definition.
type Definitions map[string]Definition

// Orchestrator starts task chains and advances them on job completion.
type Orchestrator struct {
	store     *jobstore.Store
	sink      events.Sink
	defs      Definitions
	newTaskID idgen.Generator
	log       *slog.Logger
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithTaskIDGenerator sets a custom generator for task ids.
func WithTaskIDGenerator(gen idgen.Generator) Option {
	return func(o *Orchestrator) { o.newTaskID = gen }
}

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New creates an orchestrator over the given definitions.
func New(store *jobstore.Store, sink events.Sink, defs Definitions, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		sink:      sink,
		defs:      defs,
		newTaskID: idgen.Prefixed("task_", idgen.Default),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartOptions describes a task to start.
type StartOptions struct {
	TenantID  string
	ProjectID string
	// Type names the definition to run.
	Type string
	// Source tags where the task came from ("upload", "cli", ...);
	// propagated through every job of the chain.
	Source string
	// Items, when non-empty, become the batch items of the first step's
	// job (one per photo reference).
	Items []string
	// Payload carries handler-specific extras; forwarded unchanged from
	// step to step. The correlation keys are added on top.
	Payload jobstore.Payload
}

// StartResult identifies the started chain.
type StartResult struct {
	TaskID     string
	Type       string
	FirstJobID string
}

// StartTask generates a fresh task id and enqueues the first step. A
// definition with no steps returns just the id. This is the engine's sole
// inbound mutation entry point.
func (o *Orchestrator) StartTask(ctx context.Context, opts StartOptions) (*StartResult, error) {
	def, ok := o.defs[opts.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, opts.Type)
	}

	res := &StartResult{TaskID: o.newTaskID(), Type: opts.Type}
	if len(def.Steps) == 0 {
		return res, nil
	}

	payload := jobstore.Payload{}
	maps.Copy(payload, opts.Payload)
	payload[jobstore.KeyTaskID] = res.TaskID
	payload[jobstore.KeyTaskType] = opts.Type
	payload[jobstore.KeySource] = opts.Source

	step := def.Steps[0]
	req := jobstore.EnqueueRequest{
		TenantID:  opts.TenantID,
		ProjectID: opts.ProjectID,
		Type:      step.Type,
		Payload:   payload,
		Priority:  step.Priority,
	}

	var job *jobstore.Job
	var err error
	if len(opts.Items) > 0 {
		job, err = o.store.EnqueueWithItems(ctx, req, opts.Items)
	} else {
		job, err = o.store.Enqueue(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("tasks: start %s: %w", opts.Type, err)
	}

	res.FirstJobID = job.ID
	o.sink.Emit(ctx, events.FromJob(job, jobstore.StatusQueued))
	o.log.Info("tasks: started", "task_id", res.TaskID, "type", opts.Type, "first_job", job.ID)
	return res, nil
}

// OnJobCompleted advances the chain the completed job belongs to. Jobs
// without task correlation are ignored. Called synchronously from the
// scheduler's completion path.
func (o *Orchestrator) OnJobCompleted(ctx context.Context, job *jobstore.Job) {
	taskID := job.Payload.TaskID()
	taskType := job.Payload.TaskType()
	if taskID == "" || taskType == "" {
		return
	}

	def, ok := o.defs[taskType]
	if !ok {
		o.log.Warn("tasks: completed job references unknown definition",
			"task_id", taskID, "task_type", taskType, "job_id", job.ID)
		return
	}

	idx := -1
	for i, step := range def.Steps {
		if step.Type == job.Type {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.log.Warn("tasks: completed job type not in definition",
			"task_id", taskID, "task_type", taskType, "job_type", job.Type)
		return
	}

	next := idx + 1
	if next < len(def.Steps) {
		if flag := def.Steps[next].SkipFlag; flag != "" && job.Payload.Flag(flag) {
			next++
		}
	}
	if next >= len(def.Steps) {
		o.log.Info("tasks: chain finished", "task_id", taskID, "task_type", taskType)
		return
	}

	step := def.Steps[next]
	payload := jobstore.Payload{}
	maps.Copy(payload, job.Payload)

	nextJob, err := o.store.Enqueue(ctx, jobstore.EnqueueRequest{
		TenantID:  job.TenantID,
		ProjectID: job.ProjectID,
		Type:      step.Type,
		Payload:   payload,
		Priority:  step.Priority,
	})
	if err != nil {
		o.log.Error("tasks: enqueue next step failed",
			"error", err, "task_id", taskID, "step_type", step.Type)
		return
	}
	o.sink.Emit(ctx, events.FromJob(nextJob, jobstore.StatusQueued))
	o.log.Info("tasks: advanced", "task_id", taskID, "from", job.Type, "to", step.Type)
}

// TaskStatus is the derived state of a chain.
type TaskStatus string

const (
	TaskUnknown   TaskStatus = "unknown"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

// Status reconstructs a chain's state from the jobs sharing its id. The
// next step is enqueued synchronously in the completion path, so between
// steps the chain always has a non-terminal job; all-completed therefore
// means the chain ran out of steps.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (TaskStatus, []*jobstore.Job, error) {
	jobs, err := o.store.ListByTask(ctx, taskID)
	if err != nil {
		return TaskUnknown, nil, err
	}
	if len(jobs) == 0 {
		return TaskUnknown, jobs, nil
	}

	status := TaskCompleted
	for _, j := range jobs {
		switch j.Status {
		case jobstore.StatusFailed:
			return TaskFailed, jobs, nil
		case jobstore.StatusCanceled:
			return TaskCanceled, jobs, nil
		case jobstore.StatusQueued, jobstore.StatusRunning:
			status = TaskRunning
		}
	}
	return status, jobs, nil
}
