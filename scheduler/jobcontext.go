package scheduler

import (
	"context"

	"github.com/hazyhaar/fotoq/events"
	"github.com/hazyhaar/fotoq/jobstore"
)

// JobContext is what a handler sees of its claimed job: the row itself
// plus the few store operations a handler legitimately performs while
// running (progress, batch items, cooperative cancellation checks).
type JobContext struct {
	Job *jobstore.Job

	sched *Scheduler
}

// Progress records best-effort progress counters and emits a running
// event carrying them. Errors are logged, never surfaced — progress must
// not fail a job.
func (jc *JobContext) Progress(ctx context.Context, done, total int) {
	if err := jc.sched.store.UpdateProgress(ctx, jc.Job.ID, done, total); err != nil {
		jc.sched.log.Warn("scheduler: progress update failed", "error", err, "job_id", jc.Job.ID)
		return
	}
	jc.Job.ProgressDone = done
	jc.Job.ProgressTotal = total
	jc.sched.sink.Emit(ctx, events.FromJob(jc.Job, jobstore.StatusRunning))
}

// Canceled polls the store for administrative cancellation. Marking a job
// canceled never interrupts its handler; long-running handlers that want
// responsiveness call this between units of work and return early.
func (jc *JobContext) Canceled(ctx context.Context) bool {
	j, err := jc.sched.store.Get(ctx, jc.Job.ID)
	if err != nil || j == nil {
		return false
	}
	return j.Status == jobstore.StatusCanceled
}

// Items returns the job's batch items.
func (jc *JobContext) Items(ctx context.Context) ([]jobstore.Item, error) {
	return jc.sched.store.Items(ctx, jc.Job.ID)
}

// SetItemStatus updates one batch item of the job.
func (jc *JobContext) SetItemStatus(ctx context.Context, reference string, status jobstore.ItemStatus) error {
	return jc.sched.store.SetItemStatus(ctx, jc.Job.ID, reference, status)
}
