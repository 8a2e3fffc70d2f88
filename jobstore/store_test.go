package jobstore_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/fotoq/dbopen"
	"github.com/hazyhaar/fotoq/jobstore"
)

func openStore(t *testing.T) (*sql.DB, *jobstore.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s := jobstore.New(db)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db, s
}

func enqueue(t *testing.T, s *jobstore.Store, typ string, priority int) *jobstore.Job {
	t.Helper()
	j, err := s.Enqueue(context.Background(), jobstore.EnqueueRequest{
		TenantID: "t1", Type: typ, Priority: priority,
	})
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func intp(n int) *int { return &n }

func TestEnqueueAndClaim(t *testing.T) {
	_, s := openStore(t)
	ctx := context.Background()

	j, err := s.Enqueue(ctx, jobstore.EnqueueRequest{
		TenantID:  "t1",
		ProjectID: "p1",
		Type:      "generate_derivatives",
		Payload:   jobstore.Payload{"photo": "a.jpg"},
		Priority:  5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if j.ID == "" || j.Status != jobstore.StatusQueued {
		t.Fatalf("unexpected job %+v", j)
	}

	claimed, err := s.ClaimNext(ctx, jobstore.ClaimOptions{WorkerID: "w1"})
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil {
		t.Fatal("expected a job")
	}
	if claimed.ID != j.ID {
		t.Fatalf("got %s, want %s", claimed.ID, j.ID)
	}
	if claimed.Status != jobstore.StatusRunning {
		t.Fatalf("status = %s, want running", claimed.Status)
	}
	if claimed.ClaimedBy != "w1" {
		t.Fatalf("claimed_by = %q, want w1", claimed.ClaimedBy)
	}
	if claimed.HeartbeatAt.IsZero() {
		t.Fatal("heartbeat_at not stamped")
	}
	if claimed.Payload.String("photo") != "a.jpg" {
		t.Fatalf("payload did not round-trip: %+v", claimed.Payload)
	}

	// Nothing else is claimable.
	again, err := s.ClaimNext(ctx, jobstore.ClaimOptions{WorkerID: "w2"})
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatalf("expected nil, got %s", again.ID)
	}
}

func TestAtMostOneClaim(t *testing.T) {
	_, s := openStore(t)
	ctx := context.Background()
	enqueue(t, s, "sweep", 0)

	const workers = 10
	var wg sync.WaitGroup
	got := make([]*jobstore.Job, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.ClaimNext(ctx, jobstore.ClaimOptions{WorkerID: "w"})
			if err != nil {
				t.Error(err)
				return
			}
			got[i] = j
		}()
	}
	wg.Wait()

	winners := 0
	for _, j := range got {
		if j != nil {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("got %d winners, want exactly 1", winners)
	}
}

func TestClaimOrder(t *testing.T) {
	_, s := openStore(t)
	ctx := context.Background()

	low := enqueue(t, s, "a", 0)
	high := enqueue(t, s, "b", 10)
	mid := enqueue(t, s, "c", 5)

	want := []string{high.ID, mid.ID, low.ID}
	for i, id := range want {
		j, err := s.ClaimNext(ctx, jobstore.ClaimOptions{WorkerID: "w"})
		if err != nil {
			t.Fatal(err)
		}
		if j == nil || j.ID != id {
			t.Fatalf("claim %d: got %v, want %s", i, j, id)
		}
	}
}

func TestClaimPriorityRange(t *testing.T) {
	_, s := openStore(t)
	ctx := context.Background()

	normal := enqueue(t, s, "a", 0)
	urgent := enqueue(t, s, "b", 100)

	j, err := s.ClaimNext(ctx, jobstore.ClaimOptions{WorkerID: "w", MinPriority: intp(50)})
	if err != nil {
		t.Fatal(err)
	}
	if j == nil || j.ID != urgent.ID {
		t.Fatalf("priority lane claimed %v, want %s", j, urgent.ID)
	}

	j, err = s.ClaimNext(ctx, jobstore.ClaimOptions{WorkerID: "w", MinPriority: intp(50)})
	if err != nil {
		t.Fatal(err)
	}
	if j != nil {
		t.Fatalf("priority lane should be empty, got %s", j.ID)
	}

	j, err = s.ClaimNext(ctx, jobstore.ClaimOptions{WorkerID: "w", MaxPriority: intp(49)})
	if err != nil {
		t.Fatal(err)
	}
	if j == nil || j.ID != normal.ID {
		t.Fatalf("normal lane claimed %v, want %s", j, normal.ID)
	}
}

func TestLeaseRecovery(t *testing.T) {
	db, s := openStore(t)
	ctx := context.Background()

	job := enqueue(t, s, "a", 0)
	claimed, _ := s.ClaimNext(ctx, jobstore.ClaimOptions{WorkerID: "w1"})
	if claimed == nil {
		t.Fatal("expected claim")
	}

	// Fresh lease: nothing to reclaim.
	reclaimed, err := s.RequeueStaleRunning(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("reclaimed %d, want 0", len(reclaimed))
	}

	// Backdate the heartbeat past the stale threshold.
	if _, err := db.Exec(`UPDATE jobs SET heartbeat_at = ? WHERE id = ?`,
		time.Now().Add(-2*time.Minute).UnixMilli(), job.ID); err != nil {
		t.Fatal(err)
	}

	reclaimed, err = s.RequeueStaleRunning(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != job.ID {
		t.Fatalf("reclaimed %v, want [%s]", reclaimed, job.ID)
	}
	if reclaimed[0].Status != jobstore.StatusQueued {
		t.Fatalf("returned status = %s, want queued", reclaimed[0].Status)
	}

	got, _ := s.Get(ctx, job.ID)
	if got.Status != jobstore.StatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
	if got.ClaimedBy != "" {
		t.Fatalf("claimed_by = %q, want cleared", got.ClaimedBy)
	}
	if got.Attempts != 0 {
		t.Fatalf("attempts = %d, want unchanged 0", got.Attempts)
	}

	// Safe to call again.
	if _, err := s.RequeueStaleRunning(ctx, time.Minute); err != nil {
		t.Fatal(err)
	}
}

func TestHeartbeatOnlyWhileRunning(t *testing.T) {
	_, s := openStore(t)
	ctx := context.Background()

	job := enqueue(t, s, "a", 0)
	if err := s.Heartbeat(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, job.ID)
	if !got.HeartbeatAt.IsZero() {
		t.Fatal("heartbeat recorded on a queued job")
	}

	s.ClaimNext(ctx, jobstore.ClaimOptions{WorkerID: "w"})
	if err := s.Heartbeat(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, job.ID)
	if got.HeartbeatAt.IsZero() {
		t.Fatal("heartbeat not recorded on a running job")
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	_, s := openStore(t)
	ctx := context.Background()

	job := enqueue(t, s, "a", 0)
	s.ClaimNext(ctx, jobstore.ClaimOptions{WorkerID: "w"})
	applied, err := s.Complete(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("complete did not apply to a running job")
	}

	// Every transition on a completed job is a no-op.
	if applied, err := s.Cancel(ctx, job.ID); err != nil || applied {
		t.Fatalf("cancel: applied=%v err=%v, want no-op", applied, err)
	}
	if applied, err := s.Fail(ctx, job.ID, "boom"); err != nil || applied {
		t.Fatalf("fail: applied=%v err=%v, want no-op", applied, err)
	}
	if applied, err := s.Requeue(ctx, job.ID); err != nil || applied {
		t.Fatalf("requeue: applied=%v err=%v, want no-op", applied, err)
	}

	got, _ := s.Get(ctx, job.ID)
	if got.Status != jobstore.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Error != "" {
		t.Fatalf("error = %q, want empty", got.Error)
	}
}

func TestFailRetainsMessage(t *testing.T) {
	_, s := openStore(t)
	ctx := context.Background()

	job := enqueue(t, s, "a", 0)
	s.ClaimNext(ctx, jobstore.ClaimOptions{WorkerID: "w"})
	if _, err := s.Fail(ctx, job.ID, "missing file"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, job.ID)
	if got.Status != jobstore.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error != "missing file" {
		t.Fatalf("error = %q, want retained message", got.Error)
	}
}

func TestIncrementAttemptsAndDefaultMax(t *testing.T) {
	_, s := openStore(t)
	ctx := context.Background()

	job := enqueue(t, s, "a", 0)

	attempts, max, applied, err := s.IncrementAttempts(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !applied || attempts != 1 || max != 0 {
		t.Fatalf("attempts=%d max=%d applied=%v, want 1, 0, true", attempts, max, applied)
	}

	if err := s.SetDefaultMaxAttempts(ctx, job.ID, 3); err != nil {
		t.Fatal(err)
	}
	// Second default never overrides the first.
	if err := s.SetDefaultMaxAttempts(ctx, job.ID, 99); err != nil {
		t.Fatal(err)
	}

	attempts, max, applied, err = s.IncrementAttempts(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !applied || attempts != 2 || max != 3 {
		t.Fatalf("attempts=%d max=%d applied=%v, want 2, 3, true", attempts, max, applied)
	}
}

func TestIncrementAttemptsSkipsTerminalJobs(t *testing.T) {
	_, s := openStore(t)
	ctx := context.Background()

	job := enqueue(t, s, "a", 0)
	s.ClaimNext(ctx, jobstore.ClaimOptions{WorkerID: "w"})
	if applied, err := s.Cancel(ctx, job.ID); err != nil || !applied {
		t.Fatalf("cancel: applied=%v err=%v", applied, err)
	}

	// A job canceled while its handler ran must keep attempts frozen.
	attempts, _, applied, err := s.IncrementAttempts(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if applied || attempts != 0 {
		t.Fatalf("attempts=%d applied=%v, want 0, false", attempts, applied)
	}

	got, _ := s.Get(ctx, job.ID)
	if got.Attempts != 0 {
		t.Fatalf("stored attempts = %d, want 0", got.Attempts)
	}
	if got.Status != jobstore.StatusCanceled {
		t.Fatalf("status = %s, want canceled", got.Status)
	}
}

func TestEnqueueWithItems(t *testing.T) {
	_, s := openStore(t)
	ctx := context.Background()

	job, err := s.EnqueueWithItems(ctx, jobstore.EnqueueRequest{
		TenantID: "t1", Type: "generate_derivatives",
	}, []string{"a.jpg", "b.jpg", "c.jpg"})
	if err != nil {
		t.Fatal(err)
	}

	items, err := s.Items(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for _, it := range items {
		if it.Status != jobstore.ItemPending {
			t.Fatalf("item %s status = %s, want pending", it.Reference, it.Status)
		}
	}

	if err := s.SetItemStatus(ctx, job.ID, "b.jpg", jobstore.ItemDone); err != nil {
		t.Fatal(err)
	}
	items, _ = s.Items(ctx, job.ID)
	if items[1].Status != jobstore.ItemDone {
		t.Fatalf("item status = %s, want done", items[1].Status)
	}
}

func TestEnqueueWithItemsAtomicity(t *testing.T) {
	db, s := openStore(t)
	ctx := context.Background()

	// Duplicate references violate UNIQUE(job_id, reference); the whole
	// transaction must roll back.
	_, err := s.EnqueueWithItems(ctx, jobstore.EnqueueRequest{
		TenantID: "t1", Type: "generate_derivatives",
	}, []string{"a.jpg", "b.jpg", "a.jpg", "c.jpg", "d.jpg"})
	if err == nil {
		t.Fatal("expected error on duplicate items")
	}

	var jobs, items int
	db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&jobs)
	db.QueryRow(`SELECT COUNT(*) FROM job_items`).Scan(&items)
	if jobs != 0 || items != 0 {
		t.Fatalf("jobs=%d items=%d, want 0, 0 after rollback", jobs, items)
	}
}

func TestCancelByProject(t *testing.T) {
	_, s := openStore(t)
	ctx := context.Background()

	mk := func(project string) *jobstore.Job {
		j, err := s.Enqueue(ctx, jobstore.EnqueueRequest{
			TenantID: "t1", ProjectID: project, Type: "a",
		})
		if err != nil {
			t.Fatal(err)
		}
		return j
	}
	p1a := mk("p1")
	p1b := mk("p1")
	p2 := mk("p2")

	n, err := s.CancelByProject(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("canceled %d, want 2", n)
	}

	for _, id := range []string{p1a.ID, p1b.ID} {
		got, _ := s.Get(ctx, id)
		if got.Status != jobstore.StatusCanceled {
			t.Fatalf("%s status = %s, want canceled", id, got.Status)
		}
	}
	got, _ := s.Get(ctx, p2.ID)
	if got.Status != jobstore.StatusQueued {
		t.Fatalf("other project job status = %s, want queued", got.Status)
	}
}

func TestListByTask(t *testing.T) {
	_, s := openStore(t)
	ctx := context.Background()

	for _, typ := range []string{"move_images", "generate_derivatives"} {
		_, err := s.Enqueue(ctx, jobstore.EnqueueRequest{
			TenantID: "t1", Type: typ,
			Payload: jobstore.Payload{"task_id": "task_x", "task_type": "add_photos"},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	enqueue(t, s, "unrelated", 0)

	jobs, err := s.ListByTask(ctx, "task_x")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if jobs[0].Type != "move_images" || jobs[1].Type != "generate_derivatives" {
		t.Fatalf("unexpected order: %s, %s", jobs[0].Type, jobs[1].Type)
	}
}

func TestUpdateProgress(t *testing.T) {
	_, s := openStore(t)
	ctx := context.Background()

	job := enqueue(t, s, "a", 0)
	if err := s.UpdateProgress(ctx, job.ID, 3, 10); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, job.ID)
	if got.ProgressDone != 3 || got.ProgressTotal != 10 {
		t.Fatalf("progress = %d/%d, want 3/10", got.ProgressDone, got.ProgressTotal)
	}
	// Progress never affects scheduling.
	if got.Status != jobstore.StatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
}

func TestCountByStatusAndRetention(t *testing.T) {
	db, s := openStore(t)
	ctx := context.Background()

	a := enqueue(t, s, "a", 0)
	enqueue(t, s, "b", 0)
	s.ClaimNext(ctx, jobstore.ClaimOptions{WorkerID: "w"})
	s.Complete(ctx, a.ID)

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[jobstore.StatusCompleted] != 1 || counts[jobstore.StatusQueued] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}

	// Age the completed job, then sweep.
	db.Exec(`UPDATE jobs SET updated_at = ? WHERE id = ?`,
		time.Now().Add(-48*time.Hour).UnixMilli(), a.ID)
	n, err := s.DeleteTerminalBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if got, _ := s.Get(ctx, a.ID); got != nil {
		t.Fatal("completed job survived retention sweep")
	}
}

func TestGetMissing(t *testing.T) {
	_, s := openStore(t)
	got, err := s.Get(context.Background(), "job_nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}
