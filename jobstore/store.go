// Package jobstore implements the durable job table backing the fotoq
// engine, on SQLite.
//
// Claiming is a single conditional UPDATE with a RETURNING clause, so
// concurrent callers — including callers in other processes sharing the
// database file — can never both receive the same job. Leases are proven
// by heartbeats; RequeueStaleRunning is the sole crash-recovery mechanism
// and is safe to call repeatedly and concurrently.
//
// Expected schema (created by EnsureSchema):
//
//	jobs(id, tenant_id, project_id, type, status, priority, payload,
//	     attempts, max_attempts, claimed_by, heartbeat_at, error,
//	     progress_done, progress_total, created_at, updated_at)
//	job_items(job_id, reference, status) UNIQUE(job_id, reference)
//
// Timestamps are integer milliseconds since the epoch.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/fotoq/dbopen"
	"github.com/hazyhaar/fotoq/idgen"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL DEFAULT '',
	project_id     TEXT,
	type           TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'queued',
	priority       INTEGER NOT NULL DEFAULT 0,
	payload        TEXT NOT NULL DEFAULT '{}',
	attempts       INTEGER NOT NULL DEFAULT 0,
	max_attempts   INTEGER,
	claimed_by     TEXT,
	heartbeat_at   INTEGER,
	error          TEXT,
	progress_done  INTEGER,
	progress_total INTEGER,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_task ON jobs (json_extract(payload, '$.task_id'));
CREATE TABLE IF NOT EXISTS job_items (
	job_id    TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	reference TEXT NOT NULL,
	status    TEXT NOT NULL DEFAULT 'pending',
	UNIQUE (job_id, reference)
);
`

const jobColumns = `id, tenant_id, project_id, type, status, priority, payload,
	attempts, max_attempts, claimed_by, heartbeat_at, error,
	progress_done, progress_total, created_at, updated_at`

// Store is the job table handle.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
	log   *slog.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithIDGenerator sets a custom generator for job ids.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates a store handle. Call EnsureSchema once at startup.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		newID: idgen.Prefixed("job_", idgen.Default),
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnsureSchema creates the jobs and job_items tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// EnqueueRequest describes a job to insert.
type EnqueueRequest struct {
	TenantID  string
	ProjectID string
	Type      string
	Payload   Payload
	Priority  int
}

// Enqueue inserts a queued job and returns the created row.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	return s.enqueue(ctx, s.db, req)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) enqueue(ctx context.Context, ex execer, req EnqueueRequest) (*Job, error) {
	if req.Type == "" {
		return nil, errors.New("jobstore: enqueue: empty job type")
	}
	blob, err := req.Payload.marshal()
	if err != nil {
		return nil, fmt.Errorf("jobstore: marshal payload: %w", err)
	}

	now := time.Now()
	j := &Job{
		ID:        s.newID(),
		TenantID:  req.TenantID,
		ProjectID: req.ProjectID,
		Type:      req.Type,
		Status:    StatusQueued,
		Priority:  req.Priority,
		Payload:   req.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, project_id, type, status, priority, payload, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		j.ID, j.TenantID, nullStr(j.ProjectID), j.Type, StatusQueued, j.Priority,
		string(blob), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("jobstore: enqueue: %w", err)
	}
	return j, nil
}

// EnqueueWithItems inserts a queued job plus one job_items row per entry,
// in a single transaction. On any failure nothing is created.
func (s *Store) EnqueueWithItems(ctx context.Context, req EnqueueRequest, items []string) (*Job, error) {
	var job *Job
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		j, err := s.enqueue(ctx, tx, req)
		if err != nil {
			return err
		}
		for _, ref := range items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO job_items (job_id, reference, status) VALUES (?,?,?)`,
				j.ID, ref, ItemPending,
			); err != nil {
				return fmt.Errorf("jobstore: insert item %q: %w", ref, err)
			}
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimOptions narrows what ClaimNext may pick up.
type ClaimOptions struct {
	// WorkerID identifies the claimant; stamped into claimed_by.
	WorkerID string
	// MinPriority, when non-nil, restricts the claim to jobs with
	// priority >= *MinPriority.
	MinPriority *int
	// MaxPriority, when non-nil, restricts the claim to jobs with
	// priority <= *MaxPriority.
	MaxPriority *int
}

// ClaimNext atomically transitions the most urgent eligible queued job to
// running, stamps claimed_by and heartbeat_at, and returns it. Within the
// priority range, higher priority wins and ties go to the oldest row.
// Returns nil, nil when no eligible job exists.
func (s *Store) ClaimNext(ctx context.Context, opts ClaimOptions) (*Job, error) {
	now := time.Now().UnixMilli()

	cond := `status = ?`
	args := []any{StatusRunning, now, opts.WorkerID, now, StatusQueued}
	if opts.MinPriority != nil {
		cond += ` AND priority >= ?`
		args = append(args, *opts.MinPriority)
	}
	if opts.MaxPriority != nil {
		cond += ` AND priority <= ?`
		args = append(args, *opts.MaxPriority)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, heartbeat_at = ?, claimed_by = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE `+cond+`
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		args...,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: claim: %w", err)
	}
	return j, nil
}

// Heartbeat refreshes heartbeat_at for a running job. No-op otherwise.
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = ? WHERE id = ? AND status = ?`,
		time.Now().UnixMilli(), jobID, StatusRunning,
	)
	return err
}

// RequeueStaleRunning reverts running jobs whose heartbeat is older than
// stale back to queued, clearing claimed_by and heartbeat_at and leaving
// attempts unchanged. Returns the reclaimed jobs so the caller can emit
// a transition event per job.
func (s *Store) RequeueStaleRunning(ctx context.Context, stale time.Duration) ([]*Job, error) {
	cutoff := time.Now().Add(-stale).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs
		SET status = ?, claimed_by = NULL, heartbeat_at = NULL, updated_at = ?
		WHERE status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?
		RETURNING `+jobColumns,
		StatusQueued, time.Now().UnixMilli(), StatusRunning, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("jobstore: requeue stale: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore: requeue stale: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobstore: requeue stale: %w", err)
	}
	if len(jobs) > 0 {
		s.log.Warn("jobstore: reclaimed stale running jobs", "count", len(jobs), "stale", stale)
	}
	return jobs, nil
}

// IncrementAttempts bumps the attempt counter on a queued or running job
// and returns the new value together with max_attempts (0 if still
// unset). A job already in a terminal state is left untouched and
// reported as not applied.
func (s *Store) IncrementAttempts(ctx context.Context, jobID string) (attempts, maxAttempts int, applied bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
		RETURNING attempts, max_attempts`,
		time.Now().UnixMilli(), jobID, StatusQueued, StatusRunning,
	)
	var max sql.NullInt64
	if err := row.Scan(&attempts, &max); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, false, nil
		}
		return 0, 0, false, fmt.Errorf("jobstore: increment attempts: %w", err)
	}
	return attempts, int(max.Int64), true, nil
}

// SetDefaultMaxAttempts sets max_attempts only when it is still unset.
// Applied once, at first claim time.
func (s *Store) SetDefaultMaxAttempts(ctx context.Context, jobID string, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET max_attempts = ? WHERE id = ? AND max_attempts IS NULL`,
		n, jobID,
	)
	return err
}

// Requeue returns a running job to the queue so it becomes claimable
// again. Reports whether the transition applied; a no-op on any other
// state.
func (s *Store) Requeue(ctx context.Context, jobID string) (bool, error) {
	return s.transition(ctx, jobID, StatusQueued, "", StatusRunning)
}

// Complete marks a running job completed. Reports whether the transition
// applied; a no-op on any other state.
func (s *Store) Complete(ctx context.Context, jobID string) (bool, error) {
	return s.transition(ctx, jobID, StatusCompleted, "", StatusRunning)
}

// Fail marks a running job failed, retaining the last error message.
// Reports whether the transition applied; a no-op on any other state.
func (s *Store) Fail(ctx context.Context, jobID, message string) (bool, error) {
	return s.transition(ctx, jobID, StatusFailed, message, StatusRunning)
}

// Cancel marks a queued or running job canceled. Cancellation of a running
// job is cooperative: the handler keeps executing until it checks.
func (s *Store) Cancel(ctx context.Context, jobID string) (bool, error) {
	return s.transition(ctx, jobID, StatusCanceled, "", StatusQueued, StatusRunning)
}

func (s *Store) transition(ctx context.Context, jobID string, to Status, msg string, from ...Status) (bool, error) {
	q := `UPDATE jobs SET status = ?, claimed_by = NULL, heartbeat_at = NULL, updated_at = ?`
	args := []any{to, time.Now().UnixMilli()}
	if msg != "" {
		q += `, error = ?`
		args = append(args, msg)
	}
	q += ` WHERE id = ? AND status IN (?` + repeat(",?", len(from)-1) + `)`
	args = append(args, jobID)
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("jobstore: transition to %s: %w", to, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func repeat(s string, n int) string {
	out := ""
	for range n {
		out += s
	}
	return out
}

// CancelByProject cancels every queued or running job of a project.
// Returns the number of jobs canceled.
func (s *Store) CancelByProject(ctx context.Context, projectID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, claimed_by = NULL, heartbeat_at = NULL, updated_at = ?
		WHERE project_id = ? AND status IN (?, ?)`,
		StatusCanceled, time.Now().UnixMilli(), projectID, StatusQueued, StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("jobstore: cancel by project: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpdateProgress records best-effort progress counters. Never affects
// scheduling.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, done, total int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress_done = ?, progress_total = ?, updated_at = ? WHERE id = ?`,
		done, total, time.Now().UnixMilli(), jobID,
	)
	return err
}

// Get returns a job by id, or nil, nil when it does not exist.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get: %w", err)
	}
	return j, nil
}

// ListByTask returns all jobs sharing a task correlation id, oldest first.
// A task has no row of its own; this query is how its state is
// reconstructed.
func (s *Store) ListByTask(ctx context.Context, taskID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE json_extract(payload, '$.task_id') = ?
		 ORDER BY created_at ASC, id ASC`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list by task: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore: list by task: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Items returns the batch items of a job in insertion order.
func (s *Store) Items(ctx context.Context, jobID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, reference, status FROM job_items WHERE job_id = ? ORDER BY rowid`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("jobstore: items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.JobID, &it.Reference, &it.Status); err != nil {
			return nil, fmt.Errorf("jobstore: items: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SetItemStatus updates one batch item of a job.
func (s *Store) SetItemStatus(ctx context.Context, jobID, reference string, status ItemStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_items SET status = ? WHERE job_id = ? AND reference = ?`,
		status, jobID, reference,
	)
	return err
}

// CountByStatus returns job counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("jobstore: count: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("jobstore: count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// DeleteTerminalBefore removes completed, failed, and canceled jobs last
// updated before cutoff. Items go with them via ON DELETE CASCADE.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		StatusCompleted, StatusFailed, StatusCanceled, cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("jobstore: delete terminal: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j          Job
		project    sql.NullString
		maxAtt     sql.NullInt64
		claimedBy  sql.NullString
		hbAt       sql.NullInt64
		errMsg     sql.NullString
		done, tot  sql.NullInt64
		creAt, upd int64
		blob       string
	)
	err := row.Scan(
		&j.ID, &j.TenantID, &project, &j.Type, &j.Status, &j.Priority, &blob,
		&j.Attempts, &maxAtt, &claimedBy, &hbAt, &errMsg,
		&done, &tot, &creAt, &upd,
	)
	if err != nil {
		return nil, err
	}
	j.ProjectID = project.String
	j.MaxAttempts = int(maxAtt.Int64)
	j.ClaimedBy = claimedBy.String
	if hbAt.Valid {
		j.HeartbeatAt = time.UnixMilli(hbAt.Int64)
	}
	j.Error = errMsg.String
	j.ProgressDone = int(done.Int64)
	j.ProgressTotal = int(tot.Int64)
	j.CreatedAt = time.UnixMilli(creAt)
	j.UpdatedAt = time.UnixMilli(upd)
	if err := json.Unmarshal([]byte(blob), &j.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload of %s: %w", j.ID, err)
	}
	return &j, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
