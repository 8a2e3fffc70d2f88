package jobstore

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Payload keys carrying task correlation. A job created outside a task
// chain has none of them.
const (
	KeyTaskID   = "task_id"
	KeyTaskType = "task_type"
	KeySource   = "source"
)

// Payload is the opaque structured blob attached to a job. It round-trips
// through JSON in the store; handlers read their own keys out of it.
type Payload map[string]any

// String returns the payload value for key if it is a string.
func (p Payload) String(key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

// Flag reports whether the payload value for key is truthy (boolean true).
func (p Payload) Flag(key string) bool {
	if p == nil {
		return false
	}
	b, _ := p[key].(bool)
	return b
}

// TaskID returns the task correlation id, or "" for a non-task job.
func (p Payload) TaskID() string { return p.String(KeyTaskID) }

// TaskType returns the task definition name, or "".
func (p Payload) TaskType() string { return p.String(KeyTaskType) }

// Source returns the origin tag recorded when the task was started.
func (p Payload) Source() string { return p.String(KeySource) }

func (p Payload) marshal() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Job is one persisted unit of schedulable work.
//
// Nullable columns map to Go zero values: an empty ProjectID, ClaimedBy or
// Error means NULL, a zero HeartbeatAt means no heartbeat recorded, and
// MaxAttempts 0 means not yet defaulted. ProgressTotal 0 means no progress
// has been reported.
type Job struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	ProjectID     string    `json:"project_id,omitempty"`
	Type          string    `json:"type"`
	Status        Status    `json:"status"`
	Priority      int       `json:"priority"`
	Payload       Payload   `json:"payload,omitempty"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts,omitempty"`
	ClaimedBy     string    `json:"claimed_by,omitempty"`
	HeartbeatAt   time.Time `json:"heartbeat_at,omitzero"`
	Error         string    `json:"error,omitempty"`
	ProgressDone  int       `json:"progress_done"`
	ProgressTotal int       `json:"progress_total"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ItemStatus is the per-item state inside a batch job.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemDone    ItemStatus = "done"
	ItemFailed  ItemStatus = "failed"
)

// Item is one unit inside a job's batch (e.g. one photo). Items are never
// independently re-queued; the parent job retries as a whole.
type Item struct {
	JobID     string     `json:"job_id"`
	Reference string     `json:"reference"`
	Status    ItemStatus `json:"status"`
}
