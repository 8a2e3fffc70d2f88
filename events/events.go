// Package events carries job status transitions out of the engine.
//
// Every transition (queued, running, completed, failed) emits one Event to
// a Sink. The consuming fan-out layer (SSE, pub/sub) lives outside the
// engine; sinks here are deliberately thin adapters. Emission is
// best-effort: a failing sink never blocks or fails the job that caused
// the event.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hazyhaar/fotoq/jobstore"
)

// Event is the outward-facing record of one job status transition.
type Event struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	Type          string `json:"type,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
	TaskType      string `json:"task_type,omitempty"`
	Source        string `json:"source,omitempty"`
	ProgressDone  int    `json:"progress_done,omitempty"`
	ProgressTotal int    `json:"progress_total,omitempty"`
	Error         string `json:"error,omitempty"`
	// DurationMs is the handler execution time, set on terminal
	// transitions only.
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// FromJob builds an Event for a job entering the given status, copying the
// task correlation fields out of the payload.
func FromJob(j *jobstore.Job, status jobstore.Status) Event {
	return Event{
		JobID:         j.ID,
		Status:        string(status),
		Type:          j.Type,
		TaskID:        j.Payload.TaskID(),
		TaskType:      j.Payload.TaskType(),
		Source:        j.Payload.Source(),
		ProgressDone:  j.ProgressDone,
		ProgressTotal: j.ProgressTotal,
		Error:         j.Error,
	}
}

// Sink receives status events.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SlogSink logs every event. The default sink when nothing else is wired.
type SlogSink struct {
	Log *slog.Logger
}

func (s *SlogSink) Emit(_ context.Context, ev Event) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("events: job status",
		"job_id", ev.JobID, "status", ev.Status, "type", ev.Type,
		"task_id", ev.TaskID, "error", ev.Error)
}

// MemorySink records events in order, for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemorySink) Emit(_ context.Context, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Events returns a copy of everything emitted so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByStatus returns the recorded events with the given status.
func (m *MemorySink) ByStatus(status string) []Event {
	var out []Event
	for _, ev := range m.Events() {
		if ev.Status == status {
			out = append(out, ev)
		}
	}
	return out
}

// Multi fans one event out to several sinks.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}
