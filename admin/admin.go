// Package admin serves the read-only HTTP surface of the engine:
// health, queue statistics, and job/task inspection. Mutations go
// through the engine API, not HTTP.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/fotoq/engine"
	"github.com/hazyhaar/fotoq/observability"
	"github.com/hazyhaar/fotoq/tasks"
)

// Server exposes engine state over HTTP.
type Server struct {
	engine *engine.Engine
	log    *slog.Logger
}

// New builds the admin router for the given engine.
func New(e *engine.Engine, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{engine: e, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/stats", s.handleStats)
	r.Get("/jobs/{id}", s.handleJob)
	r.Get("/tasks/{id}/jobs", s.handleTask)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"worker_id": s.engine.WorkerID(),
	})
}

type statsResponse struct {
	WorkerID string                       `json:"worker_id"`
	Jobs     map[string]int               `json:"jobs"`
	Pool     poolStats                    `json:"pool"`
	Runtime  observability.RuntimeMetrics `json:"runtime"`
}

type poolStats struct {
	Workers    int `json:"workers"`
	Busy       int `json:"busy"`
	QueueDepth int `json:"queue_depth"`
	Active     int `json:"active"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.engine.Store().CountByStatus(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	jobs := make(map[string]int, len(counts))
	for status, n := range counts {
		jobs[string(status)] = n
	}
	ps := s.engine.PoolStats()
	writeJSON(w, http.StatusOK, statsResponse{
		WorkerID: s.engine.WorkerID(),
		Jobs:     jobs,
		Pool: poolStats{
			Workers:    ps.Workers,
			Busy:       ps.Busy,
			QueueDepth: ps.QueueDepth,
			Active:     ps.Active,
		},
		Runtime: observability.CollectRuntimeMetrics(),
	})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Store().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	items, err := s.engine.Store().Items(r.Context(), job.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":   job,
		"items": items,
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	status, jobs, err := s.engine.TaskStatus(r.Context(), taskID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if status == tasks.TaskUnknown {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  status,
		"jobs":    jobs,
	})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.log.Error("admin: request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
