// Package handlers holds the built-in job handlers for photo
// management work: derivative generation, file moves and removals,
// project cleanup, and the maintenance sweep.
//
// Handlers are registered with the scheduler by type name. Batch jobs
// carry their per-image references as job items: a handler skips items
// already marked done, so a retried job resumes where it left off.
package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/fotoq/derive"
	"github.com/hazyhaar/fotoq/imagepool"
	"github.com/hazyhaar/fotoq/jobstore"
	"github.com/hazyhaar/fotoq/observability"
	"github.com/hazyhaar/fotoq/scheduler"
)

// Payload keys the built-in handlers read.
const (
	KeyOutputDir     = "output_dir"
	KeyDestDir       = "dest_dir"
	KeyTargetDir     = "target_dir"
	KeyRetentionDays = "retention_days"
)

// Derivatives produces scaled variants of each item's source photo
// through the image pool.
type Derivatives struct {
	pool  *imagepool.Pool
	specs []derive.Spec
	log   *slog.Logger
}

// NewDerivatives creates the generate_derivatives handler. specs are
// templates: the Output path of each is filled in per item under the
// job's output_dir.
func NewDerivatives(pool *imagepool.Pool, specs []derive.Spec, log *slog.Logger) *Derivatives {
	if log == nil {
		log = slog.Default()
	}
	return &Derivatives{pool: pool, specs: specs, log: log}
}

func (h *Derivatives) Type() string { return "generate_derivatives" }

func (h *Derivatives) Execute(ctx context.Context, jc *scheduler.JobContext) error {
	outputDir := jc.Job.Payload.String(KeyOutputDir)
	if outputDir == "" {
		return errors.New("generate_derivatives: payload missing output_dir")
	}

	items, err := jc.Items(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return errors.New("generate_derivatives: job has no items")
	}

	total := len(items)
	done := 0
	for _, it := range items {
		if it.Status == jobstore.ItemDone {
			done++
		}
	}
	jc.Progress(ctx, done, total)

	failed := 0
	for _, it := range items {
		if it.Status == jobstore.ItemDone {
			continue
		}
		if jc.Canceled(ctx) {
			return nil
		}

		pending, err := h.pool.Process(imagepool.Task{
			Source:      it.Reference,
			Derivatives: h.specsFor(outputDir, it.Reference),
		})
		if err != nil {
			return fmt.Errorf("generate_derivatives: submit %s: %w", it.Reference, err)
		}
		outs, err := pending.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.log.Warn("derivative generation failed", "source", it.Reference, "error", err)
			failed++
			if err := jc.SetItemStatus(ctx, it.Reference, jobstore.ItemFailed); err != nil {
				return err
			}
			continue
		}
		h.log.Debug("derivatives generated", "source", it.Reference, "count", len(outs))
		if err := jc.SetItemStatus(ctx, it.Reference, jobstore.ItemDone); err != nil {
			return err
		}
		done++
		jc.Progress(ctx, done, total)
	}

	if failed > 0 {
		return fmt.Errorf("generate_derivatives: %d of %d items failed", failed, total)
	}
	return nil
}

// specsFor fills in output paths: /out/<name>_<kind><ext>, keeping the
// template's extension when it sets one.
func (h *Derivatives) specsFor(outputDir, source string) []derive.Spec {
	base := filepath.Base(source)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	specs := make([]derive.Spec, len(h.specs))
	for i, s := range h.specs {
		ext := filepath.Ext(s.Output)
		if ext == "" {
			ext = ".jpg"
		}
		s.Output = filepath.Join(outputDir, stem+"_"+s.Kind+ext)
		specs[i] = s
	}
	return specs
}

// MoveImages relocates each item's file into the job's dest_dir.
// Falls back to copy-and-remove when rename crosses filesystems.
type MoveImages struct {
	log *slog.Logger
}

func NewMoveImages(log *slog.Logger) *MoveImages {
	if log == nil {
		log = slog.Default()
	}
	return &MoveImages{log: log}
}

func (h *MoveImages) Type() string { return "move_images" }

func (h *MoveImages) Execute(ctx context.Context, jc *scheduler.JobContext) error {
	destDir := jc.Job.Payload.String(KeyDestDir)
	if destDir == "" {
		return errors.New("move_images: payload missing dest_dir")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("move_images: %w", err)
	}

	items, err := jc.Items(ctx)
	if err != nil {
		return err
	}

	total := len(items)
	done := 0
	failed := 0
	for _, it := range items {
		if it.Status == jobstore.ItemDone {
			done++
			continue
		}
		if jc.Canceled(ctx) {
			return nil
		}

		dst := filepath.Join(destDir, filepath.Base(it.Reference))
		if err := moveFile(it.Reference, dst); err != nil {
			h.log.Warn("move failed", "source", it.Reference, "dest", dst, "error", err)
			failed++
			if err := jc.SetItemStatus(ctx, it.Reference, jobstore.ItemFailed); err != nil {
				return err
			}
			continue
		}
		if err := jc.SetItemStatus(ctx, it.Reference, jobstore.ItemDone); err != nil {
			return err
		}
		done++
		jc.Progress(ctx, done, total)
	}

	if failed > 0 {
		return fmt.Errorf("move_images: %d of %d items failed", failed, total)
	}
	return nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across filesystems; copy then remove.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// RemoveFiles deletes each item's file. A file already gone counts as
// removed, so retries and duplicate submissions stay idempotent.
type RemoveFiles struct {
	log *slog.Logger
}

func NewRemoveFiles(log *slog.Logger) *RemoveFiles {
	if log == nil {
		log = slog.Default()
	}
	return &RemoveFiles{log: log}
}

func (h *RemoveFiles) Type() string { return "remove_files" }

func (h *RemoveFiles) Execute(ctx context.Context, jc *scheduler.JobContext) error {
	items, err := jc.Items(ctx)
	if err != nil {
		return err
	}

	total := len(items)
	done := 0
	failed := 0
	for _, it := range items {
		if it.Status == jobstore.ItemDone {
			done++
			continue
		}
		if jc.Canceled(ctx) {
			return nil
		}

		err := os.Remove(it.Reference)
		if err != nil && !os.IsNotExist(err) {
			h.log.Warn("remove failed", "path", it.Reference, "error", err)
			failed++
			if err := jc.SetItemStatus(ctx, it.Reference, jobstore.ItemFailed); err != nil {
				return err
			}
			continue
		}
		if err := jc.SetItemStatus(ctx, it.Reference, jobstore.ItemDone); err != nil {
			return err
		}
		done++
		jc.Progress(ctx, done, total)
	}

	if failed > 0 {
		return fmt.Errorf("remove_files: %d of %d items failed", failed, total)
	}
	return nil
}

// RemoveTree deletes a whole directory named by the job's target_dir.
// One constructor serves both project-file and derivative cleanup,
// which differ only in registered type name.
type RemoveTree struct {
	typeName string
}

func NewRemoveTree(typeName string) *RemoveTree {
	return &RemoveTree{typeName: typeName}
}

func (h *RemoveTree) Type() string { return h.typeName }

func (h *RemoveTree) Execute(ctx context.Context, jc *scheduler.JobContext) error {
	target := jc.Job.Payload.String(KeyTargetDir)
	if target == "" {
		return fmt.Errorf("%s: payload missing target_dir", h.typeName)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("%s: %w", h.typeName, err)
	}
	return nil
}

// Maintenance prunes terminal jobs and observability rows past the
// retention window. Runs as a periodic job like any other.
type Maintenance struct {
	store         *jobstore.Store
	obsDB         *sql.DB
	retentionDays int
	log           *slog.Logger
}

// NewMaintenance creates the maintenance_sweep handler. retentionDays
// applies unless the job payload overrides it; obsDB may be nil to skip
// observability cleanup.
func NewMaintenance(store *jobstore.Store, obsDB *sql.DB, retentionDays int, log *slog.Logger) *Maintenance {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	if log == nil {
		log = slog.Default()
	}
	return &Maintenance{store: store, obsDB: obsDB, retentionDays: retentionDays, log: log}
}

func (h *Maintenance) Type() string { return "maintenance_sweep" }

func (h *Maintenance) Execute(ctx context.Context, jc *scheduler.JobContext) error {
	days := h.retentionDays
	if v, ok := jc.Job.Payload[KeyRetentionDays]; ok {
		if n := asInt(v); n > 0 {
			days = n
		}
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	removed, err := h.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("maintenance_sweep: %w", err)
	}
	h.log.Info("maintenance sweep pruned terminal jobs", "removed", removed, "retention_days", days)

	if h.obsDB != nil {
		n, err := observability.Cleanup(ctx, h.obsDB, days)
		if err != nil {
			h.log.Warn("maintenance sweep: observability cleanup failed", "error", err)
		} else if n > 0 {
			h.log.Info("maintenance sweep pruned observability rows", "removed", n)
		}
	}
	return nil
}

// asInt coerces payload numbers, which arrive as float64 after a JSON
// round-trip through the store.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
