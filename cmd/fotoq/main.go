// Command fotoq is the photo job processing daemon.
//
// Usage:
//
//	fotoq -config fotoq.yaml                     # run the engine + admin API
//	fotoq -config fotoq.yaml -start import_album # also kick off one task
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/fotoq/admin"
	"github.com/hazyhaar/fotoq/config"
	"github.com/hazyhaar/fotoq/dbopen"
	"github.com/hazyhaar/fotoq/engine"
	"github.com/hazyhaar/fotoq/events"
	"github.com/hazyhaar/fotoq/imagepool"
	"github.com/hazyhaar/fotoq/scheduler"
	"github.com/hazyhaar/fotoq/tasks"
)

func main() {
	configPath := flag.String("config", "fotoq.yaml", "path to the YAML config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "json", "log format: json, console")
	startTask := flag.String("start", "", "start a task of this type after boot")
	startTenant := flag.String("tenant", "", "tenant id for -start")
	startProject := flag.String("project", "", "project id for -start")
	startItems := flag.String("items", "", "comma-separated item references for -start")
	flag.Parse()

	logger := newLogger(*logLevel, *logFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := startRequest{
		taskType:  *startTask,
		tenantID:  *startTenant,
		projectID: *startProject,
		items:     splitItems(*startItems),
	}
	if err := run(ctx, logger, *configPath, start); err != nil {
		logger.Error("fotoq: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if format == "console" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

type startRequest struct {
	taskType  string
	tenantID  string
	projectID string
	items     []string
}

func splitItems(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func run(ctx context.Context, logger *slog.Logger, configPath string, start startRequest) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	obsDB := db
	if cfg.ObsDBPath != "" && cfg.ObsDBPath != cfg.DBPath {
		obsDB, err = dbopen.Open(cfg.ObsDBPath, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("open observability db: %w", err)
		}
		defer obsDB.Close()
	}

	var defs tasks.Definitions
	if cfg.TasksFile != "" {
		defs, err = tasks.LoadDefinitions(cfg.TasksFile)
		if err != nil {
			return fmt.Errorf("load task definitions: %w", err)
		}
		logger.Info("task definitions loaded", "count", len(defs), "file", cfg.TasksFile)
	}

	var sink events.Sink
	if cfg.AMQP.URL != "" {
		amqpSink, err := events.DialAMQP(events.AMQPConfig{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		defer amqpSink.Close()
		sink = amqpSink
		logger.Info("amqp event sink connected", "exchange", cfg.AMQP.Exchange)
	}

	eng, err := engine.New(engine.Config{
		DB:          db,
		ObsDB:       obsDB,
		Definitions: defs,
		Scheduler: scheduler.Config{
			TickInterval:       cfg.Scheduler.TickInterval,
			PrioritySlots:      cfg.Scheduler.PrioritySlots,
			NormalSlots:        cfg.Scheduler.NormalSlots,
			PriorityThreshold:  cfg.Scheduler.PriorityThreshold,
			StaleAfter:         cfg.Scheduler.StaleAfter,
			DefaultMaxAttempts: cfg.Scheduler.DefaultMaxAttempts,
		},
		Pool: imagepool.Config{
			Workers:         cfg.Pool.Workers,
			IdleTimeout:     cfg.Pool.IdleTimeout,
			ShutdownTimeout: cfg.Pool.ShutdownTimeout,
		},
		DerivativeSpecs:   cfg.DeriveSpecs(),
		RetentionDays:     cfg.RetentionDays,
		Sink:              sink,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	srv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           admin.New(eng, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", "addr", cfg.Admin.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if start.taskType != "" {
		res, err := eng.StartTask(ctx, tasks.StartOptions{
			TenantID:  start.tenantID,
			ProjectID: start.projectID,
			Type:      start.taskType,
			Source:    "cli",
			Items:     start.items,
		})
		if err != nil {
			return fmt.Errorf("start task: %w", err)
		}
		logger.Info("task started", "task_id", res.TaskID, "type", res.Type)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin shutdown", "error", err)
	}
	return nil
}
