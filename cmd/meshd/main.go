package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jo-hoe/meshd/internal/collector"
	appcfg "github.com/jo-hoe/meshd/internal/config"
	"github.com/jo-hoe/meshd/internal/frames"
	"github.com/jo-hoe/meshd/internal/jobs"
	"github.com/jo-hoe/meshd/internal/mesh"
	"github.com/jo-hoe/meshd/internal/metrics"
	"github.com/jo-hoe/meshd/internal/processor"
	"github.com/jo-hoe/meshd/internal/server"
	"github.com/jo-hoe/meshd/internal/storage"
)

const shutdownReason = "service shut down before the job started"

func main() {
	// Logger
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	if lvl, err := appcfg.ParseLogLevel(cfg.Server.LogLevel); err == nil {
		level.Set(lvl)
	}

	// Job store
	var store jobs.Store
	switch cfg.Jobs.Registry {
	case appcfg.RegistrySQLite:
		store, err = jobs.NewSQLiteStore(cfg.Jobs.DatabasePath)
		if err != nil {
			logger.Error("sqlite open", "path", cfg.Jobs.DatabasePath, "err", err)
			os.Exit(1)
		}
	default:
		store = jobs.NewRegistry()
	}
	defer func() { _ = store.Close() }()

	// Workspace and external tools
	ws := storage.NewWorkspace(cfg.Jobs.StorageDir, cfg.Server.DownloadTimeout)
	extractor := frames.NewExtractor(cfg.FFmpeg.Path, cfg.Jobs.MaxFrames, cfg.FFmpeg.TargetFPS, cfg.FFmpeg.Timeout)
	generator := mesh.NewCLI(cfg.Mesh.Command, cfg.Mesh.PythonPath, cfg.Mesh.StderrIsFailure())
	if cfg.Mesh.BlenderPath == "" {
		logger.Info("mesh.blenderPath not set, composite export requests will be skipped")
	}

	// Worker and queue
	worker := processor.New(logger, cfg, store, generator, collector.New(nil), ws)
	queue := jobs.NewQueue(logger, cfg.Jobs.QueueCapacity, cfg.Jobs.Slots)
	queue.Observe(metrics.QueueObserver{})
	// Running jobs get their own context so shutdown can drain them before cancelling.
	if err := queue.Start(context.Background(), worker); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}
	pipeline := processor.NewPipeline(logger, store, queue, ws)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Retention
	janitor := processor.NewJanitor(logger, store, ws, cfg.Jobs.Retention, cfg.Jobs.SweepInterval)
	janitor.Busy = worker.Busy
	go janitor.Run(rootCtx)

	// HTTP server
	httpMetrics := metrics.NewMiddleware()
	httpMetrics.MustRegister(nil)
	svc := &server.Service{
		Log:       logger,
		Cfg:       cfg,
		Store:     store,
		Pipeline:  pipeline,
		Workspace: ws,
		Frames:    extractor,
		Metrics:   httpMetrics,
		Capacity:  queue,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr, "slots", cfg.Jobs.Slots, "registry", cfg.Jobs.Registry)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	// Stop workers; jobs that never got a slot must not stay queued.
	dropped := queue.Shutdown(cfg.Server.ShutdownGrace)
	pipeline.FailDropped(dropped, shutdownReason)
	logger.Info("server stopped", "dropped_jobs", len(dropped))
}
