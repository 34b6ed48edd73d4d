// Task Execution Service
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/taskexec/internal/admission"
	"github.com/ashureev/taskexec/internal/attachments"
	"github.com/ashureev/taskexec/internal/config"
	"github.com/ashureev/taskexec/internal/engine"
	"github.com/ashureev/taskexec/internal/eventstore"
	"github.com/ashureev/taskexec/internal/executor"
	"github.com/ashureev/taskexec/internal/httpapi"
	"github.com/ashureev/taskexec/internal/listener"
	"github.com/ashureev/taskexec/internal/middleware"
	"github.com/ashureev/taskexec/internal/registry"
	"github.com/ashureev/taskexec/internal/runnerpool"
	"github.com/ashureev/taskexec/internal/taskmanager"
	"github.com/ashureev/taskexec/internal/taskstore"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.LogFormat == "text" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}

	slog.Info("starting task execution service", "port", cfg.Server.Port)

	events := eventstore.New(cfg.Storage.EventsDir, cfg.Storage.EventsFsync)
	snapshots := taskstore.New(cfg.Storage.TasksFile, cfg.Storage.DebounceDelay)
	reg := registry.New()
	listeners := listener.New(cfg.SSE.ListenerQueueCapacity)
	gate := admission.New(cfg.Admission.Capacity)
	sink := attachments.New(cfg.Storage.AttachmentsDir, cfg.Attachments.MaxSizeBytes, cfg.Attachments.AllowedExtensions)

	backend, err := runnerpool.NewDockerBackend(runnerpool.DockerBackendConfig{
		Image:            cfg.RunnerPool.Image,
		MemoryLimitBytes: cfg.RunnerPool.MemoryLimitBytes,
		CPUQuota:         cfg.RunnerPool.CPUQuota,
		PidsLimit:        cfg.RunnerPool.PidsLimit,
	})
	if err != nil {
		slog.Error("failed to initialize docker backend", "error", err)
		os.Exit(1)
	}
	pool := runnerpool.New(backend, runnerpool.Config{
		MaxSize:             cfg.RunnerPool.MaxSize,
		MinGeneric:          cfg.RunnerPool.MinGeneric,
		IdleTTL:             cfg.RunnerPool.IdleTTL,
		MaintenanceInterval: cfg.RunnerPool.MaintenanceInterval,
	})

	transport := engine.NewDockerExecTransport(backend.Client(), cfg.RunnerPool.InterruptSignal)
	adapter := engine.New(pool, transport)
	exec := executor.New(events, listeners, gate, adapter, cfg.Admission.AcquireTimeout)
	manager := taskmanager.New(reg, events, snapshots, listeners, exec, taskmanager.Hooks{})

	if err := manager.LoadSnapshot(); err != nil {
		slog.Error("failed to load task snapshot", "error", err)
		os.Exit(1)
	}
	slog.Info("task snapshot loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	slog.Info("runner pool maintenance started", "max_size", cfg.RunnerPool.MaxSize, "min_generic", cfg.RunnerPool.MinGeneric)

	cleanupSched := cron.New(cron.WithSeconds())
	if _, err := cleanupSched.AddFunc(cfg.Cleanup.Cron, func() {
		n := manager.CleanupOld(cfg.Cleanup.MaxAge)
		if n > 0 {
			slog.Info("periodic cleanup removed terminal tasks", "count", n)
		}
		if swept, err := sink.SweepOlderThan(cfg.Cleanup.MaxAge); err != nil {
			slog.Error("periodic attachment sweep failed", "error", err)
		} else if swept > 0 {
			slog.Info("periodic cleanup removed aged attachment directories", "count", swept)
		}
	}); err != nil {
		slog.Error("failed to schedule cleanup job", "error", err)
		os.Exit(1)
	}
	cleanupSched.Start()
	defer cleanupSched.Stop()

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Server.AllowOrigins))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams are long-lived.
		IdleTimeout:  120 * time.Second,
	}

	apiHandler, err := httpapi.New(manager, events, sink, gate, pool, httpapi.Config{
		RetryDelay:         cfg.SSE.RetryDelay,
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
	}, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	if err != nil {
		slog.Error("failed to initialize http handler", "error", err)
		os.Exit(1)
	}

	r.Route("/", func(r chi.Router) {
		r.Use(httpapi.BearerAuth(cfg.Server.BearerToken))
		apiHandler.Routes(r)
	})
	srv.Handler = r

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("shutting down gracefully...")

	manager.CancelAll(10 * time.Second)
	if err := manager.Flush(); err != nil {
		slog.Error("failed to flush task snapshot", "error", err)
	}
	pool.Shutdown(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped successfully")
}
