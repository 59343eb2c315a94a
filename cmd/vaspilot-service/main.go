// vaspilot-service is the HTTP API server for managing VASP calculation jobs.
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

	"vaspilot/internal/api"
	"vaspilot/internal/classify"
	"vaspilot/internal/config"
	"vaspilot/internal/engine"
	"vaspilot/internal/health"
	"vaspilot/internal/notify"
	"vaspilot/internal/observability"
	"vaspilot/internal/recordstore"
	"vaspilot/internal/scheduler"
	"vaspilot/internal/workspace"
	"vaspilot/pkg/circuitbreaker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	if err := svcCfg.Validate(); err != nil {
		return err
	}
	settings, err := config.LoadEngineSettings(svcCfg.EngineFile)
	if err != nil {
		return err
	}
	rules, err := classify.NewTable(settings.Rules)
	if err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Execution record store: Postgres when configured, in-memory otherwise
	var store recordstore.Store
	if svcCfg.RecordDSN != "" {
		pg, err := recordstore.NewPostgresStore(ctx, svcCfg.RecordDSN)
		if err != nil {
			return err
		}
		store = pg
		slog.Info("Connected to Postgres record store")
	} else {
		store = recordstore.NewMemoryStore()
		slog.Warn("Using in-memory record store - execution history is lost on restart")
	}
	defer store.Close()

	// Batch scheduler client, wrapped in a circuit breaker
	var inner scheduler.Client
	switch svcCfg.Scheduler {
	case "docker":
		dc, err := scheduler.NewDockerClient(ctx, svcCfg.SolverImage)
		if err != nil {
			return err
		}
		inner = dc
	default:
		inner = scheduler.NewSlurmClient()
	}
	sched := scheduler.Guard(inner, circuitbreaker.DefaultConfig())
	slog.Info("Scheduler configured", "scheduler", sched.Name())

	ws, err := workspace.NewManager(svcCfg.WorkDir)
	if err != nil {
		return err
	}

	// Create callback notifier
	notifier := notify.New(notify.Config{}, metrics)

	// Create the calculation engine
	eng, err := engine.New(engine.Config{
		MaxConcurrent: svcCfg.MaxConcurrentJobs,
		MaxQueue:      svcCfg.MaxQueueSize,
		PollInterval:  svcCfg.PollInterval,
		MaxAttempts:   settings.MaxAttempts,
		TypeDefaults:  settings.TypeDefaults(),
		Rules:         rules,
		Metrics:       metrics,
		Notifier:      notifier,
	}, sched, store, ws)
	if err != nil {
		return err
	}
	slog.Info("Engine started",
		"slots", svcCfg.MaxConcurrentJobs,
		"queue", svcCfg.MaxQueueSize,
		"maxAttempts", settings.MaxAttempts,
	)

	// Create health checker
	healthChecker := health.NewChecker(sched, store)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Engine:        eng,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop the engine. Queued jobs are cancelled; running jobs
	// get their scheduler runs killed and their records written before
	// the slot is released.
	slog.Info("Draining engine")
	engineCtx, engineCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer engineCancel()
	if err := eng.Close(engineCtx); err != nil {
		slog.Warn("Engine shutdown error", "error", err)
	}

	// Phase 4: Drain the callback notifier so terminal events from the
	// engine drain still go out.
	slog.Info("Draining callback notifier")
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.Close(notifyCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
