// loomd is the Loom data engine daemon.
// It serves the REST API, runs scheduled jobs, delivers webhooks, and
// sweeps expired state in the background. All state lives under the
// configured data directory: a core SQLite database for metadata and
// one versioned SQLite store per data source.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loom-data/loom/engine/internal/api"
	"github.com/loom-data/loom/engine/internal/auth"
	"github.com/loom-data/loom/engine/internal/bulk"
	"github.com/loom-data/loom/engine/internal/cache"
	"github.com/loom-data/loom/engine/internal/config"
	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/events"
	"github.com/loom-data/loom/engine/internal/export"
	"github.com/loom-data/loom/engine/internal/ingest"
	"github.com/loom-data/loom/engine/internal/lineage"
	"github.com/loom-data/loom/engine/internal/pipeline"
	"github.com/loom-data/loom/engine/internal/query"
	"github.com/loom-data/loom/engine/internal/quota"
	"github.com/loom-data/loom/engine/internal/reaper"
	"github.com/loom-data/loom/engine/internal/rollback"
	"github.com/loom-data/loom/engine/internal/scheduler"
	"github.com/loom-data/loom/engine/internal/sqlite"
	"github.com/loom-data/loom/engine/internal/storage"
	"github.com/loom-data/loom/engine/internal/store"
	"github.com/loom-data/loom/engine/internal/webhook"
)

func main() {
	// "loomd healthcheck" probes a running daemon and exits 0/1. Used as
	// the container health check so the image needs no curl or wget.
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheck())
	}

	// Config errors exit with a distinct code so operators can tell a
	// bad loom.yaml apart from a runtime failure.
	cfgPath := config.ResolvePath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loomd: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(api.NewContextHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))
	slog.SetDefault(logger)

	slog.Info("starting loomd",
		slog.String("version", api.Version),
		slog.String("config", cfgPath),
		slog.String("data_dir", cfg.DataDir),
		slog.String("addr", cfg.Addr))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	// Core store: metadata for every other component.
	db, err := sqlite.Open(coreStorePath(cfg.DataDir))
	if err != nil {
		slog.Error("failed to open core store", "error", err)
		os.Exit(1)
	}
	if err := sqlite.Migrate(context.Background(), db); err != nil {
		slog.Error("failed to migrate core store", "error", err)
		os.Exit(1)
	}
	slog.Info("core store ready", slog.String("path", coreStorePath(cfg.DataDir)))

	projects := sqlite.NewProjectStore(db)
	sources := sqlite.NewDataSourceStore(db)
	pipelines := sqlite.NewPipelineStore(db)
	jobs := sqlite.NewJobStore(db)
	executions := sqlite.NewExecutionStore(db)
	webhooks := sqlite.NewWebhookStore(db)
	points := sqlite.NewRollbackStore(db)
	settings := sqlite.NewSettingsStore(db)

	router := store.NewRouter(cfg.DataDir, logger)
	graph := lineage.NewGraph()
	bus := events.NewMemoryBus()

	limits := quota.NewLimitsEnforcer(quota.Limits{
		MaxImportRecords:     cfg.Limits.MaxRecordsPerImport,
		MaxImportBytes:       cfg.Limits.MaxPayloadBytes,
		MaxVersionsPerSource: int64(cfg.Limits.MaxVersions),
		MaxConcurrentBulkOps: cfg.Limits.MaxConcurrentBulk,
	})

	// Ingest providers. The cloud provider only registers when an object
	// storage endpoint is configured.
	registry := ingest.NewRegistry()
	registry.Register(ingest.NewMockProvider())
	registry.Register(ingest.NewFileProvider(cfg.DataDir, domain.ProviderCSV))
	registry.Register(ingest.NewFileProvider(cfg.DataDir, domain.ProviderJSON))
	registry.Register(ingest.NewAPIProvider(nil))
	registry.Register(ingest.NewScriptProvider(logger, 30*time.Second))

	var objectStoreHealth api.HealthChecker
	if cfg.Cloud.Endpoint != "" {
		objects, err := storage.New(storage.Config{
			Endpoint:  cfg.Cloud.Endpoint,
			AccessKey: cfg.Cloud.AccessKey,
			SecretKey: cfg.Cloud.SecretKey,
			UseSSL:    cfg.Cloud.UseSSL,
		})
		if err != nil {
			slog.Error("failed to connect to object storage", "error", err)
			os.Exit(1)
		}
		registry.Register(ingest.NewCloudProvider(objects))
		objectStoreHealth = objects
		slog.Info("object storage connected", slog.String("endpoint", cfg.Cloud.Endpoint))
	} else {
		slog.Info("no cloud endpoint configured, cloud provider disabled")
	}

	ingestEng := ingest.NewEngine(registry, router, sources, graph, limits, bus, logger)
	rb := rollback.NewManager(points, sources, router, logger)
	exporter := export.New(cfg.DataDir, sources, router, logger)
	pipeEng := pipeline.NewEngine(pipelines, executions, sources, router, rb, graph, exporter, bus, logger)
	queryEng := query.NewEngine(sources, router, logger)
	slog.Info("engines initialized")

	bulkReg := bulk.NewRegistry(&bulkApplier{
		sources:   sources,
		pipelines: pipelines,
		jobs:      jobs,
		stores:    router,
		ingest:    ingestEng,
		pipeline:  pipeEng,
	}, logger)

	sched := scheduler.New(jobs, executions, &jobRunner{
		sources:   sources,
		pipelines: pipelines,
		ingest:    ingestEng,
		pipeline:  pipeEng,
		bulk:      bulkReg,
	}, bus, logger, scheduler.Config{
		Interval:      cfg.Scheduler.Interval.Std(),
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		RetryDelay:    cfg.Scheduler.RetryDelay.Std(),
		MaxRetryDelay: cfg.Scheduler.MaxRetryDelay.Std(),
		Timezone:      cfg.Timezone,
	})

	dispatcher := webhook.NewDispatcher(webhooks, bus, logger)
	sender := webhook.NewSender(webhooks, nil, logger, webhook.SenderConfig{
		PollInterval: cfg.Webhooks.PollInterval.Std(),
		MaxAttempts:  cfg.Webhooks.MaxAttempts,
		BatchSize:    cfg.Webhooks.BatchSize,
	})

	seedMaintenanceSettings(settings, cfg)
	rp := reaper.New(settings, points, sources, executions, webhooks, router, cfg.DataDir, logger)

	srv := &api.Server{
		Projects:   projects,
		Sources:    sources,
		Pipelines:  pipelines,
		Jobs:       jobs,
		Executions: executions,
		Webhooks:   webhooks,
		Stores:     router,

		Ingest:         ingestEng,
		PipelineEngine: pipeEng,
		Scheduler:      sched,
		Rollback:       rb,
		Points:         points,
		Lineage:        graph,
		Bulk:           bulkReg,
		Exporter:       exporter,
		Query:          queryEng,
		Reaper:         rp,
		Quota:          limits,

		CORSOrigins:       cfg.HTTP.AllowedOrigins,
		CoreHealth:        sqlite.NewHealthChecker(db),
		ObjectStoreHealth: objectStoreHealth,
		StatsCache:        cache.New[string, *domain.VersionStats](cache.Options{TTL: 30 * time.Second}),
	}

	if cfg.APIKey != "" {
		srv.Auth = auth.APIKey(cfg.APIKey)
		slog.Info("API key auth enabled")
	} else {
		slog.Warn("no API key configured, API is unauthenticated")
	}

	if cfg.HTTP.RateLimitPerMin > 0 {
		rl := api.DefaultRateLimitConfig()
		rl.RequestsPerSecond = float64(cfg.HTTP.RateLimitPerMin) / 60
		rl.Burst = cfg.HTTP.RateLimitPerMin
		srv.RateLimit = &rl
		slog.Info("rate limiting enabled", slog.Int("per_minute", cfg.HTTP.RateLimitPerMin))
	}

	handler := api.NewRouter(srv)

	ctx, cancelWorkers := context.WithCancel(context.Background())
	sched.Start(ctx)
	slog.Info("scheduler started", slog.Duration("interval", cfg.Scheduler.Interval.Std()))
	dispatcher.Start(ctx)
	sender.Start(ctx)
	slog.Info("webhook workers started")
	rp.Start(ctx)
	slog.Info("reaper started")

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout.Std(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout.Std(),
		IdleTimeout:       cfg.HTTP.IdleTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", slog.String("addr", cfg.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Std())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}

	// Stop producers before consumers: scheduler and reaper stop first so
	// no new work reaches the engines, then the webhook workers drain,
	// then the stores close.
	cancelWorkers()
	sched.Stop()
	slog.Info("scheduler stopped")
	rp.Stop()
	slog.Info("reaper stopped")
	sender.Stop()
	dispatcher.Stop()
	slog.Info("webhook workers stopped")
	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
	}
	router.CloseAll()
	if err := db.Close(); err != nil {
		slog.Error("failed to close core store", "error", err)
	}
	slog.Info("loomd shutdown complete")
}

// seedMaintenanceSettings writes the reaper knobs from loom.yaml into
// the settings table the first time the daemon runs. After that the
// persisted setting wins, so runtime edits survive restarts.
func seedMaintenanceSettings(settings *sqlite.SettingsStore, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	existing, err := settings.GetSetting(ctx, "maintenance")
	if err != nil || len(existing) > 0 {
		return
	}
	data, err := json.Marshal(reaper.Config{
		IntervalMinutes:     cfg.Reaper.IntervalMinutes,
		DeliveryMaxAgeDays:  cfg.Reaper.DeliveryMaxAgeDays,
		ExecutionMaxAgeDays: cfg.Reaper.ExecutionMaxAgeDays,
	})
	if err != nil {
		return
	}
	if err := settings.PutSetting(ctx, "maintenance", data); err != nil {
		slog.Warn("failed to seed maintenance settings", "error", err)
	}
}

// runHealthcheck probes the local daemon's liveness endpoint.
func runHealthcheck() int {
	addr := os.Getenv("LOOM_ADDR")
	if addr == "" {
		addr = "localhost:8080"
	}
	if addr[0] == ':' {
		addr = "localhost" + addr
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "healthcheck: status %d\n", resp.StatusCode)
		return 1
	}
	return 0
}

// coreStorePath is where the engine metadata database lives inside the
// data directory. Per-source stores live under data_sources/ with the
// same .store extension.
func coreStorePath(dataDir string) string {
	return filepath.Join(dataDir, "core.store")
}
