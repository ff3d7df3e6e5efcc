package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forgeui-labs/forgeui-go/internal/backend"
	"github.com/forgeui-labs/forgeui-go/internal/notify"
	"github.com/forgeui-labs/forgeui-go/internal/pipeline"
	"github.com/forgeui-labs/forgeui-go/internal/platform/env"
	"github.com/forgeui-labs/forgeui-go/internal/platform/httpserver"
	"github.com/forgeui-labs/forgeui-go/internal/platform/objectstore"
	"github.com/forgeui-labs/forgeui-go/internal/platform/postgres"
	"github.com/forgeui-labs/forgeui-go/internal/repo"
	"github.com/forgeui-labs/forgeui-go/internal/repo/memory"
	pgstore "github.com/forgeui-labs/forgeui-go/internal/repo/postgres"
	"github.com/forgeui-labs/forgeui-go/internal/repo/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("FORGE_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("FORGE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	jobs, eventStore, readiness, closeStore, err := openStores(ctx, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	routing, err := backend.LoadRouting(env.TrimmedString("FORGE_ROUTING_CONFIG", ""))
	if err != nil {
		logger.Error("invalid routing config", "error", err)
		os.Exit(2)
	}
	registry, err := buildRegistry(logger)
	if err != nil {
		logger.Error("backend init failed", "error", err)
		os.Exit(2)
	}

	maxAttempts, err := env.Int("FORGE_STAGE_MAX_ATTEMPTS", 3)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	baseDelay, err := env.Duration("FORGE_STAGE_BASE_DELAY", 500*time.Millisecond)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	attemptTimeout, err := env.Duration("FORGE_STAGE_ATTEMPT_TIMEOUT", 60*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	exporter, exportCheck, err := buildExporter(ctx, logger)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(1)
	}
	if exportCheck != nil {
		readiness = append(readiness, *exportCheck)
	}

	notifier := notify.Multi{
		notify.Slog{Logger: logger},
		notify.EventLog{Appender: eventStore, Logger: logger},
	}
	if webhook := env.TrimmedString("FORGE_WEBHOOK_URL", ""); webhook != "" {
		notifier = append(notifier, notify.Webhook{URL: webhook, Logger: logger})
	}

	executor := &pipeline.Executor{
		Store:          jobs,
		Stages:         pipeline.StageSet(),
		Registry:       registry,
		Resolver:       backend.NewResolver(routing, registry.Providers()),
		Notifier:       notifier,
		Exporter:       exporter,
		Logger:         logger,
		MaxAttempts:    maxAttempts,
		BaseDelay:      baseDelay,
		AttemptTimeout: attemptTimeout,
	}
	coordinator := &pipeline.Coordinator{Store: jobs, Notifier: notifier, Logger: logger}
	runner := &pipeline.Runner{Executor: executor, Coordinator: coordinator, Logger: logger}
	runTimeout, err := env.Duration("FORGE_RUN_TIMEOUT", 10*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	service := &pipeline.Service{Store: jobs, Runner: runner, Logger: logger, RunTimeout: runTimeout}

	maxSkew, err := env.Duration("FORGE_INTERNAL_AUTH_MAX_SKEW", 2*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	router := chi.NewRouter()
	router.Get("/healthz", httpserver.Healthz("forged"))
	router.Get("/readyz", httpserver.ReadyzWithChecks("forged", readiness...))
	handlers := &api{
		logger:     logger,
		service:    service,
		events:     eventStore,
		authSecret: env.TrimmedString("FORGE_INTERNAL_AUTH_SECRET", ""),
		maxSkew:    maxSkew,
	}
	handlers.routes(router)

	cfg := httpserver.Config{
		Service:         "forged",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "forged", router)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := service.Shutdown(drainCtx); err != nil {
		logger.Warn("pipeline runs still in flight at shutdown", "error", err)
	}
}

// openStores selects the persistence layer: postgres for deployments, sqlite
// for single-node installs, memory for local experiments.
func openStores(ctx context.Context, logger *slog.Logger) (repo.JobContextRepository, repo.ProgressEventAppender, []httpserver.ReadinessCheck, func(), error) {
	noop := func() {}
	switch kind := env.TrimmedString("FORGE_STORE", "memory"); kind {
	case "postgres":
		cfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, nil, nil, noop, err
		}
		db, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, nil, nil, noop, err
		}
		checks := []httpserver.ReadinessCheck{pingCheck("postgres", db)}
		return pgstore.NewJobContextStore(db), pgstore.NewProgressEventStore(db), checks, func() { _ = db.Close() }, nil
	case "sqlite":
		path := env.TrimmedString("FORGE_SQLITE_PATH", "forge.db")
		db, err := sqlite.Open(path)
		if err != nil {
			return nil, nil, nil, noop, err
		}
		checks := []httpserver.ReadinessCheck{pingCheck("sqlite", db)}
		return sqlite.NewJobContextStore(db), sqlite.NewProgressEventStore(db), checks, func() { _ = db.Close() }, nil
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		return memory.NewJobContextStore(), memory.NewProgressEventStore(), nil, noop, nil
	default:
		return nil, nil, nil, noop, fmt.Errorf("unknown FORGE_STORE %q", kind)
	}
}

func pingCheck(name string, db *sql.DB) httpserver.ReadinessCheck {
	return httpserver.ReadinessCheck{
		Name: name,
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return db.PingContext(checkCtx)
		},
	}
}

// buildRegistry wires the configured generation backends. The static backend
// serves canned responses for offline runs.
func buildRegistry(logger *slog.Logger) (*backend.Registry, error) {
	registry := backend.NewRegistry()

	if baseURL := env.TrimmedString("FORGE_OPENAI_BASE_URL", ""); baseURL != "" {
		timeout, err := env.Duration("FORGE_OPENAI_TIMEOUT", 60*time.Second)
		if err != nil {
			return nil, err
		}
		gen, err := backend.NewHTTPGenerator(backend.HTTPConfig{
			BaseURL: baseURL,
			APIKey:  env.TrimmedString("FORGE_OPENAI_API_KEY", ""),
			Timeout: timeout,
		})
		if err != nil {
			return nil, err
		}
		registry.Register("openai", gen)
	}

	enableStatic, err := env.Bool("FORGE_STATIC_BACKEND", false)
	if err != nil {
		return nil, err
	}
	if enableStatic {
		registry.Register("static", backend.NewStaticGenerator(backend.DemoResponses()))
	}

	if len(registry.Providers()) == 0 {
		logger.Warn("no generation backend configured, stages will rely on fallbacks")
	}
	return registry, nil
}

func buildExporter(ctx context.Context, logger *slog.Logger) (pipeline.BundleExporter, *httpserver.ReadinessCheck, error) {
	export, err := env.Bool("FORGE_EXPORT_BUNDLES", false)
	if err != nil {
		return nil, nil, err
	}
	if !export {
		return nil, nil, nil
	}
	cfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	client, err := objectstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := objectstore.EnsureBucket(startupCtx, client, cfg); err != nil {
		return nil, nil, err
	}
	logger.Info("bundle export enabled", "bucket", cfg.BucketBundles)
	check := httpserver.ReadinessCheck{
		Name: "minio",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			_, err := client.BucketExists(checkCtx, cfg.BucketBundles)
			return err
		},
	}
	return objectstore.NewBundleExporter(client, cfg.BucketBundles), &check, nil
}
