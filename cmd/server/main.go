// Package main is the entrypoint for the kbingest API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashwinpillai/kbingest/internal/api"
	"github.com/ashwinpillai/kbingest/internal/api/handler"
	"github.com/ashwinpillai/kbingest/internal/config"
	"github.com/ashwinpillai/kbingest/internal/deletion"
	"github.com/ashwinpillai/kbingest/internal/embed"
	"github.com/ashwinpillai/kbingest/internal/fairness"
	"github.com/ashwinpillai/kbingest/internal/pipeline"
	"github.com/ashwinpillai/kbingest/internal/queue"
	"github.com/ashwinpillai/kbingest/internal/reindex"
	"github.com/ashwinpillai/kbingest/internal/settings"
	"github.com/ashwinpillai/kbingest/internal/store"
	"github.com/ashwinpillai/kbingest/internal/vector"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "embed_provider", cfg.Embed.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Connect to Redis
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Settings client. The API side needs the fairness snapshot too,
	// because a forced start releases the superseded run's slots.
	settingsClient := settings.NewClient(cfg.Settings.URL, cfg.Settings.RefreshInterval, slog.Default())
	settingsClient.StartPeriodicRefresh(ctx)
	defer settingsClient.StopPeriodicRefresh()

	// 6. Embedding provider
	embedder, err := embed.NewEmbedder(cfg.Embed)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}

	// 7. Domain services
	pgStore := store.NewPostgresStore(pool)
	queueClient := queue.NewClient(rdb)
	allocator := fairness.NewAllocator(fairness.NewRedisRegistry(rdb), settingsClient)

	machine := pipeline.NewMachine(pipeline.Config{
		Store:    pgStore,
		Queue:    queueClient,
		Slots:    allocator,
		Fetcher:  pipeline.NewHTTPFetcher(),
		Enricher: pipeline.NewHTMLEnricher(),
		Embedder: embedder,
	})
	reindexOrch := reindex.NewOrchestrator(pgStore, queueClient, embedder, cfg.Reindex.BatchSize, slog.Default())
	deletionOrch := deletion.NewOrchestrator(pgStore, queueClient, vector.Noop{}, slog.Default())

	// 8. Build router with dependencies
	deps := api.Dependencies{
		HealthHandler:         handler.NewHealthHandler(pgStore, redisPinger{rdb}),
		StartRunHandler:       handler.NewStartRunHandler(machine),
		GetRunHandler:         handler.NewGetRunHandler(pgStore),
		CancelRunHandler:      handler.NewCancelRunHandler(machine),
		RequestReindexHandler: handler.NewRequestReindexHandler(reindexOrch, pgStore),
		CancelReindexHandler:  handler.NewCancelReindexHandler(reindexOrch),
		HardDeleteHandler:     handler.NewHardDeleteHandler(deletionOrch),
	}
	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// redisPinger adapts the Redis client to the health handler's Pinger.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
