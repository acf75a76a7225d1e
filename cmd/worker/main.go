// Package main is the entrypoint for the kbingest queue worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/ashwinpillai/kbingest/internal/config"
	"github.com/ashwinpillai/kbingest/internal/deletion"
	"github.com/ashwinpillai/kbingest/internal/embed"
	"github.com/ashwinpillai/kbingest/internal/fairness"
	"github.com/ashwinpillai/kbingest/internal/joblog"
	"github.com/ashwinpillai/kbingest/internal/pipeline"
	"github.com/ashwinpillai/kbingest/internal/queue"
	"github.com/ashwinpillai/kbingest/internal/reindex"
	"github.com/ashwinpillai/kbingest/internal/settings"
	"github.com/ashwinpillai/kbingest/internal/shutdown"
	"github.com/ashwinpillai/kbingest/internal/store"
	"github.com/ashwinpillai/kbingest/internal/vector"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog := config.NewWorkerLogger(cfg.Worker.LogFile)
	defer closeLog()
	slog.SetDefault(logger)
	logger.Info("config loaded", "embed_provider", cfg.Embed.Provider, "env", cfg.Server.Env)

	ctx := context.Background()

	// 2. Connect to database and apply migrations
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database ready")

	// 3. Connect to Redis (queues and the fairness registry)
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	// 4. Settings client with periodic refresh
	settingsClient := settings.NewClient(cfg.Settings.URL, cfg.Settings.RefreshInterval, logger)
	settingsClient.StartPeriodicRefresh(ctx)

	// 5. External vector index. None is wired in this deployment; cascade
	// tombstones stay in the database until one is.
	var vectors vector.Store = vector.Noop{}
	if vectors.IsConfigured() {
		if err := vectors.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize vector index: %w", err)
		}
	}

	// 6. Embedding provider
	embedder, err := embed.NewEmbedder(cfg.Embed)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	logger.Info("embedder initialized", "provider", embedder.Name())

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
		Logger:   logger,
	})
	reindexOrch := reindex.NewOrchestrator(pgStore, queueClient, embedder, cfg.Reindex.BatchSize, logger)
	deletionOrch := deletion.NewOrchestrator(pgStore, queueClient, vectors, logger)

	// 8. Queue workers. Concurrency is fixed at start; the deletion and
	// reindex queues keep hardcoded low concurrency regardless of settings.
	sample := joblog.SampleConfig{SuccessRate: cfg.JobLog.SuccessSampleRate}

	workerConfigs := []queue.WorkerConfig{
		{
			Queue:       queue.QueueSourceRun,
			Concurrency: cfg.Worker.ScrapeConcurrency,
			Handler:     machine.HandleRunJob,
			OnExhausted: machine.OnRunJobExhausted,
		},
		{
			Queue:       queue.QueuePageProcess,
			Concurrency: cfg.Worker.ScrapeConcurrency,
			Handler:     machine.HandlePageProcess,
			OnExhausted: machine.OnPageExhausted,
		},
		{
			Queue:       queue.QueuePageIndex,
			Concurrency: cfg.Worker.IndexConcurrency,
			Handler:     machine.HandlePageIndex,
			OnExhausted: machine.OnPageExhausted,
		},
		{
			Queue:       queue.QueueEmbedChunks,
			Concurrency: cfg.Worker.EmbedConcurrency,
			Handler:     machine.HandleEmbedChunks,
			OnExhausted: machine.OnPageExhausted,
		},
		{
			Queue:       queue.QueueEnrichPage,
			Concurrency: cfg.Worker.EnrichConcurrency,
			Handler:     machine.HandleEnrichPage,
			OnExhausted: machine.OnPageExhausted,
		},
		{
			Queue:       queue.QueueDeletion,
			Concurrency: 2,
			Handler:     deletionOrch.HandleJob,
		},
		{
			Queue:       queue.QueueKBReindex,
			Concurrency: 1,
			Handler:     reindexOrch.HandleJob,
			OnExhausted: reindexOrch.OnExhausted,
		},
	}

	workers := make([]shutdown.Worker, 0, len(workerConfigs))
	for _, wc := range workerConfigs {
		wc.Sample = sample
		wc.Logger = logger
		w, err := queue.NewWorker(rdb, wc)
		if err != nil {
			return fmt.Errorf("create %s worker: %w", wc.Queue, err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start %s worker: %w", wc.Queue, err)
		}
		workers = append(workers, w)
	}
	logger.Info("all queue workers started", "queues", len(workers))

	// 9. Block until SIGTERM/SIGINT, then drain and exit
	coordinator := shutdown.NewCoordinator(shutdown.Config{
		Settings:     settingsClient,
		Workers:      workers,
		DrainTimeout: cfg.Shutdown.Timeout,
		ExitCode:     cfg.Shutdown.ExitCode,
		Logger:       logger,
	})
	coordinator.Listen()
	return nil
}
