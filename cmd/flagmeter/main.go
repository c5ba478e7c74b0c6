package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flagmeter-lab/flagmeter/internal/cache"
	"github.com/flagmeter-lab/flagmeter/internal/core/config"
	"github.com/flagmeter-lab/flagmeter/internal/core/storage/postgres"
	"github.com/flagmeter-lab/flagmeter/internal/ingestion"
	"github.com/flagmeter-lab/flagmeter/internal/migrations"
	"github.com/flagmeter-lab/flagmeter/internal/notify"
	"github.com/flagmeter-lab/flagmeter/internal/projection"
	"github.com/flagmeter-lab/flagmeter/internal/queue"
	"github.com/flagmeter-lab/flagmeter/internal/server"
	"github.com/flagmeter-lab/flagmeter/internal/worker"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "flagmeter.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config",
		"addr", fmtAddr(cfg.Server.Host, cfg.Server.Port),
		"queue", cfg.Redis.QueueName,
		"worker_enabled", cfg.Worker.Enabled,
		"worker_concurrency", cfg.Worker.Concurrency,
		"quota_threshold", cfg.Quota.ThresholdPercent)

	// 2. Initialize Storage (PostgreSQL)
	dbAdapter, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		dbAdapter.Close()
		os.Exit(1)
	}

	rollupAdapter, err := postgres.NewRollupAdapter(dbAdapter.DB())
	if err != nil {
		slog.Error("Failed to initialize rollup store", "error", err)
		dbAdapter.Close()
		os.Exit(1)
	}

	// 3. Initialize Redis (queue transport + quota cache share one pool)
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("Invalid redis URL", "error", err)
		dbAdapter.Close()
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)

	queueClient := queue.New(rdb, cfg.Redis.QueueName)
	if err := queueClient.Ping(context.Background()); err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		dbAdapter.Close()
		rdb.Close()
		os.Exit(1)
	}
	quotaCache := cache.New(rdb, cfg.Quota.CacheTTLDuration())

	// 4. Initialize Notification pipeline
	dedup := notify.NewDedupSet()
	dispatcher := notify.NewDispatcher(dbAdapter, dbAdapter, dedup, notify.Options{
		ThresholdPercent: cfg.Quota.ThresholdPercent,
		MaxAttempts:      cfg.Notify.MaxAttempts,
		RequestTimeout:   cfg.Notify.RequestTimeoutDuration(),
	})
	rollover := notify.NewRollover(dedup)

	// 5. Initialize Worker pool
	processor := worker.NewProcessor(rollupAdapter, quotaCache, dispatcher, cfg.Quota.ThresholdPercent)
	pool := worker.NewPool(
		queueClient,
		processor,
		cfg.Worker.Concurrency,
		worker.WithPollTimeout(cfg.Worker.PollTimeoutDuration()),
	)

	// 6. Initialize HTTP services
	ingestionSvc := ingestion.NewService(dbAdapter, dbAdapter, queueClient, cfg.Quota.DefaultMonthlyQuota)
	projectionSvc := projection.NewService(dbAdapter, rollupAdapter, quotaCache)

	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), dbAdapter, queueClient, cfg.Server.Mode)
	ingestionSvc.RegisterRoutes(srv.Engine)
	projectionSvc.RegisterRoutes(srv.Engine)

	// 7. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolDone := make(chan struct{})
	if cfg.Worker.Enabled {
		go func() {
			defer close(poolDone)
			if err := pool.Run(ctx); err != nil {
				slog.Error("Worker pool stopped with error", "error", err)
			}
		}()
		go func() {
			if err := rollover.Run(ctx); err != nil {
				slog.Error("Rollover task stopped with error", "error", err)
			}
		}()
	} else {
		close(poolDone)
		slog.Info("Worker pool disabled by config")
	}

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	// Shutdown order matters: wait for in-flight jobs, then the database,
	// and the redis connection (queue transport) last.
	<-poolDone
	rollupAdapter.Close()
	dbAdapter.Close()
	if err := rdb.Close(); err != nil {
		slog.Error("Failed to close redis client", "error", err)
	}

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
