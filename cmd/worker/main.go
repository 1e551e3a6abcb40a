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

	"github.com/redis/go-redis/v9"

	"listing-ops/internal/archive"
	"listing-ops/internal/config"
	"listing-ops/internal/dlq"
	"listing-ops/internal/lock"
	"listing-ops/internal/logging"
	"listing-ops/internal/marketplace"
	"listing-ops/internal/scheduler"
	"listing-ops/internal/store"
	"listing-ops/internal/telemetry"
	"listing-ops/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AutoMigrate {
		if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
			return err
		}
	}
	st, err := store.New(ctx, cfg.PostgresDSN, store.PoolOptions{MaxConns: cfg.DBMaxConns, MaxConnIdleTime: cfg.DBMaxConnIdleTime})
	if err != nil {
		return err
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.LockBackend == "redis" || cfg.DLQEnabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
	}

	var locker lock.Locker
	switch cfg.LockBackend {
	case "redis":
		locker = lock.NewRedisLocker(rdb, cfg.LockTTL)
	case "memory":
		logger.Warn("in-process entity locks only serialize this worker")
		locker = lock.NewMemoryLocker()
	default:
		locker = lock.NewPostgresLocker(st.Pool())
	}

	handlers := &worker.ListingHandlers{
		Store: st,
		Market: marketplace.NewClient(marketplace.Options{
			BaseURL:       cfg.MarketplaceURL,
			Timeout:       cfg.MarketplaceTimeout,
			RatePerSecond: cfg.MarketplaceRPS,
			Burst:         cfg.MarketplaceBurst,
		}, marketplace.StaticCredentials{APIKey: cfg.MarketplaceAPIKey}),
		Locker:     locker,
		Thumbnails: cfg.ArchiveThumbnails,
		Log:        logger,
	}
	if cfg.ArchiveEnabled {
		arch, err := archive.New(ctx, archive.Options{
			Dir:           cfg.ArchiveDir,
			S3Bucket:      cfg.ImageS3Bucket,
			S3Region:      cfg.ImageS3Region,
			S3Endpoint:    cfg.ImageS3Endpoint,
			S3PathStyle:   cfg.ImageS3PathStyle,
			ThumbWidth:    cfg.ImageThumbWidth,
			ThumbHeight:   cfg.ImageThumbHeight,
			ImageMaxBytes: cfg.ImageMaxBytes,
			Timeout:       cfg.ImageTimeout,
		})
		if err != nil {
			return err
		}
		handlers.Archive = arch
	}

	var dead worker.DeadLetter
	if cfg.DLQEnabled {
		dead = dlq.New(rdb, cfg.DLQName, cfg.DLQMaxLen)
	}
	exec := worker.NewExecutor(st, handlers, dead, worker.ExecutorOptions{BackoffBase: cfg.BackoffBase, MaxAttempts: cfg.MaxAttempts}, logger)
	proc := worker.NewProcessor(st, exec, worker.ProcessorOptions{
		WorkerID:      cfg.WorkerID,
		BatchSize:     cfg.WorkerBatchSize,
		PollInterval:  cfg.WorkerPollInterval,
		StaleAfter:    cfg.StaleAfter,
		StaleInterval: cfg.StaleCheckInterval,
	}, logger)

	if cfg.IngestCron != "" {
		sched := scheduler.New(st, scheduler.Options{MaxAttempts: cfg.MaxAttempts}, logger)
		if err := sched.AddIngestSweep(cfg.IngestCron); err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	logger.Info("worker starting", "worker_id", proc.WorkerID(), "lock_backend", cfg.LockBackend)
	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
