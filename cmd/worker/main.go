package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"graphflow/config"
	"graphflow/db"
	"graphflow/identity"
	"graphflow/projector"
	"graphflow/queue"
	"graphflow/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q := queue.New(queue.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err := q.Ping(ctx); err != nil {
		logger.Fatal("connect queue", zap.String("addr", cfg.RedisAddr()), zap.Error(err))
	}
	defer q.Close()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect store", zap.Error(err))
	}
	defer pool.Close()

	cache := identity.NewCache(pool, logger, identity.DefaultTTL, cfg.MaxRetries)
	proj := projector.New(pool, logger)
	runner := worker.NewRunner(q, cache, proj, logger, worker.Config{
		QueueName:     cfg.QueueName,
		BatchSize:     cfg.BatchSize,
		Concurrency:   cfg.Concurrency,
		StatsInterval: cfg.StatsInterval,
	})

	if err := runner.Run(ctx); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
	logger.Info("worker stopped",
		zap.Int64("processed", runner.Processed()),
		zap.Int64("failed_batches", runner.FailedBatches()))
}
