package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"graphflow/config"
	"graphflow/producer"
	"graphflow/queue"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("EVENT_COUNT", 100000)
	v.SetDefault("USER_COUNT", 10000)
	v.SetDefault("SEED", time.Now().UnixNano())
	eventCount := v.GetInt("EVENT_COUNT")
	userCount := v.GetInt("USER_COUNT")
	seed := v.GetInt64("SEED")

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

	gen := producer.NewGenerator(userCount, producer.DefaultMix, seed)
	logger.Info("seeding queue",
		zap.String("queue", cfg.QueueName),
		zap.Int("events", eventCount),
		zap.Int("users", userCount),
		zap.Int64("seed", seed))

	const chunk = 5000
	start := time.Now()
	pushed := 0
	for pushed < eventCount {
		if err := ctx.Err(); err != nil {
			logger.Warn("interrupted", zap.Int("pushed", pushed))
			return
		}
		n := chunk
		if remaining := eventCount - pushed; remaining < n {
			n = remaining
		}
		if err := q.Push(ctx, cfg.QueueName, gen.Batch(n)...); err != nil {
			logger.Fatal("push events", zap.Error(err))
		}
		pushed += n
	}

	elapsed := time.Since(start)
	logger.Info("queue seeded",
		zap.Int("events", pushed),
		zap.Duration("elapsed", elapsed),
		zap.Float64("events_per_sec", float64(pushed)/elapsed.Seconds()))
}
