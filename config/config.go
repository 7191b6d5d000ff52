package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config carries every environment-driven knob shared by the graphflow
// binaries. DATABASE_URL stays empty when unset; binaries that need the
// store must check it (the producer does not).
type Config struct {
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	DatabaseURL string

	QueueName     string
	BatchSize     int
	Concurrency   int
	MaxRetries    int
	StatsInterval time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("QUEUE_NAME", "transactions")
	v.SetDefault("BATCH_SIZE", 10000)
	v.SetDefault("WORKER_CONCURRENCY", 8)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("STATS_INTERVAL", "2s")

	cfg := Config{
		RedisHost:     v.GetString("REDIS_HOST"),
		RedisPort:     v.GetInt("REDIS_PORT"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		DatabaseURL:   v.GetString("DATABASE_URL"),
		QueueName:     v.GetString("QUEUE_NAME"),
		BatchSize:     v.GetInt("BATCH_SIZE"),
		Concurrency:   v.GetInt("WORKER_CONCURRENCY"),
		MaxRetries:    v.GetInt("MAX_RETRIES"),
		StatsInterval: v.GetDuration("STATS_INTERVAL"),
	}

	if cfg.BatchSize <= 0 {
		return Config{}, fmt.Errorf("config: BATCH_SIZE must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Concurrency <= 0 {
		return Config{}, fmt.Errorf("config: WORKER_CONCURRENCY must be positive, got %d", cfg.Concurrency)
	}
	if cfg.MaxRetries < 0 {
		return Config{}, fmt.Errorf("config: MAX_RETRIES must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.QueueName == "" {
		return Config{}, fmt.Errorf("config: QUEUE_NAME must not be empty")
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 2 * time.Second
	}

	return cfg, nil
}

// RedisAddr returns the host:port pair for the queue connection.
func (c Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}
