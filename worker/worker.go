package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"graphflow/event"
	"graphflow/projector"
)

const (
	// idleSleep paces workers while the queue is empty; errorSleep backs
	// off after a failed batch.
	idleSleep  = 50 * time.Millisecond
	errorSleep = 200 * time.Millisecond

	defaultStatsInterval = 2 * time.Second
)

// Queue pops raw payloads for projection.
type Queue interface {
	PopBatch(ctx context.Context, queue string, n int) ([][]byte, error)
	Length(ctx context.Context, queue string) (int64, error)
}

// IdentityCache resolves user names to stable ids before the commit.
type IdentityCache interface {
	Warm(ctx context.Context) error
	EnsureUsers(ctx context.Context, names []string) (map[string]int64, error)
}

// Projector commits one plan to the store.
type Projector interface {
	Commit(ctx context.Context, plan projector.Plan, ids map[string]int64) error
}

type Config struct {
	QueueName     string
	BatchSize     int
	Concurrency   int
	StatsInterval time.Duration
}

// Runner drives N concurrent pop→decode→plan→project loops plus a
// monitor. Workers share the queue client, the identity cache and the
// store pool; there is no ordering guarantee across them.
type Runner struct {
	queue Queue
	cache IdentityCache
	proj  Projector
	log   *zap.Logger
	cfg   Config

	processed     atomic.Int64
	batches       atomic.Int64
	failedBatches atomic.Int64
}

func NewRunner(q Queue, cache IdentityCache, proj Projector, log *zap.Logger, cfg Config) *Runner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaultStatsInterval
	}
	return &Runner{queue: q, cache: cache, proj: proj, log: log, cfg: cfg}
}

// Processed returns the number of events committed so far.
func (r *Runner) Processed() int64 { return r.processed.Load() }

// FailedBatches returns the number of batches dropped on non-retryable
// errors.
func (r *Runner) FailedBatches() int64 { return r.failedBatches.Load() }

// Run warms the identity cache, starts the workers and the monitor, and
// blocks until ctx is cancelled and every loop has drained its in-flight
// batch. Cancellation is a clean stop, not an error.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.cache.Warm(ctx); err != nil {
		return fmt.Errorf("worker: warm identity cache: %w", err)
	}

	r.log.Info("worker: starting",
		zap.Int("concurrency", r.cfg.Concurrency),
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.String("queue", r.cfg.QueueName))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error { return r.workerLoop(gctx, id) })
	}
	g.Go(func() error { return r.monitor(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (r *Runner) workerLoop(ctx context.Context, id int) error {
	log := r.log.With(zap.Int("worker", id))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.runBatch(ctx, log)
	}
}

// runBatch executes one pop→decode→plan→project iteration. Failures are
// logged and paced, never propagated: the batch's events are lost (the
// pop already consumed them) and the loop moves on.
func (r *Runner) runBatch(ctx context.Context, log *zap.Logger) {
	raws, err := r.queue.PopBatch(ctx, r.cfg.QueueName, r.cfg.BatchSize)
	if err != nil {
		log.Error("worker: pop batch", zap.Error(err))
		if len(raws) == 0 {
			sleepCtx(ctx, errorSleep)
			return
		}
		// A partial pop still carries consumed events; project them.
	}

	events := event.DecodeBatch(raws, log)
	if len(events) == 0 {
		sleepCtx(ctx, idleSleep)
		return
	}

	batchID := uuid.NewString()
	start := time.Now()

	plan := projector.BuildPlan(events)
	ids, err := r.cache.EnsureUsers(ctx, plan.Names)
	if err != nil {
		r.failedBatches.Add(1)
		log.Error("worker: ensure users failed, dropping batch",
			zap.String("batch", batchID), zap.Int("events", len(events)), zap.Error(err))
		sleepCtx(ctx, errorSleep)
		return
	}

	if err := r.proj.Commit(ctx, plan, ids); err != nil {
		r.failedBatches.Add(1)
		log.Error("worker: projection failed, dropping batch",
			zap.String("batch", batchID), zap.Int("events", len(events)), zap.Error(err))
		sleepCtx(ctx, errorSleep)
		return
	}

	elapsed := time.Since(start)
	r.processed.Add(int64(len(events)))
	r.batches.Add(1)
	log.Info("worker: batch committed",
		zap.String("batch", batchID),
		zap.Int("events", len(events)),
		zap.Duration("elapsed", elapsed),
		zap.Float64("events_per_sec", float64(len(events))/elapsed.Seconds()))
}

func (r *Runner) monitor(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.StatsInterval)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			total := r.processed.Load()
			rate := float64(total-last) / r.cfg.StatsInterval.Seconds()
			last = total

			depth, err := r.queue.Length(ctx, r.cfg.QueueName)
			if err != nil {
				depth = -1
			}

			r.log.Info("worker: throughput",
				zap.Int64("processed_total", total),
				zap.Float64("events_per_sec", rate),
				zap.Int64("queue_depth", depth),
				zap.Int64("batches", r.batches.Load()),
				zap.Int64("failed_batches", r.failedBatches.Load()))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
