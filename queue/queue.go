package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// pushChunk bounds how many payloads a single LPUSH carries when seeding,
// keeping individual commands under the multi-bulk limits of proxies.
const pushChunk = 1000

// Client adapts a redis list to the pop-batch contract of the projection
// workers. Pops are destructive; a crash between pop and commit loses the
// popped items (at-most-once).
type Client struct {
	rdb *redis.Client
	log *zap.Logger
}

type Options struct {
	Addr     string
	Password string
	DB       int
}

func New(opts Options, log *zap.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Client{rdb: rdb, log: log}
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// PopBatch removes up to n items from the tail of queue in one pipelined
// round-trip and returns them in pop order. It never blocks on an empty
// queue; the caller sees an empty slice. If the pipeline fails it falls
// back to serial pops.
func (c *Client) PopBatch(ctx context.Context, queue string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, n)
	for i := range cmds {
		cmds[i] = pipe.RPop(ctx, queue)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("queue: pipelined pop failed, falling back to serial pops", zap.Error(err))
		return c.popSerial(ctx, queue, n)
	}

	items := make([][]byte, 0, n)
	for _, cmd := range cmds {
		b, err := cmd.Bytes()
		if err != nil {
			// redis.Nil marks the end of the non-null prefix.
			break
		}
		items = append(items, b)
	}
	return items, nil
}

func (c *Client) popSerial(ctx context.Context, queue string, n int) ([][]byte, error) {
	items := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		b, err := c.rdb.RPop(ctx, queue).Bytes()
		if errors.Is(err, redis.Nil) {
			return items, nil
		}
		if err != nil {
			// Items already popped are returned so they are not lost;
			// the caller decides whether to proceed with a short batch.
			return items, fmt.Errorf("queue: serial pop: %w", err)
		}
		items = append(items, b)
	}
	return items, nil
}

// Length returns the current number of items in queue.
func (c *Client) Length(ctx context.Context, queue string) (int64, error) {
	n, err := c.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: llen: %w", err)
	}
	return n, nil
}

// Push left-pushes payloads onto queue in chunked pipeline commands. The
// producer side of the wire contract: LPUSH head, workers RPOP tail.
func (c *Client) Push(ctx context.Context, queue string, payloads ...[]byte) error {
	for start := 0; start < len(payloads); start += pushChunk {
		end := start + pushChunk
		if end > len(payloads) {
			end = len(payloads)
		}
		chunk := make([]interface{}, 0, end-start)
		for _, p := range payloads[start:end] {
			chunk = append(chunk, p)
		}
		if err := c.rdb.LPush(ctx, queue, chunk...).Err(); err != nil {
			return fmt.Errorf("queue: lpush: %w", err)
		}
	}
	return nil
}
