package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"graphflow/db"
)

// DefaultTTL is how long a full user scan stays fresh before the next
// batch triggers a re-scan.
const DefaultTTL = 30 * time.Second

// Store is the subset of pgxpool.Pool the cache needs.
type Store interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Cache maintains the process-wide name→id mapping for users. User
// creation happens here, outside the projection transaction, so the
// projector only ever touches stable ids.
type Cache struct {
	store      Store
	log        *zap.Logger
	ttl        time.Duration
	maxRetries int

	// flight collapses concurrent inserts for the same unknown name;
	// refreshFlight collapses concurrent TTL re-scans.
	flight        singleflight.Group
	refreshFlight singleflight.Group

	mu          sync.RWMutex
	ids         map[string]int64
	lastRefresh time.Time
}

func NewCache(store Store, log *zap.Logger, ttl time.Duration, maxRetries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Cache{
		store:      store,
		log:        log,
		ttl:        ttl,
		maxRetries: maxRetries,
		ids:        make(map[string]int64),
	}
}

// Warm scans the whole user table into the cache, atomically replacing
// the previous snapshot. Readers during the swap see either the old or
// the new mapping, never a partial one.
func (c *Cache) Warm(ctx context.Context) error {
	rows, err := c.store.Query(ctx, `SELECT id, name FROM users`)
	if err != nil {
		return fmt.Errorf("identity: scan users: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]int64)
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return fmt.Errorf("identity: scan user row: %w", err)
		}
		ids[name] = id
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("identity: scan users: %w", err)
	}

	c.mu.Lock()
	c.ids = ids
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	c.log.Info("identity: cache warmed", zap.Int("users", len(ids)))
	return nil
}

// RefreshIfStale re-scans the user table when the last scan is older
// than the TTL. Concurrent callers share one scan.
func (c *Cache) RefreshIfStale(ctx context.Context) error {
	c.mu.RLock()
	stale := time.Since(c.lastRefresh) > c.ttl
	c.mu.RUnlock()
	if !stale {
		return nil
	}

	_, err, _ := c.refreshFlight.Do("refresh", func() (any, error) {
		c.mu.RLock()
		stillStale := time.Since(c.lastRefresh) > c.ttl
		c.mu.RUnlock()
		if !stillStale {
			return nil, nil
		}
		return nil, c.Warm(ctx)
	})
	return err
}

// Len returns the number of cached names.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// EnsureUsers resolves every name to a user id, lazily inserting the
// unknown ones. Unique violations from racing workers are absorbed by a
// follow-up lookup; deadlocks on the insert retry with backoff.
func (c *Cache) EnsureUsers(ctx context.Context, names []string) (map[string]int64, error) {
	if err := c.RefreshIfStale(ctx); err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(names))
	var misses []string

	c.mu.RLock()
	for _, name := range names {
		if id, ok := c.ids[name]; ok {
			out[name] = id
		} else {
			misses = append(misses, name)
		}
	}
	c.mu.RUnlock()

	for _, name := range misses {
		id, err := c.ensure(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("identity: ensure %q: %w", name, err)
		}
		out[name] = id
	}

	return out, nil
}

func (c *Cache) ensure(ctx context.Context, name string) (int64, error) {
	v, err, _ := c.flight.Do(name, func() (any, error) {
		// A completed flight for this name may have landed while we
		// were queued behind it.
		c.mu.RLock()
		id, ok := c.ids[name]
		c.mu.RUnlock()
		if ok {
			return id, nil
		}

		err := db.RetryDeadlock(ctx, c.maxRetries+1, func(err error, next time.Duration) {
			c.log.Warn("identity: deadlock inserting user, retrying",
				zap.String("name", name), zap.Duration("backoff", next), zap.Error(err))
		}, func() error {
			return c.insertOrLookup(ctx, name, &id)
		})
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.ids[name] = id
		c.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (c *Cache) insertOrLookup(ctx context.Context, name string, id *int64) error {
	err := c.store.QueryRow(ctx, `INSERT INTO users (name) VALUES ($1) RETURNING id`, name).Scan(id)
	if err == nil {
		return nil
	}
	if db.IsUniqueViolation(err) {
		// Another worker created the row between our cache miss and the
		// insert; adopt its id.
		if err := c.store.QueryRow(ctx, `SELECT id FROM users WHERE name = $1`, name).Scan(id); err != nil {
			return fmt.Errorf("lookup after unique violation: %w", err)
		}
		return nil
	}
	return err
}
