package projector_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"graphflow/event"
	"graphflow/identity"
	"graphflow/projector"
	"graphflow/test/infra"
)

var (
	storeOnce sync.Once
	storeDSN  string
	storeErr  error
)

// setupStore boots one Postgres per test binary and gives each test its
// own schema via migration isolation.
func setupStore(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	storeOnce.Do(func() {
		switch {
		case os.Getenv("GRAPHFLOW_TEST_PG_DSN") != "":
			storeDSN = os.Getenv("GRAPHFLOW_TEST_PG_DSN")
		case infra.DockerAvailable(ctx):
			_, storeDSN, storeErr = infra.StartPostgres16(ctx, "")
		default:
			storeDSN, storeErr = infra.InitLocalDatabase(ctx)
		}
	})
	if storeErr != nil {
		t.Fatalf("bootstrap postgres: %v", storeErr)
	}
	if storeDSN == "" {
		t.Skip("no Postgres available: set GRAPHFLOW_TEST_PG_DSN or run docker")
	}

	pool, teardown, err := infra.ApplyMigrations(ctx, storeDSN, true)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})
	return pool
}

func decodeAll(t *testing.T, raws ...string) []event.Event {
	t.Helper()
	events := make([]event.Event, 0, len(raws))
	for _, raw := range raws {
		ev, err := event.Decode([]byte(raw))
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		events = append(events, ev)
	}
	return events
}

// commitEvents runs the full plan→ensure→commit path for one batch.
func commitEvents(t *testing.T, ctx context.Context, pool *pgxpool.Pool, events []event.Event) projector.Plan {
	t.Helper()

	plan := projector.BuildPlan(events)
	cache := identity.NewCache(pool, zap.NewNop(), identity.DefaultTTL, 3)
	if err := cache.Warm(ctx); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	ids, err := cache.EnsureUsers(ctx, plan.Names)
	if err != nil {
		t.Fatalf("ensure users: %v", err)
	}

	proj := projector.New(pool, zap.NewNop()).WithTxTimeout(10 * time.Second)
	if err := proj.Commit(ctx, plan, ids); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return plan
}

func countRow(t *testing.T, ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		t.Fatalf("query %s: %v", sql, err)
	}
	return n
}

func TestCommitProjectsBatch(t *testing.T) {
	pool := setupStore(t)
	ctx := context.Background()

	commitEvents(t, ctx, pool, decodeAll(t,
		`{"type":"register","name":"walt","created_at":"2024-03-01T09:00:00.000Z"}`,
		`{"type":"register","name":"skyler","created_at":"2024-03-01T09:00:01.000Z"}`,
		`{"type":"addfriend","user1_name":"walt","user2_name":"skyler","created_at":"2024-03-01T09:00:02.000Z"}`,
		`{"type":"referral","referredBy":"walt","user":"jesse","created_at":"2024-03-01T09:00:03.000Z"}`,
	))

	if got := countRow(t, ctx, pool, `SELECT COUNT(*) FROM users`); got != 3 {
		t.Fatalf("users = %d, want 3", got)
	}

	var id1, id2 int64
	var status string
	err := pool.QueryRow(ctx, `SELECT user1_id, user2_id, status FROM friendships`).Scan(&id1, &id2, &status)
	if err != nil {
		t.Fatalf("load friendship: %v", err)
	}
	if id1 >= id2 {
		t.Fatalf("friendship ids not canonical: (%d, %d)", id1, id2)
	}
	if status != "ACTIVE" {
		t.Fatalf("status = %s, want ACTIVE", status)
	}

	refs := countRow(t, ctx, pool, `
		SELECT COUNT(*) FROM referrals r
		JOIN users a ON a.id = r.referrer_id
		JOIN users b ON b.id = r.referred_id
		WHERE a.name = 'walt' AND b.name = 'jesse'`)
	if refs != 1 {
		t.Fatalf("referral (walt->jesse) rows = %d, want 1", refs)
	}

	if got := countRow(t, ctx, pool, `SELECT COUNT(*) FROM transaction_logs`); got != 4 {
		t.Fatalf("logs = %d, want 4", got)
	}
	// Log payloads survive verbatim as jsonb.
	if got := countRow(t, ctx, pool,
		`SELECT COUNT(*) FROM transaction_logs WHERE transaction_data->>'type' = 'referral'`); got != 1 {
		t.Fatalf("referral log payloads = %d, want 1", got)
	}
}

func TestCommitIdempotentForGraphRows(t *testing.T) {
	pool := setupStore(t)
	ctx := context.Background()

	events := decodeAll(t,
		`{"type":"addfriend","user1_name":"gus","user2_name":"mike","created_at":"2024-03-02T10:00:00.000Z"}`,
		`{"type":"referral","referredBy":"gus","user":"victor","created_at":"2024-03-02T10:00:01.000Z"}`,
	)
	commitEvents(t, ctx, pool, events)
	commitEvents(t, ctx, pool, events)

	if got := countRow(t, ctx, pool, `SELECT COUNT(*) FROM users`); got != 3 {
		t.Fatalf("users = %d, want 3", got)
	}
	if got := countRow(t, ctx, pool, `SELECT COUNT(*) FROM friendships`); got != 1 {
		t.Fatalf("friendships = %d, want 1", got)
	}
	if got := countRow(t, ctx, pool, `SELECT COUNT(*) FROM referrals`); got != 1 {
		t.Fatalf("referrals = %d, want 1", got)
	}
	// The log is append-only: replays double it.
	if got := countRow(t, ctx, pool, `SELECT COUNT(*) FROM transaction_logs`); got != 4 {
		t.Fatalf("logs = %d, want 4", got)
	}
}

func TestCommitFriendshipToggleAcrossBatches(t *testing.T) {
	pool := setupStore(t)
	ctx := context.Background()

	status := func() string {
		var s string
		if err := pool.QueryRow(ctx, `SELECT status FROM friendships`).Scan(&s); err != nil {
			t.Fatalf("load status: %v", err)
		}
		return s
	}

	commitEvents(t, ctx, pool, decodeAll(t,
		`{"type":"addfriend","user1_name":"hank","user2_name":"steve","created_at":"2024-03-03T11:00:00.000Z"}`,
	))
	if s := status(); s != "ACTIVE" {
		t.Fatalf("after addfriend: status = %s, want ACTIVE", s)
	}

	commitEvents(t, ctx, pool, decodeAll(t,
		`{"type":"unfriend","user1_name":"steve","user2_name":"hank","created_at":"2024-03-03T11:01:00.000Z"}`,
	))
	if s := status(); s != "INACTIVE" {
		t.Fatalf("after unfriend: status = %s, want INACTIVE", s)
	}

	commitEvents(t, ctx, pool, decodeAll(t,
		`{"type":"addfriend","user1_name":"hank","user2_name":"steve","created_at":"2024-03-03T11:02:00.000Z"}`,
	))
	if s := status(); s != "ACTIVE" {
		t.Fatalf("after re-add: status = %s, want ACTIVE", s)
	}

	if got := countRow(t, ctx, pool, `SELECT COUNT(*) FROM friendships`); got != 1 {
		t.Fatalf("friendships = %d, want 1", got)
	}
}

func TestCommitAddThenUnfriendSameBatch(t *testing.T) {
	pool := setupStore(t)
	ctx := context.Background()

	// Fresh pair: the row is created and flipped inside one transaction.
	commitEvents(t, ctx, pool, decodeAll(t,
		`{"type":"addfriend","user1_name":"ted","user2_name":"huell","created_at":"2024-03-06T14:00:00.000Z"}`,
		`{"type":"unfriend","user1_name":"huell","user2_name":"ted","created_at":"2024-03-06T14:00:01.000Z"}`,
	))

	var (
		count  int64
		status string
	)
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(status) FROM friendships`).Scan(&count, &status); err != nil {
		t.Fatalf("load friendship: %v", err)
	}
	if count != 1 {
		t.Fatalf("friendships = %d, want 1", count)
	}
	if status != "INACTIVE" {
		t.Fatalf("status = %s, want INACTIVE", status)
	}
	if got := countRow(t, ctx, pool, `SELECT COUNT(*) FROM transaction_logs`); got != 2 {
		t.Fatalf("logs = %d, want 2", got)
	}
}

func TestCommitUnfriendWithoutFriendshipIsNoop(t *testing.T) {
	pool := setupStore(t)
	ctx := context.Background()

	commitEvents(t, ctx, pool, decodeAll(t,
		`{"type":"unfriend","user1_name":"saul","user2_name":"kim","created_at":"2024-03-04T12:00:00.000Z"}`,
	))

	// No edge to deactivate, but the users and the log record land.
	if got := countRow(t, ctx, pool, `SELECT COUNT(*) FROM friendships`); got != 0 {
		t.Fatalf("friendships = %d, want 0", got)
	}
	if got := countRow(t, ctx, pool, `SELECT COUNT(*) FROM users`); got != 2 {
		t.Fatalf("users = %d, want 2", got)
	}
	if got := countRow(t, ctx, pool, `SELECT COUNT(*) FROM transaction_logs WHERE transaction_type='unfriend'`); got != 1 {
		t.Fatalf("unfriend logs = %d, want 1", got)
	}
}

func TestCommitSelfPairKeepsLogOnly(t *testing.T) {
	pool := setupStore(t)
	ctx := context.Background()

	commitEvents(t, ctx, pool, decodeAll(t,
		`{"type":"addfriend","user1_name":"gale","user2_name":"gale","created_at":"2024-03-05T13:00:00.000Z"}`,
	))

	if got := countRow(t, ctx, pool, `SELECT COUNT(*) FROM friendships`); got != 0 {
		t.Fatalf("friendships = %d, want 0", got)
	}
	if got := countRow(t, ctx, pool, `SELECT COUNT(*) FROM transaction_logs WHERE transaction_type='addfriend'`); got != 1 {
		t.Fatalf("addfriend logs = %d, want 1", got)
	}
}
