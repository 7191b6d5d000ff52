package projector

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"graphflow/db"
)

const (
	// DefaultTxTimeout bounds one commit attempt; the deadlock-retry
	// ceiling above it bounds worst-case per-batch wall time.
	DefaultTxTimeout   = 60 * time.Second
	DefaultMaxAttempts = 5
)

const insertReferralsSQL = `
	INSERT INTO referrals (referrer_id, referred_id)
	SELECT r.referrer_id, r.referred_id
	FROM unnest($1::bigint[], $2::bigint[]) AS r(referrer_id, referred_id)
	ON CONFLICT (referrer_id, referred_id) DO NOTHING`

const upsertFriendshipsSQL = `
	INSERT INTO friendships (user1_id, user2_id, status)
	SELECT f.user1_id, f.user2_id, 'ACTIVE'
	FROM unnest($1::bigint[], $2::bigint[]) AS f(user1_id, user2_id)
	ON CONFLICT (user1_id, user2_id)
	DO UPDATE SET status = 'ACTIVE', updated_at = now()`

const inactivateFriendshipsSQL = `
	UPDATE friendships f
	SET status = 'INACTIVE', updated_at = now()
	FROM unnest($1::bigint[], $2::bigint[]) AS u(user1_id, user2_id)
	WHERE f.user1_id = u.user1_id
	  AND f.user2_id = u.user2_id
	  AND f.status = 'ACTIVE'`

const insertLogsSQL = `
	INSERT INTO transaction_logs (user_id, transaction_type, transaction_data)
	SELECT l.user_id, l.transaction_type, l.transaction_data::jsonb
	FROM unnest($1::bigint[], $2::text[], $3::text[]) AS l(user_id, transaction_type, transaction_data)`

// Projector materializes a Plan against the store inside one READ
// COMMITTED transaction, retrying the whole transaction on deadlock.
type Projector struct {
	pool        *pgxpool.Pool
	log         *zap.Logger
	txTimeout   time.Duration
	maxAttempts int
}

func New(pool *pgxpool.Pool, log *zap.Logger) *Projector {
	return &Projector{
		pool:        pool,
		log:         log,
		txTimeout:   DefaultTxTimeout,
		maxAttempts: DefaultMaxAttempts,
	}
}

// WithTxTimeout overrides the per-attempt transaction timeout.
func (p *Projector) WithTxTimeout(d time.Duration) *Projector {
	p.txTimeout = d
	return p
}

// resolved is the id-level form of a Plan, with friendship pairs in
// canonical (min, max) id order.
type resolved struct {
	refFrom, refTo []int64
	frA, frB       []int64
	unA, unB       []int64
	logUser        []int64
	logType        []string
	logData        []string
}

// Commit projects plan using ids, the complete name→id map for the
// batch. Referral inserts go first (no overlap with friendship locks),
// then friendship upserts, then the guarded inactivations, then the
// append-only log.
func (p *Projector) Commit(ctx context.Context, plan Plan, ids map[string]int64) error {
	if plan.Empty() {
		return nil
	}

	res, err := resolve(plan, ids)
	if err != nil {
		return err
	}

	attempt := 0
	return db.RetryDeadlock(ctx, p.maxAttempts, func(err error, next time.Duration) {
		p.log.Warn("projector: deadlock, retrying transaction",
			zap.Int("attempt", attempt),
			zap.Int("events", plan.EventCount()),
			zap.Duration("backoff", next),
			zap.Error(err))
	}, func() error {
		attempt++
		return p.commitOnce(ctx, res)
	})
}

func (p *Projector) commitOnce(ctx context.Context, res resolved) error {
	txCtx, cancel := context.WithTimeout(ctx, p.txTimeout)
	defer cancel()

	tx, err := p.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("projector: begin tx: %w", err)
	}
	defer tx.Rollback(txCtx)

	if len(res.refFrom) > 0 {
		if _, err := tx.Exec(txCtx, insertReferralsSQL, res.refFrom, res.refTo); err != nil {
			return fmt.Errorf("projector: insert referrals: %w", err)
		}
	}
	if len(res.frA) > 0 {
		if _, err := tx.Exec(txCtx, upsertFriendshipsSQL, res.frA, res.frB); err != nil {
			return fmt.Errorf("projector: upsert friendships: %w", err)
		}
	}
	if len(res.unA) > 0 {
		if _, err := tx.Exec(txCtx, inactivateFriendshipsSQL, res.unA, res.unB); err != nil {
			return fmt.Errorf("projector: inactivate friendships: %w", err)
		}
	}
	if len(res.logUser) > 0 {
		if _, err := tx.Exec(txCtx, insertLogsSQL, res.logUser, res.logType, res.logData); err != nil {
			return fmt.Errorf("projector: insert transaction logs: %w", err)
		}
	}

	if err := tx.Commit(txCtx); err != nil {
		return fmt.Errorf("projector: commit tx: %w", err)
	}
	return nil
}

func resolve(plan Plan, ids map[string]int64) (resolved, error) {
	var res resolved

	lookup := func(name string) (int64, error) {
		id, ok := ids[name]
		if !ok {
			return 0, fmt.Errorf("projector: unresolved user %q", name)
		}
		return id, nil
	}

	for _, e := range plan.Referrals {
		from, err := lookup(e.From)
		if err != nil {
			return resolved{}, err
		}
		to, err := lookup(e.To)
		if err != nil {
			return resolved{}, err
		}
		res.refFrom = append(res.refFrom, from)
		res.refTo = append(res.refTo, to)
	}

	pairIDs := func(pr Pair) (int64, int64, error) {
		a, err := lookup(pr.A)
		if err != nil {
			return 0, 0, err
		}
		b, err := lookup(pr.B)
		if err != nil {
			return 0, 0, err
		}
		if b < a {
			a, b = b, a
		}
		return a, b, nil
	}

	for _, pr := range plan.Friendships {
		a, b, err := pairIDs(pr)
		if err != nil {
			return resolved{}, err
		}
		res.frA = append(res.frA, a)
		res.frB = append(res.frB, b)
	}
	for _, pr := range plan.Unfriendships {
		a, b, err := pairIDs(pr)
		if err != nil {
			return resolved{}, err
		}
		res.unA = append(res.unA, a)
		res.unB = append(res.unB, b)
	}

	for _, l := range plan.Logs {
		id, err := lookup(l.Subject)
		if err != nil {
			return resolved{}, err
		}
		res.logUser = append(res.logUser, id)
		res.logType = append(res.logType, l.Type)
		res.logData = append(res.logData, string(l.Data))
	}

	return res, nil
}
