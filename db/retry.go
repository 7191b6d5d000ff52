package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the projection pipeline cares about.
const (
	codeUniqueViolation = "23505"
	codeDeadlock        = "40P01"
)

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// IsDeadlock reports whether err is a Postgres deadlock. The message check
// covers drivers and proxies that flatten the SQLSTATE away.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeDeadlock {
		return true
	}
	return strings.Contains(err.Error(), "deadlock detected")
}

// RetryDeadlock runs op, retrying only on deadlock up to attempts total
// tries with exponential backoff (100ms base, doubling, jittered). Any
// other error aborts immediately and is returned as-is. notify, when
// non-nil, observes each retry with the upcoming sleep.
func RetryDeadlock(ctx context.Context, attempts int, notify func(err error, next time.Duration), op func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsDeadlock(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
	if notify == nil {
		return backoff.Retry(wrapped, policy)
	}
	return backoff.RetryNotify(wrapped, policy, notify)
}
