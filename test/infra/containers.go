package infra

import (
	"context"
	"os"
	"strings"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 starts a Postgres 16 container and returns a DSN. If
// overrideDSN or GRAPHFLOW_TEST_PG_DSN is set, it reuses that database.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv("GRAPHFLOW_TEST_PG_DSN"); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("graphflow"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}

type RedisContainer struct {
	C *tcredis.RedisContainer
}

// StartRedis7 starts a Redis 7 container and returns its host:port. If
// GRAPHFLOW_TEST_REDIS_ADDR is set, it reuses that instance.
func StartRedis7(ctx context.Context) (*RedisContainer, string, error) {
	if addr := os.Getenv("GRAPHFLOW_TEST_REDIS_ADDR"); addr != "" {
		return &RedisContainer{}, addr, nil
	}

	redisC, err := tcredis.Run(ctx, "redis:7")
	if err != nil {
		return nil, "", err
	}

	cs, err := redisC.ConnectionString(ctx)
	if err != nil {
		_ = redisC.Terminate(ctx)
		return nil, "", err
	}
	return &RedisContainer{C: redisC}, strings.TrimPrefix(cs, "redis://"), nil
}

func (r *RedisContainer) Terminate(ctx context.Context) error {
	if r == nil || r.C == nil {
		return nil
	}
	return r.C.Terminate(ctx)
}
