package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// QueueStats exposes queue depth to the stats endpoint without coupling
// the API to the queue client.
type QueueStats interface {
	Length(ctx context.Context, queue string) (int64, error)
}

// Handler serves the read side of the projection: a user's ego network
// and store/queue statistics. It never writes.
type Handler struct {
	pool      *pgxpool.Pool
	queue     QueueStats
	queueName string
	log       *zap.Logger
}

func NewHandler(pool *pgxpool.Pool, queue QueueStats, queueName string, log *zap.Logger) *Handler {
	return &Handler{pool: pool, queue: queue, queueName: queueName, log: log}
}

// Register mounts the routes on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/healthz", h.health)
	e.GET("/stats", h.stats)
	e.GET("/users/:name/network", h.network)
}

func (h *Handler) health(c echo.Context) error {
	if err := h.pool.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type userInfo struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type friendInfo struct {
	ID    int64     `json:"id"`
	Name  string    `json:"name"`
	Since time.Time `json:"since"`
}

type refInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type networkResponse struct {
	User       userInfo     `json:"user"`
	Friends    []friendInfo `json:"friends"`
	ReferredBy *refInfo     `json:"referred_by"`
	Referred   []refInfo    `json:"referred"`
}

func (h *Handler) network(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")

	var user userInfo
	err := h.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM users WHERE name = $1`, name).
		Scan(&user.ID, &user.Name, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	if err != nil {
		h.log.Error("api: load user", zap.String("name", name), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	resp := networkResponse{User: user, Friends: []friendInfo{}, Referred: []refInfo{}}

	rows, err := h.pool.Query(ctx, `
		SELECT u.id, u.name, f.updated_at
		FROM friendships f
		JOIN users u ON u.id = CASE WHEN f.user1_id = $1 THEN f.user2_id ELSE f.user1_id END
		WHERE (f.user1_id = $1 OR f.user2_id = $1) AND f.status = 'ACTIVE'
		ORDER BY u.name`, user.ID)
	if err != nil {
		h.log.Error("api: load friends", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	defer rows.Close()
	for rows.Next() {
		var f friendInfo
		if err := rows.Scan(&f.ID, &f.Name, &f.Since); err != nil {
			h.log.Error("api: scan friend", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		resp.Friends = append(resp.Friends, f)
	}

	var referrer refInfo
	err = h.pool.QueryRow(ctx, `
		SELECT u.id, u.name FROM referrals r
		JOIN users u ON u.id = r.referrer_id
		WHERE r.referred_id = $1
		ORDER BY r.created_at LIMIT 1`, user.ID).
		Scan(&referrer.ID, &referrer.Name)
	switch {
	case err == nil:
		resp.ReferredBy = &referrer
	case errors.Is(err, pgx.ErrNoRows):
		// organic signup
	default:
		h.log.Error("api: load referrer", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	refRows, err := h.pool.Query(ctx, `
		SELECT u.id, u.name FROM referrals r
		JOIN users u ON u.id = r.referred_id
		WHERE r.referrer_id = $1
		ORDER BY u.name`, user.ID)
	if err != nil {
		h.log.Error("api: load referred", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	defer refRows.Close()
	for refRows.Next() {
		var rf refInfo
		if err := refRows.Scan(&rf.ID, &rf.Name); err != nil {
			h.log.Error("api: scan referred", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		resp.Referred = append(resp.Referred, rf)
	}

	return c.JSON(http.StatusOK, resp)
}

type statsResponse struct {
	QueueDepth      int64 `json:"queue_depth"`
	Users           int64 `json:"users"`
	Friendships     int64 `json:"friendships"`
	Referrals       int64 `json:"referrals"`
	TransactionLogs int64 `json:"transaction_logs"`
}

func (h *Handler) stats(c echo.Context) error {
	ctx := c.Request().Context()
	var resp statsResponse

	if h.queue != nil {
		depth, err := h.queue.Length(ctx, h.queueName)
		if err != nil {
			h.log.Warn("api: queue depth unavailable", zap.Error(err))
			depth = -1
		}
		resp.QueueDepth = depth
	}

	err := h.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM friendships),
			(SELECT COUNT(*) FROM referrals),
			(SELECT COUNT(*) FROM transaction_logs)`).
		Scan(&resp.Users, &resp.Friendships, &resp.Referrals, &resp.TransactionLogs)
	if err != nil {
		h.log.Error("api: load stats", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	return c.JSON(http.StatusOK, resp)
}
