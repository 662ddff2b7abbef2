// Package database opens and owns tenant database pools and runs the
// schema/partition maintenance the message table needs. Pool sizing is
// deliberately small: a tenant's pool serves probes and bookkeeping, not
// user traffic.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floodgate-io/floodgate/internal/tenant"
)

// Database errors. The messages are the exact codes that cross the cluster
// RPC boundary.
var (
	ErrUnavailable            = errors.New("tenant_database_unavailable")
	ErrTooManyConnections     = errors.New("tenant_db_too_many_connections")
	ErrIncreaseConnectionPool = errors.New("increase_connection_pool")
)

// Postgres SQLSTATEs the service reacts to.
const (
	pgTooManyConnections = "53300"
)

const connectTimeout = 10 * time.Second

// Handle owns a live tenant database pool. It is the value the registry
// shares through Connect metadata and ready broadcasts.
type Handle struct {
	pool       *pgxpool.Pool
	externalID string
}

// Connect opens a pool against the tenant database and verifies it answers.
func Connect(ctx context.Context, t *tenant.Tenant, poolSize int) (*Handle, error) {
	cfg, err := pgxpool.ParseConfig(t.CDC.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: bad connection settings: %v", ErrUnavailable, err)
	}
	cfg.MaxConns = int32(poolSize)
	cfg.MinConns = 0
	cfg.ConnConfig.ConnectTimeout = connectTimeout
	cfg.ConnConfig.RuntimeParams["application_name"] = "floodgate"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, mapConnectError(err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, mapConnectError(err)
	}

	return &Handle{pool: pool, externalID: t.ExternalID}, nil
}

// Pool exposes the underlying pgx pool.
func (h *Handle) Pool() *pgxpool.Pool { return h.pool }

// TenantID returns the external id the handle belongs to.
func (h *Handle) TenantID() string { return h.externalID }

// Close releases the pool. Safe to call more than once.
func (h *Handle) Close() {
	if h.pool != nil {
		h.pool.Close()
	}
}

// Acquire checks a connection out of the pool, waiting at most d. An
// exhausted pool surfaces as ErrIncreaseConnectionPool so callers can tell
// tenants to raise their pool size rather than retrying blindly.
func (h *Handle) Acquire(ctx context.Context, d time.Duration) (*pgxpool.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	conn, err := h.pool.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrIncreaseConnectionPool
		}
		return nil, err
	}
	return conn, nil
}

// mapConnectError folds connection failures into the lifecycle taxonomy.
func mapConnectError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgTooManyConnections {
		return fmt.Errorf("%w: %s", ErrTooManyConnections, pgErr.Message)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
