package authorize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/floodgate-io/floodgate/internal/database"
	"github.com/floodgate-io/floodgate/internal/logging"
)

// ErrRLSPolicy marks a probe that raised instead of allowing or denying --
// a broken tenant policy, not a denied capability.
var ErrRLSPolicy = errors.New("rls_policy_error")

// RLSPolicyError carries the probe context of a broken policy.
type RLSPolicyError struct {
	TenantID  string
	Direction string
	Err       error
}

func (e *RLSPolicyError) Error() string {
	return fmt.Sprintf("rls_policy_error: tenant %s %s probe: %v", e.TenantID, e.Direction, e.Err)
}

func (e *RLSPolicyError) Unwrap() []error { return []error{ErrRLSPolicy, e.Err} }

// Probe directions.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// pgInsufficientPrivilege is the SQLSTATE RLS rejections surface as.
const pgInsufficientPrivilege = "42501"

// The capabilities probed, in probe order.
var extensions = [2]string{"broadcast", "presence"}

const setLocalsSQL = `SELECT set_config('role', $1, true),
       set_config('realtime.topic', $2, true),
       set_config('request.jwt', $3, true),
       set_config('request.jwt.claims', $4, true),
       set_config('request.jwt.claim.sub', $5, true),
       set_config('request.jwt.claim.role', $6, true),
       set_config('request.headers', $7, true)`

const readProbeSQL = `SELECT 1 FROM realtime.messages WHERE topic = $1 AND extension = $2 LIMIT 1`

const writeProbeSQL = `INSERT INTO realtime.messages (topic, private, event, extension, payload)
VALUES ($1, true, 'authorization-probe', $2, '{}')`

// Observer records probe timings.
type Observer interface {
	ObserveAuthCheck(tenantID, direction string, d time.Duration)
}

// Engine runs RLS probes against tenant databases. Probes are the only
// place the service evaluates tenant policies; their results are latched
// into session Policies and never re-checked within a session.
type Engine struct {
	log          *logging.Logger
	queryTimeout time.Duration
	observer     Observer
}

// NewEngine builds an Engine. observer may be nil.
func NewEngine(log *logging.Logger, queryTimeout time.Duration, observer Observer) *Engine {
	return &Engine{log: log, queryTimeout: queryTimeout, observer: observer}
}

// ReadAuthorizations probes the read capabilities for the session in a
// READ ONLY transaction. A read probe can never leave rows behind.
func (e *Engine) ReadAuthorizations(ctx context.Context, h *database.Handle, actx Context) (Policies, error) {
	return e.probe(ctx, h, actx, DirectionRead)
}

// WriteAuthorizations probes the write capabilities for the session by
// inserting throw-away rows in a transaction that is always rolled back.
func (e *Engine) WriteAuthorizations(ctx context.Context, h *database.Handle, actx Context) (Policies, error) {
	return e.probe(ctx, h, actx, DirectionWrite)
}

func (e *Engine) probe(ctx context.Context, h *database.Handle, actx Context, dir string) (Policies, error) {
	start := time.Now()
	defer func() {
		if e.observer != nil {
			e.observer.ObserveAuthCheck(actx.TenantID, dir, time.Since(start))
		}
	}()

	conn, err := h.Acquire(ctx, e.queryTimeout)
	if err != nil {
		if errors.Is(err, database.ErrIncreaseConnectionPool) {
			e.log.Warn("authorization probe could not get a connection",
				"tenant", actx.TenantID, "direction", dir)
		}
		return Policies{}, err
	}
	defer conn.Release()

	var opts pgx.TxOptions
	if dir == DirectionRead {
		opts.AccessMode = pgx.ReadOnly
	}
	tx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		return Policies{}, fmt.Errorf("begin %s probe: %w", dir, err)
	}
	// Probes never commit: read probes have nothing to commit and write
	// probes must leave no rows visible to any other session.
	defer tx.Rollback(ctx)

	pol, err := probeTx(ctx, tx, actx, dir)
	if err != nil {
		e.log.Error("authorization probe failed",
			"tenant", actx.TenantID, "direction", dir, "topic", actx.Topic, "error", err)
		return Policies{}, err
	}
	return pol, nil
}

// probeTx runs the per-direction probe protocol inside tx: set the session
// locals the tenant's policies read, then test each capability under its
// own savepoint so one rejection cannot abort the next probe.
func probeTx(ctx context.Context, tx pgx.Tx, actx Context, dir string) (Policies, error) {
	if err := setLocals(ctx, tx, actx); err != nil {
		return Policies{}, &RLSPolicyError{TenantID: actx.TenantID, Direction: dir, Err: err}
	}

	var pol Policies
	for _, ext := range extensions {
		granted, err := probeCapability(ctx, tx, actx.Topic, ext, dir)
		if err != nil {
			return Policies{}, &RLSPolicyError{TenantID: actx.TenantID, Direction: dir, Err: err}
		}
		switch {
		case ext == "broadcast" && dir == DirectionRead:
			pol.Broadcast.Read = pol.Broadcast.Read.Latch(granted)
		case ext == "broadcast" && dir == DirectionWrite:
			pol.Broadcast.Write = pol.Broadcast.Write.Latch(granted)
		case ext == "presence" && dir == DirectionRead:
			pol.Presence.Read = pol.Presence.Read.Latch(granted)
		case ext == "presence" && dir == DirectionWrite:
			pol.Presence.Write = pol.Presence.Write.Latch(granted)
		}
	}
	return pol, nil
}

func setLocals(ctx context.Context, tx pgx.Tx, actx Context) error {
	claimsJSON, err := json.Marshal(actx.Claims)
	if err != nil {
		return fmt.Errorf("encode claims: %w", err)
	}
	headersJSON, err := json.Marshal(actx.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	_, err = tx.Exec(ctx, setLocalsSQL,
		actx.Role, actx.Topic, actx.Token,
		string(claimsJSON), actx.Sub(), actx.Role, string(headersJSON))
	if err != nil {
		return fmt.Errorf("set session locals: %w", err)
	}
	return nil
}

// probeCapability tests one capability. RLS rejections come back as a
// probed false; anything else the policy raises is an error.
func probeCapability(ctx context.Context, tx pgx.Tx, topic, ext, dir string) (bool, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	if dir == DirectionRead {
		var one int
		err := sp.QueryRow(ctx, readProbeSQL, topic, ext).Scan(&one)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return false, nil
		case isInsufficientPrivilege(err):
			return false, nil
		case err != nil:
			return false, err
		}
		return true, nil
	}

	if _, err := sp.Exec(ctx, writeProbeSQL, topic, ext); err != nil {
		if isInsufficientPrivilege(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgInsufficientPrivilege
}
