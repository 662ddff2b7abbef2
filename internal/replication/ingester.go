package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/floodgate-io/floodgate/internal/clock"
	"github.com/floodgate-io/floodgate/internal/database"
	"github.com/floodgate-io/floodgate/internal/logging"
	"github.com/floodgate-io/floodgate/internal/pubsub"
	"github.com/floodgate-io/floodgate/internal/tenant"
)

// Slot and publication names are the compatibility surface tenant databases
// are provisioned with; they never change even though the service does.
const (
	slotBase = "supabase_realtime_messages_replication_slot"
	// PublicationName covers exactly realtime.messages. Created by the
	// tenant migrations.
	PublicationName = "supabase_realtime_messages_publication"
)

var (
	// ErrSlotInUse is returned verbatim when the replication slot already
	// exists; its message is the wire code.
	ErrSlotInUse = errors.New("Temporary Replication slot already exists and in use")
	// ErrMaxWalSenders means the tenant database has no walsender slots
	// left for us.
	ErrMaxWalSenders = errors.New("max_wal_senders_reached")
)

// Postgres SQLSTATEs observed at stream startup.
const (
	pgDuplicateObject    = "42710"
	pgObjectInUse        = "55006"
	pgTooManyConnections = "53300"
)

const standbyInterval = 10 * time.Second

// Replication message outcomes.
const (
	outcomeEmitted = "emitted"
	outcomeSkipped = "skipped"
)

// Observer records per-row stream telemetry.
type Observer interface {
	ObserveBroadcastLatency(tenantID string, committed, inserted time.Duration)
	CountReplicationMessage(tenantID, outcome string)
}

// SlotName returns the replication slot name, suffixed when deployments
// need distinct slots per node.
func SlotName(suffix string) string {
	if suffix == "" {
		return slotBase
	}
	return slotBase + "_" + suffix
}

// Options configure a tenant's ingester.
type Options struct {
	Tenant     *tenant.Tenant
	SlotSuffix string
	Bus        *pubsub.Bus
	Clock      clock.Clock
	Log        *logging.Logger
	Observer   Observer
	// OwnerDone signals that the owning supervisor is going away; the
	// ingester disconnects cleanly when it closes.
	OwnerDone <-chan struct{}
}

// Ingester owns one tenant's replication stream.
type Ingester struct {
	log *logging.Logger
	bus *pubsub.Bus
	clk clock.Clock
	obs Observer

	tenant   *tenant.Tenant
	conn     *pgconn.PgConn
	startPos pglogrepl.LSN

	stop context.CancelFunc
	done chan struct{}
	err  error
}

// Start connects the replication session, creates the temporary slot and
// begins streaming. Startup is synchronous so the caller sees slot and
// walsender errors; the stream itself runs in its own goroutine.
func Start(ctx context.Context, opts Options) (*Ingester, error) {
	log := opts.Log.Tenant(opts.Tenant.ExternalID).Component("replication")

	conn, err := pgconn.Connect(ctx, opts.Tenant.CDC.DSN("replication", "database"))
	if err != nil {
		return nil, mapStartupError(err)
	}

	ident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		conn.Close(ctx)
		return nil, mapStartupError(err)
	}

	slot := SlotName(opts.SlotSuffix)
	if _, err := pglogrepl.CreateReplicationSlot(ctx, conn, slot, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Temporary: true}); err != nil {
		conn.Close(ctx)
		return nil, mapStartupError(err)
	}

	if err := pglogrepl.StartReplication(ctx, conn, slot, ident.XLogPos,
		pglogrepl.StartReplicationOptions{PluginArgs: []string{
			"proto_version '1'",
			"publication_names '" + PublicationName + "'",
		}}); err != nil {
		conn.Close(ctx)
		return nil, mapStartupError(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ing := &Ingester{
		log:      log,
		bus:      opts.Bus,
		clk:      opts.Clock,
		obs:      opts.Observer,
		tenant:   opts.Tenant,
		conn:     conn,
		startPos: ident.XLogPos,
		stop:     cancel,
		done:     make(chan struct{}),
	}
	go ing.watchOwner(runCtx, cancel, opts.OwnerDone)
	go ing.run(runCtx)

	log.Info("replication stream started", "slot", slot, "position", ident.XLogPos.String())
	return ing, nil
}

// Done closes when the stream loop has exited and the connection is closed.
func (i *Ingester) Done() <-chan struct{} { return i.done }

// Err reports why the stream ended. Valid once Done is closed; nil means a
// requested disconnect.
func (i *Ingester) Err() error { return i.err }

// Stop disconnects the stream and waits for the loop to exit. Idempotent.
func (i *Ingester) Stop() {
	i.stop()
	<-i.done
}

func (i *Ingester) watchOwner(ctx context.Context, cancel context.CancelFunc, ownerDone <-chan struct{}) {
	if ownerDone == nil {
		return
	}
	select {
	case <-ownerDone:
		i.log.Info("Disconnecting broadcast changes handler in the step", "step", "owner_down")
		cancel()
	case <-ctx.Done():
	}
}

func (i *Ingester) run(ctx context.Context) {
	err := i.stream(ctx)
	if err != nil {
		i.log.Error("replication stream ended", "error", err)
	}
	i.err = err
	i.conn.Close(context.Background())
	close(i.done)
}

func (i *Ingester) stream(ctx context.Context) error {
	clientPos := i.startPos
	nextStandby := time.Now().Add(standbyInterval)

	dec := newDecoder()
	var pending []MessageRow
	var commitTime time.Time

	for {
		if time.Now().After(nextStandby) {
			if err := i.sendStatus(ctx, clientPos); err != nil {
				return err
			}
			nextStandby = time.Now().Add(standbyInterval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandby)
		raw, err := i.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("receive: %w", err)
		}

		var data []byte
		switch msg := raw.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("walsender error %s: %s", msg.Code, msg.Message)
		case *pgproto3.CopyData:
			data = msg.Data
		default:
			continue
		}
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
			if err != nil {
				return fmt.Errorf("parse keepalive: %w", err)
			}
			if pkm.ServerWALEnd > clientPos {
				clientPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				if err := i.sendStatus(ctx, pkm.ServerWALEnd+1); err != nil {
					return err
				}
				nextStandby = time.Now().Add(standbyInterval)
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(data[1:])
			if err != nil {
				return fmt.Errorf("parse xlog data: %w", err)
			}
			logical, err := pglogrepl.Parse(xld.WALData)
			if err != nil {
				return fmt.Errorf("parse pgoutput message: %w", err)
			}

			switch m := logical.(type) {
			case *pglogrepl.RelationMessage:
				dec.HandleRelation(m)
			case *pglogrepl.BeginMessage:
				pending = pending[:0]
				commitTime = m.CommitTime
			case *pglogrepl.InsertMessage:
				row, err := dec.DecodeInsert(m)
				if err != nil {
					if errors.Is(err, ErrMalformedMessage) {
						i.log.Error("UnableToBroadcastChanges",
							"code", "malformed_message", "error", err)
						i.countMessage(outcomeSkipped)
					}
					continue
				}
				pending = append(pending, row)
			case *pglogrepl.CommitMessage:
				// Rows fan out in commit order, never before their
				// transaction commits.
				i.emit(pending, commitTime)
				pending = pending[:0]
				if m.TransactionEndLSN > clientPos {
					clientPos = m.TransactionEndLSN
				}
				if err := i.sendStatus(ctx, clientPos); err != nil {
					return err
				}
				nextStandby = time.Now().Add(standbyInterval)
			}

			if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > clientPos {
				clientPos = end
			}
		}
	}
}

func (i *Ingester) sendStatus(ctx context.Context, pos pglogrepl.LSN) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, i.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pos,
		WALFlushPosition: pos,
		WALApplyPosition: pos,
		ClientTime:       i.clk.Now(),
	})
	if err != nil {
		return fmt.Errorf("standby status update: %w", err)
	}
	return nil
}

func (i *Ingester) emit(rows []MessageRow, commitTime time.Time) {
	for _, row := range rows {
		env := row.Broadcast()
		topic := pubsub.TenantTopic(i.tenant.ExternalID, row.Topic, row.Private)

		var err error
		if i.tenant.Adapter() == tenant.AdapterLocal {
			err = i.bus.BroadcastLocal(topic, env)
		} else {
			err = i.bus.Broadcast(topic, env)
		}
		if err != nil {
			i.log.Error("UnableToBroadcastChanges", "code", "broadcast_failed", "error", err)
			i.countMessage(outcomeSkipped)
			continue
		}

		now := i.clk.Now()
		if i.obs != nil {
			i.obs.ObserveBroadcastLatency(i.tenant.ExternalID,
				now.Sub(commitTime), now.UTC().Sub(row.InsertedAt))
		}
		i.countMessage(outcomeEmitted)
	}
}

func (i *Ingester) countMessage(outcome string) {
	if i.obs != nil {
		i.obs.CountReplicationMessage(i.tenant.ExternalID, outcome)
	}
}

// mapStartupError folds stream startup failures into the lifecycle
// taxonomy.
func mapStartupError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgDuplicateObject || pgErr.Code == pgObjectInUse:
			return ErrSlotInUse
		case pgErr.Code == pgTooManyConnections || strings.Contains(pgErr.Message, "max_wal_senders"):
			return fmt.Errorf("%w: %s", ErrMaxWalSenders, pgErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", database.ErrUnavailable, err)
}
