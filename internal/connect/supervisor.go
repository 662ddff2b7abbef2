package connect

import (
	"errors"
	"slices"
	"time"

	"github.com/floodgate-io/floodgate/internal/cluster"
	"github.com/floodgate-io/floodgate/internal/clock"
	"github.com/floodgate-io/floodgate/internal/database"
	"github.com/floodgate-io/floodgate/internal/logging"
	"github.com/floodgate-io/floodgate/internal/pubsub"
	"github.com/floodgate-io/floodgate/internal/registry"
	"github.com/floodgate-io/floodgate/internal/tenant"
)

// stopGraceCeiling bounds how long Stop waits for the serve loop to wind
// down before giving up on it.
const stopGraceCeiling = 30 * time.Second

// idleChecks is how many consecutive zero-user samples put a tenant on the
// idle shutdown path.
const idleChecks = 6

// ingesterHandle is the slice of the replication ingester the supervisor
// drives. Tests substitute a fake; production uses *replication.Ingester.
type ingesterHandle interface {
	Done() <-chan struct{}
	Err() error
	Stop()
}

type stopRequest struct {
	reason string
}

// Supervisor owns one tenant's connection on this node: the database pool,
// the replication stream and the watchdog timers all live and die with it.
// A single goroutine drives it; everything else talks to it through the
// mailbox or the bus.
type Supervisor struct {
	m        *Manager
	tenantID string
	log      *logging.Logger

	mail      chan stopRequest
	ownerDone chan struct{} // closed when teardown starts; the ingester watches it
	stopped   chan struct{} // closed when the supervisor has fully wound down

	// Pipeline-accumulated state. Only the start pipeline and then the serve
	// goroutine touch these.
	tenant     *tenant.Tenant
	handle     *database.Handle
	ingester   ingesterHandle
	registered bool
	opsEvents  <-chan pubsub.Event
	opsCancel  func()
	idle       idleRing
	members    []string
}

func newSupervisor(m *Manager, tenantID string) *Supervisor {
	return &Supervisor{
		m:         m,
		tenantID:  tenantID,
		log:       m.base.Tenant(tenantID).Component("connect"),
		mail:      make(chan stopRequest, 1),
		ownerDone: make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Stop implements registry.Process: ask the serve loop to shut down and
// wait for it, up to the graceful ceiling. Safe to call from any goroutine,
// any number of times.
func (s *Supervisor) Stop(reason string) {
	select {
	case s.mail <- stopRequest{reason: reason}:
	case <-s.stopped:
		return
	}
	select {
	case <-s.stopped:
	case <-s.m.clk.After(stopGraceCeiling):
		s.log.Warn("graceful stop overran its ceiling", "reason", reason)
	}
}

// Done closes when the supervisor has fully wound down.
func (s *Supervisor) Done() <-chan struct{} { return s.stopped }

// run is the serving state. It owns the supervisor until teardown finishes.
func (s *Supervisor) run() {
	defer close(s.stopped)

	userTick := s.m.clk.NewTicker(s.m.cfg.CheckUserInterval)
	defer userTick.Stop()
	regionTick := s.m.clk.NewTicker(s.m.cfg.RebalanceInterval)
	defer regionTick.Stop()

	s.log.Info("tenant serving")
	s.teardown(s.serve(userTick, regionTick))
}

// serve selects across the supervisor's inputs until one of them asks for a
// shutdown, and returns the reason.
func (s *Supervisor) serve(userTick, regionTick clock.Ticker) string {
	var idleFuse <-chan time.Time
	for {
		select {
		case req := <-s.mail:
			return req.reason

		case <-s.ingester.Done():
			if err := s.ingester.Err(); err != nil {
				s.log.Error("replication stream died", "error", err)
			}
			return StopReasonStreamExit

		case ev := <-s.opsEvents:
			switch ev.Name {
			case pubsub.EventSuspend:
				s.m.tenants.Invalidate(s.tenantID)
				return tenant.ErrSuspended.Error()
			case pubsub.EventDisconnect:
				return StopReasonDisconnect
			case pubsub.EventUnsuspend:
				// Nothing changes for a running supervisor; refresh the
				// record so the next read sees the cleared flag.
				s.m.tenants.Invalidate(s.tenantID)
			}

		case <-userTick.C():
			users := s.m.countUsers(s.tenantID)
			if users > 0 {
				idleFuse = nil
			}
			if s.idle.sample(users) && idleFuse == nil {
				s.log.Info("no connected users; stopping after one more interval",
					"checks", idleChecks)
				idleFuse = s.m.clk.After(s.m.cfg.CheckUserInterval)
			}

		case <-idleFuse:
			return StopReasonIdle

		case <-regionTick.C():
			if s.wrongRegion() {
				return StopReasonRebalance
			}
		}
	}
}

// wrongRegion reports whether cluster membership changed since the last
// check and some other node is now preferred for this tenant. Clients
// reconnect after the stop and land on the preferred node.
func (s *Supervisor) wrongRegion() bool {
	members := s.m.reg.Members(registry.RegionNodes, "")
	changed := !slices.Equal(members, s.members)
	s.members = members
	if !changed {
		return false
	}
	preferred := cluster.PreferredNode(s.m.reg, s.m.cfg.NodeName, s.tenant)
	if preferred == s.m.cfg.NodeName {
		return false
	}
	s.log.Info("tenant prefers another node after membership change", "node", preferred)
	return true
}

// teardown unwinds the serving state in reverse start order.
func (s *Supervisor) teardown(reason string) {
	s.log.Info("tenant shutting down", "reason", reason)

	s.opsCancel()
	close(s.ownerDone)
	s.ingester.Stop()
	if err := s.m.reg.Unregister(registry.Connect, s.tenantID); err != nil && !errors.Is(err, registry.ErrNotOwner) {
		s.log.Warn("unregister failed", "error", err)
	}
	s.handle.Close()
	s.m.counters.DropTenant(s.tenantID)
}

// abort unwinds a partially-started supervisor after a pipeline failure.
func (s *Supervisor) abort() {
	defer close(s.stopped)

	if s.opsCancel != nil {
		s.opsCancel()
	}
	if s.ingester != nil {
		close(s.ownerDone)
		s.ingester.Stop()
	}
	if s.registered {
		if err := s.m.reg.Unregister(registry.Connect, s.tenantID); err != nil && !errors.Is(err, registry.ErrNotOwner) {
			s.log.Warn("unregister failed", "error", err)
		}
	}
	if s.handle != nil {
		s.handle.Close()
	}
}

// idleRing keeps the most recent connected-user samples. The supervisor
// shuts down when the ring fills with zeros and one more interval passes
// without a user.
type idleRing struct {
	samples [idleChecks]int
	n       int
}

// sample appends users and reports whether the full ring is zeros.
func (r *idleRing) sample(users int) bool {
	copy(r.samples[:], r.samples[1:])
	r.samples[len(r.samples)-1] = users
	if r.n < len(r.samples) {
		r.n++
	}
	if r.n < len(r.samples) {
		return false
	}
	for _, v := range r.samples {
		if v != 0 {
			return false
		}
	}
	return true
}
