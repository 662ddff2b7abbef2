// Package connect owns the per-tenant supervisors: the state machines that
// hold a tenant's database pool, replication stream and watchdogs, and the
// manager that finds or starts them across the cluster.
package connect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/floodgate-io/floodgate/internal/authorize"
	"github.com/floodgate-io/floodgate/internal/channel"
	"github.com/floodgate-io/floodgate/internal/clock"
	"github.com/floodgate-io/floodgate/internal/cluster"
	"github.com/floodgate-io/floodgate/internal/config"
	"github.com/floodgate-io/floodgate/internal/counters"
	"github.com/floodgate-io/floodgate/internal/database"
	"github.com/floodgate-io/floodgate/internal/logging"
	"github.com/floodgate-io/floodgate/internal/pubsub"
	"github.com/floodgate-io/floodgate/internal/registry"
	"github.com/floodgate-io/floodgate/internal/replication"
	"github.com/floodgate-io/floodgate/internal/tenant"
)

// satellitePoolSize is the pool size for tenants served on another node.
// Satellites only run authorization probes, so they stay tiny.
const satellitePoolSize = 2

// Link is the slice of the cluster the manager uses: remote starts and
// cluster-wide user counts. Single-node deployments run without one.
type Link interface {
	StartRemote(ctx context.Context, node, tenantID string) error
	CountUsers(tenantID string) int
}

// TenantSource hands out tenant control records. Implemented by
// tenant.Cache.
type TenantSource interface {
	Get(externalID string) (*tenant.Tenant, error)
	Invalidate(externalID string)
	SetMigrationsRan(externalID string, n int) error
}

// Observer records supervisor start outcomes.
type Observer interface {
	CountConnectStart(tenantID, outcome string)
}

// Options wire a Manager.
type Options struct {
	Config   *config.Config
	Log      *logging.Logger
	Bus      *pubsub.Bus
	Registry *registry.Registry
	Tenants  TenantSource
	Counters *counters.Cache
	Engine   *authorize.Engine
	Clock    clock.Clock
	Observer Observer
	// Stream observes per-row replication telemetry on every ingester this
	// manager starts.
	Stream replication.Observer
}

// Manager resolves tenant database handles on demand: the live pool when the
// tenant's supervisor runs here, a satellite pool when it runs elsewhere, a
// fresh start on the preferred node when it runs nowhere. It implements
// cluster.Starter and channel.Prober.
type Manager struct {
	cfg      *config.Config
	base     *logging.Logger
	log      *logging.Logger
	bus      *pubsub.Bus
	reg      *registry.Registry
	tenants  TenantSource
	counters *counters.Cache
	engine   *authorize.Engine
	clk      clock.Clock
	observer Observer
	stream   replication.Observer

	// Collaborator seams. Production wiring is set by New; tests swap in
	// fakes.
	openDB        func(ctx context.Context, t *tenant.Tenant, poolSize int) (*database.Handle, error)
	migrate       func(ctx context.Context, h *database.Handle) error
	partitions    func(ctx context.Context, h *database.Handle, today time.Time, ahead int) error
	startIngester func(ctx context.Context, opts replication.Options) (ingesterHandle, error)
	countUsers    func(tenantID string) int

	mu         sync.Mutex
	link       Link
	satellites map[string]*satellite
	draining   bool
}

// New builds a Manager wired to the real collaborators.
func New(opts Options) *Manager {
	m := &Manager{
		cfg:        opts.Config,
		base:       opts.Log,
		log:        opts.Log.Component("connect"),
		bus:        opts.Bus,
		reg:        opts.Registry,
		tenants:    opts.Tenants,
		counters:   opts.Counters,
		engine:     opts.Engine,
		clk:        opts.Clock,
		observer:   opts.Observer,
		stream:     opts.Stream,
		satellites: make(map[string]*satellite),
	}
	m.openDB = database.Connect
	m.migrate = database.Migrate
	m.partitions = database.CreatePartitions
	m.startIngester = func(ctx context.Context, o replication.Options) (ingesterHandle, error) {
		return replication.Start(ctx, o)
	}
	m.countUsers = opts.Bus.TenantUsers
	return m
}

// AttachCluster links the manager to its peers. Remote starts and user
// counts go through the cluster from here on. Call before serving traffic.
func (m *Manager) AttachCluster(link Link) {
	m.mu.Lock()
	m.link = link
	m.mu.Unlock()
	m.countUsers = link.CountUsers
}

// LookupOrStart returns a usable database handle for the tenant, starting
// its supervisor if nothing in the cluster runs it yet.
func (m *Manager) LookupOrStart(ctx context.Context, tenantID string) (*database.Handle, error) {
	if m.isDraining() {
		return nil, ErrShuttingDown
	}

	if claim, ok := m.reg.Lookup(registry.Connect, tenantID); ok {
		if claim.Meta.Live {
			return m.liveHandle(ctx, claim)
		}
		return m.waitReady(ctx, tenantID)
	}
	return m.place(ctx, tenantID, false)
}

// StartLocal runs the startup pipeline for a tenant on this node and blocks
// until it serves or fails with a taxonomy error. Implements cluster.Starter
// for the remote start RPC.
func (m *Manager) StartLocal(ctx context.Context, tenantID string) error {
	if m.isDraining() {
		return ErrShuttingDown
	}
	return newSupervisor(m, tenantID).start(ctx)
}

// ProbeWrite implements channel.Prober: resolve the tenant's database and
// run one write-direction authorization probe for the session.
func (m *Manager) ProbeWrite(ctx context.Context, s *channel.Session) (authorize.Policies, error) {
	h, err := m.LookupOrStart(ctx, s.TenantID)
	if err != nil {
		return authorize.Policies{}, err
	}
	return m.engine.WriteAuthorizations(ctx, h, s.AuthCtx)
}

// ProbeRead resolves the tenant's database and runs the read-direction
// probe. The socket layer calls this once per channel join.
func (m *Manager) ProbeRead(ctx context.Context, tenantID string, actx authorize.Context) (authorize.Policies, error) {
	h, err := m.LookupOrStart(ctx, tenantID)
	if err != nil {
		return authorize.Policies{}, err
	}
	return m.engine.ReadAuthorizations(ctx, h, actx)
}

// Disconnect asks whichever node serves the tenant to stop its supervisor.
func (m *Manager) Disconnect(tenantID string) error {
	return m.bus.EmitCluster(pubsub.OperationsTopic(tenantID), pubsub.EventDisconnect)
}

// Shutdown drains the node: new lookups fail with ErrShuttingDown, local
// supervisors stop gracefully in parallel and satellite pools close.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	sats := m.satellites
	m.satellites = make(map[string]*satellite)
	m.mu.Unlock()

	m.reg.StopAll(registry.Connect, ErrShuttingDown.Error())
	for id, sat := range sats {
		sat.cancel()
		sat.handle.Close()
		m.log.Info("satellite pool closed", "tenant", id)
	}
	m.log.Info("connect manager drained")
}

// liveHandle turns a live claim into a handle this node can use: the claim's
// own pool when local, a satellite pool when the supervisor runs elsewhere.
func (m *Manager) liveHandle(ctx context.Context, claim registry.Claim) (*database.Handle, error) {
	if claim.Meta.Conn != nil {
		return claim.Meta.Conn, nil
	}
	return m.satellite(ctx, claim.Name)
}

// waitReady blocks until the tenant's supervisor publishes a live handle.
// Subscribing before the re-read closes the subscribe/publish race: a ready
// that fires between lookup and subscribe is never lost.
func (m *Manager) waitReady(ctx context.Context, tenantID string) (*database.Handle, error) {
	events, cancel := m.bus.Subscribe(pubsub.ReadyTopic(tenantID))
	defer cancel()

	if claim, ok := m.reg.Lookup(registry.Connect, tenantID); ok && claim.Meta.Live {
		return m.liveHandle(ctx, claim)
	}

	timeout := m.clk.After(m.cfg.ReadyWait)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, ErrInitializing
		case ev, ok := <-events:
			if !ok {
				return nil, ErrInitializing
			}
			if ev.Name != pubsub.EventReady {
				continue
			}
			if h, ok := ev.Payload.(*database.Handle); ok && h != nil {
				return h, nil
			}
			// Remote ready events carry no handle; the claim does.
			if claim, ok := m.reg.Lookup(registry.Connect, tenantID); ok && claim.Meta.Live {
				return m.liveHandle(ctx, claim)
			}
		}
	}
}

// place starts the tenant on its preferred node and waits for ready. One
// transport failure drops the unreachable node's claims and re-places, so a
// crashed peer cannot keep winning placement with stale registrations.
func (m *Manager) place(ctx context.Context, tenantID string, retried bool) (*database.Handle, error) {
	t, err := m.tenants.Get(tenantID)
	if err != nil {
		return nil, err
	}

	node := cluster.PreferredNode(m.reg, m.cfg.NodeName, t)
	link := m.clusterLink()
	if node == m.cfg.NodeName || link == nil {
		err := m.StartLocal(ctx, tenantID)
		if err != nil && !errors.Is(err, registry.ErrAlreadyRegistered) {
			return nil, err
		}
		return m.waitReady(ctx, tenantID)
	}

	m.log.Info("starting tenant on preferred node", "tenant", tenantID, "node", node)
	if err := link.StartRemote(ctx, node, tenantID); err != nil {
		var rpcErr *cluster.RPCError
		if errors.As(err, &rpcErr) && !retried {
			m.log.Warn("remote start got no answer; dropping node",
				"tenant", tenantID, "node", node, "error", err)
			m.reg.DropNode(node)
			return m.place(ctx, tenantID, true)
		}
		return nil, mapRemoteError(err)
	}
	return m.waitReady(ctx, tenantID)
}

// satellite is a small local pool for a tenant served elsewhere. Probes need
// database access on every node the tenant's users land on.
type satellite struct {
	handle *database.Handle
	cancel func()
}

func (m *Manager) satellite(ctx context.Context, tenantID string) (*database.Handle, error) {
	m.mu.Lock()
	if sat, ok := m.satellites[tenantID]; ok {
		m.mu.Unlock()
		return sat.handle, nil
	}
	m.mu.Unlock()

	t, err := m.tenants.Get(tenantID)
	if err != nil {
		return nil, err
	}
	h, err := m.openDB(ctx, t, satellitePoolSize)
	if err != nil {
		return nil, err
	}

	down, cancel := m.bus.Subscribe(pubsub.DownTopic(string(registry.Connect), tenantID))

	m.mu.Lock()
	if sat, ok := m.satellites[tenantID]; ok {
		// Lost the open race; keep the first pool.
		m.mu.Unlock()
		cancel()
		h.Close()
		return sat.handle, nil
	}
	m.satellites[tenantID] = &satellite{handle: h, cancel: cancel}
	m.mu.Unlock()

	go m.watchSatellite(tenantID, down)
	m.log.Info("satellite pool opened", "tenant", tenantID)
	return h, nil
}

// watchSatellite closes the satellite pool when the tenant's supervisor goes
// down anywhere in the cluster. The next lookup reopens it against whichever
// node takes over.
func (m *Manager) watchSatellite(tenantID string, down <-chan pubsub.Event) {
	<-down
	m.dropSatellite(tenantID)
}

func (m *Manager) dropSatellite(tenantID string) {
	m.mu.Lock()
	sat, ok := m.satellites[tenantID]
	delete(m.satellites, tenantID)
	m.mu.Unlock()
	if !ok {
		return
	}
	sat.cancel()
	sat.handle.Close()
	m.log.Info("satellite pool closed", "tenant", tenantID)
}

func (m *Manager) isDraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

func (m *Manager) clusterLink() Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link
}

func (m *Manager) observeStart(tenantID string, err error) {
	if m.observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = cluster.RootCode(err)
	}
	m.observer.CountConnectStart(tenantID, outcome)
}
