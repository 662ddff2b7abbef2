package connect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/floodgate-io/floodgate/internal/clock"
	"github.com/floodgate-io/floodgate/internal/config"
	"github.com/floodgate-io/floodgate/internal/counters"
	"github.com/floodgate-io/floodgate/internal/database"
	"github.com/floodgate-io/floodgate/internal/logging"
	"github.com/floodgate-io/floodgate/internal/pubsub"
	"github.com/floodgate-io/floodgate/internal/registry"
	"github.com/floodgate-io/floodgate/internal/replication"
	"github.com/floodgate-io/floodgate/internal/tenant"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeTicker delivers ticks only when the test sends them. The channel is
// unbuffered, so a send returns once the serve loop has taken the tick,
// which serializes test and loop without sleeps.
type fakeTicker struct {
	ch chan time.Time
}

func (tk *fakeTicker) C() <-chan time.Time { return tk.ch }
func (tk *fakeTicker) Stop()               {}

func (tk *fakeTicker) tick(t *testing.T) {
	t.Helper()
	select {
	case tk.ch <- time.Time{}:
	case <-time.After(time.Second):
		t.Fatal("serve loop never consumed the tick")
	}
}

// fakeClock hands out controllable tickers keyed by interval and records
// every After channel in request order.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers map[time.Duration]*fakeTicker
	afters  []chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch, tickers: make(map[time.Duration]*fakeTicker)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.afters = append(c.afters, ch)
	return ch
}

func (c *fakeClock) NewTicker(d time.Duration) clock.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	tk := &fakeTicker{ch: make(chan time.Time)}
	c.tickers[d] = tk
	return tk
}

// ticker waits for the supervisor goroutine to create its ticker for d.
func (c *fakeClock) ticker(t *testing.T, d time.Duration) *fakeTicker {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		tk, ok := c.tickers[d]
		c.mu.Unlock()
		if ok {
			return tk
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no ticker created for %v", d)
	return nil
}

// after waits until at least n After channels were requested and returns the
// n-th. Sends are non-blocking for the test because the channels hold one.
func (c *fakeClock) after(t *testing.T, n int) chan time.Time {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.afters) >= n {
			ch := c.afters[n-1]
			c.mu.Unlock()
			return ch
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("after channel %d was never requested", n)
	return nil
}

func (c *fakeClock) afterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.afters)
}

type fakeIngester struct {
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func newFakeIngester() *fakeIngester {
	return &fakeIngester{done: make(chan struct{})}
}

func (f *fakeIngester) Done() <-chan struct{} { return f.done }
func (f *fakeIngester) Stop()                 { f.once.Do(func() { close(f.done) }) }

func (f *fakeIngester) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeIngester) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

type fakeTenants struct {
	mu          sync.Mutex
	records     map[string]tenant.Tenant
	invalidated []string
	migrations  map[string]int
}

func newFakeTenants(records ...tenant.Tenant) *fakeTenants {
	f := &fakeTenants{
		records:    make(map[string]tenant.Tenant),
		migrations: make(map[string]int),
	}
	for _, r := range records {
		f.records[r.ExternalID] = r
	}
	return f
}

func (f *fakeTenants) Get(externalID string) (*tenant.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[externalID]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	cp := r
	return &cp, nil
}

func (f *fakeTenants) Invalidate(externalID string) {
	f.mu.Lock()
	f.invalidated = append(f.invalidated, externalID)
	f.mu.Unlock()
}

func (f *fakeTenants) SetMigrationsRan(externalID string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[externalID]; !ok {
		return tenant.ErrNotFound
	}
	f.migrations[externalID] = n
	return nil
}

func (f *fakeTenants) invalidations(externalID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.invalidated {
		if id == externalID {
			n++
		}
	}
	return n
}

type fakeLink struct {
	mu    sync.Mutex
	errs  []error
	calls []string
	users int
}

func (l *fakeLink) StartRemote(ctx context.Context, node, tenantID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, node+"/"+tenantID)
	if len(l.errs) == 0 {
		return nil
	}
	err := l.errs[0]
	l.errs = l.errs[1:]
	return err
}

func (l *fakeLink) CountUsers(tenantID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.users
}

func (l *fakeLink) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// fixture wires a Manager to fakes for every collaborator that would touch
// a real database or the wall clock.
type fixture struct {
	m       *Manager
	bus     *pubsub.Bus
	reg     *registry.Registry
	clk     *fakeClock
	tenants *fakeTenants
	ing     *fakeIngester

	mu      sync.Mutex
	steps   []string
	handles []*database.Handle
	sizes   []int
	users   []int
	openErr error
	migErr  error
	ingErr  error
}

func newFixture(t *testing.T, records ...tenant.Tenant) *fixture {
	t.Helper()

	clk := newFakeClock()
	bus := pubsub.New()
	reg := registry.New("node-a", "us-east", bus, clk, logging.Discard())
	f := &fixture{
		bus:     bus,
		reg:     reg,
		clk:     clk,
		tenants: newFakeTenants(records...),
		ing:     newFakeIngester(),
	}

	f.m = New(Options{
		Config: &config.Config{
			NodeName:            "node-a",
			Region:              "us-east",
			DefaultDBPool:       4,
			PartitionAhead:      3,
			ConnectStartTimeout: time.Minute,
			ReadyWait:           5 * time.Second,
			CheckUserInterval:   50 * time.Second,
			RebalanceInterval:   10 * time.Minute,
		},
		Log:      logging.Discard(),
		Bus:      bus,
		Registry: reg,
		Tenants:  f.tenants,
		Counters: counters.NewCache(clk),
		Clock:    clk,
	})

	f.m.openDB = func(ctx context.Context, tn *tenant.Tenant, size int) (*database.Handle, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.steps = append(f.steps, "open_db")
		f.sizes = append(f.sizes, size)
		if f.openErr != nil {
			return nil, f.openErr
		}
		h := &database.Handle{}
		f.handles = append(f.handles, h)
		return h, nil
	}
	f.m.migrate = func(ctx context.Context, h *database.Handle) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.steps = append(f.steps, "migrate")
		return f.migErr
	}
	f.m.partitions = func(ctx context.Context, h *database.Handle, today time.Time, ahead int) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.steps = append(f.steps, "partitions")
		return nil
	}
	f.m.startIngester = func(ctx context.Context, o replication.Options) (ingesterHandle, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.steps = append(f.steps, "replication")
		if f.ingErr != nil {
			return nil, f.ingErr
		}
		return f.ing, nil
	}
	f.m.countUsers = func(string) int {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.users) == 0 {
			return 0
		}
		n := f.users[0]
		f.users = f.users[1:]
		return n
	}

	t.Cleanup(f.m.Shutdown)
	return f
}

func (f *fixture) stepList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.steps...)
}

func (f *fixture) handle(i int) *database.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.handles) {
		return nil
	}
	return f.handles[i]
}

func (f *fixture) setUsers(samples ...int) {
	f.mu.Lock()
	f.users = append([]int(nil), samples...)
	f.mu.Unlock()
}

func testTenant(id string) tenant.Tenant {
	return tenant.Tenant{
		ExternalID: id,
		JWTSecret:  "secret",
		Region:     "us-east-1",
		CDC: tenant.CDC{
			Host:     "db.internal",
			Port:     5432,
			Database: "postgres",
			User:     "replicator",
			Password: "pw",
		},
	}
}

func nodeClaim(node, region string) registry.Claim {
	return registry.Claim{
		Scope: registry.RegionNodes, Name: node,
		Node: node, NodeRegion: region,
		At:   testEpoch,
		Meta: registry.Meta{Region: region, Live: true},
	}
}

func recvEvent(t *testing.T, ch <-chan pubsub.Event) pubsub.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event arrived")
		return pubsub.Event{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan pubsub.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %q on %q", ev.Name, ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectClosed(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal(msg)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}
