package connect

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/floodgate-io/floodgate/internal/authorize"
	"github.com/floodgate-io/floodgate/internal/channel"
	"github.com/floodgate-io/floodgate/internal/cluster"
	"github.com/floodgate-io/floodgate/internal/database"
	"github.com/floodgate-io/floodgate/internal/registry"
	"github.com/floodgate-io/floodgate/internal/replication"
	"github.com/floodgate-io/floodgate/internal/tenant"
)

func TestLookupOrStart_ReturnsLiveLocalHandle(t *testing.T) {
	f := newFixture(t, testTenant("t1"))
	if err := f.m.StartLocal(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	started := len(f.stepList())

	h, err := f.m.LookupOrStart(context.Background(), "t1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if h != f.handle(0) {
		t.Fatal("lookup returned a different handle than the supervisor owns")
	}
	if got := len(f.stepList()); got != started {
		t.Fatalf("lookup of a running tenant ran %d extra pipeline calls", got-started)
	}
}

func TestLookupOrStart_StartsAbsentTenantLocally(t *testing.T) {
	f := newFixture(t, testTenant("t1"))

	h, err := f.m.LookupOrStart(context.Background(), "t1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if h == nil || h != f.handle(0) {
		t.Fatal("lookup did not return the freshly opened pool")
	}
	if claim, ok := f.reg.Lookup(registry.Connect, "t1"); !ok || claim.Node != "node-a" {
		t.Fatalf("claim = %+v, %v, want a local registration", claim, ok)
	}
}

func TestLookupOrStart_WaitsForReadyBroadcast(t *testing.T) {
	f := newFixture(t, testTenant("t1"))

	// A start is in flight elsewhere in this process: registered, no pool yet.
	if _, err := f.reg.Register(registry.Connect, "t1", nil, registry.Meta{Region: "us-east-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	type result struct {
		h   *database.Handle
		err error
	}
	results := make(chan result, 1)
	go func() {
		h, err := f.m.LookupOrStart(context.Background(), "t1")
		results <- result{h, err}
	}()

	// The waiter has subscribed once it asks for its timeout.
	f.clk.after(t, 1)

	h := &database.Handle{}
	if _, err := f.reg.Update(registry.Connect, "t1", registry.Meta{Conn: h, Region: "us-east-1"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("lookup: %v", res.err)
		}
		if res.h != h {
			t.Fatal("lookup returned a different handle than the ready broadcast carried")
		}
	case <-time.After(time.Second):
		t.Fatal("lookup never woke up on the ready broadcast")
	}
}

func TestLookupOrStart_InitializingWhenReadyNeverComes(t *testing.T) {
	f := newFixture(t, testTenant("t1"))

	if _, err := f.reg.Register(registry.Connect, "t1", nil, registry.Meta{Region: "us-east-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := f.m.LookupOrStart(context.Background(), "t1")
		errs <- err
	}()

	timeout := f.clk.after(t, 1)
	timeout <- time.Time{}

	select {
	case err := <-errs:
		if !errors.Is(err, ErrInitializing) {
			t.Fatalf("err = %v, want ErrInitializing", err)
		}
	case <-time.After(time.Second):
		t.Fatal("lookup never timed out")
	}
}

func TestLookupOrStart_RemoteStartErrorMapsToSentinel(t *testing.T) {
	f := newFixture(t, testTenant("t1"))
	f.reg.ApplyRemoteClaim(nodeClaim("node-b", "us-east"))

	link := &fakeLink{errs: []error{&cluster.RemoteStartError{Node: "node-b", Code: "tenant_suspended"}}}
	f.m.AttachCluster(link)

	_, err := f.m.LookupOrStart(context.Background(), "t1")
	if !errors.Is(err, tenant.ErrSuspended) {
		t.Fatalf("err = %v, want tenant.ErrSuspended", err)
	}
	if !strings.Contains(err.Error(), "node-b") {
		t.Fatalf("err = %v, want the remote node named", err)
	}
	if n := link.callCount(); n != 1 {
		t.Fatalf("remote start called %d times, want 1", n)
	}
}

func TestLookupOrStart_DropsUnreachableNodeAndRetriesLocally(t *testing.T) {
	f := newFixture(t, testTenant("t1"))
	f.reg.ApplyRemoteClaim(nodeClaim("node-b", "us-east"))

	link := &fakeLink{errs: []error{&cluster.RPCError{Node: "node-b", Err: errors.New("no responders")}}}
	f.m.AttachCluster(link)

	h, err := f.m.LookupOrStart(context.Background(), "t1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if h != f.handle(0) {
		t.Fatal("local fallback did not return the opened pool")
	}
	if n := link.callCount(); n != 1 {
		t.Fatalf("remote start called %d times, want 1", n)
	}
	if _, ok := f.reg.Lookup(registry.RegionNodes, "node-b"); ok {
		t.Fatal("unreachable node kept its membership claim")
	}
	if claim, _ := f.reg.Lookup(registry.Connect, "t1"); claim.Node != "node-a" {
		t.Fatalf("tenant landed on %s, want node-a", claim.Node)
	}
}

func TestSatellitePool(t *testing.T) {
	f := newFixture(t, testTenant("t1"))

	// The supervisor runs on node-b; this node only probes.
	f.reg.ApplyRemoteClaim(registry.Claim{
		Scope: registry.Connect, Name: "t1",
		Node: "node-b", NodeRegion: "us-east",
		At:   testEpoch,
		Meta: registry.Meta{Region: "us-east-1", Live: true},
	})

	h, err := f.m.LookupOrStart(context.Background(), "t1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if h != f.handle(0) {
		t.Fatal("lookup did not return the satellite pool")
	}
	f.mu.Lock()
	sizes := append([]int(nil), f.sizes...)
	f.mu.Unlock()
	if len(sizes) != 1 || sizes[0] != satellitePoolSize {
		t.Fatalf("pool sizes = %v, want [%d]", sizes, satellitePoolSize)
	}

	// Repeat lookups share the pool.
	again, err := f.m.LookupOrStart(context.Background(), "t1")
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if again != h {
		t.Fatal("second lookup opened a second pool")
	}
	if got := f.stepList(); len(got) != 1 {
		t.Fatalf("open_db calls = %v, want one", got)
	}

	// The remote supervisor going down closes the satellite.
	f.reg.ApplyRemoteDown(registry.Connect, "t1", "node-b")
	waitFor(t, func() bool {
		f.m.mu.Lock()
		defer f.m.mu.Unlock()
		return len(f.m.satellites) == 0
	}, "satellite pool survived the down broadcast")
}

func TestShutdown_DrainsAndRejectsNewWork(t *testing.T) {
	f := newFixture(t, testTenant("t1"))
	if err := f.m.StartLocal(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.m.Shutdown()

	if _, ok := f.reg.Lookup(registry.Connect, "t1"); ok {
		t.Fatal("claim survived the drain")
	}
	expectClosed(t, f.ing.Done(), "replication ingester kept running")

	if _, err := f.m.LookupOrStart(context.Background(), "t1"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("lookup err = %v, want ErrShuttingDown", err)
	}
	if err := f.m.StartLocal(context.Background(), "t1"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("start err = %v, want ErrShuttingDown", err)
	}

	// Second drain is a no-op.
	f.m.Shutdown()
}

func TestProbesResolveTenantsFirst(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.ProbeWrite(context.Background(), &channel.Session{TenantID: "ghost"})
	if !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("probe write err = %v, want tenant.ErrNotFound", err)
	}
	_, err = f.m.ProbeRead(context.Background(), "ghost", authorize.Context{})
	if !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("probe read err = %v, want tenant.ErrNotFound", err)
	}
}

func TestMapRemoteError(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"tenant_not_found", tenant.ErrNotFound},
		{"tenant_suspended", tenant.ErrSuspended},
		{"tenant_database_unavailable", database.ErrUnavailable},
		{"tenant_db_too_many_connections", database.ErrTooManyConnections},
		{"max_wal_senders_reached", replication.ErrMaxWalSenders},
		{"already_registered", registry.ErrAlreadyRegistered},
		{"initializing", ErrInitializing},
		{"timeout", ErrStartTimeout},
		{"shutdown_in_progress", ErrShuttingDown},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			in := &cluster.RemoteStartError{Node: "node-b", Code: tc.code}
			got := mapRemoteError(in)
			if !errors.Is(got, tc.want) {
				t.Fatalf("mapRemoteError(%q) = %v, want %v", tc.code, got, tc.want)
			}
		})
	}

	// Unknown codes and non-RPC errors pass through untouched.
	var odd error = &cluster.RemoteStartError{Node: "node-b", Code: "kaboom"}
	if got := mapRemoteError(odd); got != odd {
		t.Fatalf("unknown code rewritten to %v", got)
	}
	plain := errors.New("dial failed")
	if got := mapRemoteError(plain); got != plain {
		t.Fatalf("plain error rewritten to %v", got)
	}
}
