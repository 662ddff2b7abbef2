package connect

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/floodgate-io/floodgate/internal/counters"
	"github.com/floodgate-io/floodgate/internal/database"
	"github.com/floodgate-io/floodgate/internal/pubsub"
	"github.com/floodgate-io/floodgate/internal/registry"
	"github.com/floodgate-io/floodgate/internal/replication"
	"github.com/floodgate-io/floodgate/internal/tenant"
)

func TestStartLocal_RunsPipelineInOrder(t *testing.T) {
	f := newFixture(t, testTenant("t1"))

	ready, cancel := f.bus.Subscribe(pubsub.ReadyTopic("t1"))
	defer cancel()

	if err := f.m.StartLocal(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	want := []string{"open_db", "migrate", "partitions", "replication"}
	if got := f.stepList(); !slices.Equal(got, want) {
		t.Fatalf("pipeline calls = %v, want %v", got, want)
	}

	claim, ok := f.reg.Lookup(registry.Connect, "t1")
	if !ok || !claim.Meta.Live {
		t.Fatalf("claim = %+v, %v, want a live registration", claim, ok)
	}
	if claim.Meta.Conn != f.handle(0) {
		t.Fatal("claim does not carry the opened pool")
	}
	if claim.Meta.Region != "us-east-1" || claim.NodeRegion != "us-east" {
		t.Fatalf("claim regions = %s/%s", claim.Meta.Region, claim.NodeRegion)
	}

	ev := recvEvent(t, ready)
	if ev.Name != pubsub.EventReady {
		t.Fatalf("event = %q, want ready", ev.Name)
	}
	if got, ok := ev.Payload.(*database.Handle); !ok || got != f.handle(0) {
		t.Fatalf("ready payload = %#v, want the opened pool", ev.Payload)
	}

	if _, ok := f.m.counters.Stats(counters.Key{Tenant: "t1", Measure: counters.Joins}); !ok {
		t.Fatal("rate counters were not started")
	}
}

func TestStartLocal_TenantNotFound(t *testing.T) {
	f := newFixture(t)

	err := f.m.StartLocal(context.Background(), "ghost")
	if !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("err = %v, want tenant.ErrNotFound", err)
	}
	if got := f.stepList(); len(got) != 0 {
		t.Fatalf("pipeline ran %v for a missing tenant", got)
	}
	if _, ok := f.reg.Lookup(registry.Connect, "ghost"); ok {
		t.Fatal("a failed start left a claim behind")
	}
}

func TestStartLocal_SuspendedBeforeOpeningPool(t *testing.T) {
	rec := testTenant("t1")
	rec.Suspend = true
	f := newFixture(t, rec)

	err := f.m.StartLocal(context.Background(), "t1")
	if !errors.Is(err, tenant.ErrSuspended) {
		t.Fatalf("err = %v, want tenant.ErrSuspended", err)
	}
	if got := f.stepList(); len(got) != 0 {
		t.Fatalf("suspended tenant still reached %v", got)
	}
}

func TestStartLocal_DatabaseUnavailableAborts(t *testing.T) {
	f := newFixture(t, testTenant("t1"))
	f.openErr = database.ErrUnavailable

	err := f.m.StartLocal(context.Background(), "t1")
	if !errors.Is(err, database.ErrUnavailable) {
		t.Fatalf("err = %v, want database.ErrUnavailable", err)
	}
	if _, ok := f.reg.Lookup(registry.Connect, "t1"); ok {
		t.Fatal("a failed start left a claim behind")
	}
	if got := f.stepList(); !slices.Equal(got, []string{"open_db"}) {
		t.Fatalf("pipeline continued past the pool failure: %v", got)
	}
}

func TestStartLocal_ConflictLossAborts(t *testing.T) {
	f := newFixture(t, testTenant("t1"))

	// Another home-region node registered first; our younger claim loses.
	f.reg.ApplyRemoteClaim(registry.Claim{
		Scope: registry.Connect, Name: "t1",
		Node: "node-b", NodeRegion: "us-east",
		At:   testEpoch.Add(-time.Minute),
		Meta: registry.Meta{Region: "us-east-1", Live: true},
	})

	err := f.m.StartLocal(context.Background(), "t1")
	if !errors.Is(err, registry.ErrAlreadyRegistered) {
		t.Fatalf("err = %v, want registry.ErrAlreadyRegistered", err)
	}
	claim, ok := f.reg.Lookup(registry.Connect, "t1")
	if !ok || claim.Node != "node-b" {
		t.Fatalf("claim = %+v, %v, want node-b to keep it", claim, ok)
	}
	if got := f.stepList(); !slices.Equal(got, []string{"open_db"}) {
		t.Fatalf("pipeline continued past the lost conflict: %v", got)
	}
}

func TestStartLocal_SkipsMigrationsWhenCurrent(t *testing.T) {
	rec := testTenant("t1")
	rec.MigrationsRan = database.MigrationCount
	f := newFixture(t, rec)

	if err := f.m.StartLocal(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	want := []string{"open_db", "partitions", "replication"}
	if got := f.stepList(); !slices.Equal(got, want) {
		t.Fatalf("pipeline calls = %v, want %v", got, want)
	}
}

func TestStartLocal_ReplicationFailureAborts(t *testing.T) {
	f := newFixture(t, testTenant("t1"))
	f.ingErr = replication.ErrSlotInUse

	err := f.m.StartLocal(context.Background(), "t1")
	if !errors.Is(err, replication.ErrSlotInUse) {
		t.Fatalf("err = %v, want replication.ErrSlotInUse", err)
	}
	if _, ok := f.reg.Lookup(registry.Connect, "t1"); ok {
		t.Fatal("aborted start left its registration behind")
	}
}

func TestSupervisor_IdleShutdownAfterSixQuietChecks(t *testing.T) {
	f := newFixture(t, testTenant("t1"))
	if err := f.m.StartLocal(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	down, cancel := f.bus.Subscribe(pubsub.DownTopic(string(registry.Connect), "t1"))
	defer cancel()

	userTick := f.clk.ticker(t, f.m.cfg.CheckUserInterval)
	for range 5 {
		userTick.tick(t)
	}
	if n := f.clk.afterCount(); n != 0 {
		t.Fatalf("idle fuse armed after five checks (%d afters)", n)
	}

	userTick.tick(t)
	fuse := f.clk.after(t, 1)
	fuse <- time.Time{}

	if ev := recvEvent(t, down); ev.Name != pubsub.EventDown {
		t.Fatalf("event = %q, want down", ev.Name)
	}
	if _, ok := f.reg.Lookup(registry.Connect, "t1"); ok {
		t.Fatal("claim survived the idle shutdown")
	}
	expectClosed(t, f.ing.Done(), "replication ingester kept running")
	if n := f.m.counters.Len(); n != 0 {
		t.Fatalf("%d rate counters survived teardown", n)
	}
}

func TestSupervisor_UserActivityDisarmsIdleShutdown(t *testing.T) {
	f := newFixture(t, testTenant("t1"))
	f.setUsers(0, 0, 0, 0, 0, 0, 3)
	if err := f.m.StartLocal(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	down, cancel := f.bus.Subscribe(pubsub.DownTopic(string(registry.Connect), "t1"))
	defer cancel()

	userTick := f.clk.ticker(t, f.m.cfg.CheckUserInterval)
	for range 6 {
		userTick.tick(t)
	}
	fuse := f.clk.after(t, 1)

	// A user connects before the fuse fires; the next check disarms it.
	userTick.tick(t)
	userTick.tick(t)
	fuse <- time.Time{}

	expectNoEvent(t, down)
	if _, ok := f.reg.Lookup(registry.Connect, "t1"); !ok {
		t.Fatal("supervisor stopped despite connected users")
	}
}

func TestSupervisor_StopsWhenIngesterDies(t *testing.T) {
	f := newFixture(t, testTenant("t1"))
	if err := f.m.StartLocal(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	down, cancel := f.bus.Subscribe(pubsub.DownTopic(string(registry.Connect), "t1"))
	defer cancel()

	f.ing.fail(errors.New("walsender terminated"))

	if ev := recvEvent(t, down); ev.Name != pubsub.EventDown {
		t.Fatalf("event = %q, want down", ev.Name)
	}
	if _, ok := f.reg.Lookup(registry.Connect, "t1"); ok {
		t.Fatal("claim survived the replication exit")
	}
}

func TestSupervisor_OperatorEvents(t *testing.T) {
	f := newFixture(t, testTenant("t1"))
	if err := f.m.StartLocal(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	down, cancel := f.bus.Subscribe(pubsub.DownTopic(string(registry.Connect), "t1"))
	defer cancel()

	// Unsuspend refreshes the cached record but keeps the tenant serving.
	f.bus.Emit(pubsub.OperationsTopic("t1"), pubsub.Event{Name: pubsub.EventUnsuspend})
	waitFor(t, func() bool { return f.tenants.invalidations("t1") >= 1 },
		"unsuspend did not refresh the tenant record")
	expectNoEvent(t, down)
	if _, ok := f.reg.Lookup(registry.Connect, "t1"); !ok {
		t.Fatal("unsuspend stopped the supervisor")
	}

	f.bus.Emit(pubsub.OperationsTopic("t1"), pubsub.Event{Name: pubsub.EventSuspend})
	if ev := recvEvent(t, down); ev.Name != pubsub.EventDown {
		t.Fatalf("event = %q, want down", ev.Name)
	}
	if _, ok := f.reg.Lookup(registry.Connect, "t1"); ok {
		t.Fatal("claim survived the suspension")
	}
	if n := f.tenants.invalidations("t1"); n != 2 {
		t.Fatalf("tenant invalidated %d times, want 2", n)
	}
}

func TestSupervisor_DisconnectStops(t *testing.T) {
	f := newFixture(t, testTenant("t1"))
	if err := f.m.StartLocal(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	down, cancel := f.bus.Subscribe(pubsub.DownTopic(string(registry.Connect), "t1"))
	defer cancel()

	if err := f.m.Disconnect("t1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if ev := recvEvent(t, down); ev.Name != pubsub.EventDown {
		t.Fatalf("event = %q, want down", ev.Name)
	}
}

func TestSupervisor_RebalancesWhenPreferredNodeAppears(t *testing.T) {
	f := newFixture(t, testTenant("t1"))
	if err := f.m.StartLocal(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	down, cancel := f.bus.Subscribe(pubsub.DownTopic(string(registry.Connect), "t1"))
	defer cancel()

	regionTick := f.clk.ticker(t, f.m.cfg.RebalanceInterval)

	// Membership unchanged: the tenant stays put.
	regionTick.tick(t)
	expectNoEvent(t, down)

	// A node joins the tenant's platform region and wins placement.
	f.reg.ApplyRemoteClaim(nodeClaim("node-b", "us-east"))
	regionTick.tick(t)

	if ev := recvEvent(t, down); ev.Name != pubsub.EventDown {
		t.Fatalf("event = %q, want down", ev.Name)
	}
	if _, ok := f.reg.Lookup(registry.Connect, "t1"); ok {
		t.Fatal("claim survived the rebalance")
	}
}

func TestIdleRing(t *testing.T) {
	var r idleRing
	for i := range idleChecks - 1 {
		if r.sample(0) {
			t.Fatalf("ring full after %d samples", i+1)
		}
	}
	if !r.sample(0) {
		t.Fatal("six zero samples did not fill the ring")
	}
	if r.sample(7) {
		t.Fatal("ring reported idle with a live sample")
	}
	// The nonzero sample ages out after six more quiet checks.
	for range idleChecks - 1 {
		if r.sample(0) {
			t.Fatal("ring reported idle while the live sample was in window")
		}
	}
	if !r.sample(0) {
		t.Fatal("ring never recovered after the live sample aged out")
	}
}
