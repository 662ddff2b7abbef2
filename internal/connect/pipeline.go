package connect

import (
	"context"
	"errors"
	"fmt"

	"github.com/floodgate-io/floodgate/internal/counters"
	"github.com/floodgate-io/floodgate/internal/database"
	"github.com/floodgate-io/floodgate/internal/pubsub"
	"github.com/floodgate-io/floodgate/internal/registry"
	"github.com/floodgate-io/floodgate/internal/replication"
	"github.com/floodgate-io/floodgate/internal/tenant"
)

// step is one named stage of the startup pipeline.
type step struct {
	name string
	run  func(ctx context.Context, s *Supervisor) error
}

// startPipeline is the fixed order a supervisor comes up in. Each step moves
// the accumulated state forward; the first failure aborts the start and
// unwinds everything built so far.
var startPipeline = []step{
	{"get_tenant", stepGetTenant},
	{"check_connection", stepCheckConnection},
	{"start_counters", stepStartCounters},
	{"register_process", stepRegisterProcess},
	{"run_migrations", stepRunMigrations},
	{"start_replication", stepStartReplication},
	{"publish_ready", stepPublishReady},
	{"setup_watchdogs", stepSetupWatchdogs},
}

// start runs the pipeline under the startup budget and hands off to the
// serve loop. It returns once the tenant serves or the start failed.
func (s *Supervisor) start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.m.cfg.ConnectStartTimeout)
	defer cancel()

	for _, st := range startPipeline {
		if err := st.run(ctx, s); err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%w: step %s overran the start budget: %v", ErrStartTimeout, st.name, err)
			}
			s.log.Error("startup step failed", "step", st.name, "error", err)
			s.m.observeStart(s.tenantID, err)
			s.abort()
			return err
		}
	}

	s.m.observeStart(s.tenantID, nil)
	go s.run()
	return nil
}

func stepGetTenant(ctx context.Context, s *Supervisor) error {
	t, err := s.m.tenants.Get(s.tenantID)
	if err != nil {
		return err
	}
	if t.Suspend {
		return tenant.ErrSuspended
	}
	s.tenant = t
	return nil
}

func stepCheckConnection(ctx context.Context, s *Supervisor) error {
	h, err := s.m.openDB(ctx, s.tenant, s.tenant.PoolSize(s.m.cfg.DefaultDBPool))
	if err != nil {
		return err
	}
	s.handle = h
	return nil
}

func stepStartCounters(ctx context.Context, s *Supervisor) error {
	for _, measure := range []counters.Measure{
		counters.Requests, counters.Channels, counters.Joins, counters.Events, counters.Bytes,
	} {
		s.m.counters.Counter(counters.Key{Tenant: s.tenantID, Measure: measure})
	}
	return nil
}

func stepRegisterProcess(ctx context.Context, s *Supervisor) error {
	_, err := s.m.reg.Register(registry.Connect, s.tenantID, s, registry.Meta{Region: s.tenant.Region})
	if err != nil {
		return err
	}
	s.registered = true
	return nil
}

func stepRunMigrations(ctx context.Context, s *Supervisor) error {
	if s.tenant.MigrationsRan < database.MigrationCount {
		if err := s.m.migrate(ctx, s.handle); err != nil {
			return err
		}
		if err := s.m.tenants.SetMigrationsRan(s.tenantID, database.MigrationCount); err != nil {
			s.log.Warn("recording migration version failed", "error", err)
		}
	}
	return s.m.partitions(ctx, s.handle, s.m.clk.Now(), s.m.cfg.PartitionAhead)
}

func stepStartReplication(ctx context.Context, s *Supervisor) error {
	ing, err := s.m.startIngester(ctx, replication.Options{
		Tenant:     s.tenant,
		SlotSuffix: s.m.cfg.SlotNameSuffix,
		Bus:        s.m.bus,
		Clock:      s.m.clk,
		Log:        s.m.base,
		Observer:   s.m.stream,
		OwnerDone:  s.ownerDone,
	})
	if err != nil {
		return err
	}
	s.ingester = ing
	return nil
}

func stepPublishReady(ctx context.Context, s *Supervisor) error {
	_, err := s.m.reg.Update(registry.Connect, s.tenantID,
		registry.Meta{Conn: s.handle, Region: s.tenant.Region})
	return err
}

func stepSetupWatchdogs(ctx context.Context, s *Supervisor) error {
	s.opsEvents, s.opsCancel = s.m.bus.Subscribe(pubsub.OperationsTopic(s.tenantID))
	s.members = s.m.reg.Members(registry.RegionNodes, "")
	return nil
}
