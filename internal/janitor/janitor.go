// Package janitor runs the periodic housekeeping pass: it drops idle rate
// counters, purges expired tenant cache entries and republishes the usage
// gauges so Prometheus never scrapes numbers for tenants that left.
package janitor

import (
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/floodgate-io/floodgate/internal/counters"
	"github.com/floodgate-io/floodgate/internal/logging"
	"github.com/floodgate-io/floodgate/internal/metrics"
	"github.com/floodgate-io/floodgate/internal/pubsub"
	"github.com/floodgate-io/floodgate/internal/registry"
	"github.com/floodgate-io/floodgate/internal/tenant"
)

// Janitor owns the cron schedule and the sweep it fires.
type Janitor struct {
	log      *logging.Logger
	cron     *cron.Cron
	counters *counters.Cache
	tenants  *tenant.Cache
	bus      *pubsub.Bus
	reg      *registry.Registry
	metrics  *metrics.Metrics
	idleTTL  time.Duration
	textfile string
}

// Options carries the janitor's dependencies and knobs.
type Options struct {
	Log      *logging.Logger
	Counters *counters.Cache
	Tenants  *tenant.Cache
	Bus      *pubsub.Bus
	Registry *registry.Registry
	Metrics  *metrics.Metrics

	// Schedule is a cron expression or descriptor ("@every 5m").
	Schedule string
	// CounterIdleTTL is how long a rate counter may sit unused before the
	// sweep drops it.
	CounterIdleTTL time.Duration
	// Textfile, when set, is a path the sweep writes the current metrics to
	// in Prometheus text format for node_exporter style collection.
	Textfile string
}

// New builds a janitor and registers the sweep on the schedule. The cron
// does not tick until Start.
func New(opts Options) (*Janitor, error) {
	j := &Janitor{
		log:      opts.Log.Component("janitor"),
		cron:     cron.New(),
		counters: opts.Counters,
		tenants:  opts.Tenants,
		bus:      opts.Bus,
		reg:      opts.Registry,
		metrics:  opts.Metrics,
		idleTTL:  opts.CounterIdleTTL,
		textfile: opts.Textfile,
	}
	if _, err := j.cron.AddFunc(opts.Schedule, j.Sweep); err != nil {
		return nil, err
	}
	return j, nil
}

// Start begins firing sweeps on the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a sweep already in flight.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep runs one housekeeping pass. Safe to call outside the schedule.
func (j *Janitor) Sweep() {
	started := time.Now()

	droppedCounters := j.counters.Sweep(j.idleTTL)
	expiredTenants := j.tenants.SweepExpired()
	j.publishUsage()

	if j.textfile != "" {
		if err := j.metrics.WriteTextfile(j.textfile); err != nil {
			j.log.Error("janitor: textfile write failed", "path", j.textfile, "error", err)
		}
	}

	j.log.Info("janitor sweep",
		"dropped_counters", droppedCounters,
		"expired_tenants", expiredTenants,
		"took", time.Since(started))
}

// publishUsage resets the per-tenant gauges and republishes them from the
// live counters and subscriptions. Reset first, so tenants that shut down
// since the last sweep disappear instead of flatlining at their last value.
func (j *Janitor) publishUsage() {
	j.metrics.ResetUsage()

	for key, stats := range j.counters.Snapshot() {
		j.metrics.SetCounterAvg(key.Tenant, string(key.Measure), stats.Avg)
	}

	for _, claim := range j.reg.LocalClaims() {
		if claim.Scope != registry.Connect {
			continue
		}
		j.metrics.SetConnectedUsers(claim.Name, j.bus.TenantUsers(claim.Name))
	}
}
