// Package metrics owns the node's Prometheus collectors. Every series
// carries the node identity labels (host, region, id) so programmatic dumps
// stay attributable without scrape-config relabeling.
package metrics

import (
	"bytes"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Metrics is the node-wide collector set. It implements the observer
// interfaces of the packages it instruments, so startup wiring passes one
// value everywhere.
type Metrics struct {
	reg *prometheus.Registry

	broadcastCommitted *prometheus.HistogramVec
	broadcastInserted  *prometheus.HistogramVec
	authCheck          *prometheus.HistogramVec
	replicationMsgs    *prometheus.CounterVec
	connectStarts      *prometheus.CounterVec
	connectedUsers     *prometheus.GaugeVec
	counterAvg         *prometheus.GaugeVec
	clusterRPC         *prometheus.HistogramVec
}

// New builds the collector set. host, region and id identify this node on
// every series.
func New(host, region, id string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(prometheus.WrapRegistererWith(
		prometheus.Labels{"host": host, "region": region, "id": id}, reg))

	return &Metrics{
		reg: reg,
		broadcastCommitted: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "floodgate_broadcast_from_database_committed_seconds",
			Help:    "Delay between a row's transaction commit and its fan-out.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant"}),
		broadcastInserted: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "floodgate_broadcast_from_database_inserted_seconds",
			Help:    "Delay between a row's inserted_at and its fan-out.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant"}),
		authCheck: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "floodgate_authorization_check_seconds",
			Help:    "Duration of RLS authorization probes, by direction.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant", "direction"}),
		replicationMsgs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "floodgate_replication_messages_total",
			Help: "Replication rows seen, by outcome.",
		}, []string{"tenant", "outcome"}),
		connectStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "floodgate_connect_starts_total",
			Help: "Tenant supervisor starts on this node, by outcome.",
		}, []string{"tenant", "outcome"}),
		connectedUsers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "floodgate_connected_users",
			Help: "Connected channels per tenant on this node.",
		}, []string{"tenant"}),
		counterAvg: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "floodgate_rate_counter_avg",
			Help: "Sliding per-second average of the tenant rate counters.",
		}, []string{"tenant", "measure"}),
		clusterRPC: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "floodgate_cluster_rpc_seconds",
			Help:    "Duration of cluster RPCs, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

// ObserveBroadcastLatency records how far behind the database a fanned-out
// row was, measured against both its commit and its inserted_at timestamps.
func (m *Metrics) ObserveBroadcastLatency(tenantID string, committed, inserted time.Duration) {
	m.broadcastCommitted.WithLabelValues(tenantID).Observe(committed.Seconds())
	m.broadcastInserted.WithLabelValues(tenantID).Observe(inserted.Seconds())
}

// CountReplicationMessage tallies one replication row by outcome.
func (m *Metrics) CountReplicationMessage(tenantID, outcome string) {
	m.replicationMsgs.WithLabelValues(tenantID, outcome).Inc()
}

// ObserveAuthCheck records one RLS probe; direction is "read" or "write".
func (m *Metrics) ObserveAuthCheck(tenantID, direction string, d time.Duration) {
	m.authCheck.WithLabelValues(tenantID, direction).Observe(d.Seconds())
}

// CountConnectStart tallies one supervisor start attempt by outcome.
func (m *Metrics) CountConnectStart(tenantID, outcome string) {
	m.connectStarts.WithLabelValues(tenantID, outcome).Inc()
}

// ObserveRPC records one cluster round trip.
func (m *Metrics) ObserveRPC(op string, d time.Duration) {
	m.clusterRPC.WithLabelValues(op).Observe(d.Seconds())
}

// SetConnectedUsers publishes the node-local connected-channel count for a
// tenant.
func (m *Metrics) SetConnectedUsers(tenantID string, n int) {
	m.connectedUsers.WithLabelValues(tenantID).Set(float64(n))
}

// SetCounterAvg publishes one rate-counter sliding average.
func (m *Metrics) SetCounterAvg(tenantID, measure string, avg float64) {
	m.counterAvg.WithLabelValues(tenantID, measure).Set(avg)
}

// ResetUsage clears the usage gauges ahead of a fresh publication, so
// tenants that left this node stop exporting their last value.
func (m *Metrics) ResetUsage() {
	m.connectedUsers.Reset()
	m.counterAvg.Reset()
}

// GetMetrics renders every collector in Prometheus text exposition format.
func (m *Metrics) GetMetrics() ([]byte, error) {
	mfs, err := m.reg.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// GetCompressedMetrics returns the GetMetrics payload gzipped, for shipping
// dumps off-node.
func (m *Metrics) GetCompressedMetrics() ([]byte, error) {
	raw, err := m.GetMetrics()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Handler serves the node registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
