// Package tenant holds the tenant control records: who a tenant is, where
// their database lives, and what limits they run under. Records are
// read-mostly; the rest of the system sees them through the short-TTL cache.
package tenant

import (
	"errors"
	"fmt"
)

// Lifecycle errors. The messages are the exact codes that cross the cluster
// RPC boundary.
var (
	ErrNotFound  = errors.New("tenant_not_found")
	ErrSuspended = errors.New("tenant_suspended")
)

// Fan-out adapters a tenant can select.
const (
	AdapterCluster = "cluster"
	AdapterLocal   = "local"
)

// CDC holds the tenant database connection settings used for replication,
// migrations and authorization probes.
type CDC struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Database string `json:"database" yaml:"database"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
}

// DSN renders the settings as a connection string. Extra key/value pairs are
// appended as-is (used to request a replication session).
func (c CDC) DSN(extra ...string) string {
	ssl := c.SSLMode
	if ssl == "" {
		ssl = "prefer"
	}
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, ssl)
	for i := 0; i+1 < len(extra); i += 2 {
		dsn += fmt.Sprintf(" %s=%s", extra[i], extra[i+1])
	}
	return dsn
}

// Tenant is one tenant's control record.
type Tenant struct {
	ExternalID string `json:"external_id" yaml:"external_id"`

	// Auth material
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	JWTJWKs   string `json:"jwt_jwks,omitempty" yaml:"jwt_jwks,omitempty"` // opaque

	// Limits
	MaxConcurrentUsers   int `json:"max_concurrent_users" yaml:"max_concurrent_users"`
	MaxEventsPerSecond   int `json:"max_events_per_second" yaml:"max_events_per_second"`
	MaxBytesPerSecond    int `json:"max_bytes_per_second" yaml:"max_bytes_per_second"`
	MaxChannelsPerClient int `json:"max_channels_per_client" yaml:"max_channels_per_client"`
	MaxJoinsPerSecond    int `json:"max_joins_per_second" yaml:"max_joins_per_second"`

	// Flags
	Suspend            bool `json:"suspend" yaml:"suspend"`
	NotifyPrivateAlpha bool `json:"notify_private_alpha" yaml:"notify_private_alpha"`

	// Placement and fan-out
	Region           string `json:"region" yaml:"region"`
	BroadcastAdapter string `json:"broadcast_adapter" yaml:"broadcast_adapter"`

	// Database
	CDC           CDC `json:"postgres_cdc_default" yaml:"postgres_cdc_default"`
	DBPool        int `json:"db_pool,omitempty" yaml:"db_pool,omitempty"`
	MigrationsRan int `json:"migrations_ran" yaml:"migrations_ran"`
}

// PoolSize returns the tenant's pool override or def when unset.
func (t *Tenant) PoolSize(def int) int {
	if t.DBPool > 0 {
		return t.DBPool
	}
	return def
}

// Adapter returns the tenant's fan-out adapter, defaulting to cluster.
func (t *Tenant) Adapter() string {
	if t.BroadcastAdapter == AdapterLocal {
		return AdapterLocal
	}
	return AdapterCluster
}

// Validate checks the record is usable before it is stored.
func (t *Tenant) Validate() error {
	var errs []error
	if t.ExternalID == "" {
		errs = append(errs, errors.New("external_id must not be empty"))
	}
	if t.JWTSecret == "" && t.JWTJWKs == "" {
		errs = append(errs, errors.New("tenant needs a jwt_secret or jwt_jwks"))
	}
	if t.CDC.Host == "" {
		errs = append(errs, errors.New("postgres_cdc_default.host must not be empty"))
	}
	if t.CDC.Database == "" {
		errs = append(errs, errors.New("postgres_cdc_default.database must not be empty"))
	}
	switch t.BroadcastAdapter {
	case "", AdapterCluster, AdapterLocal:
	default:
		errs = append(errs, fmt.Errorf("broadcast_adapter must be %q or %q, got %q", AdapterCluster, AdapterLocal, t.BroadcastAdapter))
	}
	return errors.Join(errs...)
}
