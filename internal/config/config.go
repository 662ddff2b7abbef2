package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all Floodgate configuration from environment variables.
type Config struct {
	// Node identity
	NodeName string // unique name of this node in the cluster
	Region   string // platform region this node runs in

	// Cluster messaging
	NATSUrl     string        // empty disables clustering (single-node mode)
	RPCTimeout  time.Duration // deadline for remote start requests
	UserCountTO time.Duration // deadline for the cluster user-count scatter

	// Tenant control store
	DBPath      string // bbolt database path
	TenantsFile string // optional YAML seed file loaded at boot

	// Tenant databases
	DefaultDBPool  int           // pgx pool size per tenant unless the tenant overrides it
	AuthQueryTO    time.Duration // per-probe query deadline
	SlotNameSuffix string        // appended to the replication slot name
	PartitionAhead int           // days of message partitions created ahead

	// Connect lifecycle
	ConnectStartTimeout time.Duration // budget for the whole startup pipeline
	ReadyWait           time.Duration // how long lookups wait for a ready broadcast
	CheckUserInterval   time.Duration // connected-user sampling interval
	RebalanceInterval   time.Duration // region placement check interval

	// Authorization
	JWTClaimValidators string // JSON object of claim -> expected value

	// Caching and sweeping
	TenantCacheTTL  time.Duration
	CounterIdleTTL  time.Duration
	JanitorSchedule string // cron spec for the janitor

	// HTTP
	MetricsAddr     string
	MetricsTextfile string // optional node_exporter textfile written on janitor sweeps

	// Logging
	LogJSON bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "floodgate-0"
	}
	return &Config{
		NodeName:            envStr("FLOODGATE_NODE_NAME", host),
		Region:              envStr("FLOODGATE_REGION", "local"),
		NATSUrl:             envStr("FLOODGATE_NATS_URL", ""),
		RPCTimeout:          envDuration("FLOODGATE_RPC_TIMEOUT", 30*time.Second),
		UserCountTO:         envDuration("FLOODGATE_USER_COUNT_TIMEOUT", 500*time.Millisecond),
		DBPath:              envStr("FLOODGATE_DB_PATH", "/data/floodgate.db"),
		TenantsFile:         envStr("FLOODGATE_TENANTS_FILE", ""),
		DefaultDBPool:       envInt("FLOODGATE_DB_POOL_SIZE", 4),
		AuthQueryTO:         envDuration("FLOODGATE_AUTH_QUERY_TIMEOUT", 5*time.Second),
		SlotNameSuffix:      envStr("FLOODGATE_SLOT_NAME_SUFFIX", ""),
		PartitionAhead:      envInt("FLOODGATE_PARTITION_DAYS_AHEAD", 3),
		ConnectStartTimeout: envDuration("FLOODGATE_CONNECT_START_TIMEOUT", 30*time.Second),
		ReadyWait:           envDuration("FLOODGATE_READY_WAIT", 5*time.Second),
		CheckUserInterval:   envDuration("FLOODGATE_CHECK_CONNECTED_USER_INTERVAL", 50*time.Second),
		RebalanceInterval:   envDuration("FLOODGATE_REBALANCE_CHECK_INTERVAL", 10*time.Minute),
		JWTClaimValidators:  envStr("FLOODGATE_JWT_CLAIM_VALIDATORS", "{}"),
		TenantCacheTTL:      envDuration("FLOODGATE_TENANT_CACHE_TTL", 30*time.Second),
		CounterIdleTTL:      envDuration("FLOODGATE_COUNTER_IDLE_TTL", 15*time.Minute),
		JanitorSchedule:     envStr("FLOODGATE_JANITOR_SCHEDULE", "@every 5m"),
		MetricsAddr:         envStr("FLOODGATE_METRICS_ADDR", ":4000"),
		MetricsTextfile:     envStr("FLOODGATE_METRICS_TEXTFILE", ""),
		LogJSON:             envBool("FLOODGATE_LOG_JSON", true),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.NodeName == "" {
		errs = append(errs, errors.New("FLOODGATE_NODE_NAME must not be empty"))
	}
	if c.Region == "" {
		errs = append(errs, errors.New("FLOODGATE_REGION must not be empty"))
	}
	if c.DefaultDBPool < 1 {
		errs = append(errs, fmt.Errorf("FLOODGATE_DB_POOL_SIZE must be >= 1, got %d", c.DefaultDBPool))
	}
	if c.PartitionAhead < 0 {
		errs = append(errs, fmt.Errorf("FLOODGATE_PARTITION_DAYS_AHEAD must be >= 0, got %d", c.PartitionAhead))
	}
	for name, d := range map[string]time.Duration{
		"FLOODGATE_RPC_TIMEOUT":                   c.RPCTimeout,
		"FLOODGATE_USER_COUNT_TIMEOUT":            c.UserCountTO,
		"FLOODGATE_AUTH_QUERY_TIMEOUT":            c.AuthQueryTO,
		"FLOODGATE_CONNECT_START_TIMEOUT":         c.ConnectStartTimeout,
		"FLOODGATE_READY_WAIT":                    c.ReadyWait,
		"FLOODGATE_CHECK_CONNECTED_USER_INTERVAL": c.CheckUserInterval,
		"FLOODGATE_REBALANCE_CHECK_INTERVAL":      c.RebalanceInterval,
		"FLOODGATE_TENANT_CACHE_TTL":              c.TenantCacheTTL,
		"FLOODGATE_COUNTER_IDLE_TTL":              c.CounterIdleTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %s", name, d))
		}
	}
	if _, err := c.ClaimValidators(); err != nil {
		errs = append(errs, fmt.Errorf("FLOODGATE_JWT_CLAIM_VALIDATORS must be a JSON object of strings: %w", err))
	}
	return errors.Join(errs...)
}

// ClaimValidators parses the JWT claim validator JSON into a map.
func (c *Config) ClaimValidators() (map[string]string, error) {
	if c.JWTClaimValidators == "" {
		return map[string]string{}, nil
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(c.JWTClaimValidators), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
