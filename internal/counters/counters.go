// Package counters tracks per-tenant usage rates as sliding per-second
// averages. Limit enforcement elsewhere compares the averages against the
// tenant's configured ceilings.
package counters

import (
	"sync"
	"time"

	"github.com/floodgate-io/floodgate/internal/clock"
)

// Measure names the things a tenant is metered on.
type Measure string

const (
	Requests Measure = "requests" // socket requests per second
	Channels Measure = "channels" // channels per client
	Joins    Measure = "joins"    // channel joins per second
	Events   Measure = "events"   // fan-out events per second
	Bytes    Measure = "bytes"    // input payload bytes per second
)

// Key identifies one counter.
type Key struct {
	Tenant  string
	Measure Measure
}

// windowSeconds is how far back the sliding average looks.
const windowSeconds = 60

// Stats is a point-in-time read of a counter. Buckets holds the live window
// in chronological order, oldest second first.
type Stats struct {
	Sum     int64
	Avg     float64
	Buckets []int64
}

// Counter is a per-second ring of event counts. Adds land in the bucket for
// the current second; reads sum every bucket still inside the window.
type Counter struct {
	mu      sync.Mutex
	clk     clock.Clock
	buckets [windowSeconds]int64
	stamps  [windowSeconds]int64 // unix second each bucket was last written
	lastAdd time.Time
}

func newCounter(clk clock.Clock) *Counter {
	return &Counter{clk: clk}
}

// Add records n occurrences at the current second.
func (c *Counter) Add(n int64) {
	now := c.clk.Now()
	sec := now.Unix()
	idx := int(sec % windowSeconds)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stamps[idx] != sec {
		c.buckets[idx] = 0
		c.stamps[idx] = sec
	}
	c.buckets[idx] += n
	c.lastAdd = now
}

// Stats sums the live window and averages it over the window length.
func (c *Counter) Stats() Stats {
	sec := c.clk.Now().Unix()
	oldest := sec - windowSeconds + 1

	c.mu.Lock()
	defer c.mu.Unlock()
	var sum int64
	buckets := make([]int64, windowSeconds)
	for s := oldest; s <= sec; s++ {
		idx := int(s % windowSeconds)
		if c.stamps[idx] == s {
			buckets[s-oldest] = c.buckets[idx]
			sum += c.buckets[idx]
		}
	}
	return Stats{Sum: sum, Avg: float64(sum) / windowSeconds, Buckets: buckets}
}

// Over reports whether the sliding average exceeds limit.
func (c *Counter) Over(limit int64) bool {
	return c.Stats().Avg > float64(limit)
}

// LastAdd returns when the counter last saw traffic (zero if never).
func (c *Counter) LastAdd() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAdd
}

// Cache owns every live counter, creating them on first use.
type Cache struct {
	mu       sync.Mutex
	counters map[Key]*Counter
	clk      clock.Clock
}

// NewCache creates an empty counter cache.
func NewCache(clk clock.Clock) *Cache {
	return &Cache{
		counters: make(map[Key]*Counter),
		clk:      clk,
	}
}

// Counter returns the counter for key, creating it when absent.
func (c *Cache) Counter(key Key) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctr, ok := c.counters[key]
	if !ok {
		ctr = newCounter(c.clk)
		c.counters[key] = ctr
	}
	return ctr
}

// Add is shorthand for Counter(key).Add(n).
func (c *Cache) Add(key Key, n int64) {
	c.Counter(key).Add(n)
}

// Stats reads key without creating it.
func (c *Cache) Stats(key Key) (Stats, bool) {
	c.mu.Lock()
	ctr, ok := c.counters[key]
	c.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return ctr.Stats(), true
}

// DropTenant removes every counter belonging to the tenant. Returns how many
// were dropped. Called when a tenant's supervisor shuts down.
func (c *Cache) DropTenant(externalID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.counters {
		if key.Tenant == externalID {
			delete(c.counters, key)
			n++
		}
	}
	return n
}

// Snapshot reads every live counter at once, for bulk export.
func (c *Cache) Snapshot() map[Key]Stats {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.counters))
	ctrs := make([]*Counter, 0, len(c.counters))
	for key, ctr := range c.counters {
		keys = append(keys, key)
		ctrs = append(ctrs, ctr)
	}
	c.mu.Unlock()

	out := make(map[Key]Stats, len(keys))
	for i, key := range keys {
		out[key] = ctrs[i].Stats()
	}
	return out
}

// Sweep removes counters that have seen no traffic for idleFor. Returns how
// many were removed. Called periodically.
func (c *Cache) Sweep(idleFor time.Duration) int {
	cutoff := c.clk.Now().Add(-idleFor)

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, ctr := range c.counters {
		last := ctr.LastAdd()
		if last.IsZero() || last.Before(cutoff) {
			delete(c.counters, key)
			n++
		}
	}
	return n
}

// Len reports how many counters are live.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counters)
}
