package tenant

import (
	"sync"
	"time"

	"github.com/floodgate-io/floodgate/internal/clock"
)

type cacheEntry struct {
	tenant  *Tenant
	expires time.Time
}

// Cache is a short-TTL read cache over the tenant store. Tenant records are
// read on every lookup, probe and supervisor start, so they must not hit
// the store each time; the TTL keeps suspensions from going unnoticed for
// longer than one cache window.
type Cache struct {
	mu      sync.Mutex
	store   *Store
	clk     clock.Clock
	ttl     time.Duration
	entries map[string]cacheEntry
}

// NewCache builds a cache over store with the given TTL.
func NewCache(store *Store, clk clock.Clock, ttl time.Duration) *Cache {
	return &Cache{
		store:   store,
		clk:     clk,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the tenant, filling the cache from the store on a miss.
// Negative results are not cached: a tenant created moments ago should be
// reachable on the next lookup.
func (c *Cache) Get(externalID string) (*Tenant, error) {
	now := c.clk.Now()

	c.mu.Lock()
	if e, ok := c.entries[externalID]; ok && now.Before(e.expires) {
		t := e.tenant
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	t, err := c.store.Get(externalID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[externalID] = cacheEntry{tenant: t, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return t, nil
}

// Invalidate drops one tenant from the cache (after operator events or
// bookkeeping writes).
func (c *Cache) Invalidate(externalID string) {
	c.mu.Lock()
	delete(c.entries, externalID)
	c.mu.Unlock()
}

// SetMigrationsRan records the migration version a tenant's database reached
// and drops the cached record so the next read sees it.
func (c *Cache) SetMigrationsRan(externalID string, n int) error {
	if err := c.store.SetMigrationsRan(externalID, n); err != nil {
		return err
	}
	c.Invalidate(externalID)
	return nil
}

// SweepExpired removes entries whose TTL has lapsed. Returns how many were
// removed. Called by the janitor.
func (c *Cache) SweepExpired() int {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Len reports how many entries are cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
