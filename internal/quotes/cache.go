// Package quotes implements the quote cache and request coalescer: a fast
// in-process tier over a persistent tier, with all upstream reads funneled
// through one batched in-flight request per key.
package quotes

import (
	"sync"
	"time"

	"tickrelay/internal/domain"
)

// TTLPolicy returns the effective cache TTL at a point in time. The default
// policy keeps quotes fresh during active market hours and relaxes the TTL
// outside them; callers may inject any policy.
type TTLPolicy func(now time.Time) time.Duration

// entry is one fast-tier cache slot. Expired entries are treated as absent.
type entry struct {
	quote     domain.Quote
	writtenAt time.Time
	ttl       time.Duration
}

func (e entry) expired(now time.Time) bool {
	return !now.Before(e.writtenAt.Add(e.ttl))
}

// memCache is the fast in-process cache tier.
type memCache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]entry)}
}

func (c *memCache) get(key string, now time.Time) (domain.Quote, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || e.expired(now) {
		return domain.Quote{}, false
	}
	return e.quote, true
}

func (c *memCache) put(key string, q domain.Quote, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	c.entries[key] = entry{quote: q, writtenAt: now, ttl: ttl}
	c.mu.Unlock()
}

// purge removes expired entries and returns how many were dropped.
func (c *memCache) purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

func (c *memCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
