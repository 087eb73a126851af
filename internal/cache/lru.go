// Package cache provides a size-bounded TTL cache used for cohort
// membership sets and other derived data that is expensive to rebuild but
// safe to lose.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TTLCache is a thread-safe LRU cache whose entries expire after a fixed
// duration. A zero TTL disables expiration.
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	cache   *lru.Cache[K, *entry[V]]
	ttl     time.Duration
	hits    uint64
	misses  uint64
	evicted uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a TTLCache holding at most size entries.
func New[K comparable, V any](size int, ttl time.Duration) (*TTLCache[K, V], error) {
	c, err := lru.New[K, *entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &TTLCache[K, V]{cache: c, ttl: ttl}, nil
}

// Get returns the cached value if present and unexpired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache.Get(key)
	if !ok || (c.ttl > 0 && time.Now().After(e.expiresAt)) {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	if c.cache.Add(key, &entry[V]{value: value, expiresAt: expiresAt}) {
		c.evicted++
	}
}

// Delete removes a key.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
}

// Purge drops every entry. Called when the cohort schema changes and all
// cached memberships become invalid at once.
func (c *TTLCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Len returns the current entry count.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// Stats reports hit/miss/eviction counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns a snapshot of the counters.
func (c *TTLCache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{Hits: c.hits, Misses: c.misses, Evicted: c.evicted, Size: c.cache.Len(), HitRate: rate}
}

// CleanupExpired removes expired entries. O(n), intended for a background
// sweep, not the hot path.
func (c *TTLCache[K, V]) CleanupExpired() int {
	if c.ttl == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range c.cache.Keys() {
		if e, ok := c.cache.Peek(key); ok && now.After(e.expiresAt) {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}
