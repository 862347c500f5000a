// Package cache provides a bounded in-memory cache with per-entry expiry,
// used to accelerate hot frontier reads.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/JakeFAU/sitewatch/internal/metrics"
)

// Default sizing used when a caller passes zero values.
const (
	DefaultCapacity = 10000
	DefaultTTL      = 5 * time.Minute
)

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Evictions     int64   `json:"evictions"`
	Invalidations int64   `json:"invalidations"`
	Size          int     `json:"size"`
	Capacity      int     `json:"capacity"`
	HitRatio      float64 `json:"hit_ratio"`
}

// Cache is a concurrency-safe LRU cache whose entries expire a fixed TTL
// after they were written. Expired entries are never returned.
type Cache[K comparable, V any] struct {
	name     string
	capacity int
	lru      *expirable.LRU[K, V]

	hits          atomic.Int64
	misses        atomic.Int64
	removals      atomic.Int64
	invalidations atomic.Int64
}

// New builds a cache. The name labels its metrics.
func New[K comparable, V any](name string, capacity int, ttl time.Duration) *Cache[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache[K, V]{name: name, capacity: capacity}
	c.lru = expirable.NewLRU[K, V](capacity, func(K, V) {
		c.removals.Add(1)
	}, ttl)
	return c
}

// Get returns the value for key if present and unexpired, marking it most
// recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	metrics.ObserveCache(c.name, ok)
	return v, ok
}

// Put stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *Cache[K, V]) Put(key K, value V) {
	c.lru.Add(key, value)
}

// Invalidate drops key. It is a no-op when the key is absent.
func (c *Cache[K, V]) Invalidate(key K) {
	if c.lru.Remove(key) {
		c.invalidations.Add(1)
	}
}

// Purge drops every entry. Dropped entries count as invalidations.
func (c *Cache[K, V]) Purge() {
	n := int64(c.lru.Len())
	c.lru.Purge()
	c.invalidations.Add(n)
}

// Len returns the number of cached entries, including any not yet swept.
func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// Stats reports counters since creation.
func (c *Cache[K, V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	invalidations := c.invalidations.Load()
	s := Stats{
		Hits:          hits,
		Misses:        misses,
		Invalidations: invalidations,
		Evictions:     max(c.removals.Load()-invalidations, 0),
		Size:          c.lru.Len(),
		Capacity:      c.capacity,
	}
	if total := hits + misses; total > 0 {
		s.HitRatio = float64(hits) / float64(total)
	}
	return s
}
