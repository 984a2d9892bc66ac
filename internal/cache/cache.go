// Package cache holds slow-changing read results in memory for the API
// layer: per-source version stats, lineage exports. Entries expire on a
// TTL and the cache is capped, with the oldest insertion evicted first.
// Not for record payloads or execution state.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL applies when Options.TTL is zero.
const DefaultTTL = 30 * time.Second

// DefaultMaxEntries applies when Options.MaxEntries is zero.
const DefaultMaxEntries = 1000

// Options configures a cache. Zero values take the defaults.
type Options struct {
	TTL        time.Duration
	MaxEntries int
}

// item is one stored value. seq orders items by first insertion;
// overwriting a key keeps its original age.
type item[V any] struct {
	value   V
	expires time.Time
	seq     uint64
}

// Cache is a bounded TTL map. Safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]item[V]
	ttl     time.Duration
	cap     int
	nextSeq uint64
}

// New builds a cache from opts.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	return &Cache[K, V]{
		items: make(map[K]item[V]),
		ttl:   opts.TTL,
		cap:   opts.MaxEntries,
	}
}

// Get returns the live value for key. Expired entries read as misses
// and are dropped on the way out.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if time.Now().After(it.expires) {
		c.mu.Lock()
		// Recheck under the write lock; a Set may have raced the expiry.
		if cur, ok := c.items[key]; ok && time.Now().After(cur.expires) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return it.value, true
}

// Set stores value under key with a fresh TTL. At capacity, expired
// items go first; if the cache is still full the oldest insertion is
// evicted.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if prev, ok := c.items[key]; ok {
		c.items[key] = item[V]{value: value, expires: now.Add(c.ttl), seq: prev.seq}
		return
	}

	if len(c.items) >= c.cap {
		for k, it := range c.items {
			if now.After(it.expires) {
				delete(c.items, k)
			}
		}
	}
	if len(c.items) >= c.cap {
		c.evictOldest()
	}

	c.nextSeq++
	c.items[key] = item[V]{value: value, expires: now.Add(c.ttl), seq: c.nextSeq}
}

// evictOldest drops the item with the smallest sequence number. Caller
// holds the write lock.
func (c *Cache[K, V]) evictOldest() {
	var (
		oldestKey K
		oldestSeq uint64
		found     bool
	)
	for k, it := range c.items {
		if !found || it.seq < oldestSeq {
			oldestKey, oldestSeq, found = k, it.seq, true
		}
	}
	if found {
		delete(c.items, oldestKey)
	}
}

// Delete removes key. Missing keys are a no-op.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear empties the cache.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]item[V])
}

// Len counts stored items, expired ones included until they are swept.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
