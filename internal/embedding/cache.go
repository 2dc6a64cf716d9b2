package embedding

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Fingerprint returns the stable cache key for an input text.
func Fingerprint(text string) uint64 {
	return xxhash.Sum64String(text)
}

type cacheEntry struct {
	vec       []float32
	expiresAt time.Time
}

// Cache is a fixed-capacity LRU of fingerprint→vector pairs with per-entry
// TTL. Expired entries read as absent. All operations are mutex-guarded;
// the miss path (model inference) is far costlier than the lock.
type Cache struct {
	lru    *lru.Cache[uint64, cacheEntry]
	ttl    time.Duration
	mu     sync.Mutex
	hits   uint64
	misses uint64
}

// NewCache creates a cache holding up to size entries that expire ttl after
// insertion.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 1
	}
	inner, _ := lru.New[uint64, cacheEntry](size)
	return &Cache{lru: inner, ttl: ttl}
}

// Get returns the cached vector, promoting the entry to most recently used.
// Expired entries are dropped and read as a miss.
func (c *Cache) Get(key uint64) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.vec, true
}

// Set inserts or replaces an entry, evicting the least recently used entry
// at capacity.
func (c *Cache) Set(key uint64, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, cacheEntry{vec: vec, expiresAt: time.Now().Add(c.ttl)})
}

// Has reports whether key resolves to a live entry. Equivalent to a
// successful Get, including the LRU promotion.
func (c *Cache) Has(key uint64) bool {
	_, ok := c.Get(key)
	return ok
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Prune drops all expired entries and returns how many were removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && now.After(entry.expiresAt) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of resident entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Counters returns lifetime hit and miss counts.
func (c *Cache) Counters() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
