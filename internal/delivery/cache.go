package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// Cache is a TTL cache bounded by entry count. When full, the entry that
// expires soonest is evicted before an insert.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	max     int
	now     func() time.Time
	metrics *Metrics
}

func newCache(max int, metrics *Metrics) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		max:     max,
		now:     time.Now,
		metrics: metrics,
	}
}

// Set stores value until ttl elapses.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.evictSoonest()
	}
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// Get returns the value if present and not expired. An entry is a miss
// from its expiry instant onward.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.metrics.incCache(ok)
	if !ok {
		return nil, false
	}
	return e.value, true
}

// evictSoonest removes the entry with the earliest expiry. Caller holds mu.
func (c *Cache) evictSoonest() {
	var victim string
	var soonest time.Time
	for k, e := range c.entries {
		if victim == "" || e.expiresAt.Before(soonest) {
			victim, soonest = k, e.expiresAt
		}
	}
	delete(c.entries, victim)
}

// Sweep purges expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CacheKey hashes a category and request-defining fields into a stable key.
func CacheKey(category string, fields ...any) string {
	h := sha256.New()
	h.Write([]byte(category))
	h.Write([]byte{0})
	enc := json.NewEncoder(h)
	for _, f := range fields {
		if err := enc.Encode(f); err != nil {
			h.Write([]byte("!unencodable"))
		}
	}
	return category + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}
