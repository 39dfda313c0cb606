package admission

import (
	"sync"
	"time"
)

// statusCache is a TTL cache with LRU eviction for dashboard status
// snapshots. It serves only the read-only Reporter: cached data may lag the
// admission counters by up to the TTL, and the admission path never reads
// through it.
type statusCache struct {
	mu       sync.Mutex
	entries  map[string]*statusCacheEntry
	max      int
	ttl      time.Duration
	hits     int64
	misses   int64
	sequence int64
}

type statusCacheEntry struct {
	status     *QuotaStatus
	expiration time.Time
	sequence   int64 // access order for LRU eviction
}

func newStatusCache(max int, ttl time.Duration) *statusCache {
	if max <= 0 {
		max = 10000
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &statusCache{
		entries: make(map[string]*statusCacheEntry, max),
		max:     max,
		ttl:     ttl,
	}
}

func (c *statusCache) get(key string) (*QuotaStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiration) {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		return nil, false
	}

	c.sequence++
	entry.sequence = c.sequence
	c.hits++

	// Return a copy so callers cannot mutate the cached snapshot.
	status := *entry.status
	return &status, true
}

func (c *statusCache) set(key string, status *QuotaStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.evictOldest()
	}

	c.sequence++
	copied := *status
	c.entries[key] = &statusCacheEntry{
		status:     &copied,
		expiration: time.Now().Add(c.ttl),
		sequence:   c.sequence,
	}
}

func (c *statusCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// evictOldest removes the least recently used entry. Caller must hold mu.
func (c *statusCache) evictOldest() {
	var (
		oldestKey string
		oldestSeq int64 = -1
	)
	for key, entry := range c.entries {
		if oldestSeq < 0 || entry.sequence < oldestSeq {
			oldestKey = key
			oldestSeq = entry.sequence
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// CacheStats holds cache performance counters.
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

func (c *statusCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
}
