package resolver

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores a resolution outcome. A nil Resolved records a negative
// result so failing URLs are not re-attempted for the TTL.
type cacheEntry struct {
	key      string
	resolved *string
	storedAt time.Time
}

// ttlCache is an in-process url -> resolved-or-null cache, size-bounded with
// oldest-first eviction.
type ttlCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = oldest
	metrics MetricsCollector

	hits, misses, evictions uint64
}

func newTTLCache(ttl time.Duration, maxSize int, metrics MetricsCollector) *ttlCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &ttlCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		metrics: metrics,
	}
}

// get returns (resolved, found). resolved is nil for a cached negative.
func (c *ttlCache) get(key string) (*string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		c.metrics.RecordCacheMiss()
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		c.metrics.RecordCacheMiss()
		return nil, false
	}
	c.hits++
	c.metrics.RecordCacheHit()
	return entry.resolved, true
}

func (c *ttlCache) put(key string, resolved *string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).resolved = resolved
		el.Value.(*cacheEntry).storedAt = time.Now()
		return
	}
	for len(c.entries) >= c.maxSize {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
		c.evictions++
		c.metrics.RecordCacheEviction()
	}
	entry := &cacheEntry{key: key, resolved: resolved, storedAt: time.Now()}
	c.entries[key] = c.order.PushBack(entry)
}

func (c *ttlCache) stats() (hits, misses, evictions uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions, len(c.entries)
}
