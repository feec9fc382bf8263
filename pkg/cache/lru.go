package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// LRU is a thread-safe fixed-capacity cache with per-entry expiry.
// The least recently used entry is evicted when the cache is full,
// and entries older than the TTL are treated as absent.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[K]*list.Element

	hits      uint64
	misses    uint64
	evictions uint64

	// now is swapped out by tests to control expiry.
	now func() time.Time
}

type lruEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// NewLRU creates an LRU cache. Non-positive capacity or ttl fall back
// to DefaultCapacity and DefaultTTL.
func NewLRU[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[K]*list.Element),
		now:      time.Now,
	}
}

// Set adds or refreshes an entry, resetting its expiry.
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*lruEntry[K, V])
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}

	elem := c.order.PushFront(&lruEntry[K, V]{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	})
	c.items[key] = elem
}

// Get retrieves a fresh entry and marks it recently used. Expired
// entries are dropped and reported as misses.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V

	elem, ok := c.items[key]
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return zero, false
	}

	entry := elem.Value.(*lruEntry[K, V])
	if c.now().After(entry.expiresAt) {
		c.removeElement(elem)
		atomic.AddUint64(&c.misses, 1)
		return zero, false
	}

	c.order.MoveToFront(elem)
	atomic.AddUint64(&c.hits, 1)
	return entry.value, true
}

// Del removes an entry if present.
func (c *LRU[K, V]) Del(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Len returns the number of stored entries, including not yet
// collected expired ones.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear removes all entries.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.items = make(map[K]*list.Element)
}

// Stats returns hit/miss/eviction counters.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()

	return Stats{
		Hits:      atomic.LoadUint64(&c.hits),
		Misses:    atomic.LoadUint64(&c.misses),
		Evictions: atomic.LoadUint64(&c.evictions),
		Size:      size,
		Capacity:  c.capacity,
		TTL:       c.ttl.String(),
	}
}

// evictOldest assumes the lock is held.
func (c *LRU[K, V]) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
	atomic.AddUint64(&c.evictions, 1)
}

// removeElement assumes the lock is held.
func (c *LRU[K, V]) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*lruEntry[K, V])
	delete(c.items, entry.key)
}

// Ensure LRU satisfies the Cache interface.
var _ Cache[string, int] = (*LRU[string, int])(nil)
