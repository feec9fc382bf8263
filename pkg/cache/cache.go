// Package cache provides bounded in-process caches.
package cache

import "time"

// Cache defines the basic interface for a generic bounded cache.
type Cache[K comparable, V any] interface {
	// Set adds or updates an item in the cache
	Set(key K, value V)
	// Get retrieves an item, reporting whether it was present and fresh
	Get(key K) (V, bool)
	// Del removes an item from the cache
	Del(key K)
	// Len returns the number of items in the cache
	Len() int
	// Clear removes all items from the cache
	Clear()
}

// Stats describes cache effectiveness counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	TTL       string `json:"ttl"`
}

// DefaultTTL is the freshness window applied when none is configured.
const DefaultTTL = 5 * time.Minute

// DefaultCapacity bounds a cache when no capacity is configured.
const DefaultCapacity = 1024
