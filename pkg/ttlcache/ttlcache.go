// Package ttlcache wraps go-cache behind the one cache contract the
// exchange adapter relies on: reads are soft (expired entries are misses)
// and every mutating venue operation invalidates explicitly.
package ttlcache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is a small typed TTL cache for a single value kind.
type Cache[T any] struct {
	inner *gocache.Cache
	ttl   time.Duration
}

// New creates a cache whose entries live for ttl.
func New[T any](ttl time.Duration) *Cache[T] {
	return &Cache[T]{
		inner: gocache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

// Get returns the cached value for key and whether it is still fresh.
func (c *Cache[T]) Get(key string) (T, bool) {
	var zero T
	v, ok := c.inner.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Set stores value under key for the cache's TTL.
func (c *Cache[T]) Set(key string, value T) {
	c.inner.Set(key, value, c.ttl)
}

// Invalidate drops key immediately. Called after any operation that makes
// the cached value stale (orders, transfers).
func (c *Cache[T]) Invalidate(key string) {
	c.inner.Delete(key)
}

// Flush drops every entry.
func (c *Cache[T]) Flush() {
	c.inner.Flush()
}
