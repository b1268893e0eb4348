// Package cache provides the bounded LRU used by the configuration
// resolver, with hit/miss accounting exposed through the admin surface.
package cache

import (
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Stats is a point-in-time view of cache effectiveness. Evictions counts
// every dropped entry, from capacity pressure and invalidation alike.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
	Capacity  int
}

// Cache is a thread-safe bounded LRU keyed by string.
type Cache[V any] struct {
	inner     *lru.Cache[string, V]
	capacity  int
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache holding at most size entries. size must be positive.
func New[V any](size int) (*Cache[V], error) {
	c := &Cache[V]{capacity: size}
	inner, err := lru.NewWithEvict[string, V](size, func(string, V) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.inner.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *Cache[V]) Add(key string, v V) {
	c.inner.Add(key, v)
}

func (c *Cache[V]) Remove(key string) {
	c.inner.Remove(key)
}

// RemovePrefix drops every entry whose key starts with prefix and returns
// how many were removed. The scan is bounded by the cache capacity.
func (c *Cache[V]) RemovePrefix(prefix string) int {
	removed := 0
	for _, k := range c.inner.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.inner.Remove(k)
			removed++
		}
	}
	return removed
}

func (c *Cache[V]) Purge() {
	c.inner.Purge()
}

func (c *Cache[V]) Len() int {
	return c.inner.Len()
}

func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.inner.Len(),
		Capacity:  c.capacity,
	}
}
