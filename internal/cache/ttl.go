// Package cache holds the time-bounded lookup caches shared by the registry
// and the price feed.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"swapguard/internal/observability"
)

// Clock returns the current time.
type Clock func() time.Time

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// TTL caches values by string key. An entry is fresh while now - fetchedAt < ttl.
// Concurrent misses for the same key share one fetch. Failed fetches are not stored.
type TTL[V any] struct {
	name    string
	ttl     time.Duration
	now     Clock
	metrics *observability.Metrics

	mu    sync.RWMutex
	data  map[string]entry[V]
	group singleflight.Group
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	now     Clock
	metrics *observability.Metrics
}

// WithClock overrides time.Now.
func WithClock(now Clock) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records hits and misses under the cache name.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func NewTTL[V any](name string, ttl time.Duration, opts ...Option) *TTL[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[V]{
		name:    name,
		ttl:     ttl,
		now:     o.now,
		metrics: o.metrics,
		data:    make(map[string]entry[V]),
	}
}

// Get returns a fresh cached value.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value fetched now.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.data[key] = entry[V]{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
}

// GetOrFetch returns the cached value or calls fetch once per key across concurrent callers.
func (c *TTL[V]) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (V, error)) (V, error) {
	if value, ok := c.Get(key); ok {
		c.record(true)
		return value, nil
	}
	c.record(false)
	if err := ctx.Err(); err != nil {
		var zero V
		return zero, err
	}

	// The shared fetch outlives the caller that started it; each caller
	// still stops waiting when its own ctx ends.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		if value, ok := c.Get(key); ok {
			return value, nil
		}
		value, err := fetch(shared)
		if err != nil {
			return nil, err
		}
		c.Set(key, value)
		return value, nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Invalidate drops one key.
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	c.group.Forget(key)
}

// Purge drops expired entries and returns how many were removed.
func (c *TTL[V]) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.data {
		if now.Sub(e.fetchedAt) >= c.ttl {
			delete(c.data, key)
			removed++
		}
	}
	return removed
}

// Len counts stored entries, fresh or not.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *TTL[V]) record(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.CacheHits.WithLabelValues(c.name).Inc()
		return
	}
	c.metrics.CacheMisses.WithLabelValues(c.name).Inc()
}
