// Package statuscache memoizes the result of an expensive probe for a short
// window, scoped to a key such as the active data directory.
package statuscache

import (
	"sync"
	"time"

	"github.com/loykin/gatekeeper/internal/metrics"
)

// DefaultTTL is how long a probe result stays fresh.
const DefaultTTL = 30 * time.Second

// Entry is the single cached slot.
type Entry[T any] struct {
	Value     T
	Scope     string
	CheckedAt time.Time
}

// Cache holds at most one entry. A lookup hits only when the scope matches
// and the entry is no older than the TTL.
type Cache[T any] struct {
	name string
	ttl  time.Duration
	now  func() time.Time

	mu    sync.Mutex
	entry *Entry[T]
	gen   uint64
}

// Option customizes a Cache.
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option { return func(o *options) { o.ttl = d } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New creates an empty cache. name labels the hit/miss metrics.
func New[T any](name string, opts ...Option) *Cache[T] {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &Cache[T]{name: name, ttl: o.ttl, now: o.now}
}

// Get returns the cached value for scope if it is still fresh.
func (c *Cache[T]) Get(scope string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if c.entry == nil || c.entry.Scope != scope {
		metrics.ObserveCacheLookup(c.name, false)
		return zero, false
	}
	if c.now().Sub(c.entry.CheckedAt) > c.ttl {
		metrics.ObserveCacheLookup(c.name, false)
		return zero, false
	}
	metrics.ObserveCacheLookup(c.name, true)
	return c.entry.Value, true
}

// Put replaces the slot.
func (c *Cache[T]) Put(scope string, v T) {
	c.mu.Lock()
	c.entry = &Entry[T]{Value: v, Scope: scope, CheckedAt: c.now()}
	c.mu.Unlock()
}

// Invalidate empties the slot. A load already in flight in GetOrLoad will
// not repopulate it.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.gen++
	c.mu.Unlock()
}

// GetOrLoad returns the fresh value for scope or calls load and caches its
// result. load runs without the lock held, so concurrent misses may probe
// more than once. The result is dropped if Invalidate ran during load.
func (c *Cache[T]) GetOrLoad(scope string, load func() T) T {
	if v, ok := c.Get(scope); ok {
		return v
	}
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	v := load()

	c.mu.Lock()
	if c.gen == gen {
		c.entry = &Entry[T]{Value: v, Scope: scope, CheckedAt: c.now()}
	}
	c.mu.Unlock()
	return v
}
