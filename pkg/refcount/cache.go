// Package refcount implements a reference-counted dedup cache: a store
// keyed by an arbitrary comparable key holding (instance, count) pairs.
// Acquire increments the count, creating the instance on the first
// reference; Release decrements and frees the instance exactly when the
// count reaches zero. Entries are never evicted by size or time.
package refcount

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Options configures a cache.
type Options struct {
	Logger  logr.Logger
	Metrics Metrics
}

// Cache is a process-wide reference-counted store. All methods are safe
// for concurrent use.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	metrics Metrics
	log     logr.Logger
}

type entry[V any] struct {
	value V
	refs  int
}

// New creates an empty cache.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}

	return &Cache[K, V]{
		entries: make(map[K]*entry[V]),
		metrics: metrics,
		log:     logger.WithName("refcount"),
	}
}

// Acquire returns the instance stored under key, creating it with the
// given constructor on the first reference. The second return reports
// whether the instance was created by this call.
func (c *Cache[K, V]) Acquire(key K, create func() (V, error)) (V, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.entries[key]; exists {
		e.refs++
		c.metrics.Acquired(false)
		c.log.V(5).Info("acquire: sharing instance", "key", key, "refs", e.refs)
		return e.value, false, nil
	}

	value, err := create()
	if err != nil {
		var zero V
		return zero, false, fmt.Errorf("failed to create cache entry: %w", err)
	}

	c.entries[key] = &entry[V]{value: value, refs: 1}
	c.metrics.Acquired(true)
	c.metrics.SetLive(len(c.entries))
	c.log.V(5).Info("acquire: created instance", "key", key)

	return value, true, nil
}

// Release drops one reference from the entry stored under key. When the
// count reaches zero the entry is removed and the dispose callback is
// invoked with the stored instance while still holding the cache lock,
// so a concurrent Acquire can never observe a half-torn-down instance.
// Returns true when the entry was freed. Releasing an unknown key is a
// no-op.
func (c *Cache[K, V]) Release(key K, dispose func(V)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if !exists {
		c.log.V(1).Info("release: unknown key", "key", key)
		return false
	}

	e.refs--
	if e.refs > 0 {
		c.metrics.Released(false)
		c.log.V(5).Info("release: references remain", "key", key, "refs", e.refs)
		return false
	}

	delete(c.entries, key)
	c.metrics.Released(true)
	c.metrics.SetLive(len(c.entries))
	c.log.V(5).Info("release: freeing instance", "key", key)

	if dispose != nil {
		dispose(e.value)
	}

	return true
}

// Refs returns the current reference count under key, zero if absent.
func (c *Cache[K, V]) Refs(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.entries[key]; exists {
		return e.refs
	}
	return 0
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
