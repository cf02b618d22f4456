package expression

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/epiforge/activeview/pkg/refcount"
)

// UnitCache is the reference-counted store sharing computed units
// across engines: requests for a structurally equal (computation,
// arguments, options) triple return the same unit. Entries leave the
// cache only when their reference count reaches zero, at which point
// the unit is disposed.
//
// A process-wide default is available through Default; tests that must
// not leak shared units across runs construct their own.
type UnitCache struct {
	cache *refcount.Cache[string, *Unit]
	eval  Evaluator
	log   logr.Logger
}

// CacheOptions configures a unit cache.
type CacheOptions struct {
	Logger logr.Logger
	// Evaluator creates units on cache misses. Defaults to the
	// reference FuncEvaluator.
	Evaluator Evaluator
	// Metrics optionally instruments the underlying counted store.
	Metrics refcount.Metrics
}

// NewUnitCache creates an empty unit cache.
func NewUnitCache(opts CacheOptions) *UnitCache {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	eval := opts.Evaluator
	if eval == nil {
		eval = NewFuncEvaluator(logger)
	}

	return &UnitCache{
		cache: refcount.New[string, *Unit](refcount.Options{
			Logger:  logger,
			Metrics: opts.Metrics,
		}),
		eval: eval,
		log:  logger.WithName("unitcache"),
	}
}

// Acquire returns the shared unit for (desc, opts, args), creating it
// through the evaluator on the first reference.
func (c *UnitCache) Acquire(desc Description, opts Options, args ...any) (*Unit, error) {
	key := unitKey(desc, opts, args)

	unit, created, err := c.cache.Acquire(key, func() (*Unit, error) {
		return c.eval.Create(desc, opts, args...)
	})
	if err != nil {
		return nil, err
	}

	if created {
		c.log.V(5).Info("created unit", "key", key)
	}
	return unit, nil
}

// Release drops one reference from the unit; at zero the unit is
// disposed and the entry removed. Returns true when this call freed the
// unit.
func (c *UnitCache) Release(u *Unit) bool {
	if u == nil {
		return false
	}
	return c.cache.Release(u.Key(), func(unit *Unit) { unit.Dispose() })
}

// Refs returns the live reference count of the unit, zero if unknown.
func (c *UnitCache) Refs(u *Unit) int {
	if u == nil {
		return 0
	}
	return c.cache.Refs(u.Key())
}

// Len returns the number of distinct live units.
func (c *UnitCache) Len() int { return c.cache.Len() }

var (
	defaultCacheOnce sync.Once
	defaultCache     *UnitCache
)

// Default returns the process-wide shared unit cache.
func Default() *UnitCache {
	defaultCacheOnce.Do(func() {
		defaultCache = NewUnitCache(CacheOptions{})
	})
	return defaultCache
}
