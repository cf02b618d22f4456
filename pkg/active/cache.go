package active

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/epiforge/activeview/pkg/dispatch"
	"github.com/epiforge/activeview/pkg/expression"
	"github.com/epiforge/activeview/pkg/refcount"
	"github.com/epiforge/activeview/pkg/source"
)

// RegistryOptions configures an engine registry.
type RegistryOptions struct {
	Logger logr.Logger
	// Dispatcher is handed to instances the registry creates. When nil
	// each instance owns a context of its own.
	Dispatcher *dispatch.Dispatcher
	// Units is the computed-unit cache handed to created instances.
	Units *expression.UnitCache
	// Metrics observes the instance caches.
	Metrics refcount.Metrics
}

// Registry hands out shared engine instances: two acquisitions with the
// same source identity, computation and options receive the same
// instance, and the instance is torn down when the last holder disposes
// it. Source identity follows argument-identity rules, so two sources
// holding equal contents are still distinct instances.
type Registry struct {
	sequences *refcount.Cache[string, *SequenceExpression]
	keyed     *refcount.Cache[string, *KeyedExpression]
	opts      RegistryOptions
	log       logr.Logger
}

// NewRegistry creates an engine registry.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	cacheOpts := refcount.Options{Logger: logger, Metrics: opts.Metrics}
	return &Registry{
		sequences: refcount.New[string, *SequenceExpression](cacheOpts),
		keyed:     refcount.New[string, *KeyedExpression](cacheOpts),
		opts:      opts,
		log:       logger.WithName("active-registry"),
	}
}

func instanceKey(src any, desc expression.Description, opts expression.Options) string {
	return expression.Token(src) + "|" + desc.CacheKey() + "|" + opts.Key()
}

// Sequence returns the shared engine for (src, desc, opts), creating it
// on first acquisition. Every successful call must be paired with a
// Dispose on the returned instance.
func (r *Registry) Sequence(src source.Sequence, desc expression.Description, exprOpts expression.Options) (*SequenceExpression, error) {
	if src == nil || desc == nil {
		return NewSequence(src, desc, r.instanceOptions(exprOpts))
	}

	key := instanceKey(src, desc, exprOpts)
	inst, created, err := r.sequences.Acquire(key, func() (*SequenceExpression, error) {
		e, err := NewSequence(src, desc, r.instanceOptions(exprOpts))
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.release = func() {
			r.sequences.Release(key, func(e *SequenceExpression) { e.teardown() })
		}
		e.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		r.log.V(4).Info("created shared instance", "key", key, "id", inst.ID().String())
	} else {
		r.log.V(8).Info("reused shared instance", "key", key, "id", inst.ID().String())
	}
	return inst, nil
}

// Keyed returns the shared keyed engine for (src, desc, opts).
func (r *Registry) Keyed(src source.Mapping, desc expression.Description, exprOpts expression.Options) (*KeyedExpression, error) {
	if src == nil || desc == nil {
		return NewKeyed(src, desc, r.instanceOptions(exprOpts))
	}

	key := instanceKey(src, desc, exprOpts)
	inst, created, err := r.keyed.Acquire(key, func() (*KeyedExpression, error) {
		e, err := NewKeyed(src, desc, r.instanceOptions(exprOpts))
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.release = func() {
			r.keyed.Release(key, func(e *KeyedExpression) { e.teardown() })
		}
		e.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		r.log.V(4).Info("created shared instance", "key", key, "id", inst.ID().String())
	} else {
		r.log.V(8).Info("reused shared instance", "key", key, "id", inst.ID().String())
	}
	return inst, nil
}

// SequenceRefs returns the holder count of the shared instance for
// (src, desc, opts), zero when none is live.
func (r *Registry) SequenceRefs(src source.Sequence, desc expression.Description, exprOpts expression.Options) int {
	return r.sequences.Refs(instanceKey(src, desc, exprOpts))
}

// KeyedRefs returns the holder count of the shared keyed instance.
func (r *Registry) KeyedRefs(src source.Mapping, desc expression.Description, exprOpts expression.Options) int {
	return r.keyed.Refs(instanceKey(src, desc, exprOpts))
}

// Len returns the number of live shared instances of both shapes.
func (r *Registry) Len() int {
	return r.sequences.Len() + r.keyed.Len()
}

func (r *Registry) instanceOptions(exprOpts expression.Options) Options {
	return Options{
		Logger:     r.opts.Logger,
		Dispatcher: r.opts.Dispatcher,
		Units:      r.opts.Units,
		Expr:       exprOpts,
	}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide engine registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(RegistryOptions{})
	})
	return defaultRegistry
}
