package view

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/epiforge/activeview/pkg/active"
	"github.com/epiforge/activeview/pkg/expression"
	"github.com/epiforge/activeview/pkg/refcount"
	"github.com/epiforge/activeview/pkg/source"
)

// RegistryOptions configures a view registry.
type RegistryOptions struct {
	Logger logr.Logger
	// Engines is handed to views the registry creates. Defaults to the
	// process-wide engine registry.
	Engines *active.Registry
	// Metrics observes the view caches.
	Metrics refcount.Metrics
}

// Registry hands out shared view instances: two acquisitions of the
// same view shape over the same source receive the same instance, torn
// down when the last holder disposes it.
type Registry struct {
	filtered  *refcount.Cache[string, *Filtered]
	projected *refcount.Cache[string, *Projected]
	ordered   *refcount.Cache[string, *Ordered]
	grouped   *refcount.Cache[string, *Grouped]
	mapped    *refcount.Cache[string, *Mapped]
	opts      RegistryOptions
	log       logr.Logger
}

// NewRegistry creates a view registry.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	cacheOpts := refcount.Options{Logger: logger, Metrics: opts.Metrics}
	return &Registry{
		filtered:  refcount.New[string, *Filtered](cacheOpts),
		projected: refcount.New[string, *Projected](cacheOpts),
		ordered:   refcount.New[string, *Ordered](cacheOpts),
		grouped:   refcount.New[string, *Grouped](cacheOpts),
		mapped:    refcount.New[string, *Mapped](cacheOpts),
		opts:      opts,
		log:       logger.WithName("view-registry"),
	}
}

func (r *Registry) viewOptions(exprOpts expression.Options) Options {
	return Options{Logger: r.opts.Logger, Engines: r.opts.Engines, Expr: exprOpts}
}

func viewKey(op string, src any, desc expression.Description, opts expression.Options) string {
	return op + "|" + expression.Token(src) + "|" + desc.CacheKey() + "|" + opts.Key()
}

// Where returns the shared filtered view of src under pred. Every
// successful call must be paired with a Dispose on the returned view.
func (r *Registry) Where(src source.Sequence, pred expression.Description, exprOpts expression.Options) (*Filtered, error) {
	key := viewKey("where", src, pred, exprOpts)
	v, _, err := r.filtered.Acquire(key, func() (*Filtered, error) {
		f, err := NewFiltered(src, pred, r.viewOptions(exprOpts))
		if err != nil {
			return nil, err
		}
		f.release = func() { r.filtered.Release(key, func(f *Filtered) { f.teardown() }) }
		return f, nil
	})
	return v, err
}

// Select returns the shared projected view of src under selector.
func (r *Registry) Select(src source.Sequence, selector expression.Description, exprOpts expression.Options) (*Projected, error) {
	key := viewKey("select", src, selector, exprOpts)
	v, _, err := r.projected.Acquire(key, func() (*Projected, error) {
		p, err := NewProjected(src, selector, r.viewOptions(exprOpts))
		if err != nil {
			return nil, err
		}
		p.release = func() { r.projected.Release(key, func(p *Projected) { p.teardown() }) }
		return p, nil
	})
	return v, err
}

// OrderBy returns the shared ordered view of src under the given keys.
func (r *Registry) OrderBy(src source.Sequence, exprOpts expression.Options, index IndexKind, keys ...SortKey) (*Ordered, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no sort keys")
	}
	for _, k := range keys {
		if k.Key == nil {
			return nil, fmt.Errorf("nil sort key computation")
		}
	}

	key := fmt.Sprintf("%s|%d", viewKey("orderby", src, tupleDescription(keys), exprOpts), index)
	v, _, err := r.ordered.Acquire(key, func() (*Ordered, error) {
		o, err := NewOrdered(src, OrderedOptions{Options: r.viewOptions(exprOpts), Index: index}, keys...)
		if err != nil {
			return nil, err
		}
		o.release = func() { r.ordered.Release(key, func(o *Ordered) { o.teardown() }) }
		return o, nil
	})
	return v, err
}

// GroupBy returns the shared grouped view of src under selector.
func (r *Registry) GroupBy(src source.Sequence, selector expression.Description, exprOpts expression.Options) (*Grouped, error) {
	key := viewKey("groupby", src, selector, exprOpts)
	v, _, err := r.grouped.Acquire(key, func() (*Grouped, error) {
		g, err := NewGrouped(src, selector, r.viewOptions(exprOpts))
		if err != nil {
			return nil, err
		}
		g.release = func() { r.grouped.Release(key, func(g *Grouped) { g.teardown() }) }
		return g, nil
	})
	return v, err
}

// SelectMap returns the shared mapped view of src under the key and
// value computations.
func (r *Registry) SelectMap(src source.Sequence, key, value expression.Computation, exprOpts expression.Options) (*Mapped, error) {
	if key == nil || value == nil {
		return nil, fmt.Errorf("nil projection computation")
	}

	cacheKey := viewKey("selectmap", src, pairDescription(key, value), exprOpts)
	v, _, err := r.mapped.Acquire(cacheKey, func() (*Mapped, error) {
		m, err := NewMapped(src, key, value, r.viewOptions(exprOpts))
		if err != nil {
			return nil, err
		}
		m.release = func() { r.mapped.Release(cacheKey, func(m *Mapped) { m.teardown() }) }
		return m, nil
	})
	return v, err
}

// Len returns the number of live shared views of all shapes.
func (r *Registry) Len() int {
	return r.filtered.Len() + r.projected.Len() + r.ordered.Len() + r.grouped.Len() + r.mapped.Len()
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide view registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(RegistryOptions{})
	})
	return defaultRegistry
}

// Where returns a shared filtered view from the process-wide registry.
func Where(src source.Sequence, pred expression.Description, exprOpts expression.Options) (*Filtered, error) {
	return DefaultRegistry().Where(src, pred, exprOpts)
}

// Select returns a shared projected view from the process-wide
// registry.
func Select(src source.Sequence, selector expression.Description, exprOpts expression.Options) (*Projected, error) {
	return DefaultRegistry().Select(src, selector, exprOpts)
}

// OrderBy returns a shared ordered view from the process-wide registry.
func OrderBy(src source.Sequence, exprOpts expression.Options, index IndexKind, keys ...SortKey) (*Ordered, error) {
	return DefaultRegistry().OrderBy(src, exprOpts, index, keys...)
}

// GroupBy returns a shared grouped view from the process-wide registry.
func GroupBy(src source.Sequence, selector expression.Description, exprOpts expression.Options) (*Grouped, error) {
	return DefaultRegistry().GroupBy(src, selector, exprOpts)
}

// SelectMap returns a shared mapped view from the process-wide
// registry.
func SelectMap(src source.Sequence, key, value expression.Computation, exprOpts expression.Options) (*Mapped, error) {
	return DefaultRegistry().SelectMap(src, key, value, exprOpts)
}
