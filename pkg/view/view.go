// Package view implements derived live views over notifying sources:
// filtering, projection, ordering, grouping and mapping. Each view owns
// an engine instance that maintains one computed unit per element, and
// translates the engine's change records into changes over its own
// output. Views are themselves notifying sources, so they stack.
package view

import (
	"slices"
	"sync"

	"github.com/go-logr/logr"

	"github.com/epiforge/activeview/pkg/active"
	"github.com/epiforge/activeview/pkg/expression"
	"github.com/epiforge/activeview/pkg/source"
)

// Options configures a view.
type Options struct {
	Logger logr.Logger
	// Engines is the registry views obtain their engine instances
	// from. Defaults to the process-wide registry, so two views over
	// the same source and computation share one engine.
	Engines *active.Registry
	// Expr participates in engine and unit identity.
	Expr expression.Options
}

func (o Options) engines() *active.Registry {
	if o.Engines != nil {
		return o.Engines
	}
	return active.DefaultRegistry()
}

func (o Options) logger() logr.Logger {
	if o.Logger.GetSink() == nil {
		return logr.Discard()
	}
	return o.Logger
}

// register adds a handler to m under a fresh id and returns its
// deregistration func.
func register[H any](mu *sync.RWMutex, counter *int64, m map[int64]H, handler H) func() {
	mu.Lock()
	*counter++
	id := *counter
	m[id] = handler
	mu.Unlock()

	return func() {
		mu.Lock()
		delete(m, id)
		mu.Unlock()
	}
}

// handlers snapshots m in registration order.
func handlers[H any](mu *sync.RWMutex, m map[int64]H) []H {
	mu.RLock()
	defer mu.RUnlock()

	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]H, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

// truthy reports whether a predicate result admits its element.
func truthy(result any, fault error) bool {
	if fault != nil {
		return false
	}
	b, ok := result.(bool)
	return ok && b
}

var _ source.NotifyingSequence = (*Filtered)(nil)
var _ source.NotifyingSequence = (*Projected)(nil)
var _ source.NotifyingSequence = (*Ordered)(nil)
var _ source.NotifyingSequence = (*Group)(nil)
var _ source.NotifyingMapping = (*Mapped)(nil)
