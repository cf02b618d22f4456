package view

import (
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	"github.com/epiforge/activeview/pkg/active"
	"github.com/epiforge/activeview/pkg/expression"
	"github.com/epiforge/activeview/pkg/source"
)

// Projected is the live element-wise image of a source under a
// selector. The output holds one result per source element, in source
// order; a result re-evaluation fans out into one replace per store
// occurrence of the shared unit.
type Projected struct {
	mu       sync.RWMutex
	e        *active.SequenceExpression
	out      []any
	changeH  map[int64]func(source.Change)
	counter  int64
	removeC  func()
	removeV  func()
	release  func()
	disposed bool
	log      logr.Logger
}

// NewProjected creates a projected view of src under selector.
func NewProjected(src source.Sequence, selector expression.Description, opts Options) (*Projected, error) {
	e, err := opts.engines().Sequence(src, selector, opts.Expr)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire engine: %w", err)
	}

	p := &Projected{
		e:       e,
		changeH: make(map[int64]func(source.Change)),
		log:     opts.logger().WithName("view").WithValues("kind", "projected", "selector", selector.String()),
	}

	e.Context().Invoke(func() {
		p.rebuild()
		p.removeC = e.OnChange(p.handleChange)
		p.removeV = e.OnValueChange(p.handleValueChange)
	})

	p.log.V(1).Info("created", "len", p.Len())

	return p, nil
}

// Len returns the number of results.
func (p *Projected) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.out)
}

// At returns the result at index i.
func (p *Projected) At(i int) any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.out[i]
}

// Items returns a snapshot of the results.
func (p *Projected) Items() []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.out)
}

// Faults returns the currently faulted elements.
func (p *Projected) Faults() []active.ElementFault {
	return p.e.GetElementFaults()
}

// OnChange registers an observer of the view's own changes.
func (p *Projected) OnChange(handler func(source.Change)) func() {
	return register(&p.mu, &p.counter, p.changeH, handler)
}

// Dispose releases the caller's reference; see Filtered.Dispose.
func (p *Projected) Dispose() {
	p.mu.RLock()
	release := p.release
	p.mu.RUnlock()

	if release != nil {
		release()
		return
	}
	p.teardown()
}

func (p *Projected) teardown() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	removeC, removeV := p.removeC, p.removeV
	p.mu.Unlock()

	removeC()
	removeV()
	p.e.Dispose()
}

func (p *Projected) rebuild() {
	pairs := p.e.GetResults()
	p.out = make([]any, len(pairs))
	for i, pr := range pairs {
		p.out[i] = pr.Result
	}
}

func resultsOf(pairs []active.Pair) []any {
	out := make([]any, len(pairs))
	for i, pr := range pairs {
		out[i] = pr.Result
	}
	return out
}

func (p *Projected) handleChange(c active.Change) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}

	var out source.Change

	switch c.Kind {
	case source.Add:
		items := resultsOf(c.New)
		p.out = slices.Insert(p.out, c.NewIndex, items...)
		out = source.Change{Kind: source.Add, NewItems: items, OldIndex: -1, NewIndex: c.NewIndex}

	case source.Remove:
		old := slices.Clone(p.out[c.OldIndex : c.OldIndex+len(c.Old)])
		p.out = slices.Delete(p.out, c.OldIndex, c.OldIndex+len(c.Old))
		out = source.Change{Kind: source.Remove, OldItems: old, OldIndex: c.OldIndex, NewIndex: -1}

	case source.Replace:
		old := slices.Clone(p.out[c.OldIndex : c.OldIndex+len(c.Old)])
		items := resultsOf(c.New)
		p.out = slices.Insert(slices.Delete(p.out, c.OldIndex, c.OldIndex+len(c.Old)), c.OldIndex, items...)
		out = source.Change{Kind: source.Replace, OldItems: old, NewItems: items, OldIndex: c.OldIndex, NewIndex: c.OldIndex}

	case source.Move:
		n := len(c.New)
		block := slices.Clone(p.out[c.OldIndex : c.OldIndex+n])
		p.out = slices.Insert(slices.Delete(p.out, c.OldIndex, c.OldIndex+n), c.NewIndex, block...)
		out = source.Change{Kind: source.Move, NewItems: block, OldIndex: c.OldIndex, NewIndex: c.NewIndex}

	case source.Reset:
		p.rebuild()
		out = source.ResetChange()
	}

	p.mu.Unlock()
	p.emit(out)
}

// handleValueChange fans a shared-unit re-evaluation out into one
// replace per occurrence.
func (p *Projected) handleValueChange(c active.ValueChange) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}

	var outChanges []source.Change
	for _, i := range c.Indexes {
		if i < 0 || i >= len(p.out) {
			continue
		}
		old := p.out[i]
		p.out[i] = c.NewResult
		outChanges = append(outChanges, source.Change{
			Kind:     source.Replace,
			OldItems: []any{old},
			NewItems: []any{c.NewResult},
			OldIndex: i,
			NewIndex: i,
		})
	}
	p.mu.Unlock()

	for _, oc := range outChanges {
		p.emit(oc)
	}
}

func (p *Projected) emit(c source.Change) {
	for _, h := range handlers(&p.mu, p.changeH) {
		h(c)
	}
}
