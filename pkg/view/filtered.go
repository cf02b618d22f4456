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

// Filtered is the live subset of a source admitted by a boolean
// predicate. Elements whose predicate faults are excluded until the
// fault clears. The view re-emits structural changes in terms of
// visible indexes, and turns predicate flips caused by in-place element
// mutation into adds and removes even though the source reported no
// structural change.
type Filtered struct {
	mu       sync.RWMutex
	e        *active.SequenceExpression
	elements []any
	visible  []bool
	out      []any
	changeH  map[int64]func(source.Change)
	counter  int64
	removeC  func()
	removeV  func()
	release  func()
	disposed bool
	log      logr.Logger
}

// NewFiltered creates a filtered view of src admitted by pred. The
// predicate must yield a bool; any other result hides the element.
func NewFiltered(src source.Sequence, pred expression.Description, opts Options) (*Filtered, error) {
	e, err := opts.engines().Sequence(src, pred, opts.Expr)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire engine: %w", err)
	}

	f := &Filtered{
		e:       e,
		changeH: make(map[int64]func(source.Change)),
		log:     opts.logger().WithName("view").WithValues("kind", "filtered", "predicate", pred.String()),
	}

	// Snapshot and subscription happen on the engine's context so no
	// change can slip between them.
	e.Context().Invoke(func() {
		f.rebuild()
		f.removeC = e.OnChange(f.handleChange)
		f.removeV = e.OnValueChange(f.handleValueChange)
	})

	f.log.V(1).Info("created", "len", f.Len())

	return f, nil
}

// Len returns the number of visible elements.
func (f *Filtered) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.out)
}

// At returns the visible element at index i.
func (f *Filtered) At(i int) any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.out[i]
}

// Items returns a snapshot of the visible elements.
func (f *Filtered) Items() []any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.out)
}

// OnChange registers an observer of the view's own changes.
func (f *Filtered) OnChange(handler func(source.Change)) func() {
	return register(&f.mu, &f.counter, f.changeH, handler)
}

// Dispose releases the caller's reference. For registry-managed views
// this decrements the shared reference count and tears down only at
// zero; for stand-alone views it tears down immediately.
func (f *Filtered) Dispose() {
	f.mu.RLock()
	release := f.release
	f.mu.RUnlock()

	if release != nil {
		release()
		return
	}
	f.teardown()
}

func (f *Filtered) teardown() {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	f.disposed = true
	removeC, removeV := f.removeC, f.removeV
	f.mu.Unlock()

	removeC()
	removeV()
	f.e.Dispose()
}

func (f *Filtered) rebuild() {
	pairs := f.e.GetResults()
	f.elements = make([]any, len(pairs))
	f.visible = make([]bool, len(pairs))
	f.out = nil
	for i, p := range pairs {
		f.elements[i] = p.Element
		f.visible[i] = truthy(p.Result, p.Fault)
		if f.visible[i] {
			f.out = append(f.out, p.Element)
		}
	}
}

func (f *Filtered) visibleBefore(i int) int {
	n := 0
	for _, v := range f.visible[:i] {
		if v {
			n++
		}
	}
	return n
}

func (f *Filtered) recompute() {
	f.out = f.out[:0]
	for i, v := range f.visible {
		if v {
			f.out = append(f.out, f.elements[i])
		}
	}
}

func (f *Filtered) handleChange(c active.Change) {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}

	var outChanges []source.Change

	switch c.Kind {
	case source.Add:
		flags := make([]bool, len(c.New))
		items := make([]any, len(c.New))
		var added []any
		for i, p := range c.New {
			flags[i] = truthy(p.Result, p.Fault)
			items[i] = p.Element
			if flags[i] {
				added = append(added, p.Element)
			}
		}
		at := f.visibleBefore(c.NewIndex)
		f.elements = slices.Insert(f.elements, c.NewIndex, items...)
		f.visible = slices.Insert(f.visible, c.NewIndex, flags...)
		f.recompute()
		if len(added) > 0 {
			outChanges = append(outChanges, source.Change{Kind: source.Add, NewItems: added, OldIndex: -1, NewIndex: at})
		}

	case source.Remove:
		n := len(c.Old)
		at := f.visibleBefore(c.OldIndex)
		var removed []any
		for i := 0; i < n; i++ {
			if f.visible[c.OldIndex+i] {
				removed = append(removed, f.elements[c.OldIndex+i])
			}
		}
		f.elements = slices.Delete(f.elements, c.OldIndex, c.OldIndex+n)
		f.visible = slices.Delete(f.visible, c.OldIndex, c.OldIndex+n)
		f.recompute()
		if len(removed) > 0 {
			outChanges = append(outChanges, source.Change{Kind: source.Remove, OldItems: removed, OldIndex: at, NewIndex: -1})
		}

	case source.Replace:
		n := len(c.Old)
		at := f.visibleBefore(c.OldIndex)
		var removed []any
		for i := 0; i < n; i++ {
			if f.visible[c.OldIndex+i] {
				removed = append(removed, f.elements[c.OldIndex+i])
			}
		}
		flags := make([]bool, len(c.New))
		items := make([]any, len(c.New))
		var added []any
		for i, p := range c.New {
			flags[i] = truthy(p.Result, p.Fault)
			items[i] = p.Element
			if flags[i] {
				added = append(added, p.Element)
			}
		}
		f.elements = slices.Insert(slices.Delete(f.elements, c.OldIndex, c.OldIndex+n), c.OldIndex, items...)
		f.visible = slices.Insert(slices.Delete(f.visible, c.OldIndex, c.OldIndex+n), c.OldIndex, flags...)
		f.recompute()
		switch {
		case len(removed) == 0 && len(added) == 0:
		case len(removed) == 0:
			outChanges = append(outChanges, source.Change{Kind: source.Add, NewItems: added, OldIndex: -1, NewIndex: at})
		case len(added) == 0:
			outChanges = append(outChanges, source.Change{Kind: source.Remove, OldItems: removed, OldIndex: at, NewIndex: -1})
		default:
			outChanges = append(outChanges, source.Change{Kind: source.Replace, OldItems: removed, NewItems: added, OldIndex: at, NewIndex: at})
		}

	case source.Move:
		n := len(c.New)
		from := f.visibleBefore(c.OldIndex)
		var block []any
		flags := make([]bool, 0, n)
		for i := 0; i < n; i++ {
			flags = append(flags, f.visible[c.OldIndex+i])
			if f.visible[c.OldIndex+i] {
				block = append(block, f.elements[c.OldIndex+i])
			}
		}
		items := slices.Clone(f.elements[c.OldIndex : c.OldIndex+n])
		f.elements = slices.Insert(slices.Delete(f.elements, c.OldIndex, c.OldIndex+n), c.NewIndex, items...)
		f.visible = slices.Insert(slices.Delete(f.visible, c.OldIndex, c.OldIndex+n), c.NewIndex, flags...)
		f.recompute()
		if len(block) > 0 {
			to := f.visibleBefore(c.NewIndex)
			if to != from {
				outChanges = append(outChanges, source.Change{Kind: source.Move, NewItems: block, OldIndex: from, NewIndex: to})
			}
		}

	case source.Reset:
		f.rebuild()
		outChanges = append(outChanges, source.ResetChange())
	}

	f.mu.Unlock()

	for _, oc := range outChanges {
		f.emit(oc)
	}
}

// handleValueChange turns predicate flips into structural changes over
// the visible output.
func (f *Filtered) handleValueChange(c active.ValueChange) {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}

	newVisible := truthy(c.NewResult, c.Fault)

	var outChanges []source.Change
	for _, i := range c.Indexes {
		if i < 0 || i >= len(f.visible) {
			continue
		}
		at := f.visibleBefore(i)
		switch {
		case !f.visible[i] && newVisible:
			f.visible[i] = true
			outChanges = append(outChanges, source.Change{Kind: source.Add, NewItems: []any{f.elements[i]}, OldIndex: -1, NewIndex: at})
		case f.visible[i] && !newVisible:
			f.visible[i] = false
			outChanges = append(outChanges, source.Change{Kind: source.Remove, OldItems: []any{f.elements[i]}, OldIndex: at, NewIndex: -1})
		case f.visible[i] && newVisible:
			// Still visible but the element mutated in place.
			outChanges = append(outChanges, source.Change{Kind: source.Replace, OldItems: []any{f.elements[i]}, NewItems: []any{f.elements[i]}, OldIndex: at, NewIndex: at})
		}
	}
	f.recompute()
	f.mu.Unlock()

	for _, oc := range outChanges {
		f.emit(oc)
	}
}

func (f *Filtered) emit(c source.Change) {
	for _, h := range handlers(&f.mu, f.changeH) {
		h(c)
	}
}
