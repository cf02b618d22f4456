package active

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/epiforge/activeview/pkg/dispatch"
	"github.com/epiforge/activeview/pkg/expression"
	"github.com/epiforge/activeview/pkg/source"
)

// Options configures an engine instance. The Expr options participate
// in instance identity when the instance is obtained through a
// Registry.
type Options struct {
	Logger logr.Logger
	// Dispatcher is the execution context the instance marshals its
	// mutations onto. When nil the instance creates and owns one.
	Dispatcher *dispatch.Dispatcher
	// Units is the computed-unit cache shared with other engines.
	// Defaults to the process-wide cache.
	Units *expression.UnitCache
	// Expr is passed to unit creation; its Tag participates in unit
	// and instance identity.
	Expr expression.Options
}

// slot is one (element, unit) position of the ordered store. The key
// is the sharing key of the element's computed unit.
type slot struct {
	element any
	key     string
}

// localUnit is the engine's reference-count table entry for one shared
// unit: count tracks store occurrences, remove is the unit-change
// subscription created on the 0->1 transition and dropped at 1->0.
type localUnit struct {
	unit   *expression.Unit
	count  int
	remove func()
}

// faultEdge is a staged fault transition, emitted on both the changing
// and the changed edge.
type faultEdge struct {
	element any
	old     error
	new     error
}

// SequenceExpression maintains one computed unit per element of an
// ordered source and translates the source's structural changes into
// change records over (element, result) pairs. Snapshots take a shared
// lock; structural mutation takes the exclusive lock and runs on the
// instance's execution context.
type SequenceExpression struct {
	mu            sync.RWMutex
	id            uuid.UUID
	src           source.Sequence
	desc          expression.Description
	exprOpts      expression.Options
	units         *expression.UnitCache
	disp          *dispatch.Dispatcher
	ownsDisp      bool
	slots         []slot
	local         map[string]*localUnit
	faults        map[string]error
	changeH       map[int64]func(Change)
	valueH        map[int64]func(ValueChange)
	faultingH     map[int64]func(FaultChange)
	faultedH      map[int64]func(FaultChange)
	counter       int64
	stamps        *stamper
	removeSource  func()
	removeElement func()
	release       func()
	disposed      bool
	logger, log   logr.Logger
}

// NewSequence creates a stand-alone engine over src: the source is
// fully enumerated, one unit is created per element, and the source's
// change and element-mutation capabilities are subscribed to when
// offered. A source offering neither is treated as immutable after
// this enumeration. Instances meant to be shared between consumers are
// obtained through a Registry instead.
func NewSequence(src source.Sequence, desc expression.Description, opts Options) (*SequenceExpression, error) {
	if src == nil {
		return nil, errors.New("nil source")
	}
	if desc == nil {
		return nil, errors.New("nil computation description")
	}

	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	units := opts.Units
	if units == nil {
		units = expression.Default()
	}

	disp := opts.Dispatcher
	ownsDisp := false
	if disp == nil {
		disp = dispatch.New(dispatch.Options{Logger: logger})
		ownsDisp = true
	}

	e := &SequenceExpression{
		id:        uuid.New(),
		src:       src,
		desc:      desc,
		exprOpts:  opts.Expr,
		units:     units,
		disp:      disp,
		ownsDisp:  ownsDisp,
		local:     make(map[string]*localUnit),
		faults:    make(map[string]error),
		changeH:   make(map[int64]func(Change)),
		valueH:    make(map[int64]func(ValueChange)),
		faultingH: make(map[int64]func(FaultChange)),
		faultedH:  make(map[int64]func(FaultChange)),
		stamps:    newStamper(),
		logger:    logger,
	}
	e.log = logger.WithName("active").WithValues("computation", desc.String(), "id", e.id.String())

	var err error
	e.disp.Invoke(func() {
		e.mu.Lock()
		_, err = e.rebuildLocked()
		e.mu.Unlock()
		if err != nil {
			return
		}

		// Capabilities are queried exactly once, here.
		if ns, ok := src.(source.NotifyingSequence); ok {
			e.removeSource = ns.OnChange(e.handleSourceChange)
		}
		if en, ok := src.(source.ElementNotifier); ok {
			e.removeElement = en.OnElementChanged(e.handleElementChanged)
		}
	})
	if err != nil {
		if ownsDisp {
			disp.Close()
		}
		return nil, fmt.Errorf("failed to build store: %w", err)
	}

	e.log.V(1).Info("created", "len", e.Count())

	return e, nil
}

// ID returns the engine instance identifier.
func (e *SequenceExpression) ID() uuid.UUID { return e.id }

// ContextID returns the identifier of the owning execution context.
func (e *SequenceExpression) ContextID() uuid.UUID { return e.disp.ID() }

// Context returns the owning execution context.
func (e *SequenceExpression) Context() *dispatch.Dispatcher { return e.disp }

// Description returns the per-element computation description.
func (e *SequenceExpression) Description() expression.Description { return e.desc }

// Count returns the number of (element, result) slots.
func (e *SequenceExpression) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.slots)
}

// At returns the (element, result) pair at index i. Panics when i is
// out of range.
func (e *SequenceExpression) At(i int) Pair {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pairLocked(e.slots[i])
}

// GetResults returns a point-in-time snapshot of all (element, result)
// pairs, in store order.
func (e *SequenceExpression) GetResults() []Pair {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pairs := make([]Pair, 0, len(e.slots))
	for _, sl := range e.slots {
		pairs = append(pairs, e.pairLocked(sl))
	}
	return pairs
}

// GetElementFaults returns a snapshot of the currently faulted
// elements, one entry per distinct faulted unit.
func (e *SequenceExpression) GetElementFaults() []ElementFault {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var faults []ElementFault
	seen := make(map[string]bool)
	for _, sl := range e.slots {
		if seen[sl.key] {
			continue
		}
		seen[sl.key] = true
		if f := e.faults[sl.key]; f != nil {
			faults = append(faults, ElementFault{
				Element: sl.element,
				Fault:   f,
				Count:   e.local[sl.key].count,
			})
		}
	}
	return faults
}

// RefCount returns the store reference count of the unit shared by the
// given element, zero when the element is absent.
func (e *SequenceExpression) RefCount(element any) int {
	key := expression.Key(e.desc, e.exprOpts, element)

	e.mu.RLock()
	defer e.mu.RUnlock()

	if lu, ok := e.local[key]; ok {
		return lu.count
	}
	return 0
}

// UnitCount returns the number of distinct live units in the store.
func (e *SequenceExpression) UnitCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.local)
}

// OnChange registers a structural change observer and returns its
// deregistration func. Observers run on the engine's execution
// context, in emission order, after the store already reflects the
// change.
func (e *SequenceExpression) OnChange(handler func(Change)) func() {
	return register(&e.mu, &e.counter, e.changeH, handler)
}

// OnValueChange registers an observer for scoped per-unit transitions.
func (e *SequenceExpression) OnValueChange(handler func(ValueChange)) func() {
	return register(&e.mu, &e.counter, e.valueH, handler)
}

// OnFaultChanging registers an observer for the pre-update edge of
// fault transitions.
func (e *SequenceExpression) OnFaultChanging(handler func(FaultChange)) func() {
	return register(&e.mu, &e.counter, e.faultingH, handler)
}

// OnFaultChanged registers an observer for the post-update edge of
// fault transitions.
func (e *SequenceExpression) OnFaultChanged(handler func(FaultChange)) func() {
	return register(&e.mu, &e.counter, e.faultedH, handler)
}

// Dispose releases the caller's reference. For Registry-managed
// instances this decrements the shared reference count and tears down
// only at zero; for stand-alone instances it tears down immediately.
func (e *SequenceExpression) Dispose() {
	e.mu.RLock()
	release := e.release
	e.mu.RUnlock()

	if release != nil {
		release()
		return
	}
	e.teardown()
}

func (e *SequenceExpression) teardown() {
	e.disp.Invoke(func() {
		e.mu.Lock()
		if e.disposed {
			e.mu.Unlock()
			return
		}
		e.disposed = true

		if e.removeSource != nil {
			e.removeSource()
		}
		if e.removeElement != nil {
			e.removeElement()
		}

		for _, lu := range e.local {
			lu.remove()
			e.units.Release(lu.unit)
		}
		e.slots = nil
		e.local = make(map[string]*localUnit)
		e.faults = make(map[string]error)
		e.changeH = make(map[int64]func(Change))
		e.valueH = make(map[int64]func(ValueChange))
		e.faultingH = make(map[int64]func(FaultChange))
		e.faultedH = make(map[int64]func(FaultChange))
		e.mu.Unlock()

		e.log.V(1).Info("torn down")
	})

	if e.ownsDisp {
		e.disp.Close()
	}
}

// ---- structural change handling ----

func (e *SequenceExpression) handleSourceChange(c source.Change) {
	e.disp.Invoke(func() { e.applyChange(c) })
}

func (e *SequenceExpression) handleElementChanged(i int, _ any) {
	e.disp.Invoke(func() {
		e.mu.RLock()
		if e.disposed || i < 0 || i >= len(e.slots) {
			e.mu.RUnlock()
			return
		}
		lu := e.local[e.slots[i].key]
		e.mu.RUnlock()

		if lu != nil {
			// Refresh fires the unit-change handler inline on this
			// context when the result transitions.
			lu.unit.Refresh()
		}
	})
}

// applyChange runs on the execution context. The store is mutated
// under the exclusive lock; events are emitted after it is released,
// still on the context, so observers may take snapshots freely.
func (e *SequenceExpression) applyChange(c source.Change) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}

	e.log.V(5).Info("applying change", "change", c.String())

	var out Change
	var edges []faultEdge
	var err error

	switch c.Kind {
	case source.Add:
		out, edges, err = e.applyAddLocked(c)
	case source.Remove:
		out, edges, err = e.applyRemoveLocked(c)
	case source.Replace:
		out, edges, err = e.applyReplaceLocked(c)
	case source.Move:
		out, err = e.applyMoveLocked(c)
	case source.Reset:
		edges, err = e.rebuildLocked()
		out = Change{Kind: source.Reset, OldIndex: -1, NewIndex: -1}
	default:
		err = fmt.Errorf("unsupported change kind %s", c.Kind)
	}
	if err != nil {
		// Out-of-shape changes self-heal through a full rebuild; see
		// the Remove/Replace paths. Anything else lands here.
		e.log.Error(err, "failed to apply change, rebuilding store")
		edges, _ = e.rebuildLocked()
		out = Change{Kind: source.Reset, OldIndex: -1, NewIndex: -1}
	}
	out.Stamp = e.stamps.next()
	e.mu.Unlock()

	e.emitFaultEdges(edges, out.Stamp)
	e.emitChange(out)
}

func (e *SequenceExpression) applyAddLocked(c source.Change) (Change, []faultEdge, error) {
	i := c.NewIndex
	if i < 0 || i > len(e.slots) {
		return Change{}, nil, fmt.Errorf("add index %d out of range [0:%d]", i, len(e.slots))
	}

	var edges []faultEdge
	added := make([]slot, 0, len(c.NewItems))
	for _, item := range c.NewItems {
		sl, edge, err := e.acquireLocked(item)
		if err != nil {
			return Change{}, nil, err
		}
		if edge != nil {
			edges = append(edges, *edge)
		}
		added = append(added, sl)
	}

	e.slots = slices.Insert(e.slots, i, added...)

	return Change{
		Kind:     source.Add,
		New:      e.pairsLocked(added),
		OldIndex: -1,
		NewIndex: i,
	}, edges, nil
}

func (e *SequenceExpression) applyRemoveLocked(c source.Change) (Change, []faultEdge, error) {
	i, n := c.OldIndex, len(c.OldItems)
	if i < 0 || i+n > len(e.slots) {
		// The reported range no longer matches the materialized store.
		// Discard and rebuild rather than guessing; this deliberately
		// also papers over buggy change reporting upstream.
		e.log.V(1).Info("remove range mismatch, rebuilding store",
			"index", i, "count", n, "len", len(e.slots))
		edges, err := e.rebuildLocked()
		return Change{Kind: source.Reset, OldIndex: -1, NewIndex: -1}, edges, err
	}

	removed := slices.Clone(e.slots[i : i+n])
	pairs := e.pairsLocked(removed)

	var edges []faultEdge
	for _, sl := range removed {
		if edge := e.releaseLocked(sl); edge != nil {
			edges = append(edges, *edge)
		}
	}
	e.slots = slices.Delete(e.slots, i, i+n)

	return Change{
		Kind:     source.Remove,
		Old:      pairs,
		OldIndex: i,
		NewIndex: -1,
	}, edges, nil
}

// applyReplaceLocked performs remove-then-add as one atomic step under
// the same lock hold, emitting a single combined record.
func (e *SequenceExpression) applyReplaceLocked(c source.Change) (Change, []faultEdge, error) {
	i, n := c.OldIndex, len(c.OldItems)
	if i < 0 || i+n > len(e.slots) {
		e.log.V(1).Info("replace range mismatch, rebuilding store",
			"index", i, "count", n, "len", len(e.slots))
		edges, err := e.rebuildLocked()
		return Change{Kind: source.Reset, OldIndex: -1, NewIndex: -1}, edges, err
	}

	replaced := slices.Clone(e.slots[i : i+n])
	oldPairs := e.pairsLocked(replaced)

	var edges []faultEdge
	added := make([]slot, 0, len(c.NewItems))
	for _, item := range c.NewItems {
		sl, edge, err := e.acquireLocked(item)
		if err != nil {
			return Change{}, nil, err
		}
		if edge != nil {
			edges = append(edges, *edge)
		}
		added = append(added, sl)
	}
	for _, sl := range replaced {
		if edge := e.releaseLocked(sl); edge != nil {
			edges = append(edges, *edge)
		}
	}

	e.slots = slices.Insert(slices.Delete(e.slots, i, i+n), i, added...)

	return Change{
		Kind:     source.Replace,
		Old:      oldPairs,
		New:      e.pairsLocked(added),
		OldIndex: i,
		NewIndex: i,
	}, edges, nil
}

// applyMoveLocked relocates slots without creating or destroying any
// unit.
func (e *SequenceExpression) applyMoveLocked(c source.Change) (Change, error) {
	from, to, n := c.OldIndex, c.NewIndex, len(c.NewItems)
	if from < 0 || from+n > len(e.slots) || to < 0 || to+n > len(e.slots) {
		return Change{}, fmt.Errorf("move [%d:%d]->%d out of range [0:%d]", from, from+n, to, len(e.slots))
	}

	block := slices.Clone(e.slots[from : from+n])
	rest := slices.Delete(slices.Clone(e.slots), from, from+n)
	e.slots = slices.Insert(rest, to, block...)

	return Change{
		Kind:     source.Move,
		New:      e.pairsLocked(block),
		OldIndex: from,
		NewIndex: to,
	}, nil
}

// rebuildLocked discards the store and rebuilds it from a fresh full
// enumeration of the source.
func (e *SequenceExpression) rebuildLocked() ([]faultEdge, error) {
	var edges []faultEdge
	for _, sl := range e.slots {
		if edge := e.releaseLocked(sl); edge != nil {
			edges = append(edges, *edge)
		}
	}
	e.slots = nil

	n := e.src.Len()
	slots := make([]slot, 0, n)
	for i := 0; i < n; i++ {
		sl, edge, err := e.acquireLocked(e.src.At(i))
		if err != nil {
			return edges, err
		}
		if edge != nil {
			edges = append(edges, *edge)
		}
		slots = append(slots, sl)
	}
	e.slots = slots

	return edges, nil
}

// acquireLocked adds one store occurrence of element, creating the
// shared unit and its change subscription on the 0->1 transition.
func (e *SequenceExpression) acquireLocked(element any) (slot, *faultEdge, error) {
	key := expression.Key(e.desc, e.exprOpts, element)

	lu, ok := e.local[key]
	if !ok {
		unit, err := e.units.Acquire(e.desc, e.exprOpts, element)
		if err != nil {
			return slot{}, nil, err
		}
		lu = &localUnit{unit: unit}
		lu.remove = unit.OnChange(e.handleUnitChange)
		e.local[key] = lu
	}
	lu.count++

	var edge *faultEdge
	if f := lu.unit.Fault(); f != nil && e.faults[key] == nil && lu.count == 1 {
		e.faults[key] = f
		edge = &faultEdge{element: element, new: f}
	}

	return slot{element: element, key: key}, edge, nil
}

// releaseLocked drops one store occurrence; at zero the subscription
// is removed and the cache reference released, disposing the unit when
// no other engine shares it.
func (e *SequenceExpression) releaseLocked(sl slot) *faultEdge {
	lu, ok := e.local[sl.key]
	if !ok {
		return nil
	}

	lu.count--
	if lu.count > 0 {
		return nil
	}

	lu.remove()
	e.units.Release(lu.unit)
	delete(e.local, sl.key)

	if f := e.faults[sl.key]; f != nil {
		delete(e.faults, sl.key)
		return &faultEdge{element: sl.element, old: f}
	}
	return nil
}

// ---- per-unit change propagation ----

func (e *SequenceExpression) handleUnitChange(uc expression.Change) {
	e.disp.Invoke(func() { e.applyUnitChange(uc) })
}

func (e *SequenceExpression) applyUnitChange(uc expression.Change) {
	key := uc.Unit.Key()

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	lu, ok := e.local[key]
	if !ok {
		e.mu.Unlock()
		return
	}

	var indexes []int
	var element any
	for i, sl := range e.slots {
		if sl.key == key {
			if indexes == nil {
				element = sl.element
			}
			indexes = append(indexes, i)
		}
	}

	oldFault := e.faults[key]
	transition := !sameFault(oldFault, uc.NewFault)
	stamp := e.stamps.next()
	count := lu.count
	e.mu.Unlock()

	if transition {
		e.emitFaultChanging(FaultChange{Element: element, Old: oldFault, New: uc.NewFault, Stamp: stamp})

		e.mu.Lock()
		if uc.NewFault != nil {
			e.faults[key] = uc.NewFault
		} else {
			delete(e.faults, key)
		}
		e.mu.Unlock()
	}

	e.emitValueChange(ValueChange{
		Element:   element,
		OldResult: uc.OldValue,
		NewResult: uc.NewValue,
		Fault:     uc.NewFault,
		Count:     count,
		Indexes:   indexes,
		Stamp:     stamp,
	})

	if transition {
		e.emitFaultChanged(FaultChange{Element: element, Old: oldFault, New: uc.NewFault, Stamp: stamp})
	}
}

// ---- emission ----

func (e *SequenceExpression) emitChange(c Change) {
	for _, h := range handlers(&e.mu, e.changeH) {
		h(c)
	}
}

func (e *SequenceExpression) emitValueChange(c ValueChange) {
	for _, h := range handlers(&e.mu, e.valueH) {
		h(c)
	}
}

func (e *SequenceExpression) emitFaultChanging(c FaultChange) {
	for _, h := range handlers(&e.mu, e.faultingH) {
		h(c)
	}
}

func (e *SequenceExpression) emitFaultChanged(c FaultChange) {
	for _, h := range handlers(&e.mu, e.faultedH) {
		h(c)
	}
}

func (e *SequenceExpression) emitFaultEdges(edges []faultEdge, stamp ulid.ULID) {
	for _, edge := range edges {
		fc := FaultChange{Element: edge.element, Old: edge.old, New: edge.new, Stamp: stamp}
		e.emitFaultChanging(fc)
		e.emitFaultChanged(fc)
	}
}

func (e *SequenceExpression) pairLocked(sl slot) Pair {
	lu := e.local[sl.key]
	return Pair{Element: sl.element, Result: lu.unit.Value(), Fault: lu.unit.Fault()}
}

func (e *SequenceExpression) pairsLocked(slots []slot) []Pair {
	pairs := make([]Pair, 0, len(slots))
	for _, sl := range slots {
		pairs = append(pairs, e.pairLocked(sl))
	}
	return pairs
}

func sameFault(a, b error) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Error() == b.Error()
}
