package active

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/epiforge/activeview/pkg/dispatch"
	"github.com/epiforge/activeview/pkg/expression"
	"github.com/epiforge/activeview/pkg/source"
)

// keyedSlot is one (key, value, unit) entry of the keyed store.
type keyedSlot struct {
	key     any
	value   any
	unitKey string
}

// indexItem orders keys by their identity token in the btree index.
type indexItem struct {
	token string
	key   any
}

func lessIndexItem(a, b indexItem) bool { return a.token < b.token }

// KeyedExpression maintains one computed unit per entry of a key-value
// source. Units are computed over values, so entries holding equal
// values share one unit by reference count. Enumeration order is the
// ascending key-token order maintained by a balanced-tree index, which
// keeps snapshots deterministic regardless of map iteration order.
type KeyedExpression struct {
	mu           sync.RWMutex
	id           uuid.UUID
	src          source.Mapping
	desc         expression.Description
	exprOpts     expression.Options
	units        *expression.UnitCache
	disp         *dispatch.Dispatcher
	ownsDisp     bool
	entries      map[any]*keyedSlot
	index        *btree.BTreeG[indexItem]
	local        map[string]*localUnit
	faults       map[string]error
	changeH      map[int64]func(EntryChange)
	valueH       map[int64]func(EntryValueChange)
	faultingH    map[int64]func(FaultChange)
	faultedH     map[int64]func(FaultChange)
	counter      int64
	stamps       *stamper
	removeSource func()
	removeEntry  func()
	release      func()
	disposed     bool
	logger, log  logr.Logger
}

// NewKeyed creates a stand-alone keyed engine over src, enumerating it
// fully and subscribing to its change and entry-mutation capabilities
// when offered.
func NewKeyed(src source.Mapping, desc expression.Description, opts Options) (*KeyedExpression, error) {
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

	e := &KeyedExpression{
		id:        uuid.New(),
		src:       src,
		desc:      desc,
		exprOpts:  opts.Expr,
		units:     units,
		disp:      disp,
		ownsDisp:  ownsDisp,
		entries:   make(map[any]*keyedSlot),
		index:     btree.NewG(2, lessIndexItem),
		local:     make(map[string]*localUnit),
		faults:    make(map[string]error),
		changeH:   make(map[int64]func(EntryChange)),
		valueH:    make(map[int64]func(EntryValueChange)),
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

		if nm, ok := src.(source.NotifyingMapping); ok {
			e.removeSource = nm.OnChange(e.handleSourceChange)
		}
		if en, ok := src.(source.EntryNotifier); ok {
			e.removeEntry = en.OnEntryChanged(e.handleEntryChanged)
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
func (e *KeyedExpression) ID() uuid.UUID { return e.id }

// ContextID returns the identifier of the owning execution context.
func (e *KeyedExpression) ContextID() uuid.UUID { return e.disp.ID() }

// Context returns the owning execution context.
func (e *KeyedExpression) Context() *dispatch.Dispatcher { return e.disp }

// Description returns the per-entry computation description.
func (e *KeyedExpression) Description() expression.Description { return e.desc }

// Count returns the number of entries.
func (e *KeyedExpression) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// Get returns the (key, value, result) row under key.
func (e *KeyedExpression) Get(key any) (KeyedPair, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sl, ok := e.entries[key]
	if !ok {
		return KeyedPair{}, false
	}
	return e.rowLocked(sl), true
}

// Keys returns all keys in ascending key-token order.
func (e *KeyedExpression) Keys() []any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]any, 0, len(e.entries))
	e.index.Ascend(func(it indexItem) bool {
		keys = append(keys, it.key)
		return true
	})
	return keys
}

// GetResults returns a snapshot of all rows in ascending key-token
// order.
func (e *KeyedExpression) GetResults() []KeyedPair {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rows := make([]KeyedPair, 0, len(e.entries))
	e.index.Ascend(func(it indexItem) bool {
		rows = append(rows, e.rowLocked(e.entries[it.key]))
		return true
	})
	return rows
}

// GetElementFaults returns a snapshot of the currently faulted entries,
// one entry per distinct faulted unit.
func (e *KeyedExpression) GetElementFaults() []ElementFault {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var faults []ElementFault
	seen := make(map[string]bool)
	e.index.Ascend(func(it indexItem) bool {
		sl := e.entries[it.key]
		if seen[sl.unitKey] {
			return true
		}
		seen[sl.unitKey] = true
		if f := e.faults[sl.unitKey]; f != nil {
			faults = append(faults, ElementFault{
				Element: sl.value,
				Fault:   f,
				Count:   e.local[sl.unitKey].count,
			})
		}
		return true
	})
	return faults
}

// RefCount returns the store reference count of the unit shared by the
// given value, zero when no entry holds it.
func (e *KeyedExpression) RefCount(value any) int {
	key := expression.Key(e.desc, e.exprOpts, value)

	e.mu.RLock()
	defer e.mu.RUnlock()

	if lu, ok := e.local[key]; ok {
		return lu.count
	}
	return 0
}

// UnitCount returns the number of distinct live units in the store.
func (e *KeyedExpression) UnitCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.local)
}

// OnChange registers a structural change observer.
func (e *KeyedExpression) OnChange(handler func(EntryChange)) func() {
	return register(&e.mu, &e.counter, e.changeH, handler)
}

// OnValueChange registers an observer for scoped per-unit transitions.
func (e *KeyedExpression) OnValueChange(handler func(EntryValueChange)) func() {
	return register(&e.mu, &e.counter, e.valueH, handler)
}

// OnFaultChanging registers an observer for the pre-update edge of
// fault transitions.
func (e *KeyedExpression) OnFaultChanging(handler func(FaultChange)) func() {
	return register(&e.mu, &e.counter, e.faultingH, handler)
}

// OnFaultChanged registers an observer for the post-update edge of
// fault transitions.
func (e *KeyedExpression) OnFaultChanged(handler func(FaultChange)) func() {
	return register(&e.mu, &e.counter, e.faultedH, handler)
}

// Dispose releases the caller's reference; see
// SequenceExpression.Dispose.
func (e *KeyedExpression) Dispose() {
	e.mu.RLock()
	release := e.release
	e.mu.RUnlock()

	if release != nil {
		release()
		return
	}
	e.teardown()
}

func (e *KeyedExpression) teardown() {
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
		if e.removeEntry != nil {
			e.removeEntry()
		}

		for _, lu := range e.local {
			lu.remove()
			e.units.Release(lu.unit)
		}
		e.entries = make(map[any]*keyedSlot)
		e.index = btree.NewG(2, lessIndexItem)
		e.local = make(map[string]*localUnit)
		e.faults = make(map[string]error)
		e.changeH = make(map[int64]func(EntryChange))
		e.valueH = make(map[int64]func(EntryValueChange))
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

func (e *KeyedExpression) handleSourceChange(c source.KeyedChange) {
	e.disp.Invoke(func() { e.applyChange(c) })
}

func (e *KeyedExpression) handleEntryChanged(key, _ any) {
	e.disp.Invoke(func() {
		e.mu.RLock()
		if e.disposed {
			e.mu.RUnlock()
			return
		}
		var lu *localUnit
		if sl, ok := e.entries[key]; ok {
			lu = e.local[sl.unitKey]
		}
		e.mu.RUnlock()

		if lu != nil {
			lu.unit.Refresh()
		}
	})
}

func (e *KeyedExpression) applyChange(c source.KeyedChange) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}

	e.log.V(5).Info("applying change", "change", c.String())

	var out EntryChange
	var edges []faultEdge
	var err error

	switch c.Kind {
	case source.Add:
		out, edges, err = e.applyAddLocked(c)
	case source.Remove:
		out, edges, err = e.applyRemoveLocked(c)
	case source.Replace:
		out, edges, err = e.applyReplaceLocked(c)
	case source.Reset:
		edges, err = e.rebuildLocked()
		out = EntryChange{Kind: source.Reset}
	default:
		err = fmt.Errorf("unsupported change kind %s", c.Kind)
	}
	if err != nil {
		e.log.Error(err, "failed to apply change, rebuilding store")
		edges, _ = e.rebuildLocked()
		out = EntryChange{Kind: source.Reset}
	}
	out.Stamp = e.stamps.next()
	e.mu.Unlock()

	e.emitFaultEdges(edges, out.Stamp)
	e.emitChange(out)
}

func (e *KeyedExpression) applyAddLocked(c source.KeyedChange) (EntryChange, []faultEdge, error) {
	if _, exists := e.entries[c.Key]; exists {
		// Key already materialized: the source's change reporting is
		// out of shape, rebuild.
		e.log.V(1).Info("add for existing key, rebuilding store", "key", c.Key)
		edges, err := e.rebuildLocked()
		return EntryChange{Kind: source.Reset}, edges, err
	}

	sl, edge, err := e.acquireEntryLocked(c.Key, c.New)
	if err != nil {
		return EntryChange{}, nil, err
	}

	var edges []faultEdge
	if edge != nil {
		edges = append(edges, *edge)
	}

	return EntryChange{
		Kind: source.Add,
		Key:  c.Key,
		New:  e.pairKeyedLocked(sl),
	}, edges, nil
}

func (e *KeyedExpression) applyRemoveLocked(c source.KeyedChange) (EntryChange, []faultEdge, error) {
	sl, exists := e.entries[c.Key]
	if !exists {
		e.log.V(1).Info("remove for unknown key, rebuilding store", "key", c.Key)
		edges, err := e.rebuildLocked()
		return EntryChange{Kind: source.Reset}, edges, err
	}

	old := e.pairKeyedLocked(sl)

	var edges []faultEdge
	if edge := e.releaseEntryLocked(sl); edge != nil {
		edges = append(edges, *edge)
	}

	return EntryChange{
		Kind: source.Remove,
		Key:  c.Key,
		Old:  old,
	}, edges, nil
}

func (e *KeyedExpression) applyReplaceLocked(c source.KeyedChange) (EntryChange, []faultEdge, error) {
	sl, exists := e.entries[c.Key]
	if !exists {
		e.log.V(1).Info("replace for unknown key, rebuilding store", "key", c.Key)
		edges, err := e.rebuildLocked()
		return EntryChange{Kind: source.Reset}, edges, err
	}

	old := e.pairKeyedLocked(sl)

	var edges []faultEdge
	newSl, edge, err := e.acquireEntryReplaceLocked(sl, c.New)
	if err != nil {
		return EntryChange{}, nil, err
	}
	if edge != nil {
		edges = append(edges, *edge)
	}

	return EntryChange{
		Kind: source.Replace,
		Key:  c.Key,
		Old:  old,
		New:  e.pairKeyedLocked(newSl),
	}, edges, nil
}

func (e *KeyedExpression) rebuildLocked() ([]faultEdge, error) {
	var edges []faultEdge
	for _, sl := range e.entries {
		if edge := e.releaseUnitLocked(sl.unitKey, sl.value); edge != nil {
			edges = append(edges, *edge)
		}
	}
	e.entries = make(map[any]*keyedSlot)
	e.index = btree.NewG(2, lessIndexItem)

	for _, key := range e.src.Keys() {
		value, ok := e.src.Get(key)
		if !ok {
			continue
		}
		_, edge, err := e.acquireEntryLocked(key, value)
		if err != nil {
			return edges, err
		}
		if edge != nil {
			edges = append(edges, *edge)
		}
	}

	return edges, nil
}

func (e *KeyedExpression) acquireEntryLocked(key, value any) (*keyedSlot, *faultEdge, error) {
	unitKey := expression.Key(e.desc, e.exprOpts, value)

	lu, ok := e.local[unitKey]
	if !ok {
		unit, err := e.units.Acquire(e.desc, e.exprOpts, value)
		if err != nil {
			return nil, nil, err
		}
		lu = &localUnit{unit: unit}
		lu.remove = unit.OnChange(e.handleUnitChange)
		e.local[unitKey] = lu
	}
	lu.count++

	sl := &keyedSlot{key: key, value: value, unitKey: unitKey}
	e.entries[key] = sl
	e.index.ReplaceOrInsert(indexItem{token: expression.Token(key), key: key})

	var edge *faultEdge
	if f := lu.unit.Fault(); f != nil && e.faults[unitKey] == nil && lu.count == 1 {
		e.faults[unitKey] = f
		edge = &faultEdge{element: value, new: f}
	}

	return sl, edge, nil
}

// acquireEntryReplaceLocked swaps the value under an existing key as
// one atomic step: acquire the new unit first so a shared unit never
// transits through zero.
func (e *KeyedExpression) acquireEntryReplaceLocked(sl *keyedSlot, value any) (*keyedSlot, *faultEdge, error) {
	unitKey := expression.Key(e.desc, e.exprOpts, value)

	lu, ok := e.local[unitKey]
	if !ok {
		unit, err := e.units.Acquire(e.desc, e.exprOpts, value)
		if err != nil {
			return nil, nil, err
		}
		lu = &localUnit{unit: unit}
		lu.remove = unit.OnChange(e.handleUnitChange)
		e.local[unitKey] = lu
	}
	lu.count++

	var edge *faultEdge
	if f := lu.unit.Fault(); f != nil && e.faults[unitKey] == nil && lu.count == 1 {
		e.faults[unitKey] = f
		edge = &faultEdge{element: value, new: f}
	}

	if releaseEdge := e.releaseUnitLocked(sl.unitKey, sl.value); releaseEdge != nil && edge == nil {
		edge = releaseEdge
	}

	sl.value = value
	sl.unitKey = unitKey

	return sl, edge, nil
}

func (e *KeyedExpression) releaseEntryLocked(sl *keyedSlot) *faultEdge {
	delete(e.entries, sl.key)
	e.index.Delete(indexItem{token: expression.Token(sl.key)})
	return e.releaseUnitLocked(sl.unitKey, sl.value)
}

func (e *KeyedExpression) releaseUnitLocked(unitKey string, value any) *faultEdge {
	lu, ok := e.local[unitKey]
	if !ok {
		return nil
	}

	lu.count--
	if lu.count > 0 {
		return nil
	}

	lu.remove()
	e.units.Release(lu.unit)
	delete(e.local, unitKey)

	if f := e.faults[unitKey]; f != nil {
		delete(e.faults, unitKey)
		return &faultEdge{element: value, old: f}
	}
	return nil
}

// ---- per-unit change propagation ----

func (e *KeyedExpression) handleUnitChange(uc expression.Change) {
	e.disp.Invoke(func() { e.applyUnitChange(uc) })
}

func (e *KeyedExpression) applyUnitChange(uc expression.Change) {
	unitKey := uc.Unit.Key()

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	if _, ok := e.local[unitKey]; !ok {
		e.mu.Unlock()
		return
	}

	var keys []any
	var value any
	e.index.Ascend(func(it indexItem) bool {
		sl := e.entries[it.key]
		if sl.unitKey == unitKey {
			if keys == nil {
				value = sl.value
			}
			keys = append(keys, sl.key)
		}
		return true
	})

	oldFault := e.faults[unitKey]
	transition := !sameFault(oldFault, uc.NewFault)
	stamp := e.stamps.next()
	e.mu.Unlock()

	if transition {
		e.emitFaultChanging(FaultChange{Element: value, Old: oldFault, New: uc.NewFault, Stamp: stamp})

		e.mu.Lock()
		if uc.NewFault != nil {
			e.faults[unitKey] = uc.NewFault
		} else {
			delete(e.faults, unitKey)
		}
		e.mu.Unlock()
	}

	e.emitValueChange(EntryValueChange{
		OldResult: uc.OldValue,
		NewResult: uc.NewValue,
		Fault:     uc.NewFault,
		Keys:      keys,
		Stamp:     stamp,
	})

	if transition {
		e.emitFaultChanged(FaultChange{Element: value, Old: oldFault, New: uc.NewFault, Stamp: stamp})
	}
}

// ---- emission ----

func (e *KeyedExpression) emitChange(c EntryChange) {
	for _, h := range handlers(&e.mu, e.changeH) {
		h(c)
	}
}

func (e *KeyedExpression) emitValueChange(c EntryValueChange) {
	for _, h := range handlers(&e.mu, e.valueH) {
		h(c)
	}
}

func (e *KeyedExpression) emitFaultChanging(c FaultChange) {
	for _, h := range handlers(&e.mu, e.faultingH) {
		h(c)
	}
}

func (e *KeyedExpression) emitFaultChanged(c FaultChange) {
	for _, h := range handlers(&e.mu, e.faultedH) {
		h(c)
	}
}

func (e *KeyedExpression) emitFaultEdges(edges []faultEdge, stamp ulid.ULID) {
	for _, edge := range edges {
		fc := FaultChange{Element: edge.element, Old: edge.old, New: edge.new, Stamp: stamp}
		e.emitFaultChanging(fc)
		e.emitFaultChanged(fc)
	}
}

func (e *KeyedExpression) rowLocked(sl *keyedSlot) KeyedPair {
	lu := e.local[sl.unitKey]
	return KeyedPair{Key: sl.key, Value: sl.value, Result: lu.unit.Value(), Fault: lu.unit.Fault()}
}

func (e *KeyedExpression) pairKeyedLocked(sl *keyedSlot) Pair {
	lu := e.local[sl.unitKey]
	return Pair{Element: sl.value, Result: lu.unit.Value(), Fault: lu.unit.Fault()}
}
