package view

import (
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/btree"

	"github.com/epiforge/activeview/pkg/active"
	"github.com/epiforge/activeview/pkg/expression"
	"github.com/epiforge/activeview/pkg/source"
)

// pairDescription bundles the key and value computations into one
// computation yielding a [key, value] pair per element.
func pairDescription(key, value expression.Computation) *expression.FuncDescription {
	return expression.NewFunc("selectmap("+key.String()+" => "+value.String()+")", func(args ...any) (any, error) {
		k, err := key.Compute(args...)
		if err != nil {
			return nil, err
		}
		v, err := value.Compute(args...)
		if err != nil {
			return nil, err
		}
		return []any{k, v}, nil
	})
}

// mappedRow is one element occurrence projected to a (key, value)
// pair.
type mappedRow struct {
	elemToken string
	key       any
	value     any
}

// keyItem orders distinct keys by identity token.
type keyItem struct {
	token string
	key   any
}

func lessKeyItem(a, b keyItem) bool { return a.token < b.token }

// Mapped is the live key-value rendition of a sequence: every element
// projects to one (key, value) pair, and the first arrival among
// duplicate keys is the visible one. Elements whose projection faults
// contribute no pair until the fault clears.
type Mapped struct {
	mu       sync.RWMutex
	e        *active.SequenceExpression
	rows     map[string][]*mappedRow
	index    *btree.BTreeG[keyItem]
	changeH  map[int64]func(source.KeyedChange)
	counter  int64
	removeC  func()
	removeV  func()
	release  func()
	disposed bool
	log      logr.Logger
}

// NewMapped creates a mapped view of src projected through the key and
// value computations.
func NewMapped(src source.Sequence, key, value expression.Computation, opts Options) (*Mapped, error) {
	if key == nil || value == nil {
		return nil, fmt.Errorf("nil projection computation")
	}

	e, err := opts.engines().Sequence(src, pairDescription(key, value), opts.Expr)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire engine: %w", err)
	}

	m := &Mapped{
		e:       e,
		rows:    make(map[string][]*mappedRow),
		index:   btree.NewG(2, lessKeyItem),
		changeH: make(map[int64]func(source.KeyedChange)),
		log:     opts.logger().WithName("view").WithValues("kind", "mapped"),
	}

	e.Context().Invoke(func() {
		m.rebuild()
		m.removeC = e.OnChange(m.handleChange)
		m.removeV = e.OnValueChange(m.handleValueChange)
	})

	m.log.V(1).Info("created", "len", m.Len())

	return m, nil
}

// Len returns the number of distinct keys.
func (m *Mapped) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// Get returns the visible value under key.
func (m *Mapped) Get(key any) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.rows[expression.Token(key)]
	if len(bucket) == 0 {
		return nil, false
	}
	return bucket[0].value, true
}

// Keys returns the distinct keys in ascending key-token order.
func (m *Mapped) Keys() []any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]any, 0, len(m.rows))
	m.index.Ascend(func(it keyItem) bool {
		keys = append(keys, it.key)
		return true
	})
	return keys
}

// OnChange registers an observer of the view's own changes.
func (m *Mapped) OnChange(handler func(source.KeyedChange)) func() {
	return register(&m.mu, &m.counter, m.changeH, handler)
}

// Dispose releases the caller's reference; see Filtered.Dispose.
func (m *Mapped) Dispose() {
	m.mu.RLock()
	release := m.release
	m.mu.RUnlock()

	if release != nil {
		release()
		return
	}
	m.teardown()
}

func (m *Mapped) teardown() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	removeC, removeV := m.removeC, m.removeV
	m.mu.Unlock()

	removeC()
	removeV()
	m.e.Dispose()
}

func (m *Mapped) rebuild() {
	m.rows = make(map[string][]*mappedRow)
	m.index = btree.NewG(2, lessKeyItem)
	for _, p := range m.e.GetResults() {
		m.addLocked(p)
	}
}

func rowOf(p active.Pair) (*mappedRow, string, bool) {
	if p.Fault != nil {
		return nil, "", false
	}
	kv, ok := p.Result.([]any)
	if !ok || len(kv) != 2 {
		return nil, "", false
	}
	return &mappedRow{
		elemToken: expression.Token(p.Element),
		key:       kv[0],
		value:     kv[1],
	}, expression.Token(kv[0]), true
}

// addLocked places one occurrence; the visible pair changes only when
// the occurrence becomes its key's head.
func (m *Mapped) addLocked(p active.Pair) *source.KeyedChange {
	row, token, ok := rowOf(p)
	if !ok {
		return nil
	}

	bucket := m.rows[token]
	m.rows[token] = append(bucket, row)
	if len(bucket) > 0 {
		// Shadowed by an earlier arrival.
		return nil
	}
	m.index.ReplaceOrInsert(keyItem{token: token, key: row.key})
	return &source.KeyedChange{Kind: source.Add, Key: row.key, New: row.value}
}

// removeLocked drops one occurrence; a shadowed occurrence leaves
// silently, a head occurrence uncovers the next arrival or removes the
// key.
func (m *Mapped) removeLocked(p active.Pair) *source.KeyedChange {
	row, token, ok := rowOf(p)
	if !ok {
		return nil
	}

	bucket := m.rows[token]
	i := slices.IndexFunc(bucket, func(r *mappedRow) bool { return r.elemToken == row.elemToken })
	if i < 0 {
		return nil
	}

	removed := bucket[i]
	bucket = slices.Delete(bucket, i, i+1)
	if len(bucket) == 0 {
		delete(m.rows, token)
		m.index.Delete(keyItem{token: token})
		return &source.KeyedChange{Kind: source.Remove, Key: removed.key, Old: removed.value}
	}

	m.rows[token] = bucket
	if i == 0 {
		return &source.KeyedChange{Kind: source.Replace, Key: removed.key, Old: removed.value, New: bucket[0].value}
	}
	return nil
}

func (m *Mapped) handleChange(c active.Change) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}

	var outChanges []source.KeyedChange
	collect := func(oc *source.KeyedChange) {
		if oc != nil {
			outChanges = append(outChanges, *oc)
		}
	}

	switch c.Kind {
	case source.Add:
		for _, p := range c.New {
			collect(m.addLocked(p))
		}
	case source.Remove:
		for _, p := range c.Old {
			collect(m.removeLocked(p))
		}
	case source.Replace:
		for _, p := range c.Old {
			collect(m.removeLocked(p))
		}
		for _, p := range c.New {
			collect(m.addLocked(p))
		}
	case source.Move:
		// First arrival keeps winning; source order is not tracked.
	case source.Reset:
		m.rebuild()
		outChanges = append(outChanges, source.KeyedChange{Kind: source.Reset})
	}

	m.mu.Unlock()

	for _, oc := range outChanges {
		m.emit(oc)
	}
}

// handleValueChange re-projects every occurrence of the element whose
// pair changed.
func (m *Mapped) handleValueChange(c active.ValueChange) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}

	var outChanges []source.KeyedChange
	collect := func(oc *source.KeyedChange) {
		if oc != nil {
			outChanges = append(outChanges, *oc)
		}
	}

	for i := 0; i < c.Count; i++ {
		collect(m.removeLocked(active.Pair{Element: c.Element, Result: c.OldResult}))
	}
	for i := 0; i < c.Count; i++ {
		collect(m.addLocked(active.Pair{Element: c.Element, Result: c.NewResult, Fault: c.Fault}))
	}

	m.mu.Unlock()

	for _, oc := range outChanges {
		m.emit(oc)
	}
}

func (m *Mapped) emit(c source.KeyedChange) {
	for _, h := range handlers(&m.mu, m.changeH) {
		h(c)
	}
}
