package view

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/btree"

	"github.com/epiforge/activeview/pkg/active"
	"github.com/epiforge/activeview/pkg/expression"
	"github.com/epiforge/activeview/pkg/source"
)

// Direction orders a sort key ascending or descending.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// SortKey is one component of a compound ordering: a computation
// yielding the key and the direction it sorts in. Nil keys sort first
// ascending and last descending.
type SortKey struct {
	Key       expression.Computation
	Direction Direction
}

// Comparator orders elements by a compound key tuple; the first
// non-equal component decides.
type Comparator struct {
	keys []SortKey
}

// NewComparator creates a comparator over the given keys.
func NewComparator(keys ...SortKey) *Comparator {
	return &Comparator{keys: slices.Clone(keys)}
}

func (c *Comparator) compare(a, b []any) int {
	for i, k := range c.keys {
		r := compareValues(a[i], b[i])
		if k.Direction == Descending {
			r = -r
		}
		if r != 0 {
			return r
		}
	}
	return 0
}

// compareValues imposes a total order on key values: nil before
// anything, then numerics by magnitude, strings and bools naturally,
// and everything else by its printed form.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if c, ok := compareInts(av, bv); ok {
		return c
	}
	if an, aok := numeric(av); aok {
		if bn, bok := numeric(bv); bok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}
	if av.Kind() == reflect.String && bv.Kind() == reflect.String {
		return strings.Compare(av.String(), bv.String())
	}
	if av.Kind() == reflect.Bool && bv.Kind() == reflect.Bool {
		switch {
		case av.Bool() == bv.Bool():
			return 0
		case bv.Bool():
			return -1
		default:
			return 1
		}
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// compareInts orders two integer keys without a float64 round trip,
// which would collapse distinct values above 2^53.
func compareInts(av, bv reflect.Value) (int, bool) {
	ai, au := isSigned(av), isUnsigned(av)
	bi, bu := isSigned(bv), isUnsigned(bv)
	switch {
	case ai && bi:
		return cmp.Compare(av.Int(), bv.Int()), true
	case au && bu:
		return cmp.Compare(av.Uint(), bv.Uint()), true
	case ai && bu:
		if av.Int() < 0 {
			return -1, true
		}
		return cmp.Compare(uint64(av.Int()), bv.Uint()), true
	case au && bi:
		if bv.Int() < 0 {
			return 1, true
		}
		return cmp.Compare(av.Uint(), uint64(bv.Int())), true
	}
	return 0, false
}

func isSigned(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUnsigned(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func numeric(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	default:
		return 0, false
	}
}

// tupleDescription bundles the key computations into one computation
// yielding the full key tuple, so the engine maintains a single unit
// per element.
func tupleDescription(keys []SortKey) *expression.FuncDescription {
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		name := k.Key.String()
		if k.Direction == Descending {
			name += " desc"
		}
		names = append(names, name)
	}
	return expression.NewFunc("orderby("+strings.Join(names, ", ")+")", func(args ...any) (any, error) {
		tuple := make([]any, len(keys))
		for i, k := range keys {
			v, err := k.Key.Compute(args...)
			if err != nil {
				return nil, err
			}
			tuple[i] = v
		}
		return tuple, nil
	})
}

// Sort is the one-shot counterpart of the ordered view: it returns a
// stably sorted copy of items without maintaining anything.
func Sort(items []any, keys ...SortKey) ([]any, error) {
	cmp := NewComparator(keys...)
	tuples := make([][]any, len(items))
	for i, item := range items {
		tuple := make([]any, len(keys))
		for j, k := range keys {
			v, err := k.Key.Compute(item)
			if err != nil {
				return nil, fmt.Errorf("failed to compute sort key for %v: %w", item, err)
			}
			tuple[j] = v
		}
		tuples[i] = tuple
	}

	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return cmp.compare(tuples[idx[a]], tuples[idx[b]]) < 0
	})

	out := make([]any, len(items))
	for i, j := range idx {
		out[i] = items[j]
	}
	return out, nil
}

// IndexKind selects how the ordered view locates an element's entries
// when the source mutates.
type IndexKind int

const (
	// IndexNone scans the store linearly.
	IndexNone IndexKind = iota
	// IndexHash keeps a hash index from element identity to entries.
	IndexHash
	// IndexTree keeps an identity-ordered balanced-tree index.
	IndexTree
)

// orderedEntry is one element occurrence of the ordered store. seq is
// the arrival order, the final tie-break, which makes the order stable.
type orderedEntry struct {
	element any
	token   string
	keys    []any
	faulted bool
	seq     int64
}

// tokenSeq is an entry reference in the identity-ordered tree index.
type tokenSeq struct {
	token string
	seq   int64
}

func lessTokenSeq(a, b tokenSeq) bool {
	if a.token != b.token {
		return a.token < b.token
	}
	return a.seq < b.seq
}

// Ordered is the live sorted rendition of a source under a compound
// key. Elements whose key computation faults sort after all healthy
// elements. Source moves do not affect the view; a key re-evaluation
// relocates every occurrence of the element.
type Ordered struct {
	mu       sync.RWMutex
	e        *active.SequenceExpression
	cmp      *Comparator
	kind     IndexKind
	entries  []*orderedEntry
	bySeq    map[int64]*orderedEntry
	hash     map[string][]int64
	tree     *btree.BTreeG[tokenSeq]
	nextSeq  int64
	changeH  map[int64]func(source.Change)
	counter  int64
	removeC  func()
	removeV  func()
	release  func()
	disposed bool
	log      logr.Logger
}

// OrderedOptions configures an ordered view.
type OrderedOptions struct {
	Options
	// Index selects the element-location strategy; IndexNone is right
	// for small stores, IndexHash for large ones, IndexTree when the
	// index must also enumerate identities in order.
	Index IndexKind
}

// NewOrdered creates an ordered view of src under the given keys.
func NewOrdered(src source.Sequence, opts OrderedOptions, keys ...SortKey) (*Ordered, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no sort keys")
	}
	for _, k := range keys {
		if k.Key == nil {
			return nil, fmt.Errorf("nil sort key computation")
		}
	}

	e, err := opts.engines().Sequence(src, tupleDescription(keys), opts.Expr)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire engine: %w", err)
	}

	o := &Ordered{
		e:       e,
		cmp:     NewComparator(keys...),
		kind:    opts.Index,
		bySeq:   make(map[int64]*orderedEntry),
		changeH: make(map[int64]func(source.Change)),
		log:     opts.logger().WithName("view").WithValues("kind", "ordered"),
	}
	switch o.kind {
	case IndexHash:
		o.hash = make(map[string][]int64)
	case IndexTree:
		o.tree = btree.NewG(2, lessTokenSeq)
	}

	e.Context().Invoke(func() {
		o.rebuild()
		o.removeC = e.OnChange(o.handleChange)
		o.removeV = e.OnValueChange(o.handleValueChange)
	})

	o.log.V(1).Info("created", "len", o.Len())

	return o, nil
}

// Len returns the number of elements.
func (o *Ordered) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}

// At returns the element at sorted index i.
func (o *Ordered) At(i int) any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.entries[i].element
}

// Items returns a snapshot of the elements in sorted order.
func (o *Ordered) Items() []any {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]any, len(o.entries))
	for i, en := range o.entries {
		out[i] = en.element
	}
	return out
}

// OnChange registers an observer of the view's own changes.
func (o *Ordered) OnChange(handler func(source.Change)) func() {
	return register(&o.mu, &o.counter, o.changeH, handler)
}

// Dispose releases the caller's reference; see Filtered.Dispose.
func (o *Ordered) Dispose() {
	o.mu.RLock()
	release := o.release
	o.mu.RUnlock()

	if release != nil {
		release()
		return
	}
	o.teardown()
}

func (o *Ordered) teardown() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	removeC, removeV := o.removeC, o.removeV
	o.mu.Unlock()

	removeC()
	removeV()
	o.e.Dispose()
}

// less is the full store order, unique through the seq tie-break.
func (o *Ordered) less(a, b *orderedEntry) bool {
	if a.faulted != b.faulted {
		return !a.faulted
	}
	if !a.faulted {
		if r := o.cmp.compare(a.keys, b.keys); r != 0 {
			return r < 0
		}
	}
	return a.seq < b.seq
}

func (o *Ordered) rebuild() {
	o.entries = nil
	o.bySeq = make(map[int64]*orderedEntry)
	if o.hash != nil {
		o.hash = make(map[string][]int64)
	}
	if o.tree != nil {
		o.tree = btree.NewG(2, lessTokenSeq)
	}
	for _, p := range o.e.GetResults() {
		o.insert(p)
	}
}

func entryKeys(p active.Pair) ([]any, bool) {
	if p.Fault != nil {
		return nil, true
	}
	keys, ok := p.Result.([]any)
	if !ok {
		return nil, true
	}
	return keys, false
}

// insert places one occurrence at its sorted position and returns the
// position.
func (o *Ordered) insert(p active.Pair) int {
	keys, faulted := entryKeys(p)
	o.nextSeq++
	en := &orderedEntry{
		element: p.Element,
		token:   expression.Token(p.Element),
		keys:    keys,
		faulted: faulted,
		seq:     o.nextSeq,
	}
	return o.place(en)
}

func (o *Ordered) place(en *orderedEntry) int {
	i, _ := slices.BinarySearchFunc(o.entries, en, func(a, b *orderedEntry) int {
		if o.less(a, b) {
			return -1
		}
		if o.less(b, a) {
			return 1
		}
		return 0
	})
	o.entries = slices.Insert(o.entries, i, en)
	o.bySeq[en.seq] = en
	if o.hash != nil {
		o.hash[en.token] = append(o.hash[en.token], en.seq)
	}
	if o.tree != nil {
		o.tree.ReplaceOrInsert(tokenSeq{token: en.token, seq: en.seq})
	}
	return i
}

// locate finds one occurrence of element, using the configured index.
func (o *Ordered) locate(element any) *orderedEntry {
	token := expression.Token(element)

	switch {
	case o.hash != nil:
		seqs := o.hash[token]
		if len(seqs) == 0 {
			return nil
		}
		return o.bySeq[seqs[0]]
	case o.tree != nil:
		var found *orderedEntry
		o.tree.AscendGreaterOrEqual(tokenSeq{token: token}, func(ts tokenSeq) bool {
			if ts.token == token {
				found = o.bySeq[ts.seq]
			}
			return false
		})
		return found
	default:
		for _, en := range o.entries {
			if en.token == token {
				return en
			}
		}
		return nil
	}
}

// locateAll finds every occurrence of the identity token.
func (o *Ordered) locateAll(token string) []*orderedEntry {
	switch {
	case o.hash != nil:
		out := make([]*orderedEntry, 0, len(o.hash[token]))
		for _, seq := range o.hash[token] {
			out = append(out, o.bySeq[seq])
		}
		return out
	case o.tree != nil:
		var out []*orderedEntry
		o.tree.AscendGreaterOrEqual(tokenSeq{token: token}, func(ts tokenSeq) bool {
			if ts.token != token {
				return false
			}
			out = append(out, o.bySeq[ts.seq])
			return true
		})
		return out
	default:
		var out []*orderedEntry
		for _, en := range o.entries {
			if en.token == token {
				out = append(out, en)
			}
		}
		return out
	}
}

// unplace removes an entry from the store and indexes, returning its
// position.
func (o *Ordered) unplace(en *orderedEntry) int {
	i := o.indexOf(en)
	o.entries = slices.Delete(o.entries, i, i+1)
	delete(o.bySeq, en.seq)
	if o.hash != nil {
		seqs := o.hash[en.token]
		for j, seq := range seqs {
			if seq == en.seq {
				o.hash[en.token] = slices.Delete(seqs, j, j+1)
				break
			}
		}
		if len(o.hash[en.token]) == 0 {
			delete(o.hash, en.token)
		}
	}
	if o.tree != nil {
		o.tree.Delete(tokenSeq{token: en.token, seq: en.seq})
	}
	return i
}

func (o *Ordered) indexOf(en *orderedEntry) int {
	i, found := slices.BinarySearchFunc(o.entries, en, func(a, b *orderedEntry) int {
		if o.less(a, b) {
			return -1
		}
		if o.less(b, a) {
			return 1
		}
		return 0
	})
	if !found {
		// Key mutated under the entry; fall back to a scan.
		for j, cand := range o.entries {
			if cand == en {
				return j
			}
		}
	}
	return i
}

func (o *Ordered) handleChange(c active.Change) {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}

	var outChanges []source.Change

	switch c.Kind {
	case source.Add:
		for _, p := range c.New {
			i := o.insert(p)
			outChanges = append(outChanges, source.Change{Kind: source.Add, NewItems: []any{p.Element}, OldIndex: -1, NewIndex: i})
		}

	case source.Remove:
		for _, p := range c.Old {
			en := o.locate(p.Element)
			if en == nil {
				continue
			}
			i := o.unplace(en)
			outChanges = append(outChanges, source.Change{Kind: source.Remove, OldItems: []any{en.element}, OldIndex: i, NewIndex: -1})
		}

	case source.Replace:
		for _, p := range c.Old {
			en := o.locate(p.Element)
			if en == nil {
				continue
			}
			i := o.unplace(en)
			outChanges = append(outChanges, source.Change{Kind: source.Remove, OldItems: []any{en.element}, OldIndex: i, NewIndex: -1})
		}
		for _, p := range c.New {
			i := o.insert(p)
			outChanges = append(outChanges, source.Change{Kind: source.Add, NewItems: []any{p.Element}, OldIndex: -1, NewIndex: i})
		}

	case source.Move:
		// Source order does not participate in the sort; arrival order
		// breaks ties, and arrival is unchanged by a move.

	case source.Reset:
		o.rebuild()
		outChanges = append(outChanges, source.ResetChange())
	}

	o.mu.Unlock()

	for _, oc := range outChanges {
		o.emit(oc)
	}
}

// handleValueChange relocates every occurrence of the element whose key
// tuple changed.
func (o *Ordered) handleValueChange(c active.ValueChange) {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}

	keys, faulted := entryKeys(active.Pair{Element: c.Element, Result: c.NewResult, Fault: c.Fault})

	var outChanges []source.Change
	for _, en := range o.locateAll(expression.Token(c.Element)) {
		from := o.unplace(en)
		en.keys = keys
		en.faulted = faulted
		to := o.place(en)
		if to != from {
			outChanges = append(outChanges, source.Change{Kind: source.Move, NewItems: []any{en.element}, OldIndex: from, NewIndex: to})
		} else {
			outChanges = append(outChanges, source.Change{Kind: source.Replace, OldItems: []any{en.element}, NewItems: []any{en.element}, OldIndex: to, NewIndex: to})
		}
	}
	o.mu.Unlock()

	for _, oc := range outChanges {
		o.emit(oc)
	}
}

func (o *Ordered) emit(c source.Change) {
	for _, h := range handlers(&o.mu, o.changeH) {
		h(c)
	}
}
