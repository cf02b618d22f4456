package view

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/epiforge/activeview/pkg/active"
	"github.com/epiforge/activeview/pkg/expression"
	"github.com/epiforge/activeview/pkg/source"
)

// Group is one bucket of a grouped view: the shared key result and the
// live member sequence. Members arrive and leave as the source mutates;
// the Group itself is removed from the view when its last member goes.
type Group struct {
	key     any
	token   string
	members *source.Slice
}

// Key returns the key result shared by the members.
func (g *Group) Key() any { return g.key }

// Len returns the number of members.
func (g *Group) Len() int { return g.members.Len() }

// At returns the member at index i.
func (g *Group) At(i int) any { return g.members.At(i) }

// Items returns a snapshot of the members.
func (g *Group) Items() []any { return g.members.Items() }

// OnChange registers an observer of the member sequence.
func (g *Group) OnChange(handler func(source.Change)) func() {
	return g.members.OnChange(handler)
}

func (g *Group) dispose() {
	g.members.Reset()
}

// Grouped is the live partition of a source by a key selector. The view
// is a sequence of groups in first-appearance order; each group is
// itself a notifying sequence of its members. Elements whose key
// computation faults belong to no group until the fault clears.
type Grouped struct {
	mu       sync.RWMutex
	e        *active.SequenceExpression
	groups   []*Group
	byToken  map[string]*Group
	changeH  map[int64]func(source.Change)
	counter  int64
	removeC  func()
	removeV  func()
	release  func()
	disposed bool
	log      logr.Logger
}

// NewGrouped creates a grouped view of src partitioned by selector.
func NewGrouped(src source.Sequence, selector expression.Description, opts Options) (*Grouped, error) {
	e, err := opts.engines().Sequence(src, selector, opts.Expr)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire engine: %w", err)
	}

	g := &Grouped{
		e:       e,
		byToken: make(map[string]*Group),
		changeH: make(map[int64]func(source.Change)),
		log:     opts.logger().WithName("view").WithValues("kind", "grouped", "selector", selector.String()),
	}

	e.Context().Invoke(func() {
		g.rebuild()
		g.removeC = e.OnChange(g.handleChange)
		g.removeV = e.OnValueChange(g.handleValueChange)
	})

	g.log.V(1).Info("created", "groups", g.Len())

	return g, nil
}

// Len returns the number of groups.
func (g *Grouped) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.groups)
}

// At returns the group at index i.
func (g *Grouped) At(i int) any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.groups[i]
}

// Groups returns a snapshot of the groups in first-appearance order.
func (g *Grouped) Groups() []*Group {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Group, len(g.groups))
	copy(out, g.groups)
	return out
}

// Get returns the group holding the given key result.
func (g *Grouped) Get(key any) (*Group, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	grp, ok := g.byToken[expression.Token(key)]
	return grp, ok
}

// OnChange registers an observer of the group sequence.
func (g *Grouped) OnChange(handler func(source.Change)) func() {
	return register(&g.mu, &g.counter, g.changeH, handler)
}

// Dispose releases the caller's reference; see Filtered.Dispose.
func (g *Grouped) Dispose() {
	g.mu.RLock()
	release := g.release
	g.mu.RUnlock()

	if release != nil {
		release()
		return
	}
	g.teardown()
}

func (g *Grouped) teardown() {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	g.disposed = true
	for _, grp := range g.groups {
		grp.dispose()
	}
	g.groups = nil
	g.byToken = make(map[string]*Group)
	removeC, removeV := g.removeC, g.removeV
	g.mu.Unlock()

	removeC()
	removeV()
	g.e.Dispose()
}

func (g *Grouped) rebuild() {
	for _, grp := range g.groups {
		grp.dispose()
	}
	g.groups = nil
	g.byToken = make(map[string]*Group)
	for _, p := range g.e.GetResults() {
		g.addLocked(p)
	}
}

// addLocked places one element occurrence, creating its group on first
// appearance. Returns the group change to emit, if any.
func (g *Grouped) addLocked(p active.Pair) *source.Change {
	if p.Fault != nil {
		return nil
	}

	token := expression.Token(p.Result)
	grp, ok := g.byToken[token]
	if !ok {
		grp = &Group{key: p.Result, token: token, members: source.NewSlice()}
		g.byToken[token] = grp
		g.groups = append(g.groups, grp)
		grp.members.Append(p.Element)
		return &source.Change{Kind: source.Add, NewItems: []any{grp}, OldIndex: -1, NewIndex: len(g.groups) - 1}
	}
	grp.members.Append(p.Element)
	return nil
}

// removeLocked drops one element occurrence, removing its group when it
// empties. Returns the group change to emit, if any.
func (g *Grouped) removeLocked(p active.Pair) *source.Change {
	if p.Fault != nil {
		return nil
	}
	return g.removeOccurrenceLocked(expression.Token(p.Result), p.Element)
}

func (g *Grouped) removeOccurrenceLocked(keyToken string, element any) *source.Change {
	grp, ok := g.byToken[keyToken]
	if !ok {
		return nil
	}

	elemToken := expression.Token(element)
	items := grp.members.Items()
	for i, item := range items {
		if expression.Token(item) == elemToken {
			grp.members.RemoveAt(i, 1)
			break
		}
	}

	if grp.members.Len() > 0 {
		return nil
	}

	delete(g.byToken, keyToken)
	for i, cand := range g.groups {
		if cand == grp {
			g.groups = append(g.groups[:i], g.groups[i+1:]...)
			return &source.Change{Kind: source.Remove, OldItems: []any{grp}, OldIndex: i, NewIndex: -1}
		}
	}
	return nil
}

func (g *Grouped) handleChange(c active.Change) {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}

	var outChanges []source.Change
	collect := func(oc *source.Change) {
		if oc != nil {
			outChanges = append(outChanges, *oc)
		}
	}

	switch c.Kind {
	case source.Add:
		for _, p := range c.New {
			collect(g.addLocked(p))
		}
	case source.Remove:
		for _, p := range c.Old {
			collect(g.removeLocked(p))
		}
	case source.Replace:
		for _, p := range c.Old {
			collect(g.removeLocked(p))
		}
		for _, p := range c.New {
			collect(g.addLocked(p))
		}
	case source.Move:
		// Group membership and first-appearance order are unaffected.
	case source.Reset:
		g.rebuild()
		outChanges = append(outChanges, source.ResetChange())
	}

	g.mu.Unlock()

	for _, oc := range outChanges {
		g.emit(oc)
	}
}

// handleValueChange relocates every occurrence of the element between
// its old and new group.
func (g *Grouped) handleValueChange(c active.ValueChange) {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}

	var outChanges []source.Change
	collect := func(oc *source.Change) {
		if oc != nil {
			outChanges = append(outChanges, *oc)
		}
	}

	for i := 0; i < c.Count; i++ {
		collect(g.removeOccurrenceLocked(expression.Token(c.OldResult), c.Element))
	}
	if c.Fault == nil {
		for i := 0; i < c.Count; i++ {
			collect(g.addLocked(active.Pair{Element: c.Element, Result: c.NewResult}))
		}
	}

	g.mu.Unlock()

	for _, oc := range outChanges {
		g.emit(oc)
	}
}

func (g *Grouped) emit(c source.Change) {
	for _, h := range handlers(&g.mu, g.changeH) {
		h(c)
	}
}
