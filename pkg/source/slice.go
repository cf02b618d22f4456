package source

import (
	"fmt"
	"slices"
	"sync"
)

// Slice is a mutable, change-notifying sequence backed by a plain
// slice. Mutation and enumeration are guarded by one mutex; each
// mutation draws a delivery ticket before that mutex is released and
// handlers run in ticket order with the mutex free, so notifications
// arrive in exact mutation order, handlers may re-read the slice, and
// a mutator never waits for delivery while holding the state lock.
// Handlers must not mutate the sequence they observe. Out-of-range
// arguments panic, matching slice access semantics: they are
// programmer errors, not recoverable conditions.
type Slice struct {
	mu              sync.Mutex
	line            *notifyQueue
	items           []any
	changeHandlers  map[int64]func(Change)
	elementHandlers map[int64]func(int, any)
	counter         int64
}

var (
	_ NotifyingSequence = &Slice{}
	_ ElementNotifier   = &Slice{}
)

// NewSlice creates a slice source holding the given items.
func NewSlice(items ...any) *Slice {
	return &Slice{
		line:            newNotifyQueue(),
		items:           slices.Clone(items),
		changeHandlers:  make(map[int64]func(Change)),
		elementHandlers: make(map[int64]func(int, any)),
	}
}

// Len returns the element count.
func (s *Slice) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// At returns the element at index i.
func (s *Slice) At(i int) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[i]
}

// Items returns a snapshot copy of the elements.
func (s *Slice) Items() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

// Insert places items at index i, shifting later elements right.
func (s *Slice) Insert(i int, items ...any) {
	if len(items) == 0 {
		return
	}

	s.mu.Lock()
	if i < 0 || i > len(s.items) {
		s.mu.Unlock()
		panic(fmt.Sprintf("source.Slice: insert index %d out of range [0:%d]", i, len(s.items)))
	}

	s.items = slices.Insert(s.items, i, items...)
	s.notify(Change{Kind: Add, NewItems: slices.Clone(items), OldIndex: -1, NewIndex: i})
}

// Append adds items at the end.
func (s *Slice) Append(items ...any) {
	if len(items) == 0 {
		return
	}

	s.mu.Lock()
	i := len(s.items)
	s.items = append(s.items, items...)
	s.notify(Change{Kind: Add, NewItems: slices.Clone(items), OldIndex: -1, NewIndex: i})
}

// RemoveAt deletes n elements starting at index i.
func (s *Slice) RemoveAt(i, n int) {
	if n == 0 {
		return
	}

	s.mu.Lock()
	if i < 0 || n < 0 || i+n > len(s.items) {
		s.mu.Unlock()
		panic(fmt.Sprintf("source.Slice: remove range [%d:%d] out of range [0:%d]", i, i+n, len(s.items)))
	}

	removed := slices.Clone(s.items[i : i+n])
	s.items = slices.Delete(s.items, i, i+n)
	s.notify(Change{Kind: Remove, OldItems: removed, OldIndex: i, NewIndex: -1})
}

// Set replaces the element at index i.
func (s *Slice) Set(i int, item any) {
	s.mu.Lock()
	if i < 0 || i >= len(s.items) {
		s.mu.Unlock()
		panic(fmt.Sprintf("source.Slice: set index %d out of range [0:%d]", i, len(s.items)))
	}

	old := s.items[i]
	s.items[i] = item
	s.notify(Change{Kind: Replace, OldItems: []any{old}, NewItems: []any{item}, OldIndex: i, NewIndex: i})
}

// Move relocates n elements from index from to index to, where to is
// the position of the block in the resulting sequence.
func (s *Slice) Move(from, to, n int) {
	if n == 0 || from == to {
		return
	}

	s.mu.Lock()
	if from < 0 || n < 0 || from+n > len(s.items) || to < 0 || to+n > len(s.items) {
		s.mu.Unlock()
		panic(fmt.Sprintf("source.Slice: move [%d:%d]->%d out of range [0:%d]", from, from+n, to, len(s.items)))
	}

	block := slices.Clone(s.items[from : from+n])
	rest := slices.Delete(slices.Clone(s.items), from, from+n)
	s.items = slices.Insert(rest, to, block...)
	s.notify(Change{Kind: Move, NewItems: block, OldIndex: from, NewIndex: to})
}

// Reset replaces the whole content, announcing a single reset-shaped
// change.
func (s *Slice) Reset(items ...any) {
	s.mu.Lock()
	s.items = slices.Clone(items)
	s.notify(ResetChange())
}

// Touch announces that the element at index i was mutated in place.
// This produces no structural change, only the element's own
// value-change signal.
func (s *Slice) Touch(i int) {
	s.mu.Lock()
	if i < 0 || i >= len(s.items) {
		s.mu.Unlock()
		panic(fmt.Sprintf("source.Slice: touch index %d out of range [0:%d]", i, len(s.items)))
	}

	item := s.items[i]
	handlers := make([]func(int, any), 0, len(s.elementHandlers))
	for _, id := range sortedKeys(s.elementHandlers) {
		handlers = append(handlers, s.elementHandlers[id])
	}

	ticket := s.line.draw()
	s.mu.Unlock()

	s.line.wait(ticket)
	defer s.line.done()

	for _, h := range handlers {
		h(i, item)
	}
}

// OnChange registers a structural change handler.
func (s *Slice) OnChange(handler func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id := s.counter
	s.changeHandlers[id] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.changeHandlers, id)
	}
}

// OnElementChanged registers an in-place mutation handler.
func (s *Slice) OnElementChanged(handler func(int, any)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id := s.counter
	s.elementHandlers[id] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.elementHandlers, id)
	}
}

// notify is called with mu held. It snapshots the handler list, draws
// a delivery ticket before releasing mu (so notifications are
// delivered in mutation order), and invokes handlers with the state
// lock free once its turn comes up.
func (s *Slice) notify(c Change) {
	handlers := make([]func(Change), 0, len(s.changeHandlers))
	for _, id := range sortedKeys(s.changeHandlers) {
		handlers = append(handlers, s.changeHandlers[id])
	}

	ticket := s.line.draw()
	s.mu.Unlock()

	s.line.wait(ticket)
	defer s.line.done()

	for _, h := range handlers {
		h(c)
	}
}
