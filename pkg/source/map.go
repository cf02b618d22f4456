package source

import (
	"fmt"
	"slices"
	"sync"
)

// Map is a mutable, change-notifying key-value mapping. Keys must be
// comparable; enumeration follows insertion order for deterministic
// snapshots. The same notification discipline as Slice applies:
// handlers run with the state lock free, serialized in mutation order,
// and must not mutate the map they observe.
type Map struct {
	mu            sync.Mutex
	line          *notifyQueue
	values        map[any]any
	order         []any
	changeHandler map[int64]func(KeyedChange)
	entryHandler  map[int64]func(any, any)
	counter       int64
}

var (
	_ NotifyingMapping = &Map{}
	_ EntryNotifier    = &Map{}
)

// Entry is one key-value pair of a mapping snapshot.
type Entry struct {
	Key   any
	Value any
}

// NewMap creates a map source holding the given entries.
func NewMap(entries ...Entry) *Map {
	m := &Map{
		line:          newNotifyQueue(),
		values:        make(map[any]any, len(entries)),
		changeHandler: make(map[int64]func(KeyedChange)),
		entryHandler:  make(map[int64]func(any, any)),
	}
	for _, e := range entries {
		if _, exists := m.values[e.Key]; exists {
			panic(fmt.Sprintf("source.Map: duplicate key %v", e.Key))
		}
		m.values[e.Key] = e.Value
		m.order = append(m.order, e.Key)
	}
	return m
}

// Len returns the entry count.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

// Get returns the value stored under key.
func (m *Map) Get(key any) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

// Entries returns a snapshot of all pairs in insertion order.
func (m *Map) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]Entry, 0, len(m.order))
	for _, k := range m.order {
		entries = append(entries, Entry{Key: k, Value: m.values[k]})
	}
	return entries
}

// Set stores value under key, announcing an Add for a new key and a
// Replace for an existing one.
func (m *Map) Set(key, value any) {
	m.mu.Lock()

	old, exists := m.values[key]
	m.values[key] = value
	if exists {
		m.notify(KeyedChange{Kind: Replace, Key: key, Old: old, New: value})
		return
	}

	m.order = append(m.order, key)
	m.notify(KeyedChange{Kind: Add, Key: key, New: value})
}

// Insert stores value under a key that must not exist yet. A duplicate
// key is a programmer error and panics.
func (m *Map) Insert(key, value any) {
	m.mu.Lock()

	if _, exists := m.values[key]; exists {
		m.mu.Unlock()
		panic(fmt.Sprintf("source.Map: duplicate key %v", key))
	}

	m.values[key] = value
	m.order = append(m.order, key)
	m.notify(KeyedChange{Kind: Add, Key: key, New: value})
}

// Delete removes the entry under key, reporting whether it existed.
func (m *Map) Delete(key any) bool {
	m.mu.Lock()

	old, exists := m.values[key]
	if !exists {
		m.mu.Unlock()
		return false
	}

	delete(m.values, key)
	if i := slices.Index(m.order, key); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
	m.notify(KeyedChange{Kind: Remove, Key: key, Old: old})

	return true
}

// Reset replaces the whole content, announcing a single reset-shaped
// change.
func (m *Map) Reset(entries ...Entry) {
	m.mu.Lock()

	m.values = make(map[any]any, len(entries))
	m.order = nil
	for _, e := range entries {
		if _, exists := m.values[e.Key]; exists {
			m.mu.Unlock()
			panic(fmt.Sprintf("source.Map: duplicate key %v", e.Key))
		}
		m.values[e.Key] = e.Value
		m.order = append(m.order, e.Key)
	}

	m.notify(KeyedChange{Kind: Reset})
}

// Touch announces that the value under key was mutated in place.
func (m *Map) Touch(key any) {
	m.mu.Lock()

	v, exists := m.values[key]
	if !exists {
		m.mu.Unlock()
		panic(fmt.Sprintf("source.Map: touch of unknown key %v", key))
	}

	handlers := make([]func(any, any), 0, len(m.entryHandler))
	for _, id := range sortedKeys(m.entryHandler) {
		handlers = append(handlers, m.entryHandler[id])
	}

	ticket := m.line.draw()
	m.mu.Unlock()

	m.line.wait(ticket)
	defer m.line.done()

	for _, h := range handlers {
		h(key, v)
	}
}

// OnChange registers a structural change handler.
func (m *Map) OnChange(handler func(KeyedChange)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter++
	id := m.counter
	m.changeHandler[id] = handler

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.changeHandler, id)
	}
}

// OnEntryChanged registers an in-place mutation handler.
func (m *Map) OnEntryChanged(handler func(any, any)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter++
	id := m.counter
	m.entryHandler[id] = handler

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.entryHandler, id)
	}
}

// notify is called with mu held; see Slice.notify for the handoff.
func (m *Map) notify(c KeyedChange) {
	handlers := make([]func(KeyedChange), 0, len(m.changeHandler))
	for _, id := range sortedKeys(m.changeHandler) {
		handlers = append(handlers, m.changeHandler[id])
	}

	ticket := m.line.draw()
	m.mu.Unlock()

	m.line.wait(ticket)
	defer m.line.done()

	for _, h := range handlers {
		h(c)
	}
}
