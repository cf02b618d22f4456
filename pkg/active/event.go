// Package active implements the range active expression engine: given
// an observable source and a per-element computation, it maintains one
// computed unit per element (or key), shares units across duplicate
// elements by reference count, and translates source-level structural
// changes into equivalent change records over (element, result) pairs.
// Derived views (package view) consume these records to produce their
// own public events.
package active

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/epiforge/activeview/pkg/source"
)

// Pair is one (element, result) slot of the engine's store.
type Pair struct {
	Element any
	Result  any
	Fault   error
}

func (p Pair) String() string {
	return fmt.Sprintf("(%v=>%v)", p.Element, p.Result)
}

// Change is a structural change record over (element, result) pairs.
// The stamp is monotonic per engine instance: records compare in
// emission order, which equals the order the structural operations were
// applied.
type Change struct {
	Kind     source.Kind
	Old      []Pair
	New      []Pair
	OldIndex int
	NewIndex int
	Stamp    ulid.ULID
}

// ValueChange is a scoped per-unit transition: the computed result (or
// fault) of one element changed without any structural change. Count is
// the number of occurrences of the element in the store; Indexes are
// the slots currently holding the shared unit, ascending.
type ValueChange struct {
	Element   any
	OldResult any
	NewResult any
	Fault     error
	Count     int
	Indexes   []int
	Stamp     ulid.ULID
}

// FaultChange describes a fault transition on one element. It is
// delivered twice per transition: on the fault-changing edge before the
// engine's fault bookkeeping is updated, and on the fault-changed edge
// after.
type FaultChange struct {
	Element any
	Old     error
	New     error
	Stamp   ulid.ULID
}

// ElementFault is one entry of a fault snapshot. Count is the number of
// store occurrences sharing the faulted unit.
type ElementFault struct {
	Element any
	Fault   error
	Count   int
}

// EntryChange is the keyed engine's structural change record.
type EntryChange struct {
	Kind  source.Kind
	Key   any
	Old   Pair
	New   Pair
	Stamp ulid.ULID
}

// EntryValueChange is the keyed engine's scoped per-unit transition.
// Keys lists every key whose value shares the transitioned unit.
type EntryValueChange struct {
	OldResult any
	NewResult any
	Fault     error
	Keys      []any
	Stamp     ulid.ULID
}

// KeyedPair is one (key, value, result) row of a keyed snapshot.
type KeyedPair struct {
	Key    any
	Value  any
	Result any
	Fault  error
}
