// Package source defines the observable-source contract consumed by
// the view-maintenance engine: read access to a sequence or a key-value
// mapping, plus optional capability interfaces for structural change
// and in-place element mutation notifications. The capability split is
// deliberate: the engine queries capabilities exactly once at
// construction instead of scattering type checks, and degrades
// gracefully when a capability is absent.
//
// The package also ships mutable, change-notifying reference
// implementations (Slice, Map) and a channel-based watch adapter.
package source

import (
	"fmt"
)

// Kind enumerates the structural change shapes a source can report.
type Kind int

const (
	// Add inserts NewItems at NewIndex.
	Add Kind = iota
	// Remove deletes OldItems found at OldIndex.
	Remove
	// Replace substitutes NewItems for OldItems at the same position,
	// as one atomic step.
	Replace
	// Move relocates NewItems from OldIndex to NewIndex without
	// creating or destroying anything.
	Move
	// Reset means "discard and fully re-enumerate": the change carries
	// no items.
	Reset
)

func (k Kind) String() string {
	switch k {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case Replace:
		return "replace"
	case Move:
		return "move"
	case Reset:
		return "reset"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Change describes one structural mutation of a sequence. Index fields
// are -1 when not applicable for the kind.
type Change struct {
	Kind     Kind
	OldItems []any
	NewItems []any
	OldIndex int
	NewIndex int
}

func (c Change) String() string {
	return fmt.Sprintf("%s(old=%v@%d, new=%v@%d)", c.Kind, c.OldItems, c.OldIndex,
		c.NewItems, c.NewIndex)
}

// ResetChange is the canonical reset record.
func ResetChange() Change {
	return Change{Kind: Reset, OldIndex: -1, NewIndex: -1}
}

// KeyedChange describes one structural mutation of a key-value mapping.
// For Reset, Key, Old and New are nil.
type KeyedChange struct {
	Kind Kind
	Key  any
	Old  any
	New  any
}

func (c KeyedChange) String() string {
	return fmt.Sprintf("%s(key=%v, old=%v, new=%v)", c.Kind, c.Key, c.Old, c.New)
}
