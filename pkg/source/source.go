package source

// Sequence is the minimal read surface of an ordered source. A source
// implementing only Sequence offers no notifications and is treated as
// immutable after the initial enumeration.
type Sequence interface {
	Len() int
	// At returns the element at index i. Panics when i is out of
	// range, like a slice access.
	At(i int) any
}

// NotifyingSequence is a sequence that also announces its structural
// changes. OnChange registers a handler and returns its deregistration
// func. Handlers run synchronously, in mutation order, after the
// sequence already reflects the change; they must not mutate the
// sequence they observe.
type NotifyingSequence interface {
	Sequence
	OnChange(func(Change)) func()
}

// ElementNotifier announces in-place element mutations: the element at
// an index changed internally without any structural change. Sources
// holding pointer-shaped elements offer this so derived computations
// can re-evaluate.
type ElementNotifier interface {
	OnElementChanged(func(index int, element any)) func()
}

// Mapping is the minimal read surface of a key-value source. Keys must
// be comparable.
type Mapping interface {
	Len() int
	Get(key any) (any, bool)
	Keys() []any
}

// NotifyingMapping is a mapping that also announces its structural
// changes, under the same handler discipline as NotifyingSequence.
type NotifyingMapping interface {
	Mapping
	OnChange(func(KeyedChange)) func()
}

// EntryNotifier announces in-place mutations of a mapping's values.
type EntryNotifier interface {
	OnEntryChanged(func(key, value any)) func()
}
