package expression

import (
	"reflect"
	"sync"

	"github.com/go-logr/logr"
)

// Change describes a value or fault transition on a computed unit.
type Change struct {
	Unit     *Unit
	OldValue any
	NewValue any
	OldFault error
	NewFault error
}

// Unit is a live computed value: one computation applied to one
// argument tuple. Value and fault are tracked independently: a fault
// does not erase the last good value. Units are shared by structural
// equality (same description, same arguments, same options) and
// disposed by whoever owns the last reference.
type Unit struct {
	mu       sync.Mutex
	desc     Description
	compute  Func
	args     []any
	opts     Options
	key      string
	value    any
	fault    error
	handlers map[int64]func(Change)
	counter  int64
	disposed bool
	log      logr.Logger
}

func newUnit(desc Description, compute Func, opts Options, args []any) *Unit {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	u := &Unit{
		desc:     desc,
		compute:  compute,
		args:     args,
		opts:     opts,
		key:      unitKey(desc, opts, args),
		handlers: make(map[int64]func(Change)),
		log:      logger.WithName("unit").WithValues("computation", desc.String()),
	}

	value, fault := u.run()
	u.value, u.fault = value, fault
	if fault != nil {
		u.log.V(5).Info("created faulted", "fault", fault.Error())
	}

	return u
}

// Value returns the last successfully computed result. Under fault this
// is the result of the last non-faulted evaluation, or the default
// partial result when the very first evaluation faulted.
func (u *Unit) Value() any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.value
}

// Fault returns the captured evaluation failure, nil when healthy.
func (u *Unit) Fault() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fault
}

// Key returns the sharing key of the unit.
func (u *Unit) Key() string { return u.key }

// Description returns the computation this unit evaluates.
func (u *Unit) Description() Description { return u.desc }

// Args returns the argument tuple. Callers must not mutate the slice.
func (u *Unit) Args() []any { return u.args }

// Equal reports structural equality: same computation, same arguments,
// same options.
func (u *Unit) Equal(other *Unit) bool {
	return other != nil && u.key == other.key
}

// OnChange registers a handler for value/fault transitions and returns
// its deregistration func. Handlers run synchronously on whichever
// goroutine triggered the transition, after the unit's state already
// reflects it.
func (u *Unit) OnChange(handler func(Change)) func() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.counter++
	id := u.counter
	u.handlers[id] = handler

	return func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		delete(u.handlers, id)
	}
}

// Refresh re-evaluates the computation and fires a change notification
// if the value or the fault transitioned. This is the hook a
// dependency-tracking evaluator calls when an input read during the
// previous evaluation has mutated. Refresh on a disposed unit is a
// no-op.
func (u *Unit) Refresh() {
	u.mu.Lock()
	if u.disposed {
		u.mu.Unlock()
		return
	}

	value, fault := u.run()

	oldValue, oldFault := u.value, u.fault
	if fault == nil {
		u.value = value
	}
	u.fault = fault

	changed := !faultEqual(oldFault, u.fault) || !reflect.DeepEqual(oldValue, u.value)
	if !changed {
		u.mu.Unlock()
		return
	}

	change := Change{
		Unit:     u,
		OldValue: oldValue,
		NewValue: u.value,
		OldFault: oldFault,
		NewFault: u.fault,
	}
	handlers := make([]func(Change), 0, len(u.handlers))
	for _, h := range u.handlers {
		handlers = append(handlers, h)
	}
	u.mu.Unlock()

	u.log.V(8).Info("transition", "old", oldValue, "new", change.NewValue,
		"faulted", change.NewFault != nil)

	for _, h := range handlers {
		h(change)
	}
}

// Dispose releases the unit: handlers are dropped and later Refresh
// calls become no-ops. Idempotent. Units obtained from a UnitCache must
// be released through the cache instead.
func (u *Unit) Dispose() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.disposed {
		return
	}
	u.disposed = true
	u.handlers = make(map[int64]func(Change))
	u.log.V(5).Info("disposed")
}

// Disposed reports whether the unit has been disposed.
func (u *Unit) Disposed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.disposed
}

func faultEqual(a, b error) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Error() == b.Error()
}

// run evaluates the computation, converting panics and errors into
// faults. Must be called with or without the lock held consistently by
// the caller; run itself touches no unit state.
func (u *Unit) run() (value any, fault error) {
	defer func() {
		if r := recover(); r != nil {
			value, fault = nil, NewPanicError(u.desc, r)
		}
	}()

	v, err := u.compute(u.args...)
	if err != nil {
		return nil, NewEvalError(u.desc, err)
	}
	return v, nil
}
