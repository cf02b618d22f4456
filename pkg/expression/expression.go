// Package expression defines the computation-evaluator contract the
// view-maintenance engine consumes: descriptions of per-element
// computations, live computed units exposing a value and a fault, and a
// process-wide reference-counted unit cache that shares structurally
// identical computations. The engine never decides by itself when a
// unit's result must change; it only creates units through an
// Evaluator, observes their change notifications, and disposes them.
package expression

import (
	"fmt"

	"github.com/go-logr/logr"
)

// Description identifies a computation. Two descriptions with equal
// cache keys are structurally equal: applied to equal arguments under
// equal options they may share one computed unit.
type Description interface {
	// CacheKey returns the structural identity of the computation.
	CacheKey() string
	String() string
}

// Computation is a Description that can compute its own result. The
// reference evaluator shipped with this package only accepts
// Computations; evaluators wrapping an external dependency-tracking
// engine may accept other Description implementations.
type Computation interface {
	Description
	Compute(args ...any) (any, error)
}

// Func is the shape of a plain computation body.
type Func func(args ...any) (any, error)

// FuncDescription is a named, function-backed computation. The name
// carries the structural identity: two FuncDescriptions with the same
// name are treated as the same computation, so names must be chosen
// uniquely per distinct body.
type FuncDescription struct {
	name string
	fn   Func
}

var _ Computation = &FuncDescription{}

// NewFunc wraps fn as a named computation.
func NewFunc(name string, fn Func) *FuncDescription {
	return &FuncDescription{name: name, fn: fn}
}

func (d *FuncDescription) CacheKey() string { return "func:" + d.name }

func (d *FuncDescription) String() string { return d.name }

func (d *FuncDescription) Compute(args ...any) (any, error) { return d.fn(args...) }

// Options configures unit creation. Options participate in sharing:
// units created under options with different keys never share.
type Options struct {
	// Logger is handed down to created units. Does not affect sharing.
	Logger logr.Logger
	// Tag distinguishes otherwise-identical computations so they do
	// not share units.
	Tag string
}

// Key returns the part of the options that participates in structural
// equality.
func (o Options) Key() string { return o.Tag }

// Key returns the sharing key of the unit that Acquire would produce
// for (desc, opts, args), without creating anything.
func Key(desc Description, opts Options, args ...any) string {
	return unitKey(desc, opts, args)
}

// unitKey combines description, options and argument identities into
// the sharing key of a computed unit.
func unitKey(desc Description, opts Options, args []any) string {
	key := desc.CacheKey() + "|" + opts.Key()
	for _, arg := range args {
		key += "|" + Token(arg)
	}
	return key
}

// NewNotComputableError reports a description the evaluator cannot run.
func NewNotComputableError(desc Description) error {
	return fmt.Errorf("description %q does not implement Computation", desc.String())
}
