package expression

import (
	"github.com/go-logr/logr"
)

// Evaluator produces computed units for computation descriptions. The
// view-maintenance engine treats evaluators as opaque: dependency
// detection, re-evaluation scheduling and the meaning of a description
// are entirely the evaluator's business.
type Evaluator interface {
	Create(desc Description, opts Options, args ...any) (*Unit, error)
}

// FuncEvaluator is the reference evaluator: it accepts any Description
// implementing Computation and evaluates it eagerly. It performs no
// dependency tracking of its own; re-evaluation is driven explicitly
// through Unit.Refresh, typically by a source announcing an in-place
// element mutation.
type FuncEvaluator struct {
	log logr.Logger
}

var _ Evaluator = &FuncEvaluator{}

// NewFuncEvaluator creates the reference evaluator.
func NewFuncEvaluator(logger logr.Logger) *FuncEvaluator {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &FuncEvaluator{log: logger.WithName("evaluator")}
}

// Create evaluates desc over args and returns the live unit. The
// initial evaluation happens inline; a failure there is captured as the
// unit's fault, not returned as an error.
func (e *FuncEvaluator) Create(desc Description, opts Options, args ...any) (*Unit, error) {
	comp, ok := desc.(Computation)
	if !ok {
		return nil, NewNotComputableError(desc)
	}

	if opts.Logger.GetSink() == nil {
		opts.Logger = e.log
	}

	e.log.V(8).Info("creating unit", "computation", desc.String(), "args", len(args))

	return newUnit(desc, comp.Compute, opts, args), nil
}
