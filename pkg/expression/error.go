package expression

import (
	"fmt"
)

// EvalError is the fault captured on a computed unit when its
// computation fails. Faults are data: they travel through fault-changed
// notifications and fault snapshots, never through panics across the
// public boundary.
type EvalError struct {
	Desc  string
	Cause error
}

// Error implements the error interface.
func (e *EvalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to evaluate %s: %v", e.Desc, e.Cause)
	}
	return fmt.Sprintf("failed to evaluate %s", e.Desc)
}

func (e *EvalError) Unwrap() error { return e.Cause }

// NewEvalError wraps a computation error as a fault.
func NewEvalError(desc Description, cause error) error {
	return &EvalError{Desc: desc.String(), Cause: cause}
}

// NewPanicError captures a panic raised during evaluation as a fault.
func NewPanicError(desc Description, recovered any) error {
	return &EvalError{Desc: desc.String(), Cause: fmt.Errorf("panic during evaluation: %v", recovered)}
}
