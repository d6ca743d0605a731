package plan

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCyclicDependency   = errors.New("cyclic dependency")
	ErrDanglingDependency = errors.New("dangling dependency")
	ErrStepNotFound       = errors.New("step not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

// CyclicDependencyError aborts a layering computation. Cycle lists the step
// ids along the loop, starting and ending with the same id.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

// DanglingDependencyError is a warning: StepID names a dependency that is not
// in the plan. Layering treats it as contributing no depth.
type DanglingDependencyError struct {
	StepID       string
	DependencyID string
}

func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("step %s depends on unknown step %s", e.StepID, e.DependencyID)
}

func (e *DanglingDependencyError) Unwrap() error { return ErrDanglingDependency }

// StepNotFoundError is returned by lookups given an unknown id. The plan is
// left untouched.
type StepNotFoundError struct {
	StepID string
}

func (e *StepNotFoundError) Error() string {
	return fmt.Sprintf("step %s not found", e.StepID)
}

func (e *StepNotFoundError) Unwrap() error { return ErrStepNotFound }

// InvalidTransitionError rejects a status change outside the step lifecycle.
type InvalidTransitionError struct {
	StepID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("step %s: cannot move from %s to %s", e.StepID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// MalformedReferenceError describes a template token that failed to parse.
// The resolver and rewriter never return it: malformed tokens are kept as
// literal text. It exists so hosts that lint plans can report the condition.
type MalformedReferenceError struct {
	StepID string
	Token  string
}

func (e *MalformedReferenceError) Error() string {
	return fmt.Sprintf("step %s: malformed reference %q", e.StepID, e.Token)
}
