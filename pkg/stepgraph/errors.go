package stepgraph

import (
	"errors"
	"fmt"
)

// ConstructionError represents an error while building the graph: a cycle,
// an edge change after finalize, or a request the step cannot satisfy.
type ConstructionError struct {
	// StepID is the step being built or wired (-1 if unknown)
	StepID StepID

	// StepName is the name of the step (if available)
	StepName string

	// Cause is the underlying error
	Cause error

	// Message provides additional context
	Message string
}

func (e *ConstructionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("construction error for %s[%d]: %s: %v", e.StepName, e.StepID, e.Message, e.Cause)
	}
	return fmt.Sprintf("construction error for %s[%d]: %s", e.StepName, e.StepID, e.Message)
}

func (e *ConstructionError) Unwrap() error {
	return e.Cause
}

// CompileError represents a failure of the compile pipeline.
type CompileError struct {
	// Phase is one of "deduplicate", "optimize" or "finalize"
	Phase string

	StepID   StepID
	StepName string
	Cause    error
	Message  string
}

func (e *CompileError) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("compile %s: %s (%s[%d]): %v", e.Phase, e.Message, e.StepName, e.StepID, e.Cause)
	}
	return fmt.Sprintf("compile %s: %s: %v", e.Phase, e.Message, e.Cause)
}

func (e *CompileError) Unwrap() error {
	return e.Cause
}

// ExecutionError represents a fatal error that occurred during a batch pass.
type ExecutionError struct {
	// PassID is the unique identifier for this batch pass
	PassID string

	// StepID is the step that failed
	StepID StepID

	// StepName is the name of the step that failed (if available)
	StepName string

	// Cause is the underlying error
	Cause error

	// Message provides additional context
	Message string
}

func (e *ExecutionError) Error() string {
	stepID := e.StepName
	if stepID == "" {
		stepID = fmt.Sprintf("step %d", e.StepID)
	}

	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (%s): %v", e.PassID, e.Message, stepID, e.Cause)
	}
	return fmt.Sprintf("[%s] %s (%s)", e.PassID, e.Message, stepID)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// StepPanicError represents a panic that occurred within a step execution.
type StepPanicError struct {
	*ExecutionError
	PanicValue any
	Stack      []byte
}

func (e *StepPanicError) Error() string {
	return fmt.Sprintf("panic in step %s: %v", e.StepName, e.PanicValue)
}

func (e *StepPanicError) Unwrap() error {
	return e.ExecutionError
}

// DependencyError represents a step that could not run because one of its
// strong dependencies failed fatally.
type DependencyError struct {
	*ExecutionError
	Dependency StepID
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency failed for step %s: required step %d: %v", e.StepName, e.Dependency, e.Cause)
}

func (e *DependencyError) Unwrap() error {
	return e.ExecutionError
}

// AbortError signals that the whole batch pass should stop immediately.
// When a step returns an AbortError every root of the pass fails, including
// roots that do not depend on the step.
type AbortError struct {
	Cause   error
	Message string
}

func (e *AbortError) Error() string {
	if e.Message != "" {
		if e.Cause != nil {
			return fmt.Sprintf("abort: %s: %v", e.Message, e.Cause)
		}
		return fmt.Sprintf("abort: %s", e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("abort: %v", e.Cause)
	}
	return "abort: batch pass stopped"
}

func (e *AbortError) Unwrap() error {
	return e.Cause
}

// NewAbortError creates an AbortError that stops the batch pass.
func NewAbortError(cause error) *AbortError {
	return &AbortError{Cause: cause}
}

// NewAbortErrorWithMessage creates an AbortError with additional context.
func NewAbortErrorWithMessage(message string, cause error) *AbortError {
	return &AbortError{Message: message, Cause: cause}
}

// Common sentinel errors
var (
	// ErrPlanFinalized is returned when the graph is modified after Compile
	ErrPlanFinalized = errors.New("plan is finalized")

	// ErrNotCompiled is returned when Execute is called before Compile
	ErrNotCompiled = errors.New("plan must be compiled before execution")

	// ErrNotRegistered is returned when an unregistered step is wired
	ErrNotRegistered = errors.New("step is not registered")

	// ErrForeignStep is returned when wiring steps that belong to different plans
	ErrForeignStep = errors.New("step belongs to another plan")

	// ErrCycleDetected is returned when a strong edge would close a cycle
	ErrCycleDetected = errors.New("cycle detected in dependency graph")

	// ErrOptimizeDivergence is returned when optimization doesn't settle
	ErrOptimizeDivergence = errors.New("optimizer did not reach a fixpoint")

	// ErrMissingInput is returned when a batch lacks a required input
	ErrMissingInput = errors.New("missing batch input")

	// ErrNoRoots is returned when a pass has nothing to evaluate
	ErrNoRoots = errors.New("no root steps to execute")
)
