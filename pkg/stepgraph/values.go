package stepgraph

import (
	"errors"
	"fmt"
)

// Values holds a step's result for a batch pass: either one entry per index
// or a single value shared by every index.
type Values struct {
	entries []any
	value   any
	batch   bool
}

// BatchValues wraps a per-index result vector.
func BatchValues(entries []any) Values {
	return Values{entries: entries, batch: true}
}

// UnaryValues wraps a value shared by every index.
func UnaryValues(v any) Values {
	return Values{value: v}
}

// IsBatch reports whether v holds one entry per index.
func (v Values) IsBatch() bool { return v.batch }

// At returns the value for index i.
func (v Values) At(i int) any {
	if v.batch {
		return v.entries[i]
	}
	return v.value
}

// Value returns the shared value of a unary result.
func (v Values) Value() any { return v.value }

// Entries returns the per-index vector of a batch result, nil otherwise.
func (v Values) Entries() []any { return v.entries }

// Expand returns a per-index vector of length n.
func (v Values) Expand(n int) []any {
	if v.batch {
		return v.entries
	}
	out := make([]any, n)
	for i := range out {
		out[i] = v.value
	}
	return out
}

// ErrorValue marks a failed index. It flows through dependents in place of a
// value without aborting the other indices of the batch.
type ErrorValue struct {
	Err error
}

func (e *ErrorValue) Error() string {
	return e.Err.Error()
}

func (e *ErrorValue) Unwrap() error {
	return e.Err
}

// NewErrorValue wraps err as a per-index failure marker.
func NewErrorValue(err error) *ErrorValue {
	return &ErrorValue{Err: err}
}

// ErrorValuef formats a per-index failure marker.
func ErrorValuef(format string, args ...any) *ErrorValue {
	return &ErrorValue{Err: fmt.Errorf(format, args...)}
}

// AsErrorValue reports whether v is a per-index failure marker.
func AsErrorValue(v any) (*ErrorValue, bool) {
	ev, ok := v.(*ErrorValue)
	return ev, ok
}

// Batch is the input of one batch pass: Size rows, each index carrying its
// own entry of every per-index input.
type Batch struct {
	// ID identifies the pass; a UUID is generated when empty.
	ID string

	// Size is the number of indices in the pass.
	Size int

	// Inputs holds per-index values by input name. Every slice must have
	// length Size.
	Inputs map[string][]any

	// Shared holds index-invariant values by input name.
	Shared map[string]any
}

func (b *Batch) validate() error {
	if b == nil {
		return errors.New("batch cannot be nil")
	}
	if b.Size < 0 {
		return fmt.Errorf("batch size cannot be negative: %d", b.Size)
	}
	for name, values := range b.Inputs {
		if len(values) != b.Size {
			return fmt.Errorf("input %q has %d values for a batch of %d", name, len(values), b.Size)
		}
	}
	return nil
}

// ExecutionDetails is passed to Step.Execute. Values holds one entry per
// strong dependency, in AddDependency order, each aligned to Count indices.
type ExecutionDetails struct {
	Count  int
	Values []Values
	Extra  *ExecutionExtra
}

// IndexMap builds a per-index result by calling fn for every index.
func (d *ExecutionDetails) IndexMap(fn func(i int) any) Values {
	out := make([]any, d.Count)
	for i := range out {
		out[i] = fn(i)
	}
	return BatchValues(out)
}

// ExecutionExtra carries pass-scoped context shared by both execution paths.
type ExecutionExtra struct {
	PassID   string
	Step     StepID
	Batch    *Batch
	Observer Observer
}
