package stepgraph

import (
	"context"
	"reflect"
)

// ListStep assembles its dependencies into a []any per index.
type ListStep struct {
	StepBase
}

// List creates a step producing []any{items[0], items[1], ...} at each index.
func List(op *OperationPlan, items ...Step) (*ListStep, error) {
	s := &ListStep{}
	if err := op.Register(s, SyncAndSafe()); err != nil {
		return nil, err
	}
	for _, item := range items {
		if _, err := s.AddDependency(item); err != nil {
			return nil, err
		}
	}
	s.SetPeerKey("")
	return s, nil
}

func (s *ListStep) Kind() Kind { return KindList }

func (s *ListStep) Capabilities() Capability { return CapUnbatched | CapListHead }

// First returns the step producing the list's first element, or a nil
// constant when the list is empty.
func (s *ListStep) First() (Step, error) {
	if s.DepCount() == 0 {
		return Constant(s.Plan(), nil)
	}
	return s.Dep(0), nil
}

// Lists with identical dependencies are interchangeable.
func (s *ListStep) Deduplicate(peers []Step) []Step { return peers }

func (s *ListStep) Execute(ctx context.Context, d *ExecutionDetails) (Values, error) {
	return d.IndexMap(func(i int) any {
		out := make([]any, len(d.Values))
		for j, v := range d.Values {
			out[j] = v.At(i)
		}
		return out
	}), nil
}

func (s *ListStep) UnbatchedExecute(extra *ExecutionExtra, values ...any) (any, error) {
	out := make([]any, len(values))
	copy(out, values)
	return out, nil
}

// listElements returns the elements of a list value. ok is false when v is
// neither nil nor a slice or array.
func listElements(v any) (elems []any, ok bool) {
	switch l := v.(type) {
	case nil:
		return nil, true
	case []any:
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	elems = make([]any, rv.Len())
	for i := range elems {
		elems[i] = rv.Index(i).Interface()
	}
	return elems, true
}

func notAList(step string, v any) *ErrorValue {
	return ErrorValuef("%s: expected a list, got %T", step, v)
}
