package stepgraph

import (
	"context"
)

// FirstStep yields the head of a list, or nil for an empty or absent list.
type FirstStep struct {
	StepBase
}

// First returns the step resolving to the first entry of the list produced
// by list. Repeated calls for the same list return the same step.
func First(list Step) (*FirstStep, error) {
	op := list.base().Plan()
	if op == nil {
		return nil, &ConstructionError{StepID: -1, StepName: "First", Message: "list step has no plan", Cause: ErrNotRegistered}
	}
	return CacheStep(op, list, "first()", "", func() (*FirstStep, error) {
		s := &FirstStep{}
		if err := op.Register(s, SyncAndSafe(), AllowMultipleOptimizations()); err != nil {
			return nil, err
		}
		if _, err := s.AddDependency(list); err != nil {
			return nil, err
		}
		s.SetPeerKey("")
		return s, nil
	})
}

func (s *FirstStep) Kind() Kind { return KindFirst }

func (s *FirstStep) Capabilities() Capability { return CapUnbatched }

func (s *FirstStep) Deduplicate(peers []Step) []Step { return peers }

// Optimize collapses First(List(a, ...)) to a.
func (s *FirstStep) Optimize() (Step, error) {
	if head, ok := s.Dep(0).(ListHead); ok {
		return head.First()
	}
	return s, nil
}

func (s *FirstStep) Execute(ctx context.Context, d *ExecutionDetails) (Values, error) {
	lists := d.Values[0]
	if !lists.IsBatch() {
		return UnaryValues(head(lists.Value())), nil
	}
	return d.IndexMap(func(i int) any {
		return head(lists.At(i))
	}), nil
}

func (s *FirstStep) UnbatchedExecute(extra *ExecutionExtra, values ...any) (any, error) {
	return head(values[0]), nil
}

func head(v any) any {
	elems, ok := listElements(v)
	if !ok {
		return notAList("first", v)
	}
	if len(elems) == 0 {
		return nil
	}
	return elems[0]
}
