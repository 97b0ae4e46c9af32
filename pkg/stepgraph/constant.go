package stepgraph

import (
	"context"
	"fmt"
	"reflect"
)

// ConstantStep yields the same value for every index.
type ConstantStep struct {
	StepBase
	value any
}

// Constant creates a step whose value is v at every index. Equal constants
// are merged during compile.
func Constant(op *OperationPlan, v any, opts ...StepOption) (*ConstantStep, error) {
	s := &ConstantStep{value: v}
	if err := op.Register(s, append([]StepOption{SyncAndSafe()}, opts...)...); err != nil {
		return nil, err
	}
	s.SetPeerKey(fmt.Sprintf("%T:%v", v, v))
	return s, nil
}

func (s *ConstantStep) Kind() Kind { return KindConstant }

func (s *ConstantStep) Capabilities() Capability { return CapUnbatched | CapIndexInvariant }

// Value returns the constant.
func (s *ConstantStep) Value() any { return s.value }

func (s *ConstantStep) Deduplicate(peers []Step) []Step {
	var out []Step
	for _, p := range peers {
		if c, ok := p.(*ConstantStep); ok && reflect.DeepEqual(c.value, s.value) {
			out = append(out, p)
		}
	}
	return out
}

func (s *ConstantStep) Execute(ctx context.Context, d *ExecutionDetails) (Values, error) {
	return UnaryValues(s.value), nil
}

func (s *ConstantStep) UnbatchedExecute(extra *ExecutionExtra, values ...any) (any, error) {
	return s.value, nil
}
