package stepgraph

import (
	"context"
)

// LambdaFunc computes one index from the values of the lambda's
// dependencies. A returned error marks only that index as failed.
type LambdaFunc func(values ...any) (any, error)

// LambdaStep runs a callback per index.
type LambdaStep struct {
	StepBase
	fn LambdaFunc
}

// Lambda creates a step calling fn once per index with the values of deps.
// Lambdas are never merged. Pass SyncAndSafe() when fn is pure and cheap so
// it can take the unbatched path.
func Lambda(op *OperationPlan, deps []Step, fn LambdaFunc, opts ...StepOption) (*LambdaStep, error) {
	s := &LambdaStep{fn: fn}
	if err := op.Register(s, opts...); err != nil {
		return nil, err
	}
	for _, dep := range deps {
		if _, err := s.AddDependency(dep); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *LambdaStep) Kind() Kind { return KindLambda }

func (s *LambdaStep) Capabilities() Capability { return CapUnbatched }

func (s *LambdaStep) Execute(ctx context.Context, d *ExecutionDetails) (Values, error) {
	return d.IndexMap(func(i int) any {
		args := make([]any, len(d.Values))
		for j, v := range d.Values {
			args[j] = v.At(i)
		}
		return lambdaValue(s.fn, args)
	}), nil
}

func (s *LambdaStep) UnbatchedExecute(extra *ExecutionExtra, values ...any) (any, error) {
	return s.fn(values...)
}

func lambdaValue(fn LambdaFunc, args []any) any {
	v, err := fn(args...)
	if err != nil {
		if ev, ok := AsErrorValue(err); ok {
			return ev
		}
		return NewErrorValue(err)
	}
	return v
}
