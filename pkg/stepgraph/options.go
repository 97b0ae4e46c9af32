package stepgraph

import "time"

// PlanOption is a functional option for configuring an OperationPlan.
type PlanOption interface {
	apply(*OperationPlan)
}

type planOptionFunc func(*OperationPlan)

func (f planOptionFunc) apply(op *OperationPlan) {
	f(op)
}

// WithObserver sets the observer notified of compile and execution events.
func WithObserver(observer Observer) PlanOption {
	return planOptionFunc(func(op *OperationPlan) {
		if observer == nil {
			observer = NoOpObserver{}
		}
		op.observer = observer
	})
}

// WithMaxOptimizePasses bounds the number of optimizer passes. A plan that
// still proposes rewrites after n passes fails to compile with
// ErrOptimizeDivergence. Default is 100.
func WithMaxOptimizePasses(n int) PlanOption {
	return planOptionFunc(func(op *OperationPlan) {
		op.maxOptimizePasses = n
	})
}

// WithPassTimeout sets a default deadline for every batch pass. It applies
// only if the caller's context doesn't carry a tighter one.
func WithPassTimeout(d time.Duration) PlanOption {
	return planOptionFunc(func(op *OperationPlan) {
		op.passTimeout = d
	})
}

// WithUnbatchedExecution enables or disables the per-index fast path.
// Enabled by default.
func WithUnbatchedExecution(enabled bool) PlanOption {
	return planOptionFunc(func(op *OperationPlan) {
		op.unbatchedEnabled = enabled
	})
}

// StepOption is a functional option applied when a step is registered.
type StepOption interface {
	apply(*stepConfig)
}

type stepConfig struct {
	name                       string
	syncAndSafe                bool
	allowMultipleOptimizations bool
}

type optionFunc func(*stepConfig)

func (f optionFunc) apply(c *stepConfig) {
	f(c)
}

// WithName sets a custom name for the step (useful for debugging and Describe).
func WithName(name string) StepOption {
	return optionFunc(func(c *stepConfig) {
		c.name = name
	})
}

// SyncAndSafe declares that executing the step has no side effects and is
// cheap, making it eligible for the unbatched fast path.
func SyncAndSafe() StepOption {
	return optionFunc(func(c *stepConfig) {
		c.syncAndSafe = true
	})
}

// AllowMultipleOptimizations lets the optimizer revisit the step when its
// dependencies change after it was optimized.
func AllowMultipleOptimizations() StepOption {
	return optionFunc(func(c *stepConfig) {
		c.allowMultipleOptimizations = true
	})
}
