package stepgraph

import (
	"context"
	"time"
)

// Compile deduplicates, optimizes and finalizes the plan. After it returns
// successfully the graph is frozen and ready for Execute. Calling Compile on
// a compiled plan is a no-op; calling it after a failed compile returns the
// original error.
func (op *OperationPlan) Compile(ctx context.Context) error {
	switch {
	case op.phase == phaseFinalized:
		return nil
	case op.compileErr != nil:
		return op.compileErr
	}

	start := time.Now()
	op.observer.OnCompileStart(ctx, &CompileStartEvent{
		Steps:     len(op.steps),
		Roots:     len(op.roots),
		StartTime: start,
	})

	passes, err := op.compile(ctx)
	if err != nil {
		op.compileErr = err
	}

	op.observer.OnCompileEnd(ctx, &CompileEndEvent{
		Steps:          len(op.live()),
		Replaced:       len(op.aliases),
		OptimizePasses: passes,
		Duration:       time.Since(start),
		Error:          err,
	})
	return err
}

func (op *OperationPlan) compile(ctx context.Context) (int, error) {
	if _, err := op.deduplicate(ctx); err != nil {
		return 0, err
	}
	passes, _, err := op.optimize(ctx)
	if err != nil {
		return passes, err
	}
	// optimization can make previously distinct steps identical
	if _, err := op.deduplicate(ctx); err != nil {
		return passes, err
	}
	return passes, op.finalize()
}

// finalize calls every Finalizer once, dependencies first, then decides
// which steps may take the unbatched path.
func (op *OperationPlan) finalize() error {
	op.phase = phaseFinalizing
	order := op.topoOrder()

	for _, s := range order {
		b := s.base()
		if f, ok := s.(Finalizer); ok {
			if err := f.Finalize(); err != nil {
				return &CompileError{
					Phase:    "finalize",
					StepID:   b.id,
					StepName: b.name,
					Message:  "finalizing step",
					Cause:    err,
				}
			}
		}
		b.finalized = true
	}

	op.unbatched = make([]bool, len(op.steps))
	if op.unbatchedEnabled {
		for _, s := range order {
			op.unbatched[s.base().id] = op.unbatchedEligible(s)
		}
	}

	op.phase = phaseFinalized
	return nil
}

func (op *OperationPlan) unbatchedEligible(s Step) bool {
	b := s.base()
	if !b.syncAndSafe {
		return false
	}
	if _, ok := s.(UnbatchedExecutor); !ok {
		return false
	}
	for _, dep := range b.deps {
		if !op.steps[op.resolve(dep)].base().syncAndSafe {
			return false
		}
	}
	return true
}

// Unbatched reports whether s will run through its per-index fast path.
// It is only meaningful after Compile.
func (op *OperationPlan) Unbatched(s Step) bool {
	id := op.resolve(s.base().id)
	return int(id) < len(op.unbatched) && op.unbatched[id]
}
