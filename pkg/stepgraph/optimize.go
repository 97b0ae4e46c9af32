package stepgraph

import (
	"context"
	"fmt"
)

// optimize runs optimizer passes until a pass proposes no replacement and
// leaves no step unoptimized. It returns the number of passes run and the
// number of steps replaced.
func (op *OperationPlan) optimize(ctx context.Context) (int, int, error) {
	replaced := 0
	for pass := 1; ; pass++ {
		if pass > op.maxOptimizePasses {
			return pass - 1, replaced, &CompileError{
				Phase:   "optimize",
				Message: fmt.Sprintf("still rewriting after %d passes", op.maxOptimizePasses),
				Cause:   ErrOptimizeDivergence,
			}
		}

		n, pending, err := op.optimizePass(ctx)
		replaced += n
		if err != nil {
			return pass, replaced, err
		}
		if n == 0 && !pending {
			return pass, replaced, nil
		}
	}
}

// optimizePass visits the live graph in dependency order. Steps created
// during the pass are left for the next one.
func (op *OperationPlan) optimizePass(ctx context.Context) (int, bool, error) {
	replaced := 0
	for _, s := range op.topoOrder() {
		b := s.base()
		if !op.isLive(b.id) {
			continue
		}
		if b.optimized && !(b.allowMultipleOptimizations && b.dirty) {
			continue
		}
		b.optimized = true
		b.dirty = false

		o, ok := s.(Optimizer)
		if !ok {
			continue
		}
		next, err := o.Optimize()
		if err != nil {
			return replaced, false, &CompileError{
				Phase:    "optimize",
				StepID:   b.id,
				StepName: b.name,
				Message:  "optimizing step",
				Cause:    err,
			}
		}
		if next == nil || next == s {
			continue
		}
		if nb := next.base(); nb.op != op {
			return replaced, false, &CompileError{
				Phase:    "optimize",
				StepID:   b.id,
				StepName: b.name,
				Message:  "replacement is not part of the plan",
				Cause:    ErrForeignStep,
			}
		}
		if err := op.replace(ctx, s, next, ReasonOptimize); err != nil {
			return replaced, false, &CompileError{
				Phase:    "optimize",
				StepID:   b.id,
				StepName: b.name,
				Message:  "replacing step",
				Cause:    err,
			}
		}
		replaced++
	}

	for _, s := range op.live() {
		if !s.base().optimized {
			return replaced, true, nil
		}
	}
	return replaced, false, nil
}
