// Package river runs compiled stepgraph plans as River jobs.
//
// A PlanWorker maps the job args to a batch, executes one pass of a shared
// plan and hands the outcome to a result sink. It handles:
//   - Using the River job ID as the pass ID
//   - Context propagation for graceful shutdown
//   - Error classification for River's retry logic
package river

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/riverqueue/river"

	"stepgraph/pkg/stepgraph"
)

// PlanWorker is a River worker that executes one batch pass of a compiled
// plan per job.
type PlanWorker[Args river.JobArgs] struct {
	river.WorkerDefaults[Args]

	// Plan is the compiled plan. Plans are safe for concurrent passes, so one
	// plan serves every job.
	Plan *stepgraph.OperationPlan

	// Roots are the steps to compute; the plan's roots when empty.
	Roots []stepgraph.Step

	// BatchMapper converts job args to the pass input.
	BatchMapper func(args Args) (*stepgraph.Batch, error)

	// OnOutcome receives the values of a successful pass. Optional.
	OnOutcome func(ctx context.Context, job *river.Job[Args], out *stepgraph.Outcome) error
}

// NewPlanWorker creates a PlanWorker for a compiled plan.
func NewPlanWorker[Args river.JobArgs](
	plan *stepgraph.OperationPlan,
	batchMapper func(args Args) (*stepgraph.Batch, error),
	roots ...stepgraph.Step,
) *PlanWorker[Args] {
	return &PlanWorker[Args]{
		Plan:        plan,
		Roots:       roots,
		BatchMapper: batchMapper,
	}
}

// Work executes one pass for the job. The River job ID is used as the pass
// ID for traceability.
func (w *PlanWorker[Args]) Work(ctx context.Context, job *river.Job[Args]) error {
	batch, err := w.BatchMapper(job.Args)
	if err != nil {
		// Args that cannot be mapped will not map on retry either
		return river.JobCancel(fmt.Errorf("invalid job args: %w", err))
	}
	batch.ID = strconv.FormatInt(job.ID, 10)

	out, err := w.Plan.Execute(ctx, batch, w.Roots...)
	if err != nil {
		return classifyError(err)
	}
	if err := out.Err(); err != nil {
		return classifyError(err)
	}

	if w.OnOutcome != nil {
		return w.OnOutcome(ctx, job, out)
	}
	return nil
}

// classifyError converts pass errors to River-appropriate errors.
// This helps River decide whether to retry or discard the job.
func classifyError(err error) error {
	// An aborted pass or a plan that is not ready will fail the same way again
	var abortErr *stepgraph.AbortError
	if errors.As(err, &abortErr) {
		return river.JobCancel(err)
	}
	if errors.Is(err, stepgraph.ErrNotCompiled) {
		return river.JobCancel(err)
	}

	var execErr *stepgraph.ExecutionError
	if errors.As(err, &execErr) {
		// Panics could be due to bad data; allow retry
		var panicErr *stepgraph.StepPanicError
		if errors.As(err, &panicErr) {
			return fmt.Errorf("step panic in %s: %w", panicErr.StepName, err)
		}

		var depErr *stepgraph.DependencyError
		if errors.As(err, &depErr) {
			return fmt.Errorf("dependency failed for %s: %w", depErr.StepName, err)
		}
	}

	// Context cancellation - don't retry, job was cancelled
	if errors.Is(err, context.Canceled) {
		return river.JobCancel(err)
	}

	// Default: return error as-is (deadline exceeded included), let River retry
	return err
}
