package stepgraph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Outcome is the result of one batch pass: one entry per requested root.
type Outcome struct {
	PassID string
	Roots  []RootResult
}

// RootResult holds the values of one root, or the fatal error that prevented
// the root from being computed.
type RootResult struct {
	Step   Step
	Values Values
	Err    error
}

// Get returns the result of root s.
func (o *Outcome) Get(s Step) (Values, error) {
	b := s.base()
	if b.op == nil {
		return Values{}, ErrNotRegistered
	}
	target := b.op.resolve(b.id)
	for _, r := range o.Roots {
		if r.Step.base().id == target {
			return r.Values, r.Err
		}
	}
	return Values{}, fmt.Errorf("step %s is not a root of pass %s", b, o.PassID)
}

// Err joins the fatal errors of every root, nil if every root succeeded.
func (o *Outcome) Err() error {
	var errs []error
	for _, r := range o.Roots {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

// Execute runs one batch pass over the compiled plan and returns the values
// of the requested roots, or of every root added with AddRoot when none are
// given.
//
// Only steps reachable from the requested roots run, each at most once.
// Independent dependencies are resolved concurrently. A fatal step error
// fails only the roots that depend on the step; an AbortError or a cancelled
// ctx fails the whole pass and is also returned as the error.
//
// Example:
//
//	out, err := op.Execute(ctx, &stepgraph.Batch{
//	    Size:   2,
//	    Inputs: map[string][]any{"id": {1, 2}},
//	})
func (op *OperationPlan) Execute(ctx context.Context, batch *Batch, roots ...Step) (*Outcome, error) {
	if op.phase != phaseFinalized {
		return nil, ErrNotCompiled
	}
	if err := batch.validate(); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}

	ids := make([]StepID, 0, len(roots))
	for _, r := range roots {
		b := r.base()
		if b.op != op {
			return nil, &ExecutionError{PassID: batch.ID, StepID: b.id, StepName: b.name, Message: "requested root", Cause: ErrForeignStep}
		}
		ids = append(ids, op.resolve(b.id))
	}
	if len(roots) == 0 {
		for _, id := range op.roots {
			ids = append(ids, op.resolve(id))
		}
	}
	if len(ids) == 0 {
		return nil, ErrNoRoots
	}

	passID := batch.ID
	if passID == "" {
		passID = uuid.NewString()
	}
	ctx = withPassID(ctx, passID)

	if op.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, op.passTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	exec := &passExecutor{
		op:       op,
		passID:   passID,
		batch:    batch,
		cancel:   cancel,
		cache:    make(map[StepID]Values),
		inFlight: make(map[StepID]*inflightResult),
	}

	start := time.Now()
	op.observer.OnPassStart(ctx, &PassStartEvent{
		PassID:    passID,
		BatchSize: batch.Size,
		Roots:     len(ids),
		StartTime: start,
	})

	// Run in goroutine to allow context cancellation to interrupt waiting for unresponsive steps
	results := make([]RootResult, len(ids))
	done := make(chan struct{})
	go func() {
		var g errgroup.Group
		for i, id := range ids {
			g.Go(func() error {
				v, err := exec.resolve(ctx, id)
				results[i] = RootResult{Step: op.steps[id], Values: v, Err: err}
				return nil
			})
		}
		_ = g.Wait()
		close(done)
	}()

	outcome := &Outcome{PassID: passID}
	var passErr error
	select {
	case <-done:
		outcome.Roots = results
	case <-ctx.Done():
		passErr = context.Cause(ctx)
	}

	var abort *AbortError
	if cause := context.Cause(ctx); errors.As(cause, &abort) {
		passErr = cause
	}
	if passErr != nil {
		outcome.Roots = make([]RootResult, len(ids))
		for i, id := range ids {
			outcome.Roots[i] = RootResult{Step: op.steps[id], Err: passErr}
		}
	}

	endErr := passErr
	if endErr == nil {
		endErr = outcome.Err()
	}
	op.observer.OnPassEnd(ctx, &PassEndEvent{
		PassID:    passID,
		BatchSize: batch.Size,
		Duration:  time.Since(start),
		Error:     endErr,
	})

	return outcome, passErr
}

// passExecutor holds state for a single batch pass.
type passExecutor struct {
	op     *OperationPlan
	passID string
	batch  *Batch
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	cache    map[StepID]Values
	inFlight map[StepID]*inflightResult
}

// inflightResult tracks an in-progress step to avoid duplicate work.
type inflightResult struct {
	done   chan struct{}
	values Values
	err    error
}

// resolve computes the values of step id, running its dependencies first.
func (e *passExecutor) resolve(ctx context.Context, id StepID) (Values, error) {
	e.mu.Lock()

	if cached, ok := e.cache[id]; ok {
		e.mu.Unlock()
		return cached, nil
	}

	// Check if already in-flight (another goroutine is computing this)
	if inflight, ok := e.inFlight[id]; ok {
		e.mu.Unlock()
		select {
		case <-inflight.done:
			return inflight.values, inflight.err
		case <-ctx.Done():
			return Values{}, context.Cause(ctx)
		}
	}

	inflight := &inflightResult{done: make(chan struct{})}
	e.inFlight[id] = inflight
	e.mu.Unlock()

	values, err := e.run(ctx, e.op.steps[id])
	if err == nil {
		e.mu.Lock()
		e.cache[id] = values
		e.mu.Unlock()
	}

	inflight.values = values
	inflight.err = err
	close(inflight.done)

	return values, err
}

func (e *passExecutor) run(ctx context.Context, s Step) (Values, error) {
	b := s.base()
	deps, err := e.resolveDeps(ctx, b)
	if err != nil {
		return Values{}, err
	}

	// no new step starts once the pass is cancelled
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		var abort *AbortError
		if errors.As(cause, &abort) {
			return Values{}, cause
		}
		return Values{}, &ExecutionError{
			PassID:   e.passID,
			StepID:   b.id,
			StepName: b.name,
			Message:  "pass cancelled before step started",
			Cause:    cause,
		}
	}

	return e.invoke(ctx, s, deps)
}

// resolveDeps resolves the strong dependencies of b concurrently. Siblings
// are not cancelled when one fails so that shared steps keep their own
// outcome for other roots.
func (e *passExecutor) resolveDeps(ctx context.Context, b *StepBase) ([]Values, error) {
	out := make([]Values, len(b.deps))
	if len(b.deps) == 0 {
		return out, nil
	}

	if len(b.deps) == 1 {
		dep := e.op.resolve(b.deps[0])
		v, err := e.resolve(ctx, dep)
		if err != nil {
			return nil, e.dependencyError(b, dep, err)
		}
		out[0] = v
		return out, nil
	}

	var g errgroup.Group
	for i, raw := range b.deps {
		dep := e.op.resolve(raw)
		g.Go(func() error {
			v, err := e.resolve(ctx, dep)
			if err != nil {
				return e.dependencyError(b, dep, err)
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *passExecutor) dependencyError(b *StepBase, dep StepID, err error) error {
	var abort *AbortError
	if errors.As(err, &abort) {
		return err
	}
	return &DependencyError{
		ExecutionError: &ExecutionError{
			PassID:   e.passID,
			StepID:   b.id,
			StepName: b.name,
			Message:  "dependency failed",
			Cause:    err,
		},
		Dependency: dep,
	}
}

// invoke removes the indices that already carry an error marker, calls the
// step on the rest and scatters the results back to full batch length.
func (e *passExecutor) invoke(ctx context.Context, s Step, deps []Values) (Values, error) {
	n := e.batch.Size

	var markers []any
	keep := make([]int, 0, n)
	for i := 0; i < n; i++ {
		var marker *ErrorValue
		for _, d := range deps {
			if ev, ok := AsErrorValue(d.At(i)); ok {
				marker = ev
				break
			}
		}
		if marker == nil {
			keep = append(keep, i)
			continue
		}
		if markers == nil {
			markers = make([]any, n)
		}
		markers[i] = marker
	}

	if markers == nil {
		return e.call(ctx, s, deps, n)
	}
	if len(keep) == 0 {
		return BatchValues(markers), nil
	}

	compact := make([]Values, len(deps))
	for j, d := range deps {
		if !d.IsBatch() {
			compact[j] = d
			continue
		}
		sub := make([]any, len(keep))
		for k, i := range keep {
			sub[k] = d.At(i)
		}
		compact[j] = BatchValues(sub)
	}

	result, err := e.call(ctx, s, compact, len(keep))
	if err != nil {
		return Values{}, err
	}
	for k, i := range keep {
		markers[i] = result.At(k)
	}
	return BatchValues(markers), nil
}

// call runs the step on count indices, through the unbatched path when the
// plan allows it, with panic recovery and result length checking.
func (e *passExecutor) call(ctx context.Context, s Step, deps []Values, count int) (result Values, err error) {
	b := s.base()
	unbatched := e.op.unbatched[b.id]
	extra := &ExecutionExtra{
		PassID:   e.passID,
		Step:     b.id,
		Batch:    e.batch,
		Observer: e.op.observer,
	}

	start := time.Now()
	e.op.observer.OnStepStart(ctx, &StepStartEvent{
		PassID:    e.passID,
		StepID:    b.id,
		StepName:  b.name,
		StepKind:  s.Kind().String(),
		Count:     count,
		Unbatched: unbatched,
		StartTime: start,
	})

	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = &StepPanicError{
				ExecutionError: &ExecutionError{
					PassID:   e.passID,
					StepID:   b.id,
					StepName: b.name,
					Message:  "step panicked",
				},
				PanicValue: r,
				Stack:      debug.Stack(),
			}
		}

		errorValues := 0
		if err == nil && result.IsBatch() {
			for _, v := range result.Entries() {
				if _, ok := AsErrorValue(v); ok {
					errorValues++
				}
			}
		}
		e.op.observer.OnStepEnd(ctx, &StepEndEvent{
			PassID:      e.passID,
			StepID:      b.id,
			StepName:    b.name,
			StepKind:    s.Kind().String(),
			Count:       count,
			Unbatched:   unbatched,
			ErrorValues: errorValues,
			Duration:    time.Since(start),
			Error:       err,
			Panicked:    panicked,
		})
	}()

	stepCtx := withStepName(ctx, b.name)
	if unbatched {
		result = e.callUnbatched(s.(UnbatchedExecutor), extra, deps, count)
	} else {
		result, err = s.Execute(stepCtx, &ExecutionDetails{Count: count, Values: deps, Extra: extra})
	}

	if err != nil {
		var abort *AbortError
		if errors.As(err, &abort) {
			e.cancel(err)
			return Values{}, err
		}
		return Values{}, &ExecutionError{
			PassID:   e.passID,
			StepID:   b.id,
			StepName: b.name,
			Message:  "step failed",
			Cause:    err,
		}
	}
	if result.IsBatch() && len(result.Entries()) != count {
		return Values{}, &ExecutionError{
			PassID:   e.passID,
			StepID:   b.id,
			StepName: b.name,
			Message:  fmt.Sprintf("step returned %d values for %d indices", len(result.Entries()), count),
		}
	}
	return result, nil
}

// callUnbatched applies the per-index fast path. A step whose dependencies
// are all index-invariant is evaluated once.
func (e *passExecutor) callUnbatched(u UnbatchedExecutor, extra *ExecutionExtra, deps []Values, count int) Values {
	allUnary := true
	for _, d := range deps {
		if d.IsBatch() {
			allUnary = false
			break
		}
	}

	args := make([]any, len(deps))
	if allUnary {
		for j, d := range deps {
			args[j] = d.Value()
		}
		return UnaryValues(unbatchedValue(u, extra, args))
	}

	out := make([]any, count)
	for i := range out {
		for j, d := range deps {
			args[j] = d.At(i)
		}
		out[i] = unbatchedValue(u, extra, args)
	}
	return BatchValues(out)
}

func unbatchedValue(u UnbatchedExecutor, extra *ExecutionExtra, args []any) any {
	v, err := u.UnbatchedExecute(extra, args...)
	if err != nil {
		if ev, ok := AsErrorValue(err); ok {
			return ev
		}
		return NewErrorValue(err)
	}
	return v
}

// ============ Context Keys ============

type contextKey string

const (
	passIDKey   contextKey = "stepgraph_pass_id"
	stepNameKey contextKey = "stepgraph_step_name"
)

func withPassID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, passIDKey, id)
}

func withStepName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stepNameKey, name)
}

// PassID retrieves the batch pass ID from context.
// Returns empty string if not in a pass context.
func PassID(ctx context.Context) string {
	if id, ok := ctx.Value(passIDKey).(string); ok {
		return id
	}
	return ""
}

// StepName retrieves the current step name from context.
// Returns empty string if not in a step context.
func StepName(ctx context.Context) string {
	if name, ok := ctx.Value(stepNameKey).(string); ok {
		return name
	}
	return ""
}
