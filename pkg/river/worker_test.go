package river

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"stepgraph/pkg/stepgraph"
)

// TestJobArgs is a simple job args type for testing.
type TestJobArgs struct {
	Words []string `json:"words"`
}

func (TestJobArgs) Kind() string { return "test_job" }

var _ river.JobArgs = TestJobArgs{}

// newTestJob creates a test job with the given ID and args.
func newTestJob[T river.JobArgs](id int64, args T) *river.Job[T] {
	return &river.Job[T]{
		JobRow: &rivertype.JobRow{
			ID: id,
		},
		Args: args,
	}
}

func wordsBatch(args TestJobArgs) (*stepgraph.Batch, error) {
	if len(args.Words) == 0 {
		return nil, errors.New("no words")
	}
	words := make([]any, len(args.Words))
	for i, w := range args.Words {
		words[i] = w
	}
	return &stepgraph.Batch{Size: len(words), Inputs: map[string][]any{"word": words}}, nil
}

// funcStep runs fn with the pass context.
type funcStep struct {
	stepgraph.StepBase
	fn func(ctx context.Context, d *stepgraph.ExecutionDetails) (stepgraph.Values, error)
}

func (s *funcStep) Kind() stepgraph.Kind               { return stepgraph.KindCustom }
func (s *funcStep) Capabilities() stepgraph.Capability { return 0 }

func (s *funcStep) Execute(ctx context.Context, d *stepgraph.ExecutionDetails) (stepgraph.Values, error) {
	return s.fn(ctx, d)
}

// compiledPlan builds word -> fn and compiles it.
func compiledPlan(t *testing.T, fn func(ctx context.Context, d *stepgraph.ExecutionDetails) (stepgraph.Values, error)) (*stepgraph.OperationPlan, stepgraph.Step) {
	t.Helper()
	op := stepgraph.NewOperationPlan()
	word, err := stepgraph.Input(op, "word")
	if err != nil {
		t.Fatal(err)
	}
	s := &funcStep{fn: fn}
	if err := op.Register(s); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddDependency(word); err != nil {
		t.Fatal(err)
	}
	if err := op.Compile(context.Background()); err != nil {
		t.Fatal(err)
	}
	return op, s
}

func letterCount(ctx context.Context, d *stepgraph.ExecutionDetails) (stepgraph.Values, error) {
	return d.IndexMap(func(i int) any {
		return len(d.Values[0].At(i).(string))
	}), nil
}

func TestPlanWorker_Work(t *testing.T) {
	op, counts := compiledPlan(t, letterCount)

	var got []any
	worker := NewPlanWorker(op, wordsBatch, counts)
	worker.OnOutcome = func(ctx context.Context, job *river.Job[TestJobArgs], out *stepgraph.Outcome) error {
		v, err := out.Get(counts)
		if err != nil {
			return err
		}
		got = v.Expand(len(job.Args.Words))
		return nil
	}

	job := newTestJob(123, TestJobArgs{Words: []string{"a", "bb", "ccc"}})
	if err := worker.Work(context.Background(), job); err != nil {
		t.Fatalf("Work failed: %v", err)
	}

	if fmt.Sprint(got) != "[1 2 3]" {
		t.Errorf("Expected [1 2 3], got %v", got)
	}
}

func TestPlanWorker_PassID(t *testing.T) {
	var mu sync.Mutex
	var captured string
	op, s := compiledPlan(t, func(ctx context.Context, d *stepgraph.ExecutionDetails) (stepgraph.Values, error) {
		mu.Lock()
		captured = stepgraph.PassID(ctx)
		mu.Unlock()
		return stepgraph.UnaryValues(nil), nil
	})

	worker := NewPlanWorker(op, wordsBatch, s)
	if err := worker.Work(context.Background(), newTestJob(42, TestJobArgs{Words: []string{"x"}})); err != nil {
		t.Fatal(err)
	}

	// Verify pass ID matches River job ID
	if captured != "42" {
		t.Errorf("Expected pass ID %q, got %q", "42", captured)
	}
}

func TestPlanWorker_ContextCancellation(t *testing.T) {
	op, s := compiledPlan(t, func(ctx context.Context, d *stepgraph.ExecutionDetails) (stepgraph.Values, error) {
		select {
		case <-time.After(5 * time.Second):
			return stepgraph.UnaryValues(1), nil
		case <-ctx.Done():
			return stepgraph.Values{}, ctx.Err()
		}
	})
	worker := NewPlanWorker(op, wordsBatch, s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := worker.Work(ctx, newTestJob(456, TestJobArgs{Words: []string{"slow"}}))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context error, got: %v", err)
	}
}

func TestPlanWorker_StepError(t *testing.T) {
	stepErr := errors.New("step failed")
	op, s := compiledPlan(t, func(ctx context.Context, d *stepgraph.ExecutionDetails) (stepgraph.Values, error) {
		return stepgraph.Values{}, stepErr
	})
	worker := NewPlanWorker(op, wordsBatch, s)

	err := worker.Work(context.Background(), newTestJob(789, TestJobArgs{Words: []string{"x"}}))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	// Error should be returned for retry
	if !errors.Is(err, stepErr) {
		t.Errorf("Expected step error in chain, got: %v", err)
	}
	var execErr *stepgraph.ExecutionError
	if !errors.As(err, &execErr) {
		t.Errorf("Expected an ExecutionError, got: %T", err)
	}
}

func TestPlanWorker_InvalidArgs(t *testing.T) {
	op, s := compiledPlan(t, letterCount)
	worker := NewPlanWorker(op, wordsBatch, s)

	err := worker.Work(context.Background(), newTestJob(7, TestJobArgs{}))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
}

func TestClassifyError(t *testing.T) {
	abort := stepgraph.NewAbortError(errors.New("stop"))
	if err := classifyError(abort); !errors.As(err, &abort) {
		t.Errorf("Expected the abort to stay in the chain, got %v", err)
	}

	canceled := classifyError(fmt.Errorf("pass: %w", context.Canceled))
	if !errors.Is(canceled, context.Canceled) {
		t.Errorf("Expected context.Canceled in chain, got %v", canceled)
	}

	plain := errors.New("boom")
	if classifyError(plain) != plain {
		t.Error("Expected other errors to be returned as-is")
	}
}
