package stepgraph

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

// ============ Test Helpers ============

// probeStep is a custom step whose behaviour is supplied by the test.
type probeStep struct {
	StepBase
	calls atomic.Int32
	fn    func(ctx context.Context, d *ExecutionDetails) (Values, error)
}

func (s *probeStep) Kind() Kind { return KindCustom }

func (s *probeStep) Capabilities() Capability { return 0 }

func (s *probeStep) Execute(ctx context.Context, d *ExecutionDetails) (Values, error) {
	s.calls.Add(1)
	return s.fn(ctx, d)
}

func newProbe(t *testing.T, op *OperationPlan, fn func(ctx context.Context, d *ExecutionDetails) (Values, error), deps ...Step) *probeStep {
	t.Helper()
	if fn == nil {
		fn = func(ctx context.Context, d *ExecutionDetails) (Values, error) {
			return UnaryValues("ok"), nil
		}
	}
	s := &probeStep{fn: fn}
	if err := op.Register(s); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	for _, dep := range deps {
		if _, err := s.AddDependency(dep); err != nil {
			t.Fatalf("AddDependency failed: %v", err)
		}
	}
	return s
}

// must panics on construction errors, which fails the calling test.
func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func compile(t *testing.T, op *OperationPlan) {
	t.Helper()
	if err := op.Compile(context.Background()); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
}

// ============ Registration ============

func TestRegisterAssignsMonotonicIDs(t *testing.T) {
	op := NewOperationPlan()

	a := must(Constant(op, 1))
	b := must(Constant(op, 2))
	c := must(Input(op, "x"))

	for i, s := range []Step{a, b, c} {
		if IDOf(s) != StepID(i) {
			t.Errorf("step %d: expected id %d, got %d", i, i, IDOf(s))
		}
	}
	if op.StepCount() != 3 {
		t.Errorf("expected 3 steps, got %d", op.StepCount())
	}
}

func TestRegisterTwice(t *testing.T) {
	op := NewOperationPlan()
	c := must(Constant(op, 1))

	var ce *ConstructionError
	if err := op.Register(c); !errors.As(err, &ce) {
		t.Errorf("expected ConstructionError, got %v", err)
	}
}

func TestRegisterWithName(t *testing.T) {
	op := NewOperationPlan()
	c := must(Constant(op, 1, WithName("one")))
	d := must(Constant(op, 2))

	if c.Name() != "one" {
		t.Errorf("expected name %q, got %q", "one", c.Name())
	}
	if d.Name() != "Constant" {
		t.Errorf("expected default name %q, got %q", "Constant", d.Name())
	}
}

func TestUnregisteredStepHasNoID(t *testing.T) {
	s := &probeStep{}
	if s.ID() != -1 {
		t.Errorf("expected -1, got %d", s.ID())
	}
	if _, err := s.AddDependency(s); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

// ============ Edges ============

func TestAddDependencyRejectsCycle(t *testing.T) {
	op := NewOperationPlan()
	a := newProbe(t, op, nil)
	b := newProbe(t, op, nil, a)
	c := newProbe(t, op, nil, b)

	_, err := a.AddDependency(c)
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	var ce *ConstructionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConstructionError, got %T", err)
	}
	if ce.StepID != IDOf(a) {
		t.Errorf("expected error on step %d, got %d", IDOf(a), ce.StepID)
	}
	if a.DepCount() != 0 {
		t.Errorf("rejected edge must not be recorded, got %d deps", a.DepCount())
	}
}

func TestAddDependencyRejectsSelfEdge(t *testing.T) {
	op := NewOperationPlan()
	a := newProbe(t, op, nil)

	if _, err := a.AddDependency(a); !errors.Is(err, ErrCycleDetected) {
		t.Errorf("expected ErrCycleDetected, got %v", err)
	}
}

func TestWeakRefsDoNotCreateCycles(t *testing.T) {
	op := NewOperationPlan()
	a := newProbe(t, op, nil)
	b := newProbe(t, op, nil, a)

	idx, err := a.AddRef(b, "parent row")
	if err != nil {
		t.Fatalf("AddRef failed: %v", err)
	}
	if a.Ref(idx) != Step(b) {
		t.Errorf("expected ref to resolve to b")
	}
	if a.RefJustification(idx) != "parent row" {
		t.Errorf("unexpected justification %q", a.RefJustification(idx))
	}
}

func TestAddDependencyForeignStep(t *testing.T) {
	op1 := NewOperationPlan()
	op2 := NewOperationPlan()
	a := newProbe(t, op1, nil)
	b := newProbe(t, op2, nil)

	if _, err := a.AddDependency(b); !errors.Is(err, ErrForeignStep) {
		t.Errorf("expected ErrForeignStep, got %v", err)
	}
}

func TestEdgesFrozenAfterCompile(t *testing.T) {
	op := NewOperationPlan()
	a := newProbe(t, op, nil)
	b := newProbe(t, op, nil)
	if err := op.AddRoot(b); err != nil {
		t.Fatalf("AddRoot failed: %v", err)
	}
	compile(t, op)

	if _, err := b.AddDependency(a); !errors.Is(err, ErrPlanFinalized) {
		t.Errorf("AddDependency: expected ErrPlanFinalized, got %v", err)
	}
	if _, err := b.AddRef(a, "late"); !errors.Is(err, ErrPlanFinalized) {
		t.Errorf("AddRef: expected ErrPlanFinalized, got %v", err)
	}
	if _, err := Constant(op, 3); !errors.Is(err, ErrPlanFinalized) {
		t.Errorf("Register: expected ErrPlanFinalized, got %v", err)
	}
	if err := op.AddRoot(a); !errors.Is(err, ErrPlanFinalized) {
		t.Errorf("AddRoot: expected ErrPlanFinalized, got %v", err)
	}
}

// ============ CacheStep ============

func TestCacheStepMemoizes(t *testing.T) {
	op := NewOperationPlan()
	in := must(Input(op, "lists"))

	f1 := must(First(in))
	f2 := must(First(in))
	if f1 != f2 {
		t.Errorf("expected First to be memoized per list")
	}

	other := must(Input(op, "other"))
	f3 := must(First(other))
	if f3 == f1 {
		t.Errorf("expected a distinct First for a distinct list")
	}
}

func TestCacheStepScopesByKey(t *testing.T) {
	op := NewOperationPlan()
	builds := 0
	build := func() (*ConstantStep, error) {
		builds++
		return Constant(op, builds)
	}

	a := must(CacheStep(op, nil, "scope", "a", build))
	b := must(CacheStep(op, nil, "scope", "b", build))
	a2 := must(CacheStep(op, nil, "scope", "a", build))

	if builds != 2 {
		t.Errorf("expected 2 builds, got %d", builds)
	}
	if a != a2 || a == b {
		t.Errorf("unexpected memoization result")
	}
}

func TestCacheStepBuildError(t *testing.T) {
	op := NewOperationPlan()
	boom := errors.New("boom")

	_, err := CacheStep(op, nil, "scope", "k", func() (*ConstantStep, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected build error, got %v", err)
	}

	// a failed build is not memoized
	c := must(CacheStep(op, nil, "scope", "k", func() (*ConstantStep, error) {
		return Constant(op, 1)
	}))
	if c.Value() != 1 {
		t.Errorf("expected retry to build, got %v", c.Value())
	}
}

// ============ Describe ============

func TestDescribe(t *testing.T) {
	op := NewOperationPlan()
	in := must(Input(op, "x"))
	r := must(RemapKeys(in, map[string]string{"a": "b"}))
	if err := op.AddRoot(r); err != nil {
		t.Fatalf("AddRoot failed: %v", err)
	}

	got := op.Describe()
	want := "0 Input(x) deps=[] refs=[]\n1 RemapKeys deps=[0] refs=[]\n"
	if got != want {
		t.Errorf("Describe mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestCompileIsIdempotent(t *testing.T) {
	op := NewOperationPlan()
	in := must(Input(op, "x"))
	r := must(RemapKeys(in, map[string]string{"a": "a"}))
	if err := op.AddRoot(r); err != nil {
		t.Fatalf("AddRoot failed: %v", err)
	}

	compile(t, op)
	first := op.Describe()
	compile(t, op)
	if op.Describe() != first {
		t.Errorf("second Compile changed the plan")
	}
	if !strings.Contains(first, "Input(x)") || strings.Contains(first, "RemapKeys") {
		t.Errorf("unexpected plan:\n%s", first)
	}
}
