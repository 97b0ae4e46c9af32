package stepgraph

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// restlessStep always replaces itself with a fresh copy.
type restlessStep struct {
	StepBase
}

func (s *restlessStep) Kind() Kind { return KindCustom }

func (s *restlessStep) Capabilities() Capability { return 0 }

func (s *restlessStep) Optimize() (Step, error) {
	next := &restlessStep{}
	if err := s.Plan().Register(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *restlessStep) Execute(ctx context.Context, d *ExecutionDetails) (Values, error) {
	return UnaryValues(nil), nil
}

// wrappingStep replaces itself with a step that depends on it.
type wrappingStep struct {
	StepBase
}

func (s *wrappingStep) Kind() Kind { return KindCustom }

func (s *wrappingStep) Capabilities() Capability { return 0 }

func (s *wrappingStep) Optimize() (Step, error) {
	return Lambda(s.Plan(), []Step{s}, func(values ...any) (any, error) { return values[0], nil })
}

func (s *wrappingStep) Execute(ctx context.Context, d *ExecutionDetails) (Values, error) {
	return UnaryValues(nil), nil
}

func TestOptimizeRemovesIdentityRemap(t *testing.T) {
	op := NewOperationPlan()
	in := must(Input(op, "obj"))
	r := must(RemapKeys(in, map[string]string{"a": "a", "b": "b"}))
	if err := op.AddRoot(r); err != nil {
		t.Fatalf("AddRoot failed: %v", err)
	}

	compile(t, op)

	if op.Resolve(r) != Step(in) {
		t.Fatalf("expected identity remap to resolve to its input, got %v", op.Resolve(r))
	}
	if strings.Contains(op.Describe(), "RemapKeys") {
		t.Errorf("identity remap still in plan:\n%s", op.Describe())
	}
}

func TestOptimizeKeepsRealRemap(t *testing.T) {
	op := NewOperationPlan()
	in := must(Input(op, "obj"))
	r := must(RemapKeys(in, map[string]string{"a": "a", "b": "c"}))

	compile(t, op)

	if op.Resolve(r) != Step(r) {
		t.Errorf("non-identity remap must survive")
	}
}

func TestOptimizeFirstOfList(t *testing.T) {
	op := NewOperationPlan()
	c10 := must(Constant(op, 10))
	c20 := must(Constant(op, 20))
	c30 := must(Constant(op, 30))
	l := must(List(op, c10, c20, c30))
	f := must(First(l))
	if err := op.AddRoot(f); err != nil {
		t.Fatalf("AddRoot failed: %v", err)
	}

	compile(t, op)

	if op.Resolve(f) != Step(c10) {
		t.Fatalf("expected First(List) to collapse to its head, got %v", op.Resolve(f))
	}

	out, err := op.Execute(context.Background(), &Batch{Size: 3})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	v, err := out.Get(f)
	if err != nil {
		t.Fatalf("root failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if v.At(i) != 10 {
			t.Errorf("index %d: expected 10, got %v", i, v.At(i))
		}
	}
}

func TestOptimizeFirstOfEmptyList(t *testing.T) {
	op := NewOperationPlan()
	l := must(List(op))
	f := must(First(l))
	if err := op.AddRoot(f); err != nil {
		t.Fatalf("AddRoot failed: %v", err)
	}

	compile(t, op)

	c, ok := op.Resolve(f).(*ConstantStep)
	if !ok {
		t.Fatalf("expected First of an empty list to become a constant, got %T", op.Resolve(f))
	}
	if c.Value() != nil {
		t.Errorf("expected nil constant, got %v", c.Value())
	}

	out, err := op.Execute(context.Background(), &Batch{Size: 2})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	v, _ := out.Get(f)
	if v.At(0) != nil || v.At(1) != nil {
		t.Errorf("expected nil, got %v / %v", v.At(0), v.At(1))
	}
}

func TestOptimizeAccessReadsObjectField(t *testing.T) {
	op := NewOperationPlan()
	x := must(Input(op, "x"))
	y := must(Input(op, "y"))
	obj := must(Object(op, map[string]Step{"x": x, "y": y}))
	a := must(Access(obj, "y"))

	compile(t, op)

	if op.Resolve(a) != Step(y) {
		t.Errorf("expected Access(Object, key) to resolve to the field step, got %v", op.Resolve(a))
	}
}

func TestOptimizeIsIdempotent(t *testing.T) {
	op := NewOperationPlan()
	in := must(Input(op, "obj"))
	r := must(RemapKeys(in, map[string]string{"a": "a"}))
	l := must(List(op, r))
	f := must(First(l))
	if err := op.AddRoot(f); err != nil {
		t.Fatalf("AddRoot failed: %v", err)
	}

	compile(t, op)
	before := op.Describe()

	passes, replaced, err := op.optimize(context.Background())
	if err != nil {
		t.Fatalf("optimize failed: %v", err)
	}
	if replaced != 0 || passes != 1 {
		t.Errorf("expected a single pass with no replacement, got %d passes / %d replaced", passes, replaced)
	}
	if op.Describe() != before {
		t.Errorf("second optimization changed the plan:\nbefore:\n%s\nafter:\n%s", before, op.Describe())
	}
}

func TestOptimizeDivergence(t *testing.T) {
	op := NewOperationPlan(WithMaxOptimizePasses(5))
	s := &restlessStep{}
	if err := op.Register(s); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	err := op.Compile(context.Background())
	if !errors.Is(err, ErrOptimizeDivergence) {
		t.Fatalf("expected ErrOptimizeDivergence, got %v", err)
	}
	var ce *CompileError
	if !errors.As(err, &ce) || ce.Phase != "optimize" {
		t.Errorf("expected optimize CompileError, got %v", err)
	}

	if again := op.Compile(context.Background()); !errors.Is(again, ErrOptimizeDivergence) {
		t.Errorf("expected Compile to keep failing, got %v", again)
	}
	if _, err := op.Execute(context.Background(), &Batch{Size: 1}, s); !errors.Is(err, ErrNotCompiled) {
		t.Errorf("expected ErrNotCompiled, got %v", err)
	}
}

func TestOptimizeRejectsReplacementDependingOnOriginal(t *testing.T) {
	op := NewOperationPlan()
	s := &wrappingStep{}
	if err := op.Register(s); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	err := op.Compile(context.Background())
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}
