package stepgraph

import (
	"context"
	"testing"
)

// mergeStep deduplicates with every peer and records who absorbed it.
type mergeStep struct {
	StepBase
	tag      string
	survivor Step
}

func (s *mergeStep) Kind() Kind { return KindCustom }

func (s *mergeStep) Capabilities() Capability { return 0 }

func (s *mergeStep) Deduplicate(peers []Step) []Step { return peers }

func (s *mergeStep) DeduplicatedWith(survivor Step) { s.survivor = survivor }

func (s *mergeStep) Execute(ctx context.Context, d *ExecutionDetails) (Values, error) {
	return UnaryValues(s.tag), nil
}

func newMerge(t *testing.T, op *OperationPlan, tag, peerKey string, deps ...Step) *mergeStep {
	t.Helper()
	s := &mergeStep{tag: tag}
	if err := op.Register(s); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	for _, dep := range deps {
		if _, err := s.AddDependency(dep); err != nil {
			t.Fatalf("AddDependency failed: %v", err)
		}
	}
	s.SetPeerKey(peerKey)
	return s
}

func TestDeduplicateMergesIntoLowestID(t *testing.T) {
	op := NewOperationPlan()
	in := must(Input(op, "x"))
	r1 := must(RemapKeys(in, map[string]string{"a": "b"}))
	r2 := must(RemapKeys(in, map[string]string{"a": "b"}))
	obj := must(Object(op, map[string]Step{"one": r1, "two": r2}))
	ref := newProbe(t, op, nil)
	if _, err := ref.AddRef(r2, "test"); err != nil {
		t.Fatalf("AddRef failed: %v", err)
	}
	if err := op.AddRoot(r2); err != nil {
		t.Fatalf("AddRoot failed: %v", err)
	}

	compile(t, op)

	if op.Resolve(r2) != Step(r1) {
		t.Fatalf("expected r2 to be merged into r1, resolved to %v", op.Resolve(r2))
	}
	for i, id := range obj.DepIDs() {
		if id != IDOf(r1) {
			t.Errorf("object dep %d: expected %d, got %d", i, IDOf(r1), id)
		}
	}
	if ref.Ref(0) != Step(r1) {
		t.Errorf("weak ref was not repointed")
	}
	if roots := op.Roots(); len(roots) != 1 || roots[0] != Step(r1) {
		t.Errorf("root was not repointed: %v", roots)
	}
	for _, s := range op.Steps() {
		if s == Step(r2) {
			t.Errorf("merged step is still live")
		}
	}
}

func TestDeduplicateKeepsDistinctConfiguration(t *testing.T) {
	op := NewOperationPlan()
	in := must(Input(op, "x"))
	r1 := must(RemapKeys(in, map[string]string{"a": "b"}))
	r2 := must(RemapKeys(in, map[string]string{"a": "c"}))
	c1 := must(Constant(op, 1))
	c2 := must(Constant(op, "1"))

	compile(t, op)

	if op.Resolve(r2) == Step(r1) {
		t.Errorf("remaps with different mappings must not merge")
	}
	if op.Resolve(c2) == Step(c1) {
		t.Errorf("constants of different types must not merge")
	}
}

func TestDeduplicateRequiresSameDependencies(t *testing.T) {
	op := NewOperationPlan()
	x := must(Input(op, "x"))
	y := must(Input(op, "y"))
	a := newMerge(t, op, "a", "k", x)
	b := newMerge(t, op, "b", "k", y)

	compile(t, op)

	if op.Resolve(b) == Step(a) {
		t.Errorf("steps with different dependencies must not merge")
	}
}

func TestDeduplicateSkipsStepsWithoutPeerKey(t *testing.T) {
	op := NewOperationPlan()
	x := must(Input(op, "x"))
	fn := func(values ...any) (any, error) { return values[0], nil }
	l1 := must(Lambda(op, []Step{x}, fn))
	l2 := must(Lambda(op, []Step{x}, fn))

	compile(t, op)

	if op.Resolve(l2) == Step(l1) {
		t.Errorf("lambdas must never merge")
	}
}

func TestDeduplicationHandlerNotified(t *testing.T) {
	op := NewOperationPlan()
	a := newMerge(t, op, "a", "k")
	b := newMerge(t, op, "b", "k")
	c := newMerge(t, op, "c", "k")

	compile(t, op)

	if b.survivor != Step(a) || c.survivor != Step(a) {
		t.Errorf("expected both losers to be told about the survivor")
	}
	if a.survivor != nil {
		t.Errorf("survivor must not be notified")
	}
}

func TestDeduplicateCascades(t *testing.T) {
	// merging the inputs makes the two firsts identical
	op := NewOperationPlan()
	x1 := must(Input(op, "x"))
	x2 := must(Input(op, "x"))
	f1 := must(First(x1))
	f2 := must(First(x2))

	compile(t, op)

	if op.Resolve(x2) != Step(x1) {
		t.Errorf("inputs were not merged")
	}
	if op.Resolve(f2) != Step(f1) {
		t.Errorf("firsts were not merged after their inputs merged")
	}
}
