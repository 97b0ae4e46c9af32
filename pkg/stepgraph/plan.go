package stepgraph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

type phase int

const (
	phaseBuild phase = iota
	phaseFinalizing
	phaseFinalized
)

// ReplaceReason tells observers why a step was replaced.
type ReplaceReason string

const (
	ReasonDeduplicate ReplaceReason = "deduplicate"
	ReasonOptimize    ReplaceReason = "optimize"
)

type memoKey struct {
	owner StepID
	scope string
	key   string
}

// OperationPlan owns every step of one compiled query. Steps are built
// against it, Compile deduplicates, optimizes and finalizes the graph, and
// Execute runs batch passes over the finalized graph.
//
// Thread Safety: OperationPlan is NOT safe for concurrent modification while
// it is being built. After Compile returns, the plan is immutable and safe
// for concurrent Execute calls.
type OperationPlan struct {
	// steps is indexed by StepID
	steps []Step

	// aliases maps a replaced step to the step that replaced it
	aliases map[StepID]StepID

	// memo backs CacheStep
	memo map[memoKey]StepID

	roots      []StepID
	phase      phase
	compileErr error

	// unbatched tracks per step whether the executor may take the
	// per-index fast path; computed at finalize
	unbatched []bool

	maxOptimizePasses int
	passTimeout       time.Duration
	unbatchedEnabled  bool
	observer          Observer
}

// NewOperationPlan creates a new empty plan with optional configuration.
func NewOperationPlan(opts ...PlanOption) *OperationPlan {
	op := &OperationPlan{
		aliases:           make(map[StepID]StepID),
		memo:              make(map[memoKey]StepID),
		maxOptimizePasses: 100,
		unbatchedEnabled:  true,
		observer:          NoOpObserver{},
	}
	for _, opt := range opts {
		opt.apply(op)
	}
	return op
}

// Register adds a step to the plan and assigns its ID. Steps must be
// registered before they wire any edge.
func (op *OperationPlan) Register(s Step, opts ...StepOption) error {
	b := s.base()
	if b.op != nil {
		return &ConstructionError{StepID: b.id, StepName: b.name, Message: "step registered twice"}
	}
	if op.phase != phaseBuild {
		return &ConstructionError{StepID: -1, StepName: s.Kind().String(), Message: "cannot register steps", Cause: ErrPlanFinalized}
	}

	cfg := &stepConfig{}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	b.id = StepID(len(op.steps))
	b.op = op
	b.self = s
	b.name = cfg.name
	if b.name == "" {
		b.name = s.Kind().String()
	}
	b.syncAndSafe = cfg.syncAndSafe
	b.allowMultipleOptimizations = cfg.allowMultipleOptimizations

	op.steps = append(op.steps, s)
	return nil
}

func (op *OperationPlan) addDependency(b *StepBase, dep Step) (int, error) {
	if op.phase != phaseBuild {
		return -1, &ConstructionError{StepID: b.id, StepName: b.name, Message: "cannot add dependency", Cause: ErrPlanFinalized}
	}
	target, err := op.member(b, dep)
	if err != nil {
		return -1, err
	}
	if target == b.id || op.reaches(target, b.id) {
		return -1, &ConstructionError{
			StepID:   b.id,
			StepName: b.name,
			Message:  fmt.Sprintf("depending on step %d", target),
			Cause:    ErrCycleDetected,
		}
	}
	b.deps = append(b.deps, target)
	return len(b.deps) - 1, nil
}

func (op *OperationPlan) addRef(b *StepBase, target Step, justification string) (int, error) {
	if op.phase != phaseBuild {
		return -1, &ConstructionError{StepID: b.id, StepName: b.name, Message: "cannot add reference", Cause: ErrPlanFinalized}
	}
	id, err := op.member(b, target)
	if err != nil {
		return -1, err
	}
	b.refs = append(b.refs, weakRef{target: id, justification: justification})
	return len(b.refs) - 1, nil
}

// member validates that s belongs to this plan and returns its live ID.
func (op *OperationPlan) member(b *StepBase, s Step) (StepID, error) {
	if s == nil {
		return -1, &ConstructionError{StepID: b.id, StepName: b.name, Message: "nil step"}
	}
	sb := s.base()
	if sb.op == nil {
		return -1, &ConstructionError{StepID: b.id, StepName: b.name, Message: "wiring " + s.Kind().String(), Cause: ErrNotRegistered}
	}
	if sb.op != op {
		return -1, &ConstructionError{StepID: b.id, StepName: b.name, Message: "wiring " + sb.String(), Cause: ErrForeignStep}
	}
	return op.resolve(sb.id), nil
}

// resolve follows replacement aliases to the live step ID.
func (op *OperationPlan) resolve(id StepID) StepID {
	for {
		next, ok := op.aliases[id]
		if !ok {
			return id
		}
		id = next
	}
}

func (op *OperationPlan) isLive(id StepID) bool {
	_, replaced := op.aliases[id]
	return !replaced
}

// Step returns the live step for id, following replacements.
func (op *OperationPlan) Step(id StepID) Step {
	id = op.resolve(id)
	if id < 0 || int(id) >= len(op.steps) {
		return nil
	}
	return op.steps[id]
}

// Resolve returns the live step standing in for s. It is s itself unless s
// was merged or optimized away.
func (op *OperationPlan) Resolve(s Step) Step {
	return op.Step(s.base().id)
}

// Steps returns the live steps in ID order.
func (op *OperationPlan) Steps() []Step {
	return op.live()
}

// StepCount returns the number of steps ever registered, live or replaced.
func (op *OperationPlan) StepCount() int { return len(op.steps) }

// IsFinalized reports whether Compile has completed.
func (op *OperationPlan) IsFinalized() bool { return op.phase == phaseFinalized }

func (op *OperationPlan) live() []Step {
	out := make([]Step, 0, len(op.steps))
	for id, s := range op.steps {
		if op.isLive(StepID(id)) {
			out = append(out, s)
		}
	}
	return out
}

// AddRoot marks s as a step the caller wants evaluated.
func (op *OperationPlan) AddRoot(s Step) error {
	if op.phase != phaseBuild {
		return &ConstructionError{StepID: s.base().id, StepName: s.base().name, Message: "cannot add root", Cause: ErrPlanFinalized}
	}
	sb := s.base()
	if sb.op != op {
		return &ConstructionError{StepID: sb.id, StepName: sb.name, Message: "adding root", Cause: ErrForeignStep}
	}
	op.roots = append(op.roots, op.resolve(sb.id))
	return nil
}

// Roots returns the live root steps.
func (op *OperationPlan) Roots() []Step {
	out := make([]Step, len(op.roots))
	for i, id := range op.roots {
		out[i] = op.Step(id)
	}
	return out
}

// reaches reports whether to is reachable from from through strong edges.
func (op *OperationPlan) reaches(from, to StepID) bool {
	visited := make(map[StepID]bool)
	var visit func(id StepID) bool
	visit = func(id StepID) bool {
		id = op.resolve(id)
		if id == to {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, dep := range op.steps[id].base().deps {
			if visit(dep) {
				return true
			}
		}
		return false
	}
	return visit(from)
}

// topoOrder returns the live steps with every dependency before its
// dependents; ties are broken by ID.
func (op *OperationPlan) topoOrder() []Step {
	visited := make([]bool, len(op.steps))
	order := make([]Step, 0, len(op.steps))
	var visit func(id StepID)
	visit = func(id StepID) {
		id = op.resolve(id)
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range op.steps[id].base().deps {
			visit(dep)
		}
		order = append(order, op.steps[id])
	}
	for id := range op.steps {
		if op.isLive(StepID(id)) {
			visit(StepID(id))
		}
	}
	return order
}

// replace rewires every edge and root that targets old so it targets
// replacement instead. Memo entries keep the old ID; CacheStep resolves them
// through the alias table.
func (op *OperationPlan) replace(ctx context.Context, old, replacement Step, reason ReplaceReason) error {
	oldID := op.resolve(old.base().id)
	newID := op.resolve(replacement.base().id)
	if oldID == newID {
		return nil
	}
	if op.reaches(newID, oldID) {
		ob := old.base()
		return &ConstructionError{
			StepID:   ob.id,
			StepName: ob.name,
			Message:  fmt.Sprintf("replacement step %d depends on the step it replaces", newID),
			Cause:    ErrCycleDetected,
		}
	}

	op.aliases[oldID] = newID
	for id, s := range op.steps {
		if !op.isLive(StepID(id)) {
			continue
		}
		b := s.base()
		for i, dep := range b.deps {
			if dep == oldID {
				b.deps[i] = newID
				b.dirty = true
			}
		}
		for i, ref := range b.refs {
			if ref.target == oldID {
				b.refs[i].target = newID
				b.dirty = true
			}
		}
	}
	for i, id := range op.roots {
		if id == oldID {
			op.roots[i] = newID
		}
	}

	op.observer.OnStepReplaced(ctx, &StepReplacedEvent{
		OldStepID:   oldID,
		OldStepName: old.base().name,
		NewStepID:   newID,
		NewStepName: op.steps[newID].base().name,
		Reason:      reason,
	})
	return nil
}

// CacheStep memoizes step construction against (owner, scope, key). If the
// triple was seen before during this plan's construction, the previously
// built step is returned; otherwise build is called and its result recorded.
// A nil owner scopes the entry to the plan itself.
func CacheStep[T Step](op *OperationPlan, owner Step, scope, key string, build func() (T, error)) (T, error) {
	var zero T
	if op.phase != phaseBuild {
		return zero, &ConstructionError{StepID: -1, StepName: scope, Message: "cannot build steps", Cause: ErrPlanFinalized}
	}
	ownerID := StepID(-1)
	if owner != nil {
		ownerID = op.resolve(owner.base().id)
	}
	mk := memoKey{owner: ownerID, scope: scope, key: key}
	if id, ok := op.memo[mk]; ok {
		if s, ok := op.Step(id).(T); ok {
			return s, nil
		}
	}
	s, err := build()
	if err != nil {
		return zero, err
	}
	op.memo[mk] = s.base().id
	return s, nil
}

// Describe renders the live graph one step per line, in ID order:
//
//	3 First deps=[2] refs=[]
func (op *OperationPlan) Describe() string {
	var sb strings.Builder
	for _, s := range op.live() {
		b := s.base()
		deps := make([]string, len(b.deps))
		for i, d := range b.deps {
			deps[i] = fmt.Sprint(op.resolve(d))
		}
		refs := make([]string, len(b.refs))
		for i, r := range b.refs {
			refs[i] = fmt.Sprint(op.resolve(r.target))
		}
		fmt.Fprintf(&sb, "%d %s deps=[%s] refs=[%s]\n", b.id, b.name, strings.Join(deps, ","), strings.Join(refs, ","))
	}
	return sb.String()
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
