package stepgraph

import (
	"context"
	"fmt"
)

// StepID identifies a step within its OperationPlan. IDs are assigned
// monotonically at registration and are never reused, so an ID stays a valid
// reference even after the step it names has been replaced.
type StepID int

// Kind enumerates the step variants the engine knows about.
type Kind uint8

const (
	KindCustom Kind = iota
	KindConstant
	KindInput
	KindList
	KindFirst
	KindRemapKeys
	KindObject
	KindAccess
	KindLambda
	KindSelect
	KindSelectSingle
	KindClassExpression
	KindCursor
)

var kindNames = [...]string{
	KindCustom:          "Custom",
	KindConstant:        "Constant",
	KindInput:           "Input",
	KindList:            "List",
	KindFirst:           "First",
	KindRemapKeys:       "RemapKeys",
	KindObject:          "Object",
	KindAccess:          "Access",
	KindLambda:          "Lambda",
	KindSelect:          "Select",
	KindSelectSingle:    "SelectSingle",
	KindClassExpression: "ClassExpression",
	KindCursor:          "Cursor",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Capability is a set of optional behaviours a step variant offers.
type Capability uint16

const (
	// CapUnbatched marks steps that implement UnbatchedExecutor.
	CapUnbatched Capability = 1 << iota
	// CapWeakRefs marks steps that may hold weak back-references.
	CapWeakRefs
	// CapSQLFragment marks steps that implement SQLFragment.
	CapSQLFragment
	// CapListHead marks list-producing steps that implement ListHead.
	CapListHead
	// CapIndexInvariant marks steps whose result never varies by index.
	CapIndexInvariant
)

// Has reports whether every capability in o is present in c.
func (c Capability) Has(o Capability) bool {
	return c&o == o
}

// Step is a node in the execution graph producing one value per batch index.
//
// Implementations embed StepBase, register themselves with an OperationPlan
// and then wire their dependencies:
//
//	s := &MyStep{}
//	if err := op.Register(s, stepgraph.SyncAndSafe()); err != nil {
//	    return nil, err
//	}
//	if _, err := s.AddDependency(parent); err != nil {
//	    return nil, err
//	}
type Step interface {
	// Kind returns the variant tag of the step.
	Kind() Kind

	// Capabilities returns the optional behaviours this step offers.
	Capabilities() Capability

	// Execute computes the step for every index of the batch. Data problems
	// for a single index are reported as *ErrorValue entries; a returned error
	// is fatal for the step and everything depending on it.
	Execute(ctx context.Context, d *ExecutionDetails) (Values, error)

	base() *StepBase
}

// Optimizer is implemented by steps that can rewrite themselves. Returning a
// different step asks the plan to rewire every dependent to it.
type Optimizer interface {
	Optimize() (Step, error)
}

// Deduplicator is implemented by steps that can be merged with equivalent
// peers. Peers always share the step's kind, peer key and dependencies; the
// method returns the subset that is interchangeable with the receiver.
type Deduplicator interface {
	Deduplicate(peers []Step) []Step
}

// DeduplicationHandler is notified when the step loses a deduplication merge,
// before any edge is rewired to the survivor.
type DeduplicationHandler interface {
	DeduplicatedWith(survivor Step)
}

// Finalizer is called exactly once when the plan is finalized.
type Finalizer interface {
	Finalize() error
}

// UnbatchedExecutor is the per-index fast path. It must be observably
// equivalent to Execute for the same inputs.
type UnbatchedExecutor interface {
	UnbatchedExecute(extra *ExecutionExtra, values ...any) (any, error)
}

// ListHead is implemented by list-constructing steps that can name the step
// producing their first element.
type ListHead interface {
	First() (Step, error)
}

// SQLFragment is implemented by steps that can be embedded in a generated SQL
// fragment.
type SQLFragment interface {
	SQLFragment() string
}

type weakRef struct {
	target        StepID
	justification string
}

// StepBase carries the identity, edges and lifecycle flags shared by all
// steps. It must be embedded, never copied after registration.
type StepBase struct {
	id   StepID
	op   *OperationPlan
	self Step
	name string

	deps []StepID
	refs []weakRef

	peerKey    string
	hasPeerKey bool

	syncAndSafe                bool
	allowMultipleOptimizations bool
	optimized                  bool
	finalized                  bool

	// dirty is set when one of the step's edges was rewired since the step
	// was last optimized.
	dirty bool
}

func (b *StepBase) base() *StepBase { return b }

// ID returns the step's identifier. It is -1 before registration.
func (b *StepBase) ID() StepID {
	if b.op == nil {
		return -1
	}
	return b.id
}

// Name returns the human-readable step name.
func (b *StepBase) Name() string { return b.name }

// Plan returns the plan the step is registered with.
func (b *StepBase) Plan() *OperationPlan { return b.op }

func (b *StepBase) String() string {
	return fmt.Sprintf("%s[%d]", b.name, b.ID())
}

// AddDependency registers a strong edge to dep and returns the handle used
// with Dep.
func (b *StepBase) AddDependency(dep Step) (int, error) {
	if b.op == nil {
		return -1, &ConstructionError{StepID: -1, Message: "step is not registered with a plan", Cause: ErrNotRegistered}
	}
	return b.op.addDependency(b, dep)
}

// AddRef registers a weak edge to target. The justification is diagnostic
// only.
func (b *StepBase) AddRef(target Step, justification string) (int, error) {
	if b.op == nil {
		return -1, &ConstructionError{StepID: -1, Message: "step is not registered with a plan", Cause: ErrNotRegistered}
	}
	return b.op.addRef(b, target, justification)
}

// Dep returns the live step behind dependency handle i.
func (b *StepBase) Dep(i int) Step {
	return b.op.Step(b.deps[i])
}

// DepCount returns the number of strong dependencies.
func (b *StepBase) DepCount() int { return len(b.deps) }

// DepIDs returns a copy of the resolved dependency IDs.
func (b *StepBase) DepIDs() []StepID {
	out := make([]StepID, len(b.deps))
	for i, id := range b.deps {
		out[i] = b.op.resolve(id)
	}
	return out
}

// Ref returns the current target of weak reference i, which may differ from
// the originally referenced step after deduplication or optimization.
func (b *StepBase) Ref(i int) Step {
	return b.op.Step(b.refs[i].target)
}

// RefJustification returns the diagnostic string given to AddRef.
func (b *StepBase) RefJustification(i int) string { return b.refs[i].justification }

// SetPeerKey sets the coarse grouping key used to find deduplication
// candidates. Steps without a peer key are never deduplicated.
func (b *StepBase) SetPeerKey(key string) {
	b.peerKey = key
	b.hasPeerKey = true
}

// PeerKey returns the peer key and whether one was set.
func (b *StepBase) PeerKey() (string, bool) { return b.peerKey, b.hasPeerKey }

func (b *StepBase) IsSyncAndSafe() bool { return b.syncAndSafe }

func (b *StepBase) AllowsMultipleOptimizations() bool { return b.allowMultipleOptimizations }

func (b *StepBase) IsOptimized() bool { return b.optimized }

func (b *StepBase) IsFinalized() bool { return b.finalized }

// baseOf exposes the StepBase of any step to packages that only hold the
// interface.
func baseOf(s Step) *StepBase { return s.base() }

// IDOf returns the ID of s.
func IDOf(s Step) StepID { return baseOf(s).ID() }

// NameOf returns the name of s.
func NameOf(s Step) string { return baseOf(s).name }

// DependencyOf returns the live step behind dependency handle i of s.
func DependencyOf(s Step, i int) Step { return baseOf(s).Dep(i) }
