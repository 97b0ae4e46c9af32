package stepgraph

import (
	"context"
	"fmt"
)

// InputStep reads a named input of the batch.
type InputStep struct {
	StepBase
	input string
}

// Input creates a step reading Batch.Inputs[name], or Batch.Shared[name]
// when the value is the same for every index. Inputs with the same name are
// merged during compile.
func Input(op *OperationPlan, name string, opts ...StepOption) (*InputStep, error) {
	s := &InputStep{input: name}
	if err := op.Register(s, append([]StepOption{SyncAndSafe(), WithName("Input(" + name + ")")}, opts...)...); err != nil {
		return nil, err
	}
	s.SetPeerKey(name)
	return s, nil
}

func (s *InputStep) Kind() Kind { return KindInput }

func (s *InputStep) Capabilities() Capability { return 0 }

// InputName returns the batch input the step reads.
func (s *InputStep) InputName() string { return s.input }

func (s *InputStep) Deduplicate(peers []Step) []Step { return peers }

func (s *InputStep) Execute(ctx context.Context, d *ExecutionDetails) (Values, error) {
	batch := d.Extra.Batch
	if v, ok := batch.Shared[s.input]; ok {
		return UnaryValues(v), nil
	}
	entries, ok := batch.Inputs[s.input]
	if !ok {
		return Values{}, fmt.Errorf("%w: %q", ErrMissingInput, s.input)
	}
	out := make([]any, len(entries))
	copy(out, entries)
	return BatchValues(out), nil
}
