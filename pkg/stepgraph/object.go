package stepgraph

import (
	"context"
	"strings"
)

// ObjectStep assembles a map[string]any per index from one step per key.
type ObjectStep struct {
	StepBase
	keys []string
}

// Object creates a step producing {key: value of fields[key]} at each index.
func Object(op *OperationPlan, fields map[string]Step, opts ...StepOption) (*ObjectStep, error) {
	s := &ObjectStep{keys: sortedKeys(fields)}
	if err := op.Register(s, append([]StepOption{SyncAndSafe()}, opts...)...); err != nil {
		return nil, err
	}
	for _, k := range s.keys {
		if _, err := s.AddDependency(fields[k]); err != nil {
			return nil, err
		}
	}
	s.SetPeerKey(strings.Join(s.keys, "\x00"))
	return s, nil
}

func (s *ObjectStep) Kind() Kind { return KindObject }

func (s *ObjectStep) Capabilities() Capability { return CapUnbatched }

// Keys returns the object's keys in dependency order.
func (s *ObjectStep) Keys() []string { return append([]string(nil), s.keys...) }

// Field returns the step behind key, or nil.
func (s *ObjectStep) Field(key string) Step {
	for i, k := range s.keys {
		if k == key {
			return s.Dep(i)
		}
	}
	return nil
}

// Peers share keys and dependencies.
func (s *ObjectStep) Deduplicate(peers []Step) []Step { return peers }

func (s *ObjectStep) Execute(ctx context.Context, d *ExecutionDetails) (Values, error) {
	return d.IndexMap(func(i int) any {
		out := make(map[string]any, len(s.keys))
		for j, k := range s.keys {
			out[k] = d.Values[j].At(i)
		}
		return out
	}), nil
}

func (s *ObjectStep) UnbatchedExecute(extra *ExecutionExtra, values ...any) (any, error) {
	out := make(map[string]any, len(s.keys))
	for j, k := range s.keys {
		out[k] = values[j]
	}
	return out, nil
}
