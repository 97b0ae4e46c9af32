package stepgraph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"strings"
)

// RemapKeysStep builds, per index, a new map holding obj[actual] under each
// desired key.
type RemapKeysStep struct {
	StepBase
	actualByDesired map[string]string
	mapper          func(obj any) any
}

// RemapKeys creates a step remapping the keys of the map produced by s.
// mapping is keyed by desired key; values are the keys read from the input.
// An absent (nil) input stays nil.
func RemapKeys(s Step, mapping map[string]string) (*RemapKeysStep, error) {
	op := s.base().Plan()
	if op == nil {
		return nil, &ConstructionError{StepID: -1, StepName: "RemapKeys", Message: "input step has no plan", Cause: ErrNotRegistered}
	}
	r := &RemapKeysStep{actualByDesired: maps.Clone(mapping)}
	if r.actualByDesired == nil {
		r.actualByDesired = map[string]string{}
	}
	if err := op.Register(r, SyncAndSafe(), AllowMultipleOptimizations()); err != nil {
		return nil, err
	}
	if _, err := r.AddDependency(s); err != nil {
		return nil, err
	}
	r.SetPeerKey(digestMapping(r.actualByDesired))
	return r, nil
}

// digestMapping hashes the sorted desired=actual pairs.
func digestMapping(m map[string]string) string {
	h := sha256.New()
	for _, k := range sortedKeys(m) {
		fmt.Fprintf(h, "%q=%q;", k, m[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (r *RemapKeysStep) Kind() Kind { return KindRemapKeys }

func (r *RemapKeysStep) Capabilities() Capability { return CapUnbatched }

// Mapping returns a copy of the desired-to-actual key mapping.
func (r *RemapKeysStep) Mapping() map[string]string { return maps.Clone(r.actualByDesired) }

func (r *RemapKeysStep) Deduplicate(peers []Step) []Step {
	var out []Step
	for _, p := range peers {
		if o, ok := p.(*RemapKeysStep); ok && maps.Equal(o.actualByDesired, r.actualByDesired) {
			out = append(out, p)
		}
	}
	return out
}

// Optimize removes an identity mapping, handing dependents the input itself.
func (r *RemapKeysStep) Optimize() (Step, error) {
	for desired, actual := range r.actualByDesired {
		if desired != actual {
			return r, nil
		}
	}
	return r.Dep(0), nil
}

// Finalize builds the mapper once so execution does not walk the mapping.
func (r *RemapKeysStep) Finalize() error {
	desired := sortedKeys(r.actualByDesired)
	actual := make([]string, len(desired))
	for i, k := range desired {
		actual[i] = r.actualByDesired[k]
	}
	r.mapper = func(obj any) any {
		if obj == nil {
			return nil
		}
		src, ok := obj.(map[string]any)
		if !ok {
			return ErrorValuef("remapKeys: expected an object, got %T", obj)
		}
		out := make(map[string]any, len(desired))
		for i, k := range desired {
			out[k] = src[actual[i]]
		}
		return out
	}
	return nil
}

func (r *RemapKeysStep) Execute(ctx context.Context, d *ExecutionDetails) (Values, error) {
	objs := d.Values[0]
	if !objs.IsBatch() {
		return UnaryValues(r.mapper(objs.Value())), nil
	}
	return d.IndexMap(func(i int) any {
		return r.mapper(objs.At(i))
	}), nil
}

func (r *RemapKeysStep) UnbatchedExecute(extra *ExecutionExtra, values ...any) (any, error) {
	return r.mapper(values[0]), nil
}

func (r *RemapKeysStep) String() string {
	pairs := make([]string, 0, len(r.actualByDesired))
	for _, k := range sortedKeys(r.actualByDesired) {
		pairs = append(pairs, k+":"+r.actualByDesired[k])
	}
	return fmt.Sprintf("%s{%s}", r.StepBase.String(), strings.Join(pairs, ","))
}
