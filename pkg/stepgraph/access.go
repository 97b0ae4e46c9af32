package stepgraph

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// AccessStep reads a path of map keys and slice indices out of its
// dependency. Any missing segment yields nil.
type AccessStep struct {
	StepBase
	path []any
}

// Access creates a step reading path from the value of s. Path segments are
// strings (map keys) or ints (list indices).
func Access(s Step, path ...any) (*AccessStep, error) {
	op := s.base().Plan()
	if op == nil {
		return nil, &ConstructionError{StepID: -1, StepName: "Access", Message: "input step has no plan", Cause: ErrNotRegistered}
	}
	for _, seg := range path {
		switch seg.(type) {
		case string, int:
		default:
			return nil, &ConstructionError{StepID: -1, StepName: "Access", Message: fmt.Sprintf("path segment %v has type %T, want string or int", seg, seg)}
		}
	}

	key := pathKey(path)
	return CacheStep(op, s, "access()", key, func() (*AccessStep, error) {
		a := &AccessStep{path: append([]any(nil), path...)}
		if err := op.Register(a, SyncAndSafe(), AllowMultipleOptimizations(), WithName("Access("+key+")")); err != nil {
			return nil, err
		}
		if _, err := a.AddDependency(s); err != nil {
			return nil, err
		}
		a.SetPeerKey(key)
		return a, nil
	})
}

func pathKey(path []any) string {
	parts := make([]string, len(path))
	for i, seg := range path {
		switch v := seg.(type) {
		case string:
			parts[i] = fmt.Sprintf("%q", v)
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, ".")
}

func (a *AccessStep) Kind() Kind { return KindAccess }

func (a *AccessStep) Capabilities() Capability { return CapUnbatched }

// Path returns the accessed path.
func (a *AccessStep) Path() []any { return append([]any(nil), a.path...) }

// Peer keys encode the full path.
func (a *AccessStep) Deduplicate(peers []Step) []Step { return peers }

// Optimize folds an empty path away, reads object fields straight from the
// step that produces them and merges nested accesses.
func (a *AccessStep) Optimize() (Step, error) {
	parent := a.Dep(0)
	if len(a.path) == 0 {
		return parent, nil
	}
	switch p := parent.(type) {
	case *ObjectStep:
		if key, ok := a.path[0].(string); ok {
			if field := p.Field(key); field != nil {
				if len(a.path) == 1 {
					return field, nil
				}
				return Access(field, a.path[1:]...)
			}
		}
	case *AccessStep:
		return Access(p.Dep(0), append(p.Path(), a.path...)...)
	}
	return a, nil
}

func (a *AccessStep) Execute(ctx context.Context, d *ExecutionDetails) (Values, error) {
	src := d.Values[0]
	if !src.IsBatch() {
		return UnaryValues(accessPath(src.Value(), a.path)), nil
	}
	return d.IndexMap(func(i int) any {
		return accessPath(src.At(i), a.path)
	}), nil
}

func (a *AccessStep) UnbatchedExecute(extra *ExecutionExtra, values ...any) (any, error) {
	return accessPath(values[0], a.path), nil
}

func accessPath(v any, path []any) any {
	for _, seg := range path {
		if v == nil {
			return nil
		}
		switch key := seg.(type) {
		case string:
			if m, ok := v.(map[string]any); ok {
				v = m[key]
				continue
			}
			rv := reflect.ValueOf(v)
			if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
				return nil
			}
			e := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
			if !e.IsValid() {
				return nil
			}
			v = e.Interface()
		case int:
			elems, ok := listElements(v)
			if !ok || key < 0 || key >= len(elems) {
				return nil
			}
			v = elems[key]
		}
	}
	return v
}
