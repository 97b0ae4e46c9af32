package sqlplan

import (
	"context"
	"fmt"

	"stepgraph/pkg/stepgraph"
)

// RecordsStep decodes every row of a fetch into a map of attribute values.
type RecordsStep struct {
	stepgraph.StepBase

	classID stepgraph.StepID
	attrs   []*Attribute
	exprs   []string
	indices []int
}

// Records returns the step listing, per index, every fetched row as a map of
// the given attributes.
func (s *SelectStep) Records(attrs ...string) (*RecordsStep, error) {
	r := s.resource
	d := r.dialect()
	rec := &RecordsStep{classID: s.ID()}
	for _, name := range attrs {
		attr, ok := r.Attribute(name)
		if !ok {
			return nil, &stepgraph.ConstructionError{
				StepID:   s.ID(),
				StepName: s.Name(),
				Message:  fmt.Sprintf("cannot list %q", name),
				Cause:    fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, r.Name, name),
			}
		}
		rec.attrs = append(rec.attrs, attr)
		rec.exprs = append(rec.exprs, r.column(d, attr))
	}

	if err := s.Plan().Register(rec, stepgraph.WithName("Records("+r.Name+")")); err != nil {
		return nil, err
	}
	if _, err := rec.AddDependency(s); err != nil {
		return nil, err
	}
	for _, expr := range rec.exprs {
		if _, err := s.SelectAndReturnIndex(expr); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (r *RecordsStep) Kind() stepgraph.Kind { return stepgraph.KindCustom }

func (r *RecordsStep) Capabilities() stepgraph.Capability { return 0 }

func (r *RecordsStep) Finalize() error {
	class := r.Plan().Step(r.classID).(*SelectStep)
	r.indices = make([]int, len(r.exprs))
	for i, expr := range r.exprs {
		if r.indices[i] = class.indexOf(expr); r.indices[i] < 0 {
			return fmt.Errorf("%s: expression %q is not selected", r, expr)
		}
	}
	return nil
}

func (r *RecordsStep) Execute(ctx context.Context, d *stepgraph.ExecutionDetails) (stepgraph.Values, error) {
	lists := d.Values[0]
	if !lists.IsBatch() {
		return stepgraph.UnaryValues(r.decode(lists.Value())), nil
	}
	return d.IndexMap(func(i int) any {
		return r.decode(lists.At(i))
	}), nil
}

func (r *RecordsStep) decode(v any) any {
	rows, ok := v.([]any)
	if !ok {
		if v == nil {
			return nil
		}
		return stepgraph.ErrorValuef("%s: expected rows, got %T", r, v)
	}
	out := make([]any, len(rows))
	for i, row := range rows {
		tuple, _ := row.([]any)
		rec := make(map[string]any, len(r.attrs))
		for j, attr := range r.attrs {
			if idx := r.indices[j]; idx < len(tuple) {
				v := decodeColumn(attr.Codec, tuple[idx])
				if ev, ok := stepgraph.AsErrorValue(v); ok {
					return ev
				}
				rec[attr.Name] = v
			}
		}
		out[i] = rec
	}
	return out
}
