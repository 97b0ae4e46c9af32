package sqlplan

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"

	"stepgraph/pkg/stepgraph"
)

// CursorStep encodes a row's position in its fetch order as an opaque
// string: the base64 of a JSON array of the row's order-by values. An absent
// row has no cursor.
type CursorStep struct {
	stepgraph.StepBase

	classID stepgraph.StepID
	exprs   []string
	codecs  []Codec
	indices []int
}

func newCursor(row *SelectSingleStep) (*CursorStep, error) {
	class := row.Class()
	if len(class.orders) == 0 {
		return nil, &stepgraph.ConstructionError{
			StepID:   row.ID(),
			StepName: row.Name(),
			Message:  "cannot build a cursor",
			Cause:    fmt.Errorf("%w: %s", ErrNoOrder, class),
		}
	}

	c := &CursorStep{classID: row.classID}
	if err := row.Plan().Register(c, stepgraph.SyncAndSafe()); err != nil {
		return nil, err
	}
	if _, err := c.AddDependency(row); err != nil {
		return nil, err
	}

	d := row.resource.dialect()
	for _, o := range class.orders {
		attr, _ := row.resource.Attribute(o.Attribute)
		expr := row.resource.column(d, attr)
		if _, err := class.SelectAndReturnIndex(expr); err != nil {
			return nil, err
		}
		c.exprs = append(c.exprs, expr)
		c.codecs = append(c.codecs, attr.Codec)
	}
	c.SetPeerKey(fmt.Sprint(c.exprs))
	return c, nil
}

func (c *CursorStep) Kind() stepgraph.Kind { return stepgraph.KindCursor }

func (c *CursorStep) Capabilities() stepgraph.Capability { return stepgraph.CapUnbatched }

func (c *CursorStep) Deduplicate(peers []stepgraph.Step) []stepgraph.Step {
	var out []stepgraph.Step
	for _, p := range peers {
		if peer, ok := p.(*CursorStep); ok && slices.Equal(peer.exprs, c.exprs) {
			out = append(out, peer)
		}
	}
	return out
}

func (c *CursorStep) Finalize() error {
	class := c.Plan().Step(c.classID).(*SelectStep)
	c.indices = make([]int, len(c.exprs))
	for i, expr := range c.exprs {
		c.indices[i] = class.indexOf(expr)
		if c.indices[i] < 0 {
			return fmt.Errorf("%s: order expression %q is not selected", c, expr)
		}
	}
	return nil
}

func (c *CursorStep) Execute(ctx context.Context, d *stepgraph.ExecutionDetails) (stepgraph.Values, error) {
	rows := d.Values[0]
	if !rows.IsBatch() {
		return stepgraph.UnaryValues(c.encode(rows.Value())), nil
	}
	return d.IndexMap(func(i int) any {
		return c.encode(rows.At(i))
	}), nil
}

func (c *CursorStep) UnbatchedExecute(extra *stepgraph.ExecutionExtra, values ...any) (any, error) {
	return c.encode(values[0]), nil
}

func (c *CursorStep) encode(row any) any {
	tuple, ok := row.([]any)
	if !ok || len(tuple) == 0 {
		return nil
	}
	values := make([]any, len(c.indices))
	for i, idx := range c.indices {
		if idx >= len(tuple) {
			return nil
		}
		v := decodeColumn(c.codecs[i], tuple[idx])
		if ev, ok := stepgraph.AsErrorValue(v); ok {
			return ev
		}
		values[i] = v
	}
	data, err := json.Marshal(values)
	if err != nil {
		return stepgraph.NewErrorValue(err)
	}
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeCursor returns the order-by values encoded in a cursor.
func DecodeCursor(cursor string) ([]any, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var values []any
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return values, nil
}
