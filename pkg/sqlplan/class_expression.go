package sqlplan

import (
	"context"
	"fmt"

	"stepgraph/pkg/stepgraph"
)

// ClassExpressionStep reads one selected expression of a row and decodes it
// with its codec. An absent row or a NULL yields nil; undecodable text yields
// an error marker for that index.
type ClassExpressionStep struct {
	stepgraph.StepBase

	classID stepgraph.StepID
	expr    string
	codec   Codec

	index int
}

func newClassExpression(parent *SelectSingleStep, name, expr string, codec Codec) (*ClassExpressionStep, error) {
	if codec == nil {
		codec = TextCodec
	}
	c := &ClassExpressionStep{
		classID: parent.classID,
		expr:    expr,
		codec:   codec,
		index:   -1,
	}
	opts := []stepgraph.StepOption{stepgraph.SyncAndSafe()}
	if name != "" {
		opts = append(opts, stepgraph.WithName(name))
	}
	if err := parent.Plan().Register(c, opts...); err != nil {
		return nil, err
	}
	if _, err := c.AddDependency(parent); err != nil {
		return nil, err
	}
	c.SetPeerKey(expr)
	if _, err := parent.Class().SelectAndReturnIndex(expr); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ClassExpressionStep) Kind() stepgraph.Kind { return stepgraph.KindClassExpression }

func (c *ClassExpressionStep) Capabilities() stepgraph.Capability {
	return stepgraph.CapUnbatched | stepgraph.CapSQLFragment
}

// SQLFragment returns the expression as written in the select list, before
// the text cast.
func (c *ClassExpressionStep) SQLFragment() string { return c.expr }

func (c *ClassExpressionStep) Codec() Codec { return c.codec }

// Index returns the column the expression occupies in fetched rows. It is -1
// until the plan is compiled.
func (c *ClassExpressionStep) Index() int { return c.index }

func (c *ClassExpressionStep) class() *SelectStep {
	return c.Plan().Step(c.classID).(*SelectStep)
}

func (c *ClassExpressionStep) Deduplicate(peers []stepgraph.Step) []stepgraph.Step {
	var out []stepgraph.Step
	for _, p := range peers {
		if peer, ok := p.(*ClassExpressionStep); ok && peer.codec.Name() == c.codec.Name() {
			out = append(out, peer)
		}
	}
	return out
}

// Finalize looks the expression up in the fetch, which may have absorbed
// other fetches since the expression was selected.
func (c *ClassExpressionStep) Finalize() error {
	c.index = c.class().indexOf(c.expr)
	if c.index < 0 {
		return fmt.Errorf("%s: expression %q is not selected", c, c.expr)
	}
	return nil
}

func (c *ClassExpressionStep) Execute(ctx context.Context, d *stepgraph.ExecutionDetails) (stepgraph.Values, error) {
	rows := d.Values[0]
	if !rows.IsBatch() {
		return stepgraph.UnaryValues(c.decode(rows.Value())), nil
	}
	return d.IndexMap(func(i int) any {
		return c.decode(rows.At(i))
	}), nil
}

func (c *ClassExpressionStep) UnbatchedExecute(extra *stepgraph.ExecutionExtra, values ...any) (any, error) {
	return c.decode(values[0]), nil
}

func (c *ClassExpressionStep) decode(row any) any {
	tuple, ok := row.([]any)
	if !ok || c.index < 0 || c.index >= len(tuple) {
		return nil
	}
	return decodeColumn(c.codec, tuple[c.index])
}

func decodeColumn(codec Codec, raw any) any {
	if codec == nil {
		codec = TextCodec
	}
	switch raw := raw.(type) {
	case nil:
		return nil
	case string:
		v, err := codec.Decode(raw)
		if err != nil {
			return stepgraph.NewErrorValue(fmt.Errorf("decode %s: %w", codec.Name(), err))
		}
		return v
	default:
		return stepgraph.ErrorValuef("decode %s: expected text, got %T", codec.Name(), raw)
	}
}
