package sqlplan

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"stepgraph/pkg/stepgraph"
)

// OrderSpec orders fetched rows by an attribute.
type OrderSpec struct {
	Attribute string
	Desc      bool
}

// SelectStep fetches the rows of a resource matching one identifier tuple per
// batch index. Each index receives a list of row tuples, every tuple holding
// the text value of each selection in SelectAndReturnIndex order.
//
// Identical tuples within a batch are fetched once.
type SelectStep struct {
	stepgraph.StepBase

	resource    *Resource
	identifiers []string
	selections  []string
	orders      []OrderSpec
	limit       int

	query string
}

func newSelect(op *stepgraph.OperationPlan, r *Resource, spec map[string]stepgraph.Step, opts ...stepgraph.StepOption) (*SelectStep, error) {
	names := make([]string, 0, len(spec))
	for name := range spec {
		if _, ok := r.Attribute(name); !ok {
			return nil, &stepgraph.ConstructionError{
				StepID:   -1,
				StepName: "Select(" + r.Name + ")",
				Message:  fmt.Sprintf("cannot filter on %q", name),
				Cause:    fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, r.Name, name),
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)

	s := &SelectStep{resource: r, identifiers: names}
	opts = append([]stepgraph.StepOption{stepgraph.WithName("Select(" + r.Name + ")")}, opts...)
	if err := op.Register(s, opts...); err != nil {
		return nil, err
	}
	for _, name := range names {
		if _, err := s.AddDependency(spec[name]); err != nil {
			return nil, err
		}
	}
	s.SetPeerKey(r.Name)
	return s, nil
}

func (s *SelectStep) Kind() stepgraph.Kind { return stepgraph.KindSelect }

func (s *SelectStep) Capabilities() stepgraph.Capability { return 0 }

// Resource returns the fetched resource.
func (s *SelectStep) Resource() *Resource { return s.resource }

// Identifiers returns the filtered attributes, in dependency order.
func (s *SelectStep) Identifiers() []string { return slices.Clone(s.identifiers) }

// Query returns the rendered SQL. It is empty until the plan is compiled.
func (s *SelectStep) Query() string { return s.query }

// SelectAndReturnIndex adds expr to the selection list, unless already
// present, and returns its column index. The selection list is fixed once
// the fetch is finalized.
func (s *SelectStep) SelectAndReturnIndex(expr string) (int, error) {
	if err := s.checkMutable("cannot select"); err != nil {
		return -1, err
	}
	return s.selectExpr(expr), nil
}

// selectExpr adds expr during compilation, when no guard is needed.
func (s *SelectStep) selectExpr(expr string) int {
	if i := s.indexOf(expr); i >= 0 {
		return i
	}
	s.selections = append(s.selections, expr)
	return len(s.selections) - 1
}

func (s *SelectStep) indexOf(expr string) int {
	return slices.Index(s.selections, expr)
}

func (s *SelectStep) checkMutable(message string) error {
	if !s.IsFinalized() && !s.Plan().IsFinalized() {
		return nil
	}
	return &stepgraph.ConstructionError{StepID: s.ID(), StepName: s.Name(), Message: message, Cause: stepgraph.ErrPlanFinalized}
}

// OrderBy appends an ordering on attr.
func (s *SelectStep) OrderBy(attr string, desc bool) error {
	if err := s.checkMutable("cannot order"); err != nil {
		return err
	}
	if _, ok := s.resource.Attribute(attr); !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, s.resource.Name, attr)
	}
	s.orders = append(s.orders, OrderSpec{Attribute: attr, Desc: desc})
	return nil
}

// SetLimit caps the number of rows per identifier tuple. Zero means no limit.
func (s *SelectStep) SetLimit(n int) error {
	if err := s.checkMutable("cannot limit"); err != nil {
		return err
	}
	s.limit = n
	return nil
}

// Single returns the step materializing the first fetched row.
func (s *SelectStep) Single(opts ...GetOption) (*SelectSingleStep, error) {
	return newSelectSingle(s, opts...)
}

// Deduplicate keeps peers that fetch the same rows in the same order.
func (s *SelectStep) Deduplicate(peers []stepgraph.Step) []stepgraph.Step {
	var out []stepgraph.Step
	for _, p := range peers {
		peer, ok := p.(*SelectStep)
		if !ok || peer.resource != s.resource || peer.limit != s.limit {
			continue
		}
		if !slices.Equal(peer.identifiers, s.identifiers) || !slices.Equal(peer.orders, s.orders) {
			continue
		}
		out = append(out, peer)
	}
	return out
}

// DeduplicatedWith hands the selections of a merged fetch to the survivor.
func (s *SelectStep) DeduplicatedWith(survivor stepgraph.Step) {
	if target, ok := survivor.(*SelectStep); ok {
		for _, expr := range s.selections {
			target.selectExpr(expr)
		}
	}
}

func (s *SelectStep) Finalize() error {
	s.query = s.render()
	return nil
}

func (s *SelectStep) render() string {
	r := s.resource
	d := r.dialect()

	cols := make([]string, len(s.selections))
	for i, expr := range s.selections {
		cols[i] = d.CastText(expr)
	}
	if len(cols) == 0 {
		cols = []string{"1"}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s AS %s", strings.Join(cols, ", "), r.Table, d.QuoteIdent(r.alias()))
	for i, name := range s.identifiers {
		attr, _ := r.Attribute(name)
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s = %s", r.column(d, attr), d.Placeholder(i+1))
	}
	for i, o := range s.orders {
		attr, _ := r.Attribute(o.Attribute)
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(r.column(d, attr))
		if o.Desc {
			b.WriteString(" DESC")
		}
	}
	if s.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", s.limit)
	}
	return b.String()
}

type fetchGroup struct {
	args []any
	rows []any
}

func (s *SelectStep) Execute(ctx context.Context, d *stepgraph.ExecutionDetails) (stepgraph.Values, error) {
	src := s.resource.Source
	if src == nil {
		return stepgraph.Values{}, fmt.Errorf("%w: %s", ErrNoSource, s.resource.Name)
	}

	unary := true
	for _, v := range d.Values {
		if v.IsBatch() {
			unary = false
			break
		}
	}
	if unary {
		args := make([]any, len(d.Values))
		for j, v := range d.Values {
			args[j] = v.Value()
		}
		rows, err := s.fetchTuple(ctx, src, d.Extra, args)
		if err != nil {
			return stepgraph.Values{}, err
		}
		return stepgraph.UnaryValues(rows), nil
	}

	groups := make(map[string]*fetchGroup)
	var pending []*fetchGroup
	byIndex := make([]*fetchGroup, d.Count)
	for i := 0; i < d.Count; i++ {
		args := make([]any, len(d.Values))
		var key strings.Builder
		for j, v := range d.Values {
			args[j] = v.At(i)
			fmt.Fprintf(&key, "%T:%v\x00", args[j], args[j])
		}
		g, ok := groups[key.String()]
		if !ok {
			g = &fetchGroup{args: args}
			groups[key.String()] = g
			pending = append(pending, g)
		}
		byIndex[i] = g
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if src.maxConcurrency > 0 {
		eg.SetLimit(src.maxConcurrency)
	}
	for _, g := range pending {
		eg.Go(func() error {
			rows, err := s.fetchTuple(egCtx, src, d.Extra, g.args)
			if err != nil {
				return err
			}
			g.rows = rows
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return stepgraph.Values{}, err
	}

	return d.IndexMap(func(i int) any {
		return byIndex[i].rows
	}), nil
}

// fetchTuple returns the rows matching one identifier tuple. NULL never
// equals anything in SQL, so a nil identifier matches no row.
func (s *SelectStep) fetchTuple(ctx context.Context, src *Source, extra *stepgraph.ExecutionExtra, args []any) ([]any, error) {
	for _, a := range args {
		if a == nil {
			return []any{}, nil
		}
	}
	rows, err := src.fetch(ctx, extra, s.Name(), s.resource.Name, s.query, args)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = row
	}
	return out, nil
}
