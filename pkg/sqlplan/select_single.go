package sqlplan

import (
	"context"
	"fmt"

	"stepgraph/pkg/stepgraph"
)

// GetOption configures a single-row step.
type GetOption interface {
	applyGet(*getConfig)
}

type getConfig struct {
	from     *SelectSingleStep
	relation string
	stepOpts []stepgraph.StepOption
}

type getOptionFunc func(*getConfig)

func (f getOptionFunc) applyGet(c *getConfig) {
	f(c)
}

// FromRelation records that the row is reached from parent through its
// relation of the given name. Attributes shared across the relation are then
// read from the parent row.
func FromRelation(parent *SelectSingleStep, relation string) GetOption {
	return getOptionFunc(func(c *getConfig) {
		c.from = parent
		c.relation = relation
	})
}

// WithStepOptions passes options to the registration of the single-row step.
func WithStepOptions(opts ...stepgraph.StepOption) GetOption {
	return getOptionFunc(func(c *getConfig) {
		c.stepOpts = append(c.stepOpts, opts...)
	})
}

// SelectSingleStep materializes one row of a fetch per batch index, or nil
// when the row is absent.
//
// Presence is proven by a probe selected alongside the row: a not-null
// attribute, or a literal true when the resource has no suitable attribute.
// A row whose probe is NULL is treated as absent, and so is every attribute
// read from it.
type SelectSingleStep struct {
	stepgraph.StepBase

	resource *Resource
	classID  stepgraph.StepID

	fromRef      int
	fromRelation string

	coalesce bool

	// nonNull is the first plain not-null attribute requested through Get.
	nonNull *Attribute

	probeExpr   string
	probeMarker bool
	probeIndex  int
}

func newSelectSingle(sel *SelectStep, opts ...GetOption) (*SelectSingleStep, error) {
	cfg := &getConfig{}
	for _, opt := range opts {
		opt.applyGet(cfg)
	}

	op := sel.Plan()
	item, err := stepgraph.First(sel)
	if err != nil {
		return nil, err
	}

	s := &SelectSingleStep{
		resource:   sel.resource,
		classID:    sel.ID(),
		fromRef:    -1,
		probeIndex: -1,
	}
	stepOpts := append([]stepgraph.StepOption{
		stepgraph.WithName("SelectSingle(" + sel.resource.Name + ")"),
		stepgraph.SyncAndSafe(),
	}, cfg.stepOpts...)
	if err := op.Register(s, stepOpts...); err != nil {
		return nil, err
	}
	if _, err := s.AddDependency(item); err != nil {
		return nil, err
	}
	s.SetPeerKey(sel.resource.Name)

	if cfg.from != nil {
		ref, err := s.AddRef(cfg.from, "attributes shared with the parent row are read from it")
		if err != nil {
			return nil, err
		}
		s.fromRef = ref
		s.fromRelation = cfg.relation
	}
	return s, nil
}

func (s *SelectSingleStep) Kind() stepgraph.Kind { return stepgraph.KindSelectSingle }

func (s *SelectSingleStep) Capabilities() stepgraph.Capability {
	return stepgraph.CapUnbatched | stepgraph.CapWeakRefs | stepgraph.CapSQLFragment
}

// Resource returns the resource the row belongs to.
func (s *SelectSingleStep) Resource() *Resource { return s.resource }

// Class returns the fetch step the row comes from.
func (s *SelectSingleStep) Class() *SelectStep {
	return s.Plan().Step(s.classID).(*SelectStep)
}

// CoalesceToEmptyObject makes an absent row an empty tuple instead of nil.
// Attributes read from it are still nil.
func (s *SelectSingleStep) CoalesceToEmptyObject() { s.coalesce = true }

// SQLFragment returns the alias of the row in generated SQL.
func (s *SelectSingleStep) SQLFragment() string {
	return s.resource.dialect().QuoteIdent(s.resource.alias())
}

// Get returns the step reading attribute attr of the row. Repeated calls
// return the same step.
func (s *SelectSingleStep) Get(attr string) (*ClassExpressionStep, error) {
	return stepgraph.CacheStep(s.Plan(), s, "get", attr, func() (*ClassExpressionStep, error) {
		return s.get(attr)
	})
}

func (s *SelectSingleStep) get(name string) (*ClassExpressionStep, error) {
	attr, ok := s.resource.Attribute(name)
	if !ok {
		return nil, &stepgraph.ConstructionError{
			StepID:   s.ID(),
			StepName: s.Name(),
			Message:  fmt.Sprintf("cannot get %q", name),
			Cause:    fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, s.resource.Name, name),
		}
	}

	if via := attr.IdenticalVia; via != nil {
		if existing := s.existingSingleRelation(via.Relation); existing != nil {
			return existing.Get(via.Attribute)
		}
	}

	if parent := s.parent(); parent != nil {
		for _, pa := range parent.resource.Attributes {
			if via := pa.IdenticalVia; via != nil && via.Relation == s.fromRelation && via.Attribute == name {
				return parent.Get(pa.Name)
			}
		}
	}

	if s.nonNull == nil && attr.NotNull && attr.Expression == nil {
		s.nonNull = attr
	}
	return newClassExpression(s, s.resource.Name+"."+name, s.resource.column(s.resource.dialect(), attr), attr.Codec)
}

// Select returns the step reading an arbitrary expression over the row. The
// expression receives the quoted row alias.
func (s *SelectSingleStep) Select(expr func(alias string) string, codec Codec) (*ClassExpressionStep, error) {
	d := s.resource.dialect()
	return newClassExpression(s, "", "("+expr(d.QuoteIdent(s.resource.alias()))+")", codec)
}

// parent returns the row this one was reached from, if any.
func (s *SelectSingleStep) parent() *SelectSingleStep {
	if s.fromRef < 0 {
		return nil
	}
	p, _ := s.Ref(s.fromRef).(*SelectSingleStep)
	return p
}

// existingSingleRelation returns the parent row when walking relation from
// this row would lead straight back to it.
func (s *SelectSingleStep) existingSingleRelation(relation string) *SelectSingleStep {
	parent := s.parent()
	if parent == nil {
		return nil
	}
	name, rel, ok := s.resource.Reciprocal(parent.resource, s.fromRelation)
	if ok && name == relation && rel.IsUnique {
		return parent
	}
	return nil
}

// SingleRelation returns the row reached through a unique relation.
func (s *SelectSingleStep) SingleRelation(name string) (*SelectSingleStep, error) {
	if existing := s.existingSingleRelation(name); existing != nil {
		return existing, nil
	}
	rel, err := s.resource.Relation(name)
	if err != nil {
		return nil, s.constructionError(err)
	}
	if !rel.IsUnique {
		return nil, s.constructionError(fmt.Errorf("%w: %s.%s", ErrNotUnique, s.resource.Name, name))
	}
	spec, err := s.relationSpec(rel)
	if err != nil {
		return nil, err
	}
	return rel.Remote.Get(s.Plan(), spec, FromRelation(s, name))
}

// ManyRelation returns the fetch of every row reached through a relation.
func (s *SelectSingleStep) ManyRelation(name string) (*SelectStep, error) {
	rel, err := s.resource.Relation(name)
	if err != nil {
		return nil, s.constructionError(err)
	}
	spec, err := s.relationSpec(rel)
	if err != nil {
		return nil, err
	}
	return rel.Remote.Find(s.Plan(), spec)
}

func (s *SelectSingleStep) relationSpec(rel *Relation) (map[string]stepgraph.Step, error) {
	spec := make(map[string]stepgraph.Step, len(rel.RemoteAttributes))
	for i, remote := range rel.RemoteAttributes {
		local, err := s.Get(rel.LocalAttributes[i])
		if err != nil {
			return nil, err
		}
		spec[remote] = local
	}
	return spec, nil
}

func (s *SelectSingleStep) constructionError(err error) error {
	return &stepgraph.ConstructionError{StepID: s.ID(), StepName: s.Name(), Message: "invalid relation", Cause: err}
}

// Object returns a step building a map of the given attributes per index.
// An absent row yields nil, or a map of nils when the row coalesces to an
// empty object.
func (s *SelectSingleStep) Object(attrs ...string) (stepgraph.Step, error) {
	fields := make(map[string]stepgraph.Step, len(attrs))
	for _, name := range attrs {
		get, err := s.Get(name)
		if err != nil {
			return nil, err
		}
		fields[name] = get
	}
	obj, err := stepgraph.Object(s.Plan(), fields)
	if err != nil {
		return nil, err
	}
	return stepgraph.Lambda(s.Plan(), []stepgraph.Step{s, obj}, func(values ...any) (any, error) {
		if values[0] == nil {
			return nil, nil
		}
		return values[1], nil
	}, stepgraph.WithName("Object("+s.resource.Name+")"), stepgraph.SyncAndSafe())
}

// Cursor returns the step encoding the row's position in the fetch order.
func (s *SelectSingleStep) Cursor() (*CursorStep, error) {
	return newCursor(s)
}

// Deduplicate keeps peers reading the same item of the same fetch.
func (s *SelectSingleStep) Deduplicate(peers []stepgraph.Step) []stepgraph.Step {
	class := stepgraph.IDOf(s.Class())
	var out []stepgraph.Step
	for _, p := range peers {
		peer, ok := p.(*SelectSingleStep)
		if !ok || peer.resource != s.resource || peer.coalesce != s.coalesce {
			continue
		}
		if stepgraph.IDOf(peer.Class()) != class {
			continue
		}
		out = append(out, peer)
	}
	return out
}

// Optimize picks the probe: the first not-null attribute requested through
// Get, else the first cheap, not-null, unrestricted attribute in declaration
// order, else a literal true.
func (s *SelectSingleStep) Optimize() (stepgraph.Step, error) {
	d := s.resource.dialect()
	attr := s.nonNull
	if attr == nil {
		attr = s.suitableAttribute()
	}
	if attr != nil {
		s.probeExpr = s.resource.column(d, attr)
		s.probeMarker = false
	} else {
		s.probeExpr = d.True()
		s.probeMarker = true
	}
	s.Class().selectExpr(s.probeExpr)
	return s, nil
}

func (s *SelectSingleStep) suitableAttribute() *Attribute {
	for _, a := range s.resource.Attributes {
		if a.NotNull && a.Codec != nil && a.Codec.Cheap() && !a.Restricted {
			return a
		}
	}
	return nil
}

func (s *SelectSingleStep) Finalize() error {
	if s.probeExpr == "" {
		return nil
	}
	s.probeIndex = s.Class().indexOf(s.probeExpr)
	if s.probeIndex < 0 {
		return fmt.Errorf("%s: probe %q is not selected", s, s.probeExpr)
	}
	return nil
}

// Probe returns the probe expression and whether it is the literal marker.
func (s *SelectSingleStep) Probe() (string, bool) { return s.probeExpr, s.probeMarker }

func (s *SelectSingleStep) Execute(ctx context.Context, d *stepgraph.ExecutionDetails) (stepgraph.Values, error) {
	items := d.Values[0]
	if !items.IsBatch() {
		return stepgraph.UnaryValues(s.row(items.Value())), nil
	}
	return d.IndexMap(func(i int) any {
		return s.row(items.At(i))
	}), nil
}

func (s *SelectSingleStep) UnbatchedExecute(extra *stepgraph.ExecutionExtra, values ...any) (any, error) {
	return s.row(values[0]), nil
}

func (s *SelectSingleStep) row(v any) any {
	if v == nil {
		return s.absent()
	}
	tuple, ok := v.([]any)
	if !ok {
		return stepgraph.ErrorValuef("%s: expected a row, got %T", s, v)
	}
	if s.probeIndex >= 0 {
		if s.probeIndex >= len(tuple) || tuple[s.probeIndex] == nil {
			return s.absent()
		}
		if s.probeMarker {
			text, _ := tuple[s.probeIndex].(string)
			if b, err := BoolCodec.Decode(text); err != nil || b != true {
				return s.absent()
			}
		}
	}
	return tuple
}

func (s *SelectSingleStep) absent() any {
	if s.coalesce {
		return []any{}
	}
	return nil
}
