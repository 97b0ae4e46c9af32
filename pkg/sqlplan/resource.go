package sqlplan

import (
	"fmt"
	"slices"
	"sort"

	"stepgraph/pkg/stepgraph"
)

// Via names an attribute of a related row.
type Via struct {
	Relation  string
	Attribute string
}

// Attribute describes one column of a resource.
type Attribute struct {
	Name  string
	Codec Codec

	// NotNull marks columns that can never hold NULL in a present row.
	NotNull bool

	// Restricted marks columns the querying role may not be allowed to
	// select, such as those guarded by column privileges.
	Restricted bool

	// Expression computes the attribute from the row alias instead of reading
	// the column of the same name. The alias is passed quoted for the
	// dialect, as in SelectSingleStep.Select.
	Expression func(alias string) string

	// IdenticalVia declares that the attribute always equals an attribute of
	// the row reached through a unique relation, so it can be read from that
	// row when it is already being fetched.
	IdenticalVia *Via
}

// Relation links a resource to rows of Remote whose RemoteAttributes equal
// the local row's LocalAttributes, pairwise.
type Relation struct {
	Remote           *Resource
	LocalAttributes  []string
	RemoteAttributes []string

	// IsUnique is set when at most one remote row matches.
	IsUnique bool
}

// Resource is a table (or any row source) that can be fetched by attribute
// equality.
type Resource struct {
	Name  string
	Table string

	// Attributes in declaration order. Probe selection walks this order.
	Attributes []*Attribute

	Relations map[string]*Relation
	Source    *Source
}

// Attribute returns the attribute called name.
func (r *Resource) Attribute(name string) (*Attribute, bool) {
	for _, a := range r.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// Relation returns the relation called name.
func (r *Resource) Relation(name string) (*Relation, error) {
	rel, ok := r.Relations[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownRelation, r.Name, name)
	}
	return rel, nil
}

// Reciprocal finds the relation of r that walks back along other's relation
// otherRelation, i.e. points at other with the attribute lists swapped.
func (r *Resource) Reciprocal(other *Resource, otherRelation string) (string, *Relation, bool) {
	back, ok := other.Relations[otherRelation]
	if !ok || back.Remote != r {
		return "", nil, false
	}
	names := make([]string, 0, len(r.Relations))
	for name := range r.Relations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rel := r.Relations[name]
		if rel.Remote != other {
			continue
		}
		if slices.Equal(rel.LocalAttributes, back.RemoteAttributes) &&
			slices.Equal(rel.RemoteAttributes, back.LocalAttributes) {
			return name, rel, true
		}
	}
	return "", nil, false
}

func (r *Resource) String() string { return r.Name }

// alias is the name the resource's table takes in generated SQL.
func (r *Resource) alias() string { return "__" + r.Name + "__" }

// column renders the SQL expression reading attr from the row alias.
func (r *Resource) column(d SQLDialect, attr *Attribute) string {
	if attr.Expression != nil {
		return "(" + attr.Expression(d.QuoteIdent(r.alias())) + ")"
	}
	return d.QuoteIdent(r.alias()) + "." + d.QuoteIdent(attr.Name)
}

func (r *Resource) dialect() SQLDialect {
	if r.Source == nil {
		return DialectPostgres
	}
	return r.Source.dialect
}

// Find returns the step fetching every row whose attributes equal the values
// produced by spec, per batch index.
func (r *Resource) Find(op *stepgraph.OperationPlan, spec map[string]stepgraph.Step, opts ...stepgraph.StepOption) (*SelectStep, error) {
	return newSelect(op, r, spec, opts...)
}

// Get returns the step materializing the single row whose attributes equal
// the values produced by spec.
func (r *Resource) Get(op *stepgraph.OperationPlan, spec map[string]stepgraph.Step, opts ...GetOption) (*SelectSingleStep, error) {
	sel, err := r.Find(op, spec)
	if err != nil {
		return nil, err
	}
	return sel.Single(opts...)
}
