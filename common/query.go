package common

import (
	"fmt"
	"time"

	"github.com/go-spatial/geom/encoding/geojson"
)

// PredicateKind is the operator of a filter predicate
type PredicateKind string

// Supported filter operators
const (
	PredEq         PredicateKind = "eq"
	PredNeq        PredicateKind = "neq"
	PredLt         PredicateKind = "lt"
	PredLte        PredicateKind = "lte"
	PredGt         PredicateKind = "gt"
	PredGte        PredicateKind = "gte"
	PredIntersects PredicateKind = "intersects"
	PredAnd        PredicateKind = "and"
	PredOr         PredicateKind = "or"
	PredNot        PredicateKind = "not"
)

// IsCombinator returns whether the predicate combines sub-predicates
func (k PredicateKind) IsCombinator() bool {
	return k == PredAnd || k == PredOr || k == PredNot
}

// ParsePredicateKind parses the configuration form of an operator kind
func ParsePredicateKind(s string) (PredicateKind, error) {
	switch k := PredicateKind(s); k {
	case PredEq, PredNeq, PredLt, PredLte, PredGt, PredGte, PredIntersects, PredAnd, PredOr, PredNot:
		return k, nil
	}
	return "", fmt.Errorf("unknown predicate kind %q", s)
}

// Predicate is a node of a filter expression tree
// Comparison predicates use Property/Value, PredIntersects uses Geometry,
// combinators use Args.
type Predicate struct {
	Kind     PredicateKind     `json:"op"`
	Property string            `json:"property,omitempty"`
	Value    interface{}       `json:"value,omitempty"`
	Geometry *geojson.Geometry `json:"geometry,omitempty"`
	Args     []*Predicate      `json:"args,omitempty"`
}

// Kinds returns the set of operator kinds used in the tree
func (p *Predicate) Kinds() []PredicateKind {
	if p == nil {
		return nil
	}
	set := map[PredicateKind]struct{}{}
	p.walk(func(n *Predicate) {
		set[n.Kind] = struct{}{}
	})
	kinds := make([]PredicateKind, 0, len(set))
	for k := range set {
		kinds = append(kinds, k)
	}
	return kinds
}

func (p *Predicate) walk(f func(*Predicate)) {
	if p == nil {
		return
	}
	f(p)
	for _, arg := range p.Args {
		arg.walk(f)
	}
}

// TemporalRange is a [Start, End] interval. A nil bound is open-ended.
type TemporalRange struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// IsZero returns whether both bounds are open
func (t TemporalRange) IsZero() bool {
	return t.Start == nil && t.End == nil
}

// Overlaps returns whether the two ranges intersect
func (t TemporalRange) Overlaps(o TemporalRange) bool {
	if t.Start != nil && o.End != nil && o.End.Before(*t.Start) {
		return false
	}
	if t.End != nil && o.Start != nil && o.Start.After(*t.End) {
		return false
	}
	return true
}

// CanonicalQuery is the normalized search criteria, independent of any provider dialect
type CanonicalQuery struct {
	Collections []string          `json:"collections,omitempty"`
	IDs         []string          `json:"ids,omitempty"`
	Geometry    *geojson.Geometry `json:"geometry,omitempty"`
	Temporal    TemporalRange     `json:"temporal,omitempty"`
	Filter      *Predicate        `json:"filter,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	Cursor      string            `json:"cursor,omitempty"`
}

// ProviderQuery is a CanonicalQuery projected onto one provider's capability set
type ProviderQuery struct {
	Provider    string
	Collections []string
	IDs         []string
	Geometry    *geojson.Geometry
	Temporal    TemporalRange
	Filter      *Predicate
	Limit       int
	// Cursor is the provider-native pagination token ("" = first page)
	Cursor string
	// Degraded is set when unsupported predicates were dropped by translation
	Degraded bool
	Dropped  []PredicateKind
}
