package federation

import (
	"fmt"
	"sort"

	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/registry"
	"github.com/airbusgeo/geofed/service/geometry"
)

// Exclusion records a provider left out of a search and the reason why
type Exclusion struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// Translation is the projection of one canonical query onto a provider set
type Translation struct {
	// Queries are the retained provider queries, in provider priority order
	Queries []common.ProviderQuery
	// Excluded lists the providers left out of this search
	Excluded []Exclusion
}

// Translate projects a canonical query onto each provider capability set.
// Providers whose archive cannot match the query or whose dialect cannot
// express it (per their translation policies) are excluded with a reason.
// Predicates dropped under a drop policy mark the provider query degraded.
func Translate(q common.CanonicalQuery, providers []*registry.ProviderDescriptor) Translation {
	t := Translation{}
	for _, d := range providers {
		pq, reason := project(q, d)
		if reason != "" {
			t.Excluded = append(t.Excluded, Exclusion{Provider: d.Name, Reason: reason})
			continue
		}
		t.Queries = append(t.Queries, pq)
	}
	return t
}

// project builds the provider query, returning a non-empty exclusion reason
// when the provider cannot serve the query at all
func project(q common.CanonicalQuery, d *registry.ProviderDescriptor) (common.ProviderQuery, string) {
	// cheap pre-filter: no round-trip to an archive that cannot overlap
	if !q.Temporal.IsZero() && !d.Coverage.IsZero() && !q.Temporal.Overlaps(d.Coverage) {
		return common.ProviderQuery{}, "temporal range outside provider coverage"
	}
	if q.Geometry != nil && d.Capabilities.MaxGeometryVertices > 0 {
		if n := geometry.CountVertices(q.Geometry.Geometry); n > d.Capabilities.MaxGeometryVertices {
			return common.ProviderQuery{}, fmt.Sprintf("geometry has %d vertices, provider accepts %d", n, d.Capabilities.MaxGeometryVertices)
		}
	}
	collections, ok := providerCollections(q.Collections, d)
	if !ok {
		return common.ProviderQuery{}, "no requested collection is served by this provider"
	}
	filter, dropped, reason := projectFilter(q.Filter, d)
	if reason != "" {
		return common.ProviderQuery{}, reason
	}
	return common.ProviderQuery{
		Provider:    d.Name,
		Collections: collections,
		IDs:         q.IDs,
		Geometry:    q.Geometry,
		Temporal:    q.Temporal,
		Filter:      filter,
		Limit:       q.Limit,
		Degraded:    len(dropped) > 0,
		Dropped:     dropped,
	}, ""
}

// providerCollections narrows the requested collections to those the provider serves
func providerCollections(requested []string, d *registry.ProviderDescriptor) ([]string, bool) {
	if len(requested) == 0 {
		return nil, true
	}
	var kept []string
	for _, c := range requested {
		if d.Capabilities.HasCollection(c) {
			kept = append(kept, c)
		}
	}
	return kept, len(kept) > 0
}

// projectFilter prunes the filter tree of operators the provider does not
// support. An unsupported operator under a PolicyExclude returns a non-empty
// exclusion reason. PolicyDrop operators may only widen the query: a dropped
// node under an AND removes that node alone, while a drop anywhere under an
// OR or a NOT removes the whole combinator (removing an OR arm, or negating
// a widened constraint, would narrow the result instead).
func projectFilter(p *common.Predicate, d *registry.ProviderDescriptor) (*common.Predicate, []common.PredicateKind, string) {
	if p == nil {
		return nil, nil, ""
	}
	for _, k := range p.Kinds() {
		if d.Capabilities.SupportsPredicate(k) {
			continue
		}
		if d.Policy(k) == registry.PolicyExclude {
			return nil, nil, fmt.Sprintf("operator %q not supported", k)
		}
	}
	droppedSet := map[common.PredicateKind]struct{}{}
	pruned := prune(p, d, droppedSet)
	if len(droppedSet) == 0 {
		return pruned, nil, ""
	}
	dropped := make([]common.PredicateKind, 0, len(droppedSet))
	for k := range droppedSet {
		dropped = append(dropped, k)
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i] < dropped[j] })
	return pruned, dropped, ""
}

func prune(p *common.Predicate, d *registry.ProviderDescriptor, dropped map[common.PredicateKind]struct{}) *common.Predicate {
	if p == nil {
		return nil
	}
	if !d.Capabilities.SupportsPredicate(p.Kind) {
		collectUnsupported(p, d, dropped)
		return nil
	}
	switch p.Kind {
	case common.PredAnd:
		var args []*common.Predicate
		for _, arg := range p.Args {
			if pr := prune(arg, d, dropped); pr != nil {
				args = append(args, pr)
			}
		}
		switch len(args) {
		case 0:
			return nil
		case 1:
			return args[0]
		}
		return &common.Predicate{Kind: common.PredAnd, Args: args}
	case common.PredOr, common.PredNot:
		if fullySupported(p, d) {
			return p
		}
		collectUnsupported(p, d, dropped)
		return nil
	}
	return p
}

// fullySupported returns whether every operator of the subtree is supported
func fullySupported(p *common.Predicate, d *registry.ProviderDescriptor) bool {
	for _, k := range p.Kinds() {
		if !d.Capabilities.SupportsPredicate(k) {
			return false
		}
	}
	return true
}

// collectUnsupported records the unsupported operator kinds of a dropped subtree
func collectUnsupported(p *common.Predicate, d *registry.ProviderDescriptor, dropped map[common.PredicateKind]struct{}) {
	for _, k := range p.Kinds() {
		if !d.Capabilities.SupportsPredicate(k) {
			dropped[k] = struct{}{}
		}
	}
}
