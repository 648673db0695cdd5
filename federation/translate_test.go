package federation_test

import (
	"testing"
	"time"

	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/federation"
	"github.com/airbusgeo/geofed/registry"
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allPredicates = []common.PredicateKind{
	common.PredEq, common.PredNeq, common.PredLt, common.PredLte, common.PredGt,
	common.PredGte, common.PredIntersects, common.PredAnd, common.PredOr, common.PredNot,
}

func descriptor(name string, predicates ...common.PredicateKind) *registry.ProviderDescriptor {
	return &registry.ProviderDescriptor{
		Name:         name,
		Dialect:      federation.DialectStacAPI,
		Capabilities: registry.Capabilities{Predicates: predicates},
		Enabled:      true,
	}
}

func tp(year, month, day int) *time.Time {
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return &t
}

func eq(property string, value interface{}) *common.Predicate {
	return &common.Predicate{Kind: common.PredEq, Property: property, Value: value}
}

func neq(property string, value interface{}) *common.Predicate {
	return &common.Predicate{Kind: common.PredNeq, Property: property, Value: value}
}

func and(args ...*common.Predicate) *common.Predicate {
	return &common.Predicate{Kind: common.PredAnd, Args: args}
}

func or(args ...*common.Predicate) *common.Predicate {
	return &common.Predicate{Kind: common.PredOr, Args: args}
}

func not(arg *common.Predicate) *common.Predicate {
	return &common.Predicate{Kind: common.PredNot, Args: []*common.Predicate{arg}}
}

func intersects(g *geojson.Geometry) *common.Predicate {
	return &common.Predicate{Kind: common.PredIntersects, Geometry: g}
}

func TestTranslateCoveragePrefilter(t *testing.T) {
	d := descriptor("alpha", allPredicates...)
	d.Coverage = common.TemporalRange{Start: tp(2015, 1, 1), End: tp(2018, 1, 1)}

	tr := federation.Translate(common.CanonicalQuery{
		Temporal: common.TemporalRange{Start: tp(2020, 1, 1)},
	}, []*registry.ProviderDescriptor{d})
	assert.Empty(t, tr.Queries)
	require.Len(t, tr.Excluded, 1)
	assert.Contains(t, tr.Excluded[0].Reason, "coverage")

	tr = federation.Translate(common.CanonicalQuery{
		Temporal: common.TemporalRange{Start: tp(2016, 1, 1), End: tp(2017, 1, 1)},
	}, []*registry.ProviderDescriptor{d})
	assert.Len(t, tr.Queries, 1)
	assert.Empty(t, tr.Excluded)
}

func TestTranslateGeometryEnvelope(t *testing.T) {
	ring := make([][2]float64, 0, 12)
	for i := 0; i < 12; i++ {
		ring = append(ring, [2]float64{float64(i), float64(i % 3)})
	}
	g := &geojson.Geometry{Geometry: geom.Polygon{ring}}

	small := descriptor("small", allPredicates...)
	small.Capabilities.MaxGeometryVertices = 10
	big := descriptor("big", allPredicates...)
	big.Capabilities.MaxGeometryVertices = 1000

	tr := federation.Translate(common.CanonicalQuery{Geometry: g}, []*registry.ProviderDescriptor{small, big})
	require.Len(t, tr.Queries, 1)
	assert.Equal(t, "big", tr.Queries[0].Provider)
	require.Len(t, tr.Excluded, 1)
	assert.Equal(t, "small", tr.Excluded[0].Provider)
	assert.Contains(t, tr.Excluded[0].Reason, "vertices")
}

func TestTranslateDropWidensFilter(t *testing.T) {
	d := descriptor("alpha", common.PredEq, common.PredAnd)

	tr := federation.Translate(common.CanonicalQuery{
		Filter: and(eq(common.PropProductType, "SLC"), neq(common.PropOrbitDirection, "ASCENDING")),
	}, []*registry.ProviderDescriptor{d})
	require.Len(t, tr.Queries, 1)
	pq := tr.Queries[0]
	assert.True(t, pq.Degraded)
	assert.Equal(t, []common.PredicateKind{common.PredNeq}, pq.Dropped)
	require.NotNil(t, pq.Filter)
	assert.Equal(t, common.PredEq, pq.Filter.Kind, "the AND collapses onto its remaining member")
	assert.Equal(t, common.PropProductType, pq.Filter.Property)
}

func TestTranslateOrDropsWhole(t *testing.T) {
	d := descriptor("alpha", common.PredEq, common.PredAnd, common.PredOr)

	// an OR with an unsupported arm cannot be widened arm by arm
	tr := federation.Translate(common.CanonicalQuery{
		Filter: and(
			eq(common.PropProductType, "SLC"),
			or(eq(common.PropOrbitDirection, "ASCENDING"), neq(common.PropPlatform, "S1A")),
		),
	}, []*registry.ProviderDescriptor{d})
	require.Len(t, tr.Queries, 1)
	pq := tr.Queries[0]
	assert.True(t, pq.Degraded)
	assert.Equal(t, []common.PredicateKind{common.PredNeq}, pq.Dropped)
	require.NotNil(t, pq.Filter)
	assert.Equal(t, common.PredEq, pq.Filter.Kind)
	assert.Equal(t, common.PropProductType, pq.Filter.Property)
}

func TestTranslateNotDropsWhole(t *testing.T) {
	d := descriptor("alpha", common.PredEq, common.PredAnd, common.PredNot)

	tr := federation.Translate(common.CanonicalQuery{
		Filter: not(neq(common.PropPlatform, "S1A")),
	}, []*registry.ProviderDescriptor{d})
	require.Len(t, tr.Queries, 1)
	pq := tr.Queries[0]
	assert.True(t, pq.Degraded)
	assert.Nil(t, pq.Filter, "negating a widened constraint would narrow the result")
}

func TestTranslateExcludePolicy(t *testing.T) {
	d := descriptor("beta", common.PredEq, common.PredAnd)
	d.Policies = map[common.PredicateKind]registry.TranslationPolicy{common.PredNeq: registry.PolicyExclude}

	tr := federation.Translate(common.CanonicalQuery{
		Filter: and(eq(common.PropProductType, "SLC"), neq(common.PropOrbitDirection, "ASCENDING")),
	}, []*registry.ProviderDescriptor{d})
	assert.Empty(t, tr.Queries)
	require.Len(t, tr.Excluded, 1)
	assert.Contains(t, tr.Excluded[0].Reason, "neq")
}

func TestTranslateIntersectsDefaultExcludes(t *testing.T) {
	d := descriptor("gamma", common.PredEq, common.PredAnd)
	g := &geojson.Geometry{Geometry: geom.Point{4.05, 43.55}}

	tr := federation.Translate(common.CanonicalQuery{
		Filter: and(eq(common.PropProductType, "SLC"), intersects(g)),
	}, []*registry.ProviderDescriptor{d})
	assert.Empty(t, tr.Queries)
	require.Len(t, tr.Excluded, 1)
	assert.Contains(t, tr.Excluded[0].Reason, "intersects")
}

func TestTranslateCollectionNarrowing(t *testing.T) {
	d := descriptor("alpha", allPredicates...)
	d.Capabilities.Collections = []string{"SENTINEL-1"}
	other := descriptor("beta", allPredicates...)
	other.Capabilities.Collections = []string{"LANDSAT-8"}

	tr := federation.Translate(common.CanonicalQuery{
		Collections: []string{"SENTINEL-1", "SENTINEL-2"},
	}, []*registry.ProviderDescriptor{d, other})
	require.Len(t, tr.Queries, 1)
	assert.Equal(t, []string{"SENTINEL-1"}, tr.Queries[0].Collections)
	require.Len(t, tr.Excluded, 1)
	assert.Equal(t, "beta", tr.Excluded[0].Provider)
}
