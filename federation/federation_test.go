package federation_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/federation"
	"github.com/airbusgeo/geofed/interface/catalog"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

const oneProviderYAML = `  - name: alpha
    priority: 10
    dialect: stacapi
    endpoints: {search: "http://alpha.test/v1"}
    capabilities:
      predicates: [eq, neq, lt, lte, gt, gte, intersects, and, or, not]
`

const twoProvidersYAML = oneProviderYAML + `  - name: beta
    priority: 20
    dialect: stacapi
    endpoints: {search: "http://beta.test/v1"}
    capabilities:
      predicates: [eq, neq, lt, lte, gt, gte, intersects, and, or, not]
`

var _ = Describe("Federator", func() {
	It("deduplicates items by provider priority", func() {
		ctx := context.Background()
		alpha := &mockProvider{name: "alpha", pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{record("SENTINEL-1", "X", "2022-05-01T00:00:00Z")}},
		}}
		beta := &mockProvider{name: "beta", pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{
				record("SENTINEL-1", "X", "2022-05-01T00:00:00Z"),
				record("SENTINEL-1", "Y", "2022-04-01T00:00:00Z"),
			}},
		}}
		f := newFixture(ctx, twoProvidersYAML, federation.Options{}, alpha, beta)
		defer f.Close()

		result, err := f.Search(ctx, common.CanonicalQuery{})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(common.StatusDONE))
		Expect(result.Partial).To(BeFalse())
		Expect(result.Items).To(HaveLen(2))
		Expect(result.Items[0].ID).To(Equal("X"))
		Expect(result.Items[0].Provider).To(Equal("alpha"), "the higher priority provider wins the duplicate")
		Expect(result.Items[1].ID).To(Equal("Y"))
		Expect(result.Items[1].Provider).To(Equal("beta"))
		Expect(result.NextCursor).To(BeEmpty())
	})

	It("orders items independently of provider completion order", func() {
		run := func(alphaDelay, betaDelay time.Duration) []string {
			ctx := context.Background()
			alpha := &mockProvider{name: "alpha", delay: alphaDelay, pages: map[string]*catalog.Page{
				"": {Records: []catalog.Record{record("SENTINEL-1", "A1", "2022-05-01T00:00:00Z")}},
			}}
			beta := &mockProvider{name: "beta", delay: betaDelay, pages: map[string]*catalog.Page{
				"": {Records: []catalog.Record{
					record("SENTINEL-1", "B1", "2022-06-01T00:00:00Z"),
					record("SENTINEL-1", "B2", "2022-04-01T00:00:00Z"),
				}},
			}}
			f := newFixture(ctx, twoProvidersYAML, federation.Options{}, alpha, beta)
			defer f.Close()
			result, err := f.Search(ctx, common.CanonicalQuery{})
			Expect(err).NotTo(HaveOccurred())
			ids := make([]string, len(result.Items))
			for i, item := range result.Items {
				ids[i] = item.ID
			}
			return ids
		}
		Expect(run(40*time.Millisecond, 0)).To(Equal([]string{"B1", "A1", "B2"}))
		Expect(run(0, 40*time.Millisecond)).To(Equal([]string{"B1", "A1", "B2"}))
	})

	It("breaks datetime ties by collection then id", func() {
		ctx := context.Background()
		alpha := &mockProvider{name: "alpha", pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{
				record("SENTINEL-2", "S2B_002", "2022-05-01T00:00:00Z"),
				record("SENTINEL-2", "S2A_001", "2022-05-01T00:00:00Z"),
			}},
		}}
		beta := &mockProvider{name: "beta", pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{record("SENTINEL-1", "S1A_003", "2022-05-01T00:00:00Z")}},
		}}
		f := newFixture(ctx, twoProvidersYAML, federation.Options{}, alpha, beta)
		defer f.Close()

		result, err := f.Search(ctx, common.CanonicalQuery{})
		Expect(err).NotTo(HaveOccurred())
		ids := []string{}
		for _, item := range result.Items {
			ids = append(ids, item.ID)
		}
		Expect(ids).To(Equal([]string{"S1A_003", "S2A_001", "S2B_002"}))
	})

	It("pages through the provider set with a composite cursor", func() {
		ctx := context.Background()
		alpha := &mockProvider{name: "alpha", pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{
				record("SENTINEL-1", "A1", "2022-06-01T00:00:00Z"),
				record("SENTINEL-1", "A2", "2022-05-01T00:00:00Z"),
			}, Next: "2"},
			"2": {Records: []catalog.Record{record("SENTINEL-1", "A3", "2022-04-01T00:00:00Z")}},
		}}
		beta := &mockProvider{name: "beta", pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{record("SENTINEL-1", "B1", "2022-03-01T00:00:00Z")}},
		}}
		f := newFixture(ctx, twoProvidersYAML, federation.Options{}, alpha, beta)
		defer f.Close()

		page1, err := f.Search(ctx, common.CanonicalQuery{})
		Expect(err).NotTo(HaveOccurred())
		Expect(page1.Items).To(HaveLen(3))
		Expect(page1.NextCursor).NotTo(BeEmpty())

		page2, err := f.Search(ctx, common.CanonicalQuery{Cursor: page1.NextCursor})
		Expect(err).NotTo(HaveOccurred())
		Expect(page2.Items).To(HaveLen(1))
		Expect(page2.Items[0].ID).To(Equal("A3"))
		Expect(page2.NextCursor).To(BeEmpty())
		Expect(alpha.callCount()).To(Equal(2))
		Expect(beta.callCount()).To(Equal(1), "an exhausted provider is never dispatched again")
	})

	It("rejects a cursor naming a provider outside the frozen set", func() {
		ctx := context.Background()
		alpha := &mockProvider{name: "alpha"}
		beta := &mockProvider{name: "beta"}
		f := newFixture(ctx, twoProvidersYAML, federation.Options{}, alpha, beta)
		defer f.Close()

		token := base64.RawURLEncoding.EncodeToString([]byte(`{"providers":[{"p":"alpha","n":"2"},{"p":"delta"}]}`))
		_, err := f.Search(ctx, common.CanonicalQuery{Cursor: token})
		var cursorErr *federation.CursorError
		Expect(errors.As(err, &cursorErr)).To(BeTrue())
		Expect(cursorErr.Reason).To(ContainSubstring("delta"))
		Expect(alpha.callCount()).To(Equal(0))
		Expect(beta.callCount()).To(Equal(0))
	})

	It("rejects a garbled cursor without calling any provider", func() {
		ctx := context.Background()
		alpha := &mockProvider{name: "alpha"}
		f := newFixture(ctx, oneProviderYAML, federation.Options{}, alpha)
		defer f.Close()

		_, err := f.Search(ctx, common.CanonicalQuery{Cursor: "not!!!a///cursor"})
		var cursorErr *federation.CursorError
		Expect(errors.As(err, &cursorErr)).To(BeTrue())
		Expect(alpha.callCount()).To(Equal(0))
	})

	It("never dispatches to a provider with unresolved credentials", func() {
		ctx := context.Background()
		providersYAML := twoProvidersYAML + `  - name: delta
    priority: 5
    dialect: stacapi
    auth: basic
    credentials:
      username: svc-account
      password: "${GEOFED_TEST_UNSET_SECRET}"
    endpoints: {search: "http://delta.test/v1"}
    capabilities:
      predicates: [eq, and]
`
		alpha := &mockProvider{name: "alpha", pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{record("SENTINEL-1", "X", "2022-05-01T00:00:00Z")}},
		}}
		beta := &mockProvider{name: "beta"}
		delta := &mockProvider{name: "delta"}
		f := newFixture(ctx, providersYAML, federation.Options{}, alpha, beta, delta)
		defer f.Close()

		result, err := f.Search(ctx, common.CanonicalQuery{})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Items).To(HaveLen(1))
		Expect(delta.callCount()).To(Equal(0))
		for _, e := range result.Excluded {
			Expect(e.Provider).NotTo(Equal("delta"), "a disabled provider is not part of the search at all")
		}
	})

	It("returns a partial page when a provider times out", func() {
		ctx := context.Background()
		alpha := &mockProvider{name: "alpha", delay: 300 * time.Millisecond, pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{record("SENTINEL-1", "A1", "2022-06-01T00:00:00Z")}},
		}}
		beta := &mockProvider{name: "beta", pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{record("SENTINEL-1", "X", "2022-05-01T00:00:00Z")}},
		}}
		f := newFixture(ctx, twoProvidersYAML, federation.Options{ProviderTimeout: 50 * time.Millisecond}, alpha, beta)
		defer f.Close()

		result, err := f.Search(ctx, common.CanonicalQuery{})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Partial).To(BeTrue())
		Expect(result.Status).To(Equal(common.StatusPARTIAL))
		Expect(result.Items).To(HaveLen(1))
		Expect(result.Items[0].ID).To(Equal("X"))
		Expect(result.Excluded).To(HaveLen(1))
		Expect(result.Excluded[0].Provider).To(Equal("alpha"))
		Expect(result.Excluded[0].Reason).To(ContainSubstring("deadline"))
		Expect(result.NextCursor).NotTo(BeEmpty(), "the failed provider can be retried on the next page")
	})

	It("widens or excludes per translation policy", func() {
		ctx := context.Background()
		providersYAML := `  - name: alpha
    priority: 10
    dialect: stacapi
    endpoints: {search: "http://alpha.test/v1"}
    capabilities:
      predicates: [eq, and]
  - name: beta
    priority: 20
    dialect: stacapi
    endpoints: {search: "http://beta.test/v1"}
    capabilities:
      predicates: [eq, and]
    policies: {neq: exclude}
`
		alpha := &mockProvider{name: "alpha", pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{record("SENTINEL-1", "X", "2022-05-01T00:00:00Z")}},
		}}
		beta := &mockProvider{name: "beta"}
		f := newFixture(ctx, providersYAML, federation.Options{}, alpha, beta)
		defer f.Close()

		result, err := f.Search(ctx, common.CanonicalQuery{Filter: neq(common.PropOrbitDirection, "ASCENDING")})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Partial).To(BeFalse(), "a translation exclusion is not a failure")
		Expect(result.Status).To(Equal(common.StatusDONE))
		Expect(result.Degraded).To(ConsistOf("alpha"))
		Expect(result.Excluded).To(HaveLen(1))
		Expect(result.Excluded[0].Provider).To(Equal("beta"))
		Expect(result.Excluded[0].Reason).To(ContainSubstring("neq"))
		Expect(alpha.lastQuery().Filter).To(BeNil(), "the unsupported filter is dropped, not forwarded")
		Expect(beta.callCount()).To(Equal(0))
	})

	It("narrows and post-filters collections", func() {
		ctx := context.Background()
		providersYAML := `  - name: alpha
    priority: 10
    dialect: stacapi
    endpoints: {search: "http://alpha.test/v1"}
    capabilities:
      predicates: [eq, and]
      collections: [SENTINEL-1, LANDSAT-8]
`
		alpha := &mockProvider{name: "alpha", pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{
				record("SENTINEL-1", "S1", "2022-05-01T00:00:00Z"),
				record("LANDSAT-8", "L8", "2022-06-01T00:00:00Z"),
			}},
		}}
		f := newFixture(ctx, providersYAML, federation.Options{}, alpha)
		defer f.Close()

		result, err := f.Search(ctx, common.CanonicalQuery{Collections: []string{"SENTINEL-1", "SENTINEL-2"}})
		Expect(err).NotTo(HaveOccurred())
		Expect(alpha.lastQuery().Collections).To(Equal([]string{"SENTINEL-1"}))
		Expect(result.Items).To(HaveLen(1))
		Expect(result.Items[0].ID).To(Equal("S1"), "items outside the requested collections are filtered out")
	})

	It("fails the page when every provider fails", func() {
		ctx := context.Background()
		alpha := &mockProvider{name: "alpha", err: fmt.Errorf("boom")}
		beta := &mockProvider{name: "beta", err: fmt.Errorf("boom")}
		f := newFixture(ctx, twoProvidersYAML, federation.Options{}, alpha, beta)
		defer f.Close()

		_, err := f.Search(ctx, common.CanonicalQuery{})
		Expect(errors.Is(err, federation.ErrFederationExhausted)).To(BeTrue())
		var exhausted *federation.ExhaustedError
		Expect(errors.As(err, &exhausted)).To(BeTrue())
		Expect(exhausted.Failures).To(HaveKey("alpha"))
		Expect(exhausted.Failures).To(HaveKey("beta"))
	})

	It("returns an empty done page when no provider has matches", func() {
		ctx := context.Background()
		alpha := &mockProvider{name: "alpha"}
		f := newFixture(ctx, oneProviderYAML, federation.Options{}, alpha)
		defer f.Close()

		result, err := f.Search(ctx, common.CanonicalQuery{})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(common.StatusDONE))
		Expect(result.Items).To(BeEmpty())
		Expect(result.NextCursor).To(BeEmpty())
	})

	It("fails when no provider can serve the query", func() {
		ctx := context.Background()
		providersYAML := `  - name: alpha
    priority: 10
    dialect: stacapi
    endpoints: {search: "http://alpha.test/v1"}
    capabilities:
      predicates: [eq, and]
    coverage: {from: "2015-01-01T00:00:00Z", to: "2016-01-01T00:00:00Z"}
`
		alpha := &mockProvider{name: "alpha"}
		f := newFixture(ctx, providersYAML, federation.Options{}, alpha)
		defer f.Close()

		start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		_, err := f.Search(ctx, common.CanonicalQuery{Temporal: common.TemporalRange{Start: &start}})
		Expect(errors.Is(err, federation.ErrNoEligibleProviders)).To(BeTrue())
		var noProvider *federation.NoProviderError
		Expect(errors.As(err, &noProvider)).To(BeTrue())
		Expect(noProvider.Excluded).To(HaveLen(1))
		Expect(alpha.callCount()).To(Equal(0))
	})

	It("skips a provider whose circuit is open", func() {
		ctx := context.Background()
		alpha := &mockProvider{name: "alpha", err: fmt.Errorf("boom")}
		beta := &mockProvider{name: "beta", pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{record("SENTINEL-1", "X", "2022-05-01T00:00:00Z")}},
		}}
		f := newFixture(ctx, twoProvidersYAML, federation.Options{BreakerThreshold: 2, BreakerCooldown: time.Hour}, alpha, beta)
		defer f.Close()

		for i := 0; i < 2; i++ {
			result, err := f.Search(ctx, common.CanonicalQuery{})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Partial).To(BeTrue())
		}
		Expect(alpha.callCount()).To(Equal(2))

		result, err := f.Search(ctx, common.CanonicalQuery{})
		Expect(err).NotTo(HaveOccurred())
		Expect(alpha.callCount()).To(Equal(2), "the open circuit skips the provider")
		Expect(result.Partial).To(BeTrue())
		Expect(result.Excluded).To(HaveLen(1))
		Expect(result.Excluded[0].Reason).To(ContainSubstring("circuit open"))
	})

	It("aborts in-flight provider calls when the search is canceled", func() {
		searchCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		alpha := &mockProvider{name: "alpha", delay: 5 * time.Second}
		f := newFixture(context.Background(), oneProviderYAML, federation.Options{}, alpha)
		defer f.Close()

		done := make(chan error, 1)
		go func() {
			_, err := f.Search(searchCtx, common.CanonicalQuery{})
			done <- err
		}()
		time.Sleep(30 * time.Millisecond)
		cancel()
		var err error
		Eventually(done, time.Second).Should(Receive(&err))
		Expect(err).To(HaveOccurred())
	})

	It("applies the default and maximum page sizes", func() {
		ctx := context.Background()
		alpha := &mockProvider{name: "alpha"}
		f := newFixture(ctx, oneProviderYAML, federation.Options{DefaultPageSize: 7}, alpha)
		defer f.Close()
		_, err := f.Search(ctx, common.CanonicalQuery{})
		Expect(err).NotTo(HaveOccurred())
		Expect(alpha.lastQuery().Limit).To(Equal(7))

		capped := &mockProvider{name: "alpha"}
		g := newFixture(ctx, oneProviderYAML, federation.Options{MaxPageSize: 5}, capped)
		defer g.Close()
		_, err = g.Search(ctx, common.CanonicalQuery{Limit: 100})
		Expect(err).NotTo(HaveOccurred())
		Expect(capped.lastQuery().Limit).To(Equal(5))
	})

	It("truncates the merged page to the requested limit", func() {
		ctx := context.Background()
		alpha := &mockProvider{name: "alpha", pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{
				record("SENTINEL-1", "A1", "2022-06-01T00:00:00Z"),
				record("SENTINEL-1", "A2", "2022-05-01T00:00:00Z"),
				record("SENTINEL-1", "A3", "2022-04-01T00:00:00Z"),
			}},
		}}
		f := newFixture(ctx, oneProviderYAML, federation.Options{}, alpha)
		defer f.Close()

		result, err := f.Search(ctx, common.CanonicalQuery{Limit: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Items).To(HaveLen(2))
		Expect(result.Items[0].ID).To(Equal("A1"))
		Expect(result.Items[1].ID).To(Equal("A2"))
	})
})

var _ = Describe("Locate", func() {
	It("fetches one item from one provider", func() {
		ctx := context.Background()
		alpha := &mockProvider{name: "alpha", pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{record("SENTINEL-1", "X", "2022-05-01T00:00:00Z")}},
		}}
		f := newFixture(ctx, oneProviderYAML, federation.Options{}, alpha)
		defer f.Close()

		item, err := f.Locate(ctx, "alpha", "SENTINEL-1", "X")
		Expect(err).NotTo(HaveOccurred())
		Expect(item.ID).To(Equal("X"))
		Expect(item.Provider).To(Equal("alpha"))
		Expect(alpha.lastQuery().IDs).To(Equal([]string{"X"}))
		Expect(alpha.lastQuery().Collections).To(Equal([]string{"SENTINEL-1"}))
	})

	It("fails with not found for unknown items and providers", func() {
		ctx := context.Background()
		alpha := &mockProvider{name: "alpha", pages: map[string]*catalog.Page{
			"": {Records: []catalog.Record{record("SENTINEL-1", "X", "2022-05-01T00:00:00Z")}},
		}}
		f := newFixture(ctx, oneProviderYAML, federation.Options{}, alpha)
		defer f.Close()

		_, err := f.Locate(ctx, "alpha", "SENTINEL-1", "missing")
		Expect(errors.Is(err, federation.ErrItemNotFound)).To(BeTrue())

		_, err = f.Locate(ctx, "nobody", "SENTINEL-1", "X")
		Expect(errors.Is(err, federation.ErrItemNotFound)).To(BeTrue())
	})
})
