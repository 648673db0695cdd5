package federation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/interface/catalog"
	"github.com/airbusgeo/geofed/registry"
	"github.com/airbusgeo/geofed/service/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultProviderTimeout  = 30 * time.Second
	defaultMaxConcurrent    = 16
	defaultPageSize         = 50
	defaultMaxPageSize      = 500
	defaultBreakerThreshold = 5
	defaultBreakerWindow    = 2 * time.Minute
	defaultBreakerCooldown  = 30 * time.Second
)

// Options configures a Federator
type Options struct {
	// Factory builds provider search clients (DefaultFactory if nil)
	Factory ProviderFactory
	// MaxConcurrent caps in-flight provider calls across all searches
	MaxConcurrent int
	// ProviderTimeout bounds each provider search call
	ProviderTimeout time.Duration
	// DefaultPageSize applies when the query does not set a limit
	DefaultPageSize int
	// MaxPageSize caps the requested limit
	MaxPageSize int
	// BreakerThreshold failures within BreakerWindow open a provider circuit
	// for BreakerCooldown. A threshold of 0 keeps the built-in default; a
	// negative threshold disables the breaker.
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration
}

// Federator dispatches canonical searches onto the enabled providers of a
// registry and merges their contributions into canonical result pages.
type Federator struct {
	registry *registry.Registry
	factory  ProviderFactory
	sem      *semaphore.Weighted
	breaker  *breaker
	timeout  time.Duration
	pageSize int
	pageMax  int

	// lifetime bounds the token refresh goroutines of cached clients
	lifetime context.Context

	mu        sync.Mutex
	cacheSnap *registry.Snapshot
	clients   map[string]catalog.SearchProvider
	cancels   []context.CancelFunc
}

// New builds a Federator over the registry. ctx bounds the lifetime of the
// provider clients (token refreshes), not of any individual search.
func New(ctx context.Context, r *registry.Registry, opts Options) *Federator {
	if opts.Factory == nil {
		opts.Factory = DefaultFactory
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = defaultProviderTimeout
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = defaultPageSize
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = defaultMaxPageSize
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = defaultBreakerThreshold
	}
	if opts.BreakerWindow <= 0 {
		opts.BreakerWindow = defaultBreakerWindow
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = defaultBreakerCooldown
	}
	return &Federator{
		registry: r,
		factory:  opts.Factory,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		breaker:  newBreaker(opts.BreakerThreshold, opts.BreakerWindow, opts.BreakerCooldown),
		timeout:  opts.ProviderTimeout,
		pageSize: opts.DefaultPageSize,
		pageMax:  opts.MaxPageSize,
		lifetime: ctx,
		clients:  map[string]catalog.SearchProvider{},
	}
}

// Close releases the cached provider clients
func (f *Federator) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cncl := range f.cancels {
		cncl()
	}
	f.cacheSnap, f.clients, f.cancels = nil, map[string]catalog.SearchProvider{}, nil
}

// Result is one canonical federated result page
type Result struct {
	Status common.Status         `json:"status"`
	Items  []*common.CatalogItem `json:"items"`
	// NextCursor pages through the same provider set ("" when exhausted)
	NextCursor string `json:"nextCursor,omitempty"`
	// Partial is set when at least one provider failed or was skipped
	Partial bool `json:"partial"`
	// Excluded lists the providers that did not contribute, with reasons
	Excluded []Exclusion `json:"excluded,omitempty"`
	// Degraded lists the providers that dropped unsupported predicates
	Degraded []string `json:"degraded,omitempty"`
}

// contribution accumulates the outcome of one provider call. Each dispatch
// goroutine writes only its own contribution.
type contribution struct {
	query      common.ProviderQuery
	dispatched bool
	items      []*common.CatalogItem
	next       string
	exhausted  bool
	degraded   bool
	err        error
	// skipped is the reason the call was not issued (open circuit)
	skipped string
}

// Search federates the canonical query over the enabled providers and merges
// their contributions into one page. The returned page is deterministic for a
// given set of provider responses, whatever their completion order.
func (f *Federator) Search(ctx context.Context, q common.CanonicalQuery) (*Result, error) {
	ctx = log.With(ctx, "search", uuid.New().String())

	if q.Limit <= 0 {
		q.Limit = f.pageSize
	}
	if q.Limit > f.pageMax {
		q.Limit = f.pageMax
	}

	snap := f.registry.Snapshot()

	var contribs []*contribution
	var excluded []Exclusion
	if q.Cursor != "" {
		cursor, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, fmt.Errorf("Search.%w", err)
		}
		if contribs, err = f.resume(q, cursor, snap); err != nil {
			return nil, fmt.Errorf("Search.%w", err)
		}
	} else {
		t := Translate(q, snap.ListEnabled(registry.WithAnyCollection(q.Collections)))
		excluded = t.Excluded
		if len(t.Queries) == 0 {
			log.Logger(ctx).Sugar().Warnf("no eligible provider (%d excluded)", len(t.Excluded))
			return nil, fmt.Errorf("Search: %w", &NoProviderError{Excluded: t.Excluded})
		}
		for _, pq := range t.Queries {
			contribs = append(contribs, &contribution{query: pq, degraded: pq.Degraded})
		}
	}

	log.Logger(ctx).Sugar().Debugf("%s: %d providers (%d excluded)", common.StatusDISPATCHED, len(contribs), len(excluded))
	f.dispatch(ctx, snap, contribs)

	result, err := f.merge(ctx, q, contribs, excluded)
	if err != nil {
		log.Logger(ctx).Sugar().Warnf("%s: %v", common.StatusFAILED, err)
		return nil, fmt.Errorf("Search.%w", err)
	}
	log.Logger(ctx).Sugar().Infof("%s: %d items, partial=%t", result.Status, len(result.Items), result.Partial)
	return result, nil
}

// resume rebuilds the contributions of a cursor chain. The provider set was
// frozen when the first page was built: any mismatch with the current
// snapshot fails closed.
func (f *Federator) resume(q common.CanonicalQuery, cursor *compositeCursor, snap *registry.Snapshot) ([]*contribution, error) {
	contribs := make([]*contribution, 0, len(cursor.Providers))
	for _, pc := range cursor.Providers {
		d, ok := snap.Provider(pc.Provider)
		if !ok || !d.Enabled {
			return nil, &CursorError{Reason: fmt.Sprintf("provider %q is not part of this search", pc.Provider)}
		}
		pq, reason := project(q, d)
		if reason != "" {
			return nil, &CursorError{Reason: fmt.Sprintf("provider %q can no longer serve this search: %s", pc.Provider, reason)}
		}
		pq.Cursor = pc.Next
		pq.Degraded = pc.Degraded
		contribs = append(contribs, &contribution{
			query:     pq,
			exhausted: pc.Exhausted,
			degraded:  pc.Degraded,
		})
	}
	return contribs, nil
}

// dispatch issues one bounded concurrent call per non-exhausted contribution.
// Provider failures are recorded in their contribution, never propagated.
func (f *Federator) dispatch(ctx context.Context, snap *registry.Snapshot, contribs []*contribution) {
	wg := errgroup.Group{}
	for _, c := range contribs {
		c := c
		if c.exhausted {
			continue
		}
		if !f.breaker.allow(c.query.Provider) {
			c.skipped = "circuit open: provider failed repeatedly"
			log.Logger(ctx).Sugar().Warnf("provider %s skipped: %s", c.query.Provider, c.skipped)
			continue
		}
		c.dispatched = true
		wg.Go(func() error {
			f.call(ctx, snap, c)
			return nil
		})
	}
	// errors stay in the contributions
	_ = wg.Wait()
	log.Logger(ctx).Sugar().Debugf("%s: contributions collected", common.StatusCOLLECTING)
}

// call runs one provider search and normalizes its records
func (f *Federator) call(ctx context.Context, snap *registry.Snapshot, c *contribution) {
	name := c.query.Provider
	ctx = log.With(ctx, "provider", name)

	d, ok := snap.Provider(name)
	if !ok {
		c.err = &ProviderTransportError{Provider: name, Err: fmt.Errorf("unknown provider")}
		return
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		c.err = &ProviderTransportError{Provider: name, Err: err}
		return
	}
	defer f.sem.Release(1)
	if l := d.Limiter(); l != nil {
		if err := l.Wait(ctx); err != nil {
			c.err = &ProviderTransportError{Provider: name, Err: err}
			return
		}
	}

	client, err := f.client(d, snap)
	if err != nil {
		c.err = fmt.Errorf("client: %w", err)
		f.breaker.failure(name)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	start := time.Now()
	page, err := client.SearchPage(callCtx, c.query)
	if err != nil {
		c.err = classifyProviderError(name, err)
		f.breaker.failure(name)
		log.Logger(ctx).Sugar().Warnf("search failed after %v: %v", time.Since(start).Round(time.Millisecond), err)
		return
	}
	f.breaker.success(name)

	for _, rec := range page.Records {
		item, err := normalizeRecord(ctx, d, rec)
		if err != nil {
			log.Logger(ctx).Sugar().Debugf("record dropped: %v", err)
			continue
		}
		c.items = append(c.items, item)
	}
	c.next = page.Next
	c.exhausted = page.Next == ""
	log.Logger(ctx).Sugar().Debugf("%d records in %v", len(page.Records), time.Since(start).Round(time.Millisecond))
}

// merge deduplicates, sorts and truncates the contributions into one page and
// composes the next composite cursor. Contributions are walked in provider
// priority order so the first record seen for a (collection, id) wins.
func (f *Federator) merge(ctx context.Context, q common.CanonicalQuery, contribs []*contribution, excluded []Exclusion) (*Result, error) {
	result := &Result{Status: common.StatusDONE, Excluded: excluded}

	failures := map[string]string{}
	dispatched, succeeded := 0, 0
	for _, c := range contribs {
		switch {
		case c.skipped != "":
			dispatched++
			failures[c.query.Provider] = c.skipped
			result.Excluded = append(result.Excluded, Exclusion{Provider: c.query.Provider, Reason: c.skipped})
		case c.err != nil:
			dispatched++
			failures[c.query.Provider] = c.err.Error()
			result.Excluded = append(result.Excluded, Exclusion{Provider: c.query.Provider, Reason: c.err.Error()})
		case c.dispatched:
			dispatched++
			succeeded++
			if c.degraded {
				result.Degraded = append(result.Degraded, c.query.Provider)
			}
		default:
			// exhausted marker from the cursor: no call was made
			if c.degraded {
				result.Degraded = append(result.Degraded, c.query.Provider)
			}
		}
	}
	if dispatched > 0 && succeeded == 0 {
		return nil, &ExhaustedError{Failures: failures}
	}
	result.Partial = len(failures) > 0

	seen := map[common.ItemKey]bool{}
	items := make([]*common.CatalogItem, 0)
	for _, c := range contribs {
		if c.err != nil || c.skipped != "" {
			continue
		}
		for _, item := range c.items {
			if !matchCollections(q.Collections, item.Collection) {
				continue
			}
			if seen[item.Key()] {
				continue
			}
			seen[item.Key()] = true
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Datetime.Equal(items[j].Datetime) {
			return items[i].Datetime.After(items[j].Datetime)
		}
		if items[i].Collection != items[j].Collection {
			return items[i].Collection < items[j].Collection
		}
		return items[i].ID < items[j].ID
	})
	log.Logger(ctx).Sugar().Debugf("%s: %d items kept out of %d records", common.StatusMERGED, len(items), countItems(contribs))
	if len(items) > q.Limit {
		items = items[:q.Limit]
	}
	result.Items = items

	cursor := compositeCursor{}
	for _, c := range contribs {
		pc := providerCursor{Provider: c.query.Provider, Degraded: c.degraded}
		switch {
		case c.err != nil || c.skipped != "":
			// retry the same provider sub-page on the next request
			pc.Next = c.query.Cursor
		case c.exhausted:
			pc.Exhausted = true
		default:
			pc.Next = c.next
		}
		cursor.Providers = append(cursor.Providers, pc)
	}
	next, err := cursor.encode()
	if err != nil {
		return nil, err
	}
	result.NextCursor = next
	if result.Partial {
		result.Status = common.StatusPARTIAL
	}
	return result, nil
}

func matchCollections(requested []string, collection string) bool {
	if len(requested) == 0 {
		return true
	}
	for _, c := range requested {
		if c == collection {
			return true
		}
	}
	return false
}

func countItems(contribs []*contribution) int {
	n := 0
	for _, c := range contribs {
		n += len(c.items)
	}
	return n
}

// client returns the cached search client of the provider, rebuilding the
// cache when the registry snapshot changed
func (f *Federator) client(d *registry.ProviderDescriptor, snap *registry.Snapshot) (catalog.SearchProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cacheSnap != snap {
		for _, cncl := range f.cancels {
			cncl()
		}
		f.cacheSnap, f.clients, f.cancels = snap, map[string]catalog.SearchProvider{}, nil
	}
	if c, ok := f.clients[d.Name]; ok {
		return c, nil
	}
	c, cncl, err := f.factory(f.lifetime, d)
	if err != nil {
		return nil, err
	}
	f.clients[d.Name] = c
	if cncl != nil {
		f.cancels = append(f.cancels, cncl)
	}
	return c, nil
}

// Locate fetches one item from one provider, typically to resolve the origin
// URL of an asset about to be downloaded.
func (f *Federator) Locate(ctx context.Context, provider, collection, id string) (*common.CatalogItem, error) {
	snap := f.registry.Snapshot()
	d, ok := snap.Provider(provider)
	if !ok || !d.Enabled {
		return nil, fmt.Errorf("Locate: provider %q: %w", provider, ErrItemNotFound)
	}
	client, err := f.client(d, snap)
	if err != nil {
		return nil, fmt.Errorf("Locate.client: %w", err)
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("Locate.Acquire: %w", err)
	}
	defer f.sem.Release(1)
	if l := d.Limiter(); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, fmt.Errorf("Locate.Wait: %w", err)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	page, err := client.SearchPage(callCtx, common.ProviderQuery{
		Provider:    provider,
		Collections: []string{collection},
		IDs:         []string{id},
		Limit:       1,
	})
	if err != nil {
		return nil, fmt.Errorf("Locate.%w", classifyProviderError(provider, err))
	}
	for _, rec := range page.Records {
		item, err := normalizeRecord(ctx, d, rec)
		if err != nil {
			continue
		}
		if item.ID == id {
			return item, nil
		}
	}
	return nil, fmt.Errorf("Locate: %s/%s/%s: %w", provider, collection, id, ErrItemNotFound)
}
