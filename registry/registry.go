package registry

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/service/log"
	"golang.org/x/time/rate"
)

// defaultPriority of a provider entry that declares none (lowest rank)
const defaultPriority = 100

// Options configures the registry layers
type Options struct {
	// ConfigFile is the operator provider file (yaml). Empty: built-in defaults only.
	ConfigFile string
	// Env resolves ${VAR} references in credential fields (defaults to os.LookupEnv)
	Env EnvFunc
	// Discover enables merging provider descriptions pulled from discovery endpoints
	Discover bool
	// Fetch retrieves a discovery document (defaults to an authenticated http get)
	Fetch FetchFunc
}

// Registry publishes immutable provider snapshots. Refresh builds a new
// snapshot and swaps it atomically, so in-flight searches keep using the
// snapshot they started with.
type Registry struct {
	opts    Options
	current atomic.Pointer[Snapshot]
}

// New builds a registry and its first snapshot
func New(ctx context.Context, opts Options) (*Registry, error) {
	r := &Registry{opts: opts}
	if _, err := r.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("New.%w", err)
	}
	return r, nil
}

// Snapshot returns the current snapshot
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Refresh rebuilds the snapshot from the configuration layers and swaps it in.
// A provider that fails validation or credential resolution is disabled with a
// recorded reason; it never aborts the refresh for the other providers.
func (r *Registry) Refresh(ctx context.Context) (*Snapshot, error) {
	configs := Defaults()
	if r.opts.ConfigFile != "" {
		operator, err := LoadFile(r.opts.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("Refresh.%w", err)
		}
		configs = Merge(configs, operator.Providers)
	}
	if r.opts.Discover {
		configs = Merge(configs, r.discover(ctx, configs))
	}
	snapshot := build(ctx, configs, r.opts.Env)
	r.current.Store(snapshot)
	return snapshot, nil
}

// Snapshot is an immutable, priority-ordered view of the configured providers
type Snapshot struct {
	providers []*ProviderDescriptor
	byName    map[string]*ProviderDescriptor
	builtAt   time.Time
}

// BuiltAt returns the snapshot build time
func (s *Snapshot) BuiltAt() time.Time {
	return s.builtAt
}

// Providers returns all providers, enabled or not, sorted by ascending
// priority then declaration order
func (s *Snapshot) Providers() []*ProviderDescriptor {
	return s.providers
}

// Provider returns the named provider
func (s *Snapshot) Provider(name string) (*ProviderDescriptor, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// Filter restricts ListEnabled
type Filter func(*ProviderDescriptor) bool

// WithAnyCollection retains providers serving at least one of the collections
// (no restriction if the list is empty)
func WithAnyCollection(collections []string) Filter {
	return func(d *ProviderDescriptor) bool {
		if len(collections) == 0 {
			return true
		}
		for _, c := range collections {
			if d.Capabilities.HasCollection(c) {
				return true
			}
		}
		return false
	}
}

// ListEnabled returns the enabled providers matching all filters, keeping the
// snapshot ordering
func (s *Snapshot) ListEnabled(filters ...Filter) []*ProviderDescriptor {
	var enabled []*ProviderDescriptor
	for _, d := range s.providers {
		if !d.Enabled {
			continue
		}
		keep := true
		for _, f := range filters {
			if !f(d) {
				keep = false
				break
			}
		}
		if keep {
			enabled = append(enabled, d)
		}
	}
	return enabled
}

func build(ctx context.Context, configs []ProviderConfig, env EnvFunc) *Snapshot {
	snapshot := &Snapshot{byName: map[string]*ProviderDescriptor{}, builtAt: time.Now()}
	enabled := 0
	for i, cfg := range configs {
		if cfg.Name == "" {
			log.Logger(ctx).Sugar().Warnf("registry: ignore provider entry %d: empty name", i)
			continue
		}
		d, err := newDescriptor(cfg, env)
		d.declOrder = i
		if err != nil {
			d.Enabled = false
			d.DisabledReason = err.Error()
			log.Logger(ctx).Sugar().Warnf("registry: disable provider %s: %v", cfg.Name, err)
		}
		if cfg.Disabled {
			d.Enabled = false
			if d.DisabledReason == "" {
				d.DisabledReason = "disabled by operator"
			}
		}
		if d.Enabled {
			enabled++
		}
		snapshot.providers = append(snapshot.providers, d)
		snapshot.byName[d.Name] = d
	}

	sort.SliceStable(snapshot.providers, func(i, j int) bool {
		a, b := snapshot.providers[i], snapshot.providers[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.declOrder < b.declOrder
	})

	log.Logger(ctx).Sugar().Infof("registry: %d providers (%d enabled)", len(snapshot.providers), enabled)
	return snapshot
}

// newDescriptor builds the descriptor of one provider entry. On error, the
// partially built descriptor is still returned so that the provider appears
// in the snapshot as disabled.
func newDescriptor(cfg ProviderConfig, env EnvFunc) (*ProviderDescriptor, error) {
	d := &ProviderDescriptor{
		Name:     cfg.Name,
		Priority: defaultPriority,
		Dialect:  cfg.Dialect,
		Mapping:  cfg.Mapping,
		Enabled:  true,
	}
	if cfg.Priority != nil {
		d.Priority = *cfg.Priority
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if d.Dialect == "" {
		return d, &ConfigError{Provider: cfg.Name, Field: "dialect", Reason: "missing"}
	}
	if cfg.Endpoints.Search == "" {
		return d, &ConfigError{Provider: cfg.Name, Field: "endpoints.search", Reason: "missing"}
	}
	d.Endpoints = cfg.Endpoints

	var err error
	if d.Auth, err = parseStrategy(cfg.Auth); err != nil {
		return d, &ConfigError{Provider: cfg.Name, Field: "auth", Reason: err.Error()}
	}
	if d.Capabilities, err = parseCapabilities(cfg.Capabilities); err != nil {
		return d, &ConfigError{Provider: cfg.Name, Field: "capabilities", Reason: err.Error()}
	}
	if d.Coverage, err = cfg.Coverage.parse(); err != nil {
		return d, &ConfigError{Provider: cfg.Name, Field: "coverage", Reason: err.Error()}
	}
	if d.Policies, err = parsePolicies(cfg.Policies); err != nil {
		return d, &ConfigError{Provider: cfg.Name, Field: "policies", Reason: err.Error()}
	}

	cred, err := resolveCredential(cfg.Name, d.Auth, cfg.Credentials, env)
	if err != nil {
		return d, err
	}
	d.credential = cred
	return d, nil
}

func parseStrategy(s string) (common.AuthStrategy, error) {
	if s == "" {
		return common.AuthNone, nil
	}
	return common.AuthStrategyString(s)
}

func parseCapabilities(cfg CapabilitiesConfig) (Capabilities, error) {
	c := Capabilities{
		MaxGeometryVertices: cfg.MaxVertices,
		Collections:         cfg.Collections,
	}
	switch style := PaginationStyle(cfg.Pagination); style {
	case PaginationPage, PaginationOffset, PaginationToken:
		c.Pagination = style
	case "":
		c.Pagination = PaginationPage
	default:
		return c, fmt.Errorf("unknown pagination style %q", cfg.Pagination)
	}
	for _, s := range cfg.Predicates {
		k, err := common.ParsePredicateKind(s)
		if err != nil {
			return c, err
		}
		c.Predicates = append(c.Predicates, k)
	}
	return c, nil
}

func parsePolicies(cfg map[string]string) (map[common.PredicateKind]TranslationPolicy, error) {
	if len(cfg) == 0 {
		return nil, nil
	}
	policies := map[common.PredicateKind]TranslationPolicy{}
	for ks, ps := range cfg {
		k, err := common.ParsePredicateKind(ks)
		if err != nil {
			return nil, err
		}
		switch p := TranslationPolicy(ps); p {
		case PolicyDrop, PolicyExclude:
			policies[k] = p
		default:
			return nil, fmt.Errorf("unknown policy %q for predicate %s", ps, ks)
		}
	}
	return policies, nil
}
