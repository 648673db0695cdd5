package registry

import (
	"fmt"
	"strings"

	"github.com/airbusgeo/geofed/common"
	"golang.org/x/time/rate"
)

// PaginationStyle of a provider catalog
type PaginationStyle string

const (
	// PaginationPage: the catalog is paged with page/maxRecords parameters
	PaginationPage PaginationStyle = "page"
	// PaginationOffset: the catalog is paged with start/rows parameters
	PaginationOffset PaginationStyle = "offset"
	// PaginationToken: the catalog returns an opaque next-page token
	PaginationToken PaginationStyle = "token"
)

// TranslationPolicy decides what to do with a predicate unsupported by a provider
type TranslationPolicy string

const (
	// PolicyDrop: drop the predicate and mark the provider contribution degraded
	PolicyDrop TranslationPolicy = "drop"
	// PolicyExclude: exclude the provider from the search
	PolicyExclude TranslationPolicy = "exclude"
)

// defaultPolicies applies when neither the provider nor the operator declares one.
// Attribute predicates default to PolicyDrop.
var defaultPolicies = map[common.PredicateKind]TranslationPolicy{
	common.PredIntersects: PolicyExclude,
}

// Capabilities of a provider catalog
type Capabilities struct {
	// Predicates supported by the provider query dialect
	Predicates []common.PredicateKind
	// Pagination style of the provider
	Pagination PaginationStyle
	// MaxGeometryVertices above which the provider rejects a search geometry (0: no limit)
	MaxGeometryVertices int
	// Collections served by the provider (empty: all)
	Collections []string
}

// SupportsPredicate returns whether the provider supports the operator kind
func (c Capabilities) SupportsPredicate(k common.PredicateKind) bool {
	for _, p := range c.Predicates {
		if p == k {
			return true
		}
	}
	return false
}

// HasCollection returns whether the provider serves the collection
func (c Capabilities) HasCollection(collection string) bool {
	if len(c.Collections) == 0 {
		return true
	}
	for _, col := range c.Collections {
		if col == collection {
			return true
		}
	}
	return false
}

// EndpointConfig of a provider
type EndpointConfig struct {
	Search    string `yaml:"search" json:"search"`
	Download  string `yaml:"download,omitempty" json:"download,omitempty"`
	Token     string `yaml:"token,omitempty" json:"token,omitempty"`
	Discovery string `yaml:"discovery,omitempty" json:"discovery,omitempty"`
}

// ProviderDescriptor is the immutable description of one provider in a snapshot
type ProviderDescriptor struct {
	Name     string
	Priority int
	// Dialect selects the search client implementation (resto, opensearch, stacapi)
	Dialect      string
	Auth         common.AuthStrategy
	Endpoints    EndpointConfig
	Capabilities Capabilities
	// Coverage is the temporal extent of the provider archive
	Coverage common.TemporalRange
	// Policies overrides the default per-predicate translation policies
	Policies map[common.PredicateKind]TranslationPolicy
	// Mapping overrides the dialect property-mapping table (canonical name -> field path)
	Mapping map[string]string
	// Enabled is false if the provider is misconfigured or its credential did not resolve
	Enabled        bool
	DisabledReason string

	credential *Credential
	limiter    *rate.Limiter
	declOrder  int
}

// Credential returns the resolved credential of the provider (nil if none is required)
func (d *ProviderDescriptor) Credential() *Credential {
	return d.credential
}

// Limiter returns the upstream rate limiter of the provider (nil if unlimited)
func (d *ProviderDescriptor) Limiter() *rate.Limiter {
	return d.limiter
}

// Policy returns the translation policy for an unsupported predicate kind
func (d *ProviderDescriptor) Policy(k common.PredicateKind) TranslationPolicy {
	if p, ok := d.Policies[k]; ok {
		return p
	}
	if p, ok := defaultPolicies[k]; ok {
		return p
	}
	return PolicyDrop
}

// Redacted returns a log-safe description of the provider (no credential material)
func (d *ProviderDescriptor) Redacted() string {
	fields := "none"
	if d.credential != nil {
		fields = strings.Join(d.credential.FieldNames(), ",")
	}
	return fmt.Sprintf("%s[priority=%d dialect=%s auth=%s credential_fields=%s enabled=%t]",
		d.Name, d.Priority, d.Dialect, d.Auth, fields, d.Enabled)
}
