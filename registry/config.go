package registry

import (
	"fmt"
	"os"
	"time"

	"github.com/airbusgeo/geofed/common"
	"gopkg.in/yaml.v3"
)

// Config is the operator-facing provider file. Entries are merged over the
// built-in defaults by name, so an operator only declares the fields that
// differ (typically credentials and priority).
type Config struct {
	Providers []ProviderConfig `yaml:"providers" json:"providers"`
}

// ProviderConfig declares one provider. Zero values mean "inherit from the
// lower configuration layer".
type ProviderConfig struct {
	Name         string             `yaml:"name" json:"name"`
	Priority     *int               `yaml:"priority,omitempty" json:"priority,omitempty"`
	Dialect      string             `yaml:"dialect,omitempty" json:"dialect,omitempty"`
	Auth         string             `yaml:"auth,omitempty" json:"auth,omitempty"`
	Credentials  map[string]string  `yaml:"credentials,omitempty" json:"credentials,omitempty"`
	Endpoints    EndpointConfig     `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`
	Capabilities CapabilitiesConfig `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Coverage     CoverageConfig     `yaml:"coverage,omitempty" json:"coverage,omitempty"`
	RateLimit    float64            `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Policies     map[string]string  `yaml:"policies,omitempty" json:"policies,omitempty"`
	Mapping      map[string]string  `yaml:"mapping,omitempty" json:"mapping,omitempty"`
	Disabled     bool               `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// CapabilitiesConfig is the configuration form of Capabilities
type CapabilitiesConfig struct {
	Pagination  string   `yaml:"pagination,omitempty" json:"pagination,omitempty"`
	Predicates  []string `yaml:"predicates,omitempty" json:"predicates,omitempty"`
	MaxVertices int      `yaml:"max_vertices,omitempty" json:"max_vertices,omitempty"`
	Collections []string `yaml:"collections,omitempty" json:"collections,omitempty"`
}

// CoverageConfig bounds the temporal extent of a provider's archive (RFC3339, both optional)
type CoverageConfig struct {
	From string `yaml:"from,omitempty" json:"from,omitempty"`
	To   string `yaml:"to,omitempty" json:"to,omitempty"`
}

// LoadFile reads an operator provider file (yaml)
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFile.ReadFile: %w", err)
	}
	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("LoadFile.Unmarshal: %w", err)
	}
	return &config, nil
}

// Merge overlays the operator entries onto base. Entries are matched by name,
// non-zero overlay fields win, unknown names are appended in declaration order.
func Merge(base, overlay []ProviderConfig) []ProviderConfig {
	merged := make([]ProviderConfig, len(base))
	copy(merged, base)
	index := map[string]int{}
	for i, p := range merged {
		index[p.Name] = i
	}

	for _, over := range overlay {
		i, ok := index[over.Name]
		if !ok {
			index[over.Name] = len(merged)
			merged = append(merged, over)
			continue
		}
		merged[i] = mergeProvider(merged[i], over)
	}
	return merged
}

func mergeProvider(base, over ProviderConfig) ProviderConfig {
	if over.Priority != nil {
		base.Priority = over.Priority
	}
	if over.Dialect != "" {
		base.Dialect = over.Dialect
	}
	if over.Auth != "" {
		base.Auth = over.Auth
	}
	if len(over.Credentials) != 0 {
		if base.Credentials == nil {
			base.Credentials = map[string]string{}
		}
		for k, v := range over.Credentials {
			base.Credentials[k] = v
		}
	}
	if over.Endpoints.Search != "" {
		base.Endpoints.Search = over.Endpoints.Search
	}
	if over.Endpoints.Download != "" {
		base.Endpoints.Download = over.Endpoints.Download
	}
	if over.Endpoints.Token != "" {
		base.Endpoints.Token = over.Endpoints.Token
	}
	if over.Endpoints.Discovery != "" {
		base.Endpoints.Discovery = over.Endpoints.Discovery
	}
	if over.Capabilities.Pagination != "" {
		base.Capabilities.Pagination = over.Capabilities.Pagination
	}
	if len(over.Capabilities.Predicates) != 0 {
		base.Capabilities.Predicates = over.Capabilities.Predicates
	}
	if over.Capabilities.MaxVertices != 0 {
		base.Capabilities.MaxVertices = over.Capabilities.MaxVertices
	}
	if len(over.Capabilities.Collections) != 0 {
		base.Capabilities.Collections = over.Capabilities.Collections
	}
	if over.Coverage.From != "" {
		base.Coverage.From = over.Coverage.From
	}
	if over.Coverage.To != "" {
		base.Coverage.To = over.Coverage.To
	}
	if over.RateLimit != 0 {
		base.RateLimit = over.RateLimit
	}
	if len(over.Policies) != 0 {
		if base.Policies == nil {
			base.Policies = map[string]string{}
		}
		for k, v := range over.Policies {
			base.Policies[k] = v
		}
	}
	if len(over.Mapping) != 0 {
		if base.Mapping == nil {
			base.Mapping = map[string]string{}
		}
		for k, v := range over.Mapping {
			base.Mapping[k] = v
		}
	}
	if over.Disabled {
		base.Disabled = true
	}
	return base
}

func (c CoverageConfig) parse() (common.TemporalRange, error) {
	r := common.TemporalRange{}
	if c.From != "" {
		t, err := time.Parse(time.RFC3339, c.From)
		if err != nil {
			return r, fmt.Errorf("coverage.from: %w", err)
		}
		r.Start = &t
	}
	if c.To != "" {
		t, err := time.Parse(time.RFC3339, c.To)
		if err != nil {
			return r, fmt.Errorf("coverage.to: %w", err)
		}
		r.End = &t
	}
	return r, nil
}

func intptr(i int) *int { return &i }

// Defaults returns the built-in provider layer. Operators override
// credentials, priorities and endpoints through the provider file.
func Defaults() []ProviderConfig {
	return []ProviderConfig{
		{
			Name:     "creodias",
			Priority: intptr(1),
			Dialect:  "resto",
			Auth:     "oauth",
			Endpoints: EndpointConfig{
				Search:   "https://datahub.creodias.eu/resto/api/collections",
				Download: "https://zipper.creodias.eu/download",
				Token:    "https://identity.cloudferro.com/auth/realms/Creodias-new/protocol/openid-connect/token",
			},
			Capabilities: CapabilitiesConfig{
				Pagination:  "page",
				Predicates:  []string{"eq", "lte", "gte", "intersects", "and"},
				MaxVertices: 1000,
				Collections: []string{"SENTINEL-1", "SENTINEL-2", "SENTINEL-3", "SENTINEL-5P", "LANDSAT-8"},
			},
			Coverage:  CoverageConfig{From: "2014-04-03T00:00:00Z"},
			RateLimit: 10,
		},
		{
			Name:     "scihub",
			Priority: intptr(2),
			Dialect:  "opensearch",
			Auth:     "basic",
			Endpoints: EndpointConfig{
				Search:   "https://apihub.copernicus.eu/apihub/search",
				Download: "https://apihub.copernicus.eu/apihub/odata/v1",
			},
			Capabilities: CapabilitiesConfig{
				Pagination:  "offset",
				Predicates:  []string{"eq", "neq", "lt", "lte", "gt", "gte", "intersects", "and", "or", "not"},
				MaxVertices: 200,
				Collections: []string{"SENTINEL-1", "SENTINEL-2", "SENTINEL-3", "SENTINEL-5P"},
			},
			Coverage:  CoverageConfig{From: "2014-04-03T00:00:00Z"},
			RateLimit: 2,
		},
		{
			Name:     "earth-search",
			Priority: intptr(3),
			Dialect:  "stacapi",
			Auth:     "none",
			Endpoints: EndpointConfig{
				Search: "https://earth-search.aws.element84.com/v1",
			},
			Capabilities: CapabilitiesConfig{
				Pagination:  "token",
				Predicates:  []string{"eq", "neq", "lt", "lte", "gt", "gte", "intersects", "and", "or", "not"},
				MaxVertices: 10000,
				Collections: []string{"sentinel-2-l2a", "sentinel-1-grd", "landsat-c2-l2", "cop-dem-glo-30"},
			},
			Coverage:  CoverageConfig{From: "2013-04-11T00:00:00Z"},
			RateLimit: 20,
		},
		{
			Name:     "planetary-computer",
			Priority: intptr(4),
			Dialect:  "stacapi",
			Auth:     "apikey",
			Endpoints: EndpointConfig{
				Search:    "https://planetarycomputer.microsoft.com/api/stac/v1",
				Discovery: "https://planetarycomputer.microsoft.com/api/stac/v1/collections",
			},
			Capabilities: CapabilitiesConfig{
				Pagination:  "token",
				Predicates:  []string{"eq", "neq", "lt", "lte", "gt", "gte", "intersects", "and", "or", "not"},
				MaxVertices: 10000,
				Collections: []string{"sentinel-2-l2a", "landsat-c2-l2", "naip", "cop-dem-glo-30"},
			},
			RateLimit: 20,
		},
	}
}
