package federation

import (
	"context"
	"fmt"

	"github.com/airbusgeo/geofed/interface/catalog"
	"github.com/airbusgeo/geofed/interface/catalog/opensearch"
	"github.com/airbusgeo/geofed/interface/catalog/resto"
	"github.com/airbusgeo/geofed/interface/catalog/stacapi"
	"github.com/airbusgeo/geofed/interface/shared"
	"github.com/airbusgeo/geofed/registry"
)

// Query dialects implemented by the default factory
const (
	DialectResto      = "resto"
	DialectOpenSearch = "opensearch"
	DialectStacAPI    = "stacapi"
)

// ProviderFactory builds the search client of one provider. The context
// bounds its background token refreshes, if any; the cancel func releases
// them when the client is retired.
type ProviderFactory func(ctx context.Context, d *registry.ProviderDescriptor) (catalog.SearchProvider, context.CancelFunc, error)

// DefaultFactory builds the dialect client of a provider over an http client
// authenticated per the provider credential strategy.
func DefaultFactory(ctx context.Context, d *registry.ProviderDescriptor) (catalog.SearchProvider, context.CancelFunc, error) {
	client, cncl, err := shared.NewAuthenticatedClient(ctx, d)
	if err != nil {
		return nil, nil, fmt.Errorf("DefaultFactory.%w", err)
	}
	switch d.Dialect {
	case DialectResto:
		return resto.New(d.Name, d.Endpoints.Search, client), cncl, nil
	case DialectOpenSearch:
		return opensearch.New(d.Name, d.Endpoints.Search, client), cncl, nil
	case DialectStacAPI:
		return stacapi.New(d.Name, d.Endpoints.Search, client), cncl, nil
	}
	cncl()
	return nil, nil, fmt.Errorf("DefaultFactory: unknown dialect %q", d.Dialect)
}
