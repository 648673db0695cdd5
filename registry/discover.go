package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/airbusgeo/geofed/service"
	"github.com/airbusgeo/geofed/service/log"
)

// FetchFunc retrieves a discovery document
type FetchFunc func(ctx context.Context, url string) ([]byte, error)

func defaultFetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("defaultFetch.NewRequest: %w", err)
	}
	return service.GetBodyRetryReq(req, 3)
}

// discoveryDoc is the document served by a provider discovery endpoint.
// "collections" accepts either plain names or objects carrying an "id"
// (the shape of a catalog /collections listing).
type discoveryDoc struct {
	Providers   []ProviderConfig  `json:"providers"`
	Collections []json.RawMessage `json:"collections"`
}

func collectionID(raw json.RawMessage) (string, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("collectionID: %w", err)
	}
	if obj.ID == "" {
		return "", fmt.Errorf("collectionID: no id")
	}
	return obj.ID, nil
}

// discover pulls the discovery endpoints of the declared providers and
// returns an overlay: new provider entries plus widened collection lists for
// the declaring providers. A declared provider name is never overwritten by a
// discovered one. Failures are logged and skipped.
func (r *Registry) discover(ctx context.Context, declared []ProviderConfig) []ProviderConfig {
	fetch := r.opts.Fetch
	if fetch == nil {
		fetch = defaultFetch
	}

	declaredNames := service.StringSet{}
	for _, cfg := range declared {
		declaredNames.Push(cfg.Name)
	}

	var overlay []ProviderConfig
	for _, cfg := range declared {
		if cfg.Disabled || cfg.Endpoints.Discovery == "" {
			continue
		}
		doc, err := fetchDiscovery(ctx, fetch, cfg.Endpoints.Discovery)
		if err != nil {
			log.Logger(ctx).Sugar().Warnf("registry: discovery %s: %v", cfg.Name, err)
			continue
		}

		for _, p := range doc.Providers {
			if p.Name == "" || declaredNames.Exists(p.Name) {
				log.Logger(ctx).Sugar().Debugf("registry: discovery %s: skip provider %q", cfg.Name, p.Name)
				continue
			}
			declaredNames.Push(p.Name)
			overlay = append(overlay, p)
		}

		if widened := widenCollections(cfg, doc.Collections); widened != nil {
			overlay = append(overlay, ProviderConfig{
				Name:         cfg.Name,
				Capabilities: CapabilitiesConfig{Collections: widened},
			})
			log.Logger(ctx).Sugar().Debugf("registry: discovery %s: %d collections", cfg.Name, len(widened))
		}
	}
	return overlay
}

func fetchDiscovery(ctx context.Context, fetch FetchFunc, url string) (*discoveryDoc, error) {
	body, err := fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetchDiscovery.%w", err)
	}
	doc := discoveryDoc{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("fetchDiscovery.Unmarshal: %w", err)
	}
	return &doc, nil
}

// widenCollections unions the discovered collection names into the declared
// list. Returns nil if nothing new was discovered.
func widenCollections(cfg ProviderConfig, discovered []json.RawMessage) []string {
	if len(discovered) == 0 {
		return nil
	}
	known := service.StringSet{}
	union := append([]string{}, cfg.Capabilities.Collections...)
	for _, c := range union {
		known.Push(c)
	}
	grown := false
	for _, raw := range discovered {
		name, err := collectionID(raw)
		if err != nil || known.Exists(name) {
			continue
		}
		known.Push(name)
		union = append(union, name)
		grown = true
	}
	if !grown {
		return nil
	}
	return union
}
