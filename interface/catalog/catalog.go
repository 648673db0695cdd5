package catalog

import (
	"context"

	"github.com/airbusgeo/geofed/common"
	"github.com/go-spatial/geom/encoding/geojson"
)

// RawAsset is a provider-native asset location
type RawAsset struct {
	URL       string
	MediaType string
	Size      int64
	Checksum  string
}

// Record is one provider-native catalog entry decoded to the fields shared by
// all dialects. Fields carries the rest of the payload for the property mapping.
type Record struct {
	ID         string
	Collection string
	Geometry   *geojson.Geometry
	Fields     map[string]interface{}
	Assets     map[string]RawAsset
}

// Page of provider records. Next is the provider-native cursor of the
// following page ("" = exhausted).
type Page struct {
	Records []Record
	Next    string
}

// SearchProvider is the contract of a provider search dialect
type SearchProvider interface {
	Name() string
	SearchPage(ctx context.Context, query common.ProviderQuery) (*Page, error)
}
