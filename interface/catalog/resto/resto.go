package resto

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	neturl "net/url"
	"strconv"
	"strings"
	"time"

	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/interface/catalog"
	"github.com/airbusgeo/geofed/service"
	"github.com/airbusgeo/geofed/service/geometry"
	"github.com/airbusgeo/geofed/service/log"
	"github.com/go-spatial/geom/encoding/geojson"
)

// maxRecords accepted by resto catalogs in one page
const maxRecords = 1000

// mapKey: canonical property -> resto query parameter
var mapKey = map[string]string{
	common.PropConstellation:        "constellation",
	common.PropPlatform:             "platform",
	common.PropInstrument:           "instrument",
	common.PropProductType:          "productType",
	common.PropProcessingLevel:      "processingLevel",
	common.PropOrbitDirection:       "orbitDirection",
	common.PropRelativeOrbit:        "relativeOrbitNumber",
	common.PropPolarisationMode:     "polarisation",
	common.PropCloudCoverPercentage: "cloudCover",
}

// Client searches a resto catalog (json over http, page/maxRecords pagination)
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

func New(name, searchEndpoint string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{name: name, baseURL: strings.TrimSuffix(searchEndpoint, "/"), http: client}
}

func (c *Client) Name() string {
	return c.name
}

// SearchPage implements catalog.SearchProvider. The cursor is the 1-based page number.
func (c *Client) SearchPage(ctx context.Context, q common.ProviderQuery) (*catalog.Page, error) {
	if len(q.IDs) > 0 {
		return c.searchByID(ctx, q)
	}

	page := 1
	if q.Cursor != "" {
		p, err := strconv.Atoi(q.Cursor)
		if err != nil || p < 1 {
			return nil, fmt.Errorf("SearchPage: invalid cursor %q", q.Cursor)
		}
		page = p
	}
	rows := q.Limit
	if rows <= 0 || rows > maxRecords {
		rows = maxRecords
	}

	parameters, err := c.queryParameters(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("SearchPage.%w", err)
	}
	parameters = append(parameters, fmt.Sprintf("maxRecords=%d&page=%d", rows, page))
	log.Logger(ctx).Sugar().Debugf("[%s] search page %d", c.name, page)

	hits, total, err := c.fetch(ctx, c.searchURL(q.Collections)+"?"+strings.Join(parameters, "&"))
	if err != nil {
		return nil, fmt.Errorf("SearchPage.%w", err)
	}

	result := &catalog.Page{Records: make([]catalog.Record, 0, len(hits))}
	for _, hit := range hits {
		result.Records = append(result.Records, hit.record(q))
	}
	if len(hits) > 0 && page*rows < total {
		result.Next = strconv.Itoa(page + 1)
	}
	return result, nil
}

// searchByID resolves explicit identifiers, one request per id, no pagination
func (c *Client) searchByID(ctx context.Context, q common.ProviderQuery) (*catalog.Page, error) {
	result := &catalog.Page{}
	for _, id := range q.IDs {
		hits, _, err := c.fetch(ctx, c.searchURL(q.Collections)+"?productIdentifier="+neturl.QueryEscape(id))
		if err != nil {
			return nil, fmt.Errorf("searchByID.%w", err)
		}
		for _, hit := range hits {
			result.Records = append(result.Records, hit.record(q))
		}
	}
	return result, nil
}

func (c *Client) searchURL(collections []string) string {
	if len(collections) == 1 {
		return c.baseURL + "/" + neturl.PathEscape(collections[0]) + "/search.json"
	}
	return c.baseURL + "/search.json"
}

func (c *Client) queryParameters(ctx context.Context, q common.ProviderQuery) ([]string, error) {
	var parameters []string
	if q.Geometry != nil {
		convexhullWKT, err := geometry.ConvexHullWKT(q.Geometry.Geometry)
		if err != nil {
			return nil, fmt.Errorf("queryParameters.ConvexHullWKT: %w", err)
		}
		parameters = append(parameters, "geometry="+neturl.QueryEscape(convexhullWKT))
	}
	if q.Temporal.Start != nil {
		parameters = append(parameters, "startDate="+q.Temporal.Start.UTC().Format(time.RFC3339))
	}
	if q.Temporal.End != nil {
		parameters = append(parameters, "completionDate="+q.Temporal.End.UTC().Format(time.RFC3339))
	}
	filter, err := encodeFilter(ctx, c.name, q.Filter)
	if err != nil {
		return nil, err
	}
	return append(parameters, filter...), nil
}

// encodeFilter maps a predicate tree onto resto query parameters. An operator
// the dialect cannot encode is an error; a property without a resto parameter
// is skipped (the result is a superset, filtered downstream).
func encodeFilter(ctx context.Context, name string, p *common.Predicate) ([]string, error) {
	if p == nil {
		return nil, nil
	}
	switch p.Kind {
	case common.PredAnd:
		var parameters []string
		for _, arg := range p.Args {
			sub, err := encodeFilter(ctx, name, arg)
			if err != nil {
				return nil, err
			}
			parameters = append(parameters, sub...)
		}
		return parameters, nil
	case common.PredEq:
		key, ok := mapKey[p.Property]
		if !ok {
			log.Logger(ctx).Sugar().Debugf("[%s] search by %s not supported", name, p.Property)
			return nil, nil
		}
		return []string{key + "=" + neturl.QueryEscape(fmt.Sprint(p.Value))}, nil
	case common.PredLte:
		return interval(ctx, name, p.Property, "0", fmt.Sprint(p.Value)), nil
	case common.PredGte:
		return interval(ctx, name, p.Property, fmt.Sprint(p.Value), "100"), nil
	default:
		return nil, fmt.Errorf("encodeFilter: operator %s not supported", p.Kind)
	}
}

// interval encodes a bound on a percentage field (min,max syntax)
func interval(ctx context.Context, name, property, min, max string) []string {
	key, ok := mapKey[property]
	if !ok || property != common.PropCloudCoverPercentage {
		log.Logger(ctx).Sugar().Debugf("[%s] search by %s interval not supported", name, property)
		return nil
	}
	return []string{fmt.Sprintf("%s=%s,%s", key, min, max)}
}

type restoFeature struct {
	ID         string                 `json:"id"`
	Collection string                 `json:"collection"`
	Footprint  *geojson.Geometry      `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

func (c *Client) fetch(ctx context.Context, url string) ([]restoFeature, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch.NewRequest: %w", err)
	}
	body, err := service.GetBodyRetryDo(c.http, req, 3)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch.GetBodyRetry: %w", err)
	}

	results := struct {
		Status     int `json:"status"`
		Properties struct {
			TotalResults int `json:"totalResults"`
		} `json:"properties"`
		Hits []restoFeature `json:"features"`
	}{}
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, 0, fmt.Errorf("fetch.Unmarshal: %w (response: %s)", err, body)
	}
	if results.Status != 0 && results.Status != 200 {
		return nil, 0, fmt.Errorf("fetch: http status %d (response: %s)", results.Status, body)
	}
	return results.Hits, results.Properties.TotalResults, nil
}

func (f restoFeature) record(q common.ProviderQuery) catalog.Record {
	rec := catalog.Record{
		ID:         f.ID,
		Collection: f.Collection,
		Geometry:   f.Footprint,
		Fields:     f.Properties,
		Assets:     map[string]catalog.RawAsset{},
	}
	if rec.Fields == nil {
		rec.Fields = map[string]interface{}{}
	}
	// the product identifier is the cross-catalog identity, the resto id is
	// internal and kept as the uuid field
	if title, ok := rec.Fields["title"].(string); ok && title != "" {
		rec.ID = strings.TrimSuffix(title, ".SAFE")
		if _, ok := rec.Fields["uuid"]; !ok && f.ID != "" {
			rec.Fields["uuid"] = f.ID
		}
	}
	if rec.Collection == "" && len(q.Collections) == 1 {
		rec.Collection = q.Collections[0]
	}
	if services, ok := f.Properties["services"].(map[string]interface{}); ok {
		if download, ok := services["download"].(map[string]interface{}); ok {
			asset := catalog.RawAsset{}
			asset.URL, _ = download["url"].(string)
			asset.MediaType, _ = download["mimeType"].(string)
			if size, ok := download["size"].(float64); ok {
				asset.Size = int64(size)
			}
			if asset.URL != "" {
				rec.Assets["product"] = asset
			}
		}
	}
	for _, key := range []string{"thumbnail", "quicklook"} {
		if url, ok := f.Properties[key].(string); ok && url != "" {
			rec.Assets[key] = catalog.RawAsset{URL: url, MediaType: "image/jpeg"}
		}
	}
	return rec
}
