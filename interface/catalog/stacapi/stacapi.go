package stacapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/interface/catalog"
	"github.com/airbusgeo/geofed/service"
	"github.com/airbusgeo/geofed/service/log"
	"github.com/go-spatial/geom/encoding/geojson"
)

// maxLimit accepted by stac catalogs in one page
const maxLimit = 1000

// mapKey: canonical property -> stac property
var mapKey = map[string]string{
	common.PropDatetime:             "datetime",
	common.PropConstellation:        "constellation",
	common.PropPlatform:             "platform",
	common.PropInstrument:           "instruments",
	common.PropProductType:          "product:type",
	common.PropProcessingLevel:      "processing:level",
	common.PropOrbitDirection:       "sat:orbit_state",
	common.PropRelativeOrbit:        "sat:relative_orbit",
	common.PropPolarisationMode:     "sar:polarizations",
	common.PropCloudCoverPercentage: "eo:cloud_cover",
}

// Client searches a stac api catalog (POST /search, cql2-json filters,
// opaque token pagination)
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

func New(name, baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{name: name, baseURL: strings.TrimSuffix(baseURL, "/"), http: client}
}

func (c *Client) Name() string {
	return c.name
}

type searchBody struct {
	Collections []string               `json:"collections,omitempty"`
	IDs         []string               `json:"ids,omitempty"`
	Intersects  *geojson.Geometry      `json:"intersects,omitempty"`
	Datetime    string                 `json:"datetime,omitempty"`
	Limit       int                    `json:"limit,omitempty"`
	Token       string                 `json:"token,omitempty"`
	Filter      map[string]interface{} `json:"filter,omitempty"`
	FilterLang  string                 `json:"filter-lang,omitempty"`
}

// SearchPage implements catalog.SearchProvider. The cursor is the catalog's
// own next token.
func (c *Client) SearchPage(ctx context.Context, q common.ProviderQuery) (*catalog.Page, error) {
	limit := q.Limit
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	body := searchBody{
		Collections: q.Collections,
		IDs:         q.IDs,
		Intersects:  q.Geometry,
		Limit:       limit,
		Token:       q.Cursor,
	}
	if !q.Temporal.IsZero() {
		from, to := "..", ".."
		if q.Temporal.Start != nil {
			from = q.Temporal.Start.UTC().Format(time.RFC3339)
		}
		if q.Temporal.End != nil {
			to = q.Temporal.End.UTC().Format(time.RFC3339)
		}
		body.Datetime = from + "/" + to
	}
	if q.Filter != nil {
		filter, err := encodeFilter(q.Filter)
		if err != nil {
			return nil, fmt.Errorf("SearchPage.%w", err)
		}
		body.Filter = filter
		body.FilterLang = "cql2-json"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("SearchPage.Marshal: %w", err)
	}
	log.Logger(ctx).Sugar().Debugf("[%s] search token %q", c.name, q.Cursor)

	jsonResults, err := c.postJSON(ctx, c.baseURL+"/search", payload)
	if err != nil {
		return nil, fmt.Errorf("SearchPage.%w", err)
	}
	return c.parseItemCollection(ctx, jsonResults)
}

// postJSON posts the payload with retries, rebuilding the request body on
// each try
func (c *Client) postJSON(ctx context.Context, url string, payload []byte) ([]byte, error) {
	var body []byte
	var err error
	for i := 0; i < 4; i++ {
		time.Sleep(((1 << i) - 1) * time.Second) // Exponential backoff, starting at 0
		var req *http.Request
		if req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload)); err != nil {
			return nil, fmt.Errorf("postJSON.NewRequest: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/geo+json")

		var resp *http.Response
		if resp, err = c.http.Do(req); err != nil {
			if !service.Temporary(err) {
				return nil, err
			}
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode != 200 {
			errBody, _ := io.ReadAll(resp.Body)
			err = fmt.Errorf("%s: %s", resp.Status, errBody)
			if !service.TemporaryCode(resp.StatusCode) {
				return nil, err
			}
			continue
		}
		if body, err = io.ReadAll(resp.Body); err == nil {
			return body, nil
		}
	}
	// the loop only exits on temporary conditions
	return nil, service.MakeTemporary(err)
}

type stacAsset struct {
	Href     string `json:"href"`
	Type     string `json:"type"`
	Size     int64  `json:"file:size"`
	Checksum string `json:"file:checksum"`
}

type stacFeature struct {
	ID         string                 `json:"id"`
	Collection string                 `json:"collection"`
	Geometry   *geojson.Geometry      `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
	Assets     map[string]stacAsset   `json:"assets"`
}

func (c *Client) parseItemCollection(ctx context.Context, jsonResults []byte) (*catalog.Page, error) {
	results := struct {
		Features []stacFeature `json:"features"`
		Links    []struct {
			Rel  string                 `json:"rel"`
			Href string                 `json:"href"`
			Body map[string]interface{} `json:"body"`
		} `json:"links"`
	}{}
	if err := json.Unmarshal(jsonResults, &results); err != nil {
		return nil, fmt.Errorf("parseItemCollection.Unmarshal: %w (response: %s)", err, jsonResults)
	}

	page := &catalog.Page{Records: make([]catalog.Record, 0, len(results.Features))}
	for _, feature := range results.Features {
		if feature.ID == "" {
			log.Logger(ctx).Sugar().Debugf("[%s] drop feature without id", c.name)
			continue
		}
		record := catalog.Record{
			ID:         feature.ID,
			Collection: feature.Collection,
			Geometry:   feature.Geometry,
			Fields:     feature.Properties,
			Assets:     make(map[string]catalog.RawAsset, len(feature.Assets)),
		}
		for key, asset := range feature.Assets {
			if asset.Href == "" {
				continue
			}
			record.Assets[key] = catalog.RawAsset{
				URL:       asset.Href,
				MediaType: asset.Type,
				Size:      asset.Size,
				Checksum:  asset.Checksum,
			}
		}
		page.Records = append(page.Records, record)
	}

	for _, link := range results.Links {
		if strings.ToLower(link.Rel) != "next" {
			continue
		}
		if token, ok := link.Body["token"].(string); ok && token != "" {
			page.Next = token
			break
		}
		if link.Href != "" {
			if u, err := neturl.Parse(link.Href); err == nil {
				if token := u.Query().Get("token"); token != "" {
					page.Next = token
					break
				}
			}
		}
	}
	return page, nil
}

// encodeFilter maps a predicate tree onto a cql2-json expression. Properties
// without a stac equivalent pass through unchanged, the canonical names being
// stac-flavoured.
func encodeFilter(p *common.Predicate) (map[string]interface{}, error) {
	property := func(name string) map[string]interface{} {
		if stac, ok := mapKey[name]; ok {
			name = stac
		}
		return map[string]interface{}{"property": name}
	}

	switch p.Kind {
	case common.PredAnd, common.PredOr:
		args := make([]interface{}, 0, len(p.Args))
		for _, arg := range p.Args {
			sub, err := encodeFilter(arg)
			if err != nil {
				return nil, err
			}
			args = append(args, sub)
		}
		return map[string]interface{}{"op": string(p.Kind), "args": args}, nil
	case common.PredNot:
		if len(p.Args) != 1 {
			return nil, fmt.Errorf("encodeFilter: not takes one argument")
		}
		sub, err := encodeFilter(p.Args[0])
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"op": "not", "args": []interface{}{sub}}, nil
	case common.PredEq, common.PredNeq, common.PredLt, common.PredLte, common.PredGt, common.PredGte:
		ops := map[common.PredicateKind]string{
			common.PredEq: "=", common.PredNeq: "<>",
			common.PredLt: "<", common.PredLte: "<=",
			common.PredGt: ">", common.PredGte: ">=",
		}
		return map[string]interface{}{"op": ops[p.Kind], "args": []interface{}{property(p.Property), p.Value}}, nil
	case common.PredIntersects:
		if p.Geometry == nil {
			return nil, fmt.Errorf("encodeFilter: intersects without geometry")
		}
		return map[string]interface{}{"op": "s_intersects", "args": []interface{}{property("geometry"), p.Geometry}}, nil
	}
	return nil, fmt.Errorf("encodeFilter: operator %s not supported", p.Kind)
}
