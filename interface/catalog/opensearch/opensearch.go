package opensearch

// Opensearch specifications https://github.com/dewitt/opensearch/blob/master/opensearch-1-1-draft-6.md

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	neturl "net/url"
	"strconv"
	"strings"

	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/interface/catalog"
	"github.com/airbusgeo/geofed/service"
	"github.com/airbusgeo/geofed/service/geometry"
	"github.com/airbusgeo/geofed/service/log"
	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/go-spatial/geom/encoding/wkt"
)

// maxRows accepted by the catalog in one page
const maxRows = 100

// mapKey: canonical property -> opensearch query field
var mapKey = map[string]string{
	common.PropPlatform:             "platformname",
	common.PropConstellation:        "platformname",
	common.PropInstrument:           "instrumentshortname",
	common.PropProductType:          "producttype",
	common.PropProcessingLevel:      "processinglevel",
	common.PropOrbitDirection:       "orbitdirection",
	common.PropRelativeOrbit:        "relativeorbitnumber",
	common.PropPolarisationMode:     "polarisationmode",
	common.PropCloudCoverPercentage: "cloudcoverpercentage",
	common.PropIngestionDate:        "ingestiondate",
}

// Client searches an opensearch catalog (atom xml, start/rows pagination,
// solr query syntax)
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

// SearchPage implements catalog.SearchProvider. The cursor is the start offset.
func (c *Client) SearchPage(ctx context.Context, q common.ProviderQuery) (*catalog.Page, error) {
	start := 0
	if q.Cursor != "" {
		s, err := strconv.Atoi(q.Cursor)
		if err != nil || s < 0 {
			return nil, fmt.Errorf("SearchPage: invalid cursor %q", q.Cursor)
		}
		start = s
	}
	rows := q.Limit
	if rows <= 0 || rows > maxRows {
		rows = maxRows
	}

	query, err := buildQuery(q)
	if err != nil {
		return nil, fmt.Errorf("SearchPage.%w", err)
	}
	log.Logger(ctx).Sugar().Debugf("[%s] search start %d rows %d", c.name, start, rows)

	url := c.baseURL + "?q=" + neturl.QueryEscape(query) + fmt.Sprintf("&rows=%d&start=%d", rows, start)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("SearchPage.NewRequest: %w", err)
	}
	xmlResults, err := service.GetBodyRetryDo(c.http, req, 3)
	if err != nil {
		return nil, fmt.Errorf("SearchPage.GetBodyRetry: %w", err)
	}

	return c.parseFeed(ctx, q, xmlResults, start, rows)
}

// buildQuery joins the query criteria into one solr expression
func buildQuery(q common.ProviderQuery) (string, error) {
	var parameters []string

	if len(q.IDs) > 0 {
		ids := make([]string, len(q.IDs))
		for i, id := range q.IDs {
			ids[i] = "identifier:" + quote(id)
		}
		parameters = append(parameters, "("+strings.Join(ids, " OR ")+")")
	}
	if len(q.Collections) > 0 {
		platforms := make([]string, len(q.Collections))
		for i, collection := range q.Collections {
			platforms[i] = "platformname:" + quote(platformName(collection))
		}
		parameters = append(parameters, "("+strings.Join(platforms, " OR ")+")")
	}
	if q.Geometry != nil {
		convexhullWKT, err := geometry.ConvexHullWKT(q.Geometry.Geometry)
		if err != nil {
			return "", fmt.Errorf("buildQuery.ConvexHullWKT: %w", err)
		}
		parameters = append(parameters, "( footprint:\"Intersects("+convexhullWKT+")\")")
	}
	if !q.Temporal.IsZero() {
		from, to := "*", "*"
		if q.Temporal.Start != nil {
			from = q.Temporal.Start.UTC().Format("2006-01-02T15:04:05.000Z")
		}
		if q.Temporal.End != nil {
			to = q.Temporal.End.UTC().Format("2006-01-02T15:04:05.000Z")
		}
		parameters = append(parameters, fmt.Sprintf("(beginPosition:[%s TO %s])", from, to))
	}
	if q.Filter != nil {
		expr, err := encodeFilter(q.Filter)
		if err != nil {
			return "", err
		}
		if expr != "" {
			parameters = append(parameters, expr)
		}
	}

	if len(parameters) == 0 {
		return "*", nil
	}
	return "(" + strings.Join(parameters, " AND ") + ")", nil
}

// encodeFilter maps a predicate tree onto a solr expression. A leaf on a
// property without a query field encodes to "": dropped under a conjunction
// (the result is a superset, filtered downstream), and propagated upwards
// through or/not since those cannot be partially encoded.
func encodeFilter(p *common.Predicate) (string, error) {
	switch p.Kind {
	case common.PredAnd, common.PredOr:
		op := " AND "
		if p.Kind == common.PredOr {
			op = " OR "
		}
		var terms []string
		for _, arg := range p.Args {
			term, err := encodeFilter(arg)
			if err != nil {
				return "", err
			}
			if term == "" {
				if p.Kind == common.PredOr {
					return "", nil
				}
				continue
			}
			terms = append(terms, term)
		}
		if len(terms) == 0 {
			return "", nil
		}
		return "(" + strings.Join(terms, op) + ")", nil
	case common.PredNot:
		if len(p.Args) != 1 {
			return "", fmt.Errorf("encodeFilter: not takes one argument")
		}
		term, err := encodeFilter(p.Args[0])
		if err != nil || term == "" {
			return "", err
		}
		return "(NOT " + term + ")", nil
	case common.PredEq, common.PredNeq:
		key, ok := mapKey[p.Property]
		if !ok {
			return "", nil
		}
		term := key + ":" + quote(fmt.Sprint(p.Value))
		if p.Kind == common.PredNeq {
			return "(NOT " + term + ")", nil
		}
		return "(" + term + ")", nil
	case common.PredLt, common.PredLte, common.PredGt, common.PredGte:
		key, ok := mapKey[p.Property]
		if !ok {
			return "", nil
		}
		v := fmt.Sprint(p.Value)
		switch p.Kind {
		case common.PredLt:
			return fmt.Sprintf("(%s:{* TO %s})", key, v), nil
		case common.PredLte:
			return fmt.Sprintf("(%s:[* TO %s])", key, v), nil
		case common.PredGt:
			return fmt.Sprintf("(%s:{%s TO *})", key, v), nil
		default:
			return fmt.Sprintf("(%s:[%s TO *])", key, v), nil
		}
	case common.PredIntersects:
		if p.Geometry == nil {
			return "", fmt.Errorf("encodeFilter: intersects without geometry")
		}
		convexhullWKT, err := geometry.ConvexHullWKT(p.Geometry.Geometry)
		if err != nil {
			return "", fmt.Errorf("encodeFilter.ConvexHullWKT: %w", err)
		}
		return "( footprint:\"Intersects(" + convexhullWKT + ")\")", nil
	}
	return "", fmt.Errorf("encodeFilter: operator %s not supported", p.Kind)
}

func quote(v string) string {
	if strings.ContainsAny(v, " \t\"") {
		return strconv.Quote(v)
	}
	return v
}

// platformName maps a canonical collection onto the catalog platform name
// (SENTINEL-1 -> Sentinel-1)
func platformName(collection string) string {
	lower := strings.ToLower(collection)
	if lower == "" {
		return collection
	}
	return strings.ToUpper(lower[:1]) + lower[1:]
}

// xmlElement is one named value of an atom entry
type xmlElement struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

type xmlEntry struct {
	StrElements    []xmlElement `xml:"str"`
	IntElements    []xmlElement `xml:"int"`
	DoubleElements []xmlElement `xml:"double"`
	DateElements   []xmlElement `xml:"date"`
	Links          []xmlLink    `xml:"link"`
}

func (c *Client) parseFeed(ctx context.Context, q common.ProviderQuery, xmlResults []byte, start, rows int) (*catalog.Page, error) {
	results := struct {
		XMLName xml.Name `xml:"feed"`
		Error   struct {
			Code    string `xml:"code"`
			Message string `xml:"message"`
		} `xml:"error"`
		Entries      []xmlEntry `xml:"entry"`
		Links        []xmlLink  `xml:"link"`
		TotalResults int        `xml:"totalResults"`
	}{}
	if err := xml.Unmarshal(xmlResults, &results); err != nil {
		return nil, fmt.Errorf("parseFeed.Unmarshal: %w (response: %s)", err, xmlResults)
	}
	if results.Error.Code != "" {
		return nil, fmt.Errorf("parseFeed: %s (%s)", results.Error.Message, results.Error.Code)
	}

	page := &catalog.Page{Records: make([]catalog.Record, 0, len(results.Entries))}
	for _, entry := range results.Entries {
		record, ok := c.parseEntry(ctx, q, entry)
		if !ok {
			continue
		}
		page.Records = append(page.Records, record)
	}

	nextLink := false
	for _, link := range results.Links {
		if strings.ToLower(link.Rel) == "next" && link.Href != "" {
			nextLink = true
		}
	}
	if nextLink && len(results.Entries) == rows && start+rows < results.TotalResults {
		page.Next = strconv.Itoa(start + rows)
	}
	return page, nil
}

func (c *Client) parseEntry(ctx context.Context, q common.ProviderQuery, entry xmlEntry) (catalog.Record, bool) {
	rawscene := map[string]string{}
	for _, elements := range [][]xmlElement{entry.StrElements, entry.IntElements, entry.DoubleElements, entry.DateElements} {
		for _, e := range elements {
			rawscene[e.Name] = e.Value
		}
	}

	identifier := rawscene["identifier"]
	if identifier == "" {
		log.Logger(ctx).Sugar().Debugf("[%s] drop entry without identifier", c.name)
		return catalog.Record{}, false
	}

	fields := make(map[string]interface{}, len(rawscene))
	for k, v := range rawscene {
		fields[k] = v
	}
	record := catalog.Record{
		ID:         strings.TrimSuffix(identifier, ".SAFE"),
		Collection: strings.ToUpper(rawscene["platformname"]),
		Fields:     fields,
		Assets:     map[string]catalog.RawAsset{},
	}
	if record.Collection == "" && len(q.Collections) == 1 {
		record.Collection = q.Collections[0]
	}

	if footprint := rawscene["footprint"]; footprint != "" {
		wktAOI := strings.ToUpper(footprint)
		if g, err := wkt.DecodeString(wktAOI); err == nil {
			record.Geometry = &geojson.Geometry{Geometry: g}
		} else {
			log.Logger(ctx).Sugar().Debugf("[%s] %s: invalid footprint: %v", c.name, identifier, err)
		}
	}

	for _, link := range entry.Links {
		switch strings.ToLower(link.Rel) {
		case "":
			record.Assets["product"] = catalog.RawAsset{URL: link.Href, MediaType: "application/zip"}
		case "icon":
			record.Assets["quicklook"] = catalog.RawAsset{URL: link.Href, MediaType: "image/jpeg"}
		}
	}
	return record, true
}
