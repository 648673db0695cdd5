package federation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/interface/catalog"
	"github.com/airbusgeo/geofed/registry"
	"github.com/airbusgeo/geofed/service/log"
	"github.com/araddon/dateparse"
)

// dialectMappings are the default property-mapping tables, per dialect:
// canonical property name -> field path in the native record. A provider
// entry overrides or extends them through its mapping configuration; an
// empty override path unmaps the property.
var dialectMappings = map[string]map[string]string{
	DialectResto: {
		common.PropDatetime:             "startDate",
		common.PropConstellation:        "collection",
		common.PropPlatform:             "platform",
		common.PropInstrument:           "instrument",
		common.PropProductType:          "productType",
		common.PropProcessingLevel:      "processingLevel",
		common.PropOrbitDirection:       "orbitDirection",
		common.PropRelativeOrbit:        "relativeOrbitNumber",
		common.PropPolarisationMode:     "polarisation",
		common.PropCloudCoverPercentage: "cloudCover",
		common.PropPublicationDate:      "published",
	},
	DialectOpenSearch: {
		common.PropDatetime:             "beginposition",
		common.PropConstellation:        "platformname",
		common.PropInstrument:           "instrumentshortname",
		common.PropProductType:          "producttype",
		common.PropProcessingLevel:      "processinglevel",
		common.PropOrbitDirection:       "orbitdirection",
		common.PropRelativeOrbit:        "relativeorbitnumber",
		common.PropPolarisationMode:     "polarisationmode",
		common.PropCloudCoverPercentage: "cloudcoverpercentage",
		common.PropIngestionDate:        "ingestiondate",
	},
	DialectStacAPI: {
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
		common.PropIngestionDate:        "created",
		common.PropPublicationDate:      "published",
	},
}

// mappingFor merges the dialect defaults with the provider overrides
func mappingFor(d *registry.ProviderDescriptor) map[string]string {
	defaults := dialectMappings[d.Dialect]
	if len(d.Mapping) == 0 {
		return defaults
	}
	merged := make(map[string]string, len(defaults)+len(d.Mapping))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range d.Mapping {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}

// lookupPath resolves a dot-separated field path in a native record
func lookupPath(fields map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		sub, ok := fields[part].(map[string]interface{})
		if !ok {
			return nil, false
		}
		fields = sub
	}
	v, ok := fields[parts[len(parts)-1]]
	return v, ok && v != nil
}

// normalizeRecord maps one native provider record into a canonical item.
// A record without identity is rejected; the caller drops it and keeps the
// rest of the provider response.
func normalizeRecord(ctx context.Context, d *registry.ProviderDescriptor, rec catalog.Record) (*common.CatalogItem, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("record without id")
	}
	if rec.Collection == "" {
		return nil, fmt.Errorf("record %s without collection", rec.ID)
	}
	item := &common.CatalogItem{
		ID:         rec.ID,
		Collection: rec.Collection,
		Provider:   d.Name,
		Geometry:   rec.Geometry,
		Properties: map[string]interface{}{common.PropProvider: d.Name},
	}
	for prop, path := range mappingFor(d) {
		v, ok := lookupPath(rec.Fields, path)
		if !ok {
			continue
		}
		if prop == common.PropDatetime {
			t, err := parseTime(v)
			if err != nil {
				log.Logger(ctx).Sugar().Debugf("record %s: unreadable datetime %v: %v", rec.ID, v, err)
				continue
			}
			item.Datetime = t.UTC()
			item.Properties[prop] = item.Datetime.Format(time.RFC3339)
			continue
		}
		item.Properties[prop] = v
	}
	// keep the provider-internal identifier when the dialect reports one
	if v, ok := rec.Fields["uuid"]; ok && item.Properties["uuid"] == nil {
		item.Properties["uuid"] = v
	}
	if len(rec.Assets) > 0 {
		item.Assets = make(map[string]common.Asset, len(rec.Assets))
		for k, a := range rec.Assets {
			item.Assets[k] = common.Asset{
				OriginURL: a.URL,
				MediaType: a.MediaType,
				Size:      a.Size,
				Checksum:  a.Checksum,
			}
		}
	}
	return item, nil
}

// parseTime accepts the datetime flavours found across provider payloads
func parseTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return dateparse.ParseAny(t)
	}
	return time.Time{}, fmt.Errorf("unsupported datetime type %T", v)
}
