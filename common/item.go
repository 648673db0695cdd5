package common

import (
	"time"

	"github.com/go-spatial/geom/encoding/geojson"
)

// Canonical item properties
const (
	PropDatetime             = "datetime"
	PropProvider             = "provider"
	PropConstellation        = "constellation"
	PropPlatform             = "platform"
	PropInstrument           = "instrument"
	PropProductType          = "productType"
	PropProcessingLevel      = "processingLevel"
	PropOrbitDirection       = "orbitDirection"
	PropRelativeOrbit        = "relativeOrbit"
	PropPolarisationMode     = "polarisationMode"
	PropCloudCoverPercentage = "cloudCoverPercentage"
	PropIngestionDate        = "ingestionDate"
	PropPublicationDate      = "publicationDate"
)

// Asset is a file attached to a CatalogItem (quicklook, product archive, metadata...)
// OriginURL is the provider-native location. It is resolved into ResolvedURL by the
// asset resolver and is never serialized to the caller.
type Asset struct {
	OriginURL   string `json:"-"`
	ResolvedURL string `json:"href,omitempty"`
	MediaType   string `json:"type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
}

// ItemKey identifies a CatalogItem across providers
type ItemKey struct {
	Collection string
	ID         string
}

// CatalogItem is the canonical unit returned by a federated search
type CatalogItem struct {
	ID         string                 `json:"id"`
	Collection string                 `json:"collection"`
	Provider   string                 `json:"provider"`
	Datetime   time.Time              `json:"datetime"`
	Geometry   *geojson.Geometry      `json:"geometry,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Assets     map[string]Asset       `json:"assets,omitempty"`
}

// Key returns the deduplication identity of the item
func (i *CatalogItem) Key() ItemKey {
	return ItemKey{Collection: i.Collection, ID: i.ID}
}
