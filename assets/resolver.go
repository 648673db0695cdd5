package assets

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/airbusgeo/geofed/common"
)

// Resolver computes the resolvedURL of each asset from its provider-native
// origin URL. Blacklisted origins are only ever served through the download
// route, whatever the keep-origin setting.
type Resolver struct {
	base       string
	keepOrigin bool
	blacklist  []string
}

// NewResolver builds a resolver. downloadBase is the externally visible base
// URL of the download route. blacklist entries are URL prefixes.
func NewResolver(downloadBase string, keepOrigin bool, blacklist []string) *Resolver {
	return &Resolver{
		base:       strings.TrimRight(downloadBase, "/"),
		keepOrigin: keepOrigin,
		blacklist:  blacklist,
	}
}

// Resolve rewrites the asset URLs of the item in place
func (r *Resolver) Resolve(item *common.CatalogItem) {
	for key, a := range item.Assets {
		a.ResolvedURL = r.resolve(item, key, a.OriginURL)
		item.Assets[key] = a
	}
}

// ResolvePage rewrites the asset URLs of every item of a result page
func (r *Resolver) ResolvePage(items []*common.CatalogItem) {
	for _, item := range items {
		r.Resolve(item)
	}
}

func (r *Resolver) resolve(item *common.CatalogItem, key, origin string) string {
	if origin == "" {
		return ""
	}
	if r.keepOrigin && !r.Blacklisted(origin) {
		return origin
	}
	return r.ProxyURL(item.Provider, item.Collection, item.ID, key)
}

// ProxyURL is the download-route form of an asset reference
func (r *Resolver) ProxyURL(provider, collection, id, key string) string {
	return fmt.Sprintf("%s/data/%s/%s/%s/%s", r.base,
		url.PathEscape(provider), url.PathEscape(collection), url.PathEscape(id), url.PathEscape(key))
}

// Blacklisted returns whether the origin URL must never be exposed to callers
func (r *Resolver) Blacklisted(origin string) bool {
	for _, prefix := range r.blacklist {
		if prefix != "" && strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}
