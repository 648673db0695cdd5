package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/airbusgeo/geofed/assets"
	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/federation"
	"github.com/airbusgeo/geofed/interface/provider"
	"github.com/airbusgeo/geofed/registry"
	"github.com/airbusgeo/geofed/service"
	"github.com/airbusgeo/geofed/service/log"
	"github.com/gorilla/mux"
)

// internal failures are masked, full detail goes to the logs only
const internalErrorMessage = "internal error: please contact the administrator"

// Server wires the federator, the registry and the asset layer behind the
// public routes
type Server struct {
	registry  *registry.Registry
	federator *federation.Federator
	resolver  *assets.Resolver
	streamer  *assets.Streamer
}

func New(r *registry.Registry, f *federation.Federator, resolver *assets.Resolver, streamer *assets.Streamer) *Server {
	return &Server{registry: r, federator: f, resolver: resolver, streamer: streamer}
}

func (s *Server) NewHandler() http.Handler {
	r := mux.NewRouter()
	// item ids may carry escaped path separators, segments are decoded per route
	r.UseEncodedPath()
	r.Use(RequestID)
	r.HandleFunc("/search", s.SearchHandler).Methods("POST")
	r.HandleFunc("/providers", s.ListProvidersHandler).Methods("GET")
	r.HandleFunc("/providers/refresh", s.RefreshProvidersHandler).Methods("POST")
	r.HandleFunc("/data/{provider}/{collection}/{item}/{asset}", s.DownloadAssetHandler).Methods("GET")
	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	return r
}

// HealthHandler reports liveness
func (s *Server) HealthHandler(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(200)
}

// SearchHandler federates one canonical query and returns the merged page
func (s *Server) SearchHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	query := common.CanonicalQuery{}
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&query); err != nil {
		w.WriteHeader(400)
		fmt.Fprintf(w, "invalid query: %v", err)
		return
	}
	if query.Limit < 0 {
		w.WriteHeader(400)
		fmt.Fprint(w, "invalid query: negative limit")
		return
	}
	res, err := s.federator.Search(ctx, query)
	if err != nil {
		writeSearchError(ctx, w, err)
		return
	}
	s.resolver.ResolvePage(res.Items)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func writeSearchError(ctx context.Context, w http.ResponseWriter, err error) {
	var cursorErr *federation.CursorError
	var noProvider *federation.NoProviderError
	var exhausted *federation.ExhaustedError
	switch {
	case errors.As(err, &cursorErr):
		w.WriteHeader(400)
		fmt.Fprintf(w, "%v", err)
	case errors.As(err, &noProvider):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(502)
		json.NewEncoder(w).Encode(struct {
			Error    string                 `json:"error"`
			Excluded []federation.Exclusion `json:"excluded"`
		}{noProvider.Error(), noProvider.Excluded})
	case errors.As(err, &exhausted):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(502)
		json.NewEncoder(w).Encode(struct {
			Error    string            `json:"error"`
			Failures map[string]string `json:"failures"`
		}{exhausted.Error(), exhausted.Failures})
	default:
		log.Logger(ctx).Sugar().Warnf("search: %v", err)
		w.WriteHeader(500)
		fmt.Fprint(w, internalErrorMessage)
	}
}

// providerInfo is the redacted public description of one provider
type providerInfo struct {
	Name           string                   `json:"name"`
	Priority       int                      `json:"priority"`
	Dialect        string                   `json:"dialect"`
	Enabled        bool                     `json:"enabled"`
	DisabledReason string                   `json:"disabledReason,omitempty"`
	Collections    []string                 `json:"collections,omitempty"`
	Predicates     []common.PredicateKind   `json:"predicates,omitempty"`
	Pagination     registry.PaginationStyle `json:"pagination,omitempty"`
}

// ListProvidersHandler lists the current provider snapshot in redacted form
func (s *Server) ListProvidersHandler(w http.ResponseWriter, req *http.Request) {
	snap := s.registry.Snapshot()
	infos := make([]providerInfo, 0, len(snap.Providers()))
	for _, d := range snap.Providers() {
		infos = append(infos, providerInfo{
			Name:           d.Name,
			Priority:       d.Priority,
			Dialect:        d.Dialect,
			Enabled:        d.Enabled,
			DisabledReason: d.DisabledReason,
			Collections:    d.Capabilities.Collections,
			Predicates:     d.Capabilities.Predicates,
			Pagination:     d.Capabilities.Pagination,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(infos)
}

// RefreshProvidersHandler rebuilds the provider snapshot immediately
func (s *Server) RefreshProvidersHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	snap, err := s.registry.Refresh(ctx)
	if err != nil {
		log.Logger(ctx).Sugar().Warnf("refresh: %v", err)
		w.WriteHeader(500)
		fmt.Fprint(w, internalErrorMessage)
		return
	}
	log.Logger(ctx).Sugar().Infof("provider snapshot refreshed (%d providers)", len(snap.Providers()))
	w.WriteHeader(204)
}

// DownloadAssetHandler streams one asset of a catalog item through the server,
// honoring an inbound Range header
func (s *Server) DownloadAssetHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	vars, err := decodeVars(req, "provider", "collection", "item", "asset")
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintf(w, "%v", err)
		return
	}
	ctx = log.With(ctx, "provider", vars["provider"], "item", vars["item"])

	item, err := s.federator.Locate(ctx, vars["provider"], vars["collection"], vars["item"])
	if err != nil {
		writeDownloadError(ctx, w, err)
		return
	}
	asset, ok := item.Assets[vars["asset"]]
	if !ok || asset.OriginURL == "" {
		w.WriteHeader(404)
		fmt.Fprintf(w, "unknown asset %s", vars["asset"])
		return
	}

	snap := s.registry.Snapshot()
	d, ok := snap.Provider(vars["provider"])
	if !ok {
		w.WriteHeader(404)
		fmt.Fprintf(w, "unknown provider %s", vars["provider"])
		return
	}
	stream, err := s.streamer.Open(ctx, snap, d, asset.OriginURL, req.Header.Get("Range"))
	if err != nil {
		writeDownloadError(ctx, w, err)
		return
	}
	defer stream.Body.Close()

	if stream.ContentType != "" {
		w.Header().Set("Content-Type", stream.ContentType)
	}
	if stream.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(stream.ContentLength, 10))
	}
	if stream.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", stream.Filename))
	}
	if stream.ContentRange != "" {
		w.Header().Set("Content-Range", stream.ContentRange)
		w.WriteHeader(206)
	}
	if _, err := assets.Copy(ctx, w, stream.Body); err != nil {
		// headers are already on the wire, a broken transfer can only be logged
		log.Logger(ctx).Sugar().Warnf("download %s/%s: %v", vars["item"], vars["asset"], err)
	}
}

func writeDownloadError(ctx context.Context, w http.ResponseWriter, err error) {
	var notFound provider.NotFoundError
	var responseErr *federation.ProviderResponseError
	switch {
	case errors.Is(err, federation.ErrItemNotFound) || errors.As(err, &notFound):
		w.WriteHeader(404)
		fmt.Fprintf(w, "%v", err)
	case errors.Is(err, context.DeadlineExceeded) || service.Temporary(err):
		log.Logger(ctx).Sugar().Warnf("download: %v", err)
		w.WriteHeader(504)
		fmt.Fprint(w, "upstream provider unavailable")
	case errors.As(err, &responseErr):
		log.Logger(ctx).Sugar().Warnf("download: %v", err)
		w.WriteHeader(502)
		fmt.Fprintf(w, "%v", err)
	default:
		log.Logger(ctx).Sugar().Warnf("download: %v", err)
		w.WriteHeader(500)
		fmt.Fprint(w, internalErrorMessage)
	}
}

// decodeVars returns the named route segments, percent-decoded
func decodeVars(req *http.Request, names ...string) (map[string]string, error) {
	vars := mux.Vars(req)
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, err := url.PathUnescape(vars[name])
		if err != nil {
			return nil, fmt.Errorf("invalid path segment %s", name)
		}
		out[name] = v
	}
	return out, nil
}
