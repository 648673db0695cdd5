package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	neturl "net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/airbusgeo/geofed/assets"
	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/federation"
	"github.com/airbusgeo/geofed/interface/provider"
	"github.com/airbusgeo/geofed/interface/shared"
	"github.com/airbusgeo/geofed/registry"
	"github.com/airbusgeo/geofed/service"
	"github.com/airbusgeo/geofed/service/log"
)

type config struct {
	ProvidersFile  string
	FetchProviders bool

	Collections string
	IDs         string
	StartDate   string
	EndDate     string
	BBox        string
	AOIFile     string
	Limit       int
	Cursor      string

	Assets      string
	WorkingDir  string
	Extract     bool
	Concurrency int
	Timeout     time.Duration
}

func newAppConfig() (*config, error) {
	config := config{}

	flag.StringVar(&config.ProvidersFile, "providers-file", "", "path of the provider configuration file (yaml)")
	flag.BoolVar(&config.FetchProviders, "fetch-providers", false, "fetch collections and extents from the provider discovery endpoints at startup")

	// Search criteria
	flag.StringVar(&config.Collections, "collections", "", "comma-separated collections to search")
	flag.StringVar(&config.IDs, "ids", "", "comma-separated item identifiers to search (optional)")
	flag.StringVar(&config.StartDate, "start-date", "", "start of the acquisition interval (optional)")
	flag.StringVar(&config.EndDate, "end-date", "", "end of the acquisition interval (optional)")
	flag.StringVar(&config.BBox, "bbox", "", "search extent as minLon,minLat,maxLon,maxLat (optional)")
	flag.StringVar(&config.AOIFile, "aoi", "", "path of a geojson file with the search extent (optional, takes precedence over bbox)")
	flag.IntVar(&config.Limit, "limit", 0, "maximum number of items per page (0: default page size)")
	flag.StringVar(&config.Cursor, "cursor", "", "resume token of a previous search (optional)")

	// Downloads
	flag.StringVar(&config.Assets, "assets", "", "comma-separated asset keys to download (empty: print the result page only)")
	flag.StringVar(&config.WorkingDir, "workdir", ".", "directory to store the downloaded assets")
	flag.BoolVar(&config.Extract, "extract", false, "unpack downloaded archives (zip, tar)")
	flag.IntVar(&config.Concurrency, "concurrency", 4, "number of parallel asset downloads")
	flag.DurationVar(&config.Timeout, "provider-timeout", 30*time.Second, "timeout of each provider search call")

	flag.Parse()

	if config.ProvidersFile == "" {
		return nil, fmt.Errorf("missing providers-file config flag")
	}
	if config.Collections == "" && config.IDs == "" && config.Cursor == "" {
		return nil, fmt.Errorf("missing collections or ids config flag")
	}
	if config.Concurrency <= 0 {
		return nil, fmt.Errorf("invalid concurrency config flag")
	}
	return &config, nil
}

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		log.Fatal("error", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	config, err := newAppConfig()
	if err != nil {
		return err
	}

	query, err := buildQuery(config)
	if err != nil {
		return err
	}

	reg, err := registry.New(ctx, registry.Options{ConfigFile: config.ProvidersFile, Discover: config.FetchProviders})
	if err != nil {
		return fmt.Errorf("registry.New: %w", err)
	}
	federator := federation.New(ctx, reg, federation.Options{ProviderTimeout: config.Timeout})
	defer federator.Close()

	res, err := federator.Search(ctx, query)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	// asset hrefs keep the provider-native locations: that is what gets downloaded
	assets.NewResolver("", true, nil).ResolvePage(res.Items)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	log.Logger(ctx).Sugar().Infof("%d items (status %s, %d providers excluded)", len(res.Items), res.Status, len(res.Excluded))
	if res.NextCursor != "" {
		log.Logger(ctx).Sugar().Infof("next page: -cursor %s", res.NextCursor)
	}

	if config.Assets == "" {
		return nil
	}
	if err := os.MkdirAll(config.WorkingDir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", config.WorkingDir, err)
	}
	// keep the searched metadata next to the downloaded assets
	if err := service.ToJSON(res, config.WorkingDir, "result.json"); err != nil {
		return err
	}
	return download(ctx, config, reg.Snapshot(), res.Items, splitList(config.Assets))
}

func buildQuery(config *config) (common.CanonicalQuery, error) {
	q := common.CanonicalQuery{
		Collections: splitList(config.Collections),
		IDs:         splitList(config.IDs),
		Limit:       config.Limit,
		Cursor:      config.Cursor,
	}
	if config.StartDate != "" {
		t, err := dateparse.ParseIn(config.StartDate, time.UTC)
		if err != nil {
			return q, fmt.Errorf("invalid start-date config flag: %w", err)
		}
		q.Temporal.Start = &t
	}
	if config.EndDate != "" {
		t, err := dateparse.ParseIn(config.EndDate, time.UTC)
		if err != nil {
			return q, fmt.Errorf("invalid end-date config flag: %w", err)
		}
		q.Temporal.End = &t
	}
	if config.BBox != "" {
		g, err := parseBBox(config.BBox)
		if err != nil {
			return q, err
		}
		q.Geometry = g
	}
	if config.AOIFile != "" {
		data, err := os.ReadFile(config.AOIFile)
		if err != nil {
			return q, fmt.Errorf("invalid aoi config flag: %w", err)
		}
		g, err := service.UnmarshalGeometry(data)
		if err != nil {
			return q, fmt.Errorf("aoi %s: %w", config.AOIFile, err)
		}
		q.Geometry = &geojson.Geometry{Geometry: g}
	}
	return q, nil
}

func parseBBox(s string) (*geojson.Geometry, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed bbox config flag. Must be minLon,minLat,maxLon,maxLat")
	}
	v := [4]float64{}
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed bbox config flag: %w", err)
		}
		v[i] = f
	}
	ring := [][2]float64{{v[0], v[1]}, {v[2], v[1]}, {v[2], v[3]}, {v[0], v[3]}, {v[0], v[1]}}
	return &geojson.Geometry{Geometry: geom.Polygon{ring}}, nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// target is one asset of one item to download
type target struct {
	item   *common.CatalogItem
	key    string
	url    string
	scheme string
}

// backends groups the download clients of one provider
type backends struct {
	http *http.Client
	s3   *provider.S3Provider
	ftp  *provider.FTPProvider
}

func download(ctx context.Context, config *config, snap *registry.Snapshot, items []*common.CatalogItem, keys []string) error {
	var targets []target
	for _, item := range items {
		for _, key := range keys {
			asset, ok := item.Assets[key]
			if !ok || asset.OriginURL == "" {
				log.Logger(ctx).Sugar().Warnf("%s/%s: no %s asset", item.Provider, item.ID, key)
				continue
			}
			u, err := neturl.Parse(asset.OriginURL)
			if err != nil {
				return fmt.Errorf("parse %s: %w", asset.OriginURL, err)
			}
			targets = append(targets, target{item, key, asset.OriginURL, u.Scheme})
		}
	}
	if len(targets) == 0 {
		return nil
	}

	// one client set per provider, built before the workers start
	clients := map[string]*backends{}
	gs := provider.NewGSProvider(ctx)
	var cancels []context.CancelFunc
	defer func() {
		for _, cncl := range cancels {
			cncl()
		}
	}()
	for _, t := range targets {
		d, ok := snap.Provider(t.item.Provider)
		if !ok {
			return fmt.Errorf("unknown provider %s", t.item.Provider)
		}
		b := clients[d.Name]
		if b == nil {
			b = &backends{}
			clients[d.Name] = b
		}
		switch t.scheme {
		case "http", "https":
			if b.http == nil {
				client, cncl, err := shared.NewAuthenticatedClient(ctx, d)
				if err != nil {
					return fmt.Errorf("client[%s]: %w", d.Name, err)
				}
				cancels = append(cancels, cncl)
				b.http = client
			}
		case "s3":
			if b.s3 == nil {
				sp, err := provider.NewS3Provider(ctx, d)
				if err != nil {
					return fmt.Errorf("client[%s]: %w", d.Name, err)
				}
				b.s3 = sp
			}
		case "ftp", "ftps":
			if b.ftp == nil {
				b.ftp = provider.NewFTPProvider(d)
			}
		case "gs":
		default:
			return fmt.Errorf("%s: unsupported origin scheme %q", t.url, t.scheme)
		}
	}

	// workers absorb their errors so one failed asset does not abort the rest
	wg := errgroup.Group{}
	wg.SetLimit(config.Concurrency)
	var mu sync.Mutex
	var downloadErr error
	for _, t := range targets {
		t := t
		wg.Go(func() error {
			if err := fetchAsset(ctx, config, clients[t.item.Provider], gs, t); err != nil {
				log.Logger(ctx).Sugar().Warnf("%v", err)
				mu.Lock()
				downloadErr = service.MergeErrors(true, downloadErr, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = wg.Wait()
	if downloadErr != nil {
		return fmt.Errorf("download: %w", downloadErr)
	}
	return nil
}

func fetchAsset(ctx context.Context, config *config, b *backends, gs *provider.GSProvider, t target) error {
	ctx = log.With(ctx, "item", t.item.ID, "asset", t.key)
	dir := filepath.Join(config.WorkingDir, strings.ReplaceAll(t.item.ID, "/", "_"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	localPath := filepath.Join(dir, localName(t.key, t.url))

	err := service.Retriable(ctx, func() error {
		switch t.scheme {
		case "http", "https":
			return provider.DownloadFile(ctx, b.http, t.url, localPath)
		case "s3":
			return b.s3.DownloadFile(ctx, t.url, localPath)
		case "gs":
			return saveStream(ctx, gs, t.url, localPath)
		case "ftp", "ftps":
			return saveStream(ctx, b.ftp, t.url, localPath)
		}
		return nil
	}, 15*time.Second, 3)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", t.item.ID, t.key, err)
	}
	log.Logger(ctx).Sugar().Infof("downloaded %s", localPath)

	if config.Extract && isArchive(localPath) {
		if err := provider.Extract(localPath, dir); err != nil {
			return fmt.Errorf("%s/%s: extract: %w", t.item.ID, t.key, err)
		}
		os.Remove(localPath)
	}
	return nil
}

// saveStream copies a streamed asset into localPath. A failed copy removes
// the partial file.
func saveStream(ctx context.Context, p provider.AssetProvider, originURL, localPath string) error {
	stream, err := p.Open(ctx, originURL, "")
	if err != nil {
		return err
	}
	defer stream.Body.Close()
	file, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := assets.Copy(ctx, file, stream.Body); err != nil {
		file.Close()
		os.Remove(localPath)
		return err
	}
	return file.Close()
}

// localName derives the local file name from the origin URL (the asset key
// when the URL carries no base name)
func localName(key, originURL string) string {
	if u, err := neturl.Parse(originURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			return base
		}
	}
	return key
}

func isArchive(p string) bool {
	switch {
	case strings.HasSuffix(p, ".zip"), strings.HasSuffix(p, ".tar"),
		strings.HasSuffix(p, ".tar.gz"), strings.HasSuffix(p, ".tgz"):
		return true
	}
	return false
}
