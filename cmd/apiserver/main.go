package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/airbusgeo/geofed/assets"
	"github.com/airbusgeo/geofed/federation"
	"github.com/airbusgeo/geofed/registry"
	"github.com/airbusgeo/geofed/server"
	"github.com/airbusgeo/geofed/service/log"
	"github.com/gorilla/handlers"
	"go.uber.org/zap"
)

type config struct {
	AppPort         string
	ProvidersFile   string
	FetchProviders  bool
	RefreshInterval time.Duration
	DownloadBaseURL string
	KeepOriginURL   bool
	OriginBlacklist []string
	ProviderTimeout time.Duration
	MaxConcurrent   int
	PageSize        int
	PageSizeMax     int
	AccessLog       bool
}

func newAppConfig() (*config, error) {
	appPort := flag.String("port", "8080", "api port to use")
	providersFile := flag.String("providers-file", "", "operator provider configuration file (yaml, optional)")
	fetchProviders := flag.Bool("fetch-providers", false, "merge provider descriptions pulled from discovery endpoints")
	refreshInterval := flag.Duration("refresh-interval", 10*time.Minute, "provider snapshot refresh period (0: no periodic refresh)")
	downloadBaseURL := flag.String("download-base-url", "", "externally visible base url of the download route (empty: relative urls)")
	keepOriginURL := flag.Bool("keep-origin-url", false, "expose provider-native asset urls instead of proxying")
	originBlacklist := flag.String("origin-url-blacklist", "", "comma-separated url prefixes that are always proxied")
	providerTimeout := flag.Duration("provider-timeout", 30*time.Second, "per-provider search timeout")
	maxConcurrent := flag.Int("max-concurrent", 16, "max concurrent provider calls")
	pageSize := flag.Int("page-size", 50, "default result page size")
	pageSizeMax := flag.Int("page-size-max", 500, "max result page size")
	accessLog := flag.Bool("access-log", false, "log requests in combined log format")
	flag.Parse()

	if *appPort == "" {
		return nil, fmt.Errorf("failed to initialize port application flag")
	}
	if *providerTimeout <= 0 {
		return nil, fmt.Errorf("invalid provider-timeout config flag")
	}
	if *maxConcurrent <= 0 {
		return nil, fmt.Errorf("invalid max-concurrent config flag")
	}
	if *pageSize <= 0 || *pageSizeMax < *pageSize {
		return nil, fmt.Errorf("invalid page-size/page-size-max config flags")
	}
	var blacklist []string
	for _, prefix := range strings.Split(*originBlacklist, ",") {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			blacklist = append(blacklist, prefix)
		}
	}
	return &config{
		AppPort:         *appPort,
		ProvidersFile:   *providersFile,
		FetchProviders:  *fetchProviders,
		RefreshInterval: *refreshInterval,
		DownloadBaseURL: *downloadBaseURL,
		KeepOriginURL:   *keepOriginURL,
		OriginBlacklist: blacklist,
		ProviderTimeout: *providerTimeout,
		MaxConcurrent:   *maxConcurrent,
		PageSize:        *pageSize,
		PageSizeMax:     *pageSizeMax,
		AccessLog:       *accessLog,
	}, nil
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

	// Provider registry
	r, err := registry.New(ctx, registry.Options{
		ConfigFile: config.ProvidersFile,
		Discover:   config.FetchProviders,
	})
	if err != nil {
		return fmt.Errorf("registry.New: %w", err)
	}
	for _, d := range r.Snapshot().Providers() {
		log.Logger(ctx).Sugar().Infof("provider %s", d.Redacted())
	}

	// Federation + asset layers
	federator := federation.New(ctx, r, federation.Options{
		MaxConcurrent:   config.MaxConcurrent,
		ProviderTimeout: config.ProviderTimeout,
		DefaultPageSize: config.PageSize,
		MaxPageSize:     config.PageSizeMax,
	})
	defer federator.Close()
	streamer := assets.NewStreamer(ctx)
	defer streamer.Close()
	resolver := assets.NewResolver(config.DownloadBaseURL, config.KeepOriginURL, config.OriginBlacklist)

	// HTTP server
	var handler http.Handler = server.New(r, federator, resolver, streamer).NewHandler()
	if config.AccessLog {
		handler = handlers.CombinedLoggingHandler(os.Stdout, handler)
	}
	headersOk := handlers.AllowedHeaders([]string{"*"})
	originsOk := handlers.AllowedOrigins([]string{"*"})
	methodsOk := handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"})
	s := http.Server{
		Addr:    ":" + config.AppPort,
		Handler: handlers.CORS(originsOk, headersOk, methodsOk)(handler),
	}
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger(ctx).Error(err.Error())
		}
	}()
	log.Logger(ctx).Sugar().Infof("geofed api listens on :%s (%d providers)", config.AppPort, len(r.Snapshot().Providers()))

	var refresh <-chan time.Time
	if config.RefreshInterval > 0 {
		ticker := time.NewTicker(config.RefreshInterval)
		defer ticker.Stop()
		refresh = ticker.C
	}
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	for {
		select {
		case <-refresh:
			if _, err := r.Refresh(ctx); err != nil {
				log.Logger(ctx).Sugar().Warnf("refresh: %v", err)
			}
		case <-stop:
			log.Logger(ctx).Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.Shutdown(sctx)
		}
	}
}
