package assets

import (
	"context"
	"fmt"
	"io"
	neturl "net/url"
	"sync"

	"github.com/airbusgeo/geofed/interface/provider"
	"github.com/airbusgeo/geofed/registry"
)

const copyBufferSize = 64 * 1024

// Streamer opens asset origin URLs through the scheme-appropriate backend,
// with the owning provider's credential attached. Backends are cached per
// (provider, scheme) and invalidated when the registry snapshot changes.
type Streamer struct {
	// lifetime bounds the cached backends (token refreshes, storage clients)
	lifetime context.Context
	gs       *provider.GSProvider

	mu        sync.Mutex
	cacheSnap *registry.Snapshot
	backends  map[string]provider.AssetProvider
	cancels   []context.CancelFunc
}

// NewStreamer builds a streamer. ctx bounds the lifetime of the cached
// backends, not of any individual stream.
func NewStreamer(ctx context.Context) *Streamer {
	return &Streamer{
		lifetime: ctx,
		gs:       provider.NewGSProvider(ctx),
		backends: map[string]provider.AssetProvider{},
	}
}

// Close releases the cached backends
func (s *Streamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cncl := range s.cancels {
		cncl()
	}
	s.cacheSnap, s.backends, s.cancels = nil, map[string]provider.AssetProvider{}, nil
}

// Open streams the asset at originURL on behalf of the provider. byteRange is
// an optional RFC 7233 Range value forwarded to the backend.
func (s *Streamer) Open(ctx context.Context, snap *registry.Snapshot, d *registry.ProviderDescriptor, originURL, byteRange string) (*provider.AssetStream, error) {
	u, err := neturl.Parse(originURL)
	if err != nil {
		return nil, fmt.Errorf("Open.Parse: %w", err)
	}
	backend, err := s.backend(snap, d, u.Scheme)
	if err != nil {
		return nil, fmt.Errorf("Open.%w", err)
	}
	return backend.Open(ctx, originURL, byteRange)
}

// backend returns the cached backend of the (provider, scheme) pair,
// rebuilding the cache when the registry snapshot changed
func (s *Streamer) backend(snap *registry.Snapshot, d *registry.ProviderDescriptor, scheme string) (provider.AssetProvider, error) {
	if scheme == "gs" {
		return s.gs, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cacheSnap != snap {
		for _, cncl := range s.cancels {
			cncl()
		}
		s.cacheSnap, s.backends, s.cancels = snap, map[string]provider.AssetProvider{}, nil
	}
	key := d.Name + "|" + scheme
	if b, ok := s.backends[key]; ok {
		return b, nil
	}
	var b provider.AssetProvider
	switch scheme {
	case "http", "https":
		httpBackend, cncl, err := provider.NewHTTPProvider(s.lifetime, d)
		if err != nil {
			return nil, fmt.Errorf("backend[%s]: %w", d.Name, err)
		}
		if cncl != nil {
			s.cancels = append(s.cancels, cncl)
		}
		b = httpBackend
	case "s3":
		s3Backend, err := provider.NewS3Provider(s.lifetime, d)
		if err != nil {
			return nil, fmt.Errorf("backend[%s]: %w", d.Name, err)
		}
		b = s3Backend
	case "ftp", "ftps":
		b = provider.NewFTPProvider(d)
	default:
		return nil, fmt.Errorf("backend[%s]: unsupported origin scheme %q", d.Name, scheme)
	}
	s.backends[key] = b
	return b, nil
}

// Copy streams src into dst with a bounded buffer, stopping when ctx is done
func Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.CopyBuffer(dst, ctxReader{ctx: ctx, r: src}, make([]byte, copyBufferSize))
}

// ctxReader fails the next Read once ctx is done. It intentionally does not
// implement io.WriterTo so that CopyBuffer keeps calling Read.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
