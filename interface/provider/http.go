package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/airbusgeo/geofed/interface/shared"
	"github.com/airbusgeo/geofed/registry"
	"github.com/airbusgeo/geofed/service"
)

// HTTPProvider streams http(s) assets with the provider credential attached.
// The credential rides on the transport, so it survives the redirect hops
// most download endpoints make towards their storage tier.
type HTTPProvider struct {
	client *http.Client
}

// NewHTTPProvider builds the streaming backend of one provider. The cancel
// function stops the token refresh goroutine, if any.
func NewHTTPProvider(ctx context.Context, d *registry.ProviderDescriptor) (*HTTPProvider, context.CancelFunc, error) {
	client, cncl, err := shared.NewAuthenticatedClient(ctx, d)
	if err != nil {
		return nil, cncl, fmt.Errorf("NewHTTPProvider.%w", err)
	}
	return &HTTPProvider{client: client}, cncl, nil
}

// Open implements AssetProvider. byteRange is forwarded verbatim.
func (p *HTTPProvider) Open(ctx context.Context, originURL, byteRange string) (*AssetStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Open.NewRequest: %w", err)
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, service.MakeTemporary(fmt.Errorf("Open[%s]: %w", originURL, err))
	}
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, NotFoundError{originURL}
	default:
		resp.Body.Close()
		err := fmt.Errorf("Open[%s]: %s", originURL, resp.Status)
		if service.TemporaryCode(resp.StatusCode) {
			return nil, service.MakeTemporary(err)
		}
		return nil, err
	}
	return &AssetStream{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentRange:  resp.Header.Get("Content-Range"),
		Filename:      filenameFor(originURL, resp.Header.Get("Content-Disposition")),
	}, nil
}
