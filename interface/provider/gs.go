package provider

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/geofed/service"
	"google.golang.org/api/iterator"
)

// GSProvider streams gs:// assets with the ambient google credentials
type GSProvider struct {
	// lifetime bounds the storage client, not any individual stream
	lifetime context.Context

	mu     sync.Mutex
	client *storage.Client
}

// NewGSProvider creates the gs:// backend. The client is dialed lazily on the
// first asset.
func NewGSProvider(ctx context.Context) *GSProvider {
	return &GSProvider{lifetime: ctx}
}

func (p *GSProvider) storageClient() (*storage.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		client, err := storage.NewClient(p.lifetime)
		if err != nil {
			return nil, service.MakeTemporary(fmt.Errorf("storageClient: %w", err))
		}
		p.client = client
	}
	return p.client, nil
}

// parseGSURL splits gs://bucket/object
func parseGSURL(originURL string) (bucket, object string, err error) {
	u, err := neturl.Parse(originURL)
	if err != nil || u.Scheme != "gs" || u.Host == "" {
		return "", "", fmt.Errorf("parseGSURL: not a gs:// url: %s", originURL)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// Open implements AssetProvider
func (p *GSProvider) Open(ctx context.Context, originURL, byteRange string) (*AssetStream, error) {
	bucket, object, err := parseGSURL(originURL)
	if err != nil {
		return nil, err
	}
	if object == "" {
		return nil, NotFoundError{originURL}
	}
	client, err := p.storageClient()
	if err != nil {
		return nil, err
	}
	offset, length := int64(0), int64(-1)
	if byteRange != "" {
		if o, l, ok := parseByteRange(byteRange); ok {
			offset, length = o, l
		}
	}
	r, err := client.Bucket(bucket).Object(object).NewRangeReader(ctx, offset, length)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, NotFoundError{originURL}
		}
		return nil, fmt.Errorf("Open[%s]: %w", originURL, err)
	}
	stream := &AssetStream{
		Body:          r,
		ContentLength: r.Remain(),
		ContentType:   r.Attrs.ContentType,
		Filename:      filenameFor(originURL, ""),
	}
	if offset != 0 || length >= 0 {
		stream.ContentRange = fmt.Sprintf("bytes %d-%d/%d", r.Attrs.StartOffset, r.Attrs.StartOffset+r.Remain()-1, r.Attrs.Size)
	}
	return stream, nil
}

// List returns the object URLs under a gs:// prefix, for assets that point at
// a whole product directory
func (p *GSProvider) List(ctx context.Context, originURL string) ([]string, error) {
	bucket, prefix, err := parseGSURL(originURL)
	if err != nil {
		return nil, err
	}
	client, err := p.storageClient()
	if err != nil {
		return nil, err
	}
	q := &storage.Query{Prefix: strings.TrimSuffix(prefix, "/") + "/"}
	q.SetAttrSelection([]string{"Name"})
	it := client.Bucket(bucket).Objects(ctx, q)
	var urls []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("List[%s]: %w", originURL, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		urls = append(urls, "gs://"+bucket+"/"+attrs.Name)
	}
	if len(urls) == 0 {
		return nil, NotFoundError{originURL}
	}
	return urls, nil
}
