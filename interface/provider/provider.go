package provider

import (
	"context"
	"io"
)

// AssetStream is an open upstream asset body and the response metadata the
// download route forwards to the caller.
type AssetStream struct {
	Body io.ReadCloser
	// ContentLength is -1 when the upstream does not advertise a size
	ContentLength int64
	ContentType   string
	// ContentRange is set when the stream is a partial (range) reply
	ContentRange string
	// Filename is the suggested name for a content-disposition header
	Filename string
}

// AssetProvider streams the content of provider-native asset locations for
// one URL scheme family
type AssetProvider interface {
	// Open the asset at originURL. byteRange is an optional RFC 7233 Range
	// header value ("" reads the whole asset); a backend that cannot seek
	// returns the full content instead.
	Open(ctx context.Context, originURL, byteRange string) (*AssetStream, error)
}
