package provider

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// NotFoundError is returned when an asset is absent or unavailable upstream
type NotFoundError struct {
	URL string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("asset not found or unavailable: %s", e.URL)
}

// parseByteRange parses a single "bytes=from-to" range specifier into an
// offset/length pair (length -1 = to the end). A suffix range "bytes=-n"
// yields a negative offset. Unsupported forms return ok=false and the whole
// asset is served.
func parseByteRange(r string) (offset, length int64, ok bool) {
	spec, found := strings.CutPrefix(r, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, -1, false
	}
	from, to, found := strings.Cut(spec, "-")
	if !found {
		return 0, -1, false
	}
	if from == "" {
		n, err := strconv.ParseInt(to, 10, 64)
		if err != nil || n <= 0 {
			return 0, -1, false
		}
		return -n, -1, true
	}
	offset, err := strconv.ParseInt(from, 10, 64)
	if err != nil || offset < 0 {
		return 0, -1, false
	}
	if to == "" {
		return offset, -1, true
	}
	end, err := strconv.ParseInt(to, 10, 64)
	if err != nil || end < offset {
		return 0, -1, false
	}
	return offset, end - offset + 1, true
}

// filenameFor picks the asset filename, preferring the content-disposition of
// the upstream reply over the last segment of the origin URL
func filenameFor(originURL, contentDisposition string) string {
	if contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	u, err := url.Parse(originURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
