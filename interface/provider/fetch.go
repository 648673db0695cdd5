package provider

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cavaliercoder/grab"
	"github.com/mholt/archiver"

	"github.com/airbusgeo/geofed/service"
	"github.com/airbusgeo/geofed/service/log"
)

func fmtBytes(bytes int64) string {
	v := float64(bytes)
	switch {
	case v > 1<<30:
		return fmt.Sprintf("%.2fGo", v/(1<<30))
	case v > 1<<20:
		return fmt.Sprintf("%.2fMo", v/(1<<20))
	case v > 1<<10:
		return fmt.Sprintf("%.2fko", v/(1<<10))
	default:
		return fmt.Sprintf("%.2fo", v)
	}
}

func displayProgress(ctx context.Context, prefix string, resp *grab.Response, progressPeriod float64) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	progress, lastBytes, seconds := 0.0, int64(0), int64(0)
	for {
		select {
		case <-t.C:
			seconds++
			if resp.Progress() > progress {
				log.Logger(ctx).Sugar().Debugf("%s: %.2f%% %s/%s (%s/s)", prefix, 100*resp.Progress(), fmtBytes(resp.BytesComplete()), fmtBytes(resp.Size), fmtBytes((resp.BytesComplete()-lastBytes)/seconds))
				seconds = 0
				progress += progressPeriod
				lastBytes = resp.BytesComplete()
			}

		case <-resp.Done:
			return
		}
	}
}

// DownloadFile fetches an http(s) asset into localPath, resuming a partial
// file if one is already present. httpClient carries the provider
// authentication (nil: anonymous). Progress is logged every 5%.
func DownloadFile(ctx context.Context, httpClient *http.Client, originURL, localPath string) error {
	req, err := grab.NewRequest(localPath, originURL)
	if err != nil {
		return fmt.Errorf("DownloadFile.NewRequest: %w", err)
	}
	req = req.WithContext(ctx)

	client := grab.NewClient()
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	resp := client.Do(req)

	displayProgress(ctx, filepath.Base(localPath), resp, 0.05)

	if err := resp.Err(); err != nil {
		err = fmt.Errorf("DownloadFile[%s]: %w", originURL, err)
		if resp.HTTPResponse == nil {
			return service.MakeTemporary(err)
		}
		switch resp.HTTPResponse.StatusCode {
		case 404, 410:
			return NotFoundError{originURL}
		case 408, 429, 500, 501, 502, 503, 504:
			return service.MakeTemporary(err)
		default:
			return err
		}
	}
	return nil
}

// Extract unpacks an archive into destDir. The entries are staged in a
// temporary directory so a failed extraction leaves no partial tree.
// All errors are temporary.
func Extract(archivePath, destDir string) error {
	tmpdir, err := os.MkdirTemp(destDir, filepath.Base(archivePath))
	if err != nil {
		return service.MakeTemporary(err)
	}
	defer os.RemoveAll(tmpdir)
	if err := archiver.Unarchive(archivePath, tmpdir); err != nil {
		return service.MakeTemporary(err)
	}
	entries, err := os.ReadDir(tmpdir)
	if err != nil {
		return service.MakeTemporary(err)
	}
	if len(entries) == 0 {
		return service.MakeTemporary(fmt.Errorf("empty archive"))
	}
	for _, f := range entries {
		os.Rename(filepath.Join(tmpdir, f.Name()), filepath.Join(destDir, f.Name()))
	}
	return nil
}
