package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/federation"
	"github.com/airbusgeo/geofed/interface/catalog"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

const alphaYAML = `  - name: alpha
    priority: 10
    dialect: stacapi
    endpoints: {search: "http://alpha.test/v1"}
    capabilities:
      predicates: [eq, neq, lt, lte, gt, gte, intersects, and, or, not]
`

func alphaWithAssets(assets map[string]catalog.RawAsset) *mockProvider {
	return &mockProvider{name: "alpha", pages: map[string]*catalog.Page{
		"": {Records: []catalog.Record{record("SENTINEL-1", "S1A_0001", "2022-05-01T00:00:00Z", assets)}},
	}}
}

var _ = Describe("Server", func() {

	Describe("search route", func() {
		It("returns the merged page with proxied asset urls", func() {
			e := newEnv(alphaYAML, false, nil, alphaWithAssets(map[string]catalog.RawAsset{
				"product": {URL: "https://origin.test/products/S1A_0001.zip", MediaType: "application/zip"},
			}))
			defer e.close()

			resp, err := http.Post(e.srv.URL+"/search", "application/json",
				strings.NewReader(`{"collections":["SENTINEL-1"]}`))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(200))
			Expect(resp.Header.Get("X-Request-Id")).NotTo(BeEmpty())

			page := federation.Result{}
			Expect(json.NewDecoder(resp.Body).Decode(&page)).To(Succeed())
			Expect(page.Status).To(Equal(common.StatusDONE))
			Expect(page.Items).To(HaveLen(1))
			Expect(page.Items[0].Assets["product"].ResolvedURL).
				To(Equal(downloadBase + "/data/alpha/SENTINEL-1/S1A_0001/product"))
			// the provider-native location never crosses the wire
			Expect(page.Items[0].Assets["product"].OriginURL).To(BeEmpty())
		})

		It("keeps origin urls when configured, except blacklisted ones", func() {
			e := newEnv(alphaYAML, true, []string{"https://restricted.test/"}, alphaWithAssets(map[string]catalog.RawAsset{
				"product":   {URL: "https://restricted.test/products/S1A_0001.zip"},
				"thumbnail": {URL: "https://open.test/quicklooks/S1A_0001.png"},
			}))
			defer e.close()

			resp, err := http.Post(e.srv.URL+"/search", "application/json", strings.NewReader(`{}`))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).NotTo(ContainSubstring("restricted.test"))

			page := federation.Result{}
			Expect(json.Unmarshal(body, &page)).To(Succeed())
			Expect(page.Items[0].Assets["product"].ResolvedURL).
				To(Equal(downloadBase + "/data/alpha/SENTINEL-1/S1A_0001/product"))
			Expect(page.Items[0].Assets["thumbnail"].ResolvedURL).
				To(Equal("https://open.test/quicklooks/S1A_0001.png"))
		})

		It("rejects a malformed body", func() {
			e := newEnv(alphaYAML, false, nil, &mockProvider{name: "alpha"})
			defer e.close()

			resp, err := http.Post(e.srv.URL+"/search", "application/json", strings.NewReader("}not json{"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(400))
		})

		It("rejects an invalid cursor", func() {
			e := newEnv(alphaYAML, false, nil, &mockProvider{name: "alpha"})
			defer e.close()

			resp, err := http.Post(e.srv.URL+"/search", "application/json",
				strings.NewReader(`{"cursor":"not!!!a///cursor"}`))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(400))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(ContainSubstring("invalid cursor"))
		})

		It("reports an exhausted federation with per-provider reasons", func() {
			e := newEnv(alphaYAML, false, nil, &mockProvider{name: "alpha", err: context.DeadlineExceeded})
			defer e.close()

			resp, err := http.Post(e.srv.URL+"/search", "application/json", strings.NewReader(`{}`))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(502))

			failure := struct {
				Error    string            `json:"error"`
				Failures map[string]string `json:"failures"`
			}{}
			Expect(json.NewDecoder(resp.Body).Decode(&failure)).To(Succeed())
			Expect(failure.Failures).To(HaveKey("alpha"))
		})

		It("reports when no provider can serve the query", func() {
			oldYAML := `  - name: old
    priority: 10
    dialect: stacapi
    endpoints: {search: "http://old.test/v1"}
    capabilities:
      predicates: [eq, and]
    coverage: {from: "2015-01-01T00:00:00Z", to: "2016-01-01T00:00:00Z"}
`
			e := newEnv(oldYAML, false, nil, &mockProvider{name: "old"})
			defer e.close()

			resp, err := http.Post(e.srv.URL+"/search", "application/json",
				strings.NewReader(`{"temporal":{"start":"2020-01-01T00:00:00Z"}}`))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(502))

			failure := struct {
				Error    string                 `json:"error"`
				Excluded []federation.Exclusion `json:"excluded"`
			}{}
			Expect(json.NewDecoder(resp.Body).Decode(&failure)).To(Succeed())
			Expect(failure.Excluded).To(HaveLen(1))
			Expect(failure.Excluded[0].Provider).To(Equal("old"))
		})

		It("propagates the caller's request id", func() {
			e := newEnv(alphaYAML, false, nil, &mockProvider{name: "alpha"})
			defer e.close()

			req, err := http.NewRequest("POST", e.srv.URL+"/search", strings.NewReader(`{}`))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("X-Request-Id", "caller-trace-42")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("X-Request-Id")).To(Equal("caller-trace-42"))
		})
	})

	Describe("provider routes", func() {
		const gammaYAML = `  - name: gamma
    priority: 30
    dialect: stacapi
    auth: basic
    endpoints: {search: "http://gamma.test/v1"}
    capabilities:
      predicates: [eq, and]
    credentials:
      username: geofed
      password: swordfish-9000
`

		It("lists the snapshot in redacted form", func() {
			e := newEnv(gammaYAML, false, nil)
			defer e.close()

			resp, err := http.Get(e.srv.URL + "/providers")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(200))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).NotTo(ContainSubstring("swordfish-9000"))

			infos := []struct {
				Name           string `json:"name"`
				Priority       int    `json:"priority"`
				Enabled        bool   `json:"enabled"`
				DisabledReason string `json:"disabledReason"`
			}{}
			Expect(json.Unmarshal(body, &infos)).To(Succeed())
			byName := map[string]bool{}
			for _, info := range infos {
				byName[info.Name] = info.Enabled
			}
			Expect(byName).To(HaveKeyWithValue("gamma", true))
			Expect(byName).To(HaveKeyWithValue("creodias", false))
		})

		It("refreshes the snapshot on demand", func() {
			e := newEnv(alphaYAML, false, nil, &mockProvider{name: "alpha"})
			defer e.close()

			before := e.registry.Snapshot()
			resp, err := http.Post(e.srv.URL+"/providers/refresh", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(204))
			Expect(e.registry.Snapshot()).NotTo(BeIdenticalTo(before))
		})

		It("masks internal failures behind a generic message", func() {
			e := newEnv(alphaYAML, false, nil, &mockProvider{name: "alpha"})
			defer e.close()

			Expect(os.Remove(e.configPath)).To(Succeed())
			resp, err := http.Post(e.srv.URL+"/providers/refresh", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(500))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("internal error: please contact the administrator"))
		})
	})

	Describe("download route", func() {
		It("streams an asset with attachment headers", func() {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/zip")
				_, _ = w.Write([]byte("zip-payload"))
			}))
			defer upstream.Close()

			e := newEnv(alphaYAML, false, nil, alphaWithAssets(map[string]catalog.RawAsset{
				"product": {URL: upstream.URL + "/products/S1A_0001.zip"},
			}))
			defer e.close()

			resp, err := http.Get(e.srv.URL + "/data/alpha/SENTINEL-1/S1A_0001/product")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(200))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/zip"))
			Expect(resp.Header.Get("Content-Disposition")).To(Equal(`attachment; filename="S1A_0001.zip"`))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("zip-payload"))
		})

		It("passes an inbound range header upstream verbatim", func() {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Range") != "bytes=0-3" {
					w.WriteHeader(400)
					return
				}
				w.Header().Set("Content-Range", "bytes 0-3/11")
				w.WriteHeader(206)
				_, _ = w.Write([]byte("zip-"))
			}))
			defer upstream.Close()

			e := newEnv(alphaYAML, false, nil, alphaWithAssets(map[string]catalog.RawAsset{
				"product": {URL: upstream.URL + "/products/S1A_0001.zip"},
			}))
			defer e.close()

			req, err := http.NewRequest("GET", e.srv.URL+"/data/alpha/SENTINEL-1/S1A_0001/product", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Range", "bytes=0-3")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(206))
			Expect(resp.Header.Get("Content-Range")).To(Equal("bytes 0-3/11"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("zip-"))
		})

		It("decodes escaped item ids", func() {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("jp2"))
			}))
			defer upstream.Close()

			alpha := &mockProvider{name: "alpha", pages: map[string]*catalog.Page{
				"": {Records: []catalog.Record{record("SENTINEL-2", "tiles/31/U/FU", "2022-05-01T00:00:00Z",
					map[string]catalog.RawAsset{"B04": {URL: upstream.URL + "/B04.jp2"}})}},
			}}
			e := newEnv(alphaYAML, false, nil, alpha)
			defer e.close()

			resp, err := http.Get(e.srv.URL + "/data/alpha/SENTINEL-2/tiles%2F31%2FU%2FFU/B04")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(200))
			Expect(alpha.lastQuery().IDs).To(Equal([]string{"tiles/31/U/FU"}))
		})

		It("returns 404 for an unknown item", func() {
			e := newEnv(alphaYAML, false, nil, &mockProvider{name: "alpha"})
			defer e.close()

			resp, err := http.Get(e.srv.URL + "/data/alpha/SENTINEL-1/GHOST/product")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(404))
		})

		It("returns 404 for an unknown provider", func() {
			e := newEnv(alphaYAML, false, nil, &mockProvider{name: "alpha"})
			defer e.close()

			resp, err := http.Get(e.srv.URL + "/data/ghost/SENTINEL-1/S1A_0001/product")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(404))
		})

		It("returns 404 for an unknown asset key", func() {
			e := newEnv(alphaYAML, false, nil, alphaWithAssets(map[string]catalog.RawAsset{
				"product": {URL: "https://origin.test/S1A_0001.zip"},
			}))
			defer e.close()

			resp, err := http.Get(e.srv.URL + "/data/alpha/SENTINEL-1/S1A_0001/cloudmask")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(404))
		})

		It("stops the upstream transfer when the client disconnects", func() {
			released := make(chan struct{})
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(200)
				w.(http.Flusher).Flush()
				<-r.Context().Done()
				close(released)
			}))
			defer upstream.Close()

			e := newEnv(alphaYAML, false, nil, alphaWithAssets(map[string]catalog.RawAsset{
				"product": {URL: upstream.URL + "/products/S1A_0001.zip"},
			}))
			defer e.close()

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, "GET", e.srv.URL+"/data/alpha/SENTINEL-1/S1A_0001/product", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			if err == nil {
				resp.Body.Close()
			}
			Eventually(released, 3*time.Second).Should(BeClosed())
		})
	})
})
