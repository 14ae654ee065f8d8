package index

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperifyio/goassist/internal/chunk"
	"github.com/hyperifyio/goassist/internal/crawl"
	"github.com/hyperifyio/goassist/internal/fetch"
)

// docsSite is a fake documentation site whose sitemap and pages can be
// mutated between update passes. It tracks the peak number of
// simultaneous page requests so fetch parallelism can be asserted.
type docsSite struct {
	mu          sync.Mutex
	srv         *httptest.Server
	pages       map[string]string
	raw         map[string]string
	mods        map[string]string
	delay       time.Duration
	inFlight    int
	maxInFlight int
}

func newDocsSite(t *testing.T) *docsSite {
	s := &docsSite{pages: map[string]string{}, raw: map[string]string{}, mods: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		fmt.Fprint(w, `<?xml version="1.0"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
		for path, mod := range s.mods {
			fmt.Fprintf(w, `<url><loc>%s%s</loc><lastmod>%s</lastmod></url>`, s.srv.URL, path, mod)
		}
		fmt.Fprint(w, `</urlset>`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.inFlight++
		if s.inFlight > s.maxInFlight {
			s.maxInFlight = s.inFlight
		}
		delay := s.delay
		html, rawOK := s.raw[r.URL.Path]
		body, ok := s.pages[r.URL.Path]
		s.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()

		switch {
		case rawOK:
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, html)
		case ok:
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, `<html><head><title>%s</title></head><body><h1>Doc</h1><p>%s</p></body></html>`, r.URL.Path, body)
		default:
			http.NotFound(w, r)
		}
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *docsSite) set(path, body, lastmod string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = body
	s.mods[path] = lastmod
}

// setRaw serves the exact HTML given so two paths can return
// byte-identical pages.
func (s *docsSite) setRaw(path, html, lastmod string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[path] = html
	s.mods[path] = lastmod
}

func (s *docsSite) remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, path)
	delete(s.mods, path)
}

func testPipeline(t *testing.T, s *docsSite, cacheDir string) *Pipeline {
	fetcher := &fetch.Client{
		HTTPClient: s.srv.Client(),
		Cache:      fetch.NewPageCache(cacheDir, time.Nanosecond),
	}
	return &Pipeline{
		Crawler: &crawl.Crawler{
			BaseURL:    s.srv.URL,
			HTTPClient: s.srv.Client(),
			Pages:      fetcher,
		},
		Fetcher: fetcher,
		Chunker: chunk.NewChunker(chunk.HeuristicCounter{}, chunk.DefaultOptions()),
	}
}

func TestBuildIndexesSite(t *testing.T) {
	site := newDocsSite(t)
	site.set("/install", strings.Repeat("Run the installer and follow the install prompts. ", 5), "2026-01-01")
	site.set("/config", strings.Repeat("Edit the configuration file to set the port. ", 5), "2026-01-02")

	dir := t.TempDir()
	ix := New(testConfig(dir), &stubEmbedder{}, nil)
	if err := ix.Build(context.Background(), testPipeline(t, site, dir)); err != nil {
		t.Fatalf("build: %v", err)
	}
	if ix.Len() == 0 {
		t.Fatal("nothing indexed")
	}
	if len(ix.State().IndexedURLs) != 2 {
		t.Errorf("indexed urls = %v", ix.State().IndexedURLs)
	}
	if !ix.State().CrawlComplete {
		t.Error("crawl should be complete")
	}

	results, err := ix.Search(context.Background(), "install prompts", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 || !strings.Contains(results[0].URL, "/install") {
		t.Errorf("results = %+v", results)
	}

	// A reload from disk must serve the same index.
	fresh := New(testConfig(dir), &stubEmbedder{}, nil)
	if err := fresh.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if fresh.Len() != ix.Len() {
		t.Errorf("reloaded len = %d, want %d", fresh.Len(), ix.Len())
	}
}

// The same document served under two URLs is indexed once, first URL
// in discovery order wins.
func TestBuildSkipsDuplicateContentAcrossURLs(t *testing.T) {
	site := newDocsSite(t)
	html := `<html><head><title>Shared</title></head><body><h1>Doc</h1><p>` +
		strings.Repeat("Shared body text served under two URLs. ", 5) + `</p></body></html>`
	site.setRaw("/canonical", html, "2026-01-01")
	site.setRaw("/mirror", html, "2026-01-01")

	dir := t.TempDir()
	ix := New(testConfig(dir), &stubEmbedder{}, nil)
	if err := ix.Build(context.Background(), testPipeline(t, site, dir)); err != nil {
		t.Fatalf("build: %v", err)
	}
	urls := ix.URLs()
	if len(urls) != 1 {
		t.Fatalf("indexed urls = %v, want exactly one of the duplicate pair", urls)
	}
	if !strings.HasSuffix(urls[0], "/canonical") {
		t.Errorf("indexed %q, want the first URL in discovery order", urls[0])
	}
}

func TestBuildFetchesPagesInParallel(t *testing.T) {
	site := newDocsSite(t)
	site.delay = 50 * time.Millisecond
	for i := 0; i < 4; i++ {
		site.set(fmt.Sprintf("/page%d", i),
			strings.Repeat(fmt.Sprintf("Body text number %d for the worker pool. ", i), 5),
			"2026-01-01")
	}

	dir := t.TempDir()
	pipeline := testPipeline(t, site, dir)
	pipeline.Fetcher.Workers = 2
	ix := New(testConfig(dir), &stubEmbedder{}, nil)
	if err := ix.Build(context.Background(), pipeline); err != nil {
		t.Fatalf("build: %v", err)
	}

	site.mu.Lock()
	peak := site.maxInFlight
	site.mu.Unlock()
	if peak < 2 {
		t.Errorf("peak concurrent page fetches = %d, want the pool to overlap requests", peak)
	}
	if len(ix.State().IndexedURLs) != 4 {
		t.Errorf("indexed urls = %v", ix.State().IndexedURLs)
	}
}

func TestUpdatePassIndexesNewAndRemovesDeleted(t *testing.T) {
	site := newDocsSite(t)
	site.set("/a", strings.Repeat("Original page about installing widgets. ", 5), "2026-01-01T00:00:00Z")

	dir := t.TempDir()
	ix := New(testConfig(dir), &stubEmbedder{}, nil)
	pipeline := testPipeline(t, site, dir)
	if err := ix.Build(context.Background(), pipeline); err != nil {
		t.Fatalf("build: %v", err)
	}

	site.set("/b", strings.Repeat("Fresh page about configuring widgets. ", 5), "2026-02-01T00:00:00Z")
	site.remove("/a")

	u := NewUpdater(ix, pipeline)
	u.RebuildThreshold = 0.99
	if err := u.runOnce(context.Background()); err != nil {
		t.Fatalf("update pass: %v", err)
	}

	results, err := ix.Search(context.Background(), "configuring widgets", 5)
	if err != nil {
		t.Fatal(err)
	}
	foundB := false
	for _, r := range results {
		if strings.Contains(r.URL, "/a") {
			t.Errorf("removed page still returned: %+v", r)
		}
		if strings.Contains(r.URL, "/b") {
			foundB = true
		}
	}
	if !foundB {
		t.Error("new page not indexed by update pass")
	}
	if _, ok := ix.State().IndexedURLs[site.srv.URL+"/a"]; ok {
		t.Error("removed url still in crawl state")
	}
}

func TestUpdatePassCompactsOverThreshold(t *testing.T) {
	site := newDocsSite(t)
	site.set("/a", strings.Repeat("Alpha page body text for the index. ", 5), "2026-01-01T00:00:00Z")
	site.set("/b", strings.Repeat("Beta page body text for the index. ", 5), "2026-01-01T00:00:00Z")

	dir := t.TempDir()
	ix := New(testConfig(dir), &stubEmbedder{}, nil)
	pipeline := testPipeline(t, site, dir)
	if err := ix.Build(context.Background(), pipeline); err != nil {
		t.Fatalf("build: %v", err)
	}

	site.remove("/a")
	u := NewUpdater(ix, pipeline)
	u.RebuildThreshold = 0.3
	if err := u.runOnce(context.Background()); err != nil {
		t.Fatalf("update pass: %v", err)
	}
	if ratio := ix.TombstoneRatio(); ratio != 0 {
		t.Errorf("ratio after compaction pass = %v", ratio)
	}
}

func TestUpdaterStopsPromptlyWhenPaused(t *testing.T) {
	site := newDocsSite(t)
	site.set("/a", "Body.", "2026-01-01T00:00:00Z")

	dir := t.TempDir()
	ix := New(testConfig(dir), &stubEmbedder{}, nil)
	pipeline := testPipeline(t, site, dir)
	u := NewUpdater(ix, pipeline)
	u.Interval = time.Hour

	ix.Pause()
	defer ix.Resume()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		u.Run(ctx)
		close(done)
	}()
	u.Wake()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("updater did not stop after cancellation")
	}
}

func TestWakeTriggersImmediatePass(t *testing.T) {
	site := newDocsSite(t)
	site.set("/a", strings.Repeat("Page content for wake test. ", 5), "2026-01-01T00:00:00Z")

	dir := t.TempDir()
	ix := New(testConfig(dir), &stubEmbedder{}, nil)
	pipeline := testPipeline(t, site, dir)
	u := NewUpdater(ix, pipeline)
	u.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go u.Run(ctx)
	u.Wake()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ix.Len() > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("wake did not trigger an update pass")
}
