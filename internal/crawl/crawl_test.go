package crawl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"https://Docs.Example.com/guide/":        "https://docs.example.com/guide",
		"https://docs.example.com/guide?x=1#top": "https://docs.example.com/guide",
		"https://docs.example.com/":              "https://docs.example.com/",
		"https://docs.example.com/a/b///":        "https://docs.example.com/a/b",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFilterIncludeExclude(t *testing.T) {
	f := CompileFilter([]string{`/guide/`}, []string{`/guide/internal`})
	if !f.Accept("https://x/guide/a") {
		t.Error("included URL rejected")
	}
	if f.Accept("https://x/guide/internal/a") {
		t.Error("excluded URL accepted")
	}
	if f.Accept("https://x/blog/a") {
		t.Error("URL outside includes accepted")
	}
	open := CompileFilter(nil, []string{`\.pdf$`})
	if !open.Accept("https://x/anything") {
		t.Error("no includes should allow everything not excluded")
	}
	if open.Accept("https://x/file.pdf") {
		t.Error("exclude pattern not applied")
	}
}

func TestParseRobots(t *testing.T) {
	rules := ParseRobots(`
User-agent: *
Disallow: /private/
Allow: /private/docs/

Sitemap: https://x.example/sitemap.xml
`)
	if len(rules.Sitemaps) != 1 || rules.Sitemaps[0] != "https://x.example/sitemap.xml" {
		t.Fatalf("sitemaps = %v", rules.Sitemaps)
	}
	if rules.Allowed("goassist", "/private/secret") {
		t.Error("disallowed path permitted")
	}
	if !rules.Allowed("goassist", "/private/docs/intro") {
		t.Error("longer allow rule should win over disallow")
	}
	if !rules.Allowed("goassist", "/public") {
		t.Error("unmatched path should be allowed")
	}
}

func TestRobotsFailOpen(t *testing.T) {
	var empty RobotsRules
	if !empty.Allowed("goassist", "/anything") {
		t.Error("empty rules must allow everything")
	}
}

func TestSitemapIndexRecursionAndCache(t *testing.T) {
	subHits := 0
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%s/sub.xml</loc><lastmod>2026-01-02</lastmod></sitemap>
</sitemapindex>`, srv.URL)
	})
	mux.HandleFunc("/sub.xml", func(w http.ResponseWriter, r *http.Request) {
		subHits++
		fmt.Fprint(w, `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://docs.example.com/a</loc><lastmod>2026-01-01</lastmod></url>
  <url><loc>https://docs.example.com/b/</loc></url>
</urlset>`)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	cachePath := filepath.Join(t.TempDir(), "sitemap_cache.json")
	cache := LoadSitemapCache(cachePath)
	f := &sitemapFetcher{client: srv.Client(), cache: cache}

	entries, err := f.resolve(context.Background(), srv.URL+"/sitemap.xml", 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].URL != "https://docs.example.com/a" || entries[0].LastMod.IsZero() {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].URL != "https://docs.example.com/b" {
		t.Errorf("trailing slash not normalised: %q", entries[1].URL)
	}
	if err := cache.Save(); err != nil {
		t.Fatalf("cache save: %v", err)
	}

	// Second pass with the persisted cache: the sub-sitemap lastmod is
	// unchanged, so it must not be fetched again.
	cache2 := LoadSitemapCache(cachePath)
	f2 := &sitemapFetcher{client: srv.Client(), cache: cache2}
	entries2, err := f2.resolve(context.Background(), srv.URL+"/sitemap.xml", 0)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if len(entries2) != 2 {
		t.Fatalf("cached entries = %d, want 2", len(entries2))
	}
	if subHits != 1 {
		t.Errorf("sub-sitemap fetched %d times, want 1", subHits)
	}
}

func TestComputeDiff(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	discovered := []Entry{
		{URL: "https://x/new", LastMod: t2},
		{URL: "https://x/updated", LastMod: t2},
		{URL: "https://x/same", LastMod: t1},
		{URL: "https://x/nodate"},
		{URL: "https://x/prevnodate", LastMod: t1},
	}
	indexed := map[string]time.Time{
		"https://x/updated":    t1,
		"https://x/same":       t1,
		"https://x/nodate":     t1,
		"https://x/prevnodate": {},
		"https://x/gone":       t1,
	}
	d := ComputeDiff(discovered, indexed)
	if len(d.New) != 1 || d.New[0].URL != "https://x/new" {
		t.Errorf("New = %+v", d.New)
	}
	// Known URLs with a missing lastmod on either side cannot be
	// compared and must go back through the fetch path.
	wantUpdated := []string{"https://x/updated", "https://x/nodate", "https://x/prevnodate"}
	if len(d.Updated) != len(wantUpdated) {
		t.Fatalf("Updated = %+v, want %v", d.Updated, wantUpdated)
	}
	for i, w := range wantUpdated {
		if d.Updated[i].URL != w {
			t.Errorf("Updated[%d] = %q, want %q", i, d.Updated[i].URL, w)
		}
	}
	if !reflect.DeepEqual(d.Removed, []string{"https://x/gone"}) {
		t.Errorf("Removed = %v", d.Removed)
	}
	if len(d.Unchanged) != 1 || d.Unchanged[0].URL != "https://x/same" {
		t.Errorf("Unchanged = %+v", d.Unchanged)
	}
}

type stubPages struct {
	pages map[string]string
}

func (s *stubPages) GetBody(ctx context.Context, url string) ([]byte, error) {
	body, ok := s.pages[url]
	if !ok {
		return nil, fmt.Errorf("no page %s", url)
	}
	return []byte(body), nil
}

func TestRecursiveCrawlStaysOnDomain(t *testing.T) {
	pages := &stubPages{pages: map[string]string{
		"https://docs.example.com/":           `<a href="/guide">g</a> <a href="https://other.example.com/x">off</a>`,
		"https://docs.example.com/guide":      `<a href="/guide/deep">d</a> <a href="/guide">self</a>`,
		"https://docs.example.com/guide/deep": `<a href="/too-far">far</a>`,
	}}
	c := &Crawler{BaseURL: "https://docs.example.com/", MaxDepth: 2, Pages: pages}
	entries := c.recursiveCrawl(context.Background())

	got := map[string]bool{}
	for _, e := range entries {
		got[e.URL] = true
	}
	for _, want := range []string{"https://docs.example.com/", "https://docs.example.com/guide", "https://docs.example.com/guide/deep"} {
		if !got[want] {
			t.Errorf("missing %s in %v", want, entries)
		}
	}
	if got["https://other.example.com/x"] {
		t.Error("crawl left the base domain")
	}
	if got["https://docs.example.com/too-far"] {
		t.Error("crawl exceeded max depth")
	}
}

func TestManualOnlySkipsCrawling(t *testing.T) {
	c := &Crawler{
		BaseURL:    "https://docs.example.com",
		ManualOnly: true,
		ManualURLs: []string{"https://docs.example.com/only/", "https://docs.example.com/only"},
	}
	entries, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(entries) != 1 || entries[0].URL != "https://docs.example.com/only" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestSortByLastModDesc(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	entries := []Entry{{URL: "c"}, {URL: "a", LastMod: t1}, {URL: "b", LastMod: t2}}
	SortByLastModDesc(entries)
	want := []string{"b", "a", "c"}
	for i, w := range want {
		if entries[i].URL != w {
			t.Fatalf("order = %+v, want %v", entries, want)
		}
	}
}
