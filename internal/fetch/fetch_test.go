package fetch

import (
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestPageCacheRoundTrip(t *testing.T) {
	cache := NewPageCache(t.TempDir(), time.Hour)
	rec := &PageRecord{
		URL:  "https://docs.example.com/guide",
		ETag: `"abc"`,
		HTML: "<html><body>hello</body></html>",
	}
	if err := cache.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, fresh := cache.Get(rec.URL)
	if got == nil || !fresh {
		t.Fatalf("get = %v fresh=%v", got, fresh)
	}
	if got.HTML != rec.HTML || got.ETag != rec.ETag {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.ContentHash != HashContent([]byte(rec.HTML)) {
		t.Errorf("content hash not derived: %q", got.ContentHash)
	}
	if _, ok := cache.Get("https://docs.example.com/other"); ok {
		t.Error("miss reported as fresh")
	}
}

func TestPageCacheTTLExpiry(t *testing.T) {
	cache := NewPageCache(t.TempDir(), time.Minute)
	rec := &PageRecord{
		URL:      "https://docs.example.com/old",
		HTML:     "x",
		CachedAt: time.Now().Add(-2 * time.Minute),
	}
	if err := cache.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, fresh := cache.Get(rec.URL)
	if got == nil {
		t.Fatal("stale record should still be returned")
	}
	if fresh {
		t.Error("expired record reported fresh")
	}
}

func TestConditionalRevalidation(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>v1</html>"))
	}))
	defer srv.Close()

	cache := NewPageCache(t.TempDir(), time.Nanosecond)
	c := &Client{HTTPClient: srv.Client(), Cache: cache}

	page, err := c.Get(context.Background(), srv.URL+"/p")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	if string(page.Body) != "<html>v1</html>" {
		t.Errorf("body = %q", page.Body)
	}
	time.Sleep(time.Millisecond)

	page2, err := c.Get(context.Background(), srv.URL+"/p")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if !page2.FromCache {
		t.Error("revalidated page should be marked from cache")
	}
	if string(page2.Body) != "<html>v1</html>" {
		t.Errorf("revalidated body = %q", page2.Body)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("server hits = %d, want 2", hits)
	}
}

func TestRedirectConfinement(t *testing.T) {
	outside := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>outside</html>"))
	}))
	defer outside.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, outside.URL+"/landing", http.StatusFound)
	}))
	defer srv.Close()

	base, _ := url.Parse(srv.URL)
	c := &Client{HTTPClient: srv.Client(), Cache: NewPageCache(t.TempDir(), time.Hour), BaseAuthority: base.Host}
	_, err := c.Get(context.Background(), srv.URL+"/moved")
	if !errors.Is(err, ErrOutsideBase) {
		t.Fatalf("err = %v, want ErrOutsideBase", err)
	}
}

func TestSkipListAfterRepeatedFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := &Client{HTTPClient: srv.Client(), Cache: NewPageCache(t.TempDir(), time.Hour)}
	target := srv.URL + "/flaky"
	for i := 0; i < maxFailures; i++ {
		if _, err := c.Get(context.Background(), target); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := c.Get(context.Background(), target)
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("err = %v, want ErrSkipped", err)
	}
	if atomic.LoadInt32(&hits) != maxFailures {
		t.Errorf("hits = %d, want %d", hits, maxFailures)
	}
	counts := c.FailureCounts()
	if counts[target] != maxFailures {
		t.Errorf("failure count = %d", counts[target])
	}
}

func TestGzipDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			t.Error("gzip not advertised")
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("<html>compressed</html>"))
		gz.Close()
	}))
	defer srv.Close()

	c := &Client{HTTPClient: srv.Client(), Cache: NewPageCache(t.TempDir(), time.Hour)}
	page, err := c.Get(context.Background(), srv.URL+"/gz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(page.Body) != "<html>compressed</html>" {
		t.Errorf("body = %q", page.Body)
	}
}

func TestNonHTMLRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF"))
	}))
	defer srv.Close()

	c := &Client{HTTPClient: srv.Client(), Cache: NewPageCache(t.TempDir(), time.Hour)}
	_, err := c.Get(context.Background(), srv.URL+"/file.pdf")
	if !errors.Is(err, ErrNotHTML) {
		t.Fatalf("err = %v, want ErrNotHTML", err)
	}
}

func TestFetchAllBoundedPool(t *testing.T) {
	var inflight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>" + r.URL.Path + "</html>"))
	}))
	defer srv.Close()

	c := &Client{HTTPClient: srv.Client(), Cache: NewPageCache(t.TempDir(), time.Hour), Workers: 2}
	urls := make([]string, 8)
	for i := range urls {
		urls[i] = srv.URL + "/p" + string(rune('a'+i))
	}
	pages := c.FetchAll(context.Background(), urls)
	for i, page := range pages {
		if page == nil {
			t.Fatalf("page %d missing", i)
		}
		if !strings.Contains(string(page.Body), "/p") {
			t.Errorf("page %d body = %q", i, page.Body)
		}
	}
	if atomic.LoadInt32(&peak) > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}
