package index

import (
	"os"
	"path/filepath"
	"time"
)

// CrawlState records what the last crawl covered so later update passes
// can diff against it instead of starting over.
type CrawlState struct {
	// IndexedURLs maps a normalised URL to its sitemap lastmod (RFC3339,
	// empty when the sitemap had none) at the time it was indexed.
	IndexedURLs map[string]string `json:"indexed_urls"`
	// FailedURLs carries per-URL failure counts for the skip list.
	FailedURLs map[string]int `json:"failed_urls,omitempty"`
	// ContentHashes maps URLs to the content hash last indexed, for
	// change detection independent of sitemap metadata.
	ContentHashes map[string]string `json:"content_hashes,omitempty"`
	// MaxPagesLimit is the page cap in force during the crawl; raising
	// it invalidates CrawlComplete.
	MaxPagesLimit int `json:"max_pages_limit"`
	// CrawlComplete is false when the crawl stopped at the page cap.
	CrawlComplete bool      `json:"crawl_complete"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func crawlStatePath(dir string) string { return filepath.Join(dir, "crawl_state.json") }

// LoadCrawlState reads the saved state, returning an empty one when the
// file is absent or unreadable.
func LoadCrawlState(dir string) *CrawlState {
	s := &CrawlState{IndexedURLs: map[string]string{}, FailedURLs: map[string]int{}}
	if err := readJSON(crawlStatePath(dir), s); err != nil {
		return &CrawlState{IndexedURLs: map[string]string{}, FailedURLs: map[string]int{}}
	}
	if s.IndexedURLs == nil {
		s.IndexedURLs = map[string]string{}
	}
	if s.FailedURLs == nil {
		s.FailedURLs = map[string]int{}
	}
	return s
}

// Save persists the state atomically.
func (s *CrawlState) Save(dir string) error {
	s.UpdatedAt = time.Now().UTC()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeJSONAtomic(crawlStatePath(dir), s)
}

// IndexedLastMods converts the stored lastmod strings to times for
// sitemap diffing. Unparseable or empty values become zero times.
func (s *CrawlState) IndexedLastMods() map[string]time.Time {
	out := make(map[string]time.Time, len(s.IndexedURLs))
	for u, raw := range s.IndexedURLs {
		t, _ := time.Parse(time.RFC3339, raw)
		out[u] = t
	}
	return out
}

// MarkIndexed records a URL with its lastmod.
func (s *CrawlState) MarkIndexed(url string, lastmod time.Time) {
	if s.IndexedURLs == nil {
		s.IndexedURLs = map[string]string{}
	}
	if lastmod.IsZero() {
		s.IndexedURLs[url] = ""
		return
	}
	s.IndexedURLs[url] = lastmod.Format(time.RFC3339)
}

// Forget drops a URL from the indexed set.
func (s *CrawlState) Forget(url string) {
	delete(s.IndexedURLs, url)
	delete(s.ContentHashes, url)
}
