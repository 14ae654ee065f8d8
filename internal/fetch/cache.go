package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// PageRecord is one cached page on disk: the raw HTML plus the
// validators needed for conditional refresh and change detection.
type PageRecord struct {
	URL          string    `json:"url"`
	FinalURL     string    `json:"final_url,omitempty"`
	ContentHash  string    `json:"content_hash"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	SitemapMod   string    `json:"lastmod,omitempty"`
	CachedAt     time.Time `json:"cached_at"`
	HTML         string    `json:"html"`
}

// PageCache stores one JSON record per page under dir/pages, keyed by a
// hash of the normalised URL.
type PageCache struct {
	Dir string
	TTL time.Duration
}

// NewPageCache roots a cache at dir with the given freshness window.
// A zero TTL means records never expire by age.
func NewPageCache(dir string, ttl time.Duration) *PageCache {
	return &PageCache{Dir: dir, TTL: ttl}
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:32]
}

func (c *PageCache) path(url string) string {
	return filepath.Join(c.Dir, "pages", cacheKey(url)+".json")
}

// Get returns the cached record for a URL and whether it is still within
// the TTL. A stale record is still returned so its validators can drive
// a conditional request.
func (c *PageCache) Get(url string) (*PageRecord, bool) {
	if c == nil || c.Dir == "" {
		return nil, false
	}
	data, err := os.ReadFile(c.path(url))
	if err != nil {
		return nil, false
	}
	var rec PageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	fresh := c.TTL <= 0 || time.Since(rec.CachedAt) < c.TTL
	return &rec, fresh
}

// Put writes a record atomically: temp file then rename.
func (c *PageCache) Put(rec *PageRecord) error {
	if c == nil || c.Dir == "" {
		return nil
	}
	if rec.CachedAt.IsZero() {
		rec.CachedAt = time.Now().UTC()
	}
	if rec.ContentHash == "" {
		rec.ContentHash = HashContent([]byte(rec.HTML))
	}
	dir := filepath.Join(c.Dir, "pages")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	final := c.path(rec.URL)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// Touch refreshes the cached-at stamp after a 304 revalidation.
func (c *PageCache) Touch(url string) {
	rec, _ := c.Get(url)
	if rec == nil {
		return
	}
	rec.CachedAt = time.Now().UTC()
	_ = c.Put(rec)
}

// Remove deletes the record for a URL, ignoring absence.
func (c *PageCache) Remove(url string) {
	if c == nil || c.Dir == "" {
		return
	}
	_ = os.Remove(c.path(url))
}

// HashContent is the change-detection hash used across the cache and the
// index: hex SHA-256 of the raw bytes.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
