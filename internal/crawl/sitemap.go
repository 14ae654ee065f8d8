package crawl

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Entry is a single page discovered for indexing, with the sitemap
// lastmod when the site publishes one.
type Entry struct {
	URL     string
	LastMod time.Time
}

// sitemap XML shapes. A <sitemapindex> nests further sitemaps, a
// <urlset> carries page entries.
type sitemapIndexXML struct {
	XMLName  xml.Name        `xml:"sitemapindex"`
	Sitemaps []sitemapRefXML `xml:"sitemap"`
}

type sitemapRefXML struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type urlsetXML struct {
	XMLName xml.Name        `xml:"urlset"`
	URLs    []sitemapRefXML `xml:"url"`
}

// SitemapCache persists the lastmod and URL list of each sub-sitemap so
// that unchanged sub-sitemaps are not re-fetched on later update passes.
type SitemapCache struct {
	Path    string
	Entries map[string]cachedSitemap `json:"entries"`
}

type cachedSitemap struct {
	LastMod string         `json:"lastmod"`
	Fetched time.Time      `json:"fetched_at"`
	URLs    []cachedURLRef `json:"urls"`
}

type cachedURLRef struct {
	URL     string `json:"url"`
	LastMod string `json:"lastmod,omitempty"`
}

// LoadSitemapCache reads the cache file, returning an empty cache when
// absent or unreadable.
func LoadSitemapCache(path string) *SitemapCache {
	c := &SitemapCache{Path: path, Entries: map[string]cachedSitemap{}}
	data, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	if err := json.Unmarshal(data, &c.Entries); err != nil {
		c.Entries = map[string]cachedSitemap{}
	}
	return c
}

// Save writes the cache atomically next to its final path.
func (c *SitemapCache) Save() error {
	if c.Path == "" {
		return nil
	}
	data, err := json.MarshalIndent(c.Entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return err
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.Path)
}

// sitemapFetcher downloads and parses sitemap documents.
type sitemapFetcher struct {
	client    *http.Client
	userAgent string
	cache     *SitemapCache
}

func (f *sitemapFetcher) get(ctx context.Context, sitemapURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("sitemap %s: status %d", sitemapURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

// resolve parses one sitemap document. Sitemap indexes recurse into each
// referenced sub-sitemap; unchanged sub-sitemaps (same lastmod as last
// pass) are served from the cache without a fetch.
func (f *sitemapFetcher) resolve(ctx context.Context, sitemapURL string, depth int) ([]Entry, error) {
	if depth > 5 {
		return nil, fmt.Errorf("sitemap nesting exceeds depth 5 at %s", sitemapURL)
	}
	data, err := f.get(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	var index sitemapIndexXML
	if err := xml.Unmarshal(data, &index); err == nil && len(index.Sitemaps) > 0 {
		var entries []Entry
		for _, ref := range index.Sitemaps {
			loc := strings.TrimSpace(ref.Loc)
			if loc == "" {
				continue
			}
			if cached, ok := f.cache.Entries[loc]; ok && cached.LastMod != "" && cached.LastMod == ref.LastMod {
				entries = append(entries, cachedEntries(cached)...)
				continue
			}
			sub, err := f.resolve(ctx, loc, depth+1)
			if err != nil {
				log.Warn().Str("sitemap", loc).Err(err).Msg("sub-sitemap fetch failed, skipping")
				continue
			}
			f.cache.Entries[loc] = toCached(ref.LastMod, sub)
			entries = append(entries, sub...)
		}
		return entries, nil
	}

	var urlset urlsetXML
	if err := xml.Unmarshal(data, &urlset); err != nil {
		return nil, fmt.Errorf("sitemap %s: %w", sitemapURL, err)
	}
	var entries []Entry
	for _, ref := range urlset.URLs {
		loc := strings.TrimSpace(ref.Loc)
		if loc == "" {
			continue
		}
		entries = append(entries, Entry{URL: Normalize(loc), LastMod: parseLastMod(ref.LastMod)})
	}
	return entries, nil
}

func cachedEntries(c cachedSitemap) []Entry {
	entries := make([]Entry, 0, len(c.URLs))
	for _, u := range c.URLs {
		entries = append(entries, Entry{URL: u.URL, LastMod: parseLastMod(u.LastMod)})
	}
	return entries
}

func toCached(lastmod string, entries []Entry) cachedSitemap {
	c := cachedSitemap{LastMod: lastmod, Fetched: time.Now().UTC()}
	for _, e := range entries {
		ref := cachedURLRef{URL: e.URL}
		if !e.LastMod.IsZero() {
			ref.LastMod = e.LastMod.Format(time.RFC3339)
		}
		c.URLs = append(c.URLs, ref)
	}
	return c
}

// parseLastMod accepts the date shapes sitemaps use in the wild.
func parseLastMod(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z07:00", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// SortByLastModDesc orders entries newest first; entries without a
// lastmod sort last, ties break on URL for determinism.
func SortByLastModDesc(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].LastMod, entries[j].LastMod
		if a.Equal(b) {
			return entries[i].URL < entries[j].URL
		}
		return a.After(b)
	})
}

// Diff partitions a freshly discovered entry set against the URLs already
// indexed. Updated means the sitemap lastmod is newer than the one
// recorded at indexing time, or that one of the two is unknown.
type Diff struct {
	New       []Entry
	Updated   []Entry
	Removed   []string
	Unchanged []Entry
}

// ComputeDiff compares discovered entries with indexed lastmods keyed by
// normalised URL. An entry missing a lastmod on either side cannot be
// compared, so it classifies as updated and goes back through the fetch
// path, where the conditional request and the stored content hash
// decide whether the page really changed.
func ComputeDiff(discovered []Entry, indexed map[string]time.Time) Diff {
	var d Diff
	seen := make(map[string]bool, len(discovered))
	for _, e := range discovered {
		seen[e.URL] = true
		prev, ok := indexed[e.URL]
		switch {
		case !ok:
			d.New = append(d.New, e)
		case e.LastMod.IsZero() || prev.IsZero():
			d.Updated = append(d.Updated, e)
		case e.LastMod.After(prev):
			d.Updated = append(d.Updated, e)
		default:
			d.Unchanged = append(d.Unchanged, e)
		}
	}
	for u := range indexed {
		if !seen[u] {
			d.Removed = append(d.Removed, u)
		}
	}
	sort.Strings(d.Removed)
	return d
}
