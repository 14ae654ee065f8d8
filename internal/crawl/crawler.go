package crawl

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// PageGetter fetches a page body for BFS link discovery. The fetch
// package's client satisfies this through a small adapter.
type PageGetter interface {
	GetBody(ctx context.Context, url string) ([]byte, error)
}

// Crawler discovers the set of URLs to index for one documentation site.
// Sitemaps are preferred; when none resolves it falls back to a bounded
// recursive crawl from the base URL.
type Crawler struct {
	BaseURL    string
	UserAgent  string
	MaxDepth   int
	MaxPages   int
	Filter     Filter
	ManualURLs []string
	ManualOnly bool

	HTTPClient *http.Client
	Pages      PageGetter
	Cache      *SitemapCache

	robots      RobotsRules
	robotsReady bool
}

func (c *Crawler) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Discover returns the deduplicated, filtered entry set for the site,
// sorted newest first by lastmod. Manual URLs are always included; with
// ManualOnly set they are the entire set and no crawling happens.
func (c *Crawler) Discover(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if !c.ManualOnly {
		c.loadRobots(ctx)
		var err error
		entries, err = c.fromSitemaps(ctx)
		if err != nil || len(entries) == 0 {
			log.Info().Str("base", c.BaseURL).Msg("no usable sitemap, falling back to recursive crawl")
			entries = c.recursiveCrawl(ctx)
		}
	}
	for _, raw := range c.ManualURLs {
		u := Normalize(raw)
		if u != "" {
			entries = append(entries, Entry{URL: u})
		}
	}
	entries = c.finalize(entries)
	log.Info().Str("base", c.BaseURL).Int("urls", len(entries)).Msg("discovery complete")
	return entries, nil
}

func (c *Crawler) loadRobots(ctx context.Context) {
	if c.robotsReady {
		return
	}
	rules, err := FetchRobots(ctx, c.httpClient(), c.BaseURL, c.UserAgent)
	if err == nil {
		c.robots = rules
	}
	c.robotsReady = true
}

// fromSitemaps probes the conventional sitemap locations plus any
// declared in robots.txt and resolves the first that parses.
func (c *Crawler) fromSitemaps(ctx context.Context) ([]Entry, error) {
	base := strings.TrimRight(c.BaseURL, "/")
	candidates := append([]string{}, c.robots.Sitemaps...)
	candidates = append(candidates,
		base+"/sitemap.xml",
		base+"/sitemap_index.xml",
		base+"/server-sitemap.xml",
	)
	cache := c.Cache
	if cache == nil {
		cache = &SitemapCache{Entries: map[string]cachedSitemap{}}
	}
	f := &sitemapFetcher{client: c.httpClient(), userAgent: c.UserAgent, cache: cache}
	var lastErr error
	for _, candidate := range candidates {
		entries, err := f.resolve(ctx, candidate, 0)
		if err != nil {
			lastErr = err
			continue
		}
		if len(entries) > 0 {
			if err := cache.Save(); err != nil {
				log.Warn().Err(err).Msg("sitemap cache not saved")
			}
			log.Info().Str("sitemap", candidate).Int("urls", len(entries)).Msg("sitemap resolved")
			return entries, nil
		}
	}
	return nil, lastErr
}

// recursiveCrawl walks same-domain links breadth-first from the base URL,
// bounded by MaxDepth and MaxPages.
func (c *Crawler) recursiveCrawl(ctx context.Context) []Entry {
	if c.Pages == nil {
		return nil
	}
	maxDepth := c.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	start := Normalize(c.BaseURL)
	type queued struct {
		url   string
		depth int
	}
	queue := []queued{{url: start}}
	visited := map[string]bool{start: true}
	var entries []Entry

	for len(queue) > 0 {
		if ctx.Err() != nil {
			break
		}
		if c.MaxPages > 0 && len(entries) >= c.MaxPages {
			log.Warn().Int("max_pages", c.MaxPages).Msg("crawl page limit reached")
			break
		}
		item := queue[0]
		queue = queue[1:]

		body, err := c.Pages.GetBody(ctx, item.url)
		if err != nil {
			log.Debug().Str("url", item.url).Err(err).Msg("crawl fetch failed")
			continue
		}
		entries = append(entries, Entry{URL: item.url})
		if item.depth >= maxDepth {
			continue
		}
		for _, link := range extractLinks(item.url, body) {
			u := Normalize(link)
			if visited[u] || !c.admissible(u) {
				continue
			}
			visited[u] = true
			queue = append(queue, queued{url: u, depth: item.depth + 1})
		}
	}
	return entries
}

// admissible applies domain confinement, robots rules and user filters.
func (c *Crawler) admissible(u string) bool {
	if !SameAuthority(u, c.BaseURL) {
		return false
	}
	if parsed, err := url.Parse(u); err == nil {
		if !c.robots.Allowed(c.UserAgent, parsed.Path) {
			return false
		}
	}
	return c.Filter.Accept(u)
}

// finalize dedups by normalised URL, applies the filter (manual URLs
// included) and sorts newest first.
func (c *Crawler) finalize(entries []Entry) []Entry {
	seen := make(map[string]int, len(entries))
	out := entries[:0]
	for _, e := range entries {
		if !c.Filter.Accept(e.URL) {
			continue
		}
		if idx, ok := seen[e.URL]; ok {
			if e.LastMod.After(out[idx].LastMod) {
				out[idx].LastMod = e.LastMod
			}
			continue
		}
		seen[e.URL] = len(out)
		out = append(out, e)
	}
	SortByLastModDesc(out)
	return out
}
