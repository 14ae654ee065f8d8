// Package fetch downloads documentation pages through a polite,
// cache-backed HTTP client: conditional requests, bounded parallelism,
// redirect confinement and a skip list for repeat offenders.
package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxFailures is the strike count after which a URL is skipped for the
// rest of the run.
const maxFailures = 3

var (
	// ErrSkipped marks a URL that failed too many times this run.
	ErrSkipped = errors.New("fetch: url on skip list")
	// ErrOutsideBase marks a redirect that left the configured site.
	ErrOutsideBase = errors.New("fetch: redirect left the base domain")
	// ErrNotHTML marks a response with a non-HTML content type.
	ErrNotHTML = errors.New("fetch: response is not html")
)

// Page is a fetched document ready for extraction.
type Page struct {
	URL         string
	FinalURL    string
	Body        []byte
	ContentType string
	ContentHash string
	FromCache   bool
}

// Client fetches pages with caching and politeness controls. The zero
// value is not usable; construct with the fields you need.
type Client struct {
	HTTPClient    *http.Client
	UserAgent     string
	BaseAuthority string
	Cache         *PageCache
	Workers       int
	Delay         time.Duration
	ForceRefresh  bool

	mu       sync.Mutex
	statuses map[int]int
	failures map[string]int
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Get fetches one page, serving from cache when fresh and revalidating
// with ETag/Last-Modified when stale.
func (c *Client) Get(ctx context.Context, pageURL string) (*Page, error) {
	if c.skipCount(pageURL) >= maxFailures {
		return nil, fmt.Errorf("%w: %s", ErrSkipped, pageURL)
	}

	var cached *PageRecord
	if !c.ForceRefresh {
		rec, fresh := c.Cache.Get(pageURL)
		if rec != nil && fresh {
			log.Debug().Str("url", pageURL).Msg("page served from cache")
			return pageFromRecord(rec, true), nil
		}
		cached = rec
	}

	page, err := c.fetch(ctx, pageURL, cached)
	if err != nil {
		c.recordFailure(pageURL, err)
		return nil, err
	}
	return page, nil
}

// GetBody adapts Get for link discovery: body bytes only.
func (c *Client) GetBody(ctx context.Context, pageURL string) ([]byte, error) {
	page, err := c.Get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return page.Body, nil
}

func (c *Client) fetch(ctx context.Context, pageURL string, cached *PageRecord) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	if cached != nil {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	c.countStatus(resp.StatusCode)

	finalURL := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	if !c.withinBase(finalURL) {
		log.Warn().Str("url", pageURL).Str("final", finalURL).Msg("redirect left the site, page discarded")
		return nil, fmt.Errorf("%w: %s -> %s", ErrOutsideBase, pageURL, finalURL)
	}

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		c.Cache.Touch(pageURL)
		log.Debug().Str("url", pageURL).Msg("page revalidated, 304")
		return pageFromRecord(cached, true), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}

	ctype := resp.Header.Get("Content-Type")
	if ctype != "" && !strings.Contains(ctype, "html") && !strings.Contains(ctype, "xml") {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotHTML, pageURL, ctype)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}

	page := &Page{
		URL:         pageURL,
		FinalURL:    finalURL,
		Body:        body,
		ContentType: ctype,
		ContentHash: HashContent(body),
	}
	rec := &PageRecord{
		URL:          pageURL,
		FinalURL:     finalURL,
		ContentHash:  page.ContentHash,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		HTML:         string(body),
	}
	if err := c.Cache.Put(rec); err != nil {
		log.Warn().Str("url", pageURL).Err(err).Msg("page cache write failed")
	}
	return page, nil
}

// decodeBody undoes the transfer encodings we advertise. Setting
// Accept-Encoding by hand disables the transport's transparent gzip, so
// both branches are needed here.
func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	}
	return io.ReadAll(io.LimitReader(reader, 32<<20))
}

func (c *Client) withinBase(finalURL string) bool {
	if c.BaseAuthority == "" {
		return true
	}
	u, err := url.Parse(finalURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, c.BaseAuthority)
}

// FetchAll downloads a URL list with a bounded worker pool, keeping the
// result slice aligned with the input. Failed URLs come back nil.
func (c *Client) FetchAll(ctx context.Context, urls []string) []*Page {
	workers := c.Workers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(urls) {
		workers = len(urls)
	}
	results := make([]*Page, len(urls))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				page, err := c.Get(ctx, urls[i])
				if err != nil {
					log.Debug().Str("url", urls[i]).Err(err).Msg("fetch failed")
				} else {
					results[i] = page
				}
				if c.Delay > 0 && !page.fromCacheSafe() {
					select {
					case <-ctx.Done():
						return
					case <-time.After(c.Delay):
					}
				}
			}
		}()
	}
	for i := range urls {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return results
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	return results
}

func (p *Page) fromCacheSafe() bool {
	return p != nil && p.FromCache
}

func pageFromRecord(rec *PageRecord, fromCache bool) *Page {
	final := rec.FinalURL
	if final == "" {
		final = rec.URL
	}
	return &Page{
		URL:         rec.URL,
		FinalURL:    final,
		Body:        []byte(rec.HTML),
		ContentHash: rec.ContentHash,
		FromCache:   fromCache,
	}
}

func (c *Client) countStatus(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statuses == nil {
		c.statuses = map[int]int{}
	}
	c.statuses[code]++
}

func (c *Client) recordFailure(pageURL string, err error) {
	if errors.Is(err, ErrSkipped) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures == nil {
		c.failures = map[string]int{}
	}
	c.failures[pageURL]++
	if c.failures[pageURL] == maxFailures {
		log.Warn().Str("url", pageURL).Int("failures", maxFailures).Msg("url added to skip list")
	}
}

func (c *Client) skipCount(pageURL string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[pageURL]
}

// FailureCounts snapshots per-URL failure counters for persistence.
func (c *Client) FailureCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.failures))
	for k, v := range c.failures {
		out[k] = v
	}
	return out
}

// SeedFailures preloads failure counters from a previous run so the skip
// list survives restarts.
func (c *Client) SeedFailures(counts map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures == nil {
		c.failures = map[string]int{}
	}
	for k, v := range counts {
		c.failures[k] = v
	}
}

// LogStatusSummary reports the response status histogram for the run.
func (c *Client) LogStatusSummary() {
	c.mu.Lock()
	codes := make([]int, 0, len(c.statuses))
	for code := range c.statuses {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	parts := make([]string, 0, len(codes))
	for _, code := range codes {
		parts = append(parts, fmt.Sprintf("%d:%d", code, c.statuses[code]))
	}
	c.mu.Unlock()
	if len(parts) > 0 {
		log.Info().Str("statuses", strings.Join(parts, " ")).Msg("fetch status summary")
	}
}
