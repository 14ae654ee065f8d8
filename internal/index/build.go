package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/goassist/internal/chunk"
	"github.com/hyperifyio/goassist/internal/crawl"
	"github.com/hyperifyio/goassist/internal/extract"
	"github.com/hyperifyio/goassist/internal/fetch"
)

// Pipeline bundles the collaborators that turn URLs into indexed chunks.
type Pipeline struct {
	Crawler *crawl.Crawler
	Fetcher *fetch.Client
	Chunker *chunk.Chunker
}

// Build runs a full index build: discover, fetch, extract, chunk, embed.
// Page bodies come from the fetcher's worker pool up front; pages whose
// content hash is already indexed, under this URL or any other, are
// skipped.
func (ix *Index) Build(ctx context.Context, p *Pipeline) error {
	started := time.Now()
	entries, err := p.Crawler.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	if len(entries) == 0 {
		return errors.New("index build: no URLs discovered")
	}
	limited := false
	if max := p.Crawler.MaxPages; max > 0 && len(entries) > max {
		entries = entries[:max]
		limited = true
	}

	p.Fetcher.SeedFailures(ix.state.FailedURLs)
	pages := p.Fetcher.FetchAll(ctx, entryURLs(entries))
	seen := ix.knownContentHashes()
	indexed := 0
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pages[i] == nil {
			log.Warn().Str("url", entry.URL).Msg("page not fetched")
			continue
		}
		ok, err := ix.indexPage(ctx, p, entry, pages[i], seen)
		if err != nil {
			log.Warn().Str("url", entry.URL).Err(err).Msg("page not indexed")
			continue
		}
		if ok {
			indexed++
		}
	}
	p.Fetcher.LogStatusSummary()

	ix.state.FailedURLs = p.Fetcher.FailureCounts()
	ix.state.MaxPagesLimit = p.Crawler.MaxPages
	ix.state.CrawlComplete = !limited
	if err := ix.state.Save(ix.dir); err != nil {
		log.Warn().Err(err).Msg("crawl state not saved")
	}
	if err := ix.Save(); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	log.Info().Int("pages", indexed).Int("chunks", ix.Len()).
		Dur("elapsed", time.Since(started)).Msg("index build complete")
	return nil
}

// indexPage extracts, chunks and embeds one fetched page. The seen map
// carries content hashes across URLs so the same page served under
// several URLs is indexed once, first URL wins. The bool reports
// whether the index changed.
func (ix *Index) indexPage(ctx context.Context, p *Pipeline, entry crawl.Entry, page *fetch.Page, seen map[string]string) (bool, error) {
	if prev, ok := ix.contentHash(entry.URL); ok && prev == page.ContentHash {
		ix.state.MarkIndexed(entry.URL, entry.LastMod)
		return false, nil
	}
	if first, ok := seen[page.ContentHash]; ok && first != entry.URL {
		log.Debug().Str("url", entry.URL).Str("first", first).Msg("duplicate content skipped")
		return false, nil
	}

	doc := extract.Extract(entry.URL, page.Body)
	if doc.Text == "" {
		return false, fmt.Errorf("no content extracted")
	}
	parents, children := p.Chunker.Chunk(entry.URL, doc.Title, doc.HTML)
	if len(children) == 0 {
		return false, fmt.Errorf("no chunks produced")
	}
	for i := range children {
		children[i].Meta.Title = doc.Title
	}
	if err := ix.ReplaceURL(ctx, entry.URL, parents, children); err != nil {
		return false, err
	}
	seen[page.ContentHash] = entry.URL
	ix.setContentHash(entry.URL, page.ContentHash)
	ix.state.MarkIndexed(entry.URL, entry.LastMod)
	log.Debug().Str("url", entry.URL).Int("chunks", len(children)).Msg("page indexed")
	return true, nil
}

func entryURLs(entries []crawl.Entry) []string {
	urls := make([]string, len(entries))
	for i := range entries {
		urls[i] = entries[i].URL
	}
	return urls
}

// Content hashes ride in the crawl state keyed separately from lastmod
// so unchanged pages skip re-chunking even without sitemap metadata.

func (ix *Index) contentHash(url string) (string, bool) {
	if ix.state.ContentHashes == nil {
		return "", false
	}
	h, ok := ix.state.ContentHashes[url]
	return h, ok
}

func (ix *Index) setContentHash(url, hash string) {
	if ix.state.ContentHashes == nil {
		ix.state.ContentHashes = map[string]string{}
	}
	ix.state.ContentHashes[url] = hash
}

// knownContentHashes inverts the per-URL hash table so duplicate
// content arriving under a second URL can be skipped. The smallest URL
// wins so the inversion stays deterministic.
func (ix *Index) knownContentHashes() map[string]string {
	seen := make(map[string]string, len(ix.state.ContentHashes))
	for u, h := range ix.state.ContentHashes {
		if prev, ok := seen[h]; !ok || u < prev {
			seen[h] = u
		}
	}
	return seen
}
