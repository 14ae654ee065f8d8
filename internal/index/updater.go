package index

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/goassist/internal/crawl"
)

// Updater refreshes the index in the background: periodic sitemap diffs
// drive batched re-indexing, deletions become tombstones, and a compact
// pass runs once enough of the table is dead.
type Updater struct {
	Index    *Index
	Pipeline *Pipeline
	Interval time.Duration
	// BatchSize bounds how many URLs one pass re-indexes.
	BatchSize int
	// RebuildThreshold is the tombstone ratio that triggers compaction.
	RebuildThreshold float64

	wake chan struct{}
}

// NewUpdater wires an updater from the index configuration.
func NewUpdater(ix *Index, p *Pipeline) *Updater {
	return &Updater{
		Index:            ix,
		Pipeline:         p,
		Interval:         ix.cfg.UpdateInterval,
		BatchSize:        ix.cfg.UpdateBatchSize,
		RebuildThreshold: ix.cfg.RebuildThreshold,
		wake:             make(chan struct{}, 1),
	}
}

// Wake requests an immediate update pass without waiting the interval.
func (u *Updater) Wake() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Run loops until the context is cancelled. Each tick waits for any
// in-flight chat requests to release their pause before touching the
// index, and checks for cancellation between pages so shutdown is
// never blocked behind a long pass.
func (u *Updater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.Interval)
	defer ticker.Stop()
	log.Info().Dur("interval", u.Interval).Msg("index updater running")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("index updater stopped")
			return
		case <-ticker.C:
		case <-u.wake:
		}
		if err := u.runOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("update pass failed")
		}
	}
}

// runOnce performs one update pass.
func (u *Updater) runOnce(ctx context.Context) error {
	if err := u.waitUnpaused(ctx); err != nil {
		return err
	}
	entries, err := u.Pipeline.Crawler.Discover(ctx)
	if err != nil {
		return err
	}
	diff := crawl.ComputeDiff(entries, u.Index.state.IndexedLastMods())
	log.Info().Int("new", len(diff.New)).Int("updated", len(diff.Updated)).
		Int("removed", len(diff.Removed)).Int("unchanged", len(diff.Unchanged)).
		Msg("sitemap diff")

	if len(diff.Removed) > 0 {
		u.Index.Tombstone(diff.Removed)
		for _, url := range diff.Removed {
			u.Index.state.Forget(url)
		}
	}

	// Newest content first, bounded per pass; the rest waits for the
	// next tick.
	batch := append(append([]crawl.Entry{}, diff.New...), diff.Updated...)
	crawl.SortByLastModDesc(batch)
	if u.BatchSize > 0 && len(batch) > u.BatchSize {
		log.Info().Int("deferred", len(batch)-u.BatchSize).Msg("update batch capped")
		batch = batch[:u.BatchSize]
	}
	pages := u.Pipeline.Fetcher.FetchAll(ctx, entryURLs(batch))
	seen := u.Index.knownContentHashes()
	for i, entry := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.waitUnpaused(ctx); err != nil {
			return err
		}
		if pages[i] == nil {
			log.Warn().Str("url", entry.URL).Msg("update skipped page")
			continue
		}
		if _, err := u.Index.indexPage(ctx, u.Pipeline, entry, pages[i], seen); err != nil {
			log.Warn().Str("url", entry.URL).Err(err).Msg("update skipped page")
		}
	}

	if ratio := u.Index.TombstoneRatio(); ratio > u.RebuildThreshold {
		log.Info().Float64("ratio", ratio).Msg("tombstone ratio over threshold, compacting")
		if err := u.waitUnpaused(ctx); err != nil {
			return err
		}
		u.Index.Compact()
	}

	u.Index.state.FailedURLs = u.Pipeline.Fetcher.FailureCounts()
	if err := u.Index.state.Save(u.Index.dir); err != nil {
		log.Warn().Err(err).Msg("crawl state not saved")
	}
	return u.Index.Save()
}

// waitUnpaused polls until no chat request holds the pause, or the
// context ends.
func (u *Updater) waitUnpaused(ctx context.Context) error {
	for u.Index.Paused() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return ctx.Err()
}
