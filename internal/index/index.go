// Package index is the retrieval store behind the search_docs tool:
// child chunks indexed lexically (BM25) and semantically (embeddings),
// fused with reciprocal rank fusion and optionally reranked, with
// parent chunks attached for context.
package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/goassist/internal/app"
	"github.com/hyperifyio/goassist/internal/chunk"
)

// Embedder produces embedding vectors. The backend client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// SearchResult is one retrieval hit handed to the search tool.
type SearchResult struct {
	ChunkID    string
	URL        string
	Heading    string
	Text       string
	ParentText string
	Score      float64
}

// ErrIncompatible marks a persisted index that cannot be loaded as-is
// and needs a rebuild or re-embed.
var ErrIncompatible = errors.New("index: persisted index incompatible")

// embedBatchSize bounds how many chunk texts go to the embedder per
// request.
const embedBatchSize = 32

// reembedMaxRestarts bounds how often a re-embed pass restarts after
// the chunk table changed underneath it.
const reembedMaxRestarts = 3

// Index holds the in-memory retrieval state and its on-disk form. All
// reads take the read lock; the updater takes the write lock only for
// the splice that swaps state in.
type Index struct {
	cfg      app.RAGConfig
	dir      string
	embedder Embedder
	reranker Reranker

	mu       sync.RWMutex
	children []chunk.Chunk
	parents  map[string]chunk.Parent
	bm25     *bm25Index
	vectors  *vectorStore

	state *CrawlState

	// pauseCount gates background indexing work while chat requests are
	// in flight. Several concurrent requests stack.
	pauseCount atomic.Int32
}

// New creates an index rooted at the cache directory.
func New(cfg app.RAGConfig, embedder Embedder, reranker Reranker) *Index {
	return &Index{
		cfg:      cfg,
		dir:      cfg.CacheDir,
		embedder: embedder,
		reranker: reranker,
		parents:  map[string]chunk.Parent{},
		state:    LoadCrawlState(cfg.CacheDir),
		vectors:  &vectorStore{},
		bm25:     newBM25(nil),
	}
}

// Pause blocks background index work while a chat request runs.
// Stacked calls require a matching number of Resumes.
func (ix *Index) Pause() { ix.pauseCount.Add(1) }

// Resume releases one Pause.
func (ix *Index) Resume() { ix.pauseCount.Add(-1) }

// Paused reports whether any request currently holds a pause.
func (ix *Index) Paused() bool { return ix.pauseCount.Load() > 0 }

// Len returns the number of live (non-tombstoned) child chunks.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for i := range ix.children {
		if !ix.children[i].Tombstoned {
			n++
		}
	}
	return n
}

// State exposes the crawl bookkeeping for the updater.
func (ix *Index) State() *CrawlState { return ix.state }

func (ix *Index) childrenPath() string { return filepath.Join(ix.dir, "chunks.json") }
func (ix *Index) parentsPath() string  { return filepath.Join(ix.dir, "parents.json") }
func (ix *Index) vectorsPath() string  { return filepath.Join(ix.dir, "vector_store.bin") }

// Load restores a persisted index. Checksum or version problems return
// ErrIncompatible wrapped over the cause; the caller decides whether to
// rebuild. A missing index is reported as os.ErrNotExist.
func (ix *Index) Load() error {
	manifest, err := loadManifest(ix.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: no manifest", os.ErrNotExist)
		}
		return fmt.Errorf("%w: manifest unreadable: %v", ErrIncompatible, err)
	}
	if manifest.Version != indexVersion {
		return fmt.Errorf("%w: version %q, want %q", ErrIncompatible, manifest.Version, indexVersion)
	}

	var children []chunk.Chunk
	if err := readJSON(ix.childrenPath(), &children); err != nil {
		return fmt.Errorf("%w: chunk table: %v", ErrIncompatible, err)
	}
	var parentList []chunk.Parent
	if err := readJSON(ix.parentsPath(), &parentList); err != nil {
		return fmt.Errorf("%w: parent table: %v", ErrIncompatible, err)
	}
	vectors, checksum, err := loadVectorStore(ix.vectorsPath())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatible, err)
	}
	if checksum != manifest.VectorChecksum {
		return fmt.Errorf("%w: vector checksum does not match manifest", ErrIncompatible)
	}
	if vectors.len() != len(children) {
		return fmt.Errorf("%w: %d vectors for %d chunks", ErrIncompatible, vectors.len(), len(children))
	}

	ix.mu.Lock()
	ix.children = children
	ix.parents = make(map[string]chunk.Parent, len(parentList))
	for _, p := range parentList {
		ix.parents[p.ID] = p
	}
	texts := make([]string, len(children))
	for i := range children {
		texts[i] = children[i].EmbeddingText()
	}
	ix.bm25 = newBM25(texts)
	ix.vectors = vectors
	ix.mu.Unlock()

	if manifest.EmbeddingModel != ix.cfg.EmbeddingModel {
		log.Warn().Str("stored", manifest.EmbeddingModel).Str("configured", ix.cfg.EmbeddingModel).
			Msg("embedding model changed, re-embedding chunk table")
		return ix.Reembed(context.Background())
	}
	log.Info().Int("chunks", len(children)).Int("parents", len(parentList)).Msg("index loaded")
	return nil
}

// Save persists the chunk tables, vectors and manifest atomically.
func (ix *Index) Save() error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.saveLocked()
}

func (ix *Index) saveLocked() error {
	if err := os.MkdirAll(ix.dir, 0o755); err != nil {
		return err
	}
	if err := writeJSONAtomic(ix.childrenPath(), ix.children); err != nil {
		return err
	}
	parentList := make([]chunk.Parent, 0, len(ix.parents))
	for _, p := range ix.parents {
		parentList = append(parentList, p)
	}
	if err := writeJSONAtomic(ix.parentsPath(), parentList); err != nil {
		return err
	}
	checksum, err := ix.vectors.save(ix.vectorsPath())
	if err != nil {
		return err
	}
	m := Manifest{
		Version:        indexVersion,
		EmbeddingModel: ix.cfg.EmbeddingModel,
		VectorChecksum: checksum,
		ChunkCount:     len(ix.children),
		ParentCount:    len(ix.parents),
	}
	return m.save(ix.dir)
}

// Reembed regenerates every vector from the chunk table with the
// configured embedding model and persists the result. Embedding runs
// without the lock, so before the swap the chunk table is re-verified
// against the snapshot; a table reshaped mid-flight by compaction or a
// page splice would leave vectors misaligned with chunk positions, and
// the pass restarts from a fresh snapshot instead.
func (ix *Index) Reembed(ctx context.Context) error {
	for attempt := 0; attempt <= reembedMaxRestarts; attempt++ {
		ids, texts := ix.snapshotChunks()

		fresh := &vectorStore{}
		for start := 0; start < len(texts); start += embedBatchSize {
			end := start + embedBatchSize
			if end > len(texts) {
				end = len(texts)
			}
			vecs, err := ix.embedder.Embed(ctx, ix.cfg.EmbeddingModel, texts[start:end])
			if err != nil {
				return fmt.Errorf("re-embed batch at %d: %w", start, err)
			}
			if err := fresh.add(vecs); err != nil {
				return err
			}
		}

		ix.mu.Lock()
		if ix.tableMatchesLocked(ids) {
			ix.vectors = fresh
			err := ix.saveLocked()
			ix.mu.Unlock()
			return err
		}
		ix.mu.Unlock()
		log.Debug().Int("attempt", attempt+1).Msg("chunk table changed during re-embed, restarting pass")
	}
	return fmt.Errorf("re-embed: chunk table kept changing across %d attempts", reembedMaxRestarts+1)
}

// snapshotChunks copies chunk IDs and embedding texts under the read
// lock, positionally aligned with the table.
func (ix *Index) snapshotChunks() (ids, texts []string) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids = make([]string, len(ix.children))
	texts = make([]string, len(ix.children))
	for i := range ix.children {
		ids[i] = ix.children[i].ID
		texts[i] = ix.children[i].EmbeddingText()
	}
	return ids, texts
}

// tableMatchesLocked reports whether the chunk table still lines up
// positionally with the snapshot.
func (ix *Index) tableMatchesLocked(ids []string) bool {
	if len(ids) != len(ix.children) {
		return false
	}
	for i := range ids {
		if ids[i] != ix.children[i].ID {
			return false
		}
	}
	return true
}

// Search runs the full retrieval pipeline for one query.
func (ix *Index) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = ix.cfg.SearchTopK
	}
	candidates := topK * ix.cfg.CandidateMultiplier
	if candidates < topK {
		candidates = topK
	}

	queryVecs, err := ix.embedder.Embed(ctx, ix.cfg.EmbeddingModel, []string{query})
	var queryVec []float32
	if err != nil {
		// Lexical-only degradation beats failing the tool call.
		log.Warn().Err(err).Msg("query embedding failed, lexical search only")
	} else if len(queryVecs) == 1 {
		queryVec = queryVecs[0]
	}

	ix.mu.RLock()
	live := func(doc int) bool { return !ix.children[doc].Tombstoned }
	lists := [][]ranked{ix.bm25.search(query, candidates, live)}
	weights := []float64{ix.cfg.LexicalWeight}
	if queryVec != nil {
		lists = append(lists, ix.vectors.search(queryVec, candidates, live))
		weights = append(weights, ix.cfg.SemanticWeight)
	}
	fused := fuseRRF(lists, weights)
	if len(fused) > candidates {
		fused = fused[:candidates]
	}
	results := make([]SearchResult, 0, len(fused))
	for _, r := range fused {
		c := ix.children[r.doc]
		res := SearchResult{
			ChunkID: c.ID,
			URL:     c.Meta.URL,
			Heading: c.Meta.Heading(),
			Text:    c.Text,
			Score:   r.score,
		}
		if parent, ok := ix.parents[c.ParentID]; ok {
			res.ParentText = parent.Text
		}
		results = append(results, res)
	}
	ix.mu.RUnlock()

	if ix.reranker != nil && ix.cfg.RerankEnabled && len(results) > 1 {
		results = ix.rerank(ctx, query, results)
	}
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// rerank rescores candidates with the cross encoder and reorders by the
// min-max normalised scores. A rerank failure keeps the fused order.
func (ix *Index) rerank(ctx context.Context, query string, results []SearchResult) []SearchResult {
	docs := make([]string, len(results))
	for i, r := range results {
		docs[i] = r.Text
	}
	scores, err := ix.reranker.Rerank(ctx, query, docs)
	if err != nil || len(scores) != len(results) {
		log.Warn().Err(err).Msg("rerank failed, keeping fused order")
		return results
	}
	minMaxNormalize(scores)
	for i := range results {
		results[i].Score = scores[i]
	}
	// Stable insertion keeps fused order for equal scores.
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
	return results
}

// Tombstone marks every chunk of the given URLs dead. Tombstoned chunks
// stay in the tables so their vector rows keep their positions, but no
// search path returns them.
func (ix *Index) Tombstone(urls []string) int {
	dead := make(map[string]bool, len(urls))
	for _, u := range urls {
		dead[u] = true
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := 0
	for i := range ix.children {
		if dead[ix.children[i].Meta.URL] && !ix.children[i].Tombstoned {
			ix.children[i].Tombstoned = true
			n++
		}
	}
	if n > 0 {
		log.Info().Int("chunks", n).Msg("chunks tombstoned")
	}
	return n
}

// TombstoneRatio is the dead fraction of the chunk table.
func (ix *Index) TombstoneRatio() float64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.children) == 0 {
		return 0
	}
	dead := 0
	for i := range ix.children {
		if ix.children[i].Tombstoned {
			dead++
		}
	}
	return float64(dead) / float64(len(ix.children))
}

// ReplaceURL splices fresh chunks for one URL into the index: old
// chunks for the URL are tombstoned, new children are appended with
// their vectors. Embedding happens before the write lock is taken.
func (ix *Index) ReplaceURL(ctx context.Context, url string, parents []chunk.Parent, children []chunk.Chunk) error {
	texts := make([]string, len(children))
	for i := range children {
		texts[i] = children[i].EmbeddingText()
	}
	var vecs [][]float32
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := ix.embedder.Embed(ctx, ix.cfg.EmbeddingModel, texts[start:end])
		if err != nil {
			return fmt.Errorf("embed %s: %w", url, err)
		}
		vecs = append(vecs, batch...)
	}
	if len(vecs) != len(children) {
		return fmt.Errorf("embed %s: %d vectors for %d chunks", url, len(vecs), len(children))
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i := range ix.children {
		if ix.children[i].Meta.URL == url {
			ix.children[i].Tombstoned = true
		}
	}
	for _, p := range parents {
		ix.parents[p.ID] = p
	}
	base := len(ix.children)
	ix.children = append(ix.children, children...)
	if err := ix.vectors.add(vecs); err != nil {
		ix.children = ix.children[:base]
		return err
	}
	ix.rebuildBM25Locked()
	return nil
}

// Compact rebuilds the tables without tombstoned chunks, re-embedding
// nothing: live vectors are copied across by position.
func (ix *Index) Compact() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	liveChildren := make([]chunk.Chunk, 0, len(ix.children))
	liveVectors := &vectorStore{dim: ix.vectors.dim}
	liveParents := map[string]bool{}
	for i := range ix.children {
		if ix.children[i].Tombstoned {
			continue
		}
		liveChildren = append(liveChildren, ix.children[i])
		if i < len(ix.vectors.vectors) {
			liveVectors.vectors = append(liveVectors.vectors, ix.vectors.vectors[i])
		}
		liveParents[ix.children[i].ParentID] = true
	}
	for id := range ix.parents {
		if !liveParents[id] {
			delete(ix.parents, id)
		}
	}
	removed := len(ix.children) - len(liveChildren)
	ix.children = liveChildren
	ix.vectors = liveVectors
	ix.rebuildBM25Locked()
	log.Info().Int("removed", removed).Int("remaining", len(liveChildren)).Msg("index compacted")
}

func (ix *Index) rebuildBM25Locked() {
	texts := make([]string, len(ix.children))
	for i := range ix.children {
		texts[i] = ix.children[i].EmbeddingText()
	}
	ix.bm25 = newBM25(texts)
}

// URLs returns the distinct live source URLs in the index.
func (ix *Index) URLs() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for i := range ix.children {
		if ix.children[i].Tombstoned {
			continue
		}
		u := ix.children[i].Meta.URL
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
