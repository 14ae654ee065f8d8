package index

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/hyperifyio/goassist/internal/app"
	"github.com/hyperifyio/goassist/internal/chunk"
)

// stubEmbedder returns fixed vectors per text, falling back to a vector
// derived from keyword presence so similarity behaves predictably.
// onEmbed, when set, runs at the top of every call so tests can
// interleave index mutations with an in-flight embedding pass.
type stubEmbedder struct {
	fail    bool
	onEmbed func()
}

func (s *stubEmbedder) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if s.onEmbed != nil {
		s.onEmbed()
	}
	if s.fail {
		return nil, errors.New("embedder down")
	}
	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		lower := strings.ToLower(text)
		vec := make([]float32, 4)
		for j, kw := range []string{"install", "configure", "deploy", "debug"} {
			if strings.Contains(lower, kw) {
				vec[j] = 1
			}
		}
		if vec[0] == 0 && vec[1] == 0 && vec[2] == 0 && vec[3] == 0 {
			vec[3] = 0.01
		}
		out[i] = vec
	}
	return out, nil
}

func testConfig(dir string) app.RAGConfig {
	cfg := app.DefaultConfig().RAG
	cfg.Enabled = true
	cfg.CacheDir = dir
	cfg.EmbeddingModel = "stub-embed"
	return cfg
}

func testChunks(url string, texts ...string) ([]chunk.Parent, []chunk.Chunk) {
	parent := chunk.Parent{
		ID:   chunk.ID(url, []string{"Guide"}, "p", 0),
		Text: strings.Join(texts, "\n\n"),
		Meta: chunk.Metadata{URL: url, HeadingPath: []string{"Guide"}},
	}
	var children []chunk.Chunk
	for i, text := range texts {
		children = append(children, chunk.Chunk{
			ID:         chunk.ID(url, []string{"Guide"}, "c", i),
			ParentID:   parent.ID,
			Text:       text,
			TokenCount: len(text) / 4,
			Meta:       chunk.Metadata{URL: url, HeadingPath: []string{"Guide"}},
		})
	}
	return []chunk.Parent{parent}, children
}

func TestSearchFindsRelevantChunk(t *testing.T) {
	ix := New(testConfig(t.TempDir()), &stubEmbedder{}, nil)
	parents, children := testChunks("https://docs.example.com/guide",
		"How to install the binary on Linux systems.",
		"How to configure the service after setup.",
		"Unrelated notes about the project history.")
	if err := ix.ReplaceURL(context.Background(), "https://docs.example.com/guide", parents, children); err != nil {
		t.Fatalf("replace: %v", err)
	}

	results, err := ix.Search(context.Background(), "install binary", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if !strings.Contains(results[0].Text, "install") {
		t.Errorf("top result = %q, want the install chunk", results[0].Text)
	}
	if results[0].ParentText == "" {
		t.Error("parent context missing")
	}
	if results[0].Heading != "Guide" {
		t.Errorf("heading = %q", results[0].Heading)
	}
}

func TestSearchDegradesToLexicalWhenEmbedderFails(t *testing.T) {
	emb := &stubEmbedder{}
	ix := New(testConfig(t.TempDir()), emb, nil)
	parents, children := testChunks("https://x/g", "alpha beta gamma", "delta epsilon zeta")
	if err := ix.ReplaceURL(context.Background(), "https://x/g", parents, children); err != nil {
		t.Fatalf("replace: %v", err)
	}
	emb.fail = true
	results, err := ix.Search(context.Background(), "epsilon", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || !strings.Contains(results[0].Text, "epsilon") {
		t.Errorf("lexical fallback results = %+v", results)
	}
}

func TestTombstonedChunksNeverReturned(t *testing.T) {
	ix := New(testConfig(t.TempDir()), &stubEmbedder{}, nil)
	pa, ca := testChunks("https://x/a", "configure the alpha service carefully")
	pb, cb := testChunks("https://x/b", "configure the beta service carefully")
	if err := ix.ReplaceURL(context.Background(), "https://x/a", pa, ca); err != nil {
		t.Fatal(err)
	}
	if err := ix.ReplaceURL(context.Background(), "https://x/b", pb, cb); err != nil {
		t.Fatal(err)
	}

	ix.Tombstone([]string{"https://x/a"})
	results, err := ix.Search(context.Background(), "configure service", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.URL == "https://x/a" {
			t.Fatalf("tombstoned chunk returned: %+v", r)
		}
	}
	if len(results) == 0 {
		t.Error("live chunk should still be found")
	}
	if got := ix.Len(); got != 1 {
		t.Errorf("live count = %d, want 1", got)
	}
}

func TestReplaceURLTombstonesOldChunks(t *testing.T) {
	ix := New(testConfig(t.TempDir()), &stubEmbedder{}, nil)
	url := "https://x/page"
	p1, c1 := testChunks(url, "old content about deploy steps")
	if err := ix.ReplaceURL(context.Background(), url, p1, c1); err != nil {
		t.Fatal(err)
	}
	p2, c2 := testChunks(url, "new content about deploy steps rewritten")
	if err := ix.ReplaceURL(context.Background(), url, p2, c2); err != nil {
		t.Fatal(err)
	}
	results, err := ix.Search(context.Background(), "deploy steps", 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if strings.Contains(r.Text, "old content") {
			t.Errorf("stale chunk returned: %q", r.Text)
		}
	}
	if ratio := ix.TombstoneRatio(); ratio <= 0 {
		t.Errorf("tombstone ratio = %v, want > 0", ratio)
	}
}

func TestCompactDropsTombstones(t *testing.T) {
	ix := New(testConfig(t.TempDir()), &stubEmbedder{}, nil)
	pa, ca := testChunks("https://x/a", "alpha install notes")
	pb, cb := testChunks("https://x/b", "beta install notes")
	if err := ix.ReplaceURL(context.Background(), "https://x/a", pa, ca); err != nil {
		t.Fatal(err)
	}
	if err := ix.ReplaceURL(context.Background(), "https://x/b", pb, cb); err != nil {
		t.Fatal(err)
	}
	ix.Tombstone([]string{"https://x/a"})
	ix.Compact()
	if ratio := ix.TombstoneRatio(); ratio != 0 {
		t.Errorf("ratio after compact = %v", ratio)
	}
	if got := ix.Len(); got != 1 {
		t.Errorf("len after compact = %d", got)
	}
	results, err := ix.Search(context.Background(), "install notes", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].URL != "https://x/b" {
		t.Errorf("results after compact = %+v", results)
	}
}

// A compaction landing between the re-embed snapshot and the vector
// swap must not leave the store misaligned with the chunk table.
func TestReembedRestartsAfterConcurrentCompaction(t *testing.T) {
	emb := &stubEmbedder{}
	ix := New(testConfig(t.TempDir()), emb, nil)
	pa, ca := testChunks("https://x/a", "alpha deploy notes", "alpha debug notes")
	pb, cb := testChunks("https://x/b", "beta deploy steps", "beta install steps")
	if err := ix.ReplaceURL(context.Background(), "https://x/a", pa, ca); err != nil {
		t.Fatal(err)
	}
	if err := ix.ReplaceURL(context.Background(), "https://x/b", pb, cb); err != nil {
		t.Fatal(err)
	}

	fired := false
	emb.onEmbed = func() {
		if fired {
			return
		}
		fired = true
		ix.Tombstone([]string{"https://x/a"})
		ix.Compact()
	}
	if err := ix.Reembed(context.Background()); err != nil {
		t.Fatalf("reembed: %v", err)
	}

	ix.mu.RLock()
	chunks, vectors := len(ix.children), ix.vectors.len()
	ix.mu.RUnlock()
	if chunks != vectors {
		t.Fatalf("%d vectors for %d chunks after reembed", vectors, chunks)
	}
	results, err := ix.Search(context.Background(), "deploy steps", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results after reembed")
	}
	for _, r := range results {
		if r.URL == "https://x/a" {
			t.Errorf("compacted chunk returned: %+v", r)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ix := New(testConfig(dir), &stubEmbedder{}, nil)
	parents, children := testChunks("https://x/g", "configure the worker pool", "debug startup failures")
	if err := ix.ReplaceURL(context.Background(), "https://x/g", parents, children); err != nil {
		t.Fatal(err)
	}
	if err := ix.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	fresh := New(testConfig(dir), &stubEmbedder{}, nil)
	if err := fresh.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if fresh.Len() != 2 {
		t.Errorf("loaded len = %d", fresh.Len())
	}
	results, err := fresh.Search(context.Background(), "debug startup", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || !strings.Contains(results[0].Text, "debug") {
		t.Errorf("search after load = %+v", results)
	}
}

func TestLoadFailsClosedOnTamperedVectors(t *testing.T) {
	dir := t.TempDir()
	ix := New(testConfig(dir), &stubEmbedder{}, nil)
	parents, children := testChunks("https://x/g", "some indexed text here")
	if err := ix.ReplaceURL(context.Background(), "https://x/g", parents, children); err != nil {
		t.Fatal(err)
	}
	if err := ix.Save(); err != nil {
		t.Fatal(err)
	}

	path := ix.vectorsPath()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	fresh := New(testConfig(dir), &stubEmbedder{}, nil)
	err = fresh.Load()
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("load err = %v, want ErrIncompatible", err)
	}
}

func TestLoadMissingIndexReportsNotExist(t *testing.T) {
	ix := New(testConfig(t.TempDir()), &stubEmbedder{}, nil)
	if err := ix.Load(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

func TestPauseStacks(t *testing.T) {
	ix := New(testConfig(t.TempDir()), &stubEmbedder{}, nil)
	ix.Pause()
	ix.Pause()
	ix.Resume()
	if !ix.Paused() {
		t.Error("one resume should not clear two pauses")
	}
	ix.Resume()
	if ix.Paused() {
		t.Error("matched resumes should clear the pause")
	}
}
