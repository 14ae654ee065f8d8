// Package chunk splits extracted documents into retrieval units: large
// parent chunks that follow heading sections, and small child chunks
// that are the embedded and searched granularity.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Metadata travels with every chunk into the index.
type Metadata struct {
	URL             string   `json:"url"`
	Title           string   `json:"title,omitempty"`
	HeadingPath     []string `json:"heading_path"`
	CodeIdentifiers []string `json:"code_identifiers,omitempty"`
	// IsParentAsChild marks a child that is its whole parent verbatim,
	// emitted when a section is too small to split.
	IsParentAsChild bool `json:"is_parent_as_child,omitempty"`
}

// Chunk is a child chunk, the unit of embedding and search.
type Chunk struct {
	ID       string `json:"chunk_id"`
	ParentID string `json:"parent_id"`
	Text     string `json:"text"`
	// Context is an optional enrichment prefix describing where the
	// chunk sits in its document. It participates in embedding and
	// lexical matching but not in displayed text.
	Context    string   `json:"context,omitempty"`
	TokenCount int      `json:"token_count"`
	Tombstoned bool     `json:"tombstoned,omitempty"`
	Meta       Metadata `json:"meta"`
}

// EmbeddingText is what goes to the embedder and the lexical index:
// the enrichment context, when present, prepended to the chunk body.
func (c *Chunk) EmbeddingText() string {
	if c.Context == "" {
		return c.Text
	}
	return c.Context + "\n\n" + c.Text
}

// Heading returns the most specific heading on the path, or the title.
func (m Metadata) Heading() string {
	if len(m.HeadingPath) > 0 {
		return m.HeadingPath[len(m.HeadingPath)-1]
	}
	return m.Title
}

// Parent is a large context chunk returned alongside matching children.
type Parent struct {
	ID   string   `json:"parent_id"`
	Text string   `json:"text"`
	Meta Metadata `json:"meta"`
}

// ID derives a stable chunk identifier from the source URL, the heading
// path and a positional index. The same document always chunks to the
// same IDs, which is what lets updates replace chunks in place.
func ID(url string, headingPath []string, kind string, index int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s%d", url, strings.Join(headingPath, " > "), kind, index)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
