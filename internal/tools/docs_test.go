package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperifyio/goassist/internal/backend"
	"github.com/hyperifyio/goassist/internal/index"
)

type stubSearcher struct {
	results []index.SearchResult
	query   string
}

func (s *stubSearcher) Search(ctx context.Context, query string, topK int) ([]index.SearchResult, error) {
	s.query = query
	return s.results, nil
}

func TestSearchDocsFormatsResults(t *testing.T) {
	searcher := &stubSearcher{results: []index.SearchResult{
		{
			ChunkID:    "abc",
			URL:        "https://docs.example.com/guide",
			Heading:    "Setup",
			Text:       "Install the binary first.",
			ParentText: "Install the binary first. Then configure the service and start it.",
			Score:      0.9,
		},
		{
			ChunkID: "def",
			URL:     "https://docs.example.com/faq",
			Text:    "Ports are configurable.",
			Score:   0.4,
		},
	}}
	r := NewRegistry()
	if err := RegisterDocsSearch(r, searcher, DocsOptions{TopK: 5, ParentContextMaxChars: 40}); err != nil {
		t.Fatalf("register: %v", err)
	}

	msg := r.Dispatch(context.Background(), backend.ToolCall{
		ID:        "call_0",
		Name:      "search_docs",
		Arguments: json.RawMessage(`{"query":"install"}`),
	}, 0)
	if searcher.query != "install" {
		t.Errorf("query = %q", searcher.query)
	}
	if !strings.Contains(msg.Content, "[1] https://docs.example.com/guide (Setup)") {
		t.Errorf("first result header missing: %q", msg.Content)
	}
	if !strings.Contains(msg.Content, "[2] https://docs.example.com/faq") {
		t.Errorf("second result header missing: %q", msg.Content)
	}
	if !strings.Contains(msg.Content, "Context: ") {
		t.Errorf("parent context missing: %q", msg.Content)
	}
	if !strings.Contains(msg.Content, "...") {
		t.Errorf("parent context not capped: %q", msg.Content)
	}
}

func TestSearchDocsEmptyQueryIsToolError(t *testing.T) {
	r := NewRegistry()
	if err := RegisterDocsSearch(r, &stubSearcher{}, DocsOptions{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	msg := r.Dispatch(context.Background(), backend.ToolCall{
		ID:        "call_0",
		Name:      "search_docs",
		Arguments: json.RawMessage(`{"query":"  "}`),
	}, 0)
	if !strings.HasPrefix(msg.Content, "Error: ") {
		t.Errorf("content = %q, want tool error", msg.Content)
	}
}

func TestSearchDocsNoResults(t *testing.T) {
	r := NewRegistry()
	if err := RegisterDocsSearch(r, &stubSearcher{}, DocsOptions{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	msg := r.Dispatch(context.Background(), backend.ToolCall{
		ID:        "call_0",
		Name:      "search_docs",
		Arguments: json.RawMessage(`{"query":"anything"}`),
	}, 0)
	if !strings.Contains(msg.Content, "No matching documentation found.") {
		t.Errorf("content = %q", msg.Content)
	}
}
