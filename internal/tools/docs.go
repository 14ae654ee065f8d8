package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperifyio/goassist/internal/index"
)

// DocsSearcher is the slice of the documentation index the search tool
// needs. *index.Index satisfies it.
type DocsSearcher interface {
	Search(ctx context.Context, query string, topK int) ([]index.SearchResult, error)
}

// DocsOptions tunes result formatting for the docs search tool.
type DocsOptions struct {
	TopK                  int
	ParentContextMaxChars int
}

// RegisterDocsSearch exposes the documentation index to the model as a
// search_docs tool. Results render as ranked snippets with URL, heading
// path and a capped slice of the parent context.
func RegisterDocsSearch(r *Registry, searcher DocsSearcher, opts DocsOptions) error {
	if searcher == nil {
		return errors.New("docs searcher must not be nil")
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 5
	}
	parentMax := opts.ParentContextMaxChars
	if parentMax <= 0 {
		parentMax = 500
	}
	return r.Register(Definition{
		Name:        "search_docs",
		Description: "Search the local documentation index and return the most relevant passages",
		Schema: json.RawMessage(`{
			"type":"object",
			"properties":{
				"query":{"type":"string","description":"Search query"}
			},
			"required":["query"]
		}`),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			query := strings.TrimSpace(in.Query)
			if query == "" {
				return "", errors.New("missing query")
			}
			results, err := searcher.Search(ctx, query, topK)
			if err != nil {
				return "", fmt.Errorf("search failed: %w", err)
			}
			if len(results) == 0 {
				return "No matching documentation found.", nil
			}
			return formatDocsResults(results, parentMax), nil
		},
	})
}

func formatDocsResults(results []index.SearchResult, parentMax int) string {
	var b strings.Builder
	for i, res := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, res.URL)
		if res.Heading != "" {
			fmt.Fprintf(&b, " (%s)", res.Heading)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(res.Text))
		if parent := strings.TrimSpace(res.ParentText); parent != "" && parent != strings.TrimSpace(res.Text) {
			if len(parent) > parentMax {
				parent = parent[:parentMax] + "..."
			}
			b.WriteString("\nContext: ")
			b.WriteString(parent)
		}
	}
	return b.String()
}
