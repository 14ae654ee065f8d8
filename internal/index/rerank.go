package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Reranker rescores candidate documents against a query. Scores come
// back aligned with the documents slice.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// HTTPReranker calls a cross-encoder service speaking the common
// /rerank JSON shape (model, query, documents in, indexed relevance
// scores out).
type HTTPReranker struct {
	Endpoint   string
	Model      string
	HTTPClient *http.Client
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	payload, err := json.Marshal(rerankRequest{Model: r.Model, Query: query, Documents: documents})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("rerank: status %d", resp.StatusCode)
	}
	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("rerank: decode response: %w", err)
	}
	scores := make([]float64, len(documents))
	for _, res := range parsed.Results {
		if res.Index >= 0 && res.Index < len(scores) {
			scores[res.Index] = res.RelevanceScore
		}
	}
	return scores, nil
}
