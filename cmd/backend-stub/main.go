// Command backend-stub is a development stand-in for an inference
// backend. It speaks both dialects the gateway knows: the native API
// (/api/chat, /api/tags, /api/embed) and the OpenAI-compatible one
// (/v1/chat/completions, /v1/models), answering canned content so the
// gateway can be exercised without a model server.
package main

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

func main() {
	model := os.Getenv("MODEL_ID")
	if strings.TrimSpace(model) == "" {
		model = "stub-model"
	}
	addr := os.Getenv("ADDR")
	if strings.TrimSpace(addr) == "" {
		addr = ":11434"
	}

	mux := http.NewServeMux()

	// Native dialect.
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"models": []map[string]any{{"name": model}}})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		content := replyFor(req.Messages)
		if req.Stream {
			w.Header().Set("Content-Type", "application/x-ndjson")
			enc := json.NewEncoder(w)
			for _, word := range strings.SplitAfter(content, " ") {
				_ = enc.Encode(map[string]any{
					"model":   req.Model,
					"message": message{Role: "assistant", Content: word},
					"done":    false,
				})
			}
			_ = enc.Encode(map[string]any{"model": req.Model, "message": message{Role: "assistant"}, "done": true, "done_reason": "stop"})
			return
		}
		writeJSON(w, map[string]any{
			"model":       req.Model,
			"message":     message{Role: "assistant", Content: content},
			"done":        true,
			"done_reason": "stop",
		})
	})
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var inputs []string
		switch v := req.Input.(type) {
		case string:
			inputs = []string{v}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					inputs = append(inputs, s)
				}
			}
		}
		embeddings := make([][]float32, len(inputs))
		for i, text := range inputs {
			embeddings[i] = fakeEmbedding(text)
		}
		writeJSON(w, map[string]any{"model": req.Model, "embeddings": embeddings})
	})

	// OpenAI-compatible dialect.
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"object": "list",
			"data":   []map[string]any{{"id": model, "object": "model"}},
		})
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		content := replyFor(req.Messages)
		writeJSON(w, map[string]any{
			"id":     "chatcmpl-stub",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{
				{"index": 0, "message": message{Role: "assistant", Content: content}, "finish_reason": "stop"},
			},
		})
	})

	log.Printf("backend-stub listening on %s (model=%s)", addr, model)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

// replyFor echoes the last user message so responses are easy to assert
// on from the outside.
func replyFor(messages []message) string {
	last := ""
	for _, m := range messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	if strings.TrimSpace(last) == "" {
		return "Hello from the stub backend."
	}
	return fmt.Sprintf("Stub answer to: %s", strings.TrimSpace(last))
}

// fakeEmbedding derives a deterministic unit-ish vector from the text so
// identical inputs embed identically.
func fakeEmbedding(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, 16)
	for i := range vec {
		vec[i] = float32(sum[i])/255 - 0.5
	}
	return vec
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
