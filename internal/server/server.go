// Package server is the thin HTTP surface of the gateway: request
// validation, orchestrator invocation and response serialisation. It never
// leaks raw errors to the caller; unrecoverable backend conditions become
// synthesized completions because the client is an OpenAI-style caller
// expecting a completion object.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/goassist/internal/app"
	"github.com/hyperifyio/goassist/internal/backend"
	"github.com/hyperifyio/goassist/internal/orchestrator"
)

// Server handles the three endpoints: chat completions, health and model
// listing.
type Server struct {
	cfg    app.Config
	orch   *orchestrator.Orchestrator
	client backend.Client
}

func New(cfg app.Config, orch *orchestrator.Orchestrator, client backend.Client) *Server {
	return &Server{cfg: cfg, orch: orch, client: client}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/chat/completions", s.handleChat)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	if err := s.client.Probe(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"detail": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]string{
			{"id": s.cfg.BackendModel, "object": "model"},
		},
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, newErrorBody("method not allowed", "invalid_request_error"))
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, newErrorBody("request body is not valid JSON", "invalid_request_error"))
		return
	}
	messages, err := parseMessages(req.Messages)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, newErrorBody(err.Error(), "invalid_request_error"))
		return
	}

	temperature := s.cfg.DefaultTemperature
	if req.Temperature != nil {
		if *req.Temperature < 0 {
			writeJSON(w, http.StatusBadRequest, newErrorBody("temperature must be >= 0", "invalid_request_error"))
			return
		}
		temperature = *req.Temperature
	}
	switch req.ToolChoice {
	case "", "auto", "required", "none":
	default:
		writeJSON(w, http.StatusBadRequest, newErrorBody(fmt.Sprintf("tool_choice must be auto, required or none, got %q", req.ToolChoice), "invalid_request_error"))
		return
	}

	// The override is scoped to this request by threading it through the
	// call signature; shared state is never touched.
	override := ""
	if req.Model != "" && req.Model != s.cfg.BackendModel {
		override = req.Model
	}
	orchReq := orchestrator.Request{
		Model:       override,
		Messages:    messages,
		Temperature: temperature,
		ToolChoice:  backend.ToolChoice(req.ToolChoice),
	}
	respModel := s.cfg.BackendModel
	if override != "" {
		respModel = override
	}

	started := time.Now()
	if req.Stream {
		s.streamChat(w, r, orchReq, respModel)
	} else {
		s.completeChat(w, r, orchReq, respModel)
	}
	log.Info().
		Str("stage", "chat").
		Str("model", respModel).
		Bool("stream", req.Stream).
		Int64("duration_ms", time.Since(started).Milliseconds()).
		Msg("chat completion served")
}

func (s *Server) completeChat(w http.ResponseWriter, r *http.Request, req orchestrator.Request, model string) {
	out, err := s.orch.Run(r.Context(), req)
	id := newCompletionID()
	if err != nil {
		writeJSON(w, http.StatusOK, newCompletion(id, model, synthesizeErrorText(err), "stop"))
		return
	}
	writeJSON(w, http.StatusOK, newCompletion(id, model, out.Content, out.FinishReason))
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req orchestrator.Request, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, newErrorBody("streaming unsupported by transport", "server_error"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := newCompletionID()
	writeChunk(w, flusher, newChunk(id, model, chunkDelta{Role: backend.RoleAssistant}, nil))

	_, err := s.orch.RunStream(r.Context(), req, func(delta string) {
		writeChunk(w, flusher, newChunk(id, model, chunkDelta{Content: delta}, nil))
	})
	if err != nil {
		writeChunk(w, flusher, newChunk(id, model, chunkDelta{Content: synthesizeErrorText(err)}, nil))
	}

	stop := "stop"
	writeChunk(w, flusher, newChunk(id, model, chunkDelta{}, &stop))
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// synthesizeErrorText converts the backend error taxonomy into a
// user-facing explanation. Raw error internals never reach the client.
func synthesizeErrorText(err error) string {
	switch {
	case errors.Is(err, backend.ErrUnavailable):
		return "The inference backend is currently unavailable. Please check that it is running and try again."
	case errors.Is(err, backend.ErrTimeout):
		return "The inference backend took too long to respond. Please try again."
	case errors.Is(err, backend.ErrProtocol):
		log.Error().Err(err).Msg("backend protocol error")
		return "The inference backend returned an unexpected response. Please try again."
	default:
		log.Error().Err(err).Msg("chat request failed")
		return "An internal error occurred while processing the request. Please try again."
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeChunk(w http.ResponseWriter, flusher http.Flusher, chunk chunkResponse) {
	b, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
	flusher.Flush()
}
