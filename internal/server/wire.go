package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hyperifyio/goassist/internal/backend"
)

// Wire shapes of the OpenAI chat-completions surface. Incoming and
// outgoing tool calls transport arguments as JSON strings regardless of
// which backend dialect is configured.

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// chatRequest keeps messages raw so a non-list value can be rejected with
// a well-formed error instead of a generic decode failure.
type chatRequest struct {
	Model       string          `json:"model"`
	Messages    json.RawMessage `json:"messages"`
	Temperature *float32        `json:"temperature"`
	Stream      bool            `json:"stream"`
	ToolChoice  string          `json:"tool_choice"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func newErrorBody(message, kind string) errorBody {
	var e errorBody
	e.Error.Message = message
	e.Error.Type = kind
	return e
}

type completionChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

func newCompletion(id, model, content, finishReason string) completionResponse {
	if finishReason == "" {
		finishReason = "stop"
	}
	return completionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Message:      wireMessage{Role: backend.RoleAssistant, Content: content},
			FinishReason: finishReason,
		}},
	}
}

func newChunk(id, model string, delta chunkDelta, finishReason *string) chunkResponse {
	return chunkResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chunkChoice{{Delta: delta, FinishReason: finishReason}},
	}
}

// parseMessages validates and converts the raw wire messages.
func parseMessages(raw json.RawMessage) ([]backend.Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("messages is required")
	}
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "[") {
		return nil, fmt.Errorf("messages must be a list")
	}
	var wire []wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("messages malformed: %v", err)
	}
	if len(wire) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}
	switch wire[0].Role {
	case backend.RoleUser, backend.RoleSystem:
	default:
		return nil, fmt.Errorf("first message role must be user or system, got %q", wire[0].Role)
	}

	out := make([]backend.Message, 0, len(wire))
	for i, m := range wire {
		switch m.Role {
		case backend.RoleSystem, backend.RoleUser, backend.RoleAssistant, backend.RoleTool:
		default:
			return nil, fmt.Errorf("messages[%d] has unknown role %q", i, m.Role)
		}
		bm := backend.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args := strings.TrimSpace(tc.Function.Arguments)
			if args == "" || !json.Valid([]byte(args)) {
				args = "{}"
			}
			bm.ToolCalls = append(bm.ToolCalls, backend.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(args),
			})
		}
		out = append(out, bm)
	}
	return out, nil
}
