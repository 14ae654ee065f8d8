package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// NativeClient speaks the native local-inference dialect (Ollama style):
// /api/chat with tool arguments transported as JSON objects and temperature
// nested under options. Streaming is newline-delimited JSON rather than SSE.
type NativeClient struct {
	httpClient *http.Client
	opts       Options
	retry      retryPolicy

	toolCache   sync.Mutex
	toolKey     string
	toolsCached []nativeTool
}

// NewNative builds the client against opts.Endpoint (the backend root, e.g.
// http://localhost:11434).
func NewNative(opts Options) *NativeClient {
	return &NativeClient{
		httpClient: newHTTPClient(opts.ConnectTimeout, opts.ReadTimeout),
		opts:       opts,
		retry:      opts.retryPolicy(),
	}
}

func (c *NativeClient) Name() string { return "native" }

// Wire shapes for the native dialect.

type nativeMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []nativeToolCall `json:"tool_calls,omitempty"`
}

type nativeToolCall struct {
	Function nativeFunctionCall `json:"function"`
}

type nativeFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type nativeTool struct {
	Type     string         `json:"type"`
	Function nativeToolSpec `json:"function"`
}

type nativeToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type nativeChatRequest struct {
	Model      string          `json:"model"`
	Messages   []nativeMessage `json:"messages"`
	Stream     bool            `json:"stream"`
	Tools      []nativeTool    `json:"tools,omitempty"`
	ToolChoice string          `json:"tool_choice"`
	Options    nativeOptions   `json:"options"`
}

type nativeOptions struct {
	Temperature float32 `json:"temperature"`
}

type nativeChatResponse struct {
	Model      string        `json:"model"`
	Message    nativeMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason"`
}

type nativeTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type nativeEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type nativeEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *NativeClient) resolveModel(req Request) string {
	if strings.TrimSpace(req.Model) != "" {
		return req.Model
	}
	return c.opts.Model
}

func (c *NativeClient) projectTools(specs []ToolSpec) []nativeTool {
	if len(specs) == 0 {
		return nil
	}
	key := toolSetKey(specs)

	c.toolCache.Lock()
	defer c.toolCache.Unlock()
	if key == c.toolKey && c.toolsCached != nil {
		return c.toolsCached
	}

	tools := make([]nativeTool, 0, len(specs))
	for _, s := range specs {
		schema := s.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, nativeTool{
			Type: "function",
			Function: nativeToolSpec{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  schema,
			},
		})
	}
	c.toolKey = key
	c.toolsCached = tools
	return tools
}

func (c *NativeClient) buildRequest(req Request, stream bool) nativeChatRequest {
	msgs := make([]nativeMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		nm := nativeMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			nm.ToolCalls = append(nm.ToolCalls, nativeToolCall{
				Function: nativeFunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		msgs = append(msgs, nm)
	}
	choice := string(req.ToolChoice)
	if choice == "" {
		choice = string(ToolChoiceNone)
	}
	return nativeChatRequest{
		Model:      c.resolveModel(req),
		Messages:   msgs,
		Stream:     stream,
		Tools:      c.projectTools(req.Tools),
		ToolChoice: choice,
		Options:    nativeOptions{Temperature: req.Temperature},
	}
}

// post issues the call with connection-class retry. The caller owns the
// response body.
func (c *NativeClient) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	var resp *http.Response
	err := c.retry.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err = c.httpClient.Do(req)
		return err
	})
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("chat API %s: %d: %s", path, resp.StatusCode, truncateForError(string(raw)))
	}
	return resp, nil
}

func truncateForError(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}

// Chat performs one non-streaming call.
func (c *NativeClient) Chat(ctx context.Context, req Request) (*Result, error) {
	payload, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	invokeHook(c.opts.Hook, c.Name(), payload)

	resp, err := c.post(ctx, "/api/chat", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded nativeChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrProtocol, err)
	}
	return c.normalize(decoded.Message, decoded.DoneReason), nil
}

// ChatStream performs one streaming call over newline-delimited JSON.
func (c *NativeClient) ChatStream(ctx context.Context, req Request, fn StreamHandler) (*Result, error) {
	payload, err := json.Marshal(c.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	invokeHook(c.opts.Hook, c.Name(), payload)

	resp, err := c.post(ctx, "/api/chat", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var content strings.Builder
	var calls []nativeToolCall
	doneReason := ""

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var chunk nativeChatResponse
			if jerr := json.Unmarshal(bytes.TrimSpace(line), &chunk); jerr != nil {
				return nil, fmt.Errorf("%w: decode stream line: %v", ErrProtocol, jerr)
			}
			if chunk.Message.Content != "" {
				content.WriteString(chunk.Message.Content)
				if fn != nil {
					fn(chunk.Message.Content)
				}
			}
			calls = append(calls, chunk.Message.ToolCalls...)
			if chunk.Done {
				doneReason = chunk.DoneReason
				break
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, classifyHTTPError(err)
		}
	}

	msg := nativeMessage{Role: RoleAssistant, Content: content.String(), ToolCalls: calls}
	return c.normalize(msg, doneReason), nil
}

// normalize maps the native message onto the neutral shape, synthesising
// call ids the dialect does not provide.
func (c *NativeClient) normalize(msg nativeMessage, doneReason string) *Result {
	out := Message{Role: RoleAssistant, Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := tc.Function.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	out.ToolCalls = fillToolCallIDs(out.ToolCalls)

	finish := doneReason
	if finish == "" {
		finish = "stop"
	}
	if len(out.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return &Result{Message: out, FinishReason: finish}
}

// Probe lists installed models via /api/tags.
func (c *NativeClient) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.Endpoint+"/api/tags", nil)
	if err != nil {
		return &ProbeError{Reachable: false, Detail: err.Error()}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProbeError{Reachable: false, Detail: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &ProbeError{Reachable: true, Detail: fmt.Sprintf("listing returned status %d", resp.StatusCode)}
	}
	var tags nativeTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return &ProbeError{Reachable: true, Detail: "listing not decodable"}
	}
	if len(tags.Models) == 0 {
		return &ProbeError{Reachable: true, Detail: "no model loaded"}
	}
	return nil
}

// Embed requests embeddings via /api/embed.
func (c *NativeClient) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(nativeEmbedRequest{Model: model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	resp, err := c.post(ctx, "/api/embed", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded nativeEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode embeddings: %v", ErrProtocol, err)
	}
	if len(decoded.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("%w: %d embeddings for %d inputs", ErrProtocol, len(decoded.Embeddings), len(inputs))
	}
	return decoded.Embeddings, nil
}
