package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAICompatClient speaks the OpenAI chat-completions dialect (LM Studio,
// llama-server and friends): /v1/chat/completions with tool arguments
// transported as JSON strings and temperature at the top level.
type OpenAICompatClient struct {
	inner *openai.Client
	opts  Options
	retry retryPolicy

	toolCache   sync.Mutex
	toolKey     string
	toolsCached []openai.Tool
}

// NewOpenAICompat builds the client against opts.Endpoint. The endpoint is
// the backend root; the /v1 suffix is appended when absent.
func NewOpenAICompat(opts Options) *OpenAICompatClient {
	base := strings.TrimRight(opts.Endpoint, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	cfg := openai.DefaultConfig("not-needed")
	cfg.BaseURL = base
	cfg.HTTPClient = newHTTPClient(opts.ConnectTimeout, opts.ReadTimeout)
	return &OpenAICompatClient{
		inner: openai.NewClientWithConfig(cfg),
		opts:  opts,
		retry: opts.retryPolicy(),
	}
}

func (c *OpenAICompatClient) Name() string { return "openai-compatible" }

func (c *OpenAICompatClient) resolveModel(req Request) string {
	if strings.TrimSpace(req.Model) != "" {
		return req.Model
	}
	return c.opts.Model
}

// projectTools translates the registry's specs into the dialect's tool
// descriptors. The projection is cached: the registry is immutable, so the
// key only changes when a different tool set is offered.
func (c *OpenAICompatClient) projectTools(specs []ToolSpec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	key := toolSetKey(specs)

	c.toolCache.Lock()
	defer c.toolCache.Unlock()
	if key == c.toolKey && c.toolsCached != nil {
		return c.toolsCached
	}

	tools := make([]openai.Tool, 0, len(specs))
	for _, s := range specs {
		var params any
		if len(s.Schema) > 0 {
			if err := json.Unmarshal(s.Schema, &params); err != nil {
				params = map[string]any{"type": "object"}
			}
		} else {
			params = map[string]any{"type": "object"}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  params,
			},
		})
	}
	c.toolKey = key
	c.toolsCached = tools
	return tools
}

func toolSetKey(specs []ToolSpec) string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return strings.Join(names, ",")
}

func (c *OpenAICompatClient) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	temp := req.Temperature
	if temp == 0 {
		// The wire encoding drops zero values; the smallest denormal keeps
		// an explicit, effectively-zero temperature in the payload.
		temp = math.SmallestNonzeroFloat32
	}
	out := openai.ChatCompletionRequest{
		Model:       c.resolveModel(req),
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: temp,
		Stream:      stream,
		ToolChoice:  string(req.ToolChoice),
	}
	if out.ToolChoice == "" {
		out.ToolChoice = string(ToolChoiceNone)
	}
	if len(req.Tools) > 0 {
		out.Tools = c.projectTools(req.Tools)
	}
	return out
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func (c *OpenAICompatClient) hook(payload openai.ChatCompletionRequest) {
	if c.opts.Hook == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	invokeHook(c.opts.Hook, c.Name(), b)
}

// Chat performs one non-streaming call, retrying connection-class failures.
func (c *OpenAICompatClient) Chat(ctx context.Context, req Request) (*Result, error) {
	oreq := c.buildRequest(req, false)
	c.hook(oreq)

	var resp openai.ChatCompletionResponse
	err := c.retry.do(ctx, func() error {
		var callErr error
		resp, callErr = c.inner.CreateChatCompletion(ctx, oreq)
		return callErr
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response carries no choices", ErrProtocol)
	}
	choice := resp.Choices[0]
	msg := Message{
		Role:    RoleAssistant,
		Content: choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Type != openai.ToolTypeFunction && tc.Type != "" {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: normalizeArguments(tc.Function.Arguments),
		})
	}
	msg.ToolCalls = fillToolCallIDs(msg.ToolCalls)
	return &Result{Message: msg, FinishReason: string(choice.FinishReason)}, nil
}

// ChatStream performs one streaming call. Content deltas flow to fn;
// tool-call fragments fold into complete calls returned with the result.
func (c *OpenAICompatClient) ChatStream(ctx context.Context, req Request, fn StreamHandler) (*Result, error) {
	oreq := c.buildRequest(req, true)
	c.hook(oreq)

	var stream *openai.ChatCompletionStream
	err := c.retry.do(ctx, func() error {
		var callErr error
		stream, callErr = c.inner.CreateChatCompletionStream(ctx, oreq)
		return callErr
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	defer stream.Close()

	var content strings.Builder
	acc := newToolCallAccumulator()
	finish := ""

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classifyOpenAIError(err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if fn != nil {
				fn(choice.Delta.Content)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc.add(idx, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
	}

	msg := Message{
		Role:      RoleAssistant,
		Content:   content.String(),
		ToolCalls: acc.result(),
	}
	return &Result{Message: msg, FinishReason: finish}, nil
}

// Probe lists models. A transport failure means the service is absent; an
// empty model list means it is up with nothing loaded.
func (c *OpenAICompatClient) Probe(ctx context.Context) error {
	models, err := c.inner.ListModels(ctx)
	if err != nil {
		return &ProbeError{Reachable: false, Detail: err.Error()}
	}
	if len(models.Models) == 0 {
		return &ProbeError{Reachable: true, Detail: "no model loaded"}
	}
	return nil
}

// Embed requests embeddings for inputs using the given embedding model.
func (c *OpenAICompatClient) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	var resp openai.EmbeddingResponse
	err := c.retry.do(ctx, func() error {
		var callErr error
		resp, callErr = c.inner.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: inputs,
			Model: openai.EmbeddingModel(model),
		})
		return callErr
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("%w: %d embeddings for %d inputs", ErrProtocol, len(resp.Data), len(inputs))
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// classifyOpenAIError keeps HTTP-status answers intact while folding
// transport failures into the shared taxonomy.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		log.Debug().Int("status", apiErr.HTTPStatusCode).Str("message", apiErr.Message).Msg("backend api error")
		return fmt.Errorf("backend returned status %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
	}
	return classifyHTTPError(err)
}
