// Package backend speaks the two wire dialects of the local inference
// backends and normalises both to a single request/response shape: an
// assistant message that may carry an ordered list of tool calls.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Role names shared by both dialects.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolChoice is the backend-facing tool selection directive. It is always
// emitted explicitly in the outgoing payload, even when no tools are offered.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// Message is the dialect-neutral chat message.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolCall is a normalised tool invocation request emitted by the model.
// Arguments always hold a JSON object regardless of which dialect produced
// them (the OpenAI dialect transports arguments as a JSON string, the native
// dialect as an object).
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolSpec describes one registered tool for schema projection.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one backend call. Model is the resolved model for this call:
// the per-request override when present, otherwise the configured default.
// Threading the override through the request keeps it scoped to one call on
// every exit path.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	ToolChoice  ToolChoice
	Temperature float32
}

// Result is the normalised outcome of one backend call.
type Result struct {
	Message      Message
	FinishReason string
}

// ToolCalls returns the tool calls carried by the assistant message.
func (r *Result) ToolCalls() []ToolCall {
	if r == nil {
		return nil
	}
	return r.Message.ToolCalls
}

// StreamHandler receives content deltas as they arrive on a streaming call.
// Tool-call deltas are accumulated inside the client and surface only in the
// final Result.
type StreamHandler func(delta string)

// RequestHook observes the outgoing payload immediately before transmission.
type RequestHook func(backendName string, payload []byte)

// Client is the uniform surface over both dialects.
type Client interface {
	// Name identifies the dialect for logs and the request hook.
	Name() string
	// Chat performs one non-streaming call.
	Chat(ctx context.Context, req Request) (*Result, error)
	// ChatStream performs one streaming call, forwarding content deltas to
	// fn and returning the fully accumulated result.
	ChatStream(ctx context.Context, req Request, fn StreamHandler) (*Result, error)
	// Probe checks liveness via the backend's model listing endpoint.
	Probe(ctx context.Context) error
	// Embed produces one embedding vector per input string.
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// Error kinds surfaced to the request layer, which converts them into
// synthesized completions rather than transport failures.
var (
	ErrUnavailable = errors.New("backend unavailable")
	ErrTimeout     = errors.New("backend timeout")
	ErrProtocol    = errors.New("backend protocol error")
)

// ProbeError reports a failed health probe. Reachable distinguishes a
// listening service with no loaded model from a service that is absent.
type ProbeError struct {
	Reachable bool
	Detail    string
}

func (e *ProbeError) Error() string {
	if e.Reachable {
		return fmt.Sprintf("backend reachable but %s", e.Detail)
	}
	return fmt.Sprintf("backend not reachable: %s", e.Detail)
}

// Options configures a dialect client.
type Options struct {
	Endpoint          string
	Model             string
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	RetryAttempts     int
	RetryInitialDelay time.Duration
	Hook              RequestHook
}

func (o *Options) retryPolicy() retryPolicy {
	base := o.RetryInitialDelay
	if base <= 0 {
		base = time.Second
	}
	return retryPolicy{attempts: o.RetryAttempts, base: base}
}

// newHTTPClient builds the shared pooled transport with the two separate
// budgets: connect (dialer timeout) and read (whole exchange including a
// streaming body).
func newHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   readTimeout,
	}
}

// invokeHook runs the request hook, swallowing panics so observability can
// never break a call.
func invokeHook(hook RequestHook, name string, payload []byte) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("backend", name).Interface("panic", r).Msg("request hook panicked")
		}
	}()
	hook(name, payload)
}

// New selects the dialect client for the configured backend type.
func New(dialect string, opts Options) (Client, error) {
	switch dialect {
	case "native":
		return NewNative(opts), nil
	case "openai-compatible":
		return NewOpenAICompat(opts), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", dialect)
	}
}

// classifyHTTPError maps a transport error onto the taxonomy after retries
// are exhausted or skipped.
func classifyHTTPError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if isConnError(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
