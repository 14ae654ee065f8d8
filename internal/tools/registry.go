// Package tools holds the registry of callable tools exposed to the model
// and the dispatch path that turns a tool call into a tool-role message.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/goassist/internal/backend"
)

// Handler executes a tool with the raw JSON arguments from the model and
// returns the textual result spliced into the conversation. Errors must be
// safe to surface back into a transcript.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Definition describes a callable tool with stable identity and metadata.
// Name must be lowercase snake_case and never change across versions.
// Schema is the JSON Schema for the tool's arguments; it is projected into
// the backend dialect's tool descriptor once at registration.
type Definition struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     Handler
}

// Registry holds the set of available tools keyed by name. It is
// constructed once at startup and immutable afterwards; lookups need no
// locking.
type Registry struct {
	defs  map[string]Definition
	specs []backend.ToolSpec
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Register adds a tool definition after validation. Registering the same
// name twice is an error: the registry is append-only by design.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" || !nameRe.MatchString(def.Name) {
		return fmt.Errorf("invalid tool name %q: must be lowercase snake_case starting with a letter", def.Name)
	}
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	if len(def.Schema) == 0 || !isJSONObject(def.Schema) {
		return errors.New("tool schema must be a non-empty JSON object")
	}
	if def.Handler == nil {
		return errors.New("tool handler must not be nil")
	}
	r.defs[def.Name] = def
	r.specs = nil
	return nil
}

// Specs returns the backend-facing tool specs in deterministic (sorted)
// order. The slice is cached; callers must not mutate it.
func (r *Registry) Specs() []backend.ToolSpec {
	if r.specs != nil {
		return r.specs
	}
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	specs := make([]backend.ToolSpec, 0, len(names))
	for _, name := range names {
		def := r.defs[name]
		specs = append(specs, backend.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.Schema,
		})
	}
	r.specs = specs
	return specs
}

// Get returns a tool definition by name if present.
func (r *Registry) Get(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Len reports the number of registered tools.
func (r *Registry) Len() int { return len(r.defs) }

// Dispatch executes one tool call and returns the tool-role message holding
// its result. Failures never escape as errors: an unknown tool or a failing
// handler produce an error string in the message content so the model can
// react on the next iteration.
func (r *Registry) Dispatch(ctx context.Context, call backend.ToolCall, maxResultChars int) backend.Message {
	started := time.Now()
	content, ok := r.execute(ctx, call)
	content = TruncateResult(content, maxResultChars)

	log.Info().
		Str("stage", "tool").
		Str("tool", call.Name).
		Str("tool_call_id", call.ID).
		Int("args_bytes", len(call.Arguments)).
		Int("result_bytes", len(content)).
		Bool("ok", ok).
		Int64("duration_ms", time.Since(started).Milliseconds()).
		Msg("tool call")

	return backend.Message{
		Role:       backend.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    content,
	}
}

func (r *Registry) execute(ctx context.Context, call backend.ToolCall) (string, bool) {
	def, ok := r.defs[call.Name]
	if !ok {
		return fmt.Sprintf("Error: tool %s not registered", call.Name), false
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	result, err := safeInvoke(ctx, def.Handler, args)
	if err != nil {
		return fmt.Sprintf("Error: %s", err.Error()), false
	}
	return result, true
}

// safeInvoke shields the loop from a panicking handler; the panic becomes
// an ordinary tool error.
func safeInvoke(ctx context.Context, h Handler, args json.RawMessage) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return h(ctx, args)
}

// TruncateResult caps a single tool result at maxChars, appending an
// explicit notice naming how much was dropped. The cap applies per result,
// never across results. Zero or negative maxChars disables truncation.
func TruncateResult(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	dropped := len(s) - maxChars
	return s[:maxChars] + fmt.Sprintf("... [truncated %d chars]", dropped)
}

func isJSONObject(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	_, ok := v.(map[string]any)
	return ok
}
