package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hyperifyio/goassist/internal/backend"
)

func echoDefinition() Definition {
	return Definition{
		Name:        "echo",
		Description: "Echo the input text",
		Schema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return in.Text, nil
		},
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoDefinition()); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	if err := r.Register(echoDefinition()); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}

	bad := echoDefinition()
	bad.Name = "Echo-Tool"
	if err := r.Register(bad); err == nil {
		t.Fatalf("expected invalid name to fail")
	}

	bad = echoDefinition()
	bad.Name = "other"
	bad.Schema = json.RawMessage(`["not","an","object"]`)
	if err := r.Register(bad); err == nil {
		t.Fatalf("expected non-object schema to fail")
	}

	bad = echoDefinition()
	bad.Name = "nohandler"
	bad.Handler = nil
	if err := r.Register(bad); err == nil {
		t.Fatalf("expected nil handler to fail")
	}
}

func TestSpecsSortedAndCached(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zebra", "alpha", "mango"} {
		def := echoDefinition()
		def.Name = name
		if err := r.Register(def); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	specs := r.Specs()
	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}
	want := []string{"alpha", "mango", "zebra"}
	for i, spec := range specs {
		if spec.Name != want[i] {
			t.Errorf("specs[%d].Name = %q, want %q", i, spec.Name, want[i])
		}
	}
}

func TestDispatchEcho(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoDefinition()); err != nil {
		t.Fatalf("register: %v", err)
	}
	msg := r.Dispatch(context.Background(), backend.ToolCall{
		ID:        "c1",
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"ping"}`),
	}, 0)
	if msg.Role != backend.RoleTool {
		t.Errorf("role = %q, want tool", msg.Role)
	}
	if msg.ToolCallID != "c1" {
		t.Errorf("tool_call_id = %q, want c1", msg.ToolCallID)
	}
	if msg.Content != "ping" {
		t.Errorf("content = %q, want ping", msg.Content)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry()
	msg := r.Dispatch(context.Background(), backend.ToolCall{ID: "c1", Name: "missing"}, 0)
	if msg.Content != "Error: tool missing not registered" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestDispatchHandlerError(t *testing.T) {
	r := NewRegistry()
	def := echoDefinition()
	def.Name = "boom"
	def.Handler = func(_ context.Context, _ json.RawMessage) (string, error) {
		return "", errors.New("it broke")
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	msg := r.Dispatch(context.Background(), backend.ToolCall{ID: "c1", Name: "boom"}, 0)
	if msg.Content != "Error: it broke" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestDispatchHandlerPanic(t *testing.T) {
	r := NewRegistry()
	def := echoDefinition()
	def.Name = "panicky"
	def.Handler = func(_ context.Context, _ json.RawMessage) (string, error) {
		panic("kaboom")
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	msg := r.Dispatch(context.Background(), backend.ToolCall{ID: "c1", Name: "panicky"}, 0)
	if !strings.Contains(msg.Content, "Error: tool panicked") {
		t.Errorf("content = %q, want panic error", msg.Content)
	}
}

func TestTruncateResult(t *testing.T) {
	long := strings.Repeat("x", 120)
	got := TruncateResult(long, 100)
	if !strings.HasPrefix(got, strings.Repeat("x", 100)) {
		t.Fatalf("truncated prefix mismatch")
	}
	if !strings.HasSuffix(got, "... [truncated 20 chars]") {
		t.Errorf("missing truncation notice: %q", got[100:])
	}
	if TruncateResult("short", 100) != "short" {
		t.Errorf("short result should be untouched")
	}
	if TruncateResult(long, 0) != long {
		t.Errorf("zero max should disable truncation")
	}
}
