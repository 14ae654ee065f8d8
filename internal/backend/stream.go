package backend

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// toolCallAccumulator folds streamed tool-call fragments into complete
// calls. Fragments are keyed by call index; the id and name arrive in the
// first fragment for an index, argument text arrives in pieces and
// concatenates in order.
type toolCallAccumulator struct {
	calls map[int]*partialToolCall
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*partialToolCall)}
}

func (a *toolCallAccumulator) add(index int, id, name, argsFragment string) {
	pc := a.calls[index]
	if pc == nil {
		pc = &partialToolCall{}
		a.calls[index] = pc
	}
	if id != "" {
		pc.id = id
	}
	if name != "" {
		pc.name = name
	}
	if argsFragment != "" {
		pc.args.WriteString(argsFragment)
	}
}

func (a *toolCallAccumulator) empty() bool {
	return len(a.calls) == 0
}

// result emits the finalised calls ordered by index. Calls without a name
// are dropped; missing ids are synthesised so tool-message correspondence
// holds downstream regardless of dialect.
func (a *toolCallAccumulator) result() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		pc := a.calls[i]
		if pc.name == "" {
			continue
		}
		out = append(out, ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: normalizeArguments(pc.args.String()),
		})
	}
	return fillToolCallIDs(out)
}

// normalizeArguments coerces the dialect-specific argument payload into a
// JSON object. Empty input becomes {}; non-object JSON is preserved as-is
// so the tool's own validation can reject it.
func normalizeArguments(raw string) json.RawMessage {
	s := strings.TrimSpace(raw)
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(quoted)
}

// fillToolCallIDs assigns deterministic ids to calls that arrived without
// one (the native dialect omits them).
func fillToolCallIDs(calls []ToolCall) []ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = syntheticCallID(i)
		}
	}
	return calls
}

func syntheticCallID(i int) string {
	return fmt.Sprintf("call_%d", i)
}
