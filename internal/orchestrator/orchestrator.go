// Package orchestrator runs the multi-turn tool-calling loop: call the
// backend, execute any returned tool calls, splice results back into the
// conversation and iterate until the model produces a final answer.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/goassist/internal/backend"
	"github.com/hyperifyio/goassist/internal/tools"
)

// Pauser is the advisory pause signal observed by background index work.
// The orchestrator sets it for the duration of a request and never blocks
// on acknowledgement.
type Pauser interface {
	Pause()
	Resume()
}

// Request is one resolved chat request. Model is empty unless the caller
// asked for a per-request override; Temperature and ToolChoice are already
// defaulted from configuration by the request surface.
type Request struct {
	Model       string
	Messages    []backend.Message
	Temperature float32
	ToolChoice  backend.ToolChoice
}

// Outcome reports the final answer together with the full transcript and
// the number of backend calls consumed, which the tests assert against.
type Outcome struct {
	Content      string
	Messages     []backend.Message
	FinishReason string
	BackendCalls int
}

// Orchestrator coordinates the loop. All fields are set once at startup.
type Orchestrator struct {
	Client   backend.Client
	Registry *tools.Registry
	Prompt   *PromptCache
	Pauser   Pauser

	// MaxIterations bounds tool-calling rounds; zero or negative means 5.
	MaxIterations int
	// LoopTimeout is the wall-clock budget for the whole loop; zero
	// disables it. Exhaustion transitions to final synthesis, never to an
	// error surface.
	LoopTimeout        time.Duration
	FirstToolChoice    backend.ToolChoice
	MaxToolResultChars int
}

const (
	// nudgeInstruction is appended once when tool_choice=required produced
	// no tool calls.
	nudgeInstruction = "You must use one of the available tools to answer this request. Call the appropriate tool now."
	// synthesisApology is the fixed answer when the final-synthesis call
	// itself fails. Raw tool output is never surfaced as the final answer.
	synthesisApology = "I gathered some information but was unable to produce a final answer. Please try again."
)

// Run executes the loop without streaming.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	return o.run(ctx, req, nil)
}

// RunStream executes the loop in streaming mode. Content deltas of the
// final response flow to emit as they clear the thinker-marker filter;
// non-terminal iteration output is consumed without forwarding.
func (o *Orchestrator) RunStream(ctx context.Context, req Request, emit func(delta string)) (*Outcome, error) {
	return o.run(ctx, req, emit)
}

func (o *Orchestrator) run(ctx context.Context, req Request, emit func(string)) (*Outcome, error) {
	if o.Pauser != nil {
		o.Pauser.Pause()
		defer o.Pauser.Resume()
	}

	messages := o.seedMessages(req)
	specs := o.Registry.Specs()

	maxIter := o.MaxIterations
	if maxIter <= 0 {
		maxIter = 5
	}
	var deadline time.Time
	if o.LoopTimeout > 0 {
		deadline = time.Now().Add(o.LoopTimeout)
	}

	outcome := &Outcome{}
	nudged := false

	for iter := 0; iter < maxIter; {
		if expired(deadline) {
			log.Debug().Int("iteration", iter).Msg("tool loop wall clock exhausted")
			break
		}
		choice := o.choiceFor(iter, req)
		if len(specs) == 0 {
			choice = backend.ToolChoiceNone
		}

		filter := newStreamFilter(emit)
		res, err := o.call(ctx, backend.Request{
			Model:       req.Model,
			Messages:    messages,
			Tools:       specs,
			ToolChoice:  choice,
			Temperature: req.Temperature,
		}, filter)
		if err != nil {
			outcome.Messages = messages
			return outcome, err
		}
		outcome.BackendCalls++

		// The assistant message joins the transcript verbatim, tool calls
		// and all, so the backend's next call sees consistent history.
		messages = append(messages, res.Message)
		calls := res.ToolCalls()

		if len(calls) == 0 {
			if choice == backend.ToolChoiceRequired && !nudged {
				// One retry of the current iteration with a nudge; does not
				// consume an iteration slot but stays on the wall clock.
				nudged = true
				filter.discard()
				messages = append(messages, backend.Message{
					Role:    backend.RoleUser,
					Content: nudgeInstruction,
				})
				log.Debug().Msg("required tool choice produced no calls, nudging once")
				continue
			}
			filter.flush()
			outcome.Content = res.Message.Content
			outcome.Messages = messages
			outcome.FinishReason = res.FinishReason
			return outcome, nil
		}
		filter.discard()

		for i, call := range calls {
			if expired(deadline) {
				// Keep tool-call correspondence intact for the synthesis
				// call: every remaining call still gets a tool message.
				for _, rest := range calls[i:] {
					messages = append(messages, backend.Message{
						Role:       backend.RoleTool,
						Name:       rest.Name,
						ToolCallID: rest.ID,
						Content:    "Error: tool loop timeout exceeded before this call was executed",
					})
				}
				break
			}
			messages = append(messages, o.Registry.Dispatch(ctx, call, o.MaxToolResultChars))
		}
		iter++
	}

	content, finish := o.finalSynthesis(ctx, req, messages, outcome)
	if emit != nil {
		emit(content)
	}
	outcome.Content = content
	outcome.Messages = messages
	outcome.FinishReason = finish
	return outcome, nil
}

// call issues one backend call, streaming through the filter when the
// request surface asked for streaming.
func (o *Orchestrator) call(ctx context.Context, req backend.Request, filter *streamFilter) (*backend.Result, error) {
	if filter.active() {
		return o.Client.ChatStream(ctx, req, filter.feed)
	}
	return o.Client.Chat(ctx, req)
}

// seedMessages prepends the resolved system prompt unless the caller
// supplied a system message of their own.
func (o *Orchestrator) seedMessages(req Request) []backend.Message {
	hasSystem := len(req.Messages) > 0 && req.Messages[0].Role == backend.RoleSystem
	out := make([]backend.Message, 0, len(req.Messages)+1)
	if !hasSystem {
		if prompt := o.Prompt.Load(); prompt != "" {
			out = append(out, backend.Message{Role: backend.RoleSystem, Content: prompt})
		}
	}
	return append(out, req.Messages...)
}

// choiceFor applies the tool-choice policy: the request's explicit choice
// (or the configured first-iteration choice) on iteration one, auto after.
func (o *Orchestrator) choiceFor(iter int, req Request) backend.ToolChoice {
	if iter > 0 {
		return backend.ToolChoiceAuto
	}
	if req.ToolChoice != "" {
		return req.ToolChoice
	}
	if o.FirstToolChoice != "" {
		return o.FirstToolChoice
	}
	return backend.ToolChoiceAuto
}

// finalSynthesis forces a natural-language answer from the tool results
// already gathered: tool_choice=none, no tool list. A failing call yields
// the fixed apology; malformed output gets one stern retry then the fixed
// fallback.
func (o *Orchestrator) finalSynthesis(ctx context.Context, req Request, messages []backend.Message, outcome *Outcome) (string, string) {
	synth := backend.Request{
		Model:       req.Model,
		Messages:    messages,
		Tools:       nil,
		ToolChoice:  backend.ToolChoiceNone,
		Temperature: req.Temperature,
	}
	res, err := o.Client.Chat(ctx, synth)
	outcome.BackendCalls++
	if err != nil {
		log.Warn().Err(err).Msg("final synthesis call failed")
		return synthesisApology, "stop"
	}
	content := res.Message.Content
	if !containsMalformedMarkers(content) {
		return content, res.FinishReason
	}

	log.Warn().Msg("final synthesis output contains internal markers, retrying once")
	retry := synth
	retry.Messages = append(append([]backend.Message(nil), messages...), backend.Message{
		Role:    backend.RoleUser,
		Content: sternCleanupInstruction,
	})
	res, err = o.Client.Chat(ctx, retry)
	outcome.BackendCalls++
	if err != nil {
		return synthesisApology, "stop"
	}
	if containsMalformedMarkers(res.Message.Content) {
		return malformedFallback, "stop"
	}
	return res.Message.Content, res.FinishReason
}

func expired(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}
