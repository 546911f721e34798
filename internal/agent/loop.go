// Package agent drives a tool-using LLM conversation for one assistant turn.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/jorgeraad/leafai/internal/adapter/llm"
	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/tools"
)

const (
	// DefaultMaxSteps bounds the number of model calls per turn.
	DefaultMaxSteps    = 10
	defaultToolTimeout = 30 * time.Second
)

// Sink receives every event as soon as it is produced.
type Sink func(ctx context.Context, ev domain.Event) error

// Config tunes the loop.
type Config struct {
	Model       string
	MaxSteps    int
	ToolTimeout time.Duration
	Temperature *float64
}

// Result is a completed assistant turn.
type Result struct {
	ID    string
	Parts []domain.Part
	Usage llm.Usage
}

// Error is a failed generation. Parts holds whatever was produced before the
// failure.
type Error struct {
	Message string
	Parts   []domain.Part
	Err     error
}

func (e *Error) Error() string { return "agent: " + e.Message }
func (e *Error) Unwrap() error { return e.Err }

// Loop runs the reasoning and tool-call iterations.
type Loop struct {
	client llm.LLMClient
	cfg    Config
}

// New creates a loop over client.
func New(client llm.LLMClient, cfg Config) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	return &Loop{client: client, cfg: cfg}
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

type turn struct {
	sink  Sink
	parts []domain.Part
}

func (t *turn) emit(ctx context.Context, ev domain.Event) error {
	t.parts = domain.FoldEvent(t.parts, ev)
	return t.sink(ctx, ev)
}

// Run answers the last user turn in history. Events go to sink in order;
// the folded parts are also returned. A provider or sink failure emits
// exactly one error event and returns *Error.
func (l *Loop) Run(ctx context.Context, history []domain.Message, caps *tools.Set, sink Sink) (*Result, error) {
	t := &turn{sink: sink, parts: []domain.Part{}}
	messages := append([]llm.ChatMessage{{Role: "system", Content: SystemPrompt(caps.Len() > 0)}}, toChatMessages(history)...)
	defs := caps.Definitions()
	result := &Result{ID: domain.NewID("gen")}

	for step := 0; step < l.cfg.MaxSteps; step++ {
		var text strings.Builder
		calls := make(map[int]*pendingCall)
		var sinkErr error

		req := &llm.ChatCompletionRequest{
			Model:       l.cfg.Model,
			Messages:    messages,
			Tools:       defs,
			Temperature: l.cfg.Temperature,
		}
		usage, err := l.client.CreateChatCompletionStream(ctx, req, func(chunk *llm.StreamChunk) error {
			for _, choice := range chunk.Choices {
				if choice.Delta == nil {
					continue
				}
				if choice.Delta.Content != "" {
					text.WriteString(choice.Delta.Content)
					if err := t.emit(ctx, domain.TextDelta{Text: choice.Delta.Content}); err != nil {
						sinkErr = err
						return err
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					idx := len(calls)
					if tc.Index != nil {
						idx = *tc.Index
					}
					pc, ok := calls[idx]
					if !ok {
						pc = &pendingCall{}
						calls[idx] = pc
					}
					if tc.ID != "" {
						pc.id = tc.ID
					}
					if tc.Function.Name != "" {
						pc.name = tc.Function.Name
					}
					pc.args.WriteString(tc.Function.Arguments)
				}
			}
			return nil
		})
		if usage != nil {
			result.Usage.PromptTokens += usage.PromptTokens
			result.Usage.CompletionTokens += usage.CompletionTokens
			result.Usage.TotalTokens += usage.TotalTokens
		}
		if sinkErr != nil {
			return nil, l.sinkFailed(ctx, t, sinkErr)
		}
		if err != nil {
			return nil, l.fail(ctx, t, err)
		}
		if len(calls) == 0 {
			break
		}

		ordered := orderCalls(calls)
		assistant := llm.ChatMessage{Role: "assistant", Content: text.String()}
		argsByCall := make([]json.RawMessage, len(ordered))
		for i, pc := range ordered {
			if pc.id == "" {
				pc.id = domain.NewID("call")
			}
			args := json.RawMessage(pc.args.String())
			if len(args) == 0 || !json.Valid(args) {
				args = nil
			}
			argsByCall[i] = args
			call := domain.NewToolCall(pc.id, pc.name, args)
			assistant.ToolCalls = append(assistant.ToolCalls, llm.ToolCall{
				ID:       pc.id,
				Type:     "function",
				Function: llm.ToolCallFunction{Name: pc.name, Arguments: string(call.Args)},
			})
			if err := t.emit(ctx, call); err != nil {
				return nil, l.sinkFailed(ctx, t, err)
			}
		}
		messages = append(messages, assistant)

		for i, pc := range ordered {
			var out json.RawMessage
			if argsByCall[i] == nil && pc.args.Len() > 0 {
				out = errorResult(fmt.Errorf("arguments are not valid JSON"))
			} else {
				out = l.execute(ctx, caps, pc.name, argsByCall[i])
			}
			if err := t.emit(ctx, domain.NewToolResult(pc.id, out)); err != nil {
				return nil, l.sinkFailed(ctx, t, err)
			}
			messages = append(messages, llm.ChatMessage{Role: "tool", ToolCallID: pc.id, Content: string(out)})
		}

		if step == l.cfg.MaxSteps-1 {
			log.Printf("WARN: agent stopped after %d steps with tool calls outstanding", l.cfg.MaxSteps)
		}
	}

	result.Parts = t.parts
	return result, nil
}

func (l *Loop) execute(ctx context.Context, caps *tools.Set, name string, args json.RawMessage) json.RawMessage {
	tctx, cancel := context.WithTimeout(ctx, l.cfg.ToolTimeout)
	defer cancel()

	out, err := caps.Execute(tctx, name, args)
	if err != nil {
		log.Printf("WARN: tool %s failed: %v", name, err)
		return errorResult(err)
	}
	if len(out) == 0 || !json.Valid(out) {
		return json.RawMessage("null")
	}
	return out
}

func (l *Loop) fail(ctx context.Context, t *turn, cause error) error {
	msg := cause.Error()
	if ctx.Err() != nil {
		msg = "generation timed out or was cancelled"
	}
	log.Printf("ERROR: generation failed: %v", cause)
	if err := t.sink(context.WithoutCancel(ctx), domain.ErrorEvent{Message: msg}); err != nil {
		log.Printf("ERROR: failed to record error event: %v", err)
	}
	return &Error{Message: msg, Parts: t.parts, Err: cause}
}

// sinkFailed still tries to leave an error event in the log; the sink may
// refuse that one too.
func (l *Loop) sinkFailed(ctx context.Context, t *turn, cause error) error {
	const msg = "failed to record output"
	log.Printf("ERROR: %s: %v", msg, cause)
	if err := t.sink(context.WithoutCancel(ctx), domain.ErrorEvent{Message: msg}); err != nil {
		log.Printf("ERROR: failed to record error event: %v", err)
	}
	return &Error{Message: msg, Parts: t.parts, Err: cause}
}

func errorResult(err error) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return data
}

func orderCalls(calls map[int]*pendingCall) []*pendingCall {
	idx := make([]int, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]*pendingCall, 0, len(idx))
	for _, i := range idx {
		out = append(out, calls[i])
	}
	return out
}
