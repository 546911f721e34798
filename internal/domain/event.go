package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent is returned when a payload does not decode to a known Event.
var ErrMalformedEvent = errors.New("malformed event")

// Event is one unit of streamed run output. The set of implementations is
// closed: TextDelta, ToolCall, ToolResult and ErrorEvent.
type Event interface {
	Type() EventType
	isEvent()
}

// TextDelta is an incremental fragment of assistant text.
type TextDelta struct {
	Text string `json:"text"`
}

// ToolCall announces that the agent invoked a capability.
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

// ToolResult carries the output of a previously announced ToolCall.
type ToolResult struct {
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result"`
}

// ErrorEvent signals that the run failed. At most one is appended per run.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (TextDelta) Type() EventType  { return EventTypeTextDelta }
func (ToolCall) Type() EventType   { return EventTypeToolCall }
func (ToolResult) Type() EventType { return EventTypeToolResult }
func (ErrorEvent) Type() EventType { return EventTypeError }

func (TextDelta) isEvent()  {}
func (ToolCall) isEvent()   {}
func (ToolResult) isEvent() {}
func (ErrorEvent) isEvent() {}

// NewToolCall builds a ToolCall with compacted args; nil args become {}.
func NewToolCall(id, name string, args json.RawMessage) ToolCall {
	return ToolCall{ToolCallID: id, ToolName: name, Args: normalizeRaw(args, "{}")}
}

// NewToolResult builds a ToolResult with a compacted result; nil becomes null.
func NewToolResult(id string, result json.RawMessage) ToolResult {
	return ToolResult{ToolCallID: id, Result: normalizeRaw(result, "null")}
}

func normalizeRaw(raw json.RawMessage, empty string) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(empty)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}

// MarshalEvent serializes an Event as its tagged JSON object.
func MarshalEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case TextDelta:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			TextDelta
		}{EventTypeTextDelta, e})
	case ToolCall:
		e = NewToolCall(e.ToolCallID, e.ToolName, e.Args)
		return json.Marshal(struct {
			Type EventType `json:"type"`
			ToolCall
		}{EventTypeToolCall, e})
	case ToolResult:
		e = NewToolResult(e.ToolCallID, e.Result)
		return json.Marshal(struct {
			Type EventType `json:"type"`
			ToolResult
		}{EventTypeToolResult, e})
	case ErrorEvent:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			ErrorEvent
		}{EventTypeError, e})
	case nil:
		return nil, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: unsupported event %T", ErrMalformedEvent, ev)
	}
}

// UnmarshalEvent decodes a tagged JSON object into its Event variant.
func UnmarshalEvent(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch head.Type {
	case EventTypeTextDelta:
		var e TextDelta
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return e, nil
	case EventTypeToolCall:
		var e ToolCall
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if e.ToolCallID == "" || e.ToolName == "" {
			return nil, fmt.Errorf("%w: tool-call requires toolCallId and toolName", ErrMalformedEvent)
		}
		return NewToolCall(e.ToolCallID, e.ToolName, e.Args), nil
	case EventTypeToolResult:
		var e ToolResult
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if e.ToolCallID == "" {
			return nil, fmt.Errorf("%w: tool-result requires toolCallId", ErrMalformedEvent)
		}
		return NewToolResult(e.ToolCallID, e.Result), nil
	case EventTypeError:
		var e ErrorEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, head.Type)
	}
}
