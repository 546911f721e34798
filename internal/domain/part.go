package domain

import (
	"encoding/json"
	"strings"
)

// Part is one persisted piece of a chat message.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// FoldEvent applies ev to parts. Contiguous text deltas collapse into the
// trailing text part; tool calls and results become standalone parts. Error
// events carry no content and leave parts unchanged.
func FoldEvent(parts []Part, ev Event) []Part {
	switch e := ev.(type) {
	case TextDelta:
		if n := len(parts); n > 0 && parts[n-1].Type == PartTypeText {
			parts[n-1].Text += e.Text
			return parts
		}
		return append(parts, TextPart(e.Text))
	case ToolCall:
		e = NewToolCall(e.ToolCallID, e.ToolName, e.Args)
		return append(parts, Part{
			Type:       PartTypeToolCall,
			ToolCallID: e.ToolCallID,
			ToolName:   e.ToolName,
			Args:       e.Args,
		})
	case ToolResult:
		e = NewToolResult(e.ToolCallID, e.Result)
		return append(parts, Part{
			Type:       PartTypeToolResult,
			ToolCallID: e.ToolCallID,
			Result:     e.Result,
		})
	}
	return parts
}

// FoldEvents folds a whole event sequence from an empty part list.
func FoldEvents(events []Event) []Part {
	parts := []Part{}
	for _, ev := range events {
		parts = FoldEvent(parts, ev)
	}
	return parts
}

// JoinText concatenates the text parts, ignoring tool parts.
func JoinText(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type == PartTypeText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
