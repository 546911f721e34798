package agent

import (
	"github.com/jorgeraad/leafai/internal/adapter/llm"
	"github.com/jorgeraad/leafai/internal/domain"
)

// toChatMessages converts persisted turns into provider messages. Assistant
// tool calls are replayed with their results so the model sees what it
// already looked up.
func toChatMessages(history []domain.Message) []llm.ChatMessage {
	var out []llm.ChatMessage
	for _, msg := range history {
		if msg.Role == domain.RoleUser {
			out = append(out, llm.ChatMessage{Role: "user", Content: domain.JoinText(msg.Parts)})
			continue
		}

		var cur *llm.ChatMessage
		flush := func() {
			if cur != nil {
				out = append(out, *cur)
				cur = nil
			}
		}
		for _, p := range msg.Parts {
			switch p.Type {
			case domain.PartTypeText:
				if cur != nil && len(cur.ToolCalls) > 0 {
					flush()
				}
				if cur == nil {
					cur = &llm.ChatMessage{Role: "assistant"}
				}
				cur.Content += p.Text
			case domain.PartTypeToolCall:
				if cur == nil {
					cur = &llm.ChatMessage{Role: "assistant"}
				}
				args := string(p.Args)
				if args == "" {
					args = "{}"
				}
				cur.ToolCalls = append(cur.ToolCalls, llm.ToolCall{
					ID:       p.ToolCallID,
					Type:     "function",
					Function: llm.ToolCallFunction{Name: p.ToolName, Arguments: args},
				})
			case domain.PartTypeToolResult:
				flush()
				out = append(out, llm.ChatMessage{Role: "tool", ToolCallID: p.ToolCallID, Content: string(p.Result)})
			}
		}
		flush()
	}
	return out
}
