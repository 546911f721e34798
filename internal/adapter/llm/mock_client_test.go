package llm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectStream(t *testing.T, c LLMClient, req *ChatCompletionRequest) (string, []ToolCall) {
	t.Helper()
	var text strings.Builder
	var calls []ToolCall
	_, err := c.CreateChatCompletionStream(context.Background(), req, func(chunk *StreamChunk) error {
		for _, choice := range chunk.Choices {
			if choice.Delta != nil {
				text.WriteString(choice.Delta.Content)
				calls = append(calls, choice.Delta.ToolCalls...)
			}
		}
		return nil
	})
	require.NoError(t, err)
	return text.String(), calls
}

func TestMockClientCallsDriveToolForFileQuestions(t *testing.T) {
	m := NewMockClient()
	req := &ChatCompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "List my files"}},
		Tools:    []Tool{FunctionTool("list_drive_folder", "List a folder", nil)},
	}

	text, calls := collectStream(t, m, req)
	assert.Empty(t, text)
	require.Len(t, calls, 1)
	assert.Equal(t, "list_drive_folder", calls[0].Function.Name)
	assert.JSONEq(t, `{"folder_id":"root"}`, calls[0].Function.Arguments)

	req.Messages = append(req.Messages,
		ChatMessage{Role: "assistant", ToolCalls: calls},
		ChatMessage{Role: "tool", ToolCallID: calls[0].ID, Content: `[{"name":"Notes"}]`},
	)
	text, calls = collectStream(t, m, req)
	assert.Empty(t, calls)
	assert.Contains(t, text, "Notes")
}

func TestMockClientEchoesWithoutTools(t *testing.T) {
	text, calls := collectStream(t, NewMockClient(), &ChatCompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "List my files"}},
	})
	assert.Empty(t, calls)
	assert.Equal(t, `[MOCK] Received your message: "List my files". This is a mock response.`, text)
}

func TestMockClientTitle(t *testing.T) {
	resp, err := NewMockClient().CreateChatCompletion(context.Background(), &ChatCompletionRequest{
		Messages: []ChatMessage{
			{Role: "system", Content: TitleInstruction + " (2-5 words)"},
			{Role: "user", Content: "User: Summarize the quarterly planning doc\n\nAssistant: Sure"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Summarize the quarterly planning", resp.Choices[0].Message.Content)
}

func TestNewLLMClient(t *testing.T) {
	_, ok := NewLLMClient(ModeMock, "", "", time.Second).(*MockClient)
	assert.True(t, ok)
	_, ok = NewLLMClient("", "http://localhost", "", time.Second).(*Client)
	assert.True(t, ok)
}
