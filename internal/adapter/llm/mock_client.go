package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TitleInstruction prefixes the system prompt used for title generation.
// The mock client recognizes it and answers with a short title.
const TitleInstruction = "Generate a concise title"

// MockClient is an offline LLMClient. When a drive listing tool is offered
// and the user asks about files, it calls that tool once before answering.
type MockClient struct {
	chunkSize int
}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{chunkSize: 10}
}

// Ensure MockClient implements LLMClient interface.
var _ LLMClient = (*MockClient)(nil)

// CreateChatCompletion returns a mock response.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	content := m.generateMockResponse(req)
	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      &ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: m.usage(req, content),
	}, nil
}

// CreateChatCompletionStream simulates a streaming response.
func (m *MockClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error) {
	id := fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano())
	created := time.Now().Unix()
	chunk := func(delta *ChatMessage, finish string) *StreamChunk {
		return &StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []Choice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
	}

	if tool, ok := m.toolToCall(req); ok {
		idx := 0
		call := ToolCall{
			Index:    &idx,
			ID:       fmt.Sprintf("call_mock_%d", time.Now().UnixNano()),
			Type:     "function",
			Function: ToolCallFunction{Name: tool, Arguments: `{"folder_id":"root"}`},
		}
		if err := callback(chunk(&ChatMessage{Role: "assistant", ToolCalls: []ToolCall{call}}, "")); err != nil {
			return nil, err
		}
		if err := callback(chunk(&ChatMessage{}, "tool_calls")); err != nil {
			return nil, err
		}
		return m.usage(req, ""), nil
	}

	content := m.generateMockResponse(req)
	pieces := m.splitIntoChunks(content, m.chunkSize)
	for i, piece := range pieces {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		finish := ""
		if i == len(pieces)-1 {
			finish = "stop"
		}
		if err := callback(chunk(&ChatMessage{Role: "assistant", Content: piece}, finish)); err != nil {
			return nil, err
		}
	}
	return m.usage(req, content), nil
}

// ListModels returns a list of mock models.
func (m *MockClient) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{{
		ID:      "mock-leaf",
		Object:  "model",
		Created: time.Now().Unix(),
		OwnedBy: "mock",
	}}, nil
}

// toolToCall picks list_drive_folder when it is offered, the user mentions
// files and no tool result is in the conversation yet.
func (m *MockClient) toolToCall(req *ChatCompletionRequest) (string, bool) {
	offered := false
	for _, t := range req.Tools {
		if t.Function.Name == "list_drive_folder" {
			offered = true
		}
	}
	if !offered {
		return "", false
	}
	for _, msg := range req.Messages {
		if msg.Role == "tool" {
			return "", false
		}
	}
	text := strings.ToLower(lastUserMessage(req))
	for _, kw := range []string{"file", "folder", "drive", "document", "doc"} {
		if strings.Contains(text, kw) {
			return "list_drive_folder", true
		}
	}
	return "", false
}

// generateMockResponse generates a mock response based on the request.
func (m *MockClient) generateMockResponse(req *ChatCompletionRequest) string {
	if len(req.Messages) > 0 && req.Messages[0].Role == "system" && strings.HasPrefix(req.Messages[0].Content, TitleInstruction) {
		return mockTitle(lastUserMessage(req))
	}

	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "tool" {
			return fmt.Sprintf("[MOCK] Here is what I found in your Drive: %s", truncate(req.Messages[i].Content, 200))
		}
		if req.Messages[i].Role == "user" {
			break
		}
	}

	last := lastUserMessage(req)
	if last == "" {
		return "[MOCK] This is a mock response from the LLM client."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(last, 100))
}

func (m *MockClient) usage(req *ChatCompletionRequest, content string) *Usage {
	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(msg.Content) / 4
	}
	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: len(content) / 4,
		TotalTokens:      prompt + len(content)/4,
	}
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func (m *MockClient) splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return []string{""}
	}
	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := i + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

func lastUserMessage(req *ChatCompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// mockTitle takes the first words of the first user line of a transcript.
func mockTitle(transcript string) string {
	line, _, _ := strings.Cut(transcript, "\n")
	line = strings.TrimPrefix(line, "User: ")
	words := strings.Fields(line)
	if len(words) > 4 {
		words = words[:4]
	}
	if len(words) == 0 {
		return "New chat"
	}
	return strings.Join(words, " ")
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
