// Package llm talks to OpenAI-compatible chat completion endpoints.
package llm

import "context"

// LLMClient is the model provider as seen by the agent loop and the title
// generator.
type LLMClient interface {
	// CreateChatCompletion returns a whole answer. Used for session titles.
	CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error)

	// CreateChatCompletionStream delivers text and tool-call deltas to
	// callback as they arrive. A callback error aborts the stream and is
	// returned unchanged.
	CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error)

	// ListModels is used as a reachability probe at startup.
	ListModels(ctx context.Context) ([]Model, error)
}

var _ LLMClient = (*Client)(nil)
