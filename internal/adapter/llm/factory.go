package llm

import (
	"log"
	"time"
)

// ModeMock selects the offline client.
const ModeMock = "MOCK"

// NewLLMClient returns a MockClient when mode is MOCK and a real Client
// otherwise.
func NewLLMClient(mode, baseURL, apiKey string, timeout time.Duration) LLMClient {
	if mode == ModeMock {
		log.Println("INFO: LEAF_MODE=MOCK detected, using mock LLM client")
		return NewMockClient()
	}
	return NewClient(baseURL, apiKey, timeout)
}
