package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jorgeraad/leafai/internal/adapter/llm"
	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/workflow"
)

// TitlePrompt is the system prompt for title generation.
const TitlePrompt = llm.TitleInstruction + ` (2-5 words) for a chat conversation based on the messages below. Return ONLY the title, nothing else. No quotes, no punctuation at the end, no explanation.`

const (
	maxTitleWords  = 6
	maxTitleLength = 60
	titleMaxTokens = 30
)

// ErrInvalidTitle is returned when the model answers with something that
// is not a usable title.
var ErrInvalidTitle = errors.New("invalid title")

// TitleMessage is one turn of the transcript shown to the title model.
type TitleMessage struct {
	Role    domain.Role
	Content string
}

// ValidateTitle trims trailing periods and quotes and rejects empty, long
// or wordy titles.
func ValidateTitle(title string) (string, bool) {
	t := strings.TrimSpace(title)
	t = strings.TrimRight(t, `."`)
	t = strings.TrimSpace(t)
	if t == "" {
		return "", false
	}
	if len(strings.Fields(t)) > maxTitleWords || len(t) > maxTitleLength {
		return "", false
	}
	return t, true
}

// GenerateTitle asks the model for a short title of the conversation.
func GenerateTitle(ctx context.Context, client llm.LLMClient, model string, messages []TitleMessage) (string, error) {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		speaker := "Assistant"
		if m.Role == domain.RoleUser {
			speaker = "User"
		}
		lines = append(lines, speaker+": "+m.Content)
	}

	maxTokens := titleMaxTokens
	resp, err := client.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model: model,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: TitlePrompt},
			{Role: "user", Content: strings.Join(lines, "\n\n")},
		},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return "", fmt.Errorf("%w: empty response", ErrInvalidTitle)
	}
	raw := resp.Choices[0].Message.Content
	title, ok := ValidateTitle(raw)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTitle, raw)
	}
	return title, nil
}

// launchTitle names the session once the run has finished. Failures are
// logged and never touch the run or its message.
func (s *Service) launchTitle(sessionID string, handle *workflow.Handle, firstMessage string) {
	if s.llm == nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.titleTimeout)
		defer cancel()

		if err := s.nameSession(ctx, sessionID, handle, firstMessage); err != nil {
			log.Printf("WARN: title generation for session %s failed: %v", sessionID, err)
		}
	}()
}

func (s *Service) nameSession(ctx context.Context, sessionID string, handle *workflow.Handle, firstMessage string) error {
	if _, err := handle.Wait(ctx); err != nil {
		return err
	}
	messages, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return err
	}

	var transcript []TitleMessage
	for _, m := range messages {
		if m.Role == domain.RoleAssistant && m.Status != domain.MessageStatusCompleted {
			continue
		}
		if text := domain.JoinText(m.Parts); text != "" {
			transcript = append(transcript, TitleMessage{Role: m.Role, Content: text})
		}
	}
	if len(transcript) == 0 {
		transcript = []TitleMessage{{Role: domain.RoleUser, Content: firstMessage}}
	}

	title, err := GenerateTitle(ctx, s.llm, s.model, transcript)
	if err != nil {
		return err
	}
	return s.store.UpdateChatSessionTitle(ctx, sessionID, title)
}
