package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/jorgeraad/leafai/internal/adapter/drive"
	"github.com/jorgeraad/leafai/internal/agent"
	"github.com/jorgeraad/leafai/internal/auth"
	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/registry"
	"github.com/jorgeraad/leafai/internal/tools"
	"github.com/jorgeraad/leafai/internal/workflow"
)

const (
	chatPipelineName = "chat"

	stepLoadHistory         = "load_history"
	stepResolveCapabilities = "resolve_capabilities"
	stepInvokeAgent         = "invoke_agent"
	stepPersistOutcome      = "persist_outcome"

	// MsgRunInterrupted fails a resumed run whose agent had already
	// started streaming.
	MsgRunInterrupted = "run interrupted"
)

// SendMessageRequest is the body of the start endpoint.
type SendMessageRequest struct {
	ChatSessionID string `json:"chatSessionId"`
	Content       string `json:"content"`
}

type chatArgs struct {
	ChatSessionID      string `json:"chat_session_id"`
	UserID             string `json:"user_id"`
	WorkspaceID        string `json:"workspace_id"`
	AssistantMessageID string `json:"assistant_message_id"`
}

type historyOutput struct {
	History            []domain.Message `json:"history"`
	AssistantMessageID string           `json:"assistant_message_id"`
}

type capabilitiesOutput struct {
	DriveIntegrationID string   `json:"drive_integration_id,omitempty"`
	Tools              []string `json:"tools"`
}

type agentOutput struct {
	ID     string        `json:"id,omitempty"`
	Parts  []domain.Part `json:"parts"`
	Failed bool          `json:"failed,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type persistOutput struct {
	MessageID string `json:"message_id"`
	Failed    bool   `json:"failed,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Service) chatPipeline(retries int) *workflow.Pipeline {
	return &workflow.Pipeline{
		Name: chatPipelineName,
		Steps: []workflow.Step{
			{Name: stepLoadHistory, Run: s.loadHistory, Retries: retries},
			{Name: stepResolveCapabilities, Run: s.resolveCapabilities, Retries: retries},
			// Never retried: the agent has already streamed events.
			{Name: stepInvokeAgent, Run: s.invokeAgent},
			{Name: stepPersistOutcome, Run: s.persistOutcome, Retries: retries},
		},
		OnFailure: s.onRunFailure,
		Outcome:   chatOutcome,
	}
}

// SendMessage persists the user turn and starts a run that fills a new
// pending assistant message.
func (s *Service) SendMessage(ctx context.Context, req SendMessageRequest) (*workflow.Handle, error) {
	p, err := auth.RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(req.Content)
	if req.ChatSessionID == "" || content == "" {
		return nil, fmt.Errorf("%w: chatSessionId and content are required", domain.ErrInvalidArgument)
	}

	session, err := s.store.GetChatSession(ctx, req.ChatSessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("chat session %s: %w", req.ChatSessionID, domain.ErrNotFound)
	}

	user := &domain.Message{
		ID:            domain.NewID("msg"),
		ChatSessionID: session.ID,
		Role:          domain.RoleUser,
		SenderID:      p.UserID,
		Parts:         []domain.Part{domain.TextPart(req.Content)},
		Status:        domain.MessageStatusCompleted,
	}
	if err := s.store.CreateMessage(ctx, user); err != nil {
		return nil, err
	}

	// The pending message exists before the run so load_history always
	// finds it.
	runID := domain.NewRunID()
	assistant := &domain.Message{
		ID:            domain.NewID("msg"),
		ChatSessionID: session.ID,
		Role:          domain.RoleAssistant,
		Status:        domain.MessageStatusPending,
		RunID:         runID,
	}
	if err := s.store.CreateMessage(ctx, assistant); err != nil {
		return nil, err
	}

	args := chatArgs{
		ChatSessionID:      session.ID,
		UserID:             p.UserID,
		WorkspaceID:        session.WorkspaceID,
		AssistantMessageID: assistant.ID,
	}
	handle, err := s.dispatcher.Start(ctx, s.pipeline, args, workflow.WithRunID(runID))
	if err != nil {
		if _, ferr := s.store.FailAssistantMessage(context.WithoutCancel(ctx), assistant.ID); ferr != nil {
			log.Printf("ERROR: failed to mark message %s failed: %v", assistant.ID, ferr)
		}
		return nil, fmt.Errorf("start run: %w", err)
	}
	if err := s.store.TouchChatSession(ctx, session.ID); err != nil {
		log.Printf("WARN: %v", err)
	}

	if session.Title == "" {
		s.launchTitle(session.ID, handle, req.Content)
	}
	return handle, nil
}

// Reconnect attaches a new reader to an existing run.
func (s *Service) Reconnect(ctx context.Context, runID string, startIndex int) (registry.Stream, error) {
	handle, err := s.dispatcher.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return handle.Readable(ctx, startIndex)
}

// GetRun returns the run record.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return s.dispatcher.Registry().Get(ctx, runID)
}

// ResumeUnfinished restarts runs whose assistant message never reached a
// terminal status, typically after the process restarted. It returns the
// number of runs resumed.
func (s *Service) ResumeUnfinished(ctx context.Context) (int, error) {
	messages, err := s.store.ListUnfinishedAssistantMessages(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, msg := range messages {
		// A terminal run whose message is unfinished lost its persist step.
		run, err := s.dispatcher.Registry().Get(ctx, msg.RunID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return resumed, err
		}
		if run != nil && run.Status.IsTerminal() {
			log.Printf("WARN: run %s is already %s, closing message %s", msg.RunID, run.Status, msg.ID)
			s.failMessage(ctx, msg.ID)
			continue
		}

		if _, err := s.dispatcher.Resume(ctx, s.pipeline, msg.RunID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				log.Printf("WARN: run %s of message %s cannot be resumed: %v", msg.RunID, msg.ID, err)
				s.failMessage(ctx, msg.ID)
				continue
			}
			return resumed, fmt.Errorf("resume run %s: %w", msg.RunID, err)
		}
		resumed++
	}
	return resumed, nil
}

func (s *Service) loadHistory(ctx context.Context, st *workflow.State) (any, error) {
	var args chatArgs
	if err := st.Args(&args); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, args.ChatSessionID)
	if err != nil {
		return nil, err
	}

	out := historyOutput{History: []domain.Message{}, AssistantMessageID: args.AssistantMessageID}
	for _, m := range messages {
		if out.AssistantMessageID == "" && m.Role == domain.RoleAssistant && m.RunID == st.RunID() {
			out.AssistantMessageID = m.ID
		}
		// Pending and failed turns never reach the prompt.
		if m.Status == domain.MessageStatusCompleted {
			out.History = append(out.History, *m)
		}
	}
	return out, nil
}

func (s *Service) resolveCapabilities(ctx context.Context, st *workflow.State) (any, error) {
	var args chatArgs
	if err := st.Args(&args); err != nil {
		return nil, err
	}
	out := capabilitiesOutput{Tools: []string{}}
	if s.drive == nil {
		return out, nil
	}

	in, err := s.store.GetIntegration(ctx, args.UserID, args.WorkspaceID, domain.ProviderGoogleDrive)
	if err != nil {
		return nil, err
	}
	if in == nil || in.Status != domain.IntegrationStatusActive {
		return out, nil
	}
	out.DriveIntegrationID = in.ID
	out.Tools = tools.DriveTools(nil).Names()
	return out, nil
}

// capabilities rebuilds the tool set decided by resolve_capabilities.
func (s *Service) capabilities(ctx context.Context, args chatArgs, decided capabilitiesOutput) (*tools.Set, error) {
	if decided.DriveIntegrationID == "" || s.drive == nil {
		return tools.Empty(), nil
	}
	in, err := s.store.GetIntegration(ctx, args.UserID, args.WorkspaceID, domain.ProviderGoogleDrive)
	if err != nil {
		return nil, err
	}
	if in == nil || in.ID != decided.DriveIntegrationID {
		log.Printf("WARN: integration %s disappeared during run", decided.DriveIntegrationID)
		return tools.Empty(), nil
	}

	api, err := s.drive(ctx, in.RefreshToken)
	if err != nil {
		return nil, err
	}
	set := tools.DriveTools(api).Wrap(s.watchCredentials(in.ID))
	if s.policy != nil {
		set = tools.Guard(set, s.policy, tools.Subject{UserID: args.UserID, WorkspaceID: args.WorkspaceID})
	}
	return tools.Instrument(set, s.metrics), nil
}

// watchCredentials flags the integration when Drive rejects its token so
// later runs stop offering the tools.
func (s *Service) watchCredentials(integrationID string) func(tools.Tool, tools.ExecutorFunc) tools.ExecutorFunc {
	return func(t tools.Tool, next tools.ExecutorFunc) tools.ExecutorFunc {
		return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			out, err := next(ctx, args)
			if err != nil && drive.IsAuthError(err) {
				log.Printf("WARN: integration %s credentials rejected: %v", integrationID, err)
				if uerr := s.store.UpdateIntegrationStatus(context.WithoutCancel(ctx), integrationID, domain.IntegrationStatusError); uerr != nil {
					log.Printf("ERROR: %v", uerr)
				}
			}
			return out, err
		}
	}
}

func (s *Service) invokeAgent(ctx context.Context, st *workflow.State) (any, error) {
	var args chatArgs
	if err := st.Args(&args); err != nil {
		return nil, err
	}
	var hist historyOutput
	if err := st.Output(stepLoadHistory, &hist); err != nil {
		return nil, err
	}
	var decided capabilitiesOutput
	if err := st.Output(stepResolveCapabilities, &decided); err != nil {
		return nil, err
	}

	if st.Resumed() {
		interrupted, err := s.interrupted(ctx, st)
		if err != nil {
			return nil, err
		}
		if interrupted {
			return agentOutput{Parts: []domain.Part{}, Failed: true, Error: MsgRunInterrupted}, nil
		}
	}

	if hist.AssistantMessageID != "" {
		if err := s.store.MarkStreaming(ctx, hist.AssistantMessageID); err != nil {
			log.Printf("WARN: %v", err)
		}
	}

	set, err := s.capabilities(ctx, args, decided)
	if err != nil {
		return nil, err
	}

	res, err := s.agent.Run(ctx, hist.History, set, st.Emit)
	var aerr *agent.Error
	if errors.As(err, &aerr) {
		return agentOutput{Parts: aerr.Parts, Failed: true, Error: aerr.Message}, nil
	}
	if err != nil {
		return nil, err
	}
	return agentOutput{ID: res.ID, Parts: res.Parts}, nil
}

// interrupted reports whether a previous process already streamed part of
// this run. The agent is not re-executed in that case; the run fails and an
// error event is appended unless the log already ends in one.
func (s *Service) interrupted(ctx context.Context, st *workflow.State) (bool, error) {
	n, err := st.EventCount(ctx)
	if err != nil || n == 0 {
		return false, err
	}
	stream, err := s.dispatcher.Registry().Readable(ctx, st.RunID(), n-1)
	if err != nil {
		return false, err
	}
	last, err := stream.Next(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	if _, ok := last.(domain.ErrorEvent); !ok {
		if err := st.Emit(ctx, domain.ErrorEvent{Message: MsgRunInterrupted}); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Service) persistOutcome(ctx context.Context, st *workflow.State) (any, error) {
	var hist historyOutput
	if err := st.Output(stepLoadHistory, &hist); err != nil {
		return nil, err
	}
	var res agentOutput
	if err := st.Output(stepInvokeAgent, &res); err != nil {
		return nil, err
	}

	if res.Failed {
		if hist.AssistantMessageID != "" {
			if _, err := s.store.FailAssistantMessage(ctx, hist.AssistantMessageID); err != nil {
				return nil, err
			}
		}
		return persistOutput{Failed: true, Error: res.Error}, nil
	}

	if hist.AssistantMessageID == "" {
		return persistOutput{MessageID: res.ID}, nil
	}
	ok, err := s.store.CompleteAssistantMessage(ctx, hist.AssistantMessageID, res.Parts)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Printf("WARN: message %s was already terminal, run %s result not stored", hist.AssistantMessageID, st.RunID())
	}
	return persistOutput{MessageID: hist.AssistantMessageID}, nil
}

func chatOutcome(st *workflow.State) (domain.RunResult, error) {
	var out persistOutput
	if err := st.Output(stepPersistOutcome, &out); err != nil {
		return domain.RunResult{}, err
	}
	if out.Failed {
		return domain.RunResult{Success: false, Error: out.Error}, nil
	}
	return domain.RunResult{MessageID: out.MessageID, Success: true}, nil
}

func (s *Service) onRunFailure(ctx context.Context, st *workflow.State, step string, err error) {
	var args chatArgs
	if aerr := st.Args(&args); aerr != nil || args.AssistantMessageID == "" {
		return
	}
	s.failMessage(ctx, args.AssistantMessageID)
}

func (s *Service) failMessage(ctx context.Context, id string) {
	if _, err := s.store.FailAssistantMessage(ctx, id); err != nil {
		log.Printf("ERROR: failed to mark message %s failed: %v", id, err)
	}
}
