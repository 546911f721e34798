// Package service implements the chat use cases on top of the workflow
// dispatcher and the relational store.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/jorgeraad/leafai/internal/adapter/drive"
	"github.com/jorgeraad/leafai/internal/adapter/llm"
	"github.com/jorgeraad/leafai/internal/agent"
	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/metrics"
	"github.com/jorgeraad/leafai/internal/tools"
	"github.com/jorgeraad/leafai/internal/workflow"
)

// Store is the persistence the service needs.
type Store interface {
	CreateChatSession(ctx context.Context, cs *domain.ChatSession) error
	GetChatSession(ctx context.Context, id string) (*domain.ChatSession, error)
	ListChatSessions(ctx context.Context, workspaceID string) ([]*domain.ChatSession, error)
	UpdateChatSessionTitle(ctx context.Context, id, title string) error
	TouchChatSession(ctx context.Context, id string) error
	DeleteChatSession(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	GetMessageByRunID(ctx context.Context, runID string) (*domain.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error)
	ListUnfinishedAssistantMessages(ctx context.Context) ([]*domain.Message, error)
	MarkStreaming(ctx context.Context, id string) error
	CompleteAssistantMessage(ctx context.Context, id string, parts []domain.Part) (bool, error)
	FailAssistantMessage(ctx context.Context, id string) (bool, error)

	UpsertIntegration(ctx context.Context, in *domain.Integration) error
	GetIntegration(ctx context.Context, userID, workspaceID string, provider domain.IntegrationProvider) (*domain.Integration, error)
	ListIntegrations(ctx context.Context, userID, workspaceID string) ([]*domain.Integration, error)
	UpdateIntegrationStatus(ctx context.Context, id string, status domain.IntegrationStatus) error
	DeleteIntegration(ctx context.Context, userID, workspaceID string, provider domain.IntegrationProvider) (bool, error)
}

// DriveFactory builds a Drive client for a stored refresh token.
type DriveFactory func(ctx context.Context, refreshToken string) (drive.API, error)

// Revoker invalidates a refresh token at the provider.
type Revoker func(ctx context.Context, refreshToken string) error

// Options wires a Service.
type Options struct {
	Store      Store
	Dispatcher *workflow.Dispatcher
	Agent      *agent.Loop
	LLM        llm.LLMClient
	Model      string
	Policy     tools.Authorizer
	Metrics    *metrics.Metrics
	Drive      DriveFactory
	Revoke     Revoker
	// StepRetries applies to the idempotent pipeline steps.
	StepRetries  int
	TitleTimeout time.Duration
}

// Service is the chat application service.
type Service struct {
	store        Store
	dispatcher   *workflow.Dispatcher
	agent        *agent.Loop
	llm          llm.LLMClient
	model        string
	policy       tools.Authorizer
	metrics      *metrics.Metrics
	drive        DriveFactory
	revoke       Revoker
	titleTimeout time.Duration

	pipeline *workflow.Pipeline
	bg       sync.WaitGroup
}

// New creates the service and its chat pipeline.
func New(opts Options) *Service {
	s := &Service{
		store:        opts.Store,
		dispatcher:   opts.Dispatcher,
		agent:        opts.Agent,
		llm:          opts.LLM,
		model:        opts.Model,
		policy:       opts.Policy,
		metrics:      opts.Metrics,
		drive:        opts.Drive,
		revoke:       opts.Revoke,
		titleTimeout: opts.TitleTimeout,
	}
	if s.titleTimeout <= 0 {
		s.titleTimeout = 10 * time.Minute
	}
	s.pipeline = s.chatPipeline(opts.StepRetries)
	return s
}

// Wait blocks until background work such as title generation has finished.
func (s *Service) Wait() {
	s.bg.Wait()
}
