package service

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/jorgeraad/leafai/internal/auth"
	"github.com/jorgeraad/leafai/internal/domain"
)

// CreateChatSession starts an empty conversation in a workspace.
func (s *Service) CreateChatSession(ctx context.Context, workspaceID, title string) (*domain.ChatSession, error) {
	if _, err := auth.RequirePrincipal(ctx); err != nil {
		return nil, err
	}
	if workspaceID == "" {
		return nil, fmt.Errorf("%w: workspace id is required", domain.ErrInvalidArgument)
	}
	cs := &domain.ChatSession{
		ID:          domain.NewID("cs"),
		WorkspaceID: workspaceID,
		Title:       strings.TrimSpace(title),
	}
	if err := s.store.CreateChatSession(ctx, cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// ListChatSessions lists a workspace's conversations.
func (s *Service) ListChatSessions(ctx context.Context, workspaceID string) ([]*domain.ChatSession, error) {
	if _, err := auth.RequirePrincipal(ctx); err != nil {
		return nil, err
	}
	sessions, err := s.store.ListChatSessions(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []*domain.ChatSession{}
	}
	return sessions, nil
}

// ListMessages returns a conversation's messages in order.
func (s *Service) ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	if _, err := auth.RequirePrincipal(ctx); err != nil {
		return nil, err
	}
	if _, err := s.session(ctx, sessionID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	return messages, nil
}

// DeleteChatSession removes a conversation.
func (s *Service) DeleteChatSession(ctx context.Context, sessionID string) error {
	if _, err := auth.RequirePrincipal(ctx); err != nil {
		return err
	}
	if _, err := s.session(ctx, sessionID); err != nil {
		return err
	}
	return s.store.DeleteChatSession(ctx, sessionID)
}

func (s *Service) session(ctx context.Context, id string) (*domain.ChatSession, error) {
	cs, err := s.store.GetChatSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		return nil, fmt.Errorf("chat session %s: %w", id, domain.ErrNotFound)
	}
	return cs, nil
}

// ConnectIntegrationRequest carries a refresh token obtained by the
// provider's OAuth flow.
type ConnectIntegrationRequest struct {
	RefreshToken string `json:"refresh_token"`
	AccountEmail string `json:"account_email"`
}

// ConnectIntegration stores or replaces the caller's integration.
func (s *Service) ConnectIntegration(ctx context.Context, workspaceID string, provider domain.IntegrationProvider, req ConnectIntegrationRequest) (*domain.Integration, error) {
	p, err := auth.RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkProvider(provider); err != nil {
		return nil, err
	}
	if workspaceID == "" || strings.TrimSpace(req.RefreshToken) == "" {
		return nil, fmt.Errorf("%w: workspace id and refresh_token are required", domain.ErrInvalidArgument)
	}

	in := &domain.Integration{
		ID:           domain.NewID("int"),
		UserID:       p.UserID,
		WorkspaceID:  workspaceID,
		Provider:     provider,
		Status:       domain.IntegrationStatusActive,
		AccountEmail: req.AccountEmail,
		RefreshToken: req.RefreshToken,
	}
	if err := s.store.UpsertIntegration(ctx, in); err != nil {
		return nil, err
	}
	stored, err := s.store.GetIntegration(ctx, p.UserID, workspaceID, provider)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("integration %s: %w", provider, domain.ErrNotFound)
	}
	return stored, nil
}

// ListIntegrations returns the caller's integrations in a workspace.
func (s *Service) ListIntegrations(ctx context.Context, workspaceID string) ([]*domain.Integration, error) {
	p, err := auth.RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.store.ListIntegrations(ctx, p.UserID, workspaceID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*domain.Integration{}
	}
	return list, nil
}

// DisconnectIntegration revokes the refresh token and deletes the
// integration. A failed revocation does not block deletion.
func (s *Service) DisconnectIntegration(ctx context.Context, workspaceID string, provider domain.IntegrationProvider) error {
	p, err := auth.RequirePrincipal(ctx)
	if err != nil {
		return err
	}
	if err := checkProvider(provider); err != nil {
		return err
	}
	in, err := s.store.GetIntegration(ctx, p.UserID, workspaceID, provider)
	if err != nil {
		return err
	}
	if in == nil {
		return fmt.Errorf("integration %s: %w", provider, domain.ErrNotFound)
	}
	if s.revoke != nil {
		if err := s.revoke(ctx, in.RefreshToken); err != nil {
			log.Printf("WARN: failed to revoke token of integration %s: %v", in.ID, err)
		}
	}
	_, err = s.store.DeleteIntegration(ctx, p.UserID, workspaceID, provider)
	return err
}

func checkProvider(provider domain.IntegrationProvider) error {
	if provider != domain.ProviderGoogleDrive {
		return fmt.Errorf("%w: unsupported provider %q", domain.ErrInvalidArgument, provider)
	}
	return nil
}
