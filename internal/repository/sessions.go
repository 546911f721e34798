package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jorgeraad/leafai/internal/domain"
)

// CreateChatSession inserts a chat session.
func (s *SQLiteStore) CreateChatSession(ctx context.Context, cs *domain.ChatSession) error {
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = time.Now()
	}
	cs.CreatedAt = cs.CreatedAt.UTC()
	if cs.UpdatedAt.IsZero() {
		cs.UpdatedAt = cs.CreatedAt
	}
	cs.UpdatedAt = cs.UpdatedAt.UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, workspace_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, cs.ID, cs.WorkspaceID, nullString(cs.Title), cs.CreatedAt, cs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create chat session: %w", err)
	}
	return nil
}

// GetChatSession returns the session, or nil if it does not exist.
func (s *SQLiteStore) GetChatSession(ctx context.Context, id string) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, title, created_at, updated_at
		FROM chat_sessions WHERE id = ?
	`, id)
	cs, err := scanChatSession(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat session: %w", err)
	}
	return cs, nil
}

// ListChatSessions returns a workspace's sessions, most recently active first.
func (s *SQLiteStore) ListChatSessions(ctx context.Context, workspaceID string) ([]*domain.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, title, created_at, updated_at
		FROM chat_sessions WHERE workspace_id = ?
		ORDER BY updated_at DESC, rowid DESC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.ChatSession
	for rows.Next() {
		cs, err := scanChatSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat session: %w", err)
		}
		sessions = append(sessions, cs)
	}
	return sessions, rows.Err()
}

// UpdateChatSessionTitle sets the title and bumps updated_at.
func (s *SQLiteStore) UpdateChatSessionTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET title = ?, updated_at = ? WHERE id = ?
	`, title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update chat session title: %w", err)
	}
	return nil
}

// TouchChatSession bumps updated_at.
func (s *SQLiteStore) TouchChatSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch chat session: %w", err)
	}
	return nil
}

// DeleteChatSession removes a session and its messages.
func (s *SQLiteStore) DeleteChatSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete chat session: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanChatSession(row scanner) (*domain.ChatSession, error) {
	var cs domain.ChatSession
	var title sql.NullString
	if err := row.Scan(&cs.ID, &cs.WorkspaceID, &title, &cs.CreatedAt, &cs.UpdatedAt); err != nil {
		return nil, err
	}
	cs.Title = title.String
	return &cs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
