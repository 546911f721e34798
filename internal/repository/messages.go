package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jorgeraad/leafai/internal/domain"
)

const messageColumns = `id, chat_session_id, role, sender_id, parts, status, run_id, created_at`

// CreateMessage inserts a chat message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	// Stored as text; a single zone keeps ORDER BY chronological.
	msg.CreatedAt = msg.CreatedAt.UTC()
	if msg.Parts == nil {
		msg.Parts = []domain.Part{}
	}
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("failed to encode parts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChatSessionID, msg.Role, nullString(msg.SenderID), string(parts), msg.Status, nullString(msg.RunID), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// GetMessage returns the message, or nil if it does not exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// GetMessageByRunID returns the assistant message filled by runID, or nil.
func (s *SQLiteStore) GetMessageByRunID(ctx context.Context, runID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE run_id = ? AND role = ?
	`, runID, domain.RoleAssistant)
	msg, err := scanMessage(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by run: %w", err)
	}
	return msg, nil
}

// ListMessages returns a session's messages in conversation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_session_id = ?
		ORDER BY created_at, rowid
	`, sessionID)
}

// ListUnfinishedAssistantMessages returns assistant messages whose run never
// reached a terminal write.
func (s *SQLiteStore) ListUnfinishedAssistantMessages(ctx context.Context) ([]*domain.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE role = ? AND status IN (?, ?) AND run_id IS NOT NULL
		ORDER BY created_at, rowid
	`, domain.RoleAssistant, domain.MessageStatusPending, domain.MessageStatusStreaming)
}

// MarkStreaming moves a pending message to streaming.
func (s *SQLiteStore) MarkStreaming(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ? WHERE id = ? AND status = ?
	`, domain.MessageStatusStreaming, id, domain.MessageStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark message streaming: %w", err)
	}
	return nil
}

// CompleteAssistantMessage stores the final parts. It reports false when the
// message was already terminal, in which case nothing is written.
func (s *SQLiteStore) CompleteAssistantMessage(ctx context.Context, id string, parts []domain.Part) (bool, error) {
	return s.finishMessage(ctx, id, domain.MessageStatusCompleted, parts)
}

// FailAssistantMessage marks the message as errored. Partial output is
// discarded. It reports false when the message was already terminal.
func (s *SQLiteStore) FailAssistantMessage(ctx context.Context, id string) (bool, error) {
	return s.finishMessage(ctx, id, domain.MessageStatusError, nil)
}

func (s *SQLiteStore) finishMessage(ctx context.Context, id string, status domain.MessageStatus, parts []domain.Part) (bool, error) {
	if parts == nil {
		parts = []domain.Part{}
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return false, fmt.Errorf("failed to encode parts: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, parts = ?
		WHERE id = ? AND status IN (?, ?)
	`, status, string(data), id, domain.MessageStatusPending, domain.MessageStatusStreaming)
	if err != nil {
		return false, fmt.Errorf("failed to finish message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(row scanner) (*domain.Message, error) {
	var msg domain.Message
	var senderID, runID sql.NullString
	var parts string
	if err := row.Scan(&msg.ID, &msg.ChatSessionID, &msg.Role, &senderID, &parts, &msg.Status, &runID, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.SenderID = senderID.String
	msg.RunID = runID.String
	if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
		return nil, fmt.Errorf("message %s has corrupt parts: %w", msg.ID, err)
	}
	if msg.Parts == nil {
		msg.Parts = []domain.Part{}
	}
	return &msg, nil
}
