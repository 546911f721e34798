package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jorgeraad/leafai/internal/domain"
)

// ErrNoEncryptionKey is returned when integrations are used without a key.
var ErrNoEncryptionKey = errors.New("repository: token encryption key not configured")

const integrationColumns = `id, user_id, workspace_id, provider, status, account_email, refresh_token, created_at, updated_at`

// UpsertIntegration stores an integration keyed by (user, workspace,
// provider). The refresh token is encrypted before it reaches the table.
func (s *SQLiteStore) UpsertIntegration(ctx context.Context, in *domain.Integration) error {
	if s.box == nil {
		return ErrNoEncryptionKey
	}
	sealed, err := s.box.Seal(in.RefreshToken)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integrations (`+integrationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, workspace_id, provider) DO UPDATE SET
			status = excluded.status,
			account_email = excluded.account_email,
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at
	`, in.ID, in.UserID, in.WorkspaceID, in.Provider, in.Status, nullString(in.AccountEmail), sealed, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert integration: %w", err)
	}
	return nil
}

// GetIntegration returns the decrypted integration, or nil if none exists.
func (s *SQLiteStore) GetIntegration(ctx context.Context, userID, workspaceID string, provider domain.IntegrationProvider) (*domain.Integration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+integrationColumns+` FROM integrations
		WHERE user_id = ? AND workspace_id = ? AND provider = ?
	`, userID, workspaceID, provider)
	in, err := s.scanIntegration(row, true)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return in, nil
}

// ListIntegrations returns a user's integrations in a workspace without
// their tokens.
func (s *SQLiteStore) ListIntegrations(ctx context.Context, userID, workspaceID string) ([]*domain.Integration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+integrationColumns+` FROM integrations
		WHERE user_id = ? AND workspace_id = ?
		ORDER BY provider
	`, userID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Integration
	for rows.Next() {
		in, err := s.scanIntegration(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// UpdateIntegrationStatus changes the status, e.g. to error after the
// provider rejects the refresh token.
func (s *SQLiteStore) UpdateIntegrationStatus(ctx context.Context, id string, status domain.IntegrationStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE integrations SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update integration status: %w", err)
	}
	return nil
}

// DeleteIntegration removes the integration. It reports whether a row existed.
func (s *SQLiteStore) DeleteIntegration(ctx context.Context, userID, workspaceID string, provider domain.IntegrationProvider) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM integrations WHERE user_id = ? AND workspace_id = ? AND provider = ?
	`, userID, workspaceID, provider)
	if err != nil {
		return false, fmt.Errorf("failed to delete integration: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) scanIntegration(row scanner, decrypt bool) (*domain.Integration, error) {
	var in domain.Integration
	var email sql.NullString
	var sealed string
	if err := row.Scan(&in.ID, &in.UserID, &in.WorkspaceID, &in.Provider, &in.Status, &email, &sealed, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	in.AccountEmail = email.String
	if decrypt {
		if s.box == nil {
			return nil, ErrNoEncryptionKey
		}
		token, err := s.box.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("integration %s: %w", in.ID, err)
		}
		in.RefreshToken = token
	}
	return &in, nil
}
