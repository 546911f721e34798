package repository

import (
	"context"
	"encoding/json"
	"fmt"
)

// SaveStep records a workflow step output. Re-saving a step overwrites it.
func (s *SQLiteStore) SaveStep(ctx context.Context, runID, pipeline, step string, output json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_steps (run_id, step, pipeline, output)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, step) DO UPDATE SET output = excluded.output
	`, runID, step, pipeline, string(output))
	if err != nil {
		return fmt.Errorf("failed to save step %s of %s: %w", step, runID, err)
	}
	return nil
}

// LoadSteps returns every saved step output of runID.
func (s *SQLiteStore) LoadSteps(ctx context.Context, runID string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT step, output FROM run_steps WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps of %s: %w", runID, err)
	}
	defer rows.Close()

	steps := make(map[string]json.RawMessage)
	for rows.Next() {
		var step, output string
		if err := rows.Scan(&step, &output); err != nil {
			return nil, err
		}
		steps[step] = json.RawMessage(output)
	}
	return steps, rows.Err()
}
