package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jorgeraad/leafai/internal/domain"
)

const sqliteBatchSize = 256

// SQLite is a Registry backed by the application database. Readers in the
// same process are woken immediately; writers in other processes are picked
// up by polling.
type SQLite struct {
	db           *sql.DB
	pollInterval time.Duration
	notify       *notifier
}

// NewSQLite creates the registry tables on db if needed.
func NewSQLite(db *sql.DB, pollInterval time.Duration) (*SQLite, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	r := &SQLite{db: db, pollInterval: pollInterval, notify: newNotifier()}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate run registry: %w", err)
	}
	return r, nil
}

func (r *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			result TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, idx),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
	}
	for _, m := range migrations {
		if _, err := r.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func (r *SQLite) Create(ctx context.Context, runID string) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (run_id, status, created_at) VALUES (?, ?, ?)`,
		runID, domain.RunStatusRunning, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	return nil
}

func (r *SQLite) Append(ctx context.Context, runID string, ev domain.Event) (int, error) {
	payload, err := domain.MarshalEvent(ev)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var status domain.RunStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	if status.IsTerminal() {
		return 0, fmt.Errorf("append to %s: %w", runID, domain.ErrRunTerminal)
	}

	var idx int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM run_events WHERE run_id = ?`, runID).Scan(&idx); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, idx, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, idx, ev.Type(), string(payload), time.Now().UTC()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	r.notify.notify(runID)
	return idx, nil
}

func (r *SQLite) Complete(ctx context.Context, runID string, result domain.RunResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, result = ?, ended_at = ? WHERE run_id = ? AND status = ?`,
		result.Status(), string(data), time.Now().UTC(), runID, domain.RunStatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.Get(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("complete %s: %w", runID, domain.ErrRunTerminal)
	}
	r.notify.notify(runID)
	return nil
}

func (r *SQLite) Readable(ctx context.Context, runID string, startIndex int) (Stream, error) {
	if _, err := r.Get(ctx, runID); err != nil {
		return nil, err
	}
	return &sqliteStream{r: r, runID: runID, next: clampIndex(startIndex)}, nil
}

func (r *SQLite) Result(ctx context.Context, runID string) (*domain.RunResult, error) {
	run, err := r.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Result, nil
}

func (r *SQLite) Wait(ctx context.Context, runID string) (domain.RunResult, error) {
	return pollResult(ctx, r.pollInterval,
		func() <-chan struct{} { return r.notify.watch(runID) },
		func() (*domain.RunResult, error) { return r.Result(ctx, runID) })
}

func (r *SQLite) Length(ctx context.Context, runID string) (int, error) {
	if _, err := r.Get(ctx, runID); err != nil {
		return 0, err
	}
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_events WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

func (r *SQLite) Get(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	var result sql.NullString
	var endedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT run_id, status, result, created_at, ended_at FROM runs WHERE run_id = ?`, runID).
		Scan(&run.ID, &run.Status, &result, &run.CreatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if result.Valid && result.String != "" {
		var res domain.RunResult
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", runID, err)
		}
		run.Result = &res
	}
	return &run, nil
}

func (r *SQLite) status(ctx context.Context, runID string) (domain.RunStatus, error) {
	var status domain.RunStatus
	err := r.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return status, err
}

func (r *SQLite) events(ctx context.Context, runID string, from int) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM run_events WHERE run_id = ? AND idx >= ? ORDER BY idx ASC LIMIT ?`,
		runID, from, sqliteBatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		ev, err := domain.UnmarshalEvent([]byte(payload))
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type sqliteStream struct {
	r     *SQLite
	runID string
	next  int
	buf   []domain.Event
}

func (s *sqliteStream) Next(ctx context.Context) (domain.Event, error) {
	ticker := time.NewTicker(s.r.pollInterval)
	defer ticker.Stop()

	for {
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			s.next++
			return ev, nil
		}

		wake := s.r.notify.watch(s.runID)
		// Status is read before the log so that a terminal status
		// guarantees the log read below is complete.
		status, err := s.r.status(ctx, s.runID)
		if err != nil {
			return nil, err
		}
		events, err := s.r.events(ctx, s.runID, s.next)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			s.buf = events
			continue
		}
		if status.IsTerminal() {
			return nil, io.EOF
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}
