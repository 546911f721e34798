// Package repository persists chat sessions, messages, integrations and
// workflow step checkpoints in SQLite.
package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jorgeraad/leafai/internal/secret"
)

// SQLiteStore is the relational store behind the chat service.
type SQLiteStore struct {
	db  *sql.DB
	box *secret.Box
}

// NewSQLiteStore opens dsn and runs migrations. box encrypts integration
// refresh tokens; without it integrations cannot be stored.
func NewSQLiteStore(dsn string, box *secret.Box) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", WithConnParams(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if isMemoryDSN(dsn) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db, box: box}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// connParams are applied by the driver to every pooled connection.
// _txlock=immediate takes the write lock at BEGIN so that a read-then-write
// transaction waits on busy_timeout instead of failing its lock upgrade.
var connParams = [][2]string{
	{"_foreign_keys", "on"},
	{"_busy_timeout", "5000"},
	{"_txlock", "immediate"},
}

// WithConnParams adds the connection settings the store relies on to dsn,
// keeping any value the caller already set. File databases also get WAL.
func WithConnParams(dsn string) string {
	params := connParams
	if !isMemoryDSN(dsn) {
		params = append(params, [2]string{"_journal_mode", "WAL"})
		if strings.Contains(dsn, "cache=shared") {
			log.Printf("WARN: DATABASE_URL uses cache=shared; concurrent run readers may fail with SQLITE_LOCKED")
		}
	}

	query := ""
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		query = dsn[i+1:]
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range params {
		if hasParam(query, p[0]) {
			continue
		}
		dsn += sep + p[0] + "=" + p[1]
		sep = "&"
	}
	return dsn
}

func hasParam(query, key string) bool {
	for _, kv := range strings.Split(query, "&") {
		if k, _, _ := strings.Cut(kv, "="); k == key {
			return true
		}
	}
	return false
}

func isMemoryDSN(dsn string) bool {
	return strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// DB exposes the handle so the durable run registry can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			title TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_workspace ON chat_sessions(workspace_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			sender_id TEXT,
			parts TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			run_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (chat_session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(chat_session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id)`,
		`CREATE TABLE IF NOT EXISTS integrations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			status TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			account_email TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, workspace_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			run_id TEXT NOT NULL,
			step TEXT NOT NULL,
			pipeline TEXT NOT NULL,
			output TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, step)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
