// Package history persists one row per finalized task for auditing and
// later inspection.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Entry is a finalized task record.
type Entry struct {
	TaskID      string
	Source      string
	Prompt      string
	Success     bool
	Output      string
	PRURL       string
	Error       string
	SessionID   string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Store writes task history to SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New opens (or creates) the history database and runs migrations.
func New(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging history db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating history db: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			task_id      TEXT PRIMARY KEY,
			source       TEXT NOT NULL,
			prompt       TEXT NOT NULL,
			success      INTEGER NOT NULL,
			output       TEXT NOT NULL DEFAULT '',
			pr_url       TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			session_id   TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_completed
			ON task_history(completed_at DESC);
	`)
	return err
}

// Record inserts a finalized task. Re-recording the same task ID replaces
// the earlier row.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO task_history
			(task_id, source, prompt, success, output, pr_url, error, session_id, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.Source, e.Prompt, boolToInt(e.Success),
		e.Output, e.PRURL, e.Error, e.SessionID,
		e.CreatedAt.UTC(), e.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording task %s: %w", e.TaskID, err)
	}
	return nil
}

// Recent returns the most recently completed entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, source, prompt, success, output, pr_url, error, session_id, created_at, completed_at
		FROM task_history
		ORDER BY completed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var success int
		if err := rows.Scan(&e.TaskID, &e.Source, &e.Prompt, &success,
			&e.Output, &e.PRURL, &e.Error, &e.SessionID,
			&e.CreatedAt, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.Success = success != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
