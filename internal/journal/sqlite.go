// ABOUTME: SQLite implementation of Journal using modernc.org/sqlite.
// ABOUTME: Creates the executions table on open and keeps newest entries first on read.

package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so timestamps sort correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

var _ Journal = (*SQLiteJournal)(nil)

// SQLiteJournal implements Journal on a local SQLite file.
type SQLiteJournal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the journal at path, creating parent directories.
func Open(path string, logger *slog.Logger) (*SQLiteJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	j := &SQLiteJournal{db: db, logger: logger}
	if err := j.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("journal opened", "path", path)
	return j, nil
}

func (j *SQLiteJournal) createSchema() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			action TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_finished ON executions(finished_at);
		CREATE INDEX IF NOT EXISTS idx_executions_job ON executions(job_id);
	`)
	return err
}

// Record inserts e, assigning an ID when it has none.
func (j *SQLiteJournal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO executions (id, job_id, action, mode, status, detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.JobID,
		e.Action,
		e.Mode,
		e.Status,
		e.Detail,
		e.StartedAt.UTC().Format(timeFormat),
		e.FinishedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("recording execution of job %s: %w", e.JobID, err)
	}

	j.logger.Debug("recorded execution", "job_id", e.JobID, "status", e.Status)
	return nil
}

// Recent returns up to limit entries, most recently finished first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, job_id, action, mode, status, detail, started_at, finished_at
		FROM executions
		ORDER BY finished_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var startedStr, finishedStr string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Action, &e.Mode, &e.Status, &e.Detail, &startedStr, &finishedStr); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}

		if e.StartedAt, err = time.Parse(time.RFC3339Nano, startedStr); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if e.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedStr); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
