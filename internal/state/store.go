// Package state keeps a local history of import runs in SQLite.
//
// Each run records its counts, the entries that failed and, for an
// interrupted run, the first entry that was not processed so a later import
// of the same archive can resume there.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS import_runs (
    run_id      TEXT    PRIMARY KEY,
    archive     TEXT    NOT NULL,
    backend     TEXT    NOT NULL,
    started_at  TEXT    NOT NULL,
    finished_at TEXT    NOT NULL DEFAULT '',
    dry_run     INTEGER NOT NULL DEFAULT 0,
    created     INTEGER NOT NULL DEFAULT 0,
    updated     INTEGER NOT NULL DEFAULT 0,
    skipped     INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    cancelled   INTEGER NOT NULL DEFAULT 0,
    cutoff_id   TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_archive ON import_runs (archive, backend, started_at);

CREATE TABLE IF NOT EXISTS run_failures (
    run_id   TEXT NOT NULL REFERENCES import_runs (run_id) ON DELETE CASCADE,
    entry_id TEXT NOT NULL,
    kind     TEXT NOT NULL,
    message  TEXT NOT NULL
);
`

// Run is one recorded import run.
type Run struct {
	ID         string
	Archive    string
	Backend    string
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool

	Created int
	Updated int
	Skipped int
	Failed  int

	Cancelled bool
	CutoffID  string

	Failures []Failure
}

// Failure is one entry that could not be imported.
type Failure struct {
	EntryID string
	Kind    string
	Message string
}

// Store is the SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the history database:
// ~/.local/share/journalrelay/runs.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "journalrelay", "runs.db"), nil
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun stores a finished run and its failures. Recording the same run
// ID twice replaces the earlier record.
func (s *Store) RecordRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		return errors.New("recording run: empty run id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", r.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM import_runs WHERE run_id = ?`, r.ID); err != nil {
		return fmt.Errorf("recording run %s: %w", r.ID, err)
	}
	const q = `
		INSERT INTO import_runs
		    (run_id, archive, backend, started_at, finished_at, dry_run,
		     created, updated, skipped, failed, cancelled, cutoff_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		r.ID, r.Archive, r.Backend,
		formatTime(r.StartedAt), formatTime(r.FinishedAt), r.DryRun,
		r.Created, r.Updated, r.Skipped, r.Failed,
		r.Cancelled, r.CutoffID,
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", r.ID, err)
	}
	for _, f := range r.Failures {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_failures (run_id, entry_id, kind, message) VALUES (?, ?, ?, ?)`,
			r.ID, f.EntryID, f.Kind, f.Message)
		if err != nil {
			return fmt.Errorf("recording failure of %s in run %s: %w", f.EntryID, r.ID, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit runs, newest first, without their failures.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Run, error) {
	const q = `
		SELECT run_id, archive, backend, started_at, finished_at, dry_run,
		       created, updated, skipped, failed, cancelled, cutoff_id
		FROM import_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns the run with its failures, or (nil, nil) if unknown.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	const q = `
		SELECT run_id, archive, backend, started_at, finished_at, dry_run,
		       created, updated, skipped, failed, cancelled, cutoff_id
		FROM import_runs WHERE run_id = ?`
	r, err := scanRun(s.db.QueryRowContext(ctx, q, id))
	if err != nil || r == nil {
		return r, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, kind, message FROM run_failures WHERE run_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("querying failures of run %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.EntryID, &f.Kind, &f.Message); err != nil {
			return nil, fmt.Errorf("scanning failure row: %w", err)
		}
		r.Failures = append(r.Failures, f)
	}
	return r, rows.Err()
}

// ResumePoint returns the cutoff entry of the latest non-dry run of archive
// against backend, or "" when that run completed.
func (s *Store) ResumePoint(ctx context.Context, archive, backend string) (string, error) {
	const q = `
		SELECT cancelled, cutoff_id FROM import_runs
		WHERE archive = ? AND backend = ? AND dry_run = 0
		ORDER BY started_at DESC, rowid DESC LIMIT 1`
	var cancelled bool
	var cutoff string
	err := s.db.QueryRowContext(ctx, q, archive, backend).Scan(&cancelled, &cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up resume point for %s: %w", archive, err)
	}
	if !cancelled {
		return "", nil
	}
	return cutoff, nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanRun can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var started, finished string

	err := s.Scan(
		&r.ID, &r.Archive, &r.Backend,
		&started, &finished, &r.DryRun,
		&r.Created, &r.Updated, &r.Skipped, &r.Failed,
		&r.Cancelled, &r.CutoffID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run row: %w", err)
	}

	r.StartedAt, _ = parseTime(started)
	r.FinishedAt, _ = parseTime(finished)
	return &r, nil
}

// timeLayout has fixed-width fractions so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
