package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	maxErrorLen = 512
	// Identifiers, field names and reasons of stored skips are cut to this.
	maxSkipTextLen = 256
	// Skips beyond this many per run are counted but not stored.
	maxStoredSkips = 1000

	schemaVersion = 1

	timestampLayout = "2006-01-02T15:04:05.000"
)

// SQLiteRecorder implements Recorder using a local SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS transfer_runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT    NOT NULL DEFAULT '',
    timestamp   TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f','now')),
    job_name    TEXT    NOT NULL DEFAULT '',
    source      TEXT    NOT NULL,
    target      TEXT    NOT NULL,
    output      TEXT    NOT NULL DEFAULT '',
    fields      TEXT    NOT NULL DEFAULT '[]',
    overwrite   INTEGER NOT NULL,
    outcome     TEXT    NOT NULL,
    error_kind  TEXT    NOT NULL DEFAULT '',
    error       TEXT    NOT NULL DEFAULT '',
    count       INTEGER NOT NULL,
    skip_count  INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transfer_skips (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_row_id  INTEGER NOT NULL REFERENCES transfer_runs(id),
    identifier  TEXT    NOT NULL,
    field       TEXT    NOT NULL DEFAULT '',
    reason      TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS rotations (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    rotated_at  TEXT    NOT NULL,
    archive     TEXT    NOT NULL DEFAULT '',
    groups_archived INTEGER NOT NULL DEFAULT 0,
    runs_archived   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_run_ts ON transfer_runs(timestamp);
CREATE INDEX IF NOT EXISTS idx_run_group ON transfer_runs(run_id);
CREATE INDEX IF NOT EXISTS idx_skip_run ON transfer_skips(run_row_id);
`

// DefaultDBPath returns the default history database path.
// It checks $RECMERGE_HISTORY_DB, then $XDG_DATA_HOME/recmerge/history.db,
// then falls back to ~/.local/share/recmerge/history.db.
func DefaultDBPath() string {
	if p := os.Getenv("RECMERGE_HISTORY_DB"); p != "" {
		return p
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "recmerge", "history.db")
}

// Open opens (or creates) a SQLite history database at the given path.
// It runs the schema migration and configures WAL mode with a 5-second busy timeout.
func Open(dbPath string) (*SQLiteRecorder, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create directory %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open database %q: %w", dbPath, err)
	}

	steps := []struct {
		what string
		run  func() error
	}{
		{"set WAL mode", func() error { _, err := db.Exec("PRAGMA journal_mode=WAL"); return err }},
		{"set busy_timeout", func() error { _, err := db.Exec("PRAGMA busy_timeout=5000"); return err }},
		{"create schema", func() error { _, err := db.Exec(schema); return err }},
		{"migrate", func() error { return migrate(db) }},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("history: %s: %w (also failed to close: %v)", s.what, err, closeErr)
			}
			return nil, fmt.Errorf("history: %s: %w", s.what, err)
		}
	}

	return &SQLiteRecorder{db: db}, nil
}

// migrate stamps a fresh database with schemaVersion and refuses one
// written by a newer recmerge.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	switch {
	case version == schemaVersion:
		return nil
	case version > schemaVersion:
		return fmt.Errorf("schema version %d is newer than supported version %d", version, schemaVersion)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set user_version to %d: %w", schemaVersion, err)
	}
	return nil
}

// DB returns the underlying *sql.DB for use with query helpers.
// Returns nil if the receiver is nil.
func (r *SQLiteRecorder) DB() *sql.DB {
	if r == nil {
		return nil
	}
	return r.db
}

// RecordRun inserts a run and its skips in a single transaction.
// Nil receiver is a no-op.
func (r *SQLiteRecorder) RecordRun(run Run) error {
	if r == nil {
		return nil
	}

	fields, err := json.Marshal(run.Fields)
	if err != nil {
		return fmt.Errorf("history: encode fields: %w", err)
	}
	if run.Fields == nil {
		fields = []byte("[]")
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("history: begin transaction: %w", err)
	}
	defer func() {
		// Rollback is a no-op if the transaction was already committed.
		_ = tx.Rollback()
	}()

	ts := run.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	overwrite := 0
	if run.Overwrite {
		overwrite = 1
	}

	result, err := tx.Exec(
		`INSERT INTO transfer_runs (run_id, timestamp, job_name, source, target, output, fields, overwrite, outcome, error_kind, error, count, skip_count, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID,
		ts.UTC().Format(timestampLayout),
		run.JobName,
		run.Source,
		run.Target,
		run.Output,
		string(fields),
		overwrite,
		run.Outcome,
		run.ErrorKind,
		Truncate(run.Error, maxErrorLen),
		run.Count,
		run.SkipCount,
		run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("history: insert transfer_run: %w", err)
	}

	rowID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("history: get last insert id: %w", err)
	}

	skips := run.Skips
	if len(skips) > maxStoredSkips {
		skips = skips[:maxStoredSkips]
	}
	for _, s := range skips {
		_, err := tx.Exec(
			`INSERT INTO transfer_skips (run_row_id, identifier, field, reason)
			 VALUES (?, ?, ?, ?)`,
			rowID,
			Truncate(s.Identifier, maxSkipTextLen),
			Truncate(s.Field, maxSkipTextLen),
			Truncate(s.Reason, maxSkipTextLen),
		)
		if err != nil {
			return fmt.Errorf("history: insert transfer_skip for %q: %w", s.Identifier, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit transaction: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
// Nil receiver is a no-op.
func (r *SQLiteRecorder) Close() error {
	if r == nil {
		return nil
	}
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("history: close database: %w", err)
	}
	return nil
}
