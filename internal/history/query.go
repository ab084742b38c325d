package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const runColumns = "id, run_id, timestamp, job_name, source, target, output, fields, overwrite, outcome, error_kind, error, count, skip_count, duration_ms"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (Run, error) {
	var r Run
	var tsStr, fieldsStr string
	var overwrite int
	if err := s.Scan(&r.ID, &r.RunID, &tsStr, &r.JobName, &r.Source, &r.Target, &r.Output, &fieldsStr,
		&overwrite, &r.Outcome, &r.ErrorKind, &r.Error, &r.Count, &r.SkipCount, &r.DurationMs); err != nil {
		return Run{}, err
	}
	ts, err := time.Parse(timestampLayout, tsStr)
	if err != nil {
		return Run{}, fmt.Errorf("parse timestamp %q: %w", tsStr, err)
	}
	r.Timestamp = ts
	r.Overwrite = overwrite != 0
	if err := json.Unmarshal([]byte(fieldsStr), &r.Fields); err != nil {
		return Run{}, fmt.Errorf("decode fields %q: %w", fieldsStr, err)
	}
	return r, nil
}

// ListRuns returns runs with optional filtering by job name and outcome.
// Results are ordered by timestamp descending (newest first).
func ListRuns(db *sql.DB, limit, offset int, filterJob, filterOutcome string) ([]Run, error) {
	if db == nil {
		return nil, fmt.Errorf("history: ListRuns called with nil db")
	}

	query := "SELECT " + runColumns + " FROM transfer_runs WHERE 1=1"
	var args []any

	if filterJob != "" {
		query += " AND job_name = ?"
		args = append(args, filterJob)
	}
	if filterOutcome != "" {
		query += " AND outcome = ?"
		args = append(args, filterOutcome)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	} else if offset > 0 {
		query += " LIMIT -1"
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate run rows: %w", err)
	}

	return runs, nil
}

// GetRun returns a single run by row ID, including its skips.
func GetRun(db *sql.DB, id int64) (*Run, error) {
	if db == nil {
		return nil, fmt.Errorf("history: GetRun called with nil db")
	}

	r, err := scanRun(db.QueryRow("SELECT "+runColumns+" FROM transfer_runs WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("history: get run %d: %w", id, err)
	}

	rows, err := db.Query(
		"SELECT id, run_row_id, identifier, field, reason FROM transfer_skips WHERE run_row_id = ? ORDER BY id",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("history: get skips for run %d: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var s Skip
		if err := rows.Scan(&s.ID, &s.RunRowID, &s.Identifier, &s.Field, &s.Reason); err != nil {
			return nil, fmt.Errorf("history: scan skip: %w", err)
		}
		r.Skips = append(r.Skips, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate skips: %w", err)
	}

	return &r, nil
}

// Tail returns the last n runs ordered by timestamp descending (newest first).
func Tail(db *sql.DB, n int) ([]Run, error) {
	return ListRuns(db, n, 0, "", "")
}

// Prune deletes runs (and their skips) older than the given duration.
// Returns the number of runs deleted.
func Prune(db *sql.DB, olderThan time.Duration) (int64, error) {
	return PruneBefore(db, time.Now().UTC().Add(-olderThan))
}

// PruneBefore deletes runs (and their skips) recorded before cutoff.
// Returns the number of runs deleted.
func PruneBefore(db *sql.DB, cutoff time.Time) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("history: PruneBefore called with nil db")
	}

	cutoffStr := cutoff.UTC().Format(timestampLayout)

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("history: begin prune transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Delete skips for old runs first (foreign key reference).
	_, err = tx.Exec(
		"DELETE FROM transfer_skips WHERE run_row_id IN (SELECT id FROM transfer_runs WHERE timestamp < ?)",
		cutoffStr,
	)
	if err != nil {
		return 0, fmt.Errorf("history: prune skips: %w", err)
	}

	result, err := tx.Exec("DELETE FROM transfer_runs WHERE timestamp < ?", cutoffStr)
	if err != nil {
		return 0, fmt.Errorf("history: prune runs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: prune rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: commit prune: %w", err)
	}

	return count, nil
}

// deleteRuns removes the given runs and their skips in one transaction
// and returns the number of runs deleted.
func deleteRuns(db *sql.DB, ids []int64) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin delete transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	delSkips, err := tx.Prepare("DELETE FROM transfer_skips WHERE run_row_id = ?")
	if err != nil {
		return 0, fmt.Errorf("prepare skip delete: %w", err)
	}
	defer delSkips.Close()
	delRun, err := tx.Prepare("DELETE FROM transfer_runs WHERE id = ?")
	if err != nil {
		return 0, fmt.Errorf("prepare run delete: %w", err)
	}
	defer delRun.Close()

	var deleted int64
	for _, id := range ids {
		if _, err := delSkips.Exec(id); err != nil {
			return 0, fmt.Errorf("delete skips of run %d: %w", id, err)
		}
		res, err := delRun.Exec(id)
		if err != nil {
			return 0, fmt.Errorf("delete run %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected for run %d: %w", id, err)
		}
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return deleted, nil
}

// GetStats returns aggregate statistics from the history database.
func GetStats(db *sql.DB) (*Stats, error) {
	if db == nil {
		return nil, fmt.Errorf("history: GetStats called with nil db")
	}

	stats := &Stats{
		CountByOutcome: make(map[string]int64),
	}

	err := db.QueryRow("SELECT COUNT(*), COALESCE(SUM(count), 0), COALESCE(AVG(duration_ms), 0) FROM transfer_runs").
		Scan(&stats.TotalRuns, &stats.TotalFields, &stats.AvgDurationMs)
	if err != nil {
		return nil, fmt.Errorf("history: stats totals: %w", err)
	}

	if stats.TotalRuns == 0 {
		return stats, nil
	}

	var oldestStr, newestStr string
	err = db.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM transfer_runs").
		Scan(&oldestStr, &newestStr)
	if err != nil {
		return nil, fmt.Errorf("history: stats min/max timestamp: %w", err)
	}

	oldest, err := time.Parse(timestampLayout, oldestStr)
	if err != nil {
		return nil, fmt.Errorf("history: parse oldest timestamp %q: %w", oldestStr, err)
	}
	stats.OldestEntry = oldest

	newest, err := time.Parse(timestampLayout, newestStr)
	if err != nil {
		return nil, fmt.Errorf("history: parse newest timestamp %q: %w", newestStr, err)
	}
	stats.NewestEntry = newest

	rows, err := db.Query("SELECT outcome, COUNT(*) FROM transfer_runs GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("history: stats by outcome: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var count int64
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("history: scan outcome count: %w", err)
		}
		stats.CountByOutcome[outcome] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate outcome rows: %w", err)
	}

	return stats, nil
}
