package history

import (
	"time"
	"unicode/utf8"
)

// Outcome constants for Run.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Recorder persists transfer runs.
type Recorder interface {
	RecordRun(run Run) error
	Close() error
}

// Run represents one executed transfer.
type Run struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"` // groups the jobs of one invocation
	Timestamp  time.Time `json:"timestamp"`
	JobName    string    `json:"job_name"`
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	Output     string    `json:"output"`
	Fields     []string  `json:"fields"`
	Overwrite  bool      `json:"overwrite"`
	Outcome    string    `json:"outcome"` // ok|error
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Count      int       `json:"count"`
	SkipCount  int       `json:"skip_count"`
	DurationMs int64     `json:"duration_ms"`
	Skips      []Skip    `json:"skips,omitempty"`
}

// Skip represents one skipped identifier or field within a run.
type Skip struct {
	ID         int64  `json:"-"`
	RunRowID   int64  `json:"-"`
	Identifier string `json:"identifier"`
	Field      string `json:"field,omitempty"`
	Reason     string `json:"reason"`
}

// Stats holds aggregate statistics from the history database.
type Stats struct {
	TotalRuns      int64            `json:"total_runs"`
	TotalFields    int64            `json:"total_fields"`
	CountByOutcome map[string]int64 `json:"count_by_outcome"`
	AvgDurationMs  float64          `json:"avg_duration_ms"`
	OldestEntry    time.Time        `json:"oldest_entry"`
	NewestEntry    time.Time        `json:"newest_entry"`
}

// Truncate shortens s to at most max bytes, appending "..." if truncated.
// The cut never splits a multi-byte character.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	suffix := "..."
	if max <= len(suffix) {
		suffix = ""
	}
	cut := max - len(suffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}
