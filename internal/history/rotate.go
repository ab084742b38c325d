package history

import (
	"archive/zip"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/Fuabioo/recmerge/internal/atomicfile"
)

const (
	defaultRotationInterval = time.Hour
	archivePrefix           = "history-"
	archiveLayout           = "20060102T150405Z"
)

// RotationConfig controls archiving of old run groups.
type RotationConfig struct {
	Retention  time.Duration // groups whose last run is older than this are archived
	ArchiveDir string
	// Interval is the minimum time between two rotations of the same
	// database. Zero means one hour.
	Interval time.Duration
}

// RunGroup is every job recorded by one recmerge invocation.
type RunGroup struct {
	RunID string `json:"run_id"`
	Runs  []Run  `json:"runs"`
}

// ArchiveInfo describes a single history archive file.
type ArchiveInfo struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	Groups  int       `json:"groups"`
}

// ArchiveDir returns the archive directory that sits next to dbPath.
func ArchiveDir(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "archives")
}

// MaybeRotate moves run groups that finished before the retention window
// into a zip archive, one JSON member per group, and deletes them from the
// database. A group with any run inside the window stays whole.
//
// Rotations are recorded in the database and happen at most once per
// cfg.Interval. Errors are logged, never returned.
func MaybeRotate(db *sql.DB, cfg RotationConfig, logger *slog.Logger) {
	if db == nil || cfg.Retention <= 0 {
		return
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultRotationInterval
	}

	now := time.Now().UTC()
	last, err := lastRotation(db)
	if err != nil {
		logger.Warn("rotation: read last rotation", "err", err)
		return
	}
	if !last.IsZero() && now.Sub(last) < interval {
		logger.Debug("rotation throttled", "last", last)
		return
	}

	// Stamp the attempt up front so a failing rotation is not retried on
	// every invocation.
	rotationID, err := beginRotation(db, now)
	if err != nil {
		logger.Warn("rotation: record attempt", "err", err)
		return
	}

	groups, err := expiredGroups(db, now.Add(-cfg.Retention))
	if err != nil {
		logger.Warn("rotation: load expired groups", "err", err)
		return
	}
	if len(groups) == 0 {
		logger.Debug("rotation: nothing to archive")
		return
	}

	archivePath := filepath.Join(cfg.ArchiveDir, archivePrefix+now.Format(archiveLayout)+".zip")
	err = atomicfile.Write(archivePath, 0o644, func(w io.Writer) error {
		return writeGroups(w, groups)
	})
	if err != nil {
		logger.Warn("rotation: write archive", "archive", archivePath, "err", err)
		return
	}

	var ids []int64
	for _, g := range groups {
		for _, r := range g.Runs {
			ids = append(ids, r.ID)
		}
	}
	deleted, err := deleteRuns(db, ids)
	if err != nil {
		logger.Warn("rotation: delete archived runs (archive already written)", "archive", archivePath, "err", err)
		return
	}

	if _, err := db.Exec(
		"UPDATE rotations SET archive = ?, groups_archived = ?, runs_archived = ? WHERE id = ?",
		archivePath, len(groups), deleted, rotationID,
	); err != nil {
		logger.Warn("rotation: record result", "err", err)
	}

	logger.Info("rotation complete",
		"groups", len(groups),
		"runs", deleted,
		"archive", archivePath,
	)
}

func lastRotation(db *sql.DB) (time.Time, error) {
	var ts sql.NullString
	if err := db.QueryRow("SELECT MAX(rotated_at) FROM rotations").Scan(&ts); err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Parse(timestampLayout, ts.String)
}

func beginRotation(db *sql.DB, now time.Time) (int64, error) {
	res, err := db.Exec("INSERT INTO rotations (rotated_at) VALUES (?)", now.Format(timestampLayout))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// expiredGroups returns the run groups whose every run was recorded before
// cutoff, oldest first. Runs without a run ID form a group of their own.
func expiredGroups(db *sql.DB, cutoff time.Time) ([]RunGroup, error) {
	cutoffStr := cutoff.UTC().Format(timestampLayout)
	rows, err := db.Query(`
		SELECT r.id FROM transfer_runs r
		WHERE r.timestamp < ?
		  AND NOT EXISTS (
		    SELECT 1 FROM transfer_runs o
		    WHERE r.run_id != '' AND o.run_id = r.run_id AND o.timestamp >= ?
		  )
		ORDER BY r.timestamp ASC, r.id ASC`,
		cutoffStr, cutoffStr,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run IDs: %w", err)
	}

	var groups []RunGroup
	index := make(map[string]int)
	for _, id := range ids {
		r, err := GetRun(db, id)
		if err != nil {
			return nil, err
		}
		key := r.RunID
		if key == "" {
			key = "row-" + strconv.FormatInt(r.ID, 10)
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, RunGroup{RunID: r.RunID})
		}
		groups[i].Runs = append(groups[i].Runs, *r)
	}
	return groups, nil
}

// memberName names the zip member holding g.
func memberName(g RunGroup) string {
	if g.RunID != "" {
		return g.RunID + ".json"
	}
	return "row-" + strconv.FormatInt(g.Runs[0].ID, 10) + ".json"
}

func writeGroups(w io.Writer, groups []RunGroup) error {
	zw := zip.NewWriter(w)
	for _, g := range groups {
		mw, err := zw.Create(memberName(g))
		if err != nil {
			return fmt.Errorf("create member for run %q: %w", g.RunID, err)
		}
		enc := json.NewEncoder(mw)
		enc.SetIndent("", "  ")
		if err := enc.Encode(g); err != nil {
			return fmt.Errorf("encode run %q: %w", g.RunID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip writer: %w", err)
	}
	return nil
}

// ReadArchive returns the run groups stored in the archive at path.
func ReadArchive(path string) ([]RunGroup, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("history: open archive %s: %w", path, err)
	}
	defer func() { _ = zr.Close() }()

	groups := make([]RunGroup, 0, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("history: open %s in %s: %w", f.Name, path, err)
		}
		var g RunGroup
		err = json.NewDecoder(rc).Decode(&g)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("history: decode %s in %s: %w", f.Name, path, err)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// ListArchives returns the archives in archiveDir, newest first. Groups is
// zero for a file that cannot be read as a zip.
func ListArchives(archiveDir string) ([]ArchiveInfo, error) {
	paths, err := filepath.Glob(filepath.Join(archiveDir, archivePrefix+"*.zip"))
	if err != nil {
		return nil, fmt.Errorf("history: list archives: %w", err)
	}

	var archives []ArchiveInfo
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("history: stat archive: %w", err)
		}
		if info.IsDir() {
			continue
		}
		a := ArchiveInfo{
			Path:    p,
			Name:    info.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if zr, err := zip.OpenReader(p); err == nil {
			a.Groups = len(zr.File)
			_ = zr.Close()
		}
		archives = append(archives, a)
	}

	slices.SortFunc(archives, func(a, b ArchiveInfo) int {
		return b.ModTime.Compare(a.ModTime)
	})
	return archives, nil
}
