package cli

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Fuabioo/recmerge/internal/config"
	"github.com/Fuabioo/recmerge/internal/history"
	_ "modernc.org/sqlite"
)

// resolveDBPath returns the history database path from the --db flag, the
// plan file, or the default.
func resolveDBPath(cmd *cobra.Command) string {
	dbPath, err := cmd.Flags().GetString("db")
	if err == nil && dbPath != "" {
		return dbPath
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return history.DefaultDBPath()
	}
	return historyDBPath(cfg)
}

// openHistoryDBReadOnly opens an existing history DB for read-only queries.
// Returns a clear error if the DB doesn't exist.
func openHistoryDBReadOnly(cmd *cobra.Command) (*sql.DB, error) {
	dbPath := resolveDBPath(cmd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("history database not found at %s (has anything run yet?)", dbPath)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db %q: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on history db %q: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect history db %q: %w", dbPath, err)
	}
	return db, nil
}

// openHistoryDBWrite opens (or creates) the history DB for write operations.
// It returns the underlying *sql.DB, a cleanup function, and any error.
func openHistoryDBWrite(cmd *cobra.Command) (*sql.DB, func(), error) {
	dbPath := resolveDBPath(cmd)
	r, err := history.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open history db: %w", err)
	}
	return r.DB(), func() { _ = r.Close() }, nil
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the transfer run history",
	}
	cmd.PersistentFlags().String("db", "", "path to history database (default: auto-detected)")
	cmd.AddCommand(
		newHistoryListCmd(),
		newHistoryShowCmd(),
		newHistoryTailCmd(),
		newHistoryPruneCmd(),
		newHistoryStatsCmd(),
		newHistoryDBPathCmd(),
		newHistoryArchivesCmd(),
	)
	return cmd
}

func newHistoryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transfer runs",
		Args:  cobra.NoArgs,
		RunE:  runHistoryList,
	}
	cmd.Flags().Int("limit", 20, "maximum number of entries")
	cmd.Flags().Int("offset", 0, "skip N entries")
	cmd.Flags().String("job", "", "filter by job name")
	cmd.Flags().String("outcome", "", "filter by outcome (ok, error)")
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	db, err := openHistoryDBReadOnly(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return fmt.Errorf("invalid --limit: %w", err)
	}
	offset, err := cmd.Flags().GetInt("offset")
	if err != nil {
		return fmt.Errorf("invalid --offset: %w", err)
	}
	job, err := cmd.Flags().GetString("job")
	if err != nil {
		return fmt.Errorf("invalid --job: %w", err)
	}
	outcome, err := cmd.Flags().GetString("outcome")
	if err != nil {
		return fmt.Errorf("invalid --outcome: %w", err)
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	runs, err := history.ListRuns(db, limit, offset, job, outcome)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	if asJSON {
		return printJSON(runs)
	}
	printRunTable(runs)
	return nil
}

func newHistoryShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show details of a transfer run",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryShow,
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	db, err := openHistoryDBReadOnly(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid run ID %q: %w", args[0], err)
	}

	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	run, err := history.GetRun(db, id)
	if err != nil {
		return fmt.Errorf("get run %d: %w", id, err)
	}

	if asJSON {
		return printJSON(run)
	}

	fmt.Printf("Run #%d\n", run.ID)
	fmt.Printf("  Timestamp:  %s\n", run.Timestamp.Format(time.RFC3339))
	fmt.Printf("  Group:      %s\n", run.RunID)
	if run.JobName != "" {
		fmt.Printf("  Job:        %s\n", run.JobName)
	}
	fmt.Printf("  Source:     %s\n", run.Source)
	fmt.Printf("  Target:     %s\n", run.Target)
	fmt.Printf("  Output:     %s\n", run.Output)
	fmt.Printf("  Fields:     %s\n", strings.Join(run.Fields, ", "))
	fmt.Printf("  Overwrite:  %t\n", run.Overwrite)
	fmt.Printf("  Outcome:    %s\n", run.Outcome)
	if run.ErrorKind != "" {
		fmt.Printf("  Error:      %s: %s\n", run.ErrorKind, run.Error)
	}
	fmt.Printf("  Copied:     %d\n", run.Count)
	fmt.Printf("  Skipped:    %d\n", run.SkipCount)
	fmt.Printf("  Duration:   %dms\n", run.DurationMs)

	if len(run.Skips) > 0 {
		fmt.Printf("\n  Skips:\n")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  IDENTIFIER\tFIELD\tREASON")
		for _, s := range run.Skips {
			field := s.Field
			if field == "" {
				field = "-"
			}
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\n", s.Identifier, field, s.Reason)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush tabwriter: %w", err)
		}
		if run.SkipCount > len(run.Skips) {
			fmt.Printf("  ... %d more not stored\n", run.SkipCount-len(run.Skips))
		}
	}

	return nil
}

func newHistoryTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show last N transfer runs",
		Args:  cobra.NoArgs,
		RunE:  runHistoryTail,
	}
	cmd.Flags().Int("n", 10, "number of entries")
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runHistoryTail(cmd *cobra.Command, _ []string) error {
	db, err := openHistoryDBReadOnly(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	n, err := cmd.Flags().GetInt("n")
	if err != nil {
		return fmt.Errorf("invalid --n: %w", err)
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	runs, err := history.Tail(db, n)
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}

	if asJSON {
		return printJSON(runs)
	}
	printRunTable(runs)
	return nil
}

func newHistoryPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old history entries",
		Args:  cobra.NoArgs,
		RunE:  runHistoryPrune,
	}
	cmd.Flags().String("older-than", "", "delete entries older than duration (e.g., 7d, 24h, 30d)")
	if err := cmd.MarkFlagRequired("older-than"); err != nil {
		panic(fmt.Sprintf("mark --older-than required: %v", err))
	}
	return cmd
}

func runHistoryPrune(cmd *cobra.Command, _ []string) error {
	olderThanStr, err := cmd.Flags().GetString("older-than")
	if err != nil {
		return fmt.Errorf("invalid --older-than: %w", err)
	}

	dur, err := config.ParseDuration(olderThanStr)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", olderThanStr, err)
	}

	db, cleanup, err := openHistoryDBWrite(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	count, err := history.Prune(db, dur)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}

	fmt.Printf("Pruned %d run(s).\n", count)
	return nil
}

func newHistoryStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show history statistics",
		Args:  cobra.NoArgs,
		RunE:  runHistoryStats,
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runHistoryStats(cmd *cobra.Command, _ []string) error {
	db, err := openHistoryDBReadOnly(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	stats, err := history.GetStats(db)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	if asJSON {
		return printJSON(stats)
	}

	fmt.Printf("Total runs:     %s\n", humanize.Comma(stats.TotalRuns))
	fmt.Printf("Fields copied:  %s\n", humanize.Comma(stats.TotalFields))
	fmt.Printf("Avg duration:   %.1fms\n", stats.AvgDurationMs)

	if stats.TotalRuns > 0 {
		fmt.Printf("Oldest entry:   %s (%s)\n", stats.OldestEntry.Format(time.RFC3339), humanize.Time(stats.OldestEntry))
		fmt.Printf("Newest entry:   %s (%s)\n", stats.NewestEntry.Format(time.RFC3339), humanize.Time(stats.NewestEntry))
	}

	if len(stats.CountByOutcome) > 0 {
		fmt.Printf("\nBy outcome:\n")
		for outcome, count := range stats.CountByOutcome {
			fmt.Printf("  %-10s %d\n", outcome, count)
		}
	}

	return nil
}

func newHistoryDBPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "db-path",
		Short: "Print the history database path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveDBPath(cmd))
		},
	}
}

func newHistoryArchivesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "List history archive files",
		Args:  cobra.NoArgs,
		RunE:  runHistoryArchives,
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runHistoryArchives(cmd *cobra.Command, _ []string) error {
	archiveDir := history.ArchiveDir(resolveDBPath(cmd))

	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	archives, err := history.ListArchives(archiveDir)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}

	if len(archives) == 0 {
		fmt.Println("No archives found.")
		return nil
	}

	if asJSON {
		return printJSON(archives)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tGROUPS\tSIZE\tDATE")
	for _, a := range archives {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			a.Name,
			a.Groups,
			humanize.Bytes(uint64(a.Size)),
			a.ModTime.Format(time.RFC3339),
		)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush tabwriter: %w", err)
	}
	return nil
}

// printRunTable outputs runs in a tabwriter table.
func printRunTable(runs []history.Run) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTIMESTAMP\tJOB\tTARGET\tFIELDS\tCOPIED\tSKIPPED\tOUTCOME\tDURATION")

	for _, r := range runs {
		job := r.JobName
		if job == "" {
			job = "-"
		}
		outcome := r.Outcome
		if r.ErrorKind != "" {
			outcome += " (" + r.ErrorKind + ")"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%dms\n",
			r.ID,
			r.Timestamp.Format(time.RFC3339),
			job,
			history.Truncate(r.Target, 40),
			history.Truncate(strings.Join(r.Fields, ","), 30),
			r.Count,
			r.SkipCount,
			outcome,
			r.DurationMs,
		)
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "recmerge: flush table: %v\n", err)
	}
}

// printJSON marshals v as indented JSON and writes to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
