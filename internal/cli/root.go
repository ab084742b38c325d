package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Fuabioo/recmerge/internal/config"
	"github.com/Fuabioo/recmerge/internal/history"
	"github.com/Fuabioo/recmerge/internal/pathutil"
	"github.com/Fuabioo/recmerge/internal/plan"
	"github.com/Fuabioo/recmerge/internal/transfer"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("RECMERGE_DEBUG") == "1" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "recmerge",
		Short:         "Copy selected fields between JSON record tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to plan file (default: auto-detected)")

	root.AddCommand(newTransferCmd())
	root.AddCommand(newBatchCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newHistoryCmd())

	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(os.Stderr, "recmerge: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig honors --config and falls back to the standard search path.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err == nil && path != "" {
		return config.LoadFrom(pathutil.ExpandTilde(path))
	}
	return config.Load()
}

func addTransferFlags(cmd *cobra.Command) {
	cmd.Flags().String("source", "", "JSON file to copy fields from")
	cmd.Flags().String("target", "", "JSON file to copy fields into")
	cmd.Flags().String("output", "", "where to write the merged target (default: overwrite target)")
	cmd.Flags().StringSlice("field", nil, "field to copy (repeatable or comma-separated)")
	cmd.Flags().String("name", "", "job name recorded in history")
	for _, f := range []string{"source", "target", "field"} {
		if err := cmd.MarkFlagRequired(f); err != nil {
			panic(fmt.Sprintf("mark --%s required: %v", f, err))
		}
	}
}

func newTransferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Copy fields from a source table into a target table",
		Args:  cobra.NoArgs,
		RunE:  runTransfer,
	}
	addTransferFlags(cmd)
	cmd.Flags().Bool("no-overwrite", false, "only fill fields missing from the target")
	return cmd
}

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Like transfer, always overwriting existing target fields",
		Args:  cobra.NoArgs,
		RunE:  runBatch,
	}
	addTransferFlags(cmd)
	return cmd
}

func runTransfer(cmd *cobra.Command, _ []string) error {
	noOverwrite, err := cmd.Flags().GetBool("no-overwrite")
	if err != nil {
		return fmt.Errorf("invalid --no-overwrite: %w", err)
	}
	return runSingle(cmd, !noOverwrite, false)
}

func runBatch(cmd *cobra.Command, _ []string) error {
	return runSingle(cmd, true, true)
}

// batchTransferer routes plan jobs through Merger.BatchTransfer.
type batchTransferer struct {
	m *transfer.Merger
}

func (b batchTransferer) Transfer(req transfer.Request) (transfer.Result, error) {
	return b.m.BatchTransfer(req)
}

func runSingle(cmd *cobra.Command, overwrite, batch bool) error {
	logger := newLogger()

	job := config.Job{Overwrite: &overwrite}
	var err error
	if job.Name, err = cmd.Flags().GetString("name"); err != nil {
		return fmt.Errorf("invalid --name: %w", err)
	}
	if job.Source, err = cmd.Flags().GetString("source"); err != nil {
		return fmt.Errorf("invalid --source: %w", err)
	}
	if job.Target, err = cmd.Flags().GetString("target"); err != nil {
		return fmt.Errorf("invalid --target: %w", err)
	}
	if job.Output, err = cmd.Flags().GetString("output"); err != nil {
		return fmt.Errorf("invalid --output: %w", err)
	}
	if job.Fields, err = cmd.Flags().GetStringSlice("field"); err != nil {
		return fmt.Errorf("invalid --field: %w", err)
	}
	for _, f := range job.Fields {
		if f == "" {
			return fmt.Errorf("invalid --field: empty field name")
		}
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		// Plan file only supplies history settings here, but a broken
		// file is still reported instead of silently ignored.
		fmt.Fprintf(os.Stderr, "recmerge: config error: %v\n", err)
		return &exitError{code: 2}
	}

	var t plan.Transferer = transfer.New(logger)
	if batch {
		t = batchTransferer{m: transfer.New(logger)}
	}

	return execute(cmd.Context(), cfg, []config.Job{job}, t, logger)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [job...]",
		Short: "Run jobs from the plan file (all jobs when none are named)",
		RunE:  runPlan,
	}
}

func runPlan(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := loadConfig(cmd)
	if err != nil {
		// Plan parse error → fail closed (exit 2).
		fmt.Fprintf(os.Stderr, "recmerge: config error: %v\n", err)
		return &exitError{code: 2}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "recmerge: invalid plan:\n%v\n", err)
		return &exitError{code: 2}
	}

	jobs, err := cfg.Resolve(args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recmerge: %v\n", err)
		return &exitError{code: 2}
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs configured.")
		return nil
	}

	logger.Debug("resolved plan", "jobs", len(jobs))
	return execute(cmd.Context(), cfg, jobs, transfer.New(logger), logger)
}

// execute runs jobs with history recording and rotation, then prints the
// summary.
func execute(ctx context.Context, cfg config.Config, jobs []config.Job, t plan.Transferer, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Setup history (fail-open: errors logged, never block the transfer).
	var recorder history.Recorder
	var sqlRecorder *history.SQLiteRecorder
	dbPath := historyDBPath(cfg)
	if cfg.HistoryEnabled() {
		r, err := history.Open(dbPath)
		if err != nil {
			logger.Warn("failed to open history db, continuing without history", "err", err)
		} else {
			sqlRecorder = r
			recorder = r
			defer r.Close()
		}
	}

	sum := plan.Run(ctx, jobs, t, recorder, uuid.NewString(), logger)
	printSummary(sum)

	if sqlRecorder != nil && cfg.History != nil && cfg.History.Retention != "" {
		retention, err := config.ParseDuration(cfg.History.Retention)
		if err != nil {
			logger.Warn("invalid history retention, skipping rotation", "retention", cfg.History.Retention, "err", err)
		} else {
			history.MaybeRotate(sqlRecorder.DB(), history.RotationConfig{
				Retention:  retention,
				ArchiveDir: history.ArchiveDir(dbPath),
			}, logger)
		}
	}

	if sum.Failed {
		return &exitError{code: 1}
	}
	return nil
}

// historyDBPath returns the plan's db_path, or the default location.
func historyDBPath(cfg config.Config) string {
	if cfg.History != nil && cfg.History.DBPath != "" {
		return pathutil.Expand(cfg.History.DBPath)
	}
	return history.DefaultDBPath()
}

func printSummary(sum plan.Summary) {
	for _, jr := range sum.Jobs {
		prefix := ""
		if jr.Job.Name != "" {
			prefix = fmt.Sprintf("[%s] ", jr.Job.Name)
		}
		switch jr.Status {
		case plan.StatusOK:
			fmt.Printf("%s%s fields transferred\n", prefix, humanize.Comma(int64(jr.Result.Count)))
			fmt.Printf("%soutput: %s\n", prefix, jr.Result.Output)
		case plan.StatusSkipped:
			fmt.Fprintf(os.Stderr, "recmerge: %sskipped after error: %v\n", prefix, jr.Err)
		case plan.StatusFailed:
			fmt.Fprintf(os.Stderr, "recmerge: %s%v\n", prefix, jr.Err)
		case plan.StatusNotRun:
			fmt.Fprintf(os.Stderr, "recmerge: %snot run\n", prefix)
		}
	}
	if len(sum.Jobs) > 1 {
		fmt.Printf("total: %s fields transferred in %d jobs\n", humanize.Comma(int64(sum.Fields)), len(sum.Jobs))
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("recmerge %s (%s)\n", Version, Commit)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the plan file and check job input paths",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recmerge: config error: %v\n", err)
		return &exitError{code: 2}
	}

	hasIssues := false
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "recmerge: invalid plan:\n%v\n", err)
		hasIssues = true
	}

	if len(cfg.Jobs) == 0 {
		fmt.Println("No jobs configured.")
	}

	for i, j := range cfg.Jobs {
		req := j.Request()
		fmt.Printf("Job %d: name=%s fields=%v overwrite=%t on_error=%s\n",
			i+1, j.Name, j.Fields, j.EffectiveOverwrite(), j.EffectiveOnError())
		for _, p := range []struct{ role, path string }{
			{"source", req.Source},
			{"target", req.Target},
		} {
			var status string
			if info, err := os.Stat(p.path); err != nil {
				status = fmt.Sprintf("NOT FOUND: %s", p.path)
				hasIssues = true
			} else {
				status = fmt.Sprintf("OK, %s", humanize.Bytes(uint64(info.Size())))
			}
			fmt.Printf("  %s: %q [%s]\n", p.role, p.path, status)
		}
		fmt.Printf("  output: %q\n", req.OutputPath())
	}

	if hasIssues {
		return &exitError{code: 1}
	}
	return nil
}
