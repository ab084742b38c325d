// Package plan runs a sequence of transfer jobs and records each one in
// the run history.
package plan

import (
	"context"
	"log/slog"
	"time"

	"github.com/Fuabioo/recmerge/internal/config"
	"github.com/Fuabioo/recmerge/internal/history"
	"github.com/Fuabioo/recmerge/internal/transfer"
)

// Transferer executes a single transfer request.
type Transferer interface {
	Transfer(req transfer.Request) (transfer.Result, error)
}

// Status of a job after Run.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped" // failed with on_error=skip
	StatusNotRun  = "not_run"
)

// JobResult is the outcome of one job.
type JobResult struct {
	Job      config.Job
	Status   string
	Result   transfer.Result
	Err      error
	Duration time.Duration
}

// Summary is the outcome of a whole plan.
type Summary struct {
	RunID  string
	Jobs   []JobResult
	Fields int  // fields copied across all jobs
	Failed bool // a job failed with on_error=stop, or ctx was cancelled
}

// Run executes jobs in order. A job that fails with on_error=stop ends the
// plan and the remaining jobs are reported as not run; with on_error=skip
// the plan moves on. ctx is checked before each job.
//
// recorder may be nil. Recording errors are logged and never change the
// outcome.
func Run(ctx context.Context, jobs []config.Job, t Transferer, recorder history.Recorder, runID string, logger *slog.Logger) Summary {
	sum := Summary{RunID: runID, Jobs: make([]JobResult, 0, len(jobs))}

	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			logger.Warn("plan cancelled", "err", err, "remaining", len(jobs)-i)
			sum.Failed = true
			sum.Jobs = append(sum.Jobs, notRun(jobs[i:], err)...)
			return sum
		}

		logger.Debug("running job", "index", i, "name", job.Name)

		req := job.Request()
		start := time.Now()
		res, err := t.Transfer(req)
		jr := JobResult{Job: job, Result: res, Err: err, Duration: time.Since(start)}

		switch {
		case err == nil:
			jr.Status = StatusOK
			sum.Fields += res.Count
		case job.EffectiveOnError() == config.OnErrorSkip:
			logger.Warn("job failed, skipping due to on_error=skip", "name", job.Name, "err", err)
			jr.Status = StatusSkipped
		default:
			logger.Error("job failed", "name", job.Name, "err", err)
			jr.Status = StatusFailed
		}

		record(recorder, runID, req, jr, logger)
		sum.Jobs = append(sum.Jobs, jr)

		if jr.Status == StatusFailed {
			sum.Failed = true
			sum.Jobs = append(sum.Jobs, notRun(jobs[i+1:], nil)...)
			return sum
		}
	}

	return sum
}

func notRun(jobs []config.Job, err error) []JobResult {
	out := make([]JobResult, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobResult{Job: j, Status: StatusNotRun, Err: err})
	}
	return out
}

// record sends a run to the recorder. Errors are logged but never affect
// the plan.
func record(recorder history.Recorder, runID string, req transfer.Request, jr JobResult, logger *slog.Logger) {
	if recorder == nil {
		return
	}

	run := history.Run{
		RunID:      runID,
		JobName:    jr.Job.Name,
		Source:     req.Source,
		Target:     req.Target,
		Output:     req.OutputPath(),
		Fields:     req.Fields,
		Overwrite:  req.Policy == transfer.Overwrite,
		Outcome:    history.OutcomeOK,
		Count:      jr.Result.Count,
		SkipCount:  len(jr.Result.Skips),
		DurationMs: jr.Duration.Milliseconds(),
	}
	if jr.Err != nil {
		run.Outcome = history.OutcomeError
		run.ErrorKind = transfer.KindOf(jr.Err).String()
		run.Error = jr.Err.Error()
	}
	for _, s := range jr.Result.Skips {
		run.Skips = append(run.Skips, history.Skip{
			Identifier: s.ID,
			Field:      s.Field,
			Reason:     s.Reason,
		})
	}

	if err := recorder.RecordRun(run); err != nil {
		logger.Warn("history record failed", "err", err)
	}
}
