package engine

import (
	"context"
	"log/slog"
	"time"

	"vaspilot/internal/classify"
	"vaspilot/internal/job"
	"vaspilot/internal/recordstore"
	"vaspilot/internal/scheduler"
	"vaspilot/pkg/backoff"
)

// walltimeGrace is how long past the requested walltime the engine
// waits before killing a run itself. The scheduler normally enforces
// the limit; this is the backstop for schedulers that lose the run.
const walltimeGrace = 15 * time.Minute

// unknownPollLimit is how many consecutive "unknown" poll answers are
// tolerated before the attempt is declared lost.
const unknownPollLimit = 3

// attemptOutcome is the runner-internal result of one attempt.
type attemptOutcome struct {
	status  job.Status // succeeded, cancelled, failed_recoverable or failed_terminal
	result  *job.Result
	failure *job.Failure
}

// run drives a job through its attempt loop. It owns one execution
// slot for the whole lifetime of the job: retries reuse the slot, they
// never re-enter admission.
func (e *Engine) run(ctx context.Context, j *job.Job) {
	logger := slog.With("jobId", j.ID, "type", j.Spec.Type)

	parentDir := ""
	if j.Spec.ParentID != "" {
		dir, err := e.parentOutputDir(context.Background(), j.Spec.ParentID)
		if err != nil {
			logger.Error("Parent output no longer available", "parentId", j.Spec.ParentID, "error", err)
			e.finishJob(j, job.StatusFailedTerminal)
			return
		}
		parentDir = dir
	}

	params := j.Spec.Params.Clone()

	for idx := 0; idx < j.MaxAttempts; idx++ {
		attemptLogger := logger.With("attempt", idx)
		outcome := e.runAttempt(ctx, attemptLogger, j, idx, params, parentDir)
		e.persistAttempt(j, idx)

		switch outcome.status {
		case job.StatusSucceeded:
			attemptLogger.Info("Job succeeded", "energy", outcome.result.TotalEnergy, "ionicSteps", outcome.result.IonicSteps)
			e.finishJob(j, job.StatusSucceeded)
			return

		case job.StatusCancelled:
			attemptLogger.Info("Job cancelled")
			e.finishJob(j, job.StatusCancelled)
			return

		case job.StatusFailedRecoverable:
			if idx+1 >= j.MaxAttempts {
				attemptLogger.Warn("Attempt budget exhausted", "category", outcome.failure.Category)
				e.finishJob(j, job.StatusFailedTerminal)
				return
			}
			attemptLogger.Info("Retrying with corrected parameters",
				"category", outcome.failure.Category, "delta", outcome.failure.Delta)
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RecordRetry(ctx, string(j.Spec.Type), outcome.failure.Category)
			}
			params = job.Merge(params, outcome.failure.Delta)
			e.setJobStatus(j, job.StatusPending)

		default: // failed_terminal
			category := "unknown"
			if outcome.failure != nil {
				category = outcome.failure.Category
			}
			attemptLogger.Warn("Job failed terminally", "category", category)
			e.finishJob(j, job.StatusFailedTerminal)
			return
		}
	}
}

// runAttempt executes one attempt end to end: materialize inputs,
// submit, poll until the scheduler is done, then validate outputs and
// classify any failure.
func (e *Engine) runAttempt(ctx context.Context, logger *slog.Logger, j *job.Job, idx int, params job.Params, parentDir string) attemptOutcome {
	dir := e.ws.AttemptDir(j.ID, idx)
	e.appendAttempt(j, job.Attempt{
		Index:     idx,
		Params:    params.Clone(),
		Status:    job.StatusPending,
		Dir:       dir,
		StartedAt: time.Now(),
	})

	if err := e.ws.Prepare(&j.Spec, dir, params, parentDir); err != nil {
		logger.Error("Failed to materialize inputs", "error", err)
		return e.classifyFailure(j, idx, params, classify.Diagnostics{SubmitError: err.Error()})
	}

	schedID, err := e.scheduler.Submit(ctx, dir)
	if err != nil {
		if ctx.Err() != nil {
			return e.concludeAttempt(j, idx, job.StatusCancelled, nil, nil)
		}
		logger.Warn("Submission failed", "error", err)
		return e.classifyFailure(j, idx, params, classify.Diagnostics{SubmitError: err.Error()})
	}
	e.updateAttempt(j, idx, func(a *job.Attempt) {
		a.SchedulerID = schedID
		a.Status = job.StatusSubmitted
	})
	e.setJobStatus(j, job.StatusSubmitted)
	logger.Info("Attempt submitted", "schedulerId", schedID, "dir", dir)

	info, cancelled := e.pollUntilDone(ctx, logger, j, idx, schedID)
	if cancelled {
		return e.concludeAttempt(j, idx, job.StatusCancelled, nil, nil)
	}

	if info.State != scheduler.StateSucceeded {
		diag := classify.Diagnostics{
			Log:            info.Reason + "\n" + e.ws.CollectDiagnostics(dir),
			SchedulerState: string(info.State),
		}
		return e.classifyFailure(j, idx, params, diag)
	}

	// Scheduler says the process exited cleanly. Only validated,
	// converged outputs count as success.
	result, err := e.ws.Validate(dir, j.Spec.Type)
	if err != nil {
		logger.Warn("Outputs failed validation", "error", err)
		diag := classify.Diagnostics{
			Log:            err.Error() + "\n" + e.ws.CollectDiagnostics(dir),
			SchedulerState: string(info.State),
		}
		return e.classifyFailure(j, idx, params, diag)
	}
	return e.concludeAttempt(j, idx, job.StatusSucceeded, result, nil)
}

// pollUntilDone polls the scheduler until the run is terminal, the
// engine walltime ceiling passes, or the context is cancelled.
// Returns cancelled=true when the attempt was cancelled.
func (e *Engine) pollUntilDone(ctx context.Context, logger *slog.Logger, j *job.Job, idx int, schedID string) (scheduler.RunInfo, bool) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(j.Spec.Walltime + walltimeGrace)
	unknownStreak := 0

	for {
		select {
		case <-ctx.Done():
			e.killRun(logger, schedID)
			return scheduler.RunInfo{}, true

		case <-ticker.C:
			if time.Now().After(deadline) {
				logger.Warn("Walltime ceiling passed, killing run", "schedulerId", schedID)
				e.killRun(logger, schedID)
				return scheduler.RunInfo{
					State:  scheduler.StateFailed,
					Reason: "job killed: walltime exceeded (engine ceiling)",
				}, false
			}

			info, err := e.scheduler.Poll(ctx, schedID)
			if err != nil {
				// Transient poll failures (including an open breaker)
				// never fail the attempt; the run itself is unaffected.
				logger.Warn("Poll failed", "error", err)
				continue
			}

			switch info.State {
			case scheduler.StateQueued:
				unknownStreak = 0
			case scheduler.StateRunning:
				unknownStreak = 0
				e.updateAttempt(j, idx, func(a *job.Attempt) { a.Status = job.StatusRunning })
				e.setJobStatus(j, job.StatusRunning)
			case scheduler.StateUnknown:
				unknownStreak++
				if unknownStreak >= unknownPollLimit {
					logger.Warn("Scheduler lost track of run", "schedulerId", schedID, "reason", info.Reason)
					return scheduler.RunInfo{
						State:  scheduler.StateFailed,
						Reason: "scheduler lost track of the run: " + info.Reason,
					}, false
				}
			default:
				return info, false
			}
		}
	}
}

// classifyFailure runs diagnostics through the signature table and
// concludes the attempt as recoverable or terminal.
func (e *Engine) classifyFailure(j *job.Job, idx int, params job.Params, diag classify.Diagnostics) attemptOutcome {
	res := e.cfg.Rules.Classify(diag, params)
	failure := &job.Failure{
		Category:    string(res.Category),
		Correctable: res.Correctable,
		Excerpt:     res.Excerpt,
		Delta:       res.Delta,
	}
	status := job.StatusFailedTerminal
	if res.Correctable {
		status = job.StatusFailedRecoverable
	}
	return e.concludeAttempt(j, idx, status, nil, failure)
}

// concludeAttempt finalizes attempt bookkeeping under the lock.
func (e *Engine) concludeAttempt(j *job.Job, idx int, status job.Status, result *job.Result, failure *job.Failure) attemptOutcome {
	now := time.Now()
	e.updateAttempt(j, idx, func(a *job.Attempt) {
		a.Status = status
		a.EndedAt = &now
		a.Result = result
		a.Failure = failure
	})
	if e.cfg.Metrics != nil {
		e.mu.Lock()
		started := j.Attempts[idx].StartedAt
		e.mu.Unlock()
		e.cfg.Metrics.RecordAttemptCompleted(context.Background(), string(j.Spec.Type),
			status == job.StatusSucceeded, now.Sub(started).Seconds())
	}
	return attemptOutcome{status: status, result: result, failure: failure}
}

// persistAttempt writes the attempt's execution record, retrying with
// backoff until it lands. The slot is not released and the next
// attempt does not start until this returns: history durability comes
// before throughput, and an unrecorded outcome never frees a slot.
// The write runs on a detached context so job cancellation cannot
// skip it.
func (e *Engine) persistAttempt(j *job.Job, idx int) {
	e.mu.Lock()
	a := j.Attempts[idx]
	spec := j.Spec
	e.mu.Unlock()

	rec := recordstore.Record{
		JobID:        j.ID,
		AttemptIndex: a.Index,
		Type:         spec.Type,
		Status:       a.Status,
		Params:       a.Params,
		SchedulerID:  a.SchedulerID,
		Dir:          a.Dir,
		Result:       a.Result,
		StartedAt:    a.StartedAt,
		RecordedAt:   time.Now(),
	}
	if a.EndedAt != nil {
		rec.EndedAt = *a.EndedAt
	}
	if a.Failure != nil {
		rec.Category = a.Failure.Category
		rec.Excerpt = a.Failure.Excerpt
	}

	e.appendWithRetry(rec)
}

// appendWithRetry writes one record, retrying forever on a detached
// context. A dead store pins the caller (and its slot, if it holds
// one) until the store comes back; dropping the record is not an
// option.
func (e *Engine) appendWithRetry(rec recordstore.Record) {
	ctx := context.Background()
	attempts := 0
	_ = backoff.Retry(ctx, 0, e.cfg.RecordBackoff, func() error {
		attempts++
		err := e.store.Append(ctx, rec)
		if err != nil {
			slog.Warn("Execution record write failed, retrying",
				"jobId", rec.JobID, "attempt", rec.AttemptIndex, "tries", attempts, "error", err)
			if attempts > 1 && e.cfg.Metrics != nil {
				e.cfg.Metrics.RecordRecordWriteRetry(ctx)
			}
		}
		return err
	})
}

// finishJob sets the terminal status and fires the callback.
func (e *Engine) finishJob(j *job.Job, status job.Status) {
	e.setJobStatus(j, status)
	e.notifyTerminal(j)
}

func (e *Engine) setJobStatus(j *job.Job, status job.Status) {
	e.mu.Lock()
	j.Status = status
	e.mu.Unlock()
}

func (e *Engine) appendAttempt(j *job.Job, a job.Attempt) {
	e.mu.Lock()
	j.Attempts = append(j.Attempts, a)
	e.mu.Unlock()
}

func (e *Engine) updateAttempt(j *job.Job, idx int, fn func(a *job.Attempt)) {
	e.mu.Lock()
	fn(&j.Attempts[idx])
	e.mu.Unlock()
}

// killRun cancels the scheduler run on a detached context: the job
// context is usually already cancelled when this is needed.
func (e *Engine) killRun(logger *slog.Logger, schedID string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.scheduler.Cancel(killCtx, schedID); err != nil {
		logger.Warn("Failed to cancel scheduler run", "schedulerId", schedID, "error", err)
	}
}
