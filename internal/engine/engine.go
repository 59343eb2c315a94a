// Package engine is the core of the service: it admits calculation
// jobs under a fixed concurrency limit, drives each attempt through
// the external scheduler, retries correctable failures with adjusted
// parameters, and persists an execution record for every attempt.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vaspilot/internal/apperrors"
	"vaspilot/internal/classify"
	"vaspilot/internal/job"
	"vaspilot/internal/observability"
	"vaspilot/internal/recordstore"
	"vaspilot/internal/scheduler"
	"vaspilot/internal/workspace"
	"vaspilot/pkg/backoff"
)

// Notifier delivers terminal-state callbacks. Implemented by the
// notify package; nil disables callbacks.
type Notifier interface {
	JobTerminal(j *job.Job)
}

// Config holds engine tuning.
type Config struct {
	MaxConcurrent int           // execution slots (required, >= 1)
	MaxQueue      int           // wait queue capacity (required, >= 1)
	PollInterval  time.Duration // scheduler poll cadence (default 30s)
	MaxAttempts   int           // upper bound on any job's attempt budget
	TypeDefaults  map[job.Type]job.Params
	Rules         *classify.Table
	RecordBackoff *backoff.Config        // record write retry pacing (default 1s..30s)
	Metrics       *observability.Metrics // optional
	Notifier      Notifier               // optional
}

// Engine owns the execution slots and all live job state. A single
// mutex serializes every admission and release decision, so the
// occupancy invariant (running <= MaxConcurrent, queued <= MaxQueue)
// cannot be raced away.
type Engine struct {
	cfg       Config
	scheduler scheduler.Client
	store     recordstore.Store
	ws        *workspace.Manager

	mu      sync.Mutex
	jobs    map[string]*job.Job
	queue   []string // FIFO of job ids waiting for a slot
	running int
	cancels map[string]context.CancelFunc
	closed  bool

	wg sync.WaitGroup
}

// Snapshot is a point-in-time view of engine occupancy for monitoring.
type Snapshot struct {
	SlotsTotal    int `json:"slotsTotal"`
	SlotsOccupied int `json:"slotsOccupied"`
	QueueDepth    int `json:"queueDepth"`
	QueueCapacity int `json:"queueCapacity"`
	JobsTracked   int `json:"jobsTracked"`
}

// New creates an engine. It does not start any work until Submit.
func New(cfg Config, sched scheduler.Client, store recordstore.Store, ws *workspace.Manager) (*Engine, error) {
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("maxConcurrent must be at least 1")
	}
	if cfg.MaxQueue < 1 {
		return nil, fmt.Errorf("maxQueue must be at least 1")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Rules == nil {
		table, err := classify.NewTable(classify.DefaultRules())
		if err != nil {
			return nil, err
		}
		cfg.Rules = table
	}
	if cfg.RecordBackoff == nil {
		cfg.RecordBackoff = &backoff.Config{Initial: time.Second, Max: 30 * time.Second}
	}
	return &Engine{
		cfg:       cfg,
		scheduler: sched,
		store:     store,
		ws:        ws,
		jobs:      make(map[string]*job.Job),
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// Submit validates and admits a job. When a slot is free the first
// attempt starts immediately; otherwise the job waits in the FIFO
// queue. A full queue yields a capacity error, never blocking.
func (e *Engine) Submit(ctx context.Context, spec job.Spec) (*job.Job, error) {
	job.ApplyDefaults(&spec, e.cfg.TypeDefaults)
	if err := job.Validate(&spec); err != nil {
		return nil, err
	}
	if spec.MaxAttempts > e.cfg.MaxAttempts {
		spec.MaxAttempts = e.cfg.MaxAttempts
	}

	if spec.ParentID != "" {
		if _, err := e.parentOutputDir(ctx, spec.ParentID); err != nil {
			return nil, err
		}
	}

	j := &job.Job{
		ID:          uuid.NewString(),
		Spec:        spec,
		Status:      job.StatusPending,
		MaxAttempts: spec.MaxAttempts,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, apperrors.Capacity("engine", "engine is shutting down")
	}
	switch {
	case e.running < e.cfg.MaxConcurrent:
		e.running++
		e.jobs[j.ID] = j
		e.startLocked(j)
	case len(e.queue) < e.cfg.MaxQueue:
		e.jobs[j.ID] = j
		e.queue = append(e.queue, j.ID)
	default:
		e.mu.Unlock()
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordJobRejected(ctx, string(spec.Type))
		}
		return nil, apperrors.Capacity("slots", fmt.Sprintf("all %d slots busy and queue of %d is full", e.cfg.MaxConcurrent, e.cfg.MaxQueue))
	}
	e.recordOccupancyLocked(ctx)
	resp := snapshotJob(j)
	e.mu.Unlock()

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordJobAdmitted(ctx, string(spec.Type))
	}
	slog.Info("Job admitted", "jobId", j.ID, "type", spec.Type, "maxAttempts", spec.MaxAttempts)
	return resp, nil
}

// Get returns a copy of a tracked job.
func (e *Engine) Get(id string) (*job.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return snapshotJob(j), nil
}

// List returns copies of all tracked jobs.
func (e *Engine) List() []*job.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*job.Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, snapshotJob(j))
	}
	return out
}

// Cancel stops a job. Queued jobs are removed without ever consuming
// a slot; running jobs get their scheduler run killed and finish with
// a cancelled record. Terminal jobs are a conflict.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	j, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return apperrors.NotFound("job", id)
	}
	if j.Status.Terminal() {
		e.mu.Unlock()
		return apperrors.Conflict("job", id, fmt.Sprintf("job %s is already %s", id, j.Status))
	}

	// Still in the wait queue: no attempt exists, but the terminal
	// status is still recorded.
	for i, queued := range e.queue {
		if queued == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			j.Status = job.StatusCancelled
			e.persistCancelledLocked(j)
			e.recordOccupancyLocked(ctx)
			terminal := snapshotJob(j)
			e.mu.Unlock()
			slog.Info("Queued job cancelled", "jobId", id)
			if e.cfg.Notifier != nil {
				e.cfg.Notifier.JobTerminal(terminal)
			}
			return nil
		}
	}

	cancel := e.cancels[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	slog.Info("Job cancellation requested", "jobId", id)
	return nil
}

// Attempts returns the persisted execution history of a job.
func (e *Engine) Attempts(ctx context.Context, id string) ([]recordstore.Record, error) {
	e.mu.Lock()
	_, tracked := e.jobs[id]
	e.mu.Unlock()

	records, err := e.store.History(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("recordstore.history", err)
	}
	if !tracked && len(records) == 0 {
		return nil, apperrors.NotFound("job", id)
	}
	return records, nil
}

// Snapshot returns current occupancy.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		SlotsTotal:    e.cfg.MaxConcurrent,
		SlotsOccupied: e.running,
		QueueDepth:    len(e.queue),
		QueueCapacity: e.cfg.MaxQueue,
		JobsTracked:   len(e.jobs),
	}
}

// Close stops admission, cancels all live jobs and waits for their
// records to be written or the context to expire.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, id := range e.queue {
		if j := e.jobs[id]; j != nil {
			j.Status = job.StatusCancelled
			e.persistCancelledLocked(j)
		}
	}
	e.queue = nil
	cancels := make([]context.CancelFunc, 0, len(e.cancels))
	for _, cancel := range e.cancels {
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine drain timed out: %w", ctx.Err())
	}
}

// startLocked launches the runner goroutine for a job that already
// holds a slot. Caller holds e.mu.
func (e *Engine) startLocked(j *job.Job) {
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancels[j.ID] = cancel
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordSlotAcquired(runCtx)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(runCtx, j)
		e.release(j.ID)
	}()
}

// release frees the job's slot and admits the next queued job. The
// runner calls it only after the final record write has completed, so
// a slot is never reused before its history is durable.
func (e *Engine) release(id string) {
	ctx := context.Background()
	e.mu.Lock()
	defer e.mu.Unlock()

	if cancel, ok := e.cancels[id]; ok {
		cancel()
		delete(e.cancels, id)
	}
	e.running--
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordSlotReleased(ctx)
	}

	if e.closed || len(e.queue) == 0 {
		e.recordOccupancyLocked(ctx)
		return
	}
	nextID := e.queue[0]
	e.queue = e.queue[1:]
	next := e.jobs[nextID]
	e.running++
	e.startLocked(next)
	e.recordOccupancyLocked(ctx)
}

func (e *Engine) recordOccupancyLocked(ctx context.Context) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordQueueDepth(ctx, int64(len(e.queue)))
	}
}

// persistCancelledLocked records the terminal cancelled status of a
// job that never started an attempt. Attempt index -1 marks a
// status-only record. Caller holds e.mu; the write itself runs on a
// tracked goroutine so Close waits for it.
func (e *Engine) persistCancelledLocked(j *job.Job) {
	now := time.Now()
	rec := recordstore.Record{
		JobID:        j.ID,
		AttemptIndex: -1,
		Type:         j.Spec.Type,
		Status:       job.StatusCancelled,
		Params:       j.Spec.Params.Clone(),
		StartedAt:    now,
		EndedAt:      now,
		RecordedAt:   now,
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.appendWithRetry(rec)
	}()
}

func (e *Engine) notifyTerminal(j *job.Job) {
	if e.cfg.Notifier == nil {
		return
	}
	e.mu.Lock()
	cp := snapshotJob(j)
	e.mu.Unlock()
	e.cfg.Notifier.JobTerminal(cp)
}

// parentOutputDir resolves the validated output directory of a parent
// job from its persisted history.
func (e *Engine) parentOutputDir(ctx context.Context, parentID string) (string, error) {
	records, err := e.store.Find(ctx, recordstore.Filter{JobID: parentID, Status: job.StatusSucceeded, Limit: 1})
	if err != nil {
		return "", apperrors.Internal("recordstore.find", err)
	}
	if len(records) == 0 || records[0].Result == nil {
		return "", apperrors.Validation("parentId", fmt.Sprintf("parent job %s has no successful attempt", parentID))
	}
	return records[0].Result.OutputDir, nil
}

// snapshotJob deep-copies the mutable parts so API responses do not
// race with the runner goroutine.
func snapshotJob(j *job.Job) *job.Job {
	cp := *j
	cp.Attempts = make([]job.Attempt, len(j.Attempts))
	copy(cp.Attempts, j.Attempts)
	return &cp
}
