// Package scheduler abstracts the external batch system that actually
// runs calculations. The engine never talks to SLURM or Docker
// directly; it submits a prepared attempt directory and polls the
// returned id until the run leaves the queue.
package scheduler

import "context"

// State is a scheduler-level run state, deliberately coarser than the
// job lifecycle: whether a run converged is decided from its outputs,
// not from the scheduler.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded" // process exited zero; outputs still need validation
	StateFailed    State = "failed"
	StateUnknown   State = "unknown" // scheduler lost track of the run
)

// Terminal reports whether the scheduler is done with the run.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// RunInfo is one poll observation.
type RunInfo struct {
	State  State
	Reason string // diagnostic text for failed runs (kill reason, exit code)
}

// Client submits and tracks runs on one batch system.
type Client interface {
	// Submit enqueues the batch script in dir and returns the
	// scheduler's id for the run.
	Submit(ctx context.Context, dir string) (string, error)
	Poll(ctx context.Context, id string) (RunInfo, error)
	Cancel(ctx context.Context, id string) error
	// Ready reports whether the batch system is reachable.
	Ready(ctx context.Context) error
	Name() string
}
