// Package job defines the calculation job domain types: specs, attempts,
// lifecycle statuses and the job aggregate owned by the engine.
package job

import "time"

// Type identifies a calculation type. The set is fixed; retry heuristics
// and parameter defaults are keyed by it.
type Type string

const (
	TypeRelaxation Type = "relaxation" // structural relaxation
	TypeSCF        Type = "scf"        // self-consistent field
	TypeNSCF       Type = "nscf"       // non-self-consistent field (band path / uniform grid)
)

// Types lists all known calculation types.
func Types() []Type {
	return []Type{TypeRelaxation, TypeSCF, TypeNSCF}
}

// Status is a job or attempt lifecycle status.
type Status string

const (
	StatusPending           Status = "pending"
	StatusSubmitted         Status = "submitted"
	StatusRunning           Status = "running"
	StatusSucceeded         Status = "succeeded"
	StatusFailedRecoverable Status = "failed_recoverable"
	StatusFailedTerminal    Status = "failed_terminal"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether the status is final. A terminal job releases
// its execution slot and is retired from live memory.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailedTerminal, StatusCancelled:
		return true
	}
	return false
}

// Spec is the immutable description of one unit of work. It is supplied
// by the upstream planning collaborator and never mutated by the engine.
type Spec struct {
	Type          Type          `json:"type"`
	Params        Params        `json:"params,omitempty"`        // overrides merged over type defaults
	StructurePath string        `json:"structurePath,omitempty"` // input structure artifact
	ParentID      string        `json:"parentId,omitempty"`      // prior job whose converged state seeds this one
	Walltime      time.Duration `json:"walltime,omitempty"`      // per-attempt wall-clock ceiling
	MaxAttempts   int           `json:"maxAttempts,omitempty"`
	Callback      *Callback     `json:"callback,omitempty"`
}

// Callback configures terminal-state notification back to the submitter.
type Callback struct {
	URL string `json:"url"`
	Key string `json:"key,omitempty"` // HMAC signing key
}

// Failure is the classified outcome of a failed attempt.
type Failure struct {
	Category    string `json:"category"`
	Correctable bool   `json:"correctable"`
	Excerpt     string `json:"excerpt,omitempty"` // raw diagnostic excerpt
	Delta       Params `json:"delta,omitempty"`   // correction proposed for the next attempt
}

// Result summarizes a successful attempt's validated output.
type Result struct {
	TotalEnergy float64 `json:"totalEnergy"`
	Converged   bool    `json:"converged"`
	IonicSteps  int     `json:"ionicSteps,omitempty"`
	OutputDir   string  `json:"outputDir"`
}

// Attempt is one execution of a Spec. It is created when the engine
// submits to the scheduler and is immutable once terminal.
type Attempt struct {
	Index       int        `json:"index"`
	Params      Params     `json:"params"` // concrete parameter set used (defaults + overrides + corrections)
	SchedulerID string     `json:"schedulerId,omitempty"`
	Status      Status     `json:"status"`
	Dir         string     `json:"dir"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Failure     *Failure   `json:"failure,omitempty"`
}

// Job is the aggregate root: a stable id, its spec and the append-only
// attempt sequence. At most one attempt is non-terminal at any time.
type Job struct {
	ID          string    `json:"id"`
	Spec        Spec      `json:"spec"`
	Attempts    []Attempt `json:"attempts"`
	Status      Status    `json:"status"`
	MaxAttempts int       `json:"maxAttempts"`
}

// CurrentAttempt returns the latest attempt, or nil before first submission.
func (j *Job) CurrentAttempt() *Attempt {
	if len(j.Attempts) == 0 {
		return nil
	}
	return &j.Attempts[len(j.Attempts)-1]
}
