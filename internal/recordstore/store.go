// Package recordstore persists the append-only execution history: one
// record per terminal attempt. Records are never updated or deleted;
// downstream analysis of retry effectiveness depends on the full
// sequence surviving.
package recordstore

import (
	"context"
	"time"

	"vaspilot/internal/job"
)

// Record is one completed attempt, written exactly once when the
// attempt reaches a terminal status.
type Record struct {
	JobID        string      `json:"jobId"`
	AttemptIndex int         `json:"attemptIndex"`
	Type         job.Type    `json:"type"`
	Status       job.Status  `json:"status"`
	Params       job.Params  `json:"params"`
	SchedulerID  string      `json:"schedulerId,omitempty"`
	Dir          string      `json:"dir,omitempty"`
	Category     string      `json:"category,omitempty"` // classified failure category
	Excerpt      string      `json:"excerpt,omitempty"`
	Result       *job.Result `json:"result,omitempty"`
	StartedAt    time.Time   `json:"startedAt"`
	EndedAt      time.Time   `json:"endedAt"`
	RecordedAt   time.Time   `json:"recordedAt"`
}

// Filter narrows Find results. Zero fields match everything.
type Filter struct {
	JobID    string
	Type     job.Type
	Status   job.Status
	Category string
	Limit    int
}

// Store is the persistence contract. Append must be atomic per record:
// a failed call leaves no partial record behind, so callers can retry
// the same record safely.
type Store interface {
	Append(ctx context.Context, rec Record) error
	// History returns all records for a job in attempt order.
	History(ctx context.Context, jobID string) ([]Record, error)
	Find(ctx context.Context, filter Filter) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}
