package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestSentinelClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"validation", Validation("jobType", "unknown job type"), ErrValidation},
		{"not found", NotFound("job", "abc"), ErrNotFound},
		{"conflict", Conflict("job", "abc", "job already exists"), ErrConflict},
		{"capacity", Capacity("queue", "submission queue full"), ErrCapacity},
		{"internal", Internal("slurm.sbatch", errors.New("boom")), ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.sentinel)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("f", "bad"), http.StatusBadRequest},
		{"not found", NotFound("job", "x"), http.StatusNotFound},
		{"conflict", Conflict("job", "x", "exists"), http.StatusConflict},
		{"capacity", Capacity("queue", "full"), http.StatusTooManyRequests},
		{"internal", Internal("op", errors.New("boom")), http.StatusInternalServerError},
		{"plain error", errors.New("anything"), http.StatusInternalServerError},
		{"wrapped capacity", fmt.Errorf("submit: %w", Capacity("queue", "full")), http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInternalMessageIncludesOp(t *testing.T) {
	t.Parallel()
	err := Internal("scheduler.poll", errors.New("connection refused"))
	if got := err.Error(); got != "scheduler.poll: connection refused" {
		t.Errorf("unexpected message: %q", got)
	}
}
