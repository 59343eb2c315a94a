package health

import (
	"context"
	"errors"
	"testing"
)

type fakeScheduler struct {
	err error
}

func (f *fakeScheduler) Ready(ctx context.Context) error { return f.err }

type fakeStore struct {
	err error
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.err }

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil, nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_AllHealthy(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&fakeScheduler{}, &fakeStore{})

	response := checker.Readiness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
	for _, name := range []string{"scheduler", "recordstore"} {
		check, ok := response.Checks[name]
		if !ok {
			t.Fatalf("Expected %s check to be present", name)
		}
		if check.Status != StatusHealthy {
			t.Errorf("Expected %s check to be healthy, got %s", name, check.Status)
		}
	}
}

func TestChecker_Readiness_SchedulerDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&fakeScheduler{err: errors.New("squeue: command not found")}, &fakeStore{})

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	check := response.Checks["scheduler"]
	if check.Status != StatusUnhealthy {
		t.Errorf("Expected scheduler check to be unhealthy, got %s", check.Status)
	}
	if check.Message == "" {
		t.Error("Expected failure message to be propagated")
	}
	if response.Checks["recordstore"].Status != StatusHealthy {
		t.Error("Expected record store check to stay healthy")
	}
}

func TestChecker_Readiness_NotConfigured(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil, nil)

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&fakeScheduler{}, &fakeStore{})
	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status after shutdown, got %s", response.Status)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check to be present")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
