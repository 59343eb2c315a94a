package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		attempt int
		cfg     *Config
		want    time.Duration
	}{
		{"attempt 1 default", 1, nil, 100 * time.Millisecond},
		{"attempt 2 doubles", 2, nil, 200 * time.Millisecond},
		{"attempt 4", 4, nil, 800 * time.Millisecond},
		{"capped at max", 10, nil, 5 * time.Second},
		{"attempt 0 returns initial", 0, nil, 100 * time.Millisecond},
		{"custom config", 3, &Config{Initial: time.Second, Max: 10 * time.Second}, 4 * time.Second},
		{"custom max caps", 8, &Config{Initial: time.Second, Max: 10 * time.Second}, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Exponential(tt.attempt, tt.cfg); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), 5, &Config{Initial: time.Millisecond, Max: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("always fails")
	calls := 0
	err := Retry(context.Background(), 3, &Config{Initial: time.Millisecond, Max: time.Millisecond}, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected last error returned, got: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	sentinel := errors.New("fail")
	calls := 0
	err := Retry(ctx, 0, &Config{Initial: time.Hour}, func() error {
		calls++
		cancel()
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected last error on cancel, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call before cancel stopped the loop, got %d", calls)
	}
}
