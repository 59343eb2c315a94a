package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errFail = errors.New("dependency down")

func failing() error { return errFail }
func ok() error      { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 3, Cooldown: time.Hour})
	for i := 0; i < 3; i++ {
		if err := b.Do(failing); !errors.Is(err, errFail) {
			t.Fatalf("Expected dependency error, got: %v", err)
		}
	}
	if b.State() != Open {
		t.Errorf("Expected open after 3 failures, got %s", b.State())
	}
	if err := b.Do(ok); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen while open, got: %v", err)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 3, Cooldown: time.Hour})
	_ = b.Do(failing)
	_ = b.Do(failing)
	_ = b.Do(ok)
	_ = b.Do(failing)
	_ = b.Do(failing)

	if b.State() != Closed {
		t.Errorf("Expected closed, non-consecutive failures must not open, got %s", b.State())
	}
	if b.Failures() != 2 {
		t.Errorf("Expected 2 consecutive failures, got %d", b.Failures())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})
	_ = b.Do(failing)
	if b.State() != Open {
		t.Fatalf("Expected open, got %s", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	// First call after cooldown is the probe; success closes the breaker.
	if err := b.Do(ok); err != nil {
		t.Fatalf("Expected probe to run, got: %v", err)
	}
	if b.State() != Closed {
		t.Errorf("Expected closed after successful probe, got %s", b.State())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})
	_ = b.Do(failing)
	time.Sleep(20 * time.Millisecond)

	if err := b.Do(failing); !errors.Is(err, errFail) {
		t.Fatalf("Expected probe failure passed through, got: %v", err)
	}
	if b.State() != Open {
		t.Errorf("Expected reopened after failed probe, got %s", b.State())
	}
	if err := b.Do(ok); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen immediately after failed probe, got: %v", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Hour})
	a := r.Get("host-a")
	if r.Get("host-a") != a {
		t.Error("Expected the same breaker for the same key")
	}
	if r.Get("host-b") == a {
		t.Error("Expected distinct breakers per key")
	}

	_ = a.Do(failing)
	stats := r.Stats()
	if stats.Total != 2 || stats.Open != 1 || stats.Closed != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}
