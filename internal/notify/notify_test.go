package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"vaspilot/internal/job"
	"vaspilot/internal/testutil"
)

func terminalJob(url, key string) *job.Job {
	now := time.Now()
	return &job.Job{
		ID: "job-1",
		Spec: job.Spec{
			Type:     job.TypeSCF,
			Callback: &job.Callback{URL: url, Key: key},
		},
		Status: job.StatusSucceeded,
		Attempts: []job.Attempt{{
			Index:     0,
			Status:    job.StatusSucceeded,
			StartedAt: now,
			EndedAt:   &now,
			Result:    &job.Result{TotalEnergy: -42.5, Converged: true, OutputDir: "/work/job-1/attempt-0"},
		}},
		MaxAttempts: 3,
	}
}

func TestDeliversSignedEvent(t *testing.T) {
	t.Parallel()

	var received atomic.Int64
	var gotSig atomic.Value
	var gotBody atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get("X-Signature-256"))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(Config{Workers: 1}, nil)
	defer n.Close(context.Background())

	n.JobTerminal(terminalJob(server.URL, "secret"))

	testutil.MustWaitFor(t, func() bool { return received.Load() == 1 })

	body := gotBody.Load().([]byte)
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if event.JobID != "job-1" {
		t.Errorf("expected jobId job-1, got %s", event.JobID)
	}
	if event.Status != job.StatusSucceeded {
		t.Errorf("expected status succeeded, got %s", event.Status)
	}
	if event.Result == nil || event.Result.TotalEnergy != -42.5 {
		t.Errorf("expected result with energy -42.5, got %+v", event.Result)
	}

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got := gotSig.Load().(string); got != want {
		t.Errorf("signature mismatch: got %s, want %s", got, want)
	}
}

func TestNoSignatureWithoutKey(t *testing.T) {
	t.Parallel()

	var received atomic.Int64
	var gotSig atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig.Store(r.Header.Get("X-Signature-256"))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(Config{Workers: 1}, nil)
	defer n.Close(context.Background())

	n.JobTerminal(terminalJob(server.URL, ""))

	testutil.MustWaitFor(t, func() bool { return received.Load() == 1 })
	if got := gotSig.Load().(string); got != "" {
		t.Errorf("expected no signature header, got %s", got)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(Config{Workers: 1, MaxRetries: 3}, nil)
	defer n.Close(context.Background())

	n.JobTerminal(terminalJob(server.URL, ""))

	testutil.MustWaitFor(t, func() bool { return calls.Load() == 3 })
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	n := New(Config{Workers: 1, MaxRetries: 5}, nil)

	n.JobTerminal(terminalJob(server.URL, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 call for a 4xx answer, got %d", got)
	}
}

func TestJobTerminalAfterCloseIsDropped(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(Config{Workers: 1}, nil)
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The queue is closed; enqueueing must be a silent no-op, not a
	// panic on a closed channel.
	n.JobTerminal(terminalJob(server.URL, ""))

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("Expected no deliveries after close, got %d", got)
	}
}

func TestIgnoresJobsWithoutCallback(t *testing.T) {
	t.Parallel()

	n := New(Config{Workers: 1}, nil)
	defer n.Close(context.Background())

	j := terminalJob("", "")
	j.Spec.Callback = nil
	n.JobTerminal(j) // must not panic or enqueue

	if len(n.queue) != 0 {
		t.Errorf("expected empty queue, got %d", len(n.queue))
	}
}
