// Package notify delivers terminal-state callbacks to submitters.
// Delivery is asynchronous: events go through a bounded queue into a
// worker pool, with per-host circuit breakers and retry with backoff.
// A full queue drops the event; callbacks are best-effort and must
// never block the engine.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"vaspilot/internal/job"
	"vaspilot/pkg/backoff"
	"vaspilot/pkg/circuitbreaker"
)

// Event is the callback payload for a finished job.
type Event struct {
	JobID    string       `json:"jobId"`
	Type     job.Type     `json:"type"`
	Status   job.Status   `json:"status"`
	Attempts int          `json:"attempts"`
	Result   *job.Result  `json:"result,omitempty"`
	Failure  *job.Failure `json:"failure,omitempty"`
	Time     time.Time    `json:"time"`
}

// MetricsRecorder is an optional interface for delivery metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
}

// Config tunes the notifier. Zero values use defaults.
type Config struct {
	Workers     int           // default: 2
	BufferSize  int           // default: 64
	HTTPTimeout time.Duration // default: 10s
	MaxRetries  int           // delivery attempts per event (default: 3)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

type delivery struct {
	event Event
	url   string
	key   string
}

// Notifier is the async callback sender.
type Notifier struct {
	queue    chan *delivery
	client   *http.Client
	breakers *circuitbreaker.Registry
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	wg sync.WaitGroup

	// mu orders enqueues against Close so a send can never race the
	// channel close.
	mu     sync.Mutex
	closed bool
}

// New creates and starts a notifier.
func New(cfg Config, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()
	n := &Notifier{
		queue: make(chan *delivery, cfg.BufferSize),
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		config:   cfg,
		logger:   slog.With("component", "notify"),
		metrics:  metrics,
	}

	n.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go n.worker()
	}
	return n
}

// JobTerminal queues a callback for a finished job. Jobs without a
// callback are ignored. Never blocks.
func (n *Notifier) JobTerminal(j *job.Job) {
	if j.Spec.Callback == nil || j.Spec.Callback.URL == "" {
		return
	}

	event := Event{
		JobID:    j.ID,
		Type:     j.Spec.Type,
		Status:   j.Status,
		Attempts: len(j.Attempts),
		Time:     time.Now().UTC(),
	}
	if a := j.CurrentAttempt(); a != nil {
		event.Result = a.Result
		event.Failure = a.Failure
	}

	d := &delivery{event: event, url: j.Spec.Callback.URL, key: j.Spec.Callback.Key}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	enqueued := false
	select {
	case n.queue <- d:
		enqueued = true
	default:
	}
	n.mu.Unlock()

	if !enqueued {
		if n.metrics != nil {
			n.metrics.RecordNotifyDropped(context.Background())
		}
		n.logger.Warn("Callback dropped, buffer full", "jobId", j.ID, "destination", hostOf(d.url))
	}
}

// Close stops accepting events and waits for queued ones to drain or
// the context to expire.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notifier drain timed out: %w", ctx.Err())
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for d := range n.queue {
		n.deliver(d)
	}
}

// deliver attempts delivery with retries. 4xx answers are not retried;
// the destination rejected the payload and will keep rejecting it.
func (n *Notifier) deliver(d *delivery) {
	ctx := context.Background()
	breaker := n.breakers.Get(hostOf(d.url))
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= n.config.MaxRetries; attempt++ {
		lastErr = breaker.Do(func() error {
			return n.send(ctx, d)
		})
		if lastErr == nil {
			if n.metrics != nil {
				n.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
			}
			return
		}
		if isClientError(lastErr) {
			break
		}
		if attempt < n.config.MaxRetries {
			_ = backoff.Sleep(ctx, attempt, &backoff.Config{Initial: 200 * time.Millisecond, Max: 5 * time.Second})
		}
	}

	if n.metrics != nil {
		n.metrics.RecordNotifyFailed(ctx)
	}
	n.logger.Warn("Callback delivery failed",
		"jobId", d.event.JobID, "destination", hostOf(d.url), "error", lastErr)
}

func (n *Notifier) send(ctx context.Context, d *delivery) error {
	body, err := json.Marshal(d.event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.key != "" {
		req.Header.Set("X-Signature-256", sign(body, d.key))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &httpError{statusCode: resp.StatusCode}
}

// sign computes the HMAC-SHA256 payload signature.
func sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d", e.statusCode)
}

func isClientError(err error) bool {
	if he, ok := err.(*httpError); ok {
		return he.statusCode >= 400 && he.statusCode < 500
	}
	return false
}

func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return parsed.Host
}
