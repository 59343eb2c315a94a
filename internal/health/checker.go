// Package health provides liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// SchedulerChecker verifies the batch scheduler is reachable.
type SchedulerChecker interface {
	Ready(ctx context.Context) error
}

// StoreChecker verifies the execution record store is reachable.
type StoreChecker interface {
	Ping(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult contains the result of a single dependency check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Checker performs health checks on the scheduler and record store.
type Checker struct {
	scheduler SchedulerChecker
	store     StoreChecker
	timeout   time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker.
func NewChecker(scheduler SchedulerChecker, store StoreChecker) *Checker {
	return &Checker{
		scheduler: scheduler,
		store:     store,
		timeout:   5 * time.Second,
	}
}

// Liveness reports whether the process is alive. It never touches
// external dependencies; failing it should restart the service.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness checks the scheduler and record store. Results are cached
// for a second so probe traffic does not hammer the dependencies.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := make(map[string]CheckResult)
	overall := StatusHealthy

	schedCheck := c.check(ctx, func(ctx context.Context) error {
		if c.scheduler == nil {
			return errNotConfigured("scheduler")
		}
		return c.scheduler.Ready(ctx)
	})
	checks["scheduler"] = schedCheck
	if schedCheck.Status != StatusHealthy {
		overall = StatusUnhealthy
	}

	storeCheck := c.check(ctx, func(ctx context.Context) error {
		if c.store == nil {
			return errNotConfigured("record store")
		}
		return c.store.Ping(ctx)
	})
	checks["recordstore"] = storeCheck
	if storeCheck.Status != StatusHealthy {
		overall = StatusUnhealthy
	}

	response := &Response{Status: overall, Checks: checks}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) check(ctx context.Context, fn func(ctx context.Context) error) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown makes readiness fail so load balancers stop routing
// new submissions during a drain.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}

type errNotConfigured string

func (e errNotConfigured) Error() string {
	return string(e) + " not configured"
}
