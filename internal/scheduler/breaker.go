package scheduler

import (
	"context"

	"vaspilot/pkg/circuitbreaker"
)

// GuardedClient wraps a Client with a circuit breaker so a dead batch
// system is not hammered on every poll tick. Poll results of
// StateUnknown do not trip the breaker; only transport errors do.
type GuardedClient struct {
	inner   Client
	breaker *circuitbreaker.Breaker
}

func Guard(inner Client, cfg circuitbreaker.Config) *GuardedClient {
	return &GuardedClient{inner: inner, breaker: circuitbreaker.New(cfg)}
}

func (g *GuardedClient) Name() string { return g.inner.Name() }

func (g *GuardedClient) Submit(ctx context.Context, dir string) (string, error) {
	var id string
	err := g.breaker.Do(func() error {
		var err error
		id, err = g.inner.Submit(ctx, dir)
		return err
	})
	return id, err
}

func (g *GuardedClient) Poll(ctx context.Context, id string) (RunInfo, error) {
	var info RunInfo
	err := g.breaker.Do(func() error {
		var err error
		info, err = g.inner.Poll(ctx, id)
		return err
	})
	return info, err
}

func (g *GuardedClient) Cancel(ctx context.Context, id string) error {
	return g.breaker.Do(func() error {
		return g.inner.Cancel(ctx, id)
	})
}

func (g *GuardedClient) Ready(ctx context.Context) error {
	return g.inner.Ready(ctx)
}

// BreakerState exposes the breaker for monitoring.
func (g *GuardedClient) BreakerState() circuitbreaker.State {
	return g.breaker.State()
}
