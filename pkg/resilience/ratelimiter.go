package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/fn"
)

// Gate enforces a minimum interval between consecutive requests to one
// provider, shared by all of that provider's concurrent workers.
type Gate struct {
	lim      *rate.Limiter
	interval time.Duration
}

// NewGate returns a gate that lets one request through per interval. A zero
// or negative interval never blocks.
func NewGate(interval time.Duration) *Gate {
	if interval <= 0 {
		return &Gate{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Gate{lim: rate.NewLimiter(rate.Every(interval), 1), interval: interval}
}

// Interval returns the configured minimum spacing.
func (g *Gate) Interval() time.Duration { return g.interval }

// Wait blocks until the next request may start or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	return g.lim.Wait(ctx)
}

// Allow reports whether a request may start now without waiting.
func (g *Gate) Allow() bool { return g.lim.Allow() }

// GateStage waits on the gate before running stage.
func GateStage[In, Out any](g *Gate, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if err := g.Wait(ctx); err != nil {
			return fn.Err[Out](err)
		}
		return stage(ctx, in)
	}
}
