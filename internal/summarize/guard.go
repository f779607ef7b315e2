package summarize

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/threadkeep/internal/ir"
)

// Guard bounds a Summarizer with a per-call timeout and a concurrency limit,
// and maps every failure to ENRICHMENT_UNAVAILABLE.
type Guard struct {
	inner   Summarizer
	timeout time.Duration
	sem     *semaphore.Weighted
}

var _ Summarizer = (*Guard)(nil)

// NewGuard wraps inner. Non-positive values fall back to 30s and 2.
func NewGuard(inner Summarizer, timeout time.Duration, maxConcurrent int) *Guard {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Guard{inner: inner, timeout: timeout, sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

func (g *Guard) Summarize(ctx context.Context, msgs []ir.Message) (Summary, error) {
	return guarded(ctx, g, "summarize", func(ctx context.Context) (Summary, error) {
		return g.inner.Summarize(ctx, msgs)
	})
}

func (g *Guard) ExtractDecisions(ctx context.Context, msgs []ir.Message) ([]Decision, error) {
	return guarded(ctx, g, "extract_decisions", func(ctx context.Context) ([]Decision, error) {
		return g.inner.ExtractDecisions(ctx, msgs)
	})
}

// guarded runs fn in its own goroutine so a provider that ignores ctx still
// cannot hold the caller past the timeout. The slot is released when fn
// actually returns.
func guarded[T any](ctx context.Context, g *Guard, step string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return zero, ir.NewEnrichmentUnavailable(step, fmt.Errorf("waiting for a slot: %w", err))
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer g.sem.Release(1)
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return zero, ir.NewEnrichmentUnavailable(step, r.err)
		}
		return r.v, nil
	case <-ctx.Done():
		select {
		case r := <-done:
			if r.err == nil {
				return r.v, nil
			}
		default:
		}
		return zero, ir.NewEnrichmentUnavailable(step, ctx.Err())
	}
}
