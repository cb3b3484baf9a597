// Package retry wraps probe attempts in a bounded exponential backoff that
// honors server wait hints.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelprobe/modelprobe/internal/failure"
)

// Policy retries retryable failures up to MaxAttempts. The n-th retry waits
// BaseDelay × Backoff^(n−1), unless the failed attempt carried an explicit
// Retry-After hint, which takes precedence. Non-retryable errors surface
// immediately without consuming the budget.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Backoff     float64
	Logger      *slog.Logger

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Policy; zero values fall back to 3 attempts, 1s base, ×2.
func New(maxAttempts int, baseDelay time.Duration, backoff float64) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if backoff <= 1 {
		backoff = 2.0
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		Backoff:     backoff,
		Logger:      slog.Default(),
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails non-retryably, or the attempt budget
// is exhausted (the last error surfaces). admit runs before every attempt,
// including retries; pass the rate budget's Admit there.
func (p *Policy) Do(ctx context.Context, admit func(context.Context) error, fn func(context.Context) error) error {
	delay := p.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if admit != nil {
			if err := admit(ctx); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !failure.IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == p.MaxAttempts {
			break
		}

		wait := delay
		if hint := failure.RetryAfterOf(err); hint > 0 {
			wait = hint
		}
		p.Logger.Warn("probe attempt failed, retrying",
			"attempt", attempt, "max", p.MaxAttempts, "wait", wait, "error", err)
		if serr := p.sleep(ctx, wait); serr != nil {
			return serr
		}
		delay = time.Duration(float64(delay) * p.Backoff)
	}

	return lastErr
}
