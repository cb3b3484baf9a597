// Package ratelimit provides a sliding-window call budget whose limit
// adapts to server feedback.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Options configures a Budget. Zero values fall back to defaults.
type Options struct {
	// RPM is the initial number of admissions per window.
	RPM int
	// MinRPM and MaxRPM bound the adaptive limit.
	MinRPM int
	MaxRPM int
	// Window is the sliding-window length.
	Window time.Duration
	// GrowAfter is the consecutive-success streak that triggers growth.
	GrowAfter int
	// GrowthFactor and ShrinkFactor scale the limit up and down.
	GrowthFactor float64
	ShrinkFactor float64

	Logger *slog.Logger
}

func (o *Options) fillDefaults() {
	if o.RPM <= 0 {
		o.RPM = 60
	}
	if o.MinRPM <= 0 {
		o.MinRPM = 10
	}
	if o.MaxRPM <= 0 {
		o.MaxRPM = 120
	}
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.GrowAfter <= 0 {
		o.GrowAfter = 10
	}
	if o.GrowthFactor <= 1 {
		o.GrowthFactor = 1.2
	}
	if o.ShrinkFactor <= 0 || o.ShrinkFactor >= 1 {
		o.ShrinkFactor = 0.7
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Budget admits calls at an adaptive rate: at most `current` admissions
// inside any trailing window. The limit grows after sustained success and
// shrinks immediately on rate-limit signals; the timestamp history survives
// every resize so a freshly raised limit cannot let a burst through.
type Budget struct {
	mu      sync.Mutex
	calls   []time.Time
	current int
	streak  int
	opts    Options

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Budget.
func New(opts Options) *Budget {
	opts.fillDefaults()
	if opts.RPM < opts.MinRPM {
		opts.RPM = opts.MinRPM
	}
	if opts.RPM > opts.MaxRPM {
		opts.RPM = opts.MaxRPM
	}
	return &Budget{
		current: opts.RPM,
		opts:    opts,
		now:     time.Now,
		sleep:   sleepCtx,
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

// Admit blocks until a call may proceed, then records its timestamp.
// Prune, decide, and record happen under one lock; callers waiting for the
// window to drain hold the lock so no later caller can jump the queue.
func (b *Budget) Admit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := b.now()
		b.prune(now)
		if len(b.calls) < b.current {
			b.calls = append(b.calls, now)
			return nil
		}
		wait := b.opts.Window - now.Sub(b.calls[0])
		if wait <= 0 {
			continue
		}
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// prune drops timestamps older than the window. Caller holds the lock.
func (b *Budget) prune(now time.Time) {
	cutoff := now.Add(-b.opts.Window)
	i := 0
	for i < len(b.calls) && !b.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.calls = append(b.calls[:0], b.calls[i:]...)
	}
}

// ReportSuccess counts a successful call toward the growth streak and
// raises the limit once the streak threshold is met.
func (b *Budget) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streak++
	if b.streak < b.opts.GrowAfter {
		return
	}
	b.streak = 0

	next := int(float64(b.current) * b.opts.GrowthFactor)
	if next > b.opts.MaxRPM {
		next = b.opts.MaxRPM
	}
	if next > b.current {
		b.opts.Logger.Debug("rate budget raised", "from", b.current, "to", next)
		b.current = next
	}
}

// ReportRateLimited lowers the limit immediately and, when the server
// supplied a Retry-After hint, holds the caller (and every other caller,
// via the lock) for that long.
func (b *Budget) ReportRateLimited(ctx context.Context, retryAfter time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streak = 0
	next := int(float64(b.current) * b.opts.ShrinkFactor)
	if next < b.opts.MinRPM {
		next = b.opts.MinRPM
	}
	if next < b.current {
		b.opts.Logger.Info("rate budget lowered", "from", b.current, "to", next)
		b.current = next
	}

	if retryAfter > 0 {
		return b.sleep(ctx, retryAfter)
	}
	return nil
}

// CurrentRPM returns the live admission limit.
func (b *Budget) CurrentRPM() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Remaining returns how many admissions the current window still allows.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return b.current - len(b.calls)
}
