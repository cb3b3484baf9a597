package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fakeClock drives a Budget deterministically: sleeps advance the clock
// instead of blocking.
type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func newFakeBudget(opts Options) (*Budget, *fakeClock) {
	b := New(opts)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b.now = func() time.Time { return clk.t }
	b.sleep = func(_ context.Context, d time.Duration) error {
		clk.sleeps = append(clk.sleeps, d)
		clk.t = clk.t.Add(d)
		return nil
	}
	return b, clk
}

func TestAdmitWithinLimit(t *testing.T) {
	b, clk := newFakeBudget(Options{RPM: 3, MinRPM: 1, MaxRPM: 10, Window: 5 * time.Second})

	for i := 0; i < 3; i++ {
		if err := b.Admit(context.Background()); err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
	}
	if len(clk.sleeps) != 0 {
		t.Errorf("admits under the limit slept %d times", len(clk.sleeps))
	}
}

func TestAdmitBlocksUntilWindowFrees(t *testing.T) {
	b, clk := newFakeBudget(Options{RPM: 3, MinRPM: 1, MaxRPM: 10, Window: 5 * time.Second})

	start := clk.t
	var admitted []time.Time
	for i := 0; i < 5; i++ {
		if err := b.Admit(context.Background()); err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
		admitted = append(admitted, clk.t)
	}

	// First three pass immediately, the rest wait for the oldest entry
	// to leave the trailing window.
	for i := 0; i < 3; i++ {
		if !admitted[i].Equal(start) {
			t.Errorf("admit %d at %v, want immediate", i, admitted[i].Sub(start))
		}
	}
	if got := admitted[3].Sub(start); got < 5*time.Second {
		t.Errorf("admit 4 after %v, want >= window", got)
	}

	// Invariant: no trailing 5s interval ever holds more than 3 admissions.
	for i := range admitted {
		n := 0
		for j := range admitted {
			d := admitted[i].Sub(admitted[j])
			if d >= 0 && d < 5*time.Second {
				n++
			}
		}
		if n > 3 {
			t.Errorf("window ending at admit %d holds %d admissions, want <= 3", i, n)
		}
	}
}

func TestAdmitCancelled(t *testing.T) {
	b, _ := newFakeBudget(Options{RPM: 1, MinRPM: 1, MaxRPM: 2, Window: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Admit(ctx); err == nil {
		t.Error("Admit with cancelled context: want error")
	}
}

func TestReportSuccessGrowth(t *testing.T) {
	b, _ := newFakeBudget(Options{RPM: 60, MinRPM: 10, MaxRPM: 120, GrowAfter: 10})

	for i := 0; i < 9; i++ {
		b.ReportSuccess()
	}
	if got := b.CurrentRPM(); got != 60 {
		t.Errorf("before streak threshold: rpm = %d, want 60", got)
	}

	b.ReportSuccess()
	if got := b.CurrentRPM(); got != 72 {
		t.Errorf("after 10 successes: rpm = %d, want 72", got)
	}
}

func TestReportSuccessCapped(t *testing.T) {
	b, _ := newFakeBudget(Options{RPM: 115, MinRPM: 10, MaxRPM: 120, GrowAfter: 1})

	b.ReportSuccess()
	if got := b.CurrentRPM(); got != 120 {
		t.Errorf("rpm = %d, want capped at 120", got)
	}
}

func TestReportRateLimitedFloor(t *testing.T) {
	b, _ := newFakeBudget(Options{RPM: 20, MinRPM: 10, MaxRPM: 120})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := b.ReportRateLimited(ctx, 0); err != nil {
			t.Fatalf("ReportRateLimited: %v", err)
		}
	}
	if got := b.CurrentRPM(); got != 10 {
		t.Errorf("rpm = %d, want floored at 10", got)
	}
}

func TestRateLimitResetsStreak(t *testing.T) {
	b, _ := newFakeBudget(Options{RPM: 60, MinRPM: 10, MaxRPM: 120, GrowAfter: 10})

	for i := 0; i < 9; i++ {
		b.ReportSuccess()
	}
	b.ReportRateLimited(context.Background(), 0)

	// Streak restarted: one more success must not trigger growth.
	b.ReportSuccess()
	if got := b.CurrentRPM(); got >= 60 {
		t.Errorf("rpm = %d, want shrunk and not regrown", got)
	}
}

func TestRetryAfterHint(t *testing.T) {
	b, clk := newFakeBudget(Options{RPM: 60, MinRPM: 10, MaxRPM: 120})

	if err := b.ReportRateLimited(context.Background(), 9*time.Second); err != nil {
		t.Fatalf("ReportRateLimited: %v", err)
	}
	if len(clk.sleeps) != 1 || clk.sleeps[0] != 9*time.Second {
		t.Errorf("sleeps = %v, want [9s]", clk.sleeps)
	}
}

func TestResizeKeepsHistory(t *testing.T) {
	b, _ := newFakeBudget(Options{RPM: 5, MinRPM: 2, MaxRPM: 10, Window: time.Minute})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := b.Admit(ctx); err != nil {
			t.Fatal(err)
		}
	}

	// Shrinking must keep the 4 recorded timestamps: remaining goes
	// negative-or-zero rather than resetting to a fresh allowance.
	b.ReportRateLimited(ctx, 0)
	if got := b.Remaining(); got > 0 {
		t.Errorf("Remaining after shrink = %d, want <= 0", got)
	}
}
