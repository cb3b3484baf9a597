package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/modelprobe/modelprobe/internal/cache"
	"github.com/modelprobe/modelprobe/internal/classify"
	"github.com/modelprobe/modelprobe/internal/concurrency"
	"github.com/modelprobe/modelprobe/internal/failure"
	"github.com/modelprobe/modelprobe/internal/probe"
	"github.com/modelprobe/modelprobe/internal/ratelimit"
	"github.com/modelprobe/modelprobe/internal/retry"
)

type fakeProber struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, target probe.Target) (probe.Result, error)
}

func (f *fakeProber) Probe(ctx context.Context, target probe.Target) (probe.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target.ID)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, target)
	}
	return probe.Result{Latency: 100 * time.Millisecond, Excerpt: "ok"}, nil
}

func (f *fakeProber) called(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == id {
			return true
		}
	}
	return false
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	store, err := cache.OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return cache.New(store, cache.Options{Logger: quietLogger()})
}

func newDispatcher(t *testing.T, prober Prober, c *cache.Cache, opts Options) *Dispatcher {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	budget := ratelimit.New(ratelimit.Options{RPM: 120, MaxRPM: 120, Logger: quietLogger()})
	ctrl := concurrency.New(10, 3, 50, concurrency.DefaultTuning(), quietLogger())
	policy := retry.New(1, time.Millisecond, 2.0)
	policy.Logger = quietLogger()
	return New(prober, c, budget, ctrl, policy, opts)
}

func targets(ids ...string) []probe.Target {
	ts := make([]probe.Target, 0, len(ids))
	for _, id := range ids {
		ts = append(ts, probe.Target{ID: id, Type: classify.TypeLanguage})
	}
	return ts
}

func TestRun_AllSucceed(t *testing.T) {
	prober := &fakeProber{}
	c := newTestCache(t)
	d := newDispatcher(t, prober, c, Options{})

	results, summary, err := d.Run(context.Background(), targets("a", "b", "c", "d", "e"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	if summary.Succeeded != 5 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %v, want 1.0", summary.SuccessRate)
	}
	if summary.RunID == "" {
		t.Error("RunID not assigned")
	}

	// Outcomes reached the durable cache.
	rec, err := c.Get("c")
	if err != nil {
		t.Fatalf("Get after run: %v", err)
	}
	if !rec.Success {
		t.Error("cached record not marked successful")
	}
}

func TestRun_FreshCacheHitSkipsProbe(t *testing.T) {
	prober := &fakeProber{}
	c := newTestCache(t)
	if err := c.Record(cache.Outcome{
		TargetID: "cached-model", Success: true, Latency: 50 * time.Millisecond,
		Excerpt: "hi", ObservedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	d := newDispatcher(t, prober, c, Options{})
	results, summary, err := d.Run(context.Background(), targets("cached-model", "new-model"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prober.called("cached-model") {
		t.Error("fresh target was probed")
	}
	if !prober.called("new-model") {
		t.Error("stale target was not probed")
	}
	if summary.Cached != 1 || summary.Succeeded != 2 {
		t.Errorf("summary = %+v", summary)
	}
	for _, o := range results {
		if o.Target.ID == "cached-model" && !o.FromCache {
			t.Error("cached outcome not marked FromCache")
		}
	}
}

func TestRun_FailureThresholdSkips(t *testing.T) {
	prober := &fakeProber{}
	c := newTestCache(t)
	for i := 0; i < 3; i++ {
		if err := c.Record(cache.Outcome{
			TargetID: "flaky", ErrorKind: failure.KindTimeout, ObservedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	d := newDispatcher(t, prober, c, Options{MaxFailures: 3})
	results, summary, err := d.Run(context.Background(), targets("flaky", "healthy"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prober.called("flaky") {
		t.Error("over-threshold target was probed")
	}
	if summary.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", summary.Skipped)
	}
	// Skipped targets stay out of the success-rate denominator.
	if summary.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %v, want 1.0", summary.SuccessRate)
	}
	var skipped *Outcome
	for i := range results {
		if results[i].Target.ID == "flaky" {
			skipped = &results[i]
		}
	}
	if skipped == nil || !skipped.Skipped || skipped.ErrorKind != failure.KindSkipped {
		t.Errorf("skipped outcome = %+v", skipped)
	}
}

func TestRun_OnlyFailed(t *testing.T) {
	prober := &fakeProber{}
	c := newTestCache(t)
	old := time.Now().Add(-48 * time.Hour)
	if err := c.Record(cache.Outcome{TargetID: "broken", ErrorKind: failure.KindConnection, ObservedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := c.Record(cache.Outcome{TargetID: "fine", Success: true, ObservedAt: old}); err != nil {
		t.Fatal(err)
	}

	d := newDispatcher(t, prober, c, Options{OnlyFailed: true})
	_, summary, err := d.Run(context.Background(), targets("broken", "fine", "unseen"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !prober.called("broken") {
		t.Error("previously failed target was not probed")
	}
	if prober.called("fine") || prober.called("unseen") {
		t.Errorf("only-failed run probed extra targets: %v", prober.calls)
	}
	if summary.Total != 1 {
		t.Errorf("Total = %d, want 1", summary.Total)
	}
}

func TestRun_RateLimitShrinksBudgetAndLimit(t *testing.T) {
	prober := &fakeProber{fn: func(ctx context.Context, target probe.Target) (probe.Result, error) {
		return probe.Result{Latency: 10 * time.Millisecond}, &failure.ProbeError{Kind: failure.KindRateLimit, Msg: "slow down"}
	}}
	d := newDispatcher(t, prober, nil, Options{})

	results, summary, err := d.Run(context.Background(), targets("m"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v", results)
	}
	if results[0].ErrorKind != failure.KindRateLimit {
		t.Errorf("ErrorKind = %q", results[0].ErrorKind)
	}
	if summary.FinalRPM >= 120 {
		t.Errorf("FinalRPM = %d, want shrunk below 120", summary.FinalRPM)
	}
	if summary.Controller.CurrentLimit >= 10 {
		t.Errorf("CurrentLimit = %d, want shrunk below 10", summary.Controller.CurrentLimit)
	}
	if summary.ErrorCounts[failure.KindRateLimit] != 1 {
		t.Errorf("ErrorCounts = %v", summary.ErrorCounts)
	}
}

func TestRun_FailureRecordedInCache(t *testing.T) {
	prober := &fakeProber{fn: func(ctx context.Context, target probe.Target) (probe.Result, error) {
		return probe.Result{}, failure.New(failure.KindNoContent, "empty completion")
	}}
	c := newTestCache(t)
	d := newDispatcher(t, prober, c, Options{})

	if _, _, err := d.Run(context.Background(), targets("m")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec, err := c.Get("m")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Success || rec.FailureCount != 1 || rec.ErrorKind != failure.KindNoContent {
		t.Errorf("record = %+v", rec)
	}
}

func TestRun_CancellationReturnsPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var once sync.Once
	prober := &fakeProber{fn: func(ctx context.Context, target probe.Target) (probe.Result, error) {
		once.Do(cancel)
		<-ctx.Done()
		return probe.Result{}, ctx.Err()
	}}
	d := newDispatcher(t, prober, nil, Options{})

	results, _, err := d.Run(ctx, targets("a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"))
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// In-flight probes were abandoned without a verdict.
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestRun_ProgressCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	prober := &fakeProber{}
	d := newDispatcher(t, prober, nil, Options{OnProgress: func(done, total int) {
		mu.Lock()
		seen = append(seen, done)
		mu.Unlock()
		if total != 3 {
			t.Errorf("total = %d, want 3", total)
		}
	}})

	if _, _, err := d.Run(context.Background(), targets("a", "b", "c")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Errorf("progress called %d times, want 3", len(seen))
	}
}

func TestSlots_RespectsLiveLimit(t *testing.T) {
	limit := 2
	var mu sync.Mutex
	s := newSlots(func() int {
		mu.Lock()
		defer mu.Unlock()
		return limit
	})

	ctx := context.Background()
	if err := s.acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.acquire(ctx); err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := s.acquire(ctx); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire succeeded over the limit")
	case <-time.After(50 * time.Millisecond):
	}

	// A raised limit is picked up at the next wakeup.
	mu.Lock()
	limit = 3
	mu.Unlock()
	s.release()
	s.release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe the released slot")
	}
}
