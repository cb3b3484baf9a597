// Package dispatch composes the cache, rate budget, concurrency controller
// and retry policy into one probe run. Targets flow through a prefilter
// (cache hits, failure-threshold skips), then a bounded pool of workers
// whose parallelism follows the controller's live limit.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/modelprobe/modelprobe/internal/cache"
	"github.com/modelprobe/modelprobe/internal/concurrency"
	"github.com/modelprobe/modelprobe/internal/failure"
	"github.com/modelprobe/modelprobe/internal/probe"
	"github.com/modelprobe/modelprobe/internal/ratelimit"
	"github.com/modelprobe/modelprobe/internal/retry"
)

// Prober issues one probe against a target. *probe.Client satisfies this.
type Prober interface {
	Probe(ctx context.Context, target probe.Target) (probe.Result, error)
}

// Outcome is one target's final result for the report.
type Outcome struct {
	Target    probe.Target
	Success   bool
	Latency   time.Duration
	ErrorKind failure.Kind
	Excerpt   string
	// FromCache marks outcomes served from a fresh cache record.
	FromCache bool
	// Skipped marks targets excluded by the failure threshold; they never
	// reach the feedback loops or the cache.
	Skipped bool
}

// Summary aggregates a run.
type Summary struct {
	RunID       string
	Total       int
	Succeeded   int
	Failed      int
	Cached      int
	Skipped     int
	SuccessRate float64
	ErrorCounts map[failure.Kind]int
	Elapsed     time.Duration
	Controller  concurrency.Stats
	FinalRPM    int
}

// Options tune prefiltering and reporting.
type Options struct {
	// MaxFailures skips targets with at least this many recorded failures.
	// Zero disables the filter.
	MaxFailures int
	// OnlyFailed restricts the run to targets whose last outcome failed.
	OnlyFailed bool
	// OnProgress, if set, is called after every completed target.
	OnProgress func(done, total int)
	Logger     *slog.Logger
}

// Dispatcher runs one probe pass. Construct per run; the cache may be nil
// when caching is disabled.
type Dispatcher struct {
	prober     Prober
	cache      *cache.Cache
	budget     *ratelimit.Budget
	controller *concurrency.Controller
	policy     *retry.Policy
	opts       Options

	now func() time.Time
}

func New(prober Prober, c *cache.Cache, budget *ratelimit.Budget, controller *concurrency.Controller, policy *retry.Policy, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		prober:     prober,
		cache:      c,
		budget:     budget,
		controller: controller,
		policy:     policy,
		opts:       opts,
		now:        time.Now,
	}
}

// Run probes every target and returns the outcomes with a summary. On
// context cancellation it stops dispatching, waits for in-flight probes,
// and returns the partial results; the cache buffer is flushed best-effort
// either way.
func (d *Dispatcher) Run(ctx context.Context, targets []probe.Target) ([]Outcome, Summary, error) {
	start := d.now()
	runID := uuid.NewString()
	d.opts.Logger.Info("starting probe run", "run_id", runID, "targets", len(targets))

	results, pending := d.prefilter(targets)

	var mu sync.Mutex
	done := len(results)
	total := len(results) + len(pending)
	report := func(o Outcome) {
		mu.Lock()
		results = append(results, o)
		done++
		n := done
		mu.Unlock()
		if d.opts.OnProgress != nil {
			d.opts.OnProgress(n, total)
		}
	}

	slots := newSlots(d.controller.CurrentLimit)
	stop := context.AfterFunc(ctx, slots.wake)
	defer stop()

	var g errgroup.Group
	for _, target := range pending {
		if err := slots.acquire(ctx); err != nil {
			break
		}
		target := target
		g.Go(func() error {
			defer slots.release()
			if o, ok := d.probeOne(ctx, target); ok {
				report(o)
			}
			return nil
		})
	}
	g.Wait()

	if d.cache != nil {
		d.cache.CloseFlush()
	}

	summary := d.summarize(runID, results, d.now().Sub(start))
	d.opts.Logger.Info("probe run finished",
		"run_id", runID,
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"cached", summary.Cached,
		"skipped", summary.Skipped,
		"elapsed", summary.Elapsed)
	return results, summary, ctx.Err()
}

// prefilter resolves targets that never reach the network: fresh cache
// hits, failure-threshold skips, and the only-failed restriction.
func (d *Dispatcher) prefilter(targets []probe.Target) (resolved []Outcome, pending []probe.Target) {
	onlyFailed := map[string]bool{}
	if d.opts.OnlyFailed && d.cache != nil {
		ids, err := d.cache.FailedTargets()
		if err != nil {
			d.opts.Logger.Warn("listing failed targets", "error", err)
		}
		for _, id := range ids {
			onlyFailed[id] = true
		}
	}

	for _, t := range targets {
		if d.opts.OnlyFailed && !onlyFailed[t.ID] {
			continue
		}
		if d.cache == nil {
			pending = append(pending, t)
			continue
		}
		if d.cache.IsFresh(t.ID) {
			rec, err := d.cache.Get(t.ID)
			if err == nil {
				resolved = append(resolved, Outcome{
					Target:    t,
					Success:   rec.Success,
					Latency:   rec.Latency,
					ErrorKind: rec.ErrorKind,
					Excerpt:   rec.Excerpt,
					FromCache: true,
				})
				continue
			}
			d.opts.Logger.Warn("reading fresh cache record", "target", t.ID, "error", err)
		}
		if d.opts.MaxFailures > 0 && d.cache.FailureCount(t.ID) >= d.opts.MaxFailures {
			resolved = append(resolved, Outcome{
				Target:    t,
				ErrorKind: failure.KindSkipped,
				Skipped:   true,
			})
			continue
		}
		pending = append(pending, t)
	}
	return resolved, pending
}

// probeOne runs the retry-wrapped probe for one target and feeds the
// outcome to the controller, budget and cache. ok is false when the run
// was cancelled before a verdict, in which case nothing is recorded.
func (d *Dispatcher) probeOne(ctx context.Context, target probe.Target) (Outcome, bool) {
	var res probe.Result
	err := d.policy.Do(ctx, d.budget.Admit, func(ctx context.Context) error {
		var perr error
		res, perr = d.prober.Probe(ctx, target)
		return perr
	})
	if ctx.Err() != nil && failure.KindOf(err) == failure.KindUnknown {
		// Cancelled mid-flight without a probe verdict.
		return Outcome{}, false
	}

	kind := failure.KindOf(err)
	rateLimited := failure.IsRateLimit(err)
	d.controller.Record(err == nil, res.Latency, rateLimited, kind)
	if err == nil {
		d.budget.ReportSuccess()
	} else if rateLimited {
		// The retry policy already honored any Retry-After wait; here the
		// signal only shrinks the budget.
		if berr := d.budget.ReportRateLimited(ctx, 0); berr != nil {
			d.opts.Logger.Warn("reporting rate limit", "target", target.ID, "error", berr)
		}
	}

	o := Outcome{
		Target:    target,
		Success:   err == nil,
		Latency:   res.Latency,
		ErrorKind: kind,
		Excerpt:   res.Excerpt,
	}
	if err != nil {
		o.Excerpt = err.Error()
	}

	if d.cache != nil {
		if cerr := d.cache.Record(cache.Outcome{
			TargetID:   target.ID,
			Success:    o.Success,
			Latency:    o.Latency,
			ErrorKind:  o.ErrorKind,
			Excerpt:    o.Excerpt,
			ObservedAt: d.now(),
		}); cerr != nil {
			d.opts.Logger.Warn("recording outcome", "target", target.ID, "error", cerr)
		}
	}
	return o, true
}

func (d *Dispatcher) summarize(runID string, results []Outcome, elapsed time.Duration) Summary {
	s := Summary{
		RunID:       runID,
		Total:       len(results),
		ErrorCounts: make(map[failure.Kind]int),
		Elapsed:     elapsed,
		Controller:  d.controller.Stats(),
		FinalRPM:    d.budget.CurrentRPM(),
	}
	for _, o := range results {
		switch {
		case o.Skipped:
			s.Skipped++
		case o.Success:
			s.Succeeded++
			if o.FromCache {
				s.Cached++
			}
		default:
			s.Failed++
			if o.FromCache {
				s.Cached++
			}
			s.ErrorCounts[o.ErrorKind]++
		}
	}
	if tested := s.Total - s.Skipped; tested > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(tested)
	}
	return s
}

// slots bounds in-flight work by a live limit, re-read on every wait.
// A shrink never preempts running probes; it only holds back new ones.
type slots struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active int
	limit  func() int
}

func newSlots(limit func() int) *slots {
	s := &slots{limit: limit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *slots) acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.active >= s.limit() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.active++
	return nil
}

func (s *slots) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.cond.Broadcast()
}

// wake unblocks acquirers so they can observe cancellation.
func (s *slots) wake() {
	s.cond.Broadcast()
}
