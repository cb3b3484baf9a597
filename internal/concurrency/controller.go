// Package concurrency implements the feedback loop that turns recent probe
// outcomes into a permitted parallelism level.
package concurrency

import (
	"log/slog"
	"sync"
	"time"

	"github.com/modelprobe/modelprobe/internal/failure"
)

// Tuning holds the empirically tuned knobs of the controller. They are
// configuration defaults, not semantic requirements; tests pin them
// explicitly.
type Tuning struct {
	// WindowSize caps the rolling outcome windows.
	WindowSize int
	// AdjustInterval is the minimum gap between recomputations in normal
	// mode; AggressiveInterval applies while in aggressive mode.
	AdjustInterval     time.Duration
	AggressiveInterval time.Duration
	// Cooldown is how long after the last rate-limit signal aggressive
	// mode may be left.
	Cooldown time.Duration

	// RateLimitFraction is the windowed 429 share above which the limit
	// shrinks moderately.
	RateLimitFraction float64

	// Shrink and growth factors.
	SignalShrink   float64 // applied immediately on a rate-limit signal
	SharpShrink    float64 // success rate < 0.6
	ModerateShrink float64 // success rate < 0.8 or high latency
	BurstGrowth    float64 // proportional growth on a long healthy streak

	// GrowStep and AggressiveGrowStep are the additive increments for
	// steady-state and aggressive-mode growth.
	GrowStep           int
	AggressiveGrowStep int

	// GrowStreak and BurstStreak are the consecutive-success thresholds
	// for additive and proportional growth.
	GrowStreak  int
	BurstStreak int
}

// DefaultTuning mirrors the tuning the tool ships with.
func DefaultTuning() Tuning {
	return Tuning{
		WindowSize:         20,
		AdjustInterval:     5 * time.Second,
		AggressiveInterval: 2 * time.Second,
		Cooldown:           30 * time.Second,
		RateLimitFraction:  0.05,
		SignalShrink:       0.5,
		SharpShrink:        0.5,
		ModerateShrink:     0.8,
		BurstGrowth:        1.3,
		GrowStep:           2,
		AggressiveGrowStep: 1,
		GrowStreak:         5,
		BurstStreak:        20,
	}
}

// Stats is a point-in-time snapshot for the final report.
type Stats struct {
	CurrentLimit   int
	SuccessRate    float64
	AvgLatency     time.Duration
	RateLimitCount int
	Adjustments    int
	Aggressive     bool
}

// Controller adjusts a parallelism limit based on rolling success rate,
// latency, and rate-limit signals. The limit is always clamped to
// [min, max]; a rate-limit signal halves it immediately, bypassing the
// adjust-interval throttle, and flips the controller aggressive.
//
// A shrink never preempts running work. Dispatchers must re-read
// CurrentLimit before each new acquisition.
type Controller struct {
	mu sync.Mutex

	current int
	min     int
	max     int
	tuning  Tuning
	logger  *slog.Logger

	successWin   []bool
	latencyWin   []time.Duration
	rateLimitWin []bool

	consecSuccess   int
	consecRateLimit int

	aggressive      bool
	lastAdjust      time.Time
	lastRateLimitAt time.Time

	totalRateLimits int
	adjustments     int

	now func() time.Time
}

// New creates a Controller with initial limit clamped to [min, max].
func New(initial, min, max int, tuning Tuning, logger *slog.Logger) *Controller {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	if tuning.WindowSize <= 0 {
		tuning = DefaultTuning()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		current: initial,
		min:     min,
		max:     max,
		tuning:  tuning,
		logger:  logger,
		now:     time.Now,
	}
}

// CurrentLimit returns the live parallelism bound.
func (c *Controller) CurrentLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Record feeds one completed probe outcome into the rolling windows and
// recomputes the limit when due.
func (c *Controller) Record(success bool, latency time.Duration, isRateLimited bool, kind failure.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	c.push(&c.successWin, success)
	c.push(&c.rateLimitWin, isRateLimited)
	if success && latency > 0 {
		c.pushLatency(latency)
	}

	switch {
	case isRateLimited:
		c.consecRateLimit++
		c.consecSuccess = 0
		c.totalRateLimits++
		c.lastRateLimitAt = now
	case success:
		c.consecSuccess++
		c.consecRateLimit = 0
	default:
		c.consecSuccess = 0
	}

	if isRateLimited {
		// A rate-limit signal shrinks on the very next observation, no
		// matter how recently the limit was adjusted.
		c.apply(scale(c.current, c.tuning.SignalShrink), "rate limit signal ("+string(kind)+")", now)
		c.aggressive = true
		return
	}

	c.maybeAdjust(now)
	c.maybeExitAggressive(now)
}

func (c *Controller) maybeAdjust(now time.Time) {
	interval := c.tuning.AdjustInterval
	if c.aggressive {
		interval = c.tuning.AggressiveInterval
	}
	if now.Sub(c.lastAdjust) < interval {
		return
	}
	if len(c.successWin) < c.tuning.WindowSize/2 {
		return
	}

	sr := c.successRate()
	lat := c.avgLatency()
	rlFrac := c.rateLimitFraction()

	switch {
	case rlFrac > c.tuning.RateLimitFraction:
		c.apply(scale(c.current, c.tuning.ModerateShrink), "windowed rate-limit errors", now)
	case sr < 0.6:
		c.apply(scale(c.current, c.tuning.SharpShrink), "low success rate", now)
	case sr < 0.8 || lat > 5*time.Second:
		c.apply(scale(c.current, c.tuning.ModerateShrink), "degraded success rate or latency", now)
	case sr > 0.95 && lat < 2*time.Second && c.consecSuccess >= c.tuning.BurstStreak:
		c.apply(scale(c.current, c.tuning.BurstGrowth), "sustained healthy streak", now)
		c.consecSuccess = 0
	case sr > 0.9 && lat < 3*time.Second && c.consecSuccess >= c.tuning.GrowStreak:
		step := c.tuning.GrowStep
		if c.aggressive {
			step = c.tuning.AggressiveGrowStep
		}
		c.apply(c.current+step, "healthy window", now)
	}
}

func (c *Controller) maybeExitAggressive(now time.Time) {
	if !c.aggressive {
		return
	}
	if c.rateLimitFraction() > 0 {
		return
	}
	if c.successRate() <= 0.9 {
		return
	}
	if now.Sub(c.lastRateLimitAt) < c.tuning.Cooldown {
		return
	}
	c.aggressive = false
	c.logger.Info("concurrency controller back to normal mode", "limit", c.current)
}

// apply clamps and installs a new limit, logging the change with reason.
func (c *Controller) apply(next int, reason string, now time.Time) {
	if next < c.min {
		next = c.min
	}
	if next > c.max {
		next = c.max
	}
	c.lastAdjust = now
	if next == c.current {
		return
	}
	c.logger.Info("concurrency limit adjusted",
		"from", c.current, "to", next, "reason", reason,
		"success_rate", c.successRate(), "avg_latency", c.avgLatency())
	c.current = next
	c.adjustments++
}

// Stats returns a snapshot for the final report.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		CurrentLimit:   c.current,
		SuccessRate:    c.successRate(),
		AvgLatency:     c.avgLatency(),
		RateLimitCount: c.totalRateLimits,
		Adjustments:    c.adjustments,
		Aggressive:     c.aggressive,
	}
}

// --- rolling windows (fixed capacity, oldest evicted first) ---

func (c *Controller) push(win *[]bool, v bool) {
	*win = append(*win, v)
	if len(*win) > c.tuning.WindowSize {
		*win = (*win)[1:]
	}
}

func (c *Controller) pushLatency(d time.Duration) {
	c.latencyWin = append(c.latencyWin, d)
	if len(c.latencyWin) > c.tuning.WindowSize {
		c.latencyWin = c.latencyWin[1:]
	}
}

func (c *Controller) successRate() float64 {
	if len(c.successWin) == 0 {
		return 0
	}
	n := 0
	for _, ok := range c.successWin {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(c.successWin))
}

func (c *Controller) avgLatency() time.Duration {
	if len(c.latencyWin) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range c.latencyWin {
		sum += d
	}
	return sum / time.Duration(len(c.latencyWin))
}

func (c *Controller) rateLimitFraction() float64 {
	if len(c.rateLimitWin) == 0 {
		return 0
	}
	n := 0
	for _, hit := range c.rateLimitWin {
		if hit {
			n++
		}
	}
	return float64(n) / float64(len(c.rateLimitWin))
}

func scale(v int, factor float64) int {
	return int(float64(v) * factor)
}
