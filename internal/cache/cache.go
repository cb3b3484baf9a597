// Package cache is the durable, write-buffered result cache. Outcomes merge
// into per-target records carrying a failure ledger; writes buffer in memory
// and flush in batches to SQLite.
package cache

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/modelprobe/modelprobe/internal/failure"
)

// maxFailureHistory bounds the per-target failure ledger; the oldest entry
// is evicted first.
const maxFailureHistory = 10

// Outcome is one completed probe attempt (post-retry).
type Outcome struct {
	TargetID   string
	Success    bool
	Latency    time.Duration
	ErrorKind  failure.Kind
	Excerpt    string
	ObservedAt time.Time
}

// FailureEvent is one entry of the bounded failure ledger.
type FailureEvent struct {
	Timestamp time.Time    `json:"timestamp"`
	ErrorKind failure.Kind `json:"error_kind"`
}

// Record is the cached state of one target: the latest outcome fields plus
// the failure ledger. The ledger persists across later successes; only an
// explicit reset zeroes it.
type Record struct {
	TargetID       string
	Success        bool
	Latency        time.Duration
	ErrorKind      failure.Kind
	Excerpt        string
	ObservedAt     time.Time
	FailureCount   int
	LastFailureAt  time.Time
	FailureHistory []FailureEvent
}

// Options configures a Cache.
type Options struct {
	// TTL is the freshness window for successful outcomes.
	TTL time.Duration

	// ResetFailuresOnSuccess clears a target's failure ledger when a probe
	// succeeds. Default false: a recovered target keeps its history until
	// an explicit reset.
	ResetFailuresOnSuccess bool

	// BufferSize is the initial flush threshold; the buffer self-tunes
	// between MinBuffer and MaxBuffer based on observed batch sizes.
	BufferSize int
	MinBuffer  int
	MaxBuffer  int

	// FlushInterval forces a flush when this much time has passed since
	// the last one, regardless of buffer occupancy.
	FlushInterval time.Duration

	Logger *slog.Logger
}

func (o *Options) fillDefaults() {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 50
	}
	if o.MinBuffer <= 0 {
		o.MinBuffer = 8
	}
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = 400
	}
	if o.BufferSize < o.MinBuffer {
		o.BufferSize = o.MinBuffer
	}
	if o.BufferSize > o.MaxBuffer {
		o.BufferSize = o.MaxBuffer
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// batchSamples is how many flush batches are observed before the buffer
// threshold is re-tuned.
const batchSamples = 5

// Cache merges probe outcomes into records and buffers writes.
//
// Reads always consult the buffer's merged state before the durable store,
// so a failure increment sitting in the buffer is never lost to a
// concurrent read-modify-write.
type Cache struct {
	store *Store
	opts  Options

	mu        sync.Mutex
	pending   map[string]Record
	threshold int
	lastFlush time.Time
	batches   []int

	now func() time.Time
}

// New creates a Cache over an open store.
func New(store *Store, opts Options) *Cache {
	opts.fillDefaults()
	return &Cache{
		store:     store,
		opts:      opts,
		pending:   make(map[string]Record),
		threshold: opts.BufferSize,
		lastFlush: time.Now(),
		now:       time.Now,
	}
}

// Get returns the merged record for a target: buffered state if present,
// otherwise the durable row.
func (c *Cache) Get(targetID string) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(targetID)
}

func (c *Cache) getLocked(targetID string) (Record, error) {
	if rec, ok := c.pending[targetID]; ok {
		return rec, nil
	}
	return c.store.Get(targetID)
}

// IsFresh reports whether a target's cached outcome can be trusted: a
// record exists, its last outcome succeeded, and it is younger than the
// TTL. A record aged exactly TTL is stale.
func (c *Cache) IsFresh(targetID string) bool {
	rec, err := c.Get(targetID)
	if err != nil {
		return false
	}
	if !rec.Success {
		return false
	}
	return c.now().Sub(rec.ObservedAt) < c.opts.TTL
}

// FailureCount returns the merged failure count for a target; zero when
// the target has no record.
func (c *Cache) FailureCount(targetID string) int {
	rec, err := c.Get(targetID)
	if err != nil {
		return 0
	}
	return rec.FailureCount
}

// Record merges an outcome into the target's record and buffers the write.
// A success overwrites the latest outcome fields and leaves the failure
// ledger alone (unless ResetFailuresOnSuccess); a failure additionally
// increments the count and appends to the bounded history.
//
// The buffer flushes when it reaches the current threshold or when the
// flush interval has elapsed, whichever comes first.
func (c *Cache) Record(o Outcome) error {
	if o.ObservedAt.IsZero() {
		o.ObservedAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Read-merge-write is one step under the lock: a concurrent failure
	// increment in the buffer must not be lost.
	prev, err := c.getLocked(o.TargetID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	rec := Record{
		TargetID:       o.TargetID,
		Success:        o.Success,
		Latency:        o.Latency,
		ErrorKind:      o.ErrorKind,
		Excerpt:        o.Excerpt,
		ObservedAt:     o.ObservedAt,
		FailureCount:   prev.FailureCount,
		LastFailureAt:  prev.LastFailureAt,
		FailureHistory: prev.FailureHistory,
	}

	if o.Success {
		if c.opts.ResetFailuresOnSuccess {
			rec.FailureCount = 0
			rec.LastFailureAt = time.Time{}
			rec.FailureHistory = nil
		}
	} else {
		rec.FailureCount++
		rec.LastFailureAt = o.ObservedAt
		rec.FailureHistory = appendBounded(rec.FailureHistory, FailureEvent{
			Timestamp: o.ObservedAt,
			ErrorKind: o.ErrorKind,
		})
	}

	c.pending[o.TargetID] = rec

	if len(c.pending) >= c.threshold || c.now().Sub(c.lastFlush) >= c.opts.FlushInterval {
		return c.flushLocked()
	}
	return nil
}

// Flush writes all buffered records to the store. Idempotent: a flush with
// an empty buffer writes nothing.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

// flushLocked performs the batch write and re-tunes the threshold.
// Caller holds the lock.
func (c *Cache) flushLocked() error {
	c.lastFlush = c.now()
	if len(c.pending) == 0 {
		return nil
	}

	batch := make([]Record, 0, len(c.pending))
	for _, rec := range c.pending {
		batch = append(batch, rec)
	}
	if err := c.store.UpsertBatch(batch); err != nil {
		// Keep the buffer so a later flush can retry.
		return err
	}

	c.pending = make(map[string]Record)
	c.observeBatch(len(batch))
	return nil
}

// observeBatch feeds the self-tuning of the flush threshold: consistently
// small batches favor latency (shrink), consistently saturated batches
// favor throughput (grow). Bounds are hard.
func (c *Cache) observeBatch(n int) {
	c.batches = append(c.batches, n)
	if len(c.batches) < batchSamples {
		return
	}

	sum := 0
	saturated := 0
	for _, b := range c.batches {
		sum += b
		if b >= c.threshold {
			saturated++
		}
	}
	avg := sum / len(c.batches)
	c.batches = c.batches[:0]

	switch {
	case saturated == batchSamples:
		next := c.threshold * 2
		if next > c.opts.MaxBuffer {
			next = c.opts.MaxBuffer
		}
		if next != c.threshold {
			c.opts.Logger.Debug("write buffer grown", "from", c.threshold, "to", next)
			c.threshold = next
		}
	case avg < c.threshold/4:
		next := c.threshold / 2
		if next < c.opts.MinBuffer {
			next = c.opts.MinBuffer
		}
		if next != c.threshold {
			c.opts.Logger.Debug("write buffer shrunk", "from", c.threshold, "to", next)
			c.threshold = next
		}
	}
}

// PersistentFailures flushes and returns records with at least threshold
// accumulated failures.
func (c *Cache) PersistentFailures(threshold int) ([]Record, error) {
	if err := c.Flush(); err != nil {
		return nil, err
	}
	return c.store.PersistentFailures(threshold)
}

// Records flushes and returns every stored record.
func (c *Cache) Records() ([]Record, error) {
	if err := c.Flush(); err != nil {
		return nil, err
	}
	return c.store.Records()
}

// FailedTargets flushes and returns the IDs whose last outcome failed.
func (c *Cache) FailedTargets() ([]string, error) {
	if err := c.Flush(); err != nil {
		return nil, err
	}
	return c.store.FailedTargets()
}

// ResetFailureCounts flushes, then zeroes every record's failure ledger.
func (c *Cache) ResetFailureCounts() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return c.store.ResetFailureCounts()
}

// Clear drops the buffer and deletes every durable record.
func (c *Cache) Clear() error {
	c.mu.Lock()
	c.pending = make(map[string]Record)
	c.mu.Unlock()
	return c.store.Clear()
}

// Stats flushes and aggregates over the durable records.
func (c *Cache) Stats() (StoreStats, error) {
	if err := c.Flush(); err != nil {
		return StoreStats{}, err
	}
	return c.store.Stats()
}

// CloseFlush is the shutdown flush: best-effort, log-only on failure.
func (c *Cache) CloseFlush() {
	if err := c.Flush(); err != nil {
		c.opts.Logger.Error("final cache flush failed", "error", err)
	}
}

func appendBounded(history []FailureEvent, ev FailureEvent) []FailureEvent {
	history = append(history, ev)
	if len(history) > maxFailureHistory {
		history = history[len(history)-maxFailureHistory:]
	}
	return history
}
