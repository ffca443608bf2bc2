// Package coordinator serializes download attempts: one active attempt per
// module, a global concurrency cap, a per-module cooldown, and an hourly
// quota, with a bounded history of completed attempts.
package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/packstream/courier/pkg/audit"
)

// EndReason is the closed set of attempt outcomes.
type EndReason string

const (
	ReasonSuccess          EndReason = "success"
	ReasonCancelled        EndReason = "cancelled"
	ReasonNoInternet       EndReason = "no_internet"
	ReasonTimeout          EndReason = "timeout"
	ReasonServerError      EndReason = "server_error"
	ReasonChecksumMismatch EndReason = "checksum_mismatch"
	ReasonIntegrityFailed  EndReason = "integrity_failed"
	ReasonUnknown          EndReason = "unknown"
)

// Attempt is one in-flight download.
type Attempt struct {
	ModuleID      string
	AttemptID     string
	StartedAt     time.Time
	LastUpdatedAt time.Time
	BytesReceived int64
	ExpectedBytes int64
}

// Record is one completed download.
type Record struct {
	ModuleID        string
	AttemptID       string
	StartedAt       time.Time
	FinishedAt      time.Time
	Success         bool
	EndReason       EndReason
	ServerStatus    int
	BytesDownloaded int64
	ExpectedBytes   int64
}

// Stats summarizes coordinator state.
type Stats struct {
	Active     int
	Total      int
	Succeeded  int
	Failed     int
	TotalBytes int64
}

// TooManyConcurrentError rejects a reserve beyond the global cap.
type TooManyConcurrentError struct {
	Limit int
}

func (e *TooManyConcurrentError) Error() string {
	return fmt.Sprintf("too many concurrent downloads (limit %d)", e.Limit)
}

// AlreadyInProgressError rejects a second attempt for an active module.
type AlreadyInProgressError struct {
	ModuleID string
}

func (e *AlreadyInProgressError) Error() string {
	return fmt.Sprintf("download already in progress for module %q", e.ModuleID)
}

// RateLimitedError rejects an attempt inside the per-module cooldown.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// QuotaExceededError rejects an attempt beyond the hourly quota.
type QuotaExceededError struct {
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("hourly download quota exceeded (limit %d)", e.Limit)
}

// Coordinator is safe for concurrent use. Active table and history mutate
// together under one mutex; there is no finer-grained locking.
type Coordinator struct {
	mu      sync.Mutex
	active  map[string]*Attempt
	history []Record

	maxConcurrent int
	cooldown      time.Duration
	maxPerHour    int
	maxHistory    int

	sink  audit.Sink
	clock func() time.Time
}

// Option tweaks a Coordinator at construction.
type Option func(*Coordinator)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithMaxHistory overrides the history ring bound.
func WithMaxHistory(n int) Option {
	return func(c *Coordinator) { c.maxHistory = n }
}

// New builds a coordinator.
func New(maxConcurrent int, cooldown time.Duration, maxPerHour int, sink audit.Sink, opts ...Option) *Coordinator {
	if sink == nil {
		sink = audit.Discard{}
	}
	c := &Coordinator{
		active:        make(map[string]*Attempt),
		maxConcurrent: maxConcurrent,
		cooldown:      cooldown,
		maxPerHour:    maxPerHour,
		maxHistory:    200,
		sink:          sink,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reserve admits a new attempt for moduleID or rejects it with a typed
// policy error. On success the returned attempt id is unique to this call.
func (c *Coordinator) Reserve(moduleID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()

	if _, ok := c.active[moduleID]; ok {
		return "", &AlreadyInProgressError{ModuleID: moduleID}
	}
	if len(c.active) >= c.maxConcurrent {
		return "", &TooManyConcurrentError{Limit: c.maxConcurrent}
	}

	// Per-module cooldown against the most recent completion.
	for i := len(c.history) - 1; i >= 0; i-- {
		rec := c.history[i]
		if rec.ModuleID != moduleID {
			continue
		}
		if elapsed := now.Sub(rec.FinishedAt); elapsed < c.cooldown {
			retryAfter := c.cooldown - elapsed
			c.sink.Emit(audit.New(audit.RateLimitExceeded, moduleID, map[string]any{
				"retry_after_seconds": retryAfter.Seconds(),
			}))
			return "", &RateLimitedError{RetryAfter: retryAfter}
		}
		break
	}

	// Global hourly quota over completed attempts.
	cutoff := now.Add(-time.Hour)
	recent := 0
	for _, rec := range c.history {
		if !rec.FinishedAt.Before(cutoff) {
			recent++
		}
	}
	if recent >= c.maxPerHour {
		return "", &QuotaExceededError{Limit: c.maxPerHour}
	}

	attempt := &Attempt{
		ModuleID:      moduleID,
		AttemptID:     uuid.New().String(),
		StartedAt:     now,
		LastUpdatedAt: now,
	}
	c.active[moduleID] = attempt
	return attempt.AttemptID, nil
}

// UpdateProgress records bytes received for an active attempt. Stale tuples
// whose attempt id no longer matches are ignored.
func (c *Coordinator) UpdateProgress(moduleID, attemptID string, bytesReceived, expectedBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempt, ok := c.active[moduleID]
	if !ok || attempt.AttemptID != attemptID {
		return
	}
	attempt.BytesReceived = bytesReceived
	if expectedBytes > 0 {
		attempt.ExpectedBytes = expectedBytes
	}
	attempt.LastUpdatedAt = c.clock()
}

// Complete finishes an attempt and appends its record to history. It must
// run exactly once per successful Reserve.
func (c *Coordinator) Complete(moduleID, attemptID string, reason EndReason, bytesDownloaded, expectedBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	startedAt := now

	if attempt, ok := c.active[moduleID]; ok && attempt.AttemptID == attemptID {
		startedAt = attempt.StartedAt
		delete(c.active, moduleID)
	} else {
		// The active entry is already gone; recover the start time from a
		// prior record for the same attempt, if any.
		for i := len(c.history) - 1; i >= 0; i-- {
			if c.history[i].ModuleID == moduleID && c.history[i].AttemptID == attemptID {
				startedAt = c.history[i].StartedAt
				break
			}
		}
	}

	c.history = append(c.history, Record{
		ModuleID:        moduleID,
		AttemptID:       attemptID,
		StartedAt:       startedAt,
		FinishedAt:      now,
		Success:         reason == ReasonSuccess,
		EndReason:       reason,
		BytesDownloaded: bytesDownloaded,
		ExpectedBytes:   expectedBytes,
	})
	if excess := len(c.history) - c.maxHistory; excess > 0 {
		c.history = append([]Record(nil), c.history[excess:]...)
	}
}

// Active returns a snapshot of in-flight attempts.
func (c *Coordinator) Active() []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Attempt, 0, len(c.active))
	for _, a := range c.active {
		out = append(out, *a)
	}
	return out
}

// History returns a snapshot of completed records, oldest first.
func (c *Coordinator) History() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.history))
	copy(out, c.history)
	return out
}

// Statistics computes summary counters from history plus active attempts.
func (c *Coordinator) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{Active: len(c.active), Total: len(c.history)}
	for _, rec := range c.history {
		if rec.Success {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
		stats.TotalBytes += rec.BytesDownloaded
	}
	return stats
}
