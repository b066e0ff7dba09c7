// Package health tracks per-provider consecutive error counts and decides
// when a provider is quarantined. A provider becomes unhealthy once its
// consecutive errors reach the configured threshold and stays unhealthy
// until the failure cooldown elapses. Counters reset on success (when
// configured) and after a idle timeout swept by a background loop.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Options are the tunables for unhealthy detection. They are swapped as a
// unit on config reload.
type Options struct {
	UnhealthyThreshold int
	FailureCooldown    time.Duration
	ResetOnSuccess     bool
	ResetTimeout       time.Duration
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{
		UnhealthyThreshold: 2,
		FailureCooldown:    60 * time.Second,
		ResetOnSuccess:     true,
		ResetTimeout:       300 * time.Second,
	}
}

// Status is a point-in-time view of one provider's health accounting.
type Status struct {
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastErrorTime     time.Time `json:"last_error_time"`
	LastSuccessTime   time.Time `json:"last_success_time"`
	Healthy           bool      `json:"healthy"`
}

type entry struct {
	consecutiveErrors int
	lastErrorTime     time.Time
	lastSuccessTime   time.Time
}

// Tracker is the process-wide health accountant. All mutations take the
// single mutex; the map stays small (one entry per provider) and no I/O
// happens under the lock.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
	logger  *slog.Logger
}

// NewTracker creates a tracker with the given options.
func NewTracker(opts Options, logger *slog.Logger) *Tracker {
	if opts.UnhealthyThreshold < 1 {
		opts.UnhealthyThreshold = 1
	}
	return &Tracker{
		entries: make(map[string]*entry),
		opts:    opts,
		logger:  logger,
	}
}

// SetOptions swaps the tunables, typically from a config reload callback.
// Existing counters are preserved.
func (t *Tracker) SetOptions(opts Options) {
	if opts.UnhealthyThreshold < 1 {
		opts.UnhealthyThreshold = 1
	}
	t.mu.Lock()
	t.opts = opts
	t.mu.Unlock()
}

func (t *Tracker) get(name string) *entry {
	e, ok := t.entries[name]
	if !ok {
		e = &entry{}
		t.entries[name] = e
	}
	return e
}

// RecordSuccess notes a successful attempt. The error counter is cleared
// when reset-on-success is enabled.
func (t *Tracker) RecordSuccess(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.get(name)
	e.lastSuccessTime = time.Now()
	if t.opts.ResetOnSuccess && e.consecutiveErrors > 0 {
		t.logger.Debug("provider error count reset after success",
			"provider", name,
			"previous_errors", e.consecutiveErrors,
		)
		e.consecutiveErrors = 0
		e.lastErrorTime = time.Time{}
	}
}

// RecordError notes a failed attempt and reports whether the provider has
// just reached (or remains past) the unhealthy threshold. The increment and
// the threshold check happen under one lock acquisition, so counting is
// exact under concurrency.
func (t *Tracker) RecordError(name string, kind string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.get(name)
	e.consecutiveErrors++
	e.lastErrorTime = time.Now()

	if e.consecutiveErrors >= t.opts.UnhealthyThreshold {
		t.logger.Warn("provider marked unhealthy",
			"provider", name,
			"consecutive_errors", e.consecutiveErrors,
			"threshold", t.opts.UnhealthyThreshold,
			"error_kind", kind,
		)
		return true
	}
	t.logger.Debug("provider error below threshold",
		"provider", name,
		"consecutive_errors", e.consecutiveErrors,
		"threshold", t.opts.UnhealthyThreshold,
		"error_kind", kind,
	)
	return false
}

// IsHealthy reports whether a provider may receive traffic. Unknown
// providers are healthy. An unhealthy provider recovers once the failure
// cooldown has elapsed since its last error.
func (t *Tracker) IsHealthy(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.healthyLocked(t.entries[name])
}

func (t *Tracker) healthyLocked(e *entry) bool {
	if e == nil || e.consecutiveErrors < t.opts.UnhealthyThreshold {
		return true
	}
	return time.Since(e.lastErrorTime) > t.opts.FailureCooldown
}

// Status returns the accounting for one provider.
func (t *Tracker) Status(name string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[name]
	if e == nil {
		return Status{Healthy: true}
	}
	return Status{
		ConsecutiveErrors: e.consecutiveErrors,
		LastErrorTime:     e.lastErrorTime,
		LastSuccessTime:   e.lastSuccessTime,
		Healthy:           t.healthyLocked(e),
	}
}

// Snapshot returns the accounting for every tracked provider.
func (t *Tracker) Snapshot() map[string]Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Status, len(t.entries))
	for name, e := range t.entries {
		out[name] = Status{
			ConsecutiveErrors: e.consecutiveErrors,
			LastErrorTime:     e.lastErrorTime,
			LastSuccessTime:   e.lastSuccessTime,
			Healthy:           t.healthyLocked(e),
		}
	}
	return out
}

// Sweep clears the counter of every provider whose last error is older than
// the reset timeout. Returns the number of providers reset.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.opts.ResetTimeout <= 0 {
		return 0
	}

	reset := 0
	for name, e := range t.entries {
		if e.consecutiveErrors > 0 && time.Since(e.lastErrorTime) > t.opts.ResetTimeout {
			t.logger.Info("provider error count reset after idle timeout",
				"provider", name,
				"previous_errors", e.consecutiveErrors,
				"reset_timeout", t.opts.ResetTimeout,
			)
			e.consecutiveErrors = 0
			e.lastErrorTime = time.Time{}
			reset++
		}
	}
	return reset
}

// Run sweeps periodically until the context is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
