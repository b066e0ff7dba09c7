// Package dedup coalesces concurrent identical requests onto one upstream
// call. The first caller for a fingerprint is admitted as the primary and
// executes the request; every other caller subscribes to the primary's
// outcome, either awaiting the finished response or attaching to the
// primary's stream broadcaster. Failed entries can be retained for a short
// grace window so duplicates arriving just after the failure observe the
// same error instead of launching a doomed retry.
package dedup

import (
	"context"
	"net/http"
	"sync"
	"time"

	"log/slog"

	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/msgmux/internal/broadcast"
	"github.com/blueberrycongee/msgmux/pkg/errors"
	"github.com/blueberrycongee/msgmux/pkg/types"
)

// Options are the coalescing tunables.
type Options struct {
	Enabled     bool
	GracePeriod time.Duration // retention of failed entries for late duplicates
	WaitTimeout time.Duration // how long a duplicate waits on its primary
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Enabled:     true,
		GracePeriod: 3 * time.Second,
		WaitTimeout: 300 * time.Second,
	}
}

// Result is the outcome a completed primary hands to its duplicates.
type Result struct {
	Response *types.MessagesResponse
	Provider string
}

type entry struct {
	fingerprint string
	streaming   bool
	createdAt   time.Time

	done    chan struct{} // closed once the entry settles
	bcReady chan struct{} // closed once a broadcaster is set or the entry settles

	// guarded by Index.mu
	result  Result
	err     *errors.ProxyError
	bc      *broadcast.Broadcaster
	bcSet   bool
	settled bool
}

func newEntry(fingerprint string, streaming bool) *entry {
	return &entry{
		fingerprint: fingerprint,
		streaming:   streaming,
		createdAt:   time.Now(),
		done:        make(chan struct{}),
		bcReady:     make(chan struct{}),
	}
}

// Index is the process-wide deduplication map. Lookup, insert and handle
// creation happen under one mutex; waiting on a result uses per-entry
// channels outside the lock.
type Index struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*entry
	retained *gocache.Cache // fingerprint -> *entry kept through the grace window
}

// New creates an index. With Enabled false every admission is a primary
// and nothing is tracked.
func New(opts Options, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 300 * time.Second
	}
	idx := &Index{
		opts:     opts,
		logger:   logger,
		inflight: make(map[string]*entry),
	}
	if opts.GracePeriod > 0 {
		idx.retained = gocache.New(opts.GracePeriod, 2*opts.GracePeriod)
	}
	return idx
}

// InFlight returns the number of live entries.
func (d *Index) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Admission is the outcome of admitting one request. Exactly one field is
// set: Primary when the caller must execute the upstream request, Duplicate
// when an in-flight or grace-retained request already covers the
// fingerprint.
type Admission struct {
	Primary   *Handle
	Duplicate *Waiter
}

// Admit registers a request under its fingerprint. Concurrent calls for
// the same fingerprint yield exactly one primary; every other caller gets
// a waiter on that primary's entry.
func (d *Index) Admit(fingerprint string, streaming bool) Admission {
	if !d.opts.Enabled {
		return Admission{Primary: &Handle{idx: d, e: newEntry(fingerprint, streaming)}}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.inflight[fingerprint]; ok {
		return Admission{Duplicate: &Waiter{idx: d, e: e}}
	}
	if d.retained != nil {
		if v, ok := d.retained.Get(fingerprint); ok {
			return Admission{Duplicate: &Waiter{idx: d, e: v.(*entry)}}
		}
	}
	e := newEntry(fingerprint, streaming)
	d.inflight[fingerprint] = e
	return Admission{Primary: &Handle{idx: d, e: e}}
}

// Handle is held by the primary. Exactly one of Complete, Fail or Abandon
// settles the entry; later calls are ignored.
type Handle struct {
	idx *Index
	e   *entry
}

// RegisterBroadcaster publishes the stream fan-out so duplicate streaming
// requests can attach. Must be called before the first frame is pumped.
func (h *Handle) RegisterBroadcaster(bc *broadcast.Broadcaster) {
	d := h.idx
	d.mu.Lock()
	defer d.mu.Unlock()

	if h.e.settled || h.e.bcSet {
		return
	}
	h.e.bc = bc
	h.e.bcSet = true
	close(h.e.bcReady)
}

// Complete reports success and removes the entry immediately. Duplicates
// already waiting receive the result; new requests for the fingerprint go
// upstream again.
func (h *Handle) Complete(res Result) {
	h.settle(res, nil, false)
}

// Fail reports a classified failure. With retain set the entry survives
// for the grace period so duplicates arriving while the failure is fresh
// observe the same error.
func (h *Handle) Fail(perr *errors.ProxyError, retain bool) {
	h.settle(Result{}, perr, retain)
}

// Abandon settles the entry with a generic failure if the primary never
// reported an outcome. Intended for defer; a no-op after Complete or Fail.
func (h *Handle) Abandon() {
	h.settle(Result{}, &errors.ProxyError{
		StatusCode: http.StatusInternalServerError,
		Type:       errors.TypeAPIError,
		Kind:       errors.KindAPIError,
		Message:    "request terminated without a result",
	}, false)
}

func (h *Handle) settle(res Result, perr *errors.ProxyError, retain bool) {
	d := h.idx
	d.mu.Lock()
	defer d.mu.Unlock()

	e := h.e
	if e.settled {
		return
	}
	e.settled = true
	e.result = res
	e.err = perr
	close(e.done)
	if !e.bcSet {
		close(e.bcReady)
	}

	// Retention must be visible before the entry leaves the in-flight map
	// so a concurrent Admit cannot miss both.
	if retain && perr != nil && d.retained != nil {
		d.retained.Set(e.fingerprint, e, gocache.DefaultExpiration)
		d.logger.Debug("retaining failed entry for late duplicates",
			"fingerprint", e.fingerprint,
			"streaming", e.streaming,
			"grace_period", d.opts.GracePeriod,
		)
	}
	delete(d.inflight, e.fingerprint)
}

// Waiter is held by duplicate requests while the primary runs.
type Waiter struct {
	idx *Index
	e   *entry
}

// Response blocks until the primary settles and returns its result. Used
// by non-streaming duplicates.
func (w *Waiter) Response(ctx context.Context) (Result, *errors.ProxyError) {
	if perr := w.wait(ctx, w.e.done); perr != nil {
		return Result{}, perr
	}

	d := w.idx
	d.mu.Lock()
	defer d.mu.Unlock()
	if w.e.err != nil {
		return Result{}, w.e.err
	}
	return w.e.result, nil
}

// Broadcaster blocks until the primary registers its stream fan-out and
// returns it. When the primary failed before producing a stream, the
// primary's error is returned instead.
func (w *Waiter) Broadcaster(ctx context.Context) (*broadcast.Broadcaster, *errors.ProxyError) {
	if perr := w.wait(ctx, w.e.bcReady); perr != nil {
		return nil, perr
	}

	d := w.idx
	d.mu.Lock()
	defer d.mu.Unlock()
	if w.e.bc != nil {
		return w.e.bc, nil
	}
	if w.e.err != nil {
		return nil, w.e.err
	}
	return nil, &errors.ProxyError{
		StatusCode: http.StatusInternalServerError,
		Type:       errors.TypeAPIError,
		Kind:       errors.KindAPIError,
		Message:    "primary request finished without a stream",
	}
}

func (w *Waiter) wait(ctx context.Context, ready <-chan struct{}) *errors.ProxyError {
	timer := time.NewTimer(w.idx.opts.WaitTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return errors.New(errors.KindClientError, http.StatusRequestTimeout, "", "",
			"client disconnected while waiting for an identical in-flight request")
	case <-timer.C:
		return errors.New(errors.KindReadTimeout, http.StatusGatewayTimeout, "", "",
			"timed out waiting for an identical in-flight request")
	}
}
