// Package broadcast fans one upstream SSE stream out to every client that
// shares the same request fingerprint. A single pump goroutine drains the
// upstream and appends each frame to an ordered buffer; subscribers replay
// the buffer on attach and then receive live frames, so every subscriber
// observes the same prefix-complete sequence regardless of when it joined.
package broadcast

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/blueberrycongee/msgmux/internal/streaming"
)

// DefaultQueueSize bounds the live portion of a subscriber's queue. A
// subscriber that falls this many frames behind the pump is evicted.
const DefaultQueueSize = 256

// State is the terminal disposition of a broadcast stream.
type State int

// Broadcast states. Pending transitions exactly once to one of the
// terminal states; no frames are appended afterwards.
const (
	StatePending State = iota
	StateCompleted
	StateErrored
	StateAborted
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// Source yields successive SSE frames from an upstream stream. Next returns
// io.EOF on a clean end and the underlying read error on an abrupt close.
type Source interface {
	Next() ([]byte, error)
}

// Broadcaster owns the recorded frame buffer and the live subscriber set
// for one upstream stream. The pump goroutine is the sole appender; all
// other state transitions take the broadcaster mutex.
type Broadcaster struct {
	requestID string
	provider  string
	logger    *slog.Logger

	mu      sync.Mutex
	frames  [][]byte
	subs    map[*Subscriber]struct{}
	state   State
	aborted bool
}

// New creates a broadcaster that is not yet pumping.
func New(requestID, provider string, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		requestID: requestID,
		provider:  provider,
		logger:    logger,
		subs:      make(map[*Subscriber]struct{}),
	}
}

// RequestID returns the primary request's identifier.
func (b *Broadcaster) RequestID() string { return b.requestID }

// Provider returns the upstream provider serving the stream.
func (b *Broadcaster) Provider() string { return b.provider }

// State returns the current disposition.
func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Frames returns a copy of the recorded frame list.
func (b *Broadcaster) Frames() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.frames))
	copy(out, b.frames)
	return out
}

// StreamError returns the first recorded error event, if any. The scan runs
// over the full recorded stream so a post-pump health check sees in-band
// errors even when the upstream closed the stream cleanly afterwards.
func (b *Broadcaster) StreamError() (errType, message string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamErrorLocked()
}

func (b *Broadcaster) streamErrorLocked() (string, string, bool) {
	for _, frame := range b.frames {
		if streaming.IsErrorEvent(frame) {
			errType, message, ok := streaming.ParseErrorEvent(frame)
			if !ok {
				return "api_error", "upstream reported a stream error", true
			}
			return errType, message, true
		}
	}
	return "", "", false
}

// Subscribe attaches a new consumer. Its channel first replays every frame
// recorded so far, then delivers live frames in pump order, and closes at
// terminal state or on eviction. Subscribing after termination yields only
// the replay followed by the close.
func (b *Broadcaster) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscriber{
		b:     b,
		queue: make(chan []byte, len(b.frames)+DefaultQueueSize),
	}
	for _, frame := range b.frames {
		s.queue <- frame
	}
	if b.state != StatePending {
		s.closed = true
		close(s.queue)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Abort marks the stream cancelled. The caller must separately close the
// upstream body so the pump's blocked read returns.
func (b *Broadcaster) Abort() {
	b.mu.Lock()
	b.aborted = true
	b.mu.Unlock()
}

// Pump drains the source, recording every frame and copying it to each live
// subscriber. It runs in the caller's goroutine and returns the terminal
// state once the source ends, errors, or the broadcaster was aborted. An
// abrupt close appends a synthesized error event so subscribers and the
// post-stream check observe the failure in-band.
func (b *Broadcaster) Pump(src Source) State {
	for {
		frame, err := src.Next()
		if len(frame) > 0 {
			b.append(frame)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return b.finish(false)
		}
		if b.isAborted() {
			b.logger.Debug("stream pump aborted",
				"request_id", b.requestID,
				"provider", b.provider,
			)
			return b.finish(true)
		}
		b.logger.Warn("upstream stream closed abruptly",
			"request_id", b.requestID,
			"provider", b.provider,
			"error", err,
		)
		b.append(streaming.ErrorEvent("api_error", "upstream connection lost before the stream completed"))
		return b.finish(false)
	}
}

func (b *Broadcaster) isAborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}

// append records one frame and fans it out. A subscriber whose queue is
// full has fallen behind the upstream and is evicted; the pump never
// blocks on a slow consumer.
func (b *Broadcaster) append(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StatePending {
		return
	}
	b.frames = append(b.frames, frame)
	for s := range b.subs {
		select {
		case s.queue <- frame:
		default:
			s.closed = true
			s.evicted = true
			delete(b.subs, s)
			close(s.queue)
			b.logger.Warn("evicted slow stream subscriber",
				"request_id", b.requestID,
				"provider", b.provider,
				"frames", len(b.frames),
			)
		}
	}
}

// finish transitions to the terminal state exactly once and releases every
// live subscriber. The state is Errored when any recorded frame is an
// error event, regardless of how the source ended.
func (b *Broadcaster) finish(aborted bool) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StatePending {
		return b.state
	}
	switch {
	case aborted:
		b.state = StateAborted
	default:
		if _, _, errored := b.streamErrorLocked(); errored {
			b.state = StateErrored
		} else {
			b.state = StateCompleted
		}
	}
	for s := range b.subs {
		s.closed = true
		delete(b.subs, s)
		close(s.queue)
	}
	b.logger.Debug("stream broadcast finished",
		"request_id", b.requestID,
		"provider", b.provider,
		"state", b.state.String(),
		"frames", len(b.frames),
	)
	return b.state
}

// Subscriber is one consumer of a broadcast stream.
type Subscriber struct {
	b     *Broadcaster
	queue chan []byte

	// guarded by b.mu
	closed  bool
	evicted bool
}

// Frames returns the delivery channel. It closes when the stream reaches a
// terminal state or the subscriber is evicted or closed.
func (s *Subscriber) Frames() <-chan []byte { return s.queue }

// Evicted reports whether the subscriber was dropped for falling behind.
func (s *Subscriber) Evicted() bool {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.evicted
}

// Close detaches the subscriber, typically on client disconnect. It never
// affects the pump or any other subscriber; the pump keeps draining the
// source even when the last subscriber leaves so the stream outcome is
// still observed. Close is idempotent.
func (s *Subscriber) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	delete(s.b.subs, s)
	close(s.queue)
}
