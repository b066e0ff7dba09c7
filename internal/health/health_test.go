package health

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestTracker(opts Options) *Tracker {
	return NewTracker(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTrackerUnknownProviderIsHealthy(t *testing.T) {
	tr := newTestTracker(DefaultOptions())

	if !tr.IsHealthy("never-seen") {
		t.Error("unknown provider should be healthy")
	}
	st := tr.Status("never-seen")
	if !st.Healthy || st.ConsecutiveErrors != 0 {
		t.Errorf("Status() = %+v, want healthy zero-value", st)
	}
}

func TestTrackerThreshold(t *testing.T) {
	opts := DefaultOptions()
	opts.UnhealthyThreshold = 2
	tr := newTestTracker(opts)

	if unhealthy := tr.RecordError("p1", "connection_error"); unhealthy {
		t.Error("first error should stay below threshold")
	}
	if !tr.IsHealthy("p1") {
		t.Error("provider should be healthy below threshold")
	}

	if unhealthy := tr.RecordError("p1", "connection_error"); !unhealthy {
		t.Error("second error should reach threshold")
	}
	if tr.IsHealthy("p1") {
		t.Error("provider should be unhealthy at threshold")
	}

	st := tr.Status("p1")
	if st.ConsecutiveErrors != 2 {
		t.Errorf("consecutive errors = %d, want 2", st.ConsecutiveErrors)
	}
	if st.LastErrorTime.IsZero() {
		t.Error("last error time not recorded")
	}
}

func TestTrackerCooldownRecovery(t *testing.T) {
	opts := DefaultOptions()
	opts.UnhealthyThreshold = 1
	opts.FailureCooldown = 30 * time.Millisecond
	tr := newTestTracker(opts)

	tr.RecordError("p1", "read_timeout")
	if tr.IsHealthy("p1") {
		t.Fatal("provider should be unhealthy inside cooldown")
	}

	time.Sleep(50 * time.Millisecond)
	if !tr.IsHealthy("p1") {
		t.Error("provider should recover after cooldown")
	}
}

func TestTrackerResetOnSuccess(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		opts := DefaultOptions()
		opts.UnhealthyThreshold = 3
		tr := newTestTracker(opts)

		tr.RecordError("p1", "api_error")
		tr.RecordError("p1", "api_error")
		tr.RecordSuccess("p1")

		st := tr.Status("p1")
		if st.ConsecutiveErrors != 0 {
			t.Errorf("consecutive errors after success = %d, want 0", st.ConsecutiveErrors)
		}
		if st.LastSuccessTime.IsZero() {
			t.Error("last success time not recorded")
		}
	})

	t.Run("disabled", func(t *testing.T) {
		opts := DefaultOptions()
		opts.UnhealthyThreshold = 3
		opts.ResetOnSuccess = false
		tr := newTestTracker(opts)

		tr.RecordError("p1", "api_error")
		tr.RecordSuccess("p1")

		if got := tr.Status("p1").ConsecutiveErrors; got != 1 {
			t.Errorf("consecutive errors = %d, want 1 (no reset)", got)
		}
	})
}

func TestTrackerSweep(t *testing.T) {
	opts := DefaultOptions()
	opts.UnhealthyThreshold = 1
	opts.FailureCooldown = time.Hour
	opts.ResetTimeout = 20 * time.Millisecond
	tr := newTestTracker(opts)

	tr.RecordError("stale", "connection_error")
	tr.RecordError("fresh", "connection_error")

	time.Sleep(40 * time.Millisecond)
	tr.RecordError("fresh", "connection_error")

	if reset := tr.Sweep(); reset != 1 {
		t.Errorf("Sweep() reset %d providers, want 1", reset)
	}
	if !tr.IsHealthy("stale") {
		t.Error("stale provider should be healthy after sweep")
	}
	if tr.IsHealthy("fresh") {
		t.Error("fresh provider should remain unhealthy")
	}
}

func TestTrackerSnapshot(t *testing.T) {
	opts := DefaultOptions()
	opts.UnhealthyThreshold = 1
	tr := newTestTracker(opts)

	tr.RecordSuccess("good")
	tr.RecordError("bad", "bad_gateway")

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	if !snap["good"].Healthy {
		t.Error("good provider should be healthy")
	}
	if snap["bad"].Healthy {
		t.Error("bad provider should be unhealthy")
	}
}

func TestTrackerSetOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.UnhealthyThreshold = 5
	tr := newTestTracker(opts)

	tr.RecordError("p1", "api_error")
	tr.RecordError("p1", "api_error")
	if !tr.IsHealthy("p1") {
		t.Fatal("below threshold 5, should be healthy")
	}

	opts.UnhealthyThreshold = 2
	tr.SetOptions(opts)
	if tr.IsHealthy("p1") {
		t.Error("existing counter should cross the lowered threshold")
	}
}

func TestTrackerConcurrentRecording(t *testing.T) {
	opts := DefaultOptions()
	opts.UnhealthyThreshold = 1000
	tr := newTestTracker(opts)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				tr.RecordError("p1", "api_error")
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if got := tr.Status("p1").ConsecutiveErrors; got != 500 {
		t.Errorf("consecutive errors = %d, want exactly 500", got)
	}
}
