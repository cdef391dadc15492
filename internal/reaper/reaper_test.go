package reaper

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeRegistry struct {
	mu      sync.Mutex
	stale   int
	err     error
	calls   int32
	lastNow time.Time
}

func (f *fakeRegistry) CleanupStale(ctx context.Context, now time.Time) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastNow = now
	return f.stale, f.err
}

type fakeMetricsSink struct {
	removed int32
}

func (f *fakeMetricsSink) IncReapRemoved(n int) { atomic.AddInt32(&f.removed, int32(n)) }

// The reaper calls CleanupStale on every tick and reports removals to its
// attached MetricsSink.
func TestReaper_TicksAndReportsRemovals(t *testing.T) {
	reg := &fakeRegistry{stale: 3}
	sink := &fakeMetricsSink{}

	r := New(reg, 10*time.Millisecond, zap.NewNop())
	r.SetMetrics(sink)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&sink.removed) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	r.Stop()

	if atomic.LoadInt32(&sink.removed) == 0 {
		t.Fatalf("expected at least one reap removal to be reported")
	}
	if atomic.LoadInt32(&reg.calls) == 0 {
		t.Fatalf("expected CleanupStale to have been called")
	}
}

// A CleanupStale failure is logged and does not stop the loop; the next
// tick retries.
func TestReaper_SurvivesCleanupError(t *testing.T) {
	reg := &fakeRegistry{err: context.DeadlineExceeded}
	r := New(reg, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	deadline := time.Now().Add(200 * time.Millisecond)
	for atomic.LoadInt32(&reg.calls) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	r.Stop()

	if atomic.LoadInt32(&reg.calls) < 3 {
		t.Fatalf("expected multiple retries after CleanupStale errors, got %d calls", reg.calls)
	}
}

// Stop returns once the loop goroutine has actually exited. (Stop closes
// stopCh, so a second call on the same Reaper panics.)
func TestReaper_StopWaitsForLoopExit(t *testing.T) {
	reg := &fakeRegistry{}
	r := New(reg, time.Hour, zap.NewNop())
	r.Start(context.Background())
	r.Stop()
	select {
	case <-r.doneCh:
	default:
		t.Fatalf("expected doneCh closed after Stop returns")
	}
}
