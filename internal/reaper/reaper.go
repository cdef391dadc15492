// Package reaper implements StaleReaper: a single background ticker that
// periodically removes workers whose heartbeat has gone stale. Grounded on
// the teacher's controller.timeoutLoop (select on stopCh/ticker.C,
// log-and-continue on a scan failure, never crash the process).
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Registry is the subset of *registry.Registry the reaper needs.
type Registry interface {
	CleanupStale(ctx context.Context, now time.Time) (int, error)
}

// MetricsSink is the subset of internal/metrics.Collector the reaper
// reports to. Optional, like registry.MetricsSink.
type MetricsSink interface {
	IncReapRemoved(n int)
}

// Reaper runs CleanupStale every interval until Stop is called.
type Reaper struct {
	registry Registry
	interval time.Duration
	logger   *zap.Logger
	metrics  MetricsSink

	stopCh chan struct{}
	doneCh chan struct{}
}

// SetMetrics attaches a MetricsSink.
func (r *Reaper) SetMetrics(m MetricsSink) {
	r.metrics = m
}

// New builds a Reaper. It does not start its goroutine until Start is
// called.
func New(reg Registry, interval time.Duration, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		registry: reg,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background ticker loop.
func (r *Reaper) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			n, err := r.registry.CleanupStale(ctx, time.Now().UTC())
			if err != nil {
				// Reaper failures are logged but never crash the process;
				// the next tick retries.
				r.logger.Warn("stale reap failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("reaped stale workers", zap.Int("count", n))
				if r.metrics != nil {
					r.metrics.IncReapRemoved(n)
				}
			}
		}
	}
}

// Stop signals the loop to exit and waits for it to do so.
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.doneCh
}
