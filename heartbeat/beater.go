package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/modubot/cafeworks/observability"
)

// Beater publishes one worker's liveness on a fixed cadence. The worker
// pool feeds the job counters; the loop snapshots them into each beat.
type Beater struct {
	registry Registry
	log      *zap.SugaredLogger

	info      WorkerInfo // static identity fields
	active    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64

	interval time.Duration
	done     chan struct{}
}

// NewBeater builds a beater for one worker identity. interval <= 0 means
// the default BeatInterval.
func NewBeater(registry Registry, info WorkerInfo, interval time.Duration, log *zap.SugaredLogger) *Beater {
	if interval <= 0 {
		interval = BeatInterval
	}
	return &Beater{
		registry: registry,
		log:      log.Named("beater").With("workerId", info.WorkerID),
		info:     info,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// JobStarted is called by the pool when a handler begins executing.
func (b *Beater) JobStarted() { b.active.Add(1) }

// JobFinished is called by the pool on any handler outcome.
func (b *Beater) JobFinished(failed bool) {
	b.active.Add(-1)
	if failed {
		b.failed.Add(1)
	} else {
		b.processed.Add(1)
	}
}

// Snapshot returns the record the next beat would publish. The worker's
// status endpoint serves this.
func (b *Beater) Snapshot() WorkerInfo {
	info := b.info
	info.ActiveJobs = b.active.Load()
	info.ProcessedJobs = b.processed.Load()
	info.FailedJobs = b.failed.Load()
	return info
}

// Start beats immediately, then on every tick until ctx is cancelled. On
// shutdown the worker is deregistered so it vanishes from the fleet view
// without waiting for the window to lapse.
func (b *Beater) Start(ctx context.Context) {
	defer close(b.done)

	b.beat(ctx)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.beat(ctx)
		case <-ctx.Done():
			// The parent context is gone; give the deregister its own bound.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := b.registry.Deregister(shutdownCtx, b.info.WorkerID); err != nil {
				b.log.Warnw("deregister failed", "error", err)
			}
			cancel()
			return
		}
	}
}

// Wait blocks until the beat loop has exited and the worker is deregistered.
func (b *Beater) Wait() { <-b.done }

func (b *Beater) beat(ctx context.Context) {
	if err := b.registry.Beat(ctx, b.Snapshot()); err != nil {
		observability.HeartbeatFailures.Inc()
		b.log.Warnw("heartbeat failed", "error", err)
	}
}
