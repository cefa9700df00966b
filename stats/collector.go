// Package stats takes periodic snapshots of queue depth, throughput and
// fleet size. The collector runs as the handler of a repeatable job, so the
// series keeps filling no matter which control-plane node holds the lease.
package stats

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/heartbeat"
	"github.com/modubot/cafeworks/incident"
	"github.com/modubot/cafeworks/observability"
	"github.com/modubot/cafeworks/pool"
	"github.com/modubot/cafeworks/queue"
	"github.com/modubot/cafeworks/store"
)

type Config struct {
	// Retention bounds how far back snapshots are kept. Defaults to 24h.
	Retention time.Duration

	// StepTimeout caps each collection step so one slow dependency cannot
	// stall the whole pass. Defaults to 3s.
	StepTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 3 * time.Second
	}
	return c
}

// Collector snapshots every observed queue and hands the fresh series to the
// incident detector. Steps are independent: a failing queue is logged and
// skipped, never aborting the pass.
type Collector struct {
	queues   []queue.Queue
	registry heartbeat.Registry
	store    store.Store
	detector *incident.Detector
	cfg      Config
	log      *zap.SugaredLogger

	now func() time.Time
}

func NewCollector(queues []queue.Queue, reg heartbeat.Registry, st store.Store, det *incident.Detector, cfg Config, log *zap.SugaredLogger) *Collector {
	return &Collector{
		queues:   queues,
		registry: reg,
		store:    st,
		detector: det,
		cfg:      cfg.withDefaults(),
		log:      log.Named("stats"),
		now:      time.Now,
	}
}

// passSummary is the repeatable job's return value, visible on the job
// record for operators poking at the system queue.
type passSummary struct {
	Snapshots     int   `json:"snapshots"`
	Errors        int   `json:"errors"`
	OnlineWorkers int64 `json:"onlineWorkers"`
	PrunedWorkers int   `json:"prunedWorkers"`
	PrunedRows    int64 `json:"prunedRows"`
}

// Handle runs one collection pass. Implements pool.Handler.
func (c *Collector) Handle(ctx context.Context, jc *pool.JobContext) (json.RawMessage, error) {
	start := time.Now()
	defer func() {
		observability.SnapshotDuration.Observe(time.Since(start).Seconds())
	}()

	now := c.now().UTC()
	var sum passSummary

	online, pruned := c.sweepFleet(ctx)
	sum.OnlineWorkers = online
	sum.PrunedWorkers = pruned

	for _, q := range c.queues {
		if err := c.snapshotQueue(ctx, q, online, now); err != nil {
			sum.Errors++
			c.log.Warnw("snapshot failed", "queue", q.Name(), "error", err)
			continue
		}
		sum.Snapshots++
	}

	sum.PrunedRows = c.pruneSeries(ctx, now)

	for _, q := range c.queues {
		if err := c.evaluate(ctx, q.Name()); err != nil {
			sum.Errors++
			c.log.Warnw("incident evaluation failed", "queue", q.Name(), "error", err)
		}
	}

	return json.Marshal(sum)
}

// snapshotQueue reads counts, derives throughput against the previous sample
// and appends one row to the series.
func (c *Collector) snapshotQueue(ctx context.Context, q queue.Queue, online int64, now time.Time) error {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	defer cancel()

	counts, err := q.GetCounts(stepCtx)
	if err != nil {
		return err
	}

	snap := &store.QueueStatsSnapshot{
		QueueName:     q.Name(),
		Waiting:       counts.Waiting,
		Active:        counts.Active,
		Delayed:       counts.Delayed,
		Completed:     counts.Completed,
		Failed:        counts.Failed,
		Paused:        counts.Paused,
		OnlineWorkers: int(online),
		Timestamp:     now,
	}

	prev, err := c.store.LatestSnapshot(stepCtx, q.Name())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if prev != nil {
		// Completed is cumulative, so the delta since the previous sample is
		// the interval throughput. Clean resets the counter backwards; clamp
		// instead of reporting a negative rate.
		delta := float64(counts.Completed - prev.Completed)
		if delta < 0 {
			delta = 0
			snap.Clamped = true
			observability.SnapshotClamped.Inc()
		}
		var perMin float64
		if elapsed := now.Sub(prev.Timestamp); elapsed > 0 {
			perMin = delta * float64(time.Minute) / float64(elapsed)
		}
		snap.JobsPerMin = &perMin
	}

	if err := c.store.InsertSnapshot(stepCtx, snap); err != nil {
		return err
	}

	observability.QueueDepth.WithLabelValues(q.Name(), "waiting").Set(float64(counts.Waiting))
	observability.QueueDepth.WithLabelValues(q.Name(), "active").Set(float64(counts.Active))
	observability.QueueDepth.WithLabelValues(q.Name(), "delayed").Set(float64(counts.Delayed))
	observability.QueueDepth.WithLabelValues(q.Name(), "failed").Set(float64(counts.Failed))
	return nil
}

// sweepFleet drops workers that stopped beating and reports the live count.
func (c *Collector) sweepFleet(ctx context.Context) (online int64, prunedCount int) {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	defer cancel()

	pruned, err := c.registry.PruneOffline(stepCtx)
	if err != nil {
		c.log.Warnw("fleet prune failed", "error", err)
	} else if len(pruned) > 0 {
		c.log.Infow("pruned offline workers", "workers", pruned)
	}

	online, err = c.registry.OnlineCount(stepCtx)
	if err != nil {
		c.log.Warnw("fleet count failed", "error", err)
		return 0, len(pruned)
	}
	observability.WorkersOnline.Set(float64(online))
	return online, len(pruned)
}

func (c *Collector) pruneSeries(ctx context.Context, now time.Time) int64 {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	defer cancel()

	removed, err := c.store.PruneSnapshots(stepCtx, now.Add(-c.cfg.Retention))
	if err != nil {
		c.log.Warnw("snapshot prune failed", "error", err)
		return 0
	}
	return removed
}

func (c *Collector) evaluate(ctx context.Context, queueName string) error {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	defer cancel()
	return c.detector.Evaluate(stepCtx, queueName)
}
