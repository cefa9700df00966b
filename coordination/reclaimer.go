package coordination

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/modubot/cafeworks/audit"
	"github.com/modubot/cafeworks/heartbeat"
	"github.com/modubot/cafeworks/queue"
)

// ReclaimerConfig tunes the orphan sweep.
type ReclaimerConfig struct {
	// Interval between sweeps.
	Interval time.Duration
}

func (c ReclaimerConfig) withDefaults() ReclaimerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	return c
}

// Reclaimer returns ACTIVE jobs owned by dead workers to the wait list. A
// worker that crashes mid-job leaves the job ACTIVE forever; once its
// heartbeat falls out of the online window the sweep re-enqueues everything
// it held. Handlers are idempotent per dedup key, so a job that actually
// finished just before the crash is at worst re-posted and skipped.
type Reclaimer struct {
	queues   []queue.Queue
	registry heartbeat.Registry
	rec      *audit.Recorder
	cfg      ReclaimerConfig
	log      *zap.SugaredLogger
}

func NewReclaimer(queues []queue.Queue, reg heartbeat.Registry, rec *audit.Recorder, cfg ReclaimerConfig, log *zap.SugaredLogger) *Reclaimer {
	return &Reclaimer{
		queues:   queues,
		registry: reg,
		rec:      rec,
		cfg:      cfg.withDefaults(),
		log:      log.Named("reclaimer"),
	}
}

// Start blocks, sweeping every Interval until ctx is cancelled. Runs under
// the leader lease so replicas don't race to re-enqueue the same jobs;
// ReenqueueActive is atomic per worker either way.
func (r *Reclaimer) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.log.Infow("reclaimer started", "interval", r.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reclaimer stopped")
			return
		case <-ticker.C:
			if n := r.Sweep(ctx); n > 0 {
				r.log.Infow("sweep complete", "reclaimed", n)
			}
		}
	}
}

// Sweep re-enqueues every ACTIVE job whose worker has no live heartbeat and
// returns how many jobs moved. Failures are logged per queue; one broken
// queue must not stop the others from being swept.
func (r *Reclaimer) Sweep(ctx context.Context) int {
	online, err := r.registry.OnlineWorkers(ctx)
	if err != nil {
		r.log.Errorw("sweep aborted: registry unavailable", "error", err)
		return 0
	}
	alive := make(map[string]bool, len(online))
	for _, w := range online {
		alive[w.WorkerID] = true
	}

	total := 0
	for _, q := range r.queues {
		jobs, err := q.ActiveJobs(ctx)
		if err != nil {
			r.log.Errorw("sweep: list active jobs failed", "queue", q.Name(), "error", err)
			continue
		}

		byWorker := make(map[string]int)
		for _, j := range jobs {
			if j.WorkerID == "" || alive[j.WorkerID] {
				continue
			}
			byWorker[j.WorkerID]++
		}

		for workerID, held := range byWorker {
			n, err := q.ReenqueueActive(ctx, workerID)
			if err != nil {
				r.log.Errorw("sweep: re-enqueue failed",
					"queue", q.Name(), "worker", workerID, "error", err)
				continue
			}
			if n == 0 {
				continue
			}
			total += n
			r.log.Warnw("reclaimed orphaned jobs",
				"queue", q.Name(), "worker", workerID, "jobs", n, "seenActive", held)
			r.rec.System(ctx, audit.EntityQueue, q.Name(), audit.ActionWorkerReclaim,
				fmt.Sprintf("re-enqueued %d job(s) held by offline worker %s", n, workerID))
		}
	}
	return total
}
