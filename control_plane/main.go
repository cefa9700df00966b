// The control plane is the operational brain of the posting system: it plans
// schedule runs, samples queue health, detects incidents and serves the admin
// and dashboard HTTP surfaces. Replicas are safe; singleton work (planner,
// snapshot poller, reclaimer) runs only on the leaseholder.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/audit"
	"github.com/modubot/cafeworks/config"
	"github.com/modubot/cafeworks/coordination"
	"github.com/modubot/cafeworks/heartbeat"
	"github.com/modubot/cafeworks/incident"
	"github.com/modubot/cafeworks/policy"
	"github.com/modubot/cafeworks/pool"
	"github.com/modubot/cafeworks/queue"
	"github.com/modubot/cafeworks/schedule"
	"github.com/modubot/cafeworks/stats"
	"github.com/modubot/cafeworks/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.Named("control-plane")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs the queues, the heartbeat registry and the leader lease.
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatalw("redis unreachable", "addr", cfg.Redis.Addr, "error", err)
	}
	log.Infow("connected to redis", "addr", cfg.Redis.Addr)

	st := openStore(ctx, cfg, log)
	defer st.Close()

	cafeQ, err := queue.NewRedisQueue(client, queue.Config{
		Name:               cfg.Queue.Name,
		KnownTypes:         []queue.JobType{queue.TypeCreatePost},
		ReserveBlock:       cfg.Queue.ReserveBlock,
		RetentionCompleted: cfg.Queue.RetentionCompleted,
		RetentionFailed:    cfg.Queue.RetentionFailed,
	}, log)
	if err != nil {
		log.Fatalw("open posting queue", "error", err)
	}
	sysQ, err := queue.NewRedisQueue(client, queue.Config{
		Name:         cfg.Queue.SystemName,
		KnownTypes:   []queue.JobType{queue.TypeStatsSnapshot},
		ReserveBlock: cfg.Queue.ReserveBlock,
	}, log)
	if err != nil {
		log.Fatalw("open system queue", "error", err)
	}

	registry, err := heartbeat.NewRedisRegistry(client, heartbeat.Config{
		OnlineWindow: cfg.Heartbeat.OnlineWindow,
	}, log)
	if err != nil {
		log.Fatalw("open heartbeat registry", "error", err)
	}

	recorder := audit.NewRecorder(st, log)
	gate := policy.NewGate(st, cafeQ, recorder, policy.Config{
		AutoSuspendThreshold: cfg.Policy.AutoSuspendThreshold,
	}, log)
	detector := incident.NewDetector(st, recorder, incident.Config{
		ResolveAfter: cfg.Incident.ResolveAfter,
	}, log)
	collector := stats.NewCollector([]queue.Queue{cafeQ, sysQ}, registry, st, detector, stats.Config{
		Retention: cfg.Stats.Retention,
	}, log)
	planner, err := schedule.NewPlanner(st, cafeQ, gate, recorder, schedule.PlannerConfig{
		Tick:     cfg.Planner.Tick,
		Timezone: cfg.Planner.Timezone,
	}, log)
	if err != nil {
		log.Fatalw("build planner", "error", err)
	}
	reader := schedule.NewReader(st, schedule.ReaderConfig{})

	// The reclaimer watches the posting queue only. The system queue's sole
	// consumer is the leader's poller, which never heartbeats; its orphans
	// are adopted on leadership change instead.
	reclaimer := coordination.NewReclaimer([]queue.Queue{cafeQ}, registry, recorder, coordination.ReclaimerConfig{}, log)

	// Idempotent on every boot: the registry keeps at most one live snapshot
	// job regardless of how many replicas seed it.
	seedCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = sysQ.SeedRepeatable(seedCtx, queue.RepeatSpec{
		JobID: queue.StatsSnapshotJobID,
		Type:  queue.TypeStatsSnapshot,
		Every: cfg.Stats.Interval,
	})
	cancel()
	if err != nil {
		log.Fatalw("seed snapshot repeatable", "error", err)
	}

	nodeID := heartbeat.DefaultWorkerID()
	elector := coordination.NewElector(client, coordination.ElectorConfig{NodeID: nodeID}, log)
	elector.SetCallbacks(func(leaderCtx context.Context) {
		runLeaderDuties(leaderCtx, log, leaderDeps{
			sysQ:      sysQ,
			collector: collector,
			planner:   planner,
			reclaimer: reclaimer,
			nodeID:    nodeID,
		})
	}, nil)
	go elector.Start(ctx)

	api := NewAPI(
		[]queue.Queue{cafeQ, sysQ},
		st, registry, planner, reader, detector, elector, recorder,
		cfg.Server.ParseAdminTokens(), log,
	)
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("control plane listening", "addr", cfg.Server.Addr, "node", nodeID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown incomplete", "error", err)
	}
	// The deferred client/store closes run after the elector released the
	// lease via ctx cancellation inside Start.
	log.Info("control plane stopped")
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) store.Store {
	if cfg.Postgres.DSN == "" {
		log.Warn("no postgres DSN configured; using the in-memory store (single process only)")
		return store.NewMemoryStore()
	}
	if err := store.Migrate(cfg.Postgres.DSN); err != nil {
		log.Fatalw("run migrations", "error", err)
	}
	st, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalw("connect to postgres", "error", err)
	}
	log.Info("connected to postgres")
	return st
}

// leaderDeps bundles what one leadership term needs.
type leaderDeps struct {
	sysQ      queue.Queue
	collector *stats.Collector
	planner   *schedule.Planner
	reclaimer *coordination.Reclaimer
	nodeID    string
}

// runLeaderDuties owns one leadership term: the run planner, the orphan
// reclaimer, the repeatable ticker and the system-job poller all live exactly
// as long as the lease. Blocks until leaderCtx is cancelled.
func runLeaderDuties(leaderCtx context.Context, log *zap.SugaredLogger, d leaderDeps) {
	adoptOrphanedSystemJobs(leaderCtx, d.sysQ, d.nodeID, log)

	reg := pool.NewRegistry()
	reg.Register(queue.TypeStatsSnapshot, d.collector)
	sysPool := pool.New(d.sysQ, reg, pool.Deps{}, pool.Config{
		WorkerID:   d.nodeID,
		Workers:    1,
		JobTimeout: time.Minute,
	}, log)
	sysPool.Start()

	go d.planner.Start(leaderCtx)
	go d.reclaimer.Start(leaderCtx)
	go tickRepeatables(leaderCtx, d.sysQ, log)

	<-leaderCtx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sysPool.Stop(stopCtx); err != nil {
		log.Warnw("system pool stop failed", "error", err)
	}
}

// adoptOrphanedSystemJobs returns system jobs held by a previous leader to
// the wait list. The previous holder either released gracefully (nothing to
// do) or died mid-pass; a stuck ACTIVE snapshot job would block the
// repeatable's single-live-instance rule forever.
func adoptOrphanedSystemJobs(ctx context.Context, sysQ queue.Queue, self string, log *zap.SugaredLogger) {
	jobs, err := sysQ.ActiveJobs(ctx)
	if err != nil {
		log.Warnw("orphan adoption: list active system jobs failed", "error", err)
		return
	}
	for _, j := range jobs {
		if j.WorkerID == "" || j.WorkerID == self {
			continue
		}
		n, err := sysQ.ReenqueueActive(ctx, j.WorkerID)
		if err != nil {
			log.Warnw("orphan adoption failed", "worker", j.WorkerID, "error", err)
			continue
		}
		if n > 0 {
			log.Infow("adopted system jobs from previous leader", "worker", j.WorkerID, "jobs", n)
		}
	}
}

// tickRepeatables drives the repeatable-job registry. The tick is fast
// relative to any Every value; the queue decides whether an instance is due.
func tickRepeatables(ctx context.Context, q queue.Queue, log *zap.SugaredLogger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.TickRepeatables(ctx, time.Now()); err != nil {
				log.Warnw("repeatable tick failed", "error", err)
			}
		}
	}
}
