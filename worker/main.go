// The worker is the posting-fleet process: it reserves CREATE_POST jobs from
// the cafe queue, performs each post through the headless posting service,
// feeds run bookkeeping, and reports its own liveness so the control plane
// can count the fleet and reclaim orphans.
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
	"github.com/modubot/cafeworks/heartbeat"
	"github.com/modubot/cafeworks/policy"
	"github.com/modubot/cafeworks/pool"
	"github.com/modubot/cafeworks/queue"
	"github.com/modubot/cafeworks/schedule"
	"github.com/modubot/cafeworks/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Named("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	tracker := schedule.NewTracker(st, gate, log)

	workerID := heartbeat.DefaultWorkerID()
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	beater := heartbeat.NewBeater(registry, heartbeat.WorkerInfo{
		WorkerID:  workerID,
		Hostname:  host,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
	}, cfg.Worker.HeartbeatInterval, log)

	reg := pool.NewRegistry()
	reg.Register(queue.TypeCreatePost, NewPoster(cfg.Poster, log))

	// One poller: a user's cafe session does not tolerate parallel posting.
	p := pool.New(cafeQ, reg, pool.Deps{
		Gate:     gate,
		Hooks:    tracker,
		Counters: beater,
		Audit:    recorder,
	}, pool.Config{
		WorkerID:     workerID,
		Workers:      1,
		JobTimeout:   cfg.Worker.JobTimeout,
		ReserveRetry: cfg.Worker.PollInterval,
	}, log)

	// The beater outlives the pool on shutdown so the worker stays visibly
	// online while in-flight jobs drain; the reclaimer must not adopt a job
	// this process is still finishing.
	beatCtx, stopBeat := context.WithCancel(context.Background())
	go beater.Start(beatCtx)

	p.Start()

	statusSrv := newStatusServer(cfg.Server.WorkerAddr, beater)
	go func() {
		log.Infow("worker status server listening", "addr", cfg.Server.WorkerAddr, "workerId", workerID)
		if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("status server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownGrace)
	if err := p.Stop(graceCtx); err != nil {
		log.Errorw("pool stop", "error", err)
	}
	cancel()

	stopBeat()
	beater.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("status server shutdown", "error", err)
	}
	cancel()

	log.Info("worker stopped")
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
