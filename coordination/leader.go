// Package coordination keeps multiple control-plane replicas from doing
// singleton work twice: a Redis lease elects one planner/poller leader, and
// a reclaimer returns jobs stranded by dead workers to the queue.
package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/observability"
)

// Compare-and-expire / compare-and-delete so a replica can only touch the
// lease it actually holds. A stale holder whose key expired and was taken
// by someone else must never extend or drop the new holder's lease.
var (
	renewLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// ElectorConfig tunes the leader lease.
type ElectorConfig struct {
	// Key is the Redis key holding the lease.
	Key string
	// NodeID identifies this replica in the lease value and the logs.
	NodeID string
	// TTL is the lease lifetime; the holder renews every TTL/3.
	TTL time.Duration
}

func (c ElectorConfig) withDefaults() ElectorConfig {
	if c.Key == "" {
		c.Key = "cafeworks:leader"
	}
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.TTL <= 0 {
		c.TTL = 15 * time.Second
	}
	return c
}

// LeaderElector competes for a Redis lease and runs callbacks on
// transitions. onElected receives a context that is cancelled the moment
// leadership is lost, so everything the leader starts dies with the lease.
type LeaderElector struct {
	client *redis.Client
	cfg    ElectorConfig
	log    *zap.SugaredLogger

	onElected func(ctx context.Context)
	onLost    func()

	mu          sync.RWMutex
	leader      bool
	token       string // lease value currently held, "" when follower
	leaderCause context.CancelFunc
}

func NewElector(client *redis.Client, cfg ElectorConfig, log *zap.SugaredLogger) *LeaderElector {
	cfg = cfg.withDefaults()
	return &LeaderElector{
		client: client,
		cfg:    cfg,
		log:    log.Named("leader").With("node", cfg.NodeID),
	}
}

// SetCallbacks must be called before Start.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// IsLeader reports whether this replica currently holds the lease.
func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leader
}

// Start blocks, competing for the lease until ctx is cancelled. On exit it
// steps down and releases the lease so a peer can take over immediately
// instead of waiting out the TTL.
func (l *LeaderElector) Start(ctx context.Context) {
	interval := l.cfg.TTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.log.Infow("elector started", "key", l.cfg.Key, "ttl", l.cfg.TTL)

	// Renewal must survive transient Redis hiccups, but not so long that
	// the lease silently expires under us: three misses spans the TTL.
	const maxRenewFailures = 3
	renewFailures := 0

	l.tryAcquire(ctx)

	for {
		select {
		case <-ctx.Done():
			l.stepDown()
			l.release()
			l.log.Info("elector stopped")
			return
		case <-ticker.C:
			if !l.IsLeader() {
				l.tryAcquire(ctx)
				continue
			}
			renewed, err := l.renew(ctx)
			switch {
			case err != nil:
				renewFailures++
				l.log.Warnw("lease renew failed", "failures", renewFailures, "error", err)
				if renewFailures >= maxRenewFailures {
					l.log.Warn("renewals exhausted, stepping down")
					l.stepDown()
					renewFailures = 0
				}
			case !renewed:
				// Key expired or was taken; someone else is leader now.
				l.stepDown()
				renewFailures = 0
			default:
				renewFailures = 0
			}
		}
	}
}

func (l *LeaderElector) tryAcquire(ctx context.Context) {
	token := l.cfg.NodeID + "/" + uuid.NewString()

	start := time.Now()
	ok, err := l.client.SetNX(ctx, l.cfg.Key, token, l.cfg.TTL).Result()
	observability.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			l.log.Warnw("lease acquire failed", "error", err)
		}
		return
	}
	if !ok {
		return
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.leader = true
	l.token = token
	l.leaderCause = cancel
	l.mu.Unlock()

	observability.LeaderStatus.Set(1)
	l.log.Infow("acquired leadership")

	if l.onElected != nil {
		go l.onElected(leaderCtx)
	}
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	token := l.token
	l.mu.RUnlock()
	if token == "" {
		return false, nil
	}

	start := time.Now()
	n, err := renewLease.Run(ctx, l.client, []string{l.cfg.Key}, token, l.cfg.TTL.Milliseconds()).Int64()
	observability.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return false, errors.Wrap(err, "coordination: renew lease")
	}
	return n == 1, nil
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.leader {
		l.mu.Unlock()
		return
	}
	l.leader = false
	cancel := l.leaderCause
	l.leaderCause = nil
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	l.log.Warn("lost leadership")

	if cancel != nil {
		cancel()
	}
	if l.onLost != nil {
		l.onLost()
	}
}

// release drops the lease if we still own it. Runs on a fresh context: the
// caller's is already cancelled during shutdown.
func (l *LeaderElector) release() {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()
	if token == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseLease.Run(ctx, l.client, []string{l.cfg.Key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.log.Warnw("lease release failed", "error", err)
	}
}

// Status describes the elector for the dashboard overview.
type Status struct {
	Leader bool   `json:"leader"`
	NodeID string `json:"nodeId"`
}

func (l *LeaderElector) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Status{Leader: l.leader, NodeID: l.cfg.NodeID}
}
