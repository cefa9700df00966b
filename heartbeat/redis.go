package heartbeat

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/observability"
)

// pruneScript removes every member older than the cutoff together with its
// detail record, atomically, and returns the pruned ids.
// KEYS: heartbeat zset
// ARGV: cutoffMs, infoKeyPrefix
const pruneScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("DEL", ARGV[2] .. id)
end
return ids
`

// RedisRegistry implements Registry on the shared Redis instance.
type RedisRegistry struct {
	client   *redis.Client
	cfg      Config
	log      *zap.SugaredLogger
	pruneSHA string
}

func NewRedisRegistry(client *redis.Client, cfg Config, log *zap.SugaredLogger) (*RedisRegistry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sha, err := client.ScriptLoad(ctx, pruneScript).Result()
	if err != nil {
		return nil, errors.Wrap(err, "heartbeat: preload prune script")
	}
	return &RedisRegistry{
		client:   client,
		cfg:      cfg.withDefaults(),
		log:      log.Named("heartbeat"),
		pruneSHA: sha,
	}, nil
}

func (r *RedisRegistry) Beat(ctx context.Context, info WorkerInfo) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	now := time.Now().UTC()
	info.LastBeatAt = now
	raw, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "heartbeat: marshal info")
	}

	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, heartbeatKey, redis.Z{Score: float64(now.UnixMilli()), Member: info.WorkerID})
	pipe.Set(ctx, infoKeyPrefix+info.WorkerID, raw, infoTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "heartbeat: beat")
	}
	return nil
}

func (r *RedisRegistry) OnlineWorkers(ctx context.Context) ([]WorkerInfo, error) {
	cutoff := time.Now().Add(-r.cfg.OnlineWindow).UnixMilli()
	ids, err := r.client.ZRangeByScore(ctx, heartbeatKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "heartbeat: online range")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, infoKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "heartbeat: fetch info records")
	}

	workers := make([]WorkerInfo, 0, len(ids))
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err == redis.Nil {
			continue // detail expired between range and fetch
		}
		if err != nil {
			return nil, errors.Wrapf(err, "heartbeat: fetch info %s", ids[i])
		}
		var info WorkerInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			r.log.Warnw("dropping malformed worker info", "workerId", ids[i], "error", err)
			continue
		}
		workers = append(workers, info)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })
	return workers, nil
}

func (r *RedisRegistry) OnlineCount(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.cfg.OnlineWindow).UnixMilli()
	n, err := r.client.ZCount(ctx, heartbeatKey, strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, errors.Wrap(err, "heartbeat: online count")
	}
	return n, nil
}

func (r *RedisRegistry) PruneOffline(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-r.cfg.OnlineWindow).UnixMilli()
	res, err := r.client.EvalSha(ctx, r.pruneSHA, []string{heartbeatKey}, cutoff, infoKeyPrefix).Result()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		sha, lerr := r.client.ScriptLoad(ctx, pruneScript).Result()
		if lerr != nil {
			return nil, errors.Wrap(lerr, "heartbeat: reload prune script")
		}
		r.pruneSHA = sha
		res, err = r.client.EvalSha(ctx, sha, []string{heartbeatKey}, cutoff, infoKeyPrefix).Result()
	}
	if err != nil {
		return nil, errors.Wrap(err, "heartbeat: prune")
	}

	items, _ := res.([]interface{})
	removed := make([]string, 0, len(items))
	for _, item := range items {
		if id, ok := item.(string); ok {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		r.log.Infow("pruned offline workers", "workerIds", removed)
	}
	return removed, nil
}

func (r *RedisRegistry) Deregister(ctx context.Context, workerID string) error {
	pipe := r.client.Pipeline()
	pipe.ZRem(ctx, heartbeatKey, workerID)
	pipe.Del(ctx, infoKeyPrefix+workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "heartbeat: deregister")
	}
	return nil
}
