package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/observability"
)

// Lua scripts for multi-step transitions. Every state move that touches more
// than one structure runs server-side so concurrent workers and the control
// plane never observe a half-applied transition.

// enqueueScript creates the job hash and files it under wait or delayed.
// Returns 0 when a non-terminal job with the same id already exists.
// KEYS: job, wait, delayed, dedup, seq
// ARGV: id, nowMs, visibleAtMs, priority, dedupKey, field/value pairs...
const enqueueScript = `
local status = redis.call("HGET", KEYS[1], "status")
if status and status ~= "COMPLETED" and status ~= "FAILED" and status ~= "CANCELLED" then
  return 0
end
redis.call("DEL", KEYS[1])
for i = 6, #ARGV, 2 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i+1])
end
local seq = redis.call("INCR", KEYS[5])
redis.call("HSET", KEYS[1], "seq", seq)
local now = tonumber(ARGV[2])
local visible = tonumber(ARGV[3])
if visible > now then
  redis.call("HSET", KEYS[1], "status", "DELAYED")
  redis.call("ZADD", KEYS[3], visible, ARGV[1])
else
  redis.call("HSET", KEYS[1], "status", "QUEUED")
  redis.call("ZADD", KEYS[2], tonumber(ARGV[4]) * 1099511627776 + seq, ARGV[1])
end
if ARGV[5] ~= "" then
  redis.call("SADD", KEYS[4], ARGV[5])
end
return 1
`

// reserveScript promotes due DELAYED jobs into wait, then pops the best
// waiting job unless the queue is paused. Promotion happens even under
// pause so delayed jobs become visibly WAITING without going ACTIVE.
// KEYS: wait, delayed, active, paused
// ARGV: nowMs, workerID, jobKeyPrefix
const reserveScript = `
local now = tonumber(ARGV[1])
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", now, "LIMIT", 0, 128)
for _, id in ipairs(due) do
  local jk = ARGV[3] .. id
  local pr = tonumber(redis.call("HGET", jk, "priority") or "0")
  local seq = tonumber(redis.call("HGET", jk, "seq") or "0")
  redis.call("ZADD", KEYS[1], pr * 1099511627776 + seq, id)
  redis.call("ZREM", KEYS[2], id)
  redis.call("HSET", jk, "status", "QUEUED")
end
if redis.call("EXISTS", KEYS[4]) == 1 then
  return false
end
local popped = redis.call("ZPOPMIN", KEYS[1], 1)
if #popped == 0 then
  return false
end
local id = popped[1]
local jk = ARGV[3] .. id
redis.call("ZADD", KEYS[3], now, id)
redis.call("HSET", jk, "status", "ACTIVE", "workerId", ARGV[2], "startedAt", now)
redis.call("HINCRBY", jk, "attemptsMade", 1)
redis.call("HDEL", jk, "cancelRequested")
return id
`

// ackScript: ACTIVE -> COMPLETED, clears the dedup marker, trims retention.
// Returns 1 ok, 0 missing, -1 not active.
// KEYS: active, completed, dedup
// ARGV: id, nowMs, returnValue, retention, jobKeyPrefix
const ackScript = `
local jk = ARGV[5] .. ARGV[1]
if redis.call("EXISTS", jk) == 0 then return 0 end
if redis.call("HGET", jk, "status") ~= "ACTIVE" then return -1 end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HSET", jk, "status", "COMPLETED", "finishedAt", ARGV[2], "returnValue", ARGV[3])
redis.call("ZADD", KEYS[2], tonumber(ARGV[2]), ARGV[1])
local dk = redis.call("HGET", jk, "dedupKey")
if dk and dk ~= "" then redis.call("SREM", KEYS[3], dk) end
local extra = redis.call("ZCARD", KEYS[2]) - tonumber(ARGV[4])
if extra > 0 then
  local old = redis.call("ZRANGE", KEYS[2], 0, extra - 1)
  for _, oid in ipairs(old) do
    redis.call("DEL", ARGV[5] .. oid)
    redis.call("ZREM", KEYS[2], oid)
  end
end
return 1
`

// failScript: ACTIVE -> DELAYED (retriable with budget left) or FAILED.
// Returns 2 delayed-for-retry, 1 terminal, 0 missing, -1 not active.
// KEYS: active, delayed, failed, dedup
// ARGV: id, nowMs, code, message, retriable, backoffMs, retention, jobKeyPrefix
const failScript = `
local jk = ARGV[8] .. ARGV[1]
if redis.call("EXISTS", jk) == 0 then return 0 end
if redis.call("HGET", jk, "status") ~= "ACTIVE" then return -1 end
redis.call("ZREM", KEYS[1], ARGV[1])
local attempts = tonumber(redis.call("HGET", jk, "attemptsMade") or "0")
local max = tonumber(redis.call("HGET", jk, "maxAttempts") or "3")
if ARGV[5] == "1" and attempts < max then
  local visible = tonumber(ARGV[2]) + tonumber(ARGV[6])
  redis.call("HSET", jk, "status", "DELAYED", "errorCode", ARGV[3], "errorMessage", ARGV[4], "visibleAt", visible, "workerId", "")
  redis.call("ZADD", KEYS[2], visible, ARGV[1])
  return 2
end
redis.call("HSET", jk, "status", "FAILED", "errorCode", ARGV[3], "errorMessage", ARGV[4], "finishedAt", ARGV[2])
redis.call("ZADD", KEYS[3], tonumber(ARGV[2]), ARGV[1])
local dk = redis.call("HGET", jk, "dedupKey")
if dk and dk ~= "" then redis.call("SREM", KEYS[4], dk) end
local extra = redis.call("ZCARD", KEYS[3]) - tonumber(ARGV[7])
if extra > 0 then
  local old = redis.call("ZRANGE", KEYS[3], 0, extra - 1)
  for _, oid in ipairs(old) do
    redis.call("DEL", ARGV[8] .. oid)
    redis.call("ZREM", KEYS[3], oid)
  end
end
return 1
`

// cancelScript: QUEUED/DELAYED -> CANCELLED; ACTIVE gets the cooperative
// flag. Returns 1 cancelled, 2 flagged, 0 missing, -1 terminal.
// KEYS: wait, delayed, cancelled, dedup
// ARGV: id, nowMs, jobKeyPrefix
const cancelScript = `
local jk = ARGV[3] .. ARGV[1]
if redis.call("EXISTS", jk) == 0 then return 0 end
local status = redis.call("HGET", jk, "status")
if status == "QUEUED" or status == "DELAYED" then
  redis.call("ZREM", KEYS[1], ARGV[1])
  redis.call("ZREM", KEYS[2], ARGV[1])
  redis.call("HSET", jk, "status", "CANCELLED", "finishedAt", ARGV[2])
  redis.call("ZADD", KEYS[3], tonumber(ARGV[2]), ARGV[1])
  local dk = redis.call("HGET", jk, "dedupKey")
  if dk and dk ~= "" then redis.call("SREM", KEYS[4], dk) end
  return 1
elseif status == "ACTIVE" then
  redis.call("HSET", jk, "cancelRequested", "1")
  return 2
end
return -1
`

// finalizeCancelScript: ACTIVE -> CANCELLED, used when a handler aborts
// after seeing the cooperative flag. Returns 1 ok, 0 missing, -1 not active.
// KEYS: active, cancelled, dedup
// ARGV: id, nowMs, jobKeyPrefix
const finalizeCancelScript = `
local jk = ARGV[3] .. ARGV[1]
if redis.call("EXISTS", jk) == 0 then return 0 end
if redis.call("HGET", jk, "status") ~= "ACTIVE" then return -1 end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HSET", jk, "status", "CANCELLED", "finishedAt", ARGV[2])
redis.call("HDEL", jk, "cancelRequested")
redis.call("ZADD", KEYS[2], tonumber(ARGV[2]), ARGV[1])
local dk = redis.call("HGET", jk, "dedupKey")
if dk and dk ~= "" then redis.call("SREM", KEYS[3], dk) end
return 1
`

// drainScript deletes every WAITING and DELAYED job. ACTIVE untouched.
// KEYS: wait, delayed, dedup
// ARGV: jobKeyPrefix
const drainScript = `
local removed = 0
for _, setkey in ipairs({KEYS[1], KEYS[2]}) do
  local ids = redis.call("ZRANGE", setkey, 0, -1)
  for _, id in ipairs(ids) do
    local jk = ARGV[1] .. id
    local dk = redis.call("HGET", jk, "dedupKey")
    if dk and dk ~= "" then redis.call("SREM", KEYS[3], dk) end
    redis.call("DEL", jk)
    removed = removed + 1
  end
  redis.call("DEL", setkey)
end
return removed
`

// retryFailedScript moves every FAILED job back to wait under its original
// id, refunding one attempt. Dangling zset members (hash trimmed) are dropped.
// KEYS: failed, wait, seq, dedup
// ARGV: jobKeyPrefix
const retryFailedScript = `
local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
local moved = 0
for _, id in ipairs(ids) do
  local jk = ARGV[1] .. id
  if redis.call("EXISTS", jk) == 1 then
    local attempts = tonumber(redis.call("HGET", jk, "attemptsMade") or "0") - 1
    if attempts < 0 then attempts = 0 end
    local pr = tonumber(redis.call("HGET", jk, "priority") or "0")
    local seq = redis.call("INCR", KEYS[3])
    redis.call("HSET", jk, "status", "QUEUED", "attemptsMade", attempts, "errorCode", "", "errorMessage", "", "finishedAt", "", "workerId", "", "seq", seq)
    redis.call("ZADD", KEYS[2], pr * 1099511627776 + seq, id)
    local dk = redis.call("HGET", jk, "dedupKey")
    if dk and dk ~= "" then redis.call("SADD", KEYS[4], dk) end
    moved = moved + 1
  end
  redis.call("ZREM", KEYS[1], id)
end
return moved
`

// retryJobScript is the single-job variant. Returns 1 ok, 0 missing,
// -1 not failed.
// KEYS: failed, wait, seq, dedup
// ARGV: id, jobKeyPrefix
const retryJobScript = `
local jk = ARGV[2] .. ARGV[1]
if redis.call("EXISTS", jk) == 0 then return 0 end
if redis.call("HGET", jk, "status") ~= "FAILED" then return -1 end
local attempts = tonumber(redis.call("HGET", jk, "attemptsMade") or "0") - 1
if attempts < 0 then attempts = 0 end
local pr = tonumber(redis.call("HGET", jk, "priority") or "0")
local seq = redis.call("INCR", KEYS[3])
redis.call("HSET", jk, "status", "QUEUED", "attemptsMade", attempts, "errorCode", "", "errorMessage", "", "finishedAt", "", "workerId", "", "seq", seq)
redis.call("ZADD", KEYS[2], pr * 1099511627776 + seq, ARGV[1])
redis.call("ZREM", KEYS[1], ARGV[1])
local dk = redis.call("HGET", jk, "dedupKey")
if dk and dk ~= "" then redis.call("SADD", KEYS[4], dk) end
return 1
`

// cleanScript removes up to limit terminal jobs older than the cutoff.
// KEYS: statusSet
// ARGV: cutoffMs, limit, jobKeyPrefix
const cleanScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call("DEL", ARGV[3] .. id)
  redis.call("ZREM", KEYS[1], id)
end
return #ids
`

// repeatClaimScript claims one tick slot for a repeatable job. Returns 1
// when the caller should enqueue an instance. The claim is recorded before
// the enqueue so concurrent tickers cannot double-fire.
// KEYS: repeatLast
// ARGV: id, nowMs, everyMs, jobKey
const repeatClaimScript = `
local last = tonumber(redis.call("HGET", KEYS[1], ARGV[1]) or "0")
if tonumber(ARGV[2]) - last < tonumber(ARGV[3]) then return 0 end
local status = redis.call("HGET", ARGV[4], "status")
if status and status ~= "COMPLETED" and status ~= "FAILED" and status ~= "CANCELLED" then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`

// reenqueueActiveScript returns a dead worker's ACTIVE jobs to the front of
// wait (original seq keeps them ahead of newer work) and refunds the
// interrupted attempt so redelivery never breaches maxAttempts.
// KEYS: active, wait
// ARGV: workerID, jobKeyPrefix
const reenqueueActiveScript = `
local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
local moved = 0
for _, id in ipairs(ids) do
  local jk = ARGV[2] .. id
  if redis.call("HGET", jk, "workerId") == ARGV[1] then
    local attempts = tonumber(redis.call("HGET", jk, "attemptsMade") or "1") - 1
    if attempts < 0 then attempts = 0 end
    local pr = tonumber(redis.call("HGET", jk, "priority") or "0")
    local seq = tonumber(redis.call("HGET", jk, "seq") or "0")
    redis.call("HSET", jk, "status", "QUEUED", "attemptsMade", attempts, "workerId", "", "startedAt", "")
    redis.call("ZADD", KEYS[2], pr * 1099511627776 + seq, id)
    redis.call("ZREM", KEYS[1], id)
    moved = moved + 1
  end
end
return moved
`

// RedisQueue implements Queue on a single Redis instance.
type RedisQueue struct {
	client *redis.Client
	cfg    Config
	k      keys
	log    *zap.SugaredLogger

	// Preloaded script SHAs; sources kept for NOSCRIPT recovery after a
	// Redis restart.
	shas map[string]string
	srcs map[string]string
}

var scriptSources = map[string]string{
	"enqueue":        enqueueScript,
	"reserve":        reserveScript,
	"ack":            ackScript,
	"fail":           failScript,
	"cancel":         cancelScript,
	"finalizeCancel": finalizeCancelScript,
	"drain":          drainScript,
	"retryFailed":    retryFailedScript,
	"retryJob":       retryJobScript,
	"clean":          cleanScript,
	"repeatClaim":    repeatClaimScript,
	"reenqueue":      reenqueueActiveScript,
}

// NewRedisQueue connects, verifies the connection, and preloads all Lua
// scripts so hot-path calls ship only a SHA over the wire.
func NewRedisQueue(client *redis.Client, cfg Config, log *zap.SugaredLogger) (*RedisQueue, error) {
	cfg = cfg.withDefaults()
	if cfg.Name == "" {
		return nil, errors.New("queue: name is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "queue: redis ping failed")
	}

	q := &RedisQueue{
		client: client,
		cfg:    cfg,
		k:      newKeys(cfg.Name),
		log:    log.Named("queue").With("queue", cfg.Name),
		shas:   make(map[string]string, len(scriptSources)),
		srcs:   scriptSources,
	}
	for name, src := range scriptSources {
		sha, err := client.ScriptLoad(ctx, src).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "queue: preload %s script", name)
		}
		q.shas[name] = sha
	}
	return q, nil
}

func (q *RedisQueue) Name() string { return q.cfg.Name }

// eval runs a preloaded script. On NOSCRIPT (Redis restarted and lost the
// script cache) it reloads once and retries.
func (q *RedisQueue) eval(ctx context.Context, name string, ks []string, args ...interface{}) (interface{}, error) {
	res, err := q.client.EvalSha(ctx, q.shas[name], ks, args...).Result()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		sha, lerr := q.client.ScriptLoad(ctx, q.srcs[name]).Result()
		if lerr != nil {
			return nil, errors.Wrapf(lerr, "queue: reload %s script", name)
		}
		q.shas[name] = sha
		res, err = q.client.EvalSha(ctx, sha, ks, args...).Result()
	}
	if err != nil && err != redis.Nil {
		return nil, errors.Wrapf(errors.CombineErrors(ErrUnavailable, err), "queue: %s", name)
	}
	return res, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, t JobType, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	start := time.Now()
	defer func() { observability.QueueOpDuration.WithLabelValues("enqueue").Observe(time.Since(start).Seconds()) }()

	if !q.cfg.knows(t) {
		return "", errors.Wrapf(ErrUnknownJobType, "%q", t)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:             opts.JobID,
		Type:           t,
		Payload:        payload,
		UserID:         opts.UserID,
		ScheduleRunID:  opts.ScheduleRunID,
		SequenceNumber: opts.SequenceNumber,
		DedupKey:       opts.DedupKey,
		Priority:       opts.Priority,
		MaxAttempts:    opts.Attempts,
		RepeatJobID:    opts.RepeatJobID,
		CreatedAt:      now,
		VisibleAt:      now.Add(opts.Delay),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}

	args := []interface{}{
		job.ID,
		now.UnixMilli(),
		job.VisibleAt.UnixMilli(),
		job.Priority,
		job.DedupKey,
	}
	for f, v := range job.redisFields() {
		args = append(args, f, fmt.Sprint(v))
	}

	res, err := q.eval(ctx, "enqueue",
		[]string{q.k.job(job.ID), q.k.wait(), q.k.delayed(), q.k.dedup(), q.k.seq()},
		args...)
	if err != nil {
		return "", err
	}
	if n, _ := res.(int64); n == 0 {
		// A non-terminal job with this fixed id already exists.
		return job.ID, nil
	}
	observability.JobsEnqueued.WithLabelValues(q.cfg.Name, string(t)).Inc()
	return job.ID, nil
}

func (q *RedisQueue) Reserve(ctx context.Context, workerID string) (*Job, error) {
	deadline := time.Now().Add(q.cfg.ReserveBlock)
	for {
		job, err := q.tryReserve(ctx, workerID)
		if err != nil || job != nil {
			return job, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (q *RedisQueue) tryReserve(ctx context.Context, workerID string) (*Job, error) {
	start := time.Now()
	defer func() { observability.QueueOpDuration.WithLabelValues("reserve").Observe(time.Since(start).Seconds()) }()

	res, err := q.eval(ctx, "reserve",
		[]string{q.k.wait(), q.k.delayed(), q.k.active(), q.k.paused()},
		time.Now().UnixMilli(), workerID, q.k.job(""))
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}
	return q.GetJob(ctx, id)
}

func (q *RedisQueue) Ack(ctx context.Context, jobID string, returnValue json.RawMessage) error {
	start := time.Now()
	defer func() { observability.QueueOpDuration.WithLabelValues("ack").Observe(time.Since(start).Seconds()) }()

	res, err := q.eval(ctx, "ack",
		[]string{q.k.active(), q.k.completed(), q.k.dedup()},
		jobID, time.Now().UnixMilli(), string(returnValue), q.cfg.RetentionCompleted, q.k.job(""))
	if err != nil {
		return err
	}
	n, _ := res.(int64)
	switch n {
	case 0:
		return errors.Wrapf(ErrJobNotFound, "%s", jobID)
	case -1:
		return errors.Wrapf(ErrNotActive, "%s", jobID)
	}
	observability.JobsCompleted.WithLabelValues(q.cfg.Name).Inc()
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, jobID string, code ErrorCode, message string, retriable bool) (bool, error) {
	start := time.Now()
	defer func() { observability.QueueOpDuration.WithLabelValues("fail").Observe(time.Since(start).Seconds()) }()

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	backoff := RetryBackoff(job.AttemptsMade)

	retriableArg := "0"
	if retriable {
		retriableArg = "1"
	}
	res, err := q.eval(ctx, "fail",
		[]string{q.k.active(), q.k.delayed(), q.k.failed(), q.k.dedup()},
		jobID, time.Now().UnixMilli(), string(code), message, retriableArg,
		backoff.Milliseconds(), q.cfg.RetentionFailed, q.k.job(""))
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	switch n {
	case 0:
		return false, errors.Wrapf(ErrJobNotFound, "%s", jobID)
	case -1:
		return false, errors.Wrapf(ErrNotActive, "%s", jobID)
	case 2:
		observability.JobsRetried.WithLabelValues(q.cfg.Name, string(code)).Inc()
		return false, nil
	}
	observability.JobsFailed.WithLabelValues(q.cfg.Name, string(code)).Inc()
	return true, nil
}

func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	res, err := q.eval(ctx, "cancel",
		[]string{q.k.wait(), q.k.delayed(), q.k.cancelled(), q.k.dedup()},
		jobID, time.Now().UnixMilli(), q.k.job(""))
	if err != nil {
		return err
	}
	n, _ := res.(int64)
	switch n {
	case 0:
		return errors.Wrapf(ErrJobNotFound, "%s", jobID)
	case -1:
		return errors.Wrapf(ErrNotCancellable, "%s", jobID)
	}
	return nil
}

func (q *RedisQueue) FinalizeCancel(ctx context.Context, jobID string) error {
	res, err := q.eval(ctx, "finalizeCancel",
		[]string{q.k.active(), q.k.cancelled(), q.k.dedup()},
		jobID, time.Now().UnixMilli(), q.k.job(""))
	if err != nil {
		return err
	}
	n, _ := res.(int64)
	switch n {
	case 0:
		return errors.Wrapf(ErrJobNotFound, "%s", jobID)
	case -1:
		return errors.Wrapf(ErrNotActive, "%s", jobID)
	}
	return nil
}

func (q *RedisQueue) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	v, err := q.client.HGet(ctx, q.k.job(jobID), "cancelRequested").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.CombineErrors(ErrUnavailable, err), "queue: cancelRequested")
	}
	return v == "1", nil
}

func (q *RedisQueue) GetCounts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.k.wait())
	active := pipe.ZCard(ctx, q.k.active())
	delayed := pipe.ZCard(ctx, q.k.delayed())
	completed := pipe.ZCard(ctx, q.k.completed())
	failed := pipe.ZCard(ctx, q.k.failed())
	paused := pipe.Exists(ctx, q.k.paused())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, errors.Wrap(errors.CombineErrors(ErrUnavailable, err), "queue: counts")
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Paused:    paused.Val() == 1,
	}, nil
}

func (q *RedisQueue) Pause(ctx context.Context) (bool, error) {
	changed, err := q.client.SetNX(ctx, q.k.paused(), "1", 0).Result()
	if err != nil {
		return false, errors.Wrap(errors.CombineErrors(ErrUnavailable, err), "queue: pause")
	}
	return changed, nil
}

func (q *RedisQueue) Resume(ctx context.Context) (bool, error) {
	n, err := q.client.Del(ctx, q.k.paused()).Result()
	if err != nil {
		return false, errors.Wrap(errors.CombineErrors(ErrUnavailable, err), "queue: resume")
	}
	return n > 0, nil
}

func (q *RedisQueue) Drain(ctx context.Context) (int64, error) {
	res, err := q.eval(ctx, "drain",
		[]string{q.k.wait(), q.k.delayed(), q.k.dedup()},
		q.k.job(""))
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

func (q *RedisQueue) Clean(ctx context.Context, status JobStatus, olderThan time.Duration, limit int64) (int64, error) {
	key, ok := q.terminalSet(status)
	if !ok {
		return 0, errors.Newf("queue: clean does not apply to status %s", status)
	}
	if limit <= 0 {
		limit = 1000
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := q.eval(ctx, "clean", []string{key}, cutoff, limit, q.k.job(""))
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

func (q *RedisQueue) RetryFailed(ctx context.Context) (int64, error) {
	res, err := q.eval(ctx, "retryFailed",
		[]string{q.k.failed(), q.k.wait(), q.k.seq(), q.k.dedup()},
		q.k.job(""))
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

func (q *RedisQueue) RetryJob(ctx context.Context, jobID string) error {
	res, err := q.eval(ctx, "retryJob",
		[]string{q.k.failed(), q.k.wait(), q.k.seq(), q.k.dedup()},
		jobID, q.k.job(""))
	if err != nil {
		return err
	}
	n, _ := res.(int64)
	switch n {
	case 0:
		return errors.Wrapf(ErrJobNotFound, "%s", jobID)
	case -1:
		return errors.Wrapf(ErrNotRetryable, "%s", jobID)
	}
	return nil
}

func (q *RedisQueue) ListJobs(ctx context.Context, status JobStatus, offset, limit int64) ([]*Job, error) {
	key, newestFirst, err := q.statusSet(status)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var ids []string
	if newestFirst {
		ids, err = q.client.ZRevRange(ctx, key, offset, offset+limit-1).Result()
	} else {
		ids, err = q.client.ZRange(ctx, key, offset, offset+limit-1).Result()
	}
	if err != nil {
		return nil, errors.Wrap(errors.CombineErrors(ErrUnavailable, err), "queue: list")
	}
	return q.fetchJobs(ctx, ids)
}

func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	m, err := q.client.HGetAll(ctx, q.k.job(jobID)).Result()
	if err != nil {
		return nil, errors.Wrap(errors.CombineErrors(ErrUnavailable, err), "queue: get job")
	}
	job := jobFromRedisHash(m)
	if job == nil {
		return nil, errors.Wrapf(ErrJobNotFound, "%s", jobID)
	}
	return job, nil
}

func (q *RedisQueue) HasActiveDedup(ctx context.Context, dedupKey string) (bool, error) {
	ok, err := q.client.SIsMember(ctx, q.k.dedup(), dedupKey).Result()
	if err != nil {
		return false, errors.Wrap(errors.CombineErrors(ErrUnavailable, err), "queue: dedup check")
	}
	return ok, nil
}

func (q *RedisQueue) SeedRepeatable(ctx context.Context, spec RepeatSpec) error {
	if spec.JobID == "" || spec.Every <= 0 {
		return errors.New("queue: repeat spec needs a fixed jobId and a positive interval")
	}
	if !q.cfg.knows(spec.Type) {
		return errors.Wrapf(ErrUnknownJobType, "%q", spec.Type)
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return errors.Wrap(err, "queue: marshal repeat spec")
	}
	if err := q.client.HSet(ctx, q.k.repeat(), spec.JobID, raw).Err(); err != nil {
		return errors.Wrap(errors.CombineErrors(ErrUnavailable, err), "queue: seed repeatable")
	}
	return nil
}

func (q *RedisQueue) TickRepeatables(ctx context.Context, now time.Time) (int, error) {
	specs, err := q.client.HGetAll(ctx, q.k.repeat()).Result()
	if err != nil {
		return 0, errors.Wrap(errors.CombineErrors(ErrUnavailable, err), "queue: read repeatables")
	}
	enqueued := 0
	for id, raw := range specs {
		var spec RepeatSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			q.log.Warnw("skipping malformed repeat spec", "jobId", id, "error", err)
			continue
		}
		res, err := q.eval(ctx, "repeatClaim",
			[]string{q.k.repeatLast()},
			id, now.UnixMilli(), spec.Every.Milliseconds(), q.k.job(id))
		if err != nil {
			return enqueued, err
		}
		if n, _ := res.(int64); n != 1 {
			continue
		}
		// Repeatable instances run with a single attempt; the next tick is
		// the retry.
		if _, err := q.Enqueue(ctx, spec.Type, spec.Payload, EnqueueOptions{
			JobID:       spec.JobID,
			Attempts:    1,
			RepeatJobID: spec.JobID,
		}); err != nil {
			q.log.Errorw("repeatable enqueue failed", "jobId", id, "error", err)
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

func (q *RedisQueue) ReenqueueActive(ctx context.Context, workerID string) (int, error) {
	res, err := q.eval(ctx, "reenqueue",
		[]string{q.k.active(), q.k.wait()},
		workerID, q.k.job(""))
	if err != nil {
		return 0, err
	}
	moved, _ := res.(int64)
	n := int(moved)
	if n > 0 {
		q.log.Infow("re-enqueued active jobs", "workerId", workerID, "count", n)
	}
	return n, nil
}

func (q *RedisQueue) ActiveJobs(ctx context.Context) ([]*Job, error) {
	ids, err := q.client.ZRange(ctx, q.k.active(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(errors.CombineErrors(ErrUnavailable, err), "queue: active jobs")
	}
	return q.fetchJobs(ctx, ids)
}

func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) fetchJobs(ctx context.Context, ids []string) ([]*Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.k.job(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(errors.CombineErrors(ErrUnavailable, err), "queue: fetch jobs")
	}
	jobs := make([]*Job, 0, len(ids))
	for _, cmd := range cmds {
		if job := jobFromRedisHash(cmd.Val()); job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (q *RedisQueue) terminalSet(status JobStatus) (string, bool) {
	switch status {
	case StatusCompleted:
		return q.k.completed(), true
	case StatusFailed:
		return q.k.failed(), true
	case StatusCancelled:
		return q.k.cancelled(), true
	}
	return "", false
}

func (q *RedisQueue) statusSet(status JobStatus) (key string, newestFirst bool, err error) {
	switch status {
	case StatusQueued:
		return q.k.wait(), false, nil
	case StatusActive:
		return q.k.active(), false, nil
	case StatusDelayed:
		return q.k.delayed(), false, nil
	case StatusCompleted:
		return q.k.completed(), true, nil
	case StatusFailed:
		return q.k.failed(), true, nil
	case StatusCancelled:
		return q.k.cancelled(), true, nil
	}
	return "", false, errors.Newf("queue: unknown status %q", status)
}
