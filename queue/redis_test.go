package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Integration tests against a real Redis. Set REDIS_ADDR (e.g.
// "localhost:6379") to enable; without it they skip so the unit suite stays
// self-contained.

func newRedisTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	name := "itest-" + uuid.NewString()[:8]
	q, err := NewRedisQueue(client, Config{
		Name:         name,
		KnownTypes:   []JobType{TypeCreatePost, TypeStatsSnapshot},
		ReserveBlock: 700 * time.Millisecond,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, "cafeworks:q:"+name+":*", 0).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		_ = client.Close()
	})
	return q
}

func TestRedisLifecycle(t *testing.T) {
	q := newRedisTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, TypeCreatePost, json.RawMessage(`{"title":"hello"}`), EnqueueOptions{
		UserID:   "u1",
		DedupKey: "u1:tpl:2026-03-14",
	})
	require.NoError(t, err)

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	ok, err := q.HasActiveDedup(ctx, "u1:tpl:2026-03-14")
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := q.Reserve(ctx, "host-a:1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, StatusActive, job.Status)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, "host-a:1", job.WorkerID)
	assert.JSONEq(t, `{"title":"hello"}`, string(job.Payload))

	require.NoError(t, q.Ack(ctx, id, json.RawMessage(`{"url":"https://cafe.example/a/1"}`)))

	done, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.FinishedAt)

	ok, err = q.HasActiveDedup(ctx, "u1:tpl:2026-03-14")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisDelayedPromotion(t *testing.T) {
	q := newRedisTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, TypeCreatePost, nil, EnqueueOptions{Delay: 300 * time.Millisecond})
	require.NoError(t, err)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDelayed, job.Status)

	// Reserve long-polls past the visibility time.
	got, err := q.Reserve(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
}

func TestRedisFailSchedulesBackoffWindow(t *testing.T) {
	q := newRedisTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, TypeCreatePost, nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Reserve(ctx, "w1")
	require.NoError(t, err)

	before := time.Now()
	terminal, err := q.Fail(ctx, id, CodeNetworkError, "reset", true)
	require.NoError(t, err)
	assert.False(t, terminal)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDelayed, job.Status)
	delay := job.VisibleAt.Sub(before)
	assert.GreaterOrEqual(t, delay, 47*time.Second)
	assert.LessOrEqual(t, delay, 73*time.Second)
}

func TestRedisPauseResume(t *testing.T) {
	q := newRedisTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, TypeCreatePost, nil, EnqueueOptions{})
	require.NoError(t, err)

	changed, err := q.Pause(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = q.Pause(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	job, err := q.Reserve(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job)

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.True(t, counts.Paused)
	assert.Equal(t, int64(1), counts.Waiting)

	changed, err = q.Resume(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	job, err = q.Reserve(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
}

func TestRedisDrainAndRetryFailed(t *testing.T) {
	q := newRedisTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(ctx, TypeCreatePost, nil, EnqueueOptions{})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, TypeCreatePost, nil, EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	removed, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Waiting)
	assert.Zero(t, counts.Delayed)

	// Terminal failure, then the bulk retry refunds one attempt.
	id, err := q.Enqueue(ctx, TypeCreatePost, nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Reserve(ctx, "w1")
	require.NoError(t, err)
	terminal, err := q.Fail(ctx, id, CodePermissionDenied, "denied", false)
	require.NoError(t, err)
	assert.True(t, terminal)

	moved, err := q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, 0, job.AttemptsMade)
}

func TestRedisFixedIDAndFinalizeCancel(t *testing.T) {
	q := newRedisTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, TypeStatsSnapshot, nil, EnqueueOptions{JobID: StatsSnapshotJobID, Attempts: 1})
	require.NoError(t, err)
	again, err := q.Enqueue(ctx, TypeStatsSnapshot, nil, EnqueueOptions{JobID: StatsSnapshotJobID, Attempts: 1})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	job, err := q.Reserve(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Cancel(ctx, job.ID))
	flagged, err := q.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, flagged)

	require.NoError(t, q.FinalizeCancel(ctx, job.ID))
	done, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, done.Status)
}

func TestRedisReenqueueActive(t *testing.T) {
	q := newRedisTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, TypeCreatePost, nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Reserve(ctx, "dead:1")
	require.NoError(t, err)

	moved, err := q.ReenqueueActive(ctx, "dead:1")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, 0, job.AttemptsMade)
}
