package stats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/audit"
	"github.com/modubot/cafeworks/heartbeat"
	"github.com/modubot/cafeworks/incident"
	"github.com/modubot/cafeworks/pool"
	"github.com/modubot/cafeworks/queue"
	"github.com/modubot/cafeworks/store"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type collectorFixture struct {
	collector *Collector
	queue     *queue.MemoryQueue
	registry  *heartbeat.MemoryRegistry
	store     *store.MemoryStore
	clock     *fakeClock
}

func newFixture(t *testing.T) *collectorFixture {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue(queue.Config{
		Name:       "cafe-jobs",
		KnownTypes: []queue.JobType{queue.TypeCreatePost},
	})
	reg := heartbeat.NewMemoryRegistry(heartbeat.Config{OnlineWindow: 30 * time.Second})
	rec := audit.NewRecorder(st, zap.NewNop().Sugar())
	det := incident.NewDetector(st, rec, incident.Config{}, zap.NewNop().Sugar())
	c := NewCollector([]queue.Queue{q}, reg, st, det, Config{}, zap.NewNop().Sugar())

	clk := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	c.now = clk.Now
	return &collectorFixture{collector: c, queue: q, registry: reg, store: st, clock: clk}
}

func (f *collectorFixture) pass(t *testing.T) passSummary {
	t.Helper()
	raw, err := f.collector.Handle(context.Background(), &pool.JobContext{
		Job: &queue.Job{ID: queue.StatsSnapshotJobID, Type: queue.TypeStatsSnapshot},
		Log: zap.NewNop().Sugar(),
	})
	require.NoError(t, err)
	var sum passSummary
	require.NoError(t, json.Unmarshal(raw, &sum))
	return sum
}

func (f *collectorFixture) enqueue(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := f.queue.Enqueue(context.Background(), queue.TypeCreatePost, nil, queue.EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func (f *collectorFixture) complete(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		job, err := f.queue.Reserve(ctx, "w-test")
		require.NoError(t, err)
		require.NotNil(t, job, "expected a reservable job")
		require.NoError(t, f.queue.Ack(ctx, job.ID, nil))
	}
}

func TestFirstPassHasNoRate(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, 3)

	sum := f.pass(t)
	assert.Equal(t, 1, sum.Snapshots)
	assert.Zero(t, sum.Errors)

	snap, err := f.store.LatestSnapshot(context.Background(), "cafe-jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Waiting)
	assert.Nil(t, snap.JobsPerMin, "no previous sample to derive a rate from")
	assert.False(t, snap.Clamped)
	assert.Equal(t, f.clock.Now(), snap.Timestamp)
}

func TestThroughputDerivedFromCompletedDelta(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, 6)
	f.pass(t)

	f.complete(t, 4)
	f.clock.Advance(time.Minute)
	f.pass(t)

	snap, err := f.store.LatestSnapshot(context.Background(), "cafe-jobs")
	require.NoError(t, err)
	require.NotNil(t, snap.JobsPerMin)
	assert.InDelta(t, 4.0, *snap.JobsPerMin, 0.001)
	assert.False(t, snap.Clamped)
	assert.Equal(t, int64(4), snap.Completed)
	assert.Equal(t, int64(2), snap.Waiting)
}

func TestThroughputScalesWithInterval(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, 6)
	f.pass(t)

	f.complete(t, 6)
	f.clock.Advance(2 * time.Minute)
	f.pass(t)

	snap, err := f.store.LatestSnapshot(context.Background(), "cafe-jobs")
	require.NoError(t, err)
	require.NotNil(t, snap.JobsPerMin)
	assert.InDelta(t, 3.0, *snap.JobsPerMin, 0.001)
}

func TestCounterResetClampsRate(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, 5)
	f.complete(t, 5)
	f.pass(t)

	// Clean wipes completed history, so the cumulative counter regresses.
	removed, err := f.queue.Clean(context.Background(), queue.StatusCompleted, 0, 100)
	require.NoError(t, err)
	require.Equal(t, int64(5), removed)

	f.clock.Advance(time.Minute)
	f.pass(t)

	snap, err := f.store.LatestSnapshot(context.Background(), "cafe-jobs")
	require.NoError(t, err)
	require.NotNil(t, snap.JobsPerMin)
	assert.Zero(t, *snap.JobsPerMin)
	assert.True(t, snap.Clamped)
}

func TestRetentionPrunesOldRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.InsertSnapshot(ctx, &store.QueueStatsSnapshot{
		QueueName: "cafe-jobs",
		Timestamp: f.clock.Now().Add(-25 * time.Hour),
	}))

	sum := f.pass(t)
	assert.Equal(t, int64(1), sum.PrunedRows)

	rows, err := f.store.RecentSnapshots(ctx, "cafe-jobs", f.clock.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1, "only the fresh sample survives")
	assert.Equal(t, f.clock.Now(), rows[0].Timestamp)
}

func TestFleetSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Beat(ctx, heartbeat.WorkerInfo{WorkerID: "w-1"}))
	require.NoError(t, f.registry.Beat(ctx, heartbeat.WorkerInfo{WorkerID: "w-2"}))

	sum := f.pass(t)
	assert.Equal(t, int64(2), sum.OnlineWorkers)
	assert.Zero(t, sum.PrunedWorkers)

	snap, err := f.store.LatestSnapshot(ctx, "cafe-jobs")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.OnlineWorkers)

	require.NoError(t, f.registry.Deregister(ctx, "w-2"))
	f.clock.Advance(time.Minute)
	sum = f.pass(t)
	assert.Equal(t, int64(1), sum.OnlineWorkers)
}

func TestDetectorRunsOnFreshSeries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Beat(ctx, heartbeat.WorkerInfo{WorkerID: "w-1"}))
	f.enqueue(t, 201)
	for i := 0; i < 3; i++ {
		f.pass(t)
		f.clock.Advance(time.Minute)
		require.NoError(t, f.registry.Beat(ctx, heartbeat.WorkerInfo{WorkerID: "w-1"}))
	}

	inc, err := f.store.GetOpenIncident(ctx, store.IncidentQueueBacklog, "cafe-jobs")
	require.NoError(t, err)
	assert.Equal(t, store.SeverityHigh, inc.Severity)
	assert.Equal(t, int64(201), inc.AffectedJobs)
}

func TestPausedFlagRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.queue.Pause(ctx)
	require.NoError(t, err)

	f.pass(t)
	snap, err := f.store.LatestSnapshot(ctx, "cafe-jobs")
	require.NoError(t, err)
	assert.True(t, snap.Paused)
}
