package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*MemoryRegistry, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	r := NewMemoryRegistry(Config{})
	r.now = clk.Now
	return r, clk
}

func TestOnlineWindow(t *testing.T) {
	r, clk := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Beat(ctx, WorkerInfo{WorkerID: "host-a:100", Hostname: "host-a", PID: 100}))
	require.NoError(t, r.Beat(ctx, WorkerInfo{WorkerID: "host-b:200", Hostname: "host-b", PID: 200}))

	online, err := r.OnlineWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, online, 2)
	assert.Equal(t, "host-a:100", online[0].WorkerID)

	// host-b keeps beating, host-a goes silent past the window.
	clk.Advance(20 * time.Second)
	require.NoError(t, r.Beat(ctx, WorkerInfo{WorkerID: "host-b:200"}))
	clk.Advance(15 * time.Second)

	online, err = r.OnlineWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "host-b:200", online[0].WorkerID)

	n, err := r.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPruneRemovesSilentWorkers(t *testing.T) {
	r, clk := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Beat(ctx, WorkerInfo{WorkerID: "host-a:100"}))
	require.NoError(t, r.Beat(ctx, WorkerInfo{WorkerID: "host-b:200"}))

	clk.Advance(35 * time.Second)
	require.NoError(t, r.Beat(ctx, WorkerInfo{WorkerID: "host-b:200"}))

	removed, err := r.PruneOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"host-a:100"}, removed)

	online, err := r.OnlineWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "host-b:200", online[0].WorkerID)

	// Pruning again finds nothing.
	removed, err = r.PruneOffline(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestDeregisterIsImmediate(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Beat(ctx, WorkerInfo{WorkerID: "host-a:100"}))
	require.NoError(t, r.Deregister(ctx, "host-a:100"))

	n, err := r.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBeatStampsLastBeatAt(t *testing.T) {
	r, clk := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Beat(ctx, WorkerInfo{WorkerID: "host-a:100", ActiveJobs: 2}))
	online, err := r.OnlineWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, clk.Now().UTC(), online[0].LastBeatAt)
	assert.Equal(t, int64(2), online[0].ActiveJobs)
}

func TestBeaterPublishesCountersAndDeregisters(t *testing.T) {
	r, _ := newTestRegistry()

	b := NewBeater(r, WorkerInfo{WorkerID: "host-a:100", Hostname: "host-a", PID: 100}, 10*time.Millisecond, zap.NewNop().Sugar())

	b.JobStarted()
	b.JobStarted()
	b.JobFinished(false)
	b.JobFinished(true)
	b.JobStarted()

	ctx, cancel := context.WithCancel(context.Background())
	go b.Start(ctx)

	require.Eventually(t, func() bool {
		online, err := r.OnlineWorkers(context.Background())
		return err == nil && len(online) == 1 &&
			online[0].ActiveJobs == 1 &&
			online[0].ProcessedJobs == 1 &&
			online[0].FailedJobs == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	b.Wait()

	n, err := r.OnlineCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "shutdown must deregister the worker")
}

func TestDefaultWorkerIDShape(t *testing.T) {
	id := DefaultWorkerID()
	assert.Contains(t, id, ":")
}
