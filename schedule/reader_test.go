package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modubot/cafeworks/store"
)

type readerFixture struct {
	reader *Reader
	store  *store.MemoryStore
	clock  *fakeClock
}

func newReaderFixture(t *testing.T) *readerFixture {
	t.Helper()
	st := store.NewMemoryStore()
	r := NewReader(st, ReaderConfig{})
	clk := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	r.now = clk.Now
	return &readerFixture{reader: r, store: st, clock: clk}
}

func (f *readerFixture) seedRunRow(t *testing.T, id string, total int) *store.ScheduleRun {
	t.Helper()
	run := &store.ScheduleRun{
		ID: id, ScheduleID: "sch-" + id, UserID: "u1", RunDate: "2026-03-14",
		Status: store.RunPending, TotalJobs: total,
		TriggeredBy: store.TriggeredBySchedule, TriggeredAt: f.clock.Now(),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), run))
	return run
}

func (f *readerFixture) view(t *testing.T) *ActiveRunsView {
	t.Helper()
	v, err := f.reader.ActiveRuns(context.Background())
	require.NoError(t, err)
	return v
}

func statusOf(t *testing.T, v *ActiveRunsView, runID string) string {
	t.Helper()
	for _, r := range v.Runs {
		if r.ID == runID {
			return r.Status
		}
	}
	t.Fatalf("run %s not in view", runID)
	return ""
}

func TestDerivedStatuses(t *testing.T) {
	f := newReaderFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	f.seedRunRow(t, "queued", 3)

	f.seedRunRow(t, "running", 3)
	require.NoError(t, f.store.MarkRunStarted(ctx, "running", now))

	f.seedRunRow(t, "clean", 2)
	_, err := f.store.BumpRunCounters(ctx, "clean", 2, 0)
	require.NoError(t, err)
	require.NoError(t, f.store.FinalizeRun(ctx, "clean", store.RunCompleted, now))

	f.seedRunRow(t, "partial", 2)
	_, err = f.store.BumpRunCounters(ctx, "partial", 1, 1)
	require.NoError(t, err)
	require.NoError(t, f.store.FinalizeRun(ctx, "partial", store.RunCompleted, now))

	f.seedRunRow(t, "failed", 2)
	_, err = f.store.BumpRunCounters(ctx, "failed", 0, 2)
	require.NoError(t, err)
	require.NoError(t, f.store.FinalizeRun(ctx, "failed", store.RunFailed, now))

	f.seedRunRow(t, "cancelled", 2)
	require.NoError(t, f.store.FinalizeRun(ctx, "cancelled", store.RunCancelled, now))

	v := f.view(t)
	assert.Equal(t, ViewQueued, statusOf(t, v, "queued"))
	assert.Equal(t, ViewRunning, statusOf(t, v, "running"))
	assert.Equal(t, ViewCompleted, statusOf(t, v, "clean"))
	assert.Equal(t, ViewPartial, statusOf(t, v, "partial"))
	assert.Equal(t, ViewFailed, statusOf(t, v, "failed"))
	assert.Equal(t, ViewCancelled, statusOf(t, v, "cancelled"))
}

func TestCountersFullDerivesTerminalBeforeFinalize(t *testing.T) {
	f := newReaderFixture(t)
	ctx := context.Background()

	// All children landed but the finalizer has not run yet.
	f.seedRunRow(t, "r1", 2)
	_, err := f.store.BumpRunCounters(ctx, "r1", 2, 0)
	require.NoError(t, err)

	v := f.view(t)
	assert.Equal(t, ViewCompleted, statusOf(t, v, "r1"))
}

func TestMonotonicCounterClamp(t *testing.T) {
	f := newReaderFixture(t)
	ctx := context.Background()

	f.seedRunRow(t, "r1", 10)
	_, err := f.store.BumpRunCounters(ctx, "r1", 5, 1)
	require.NoError(t, err)

	v := f.view(t)
	assert.Equal(t, 5, v.Runs[0].CompletedJobs)
	assert.Equal(t, 1, v.Runs[0].FailedJobs)

	// A recount regression must not reach the dashboard.
	_, err = f.store.BumpRunCounters(ctx, "r1", -2, 0)
	require.NoError(t, err)

	v = f.view(t)
	assert.Equal(t, 5, v.Runs[0].CompletedJobs, "counters never regress between polls")
	assert.Equal(t, 1, v.Runs[0].FailedJobs)

	// Forward progress still shows.
	_, err = f.store.BumpRunCounters(ctx, "r1", 4, 0)
	require.NoError(t, err)
	v = f.view(t)
	assert.Equal(t, 7, v.Runs[0].CompletedJobs)
}

func TestStatusNeverRegresses(t *testing.T) {
	f := newReaderFixture(t)
	ctx := context.Background()

	// Counters say finished; the view derives COMPLETED.
	f.seedRunRow(t, "r1", 2)
	_, err := f.store.BumpRunCounters(ctx, "r1", 2, 0)
	require.NoError(t, err)
	v := f.view(t)
	require.Equal(t, ViewCompleted, statusOf(t, v, "r1"))

	// A recount drops a counter below total: without the clamp this would
	// read RUNNING again.
	_, err = f.store.BumpRunCounters(ctx, "r1", -1, 0)
	require.NoError(t, err)
	v = f.view(t)
	assert.Equal(t, ViewCompleted, statusOf(t, v, "r1"))
	assert.Equal(t, 2, v.Runs[0].CompletedJobs)
}

func TestTerminalRunsLingerThenDrop(t *testing.T) {
	f := newReaderFixture(t)
	ctx := context.Background()

	f.seedRunRow(t, "r1", 1)
	_, err := f.store.BumpRunCounters(ctx, "r1", 1, 0)
	require.NoError(t, err)
	require.NoError(t, f.store.FinalizeRun(ctx, "r1", store.RunCompleted, f.clock.Now()))

	f.clock.Advance(10 * time.Second)
	v := f.view(t)
	require.Len(t, v.Runs, 1, "finished 10s ago: still visible")

	f.clock.Advance(25 * time.Second)
	v = f.view(t)
	assert.Empty(t, v.Runs, "past the terminal window")
}

func TestWatermarksExpire(t *testing.T) {
	f := newReaderFixture(t)
	ctx := context.Background()

	f.seedRunRow(t, "r1", 1)
	_, err := f.store.BumpRunCounters(ctx, "r1", 1, 0)
	require.NoError(t, err)
	require.NoError(t, f.store.FinalizeRun(ctx, "r1", store.RunCompleted, f.clock.Now()))
	f.view(t)

	f.reader.mu.Lock()
	assert.Len(t, f.reader.marks, 1)
	f.reader.mu.Unlock()

	// The run leaves the view; its watermark outlives it by the TTL only.
	f.clock.Advance(11 * time.Minute)
	f.view(t)

	f.reader.mu.Lock()
	assert.Empty(t, f.reader.marks)
	f.reader.mu.Unlock()
}

func TestEventStripCapsAtThreeNewest(t *testing.T) {
	f := newReaderFixture(t)
	ctx := context.Background()
	f.seedRunRow(t, "r1", 5)

	for i := 1; i <= 5; i++ {
		result := store.RunEventSuccess
		code := ""
		if i == 4 {
			result = store.RunEventFailed
			code = "NETWORK_ERROR"
		}
		require.NoError(t, f.store.AppendRunEvent(ctx, &store.RunEvent{
			RunID: "r1", JobID: "j", Index: i, Result: result, ErrorCode: code,
		}))
	}

	v := f.view(t)
	events := v.RecentEventsByRunID["r1"]
	require.Len(t, events, 3)
	assert.Equal(t, 5, events[0].Index, "newest first")
	assert.Equal(t, 4, events[1].Index)
	assert.Equal(t, "NETWORK_ERROR", events[1].ErrorCode)
	assert.Equal(t, 3, events[2].Index)
}
