package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/audit"
	"github.com/modubot/cafeworks/policy"
	"github.com/modubot/cafeworks/queue"
	"github.com/modubot/cafeworks/store"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type plannerFixture struct {
	planner *Planner
	store   *store.MemoryStore
	queue   *queue.MemoryQueue
	clock   *fakeClock
}

// newPlannerFixture runs the planner in UTC so the fake clock maps directly
// onto run dates.
func newPlannerFixture(t *testing.T) *plannerFixture {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue(queue.Config{
		Name:       "cafe-jobs",
		KnownTypes: []queue.JobType{queue.TypeCreatePost},
	})
	rec := audit.NewRecorder(st, zap.NewNop().Sugar())
	gate := policy.NewGate(st, q, rec, policy.Config{}, zap.NewNop().Sugar())
	p, err := NewPlanner(st, q, gate, rec, PlannerConfig{Timezone: "UTC"}, zap.NewNop().Sugar())
	require.NoError(t, err)

	clk := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 30, 0, time.UTC)}
	p.now = clk.Now
	return &plannerFixture{planner: p, store: st, queue: q, clock: clk}
}

func (f *plannerFixture) seedSchedule(t *testing.T, sc store.Schedule) *store.Schedule {
	t.Helper()
	ctx := context.Background()
	if sc.ID == "" {
		sc.ID = "sch-1"
	}
	if sc.UserID == "" {
		sc.UserID = "u1"
	}
	if sc.TemplateID == "" {
		sc.TemplateID = "tpl-1"
	}
	if sc.RunTime == "" {
		sc.RunTime = "09:00"
	}
	if sc.DailyPostCount == 0 {
		sc.DailyPostCount = 3
	}
	if sc.PostIntervalMinutes == 0 {
		sc.PostIntervalMinutes = 5
	}
	sc.Enabled = true
	require.NoError(t, f.store.UpsertAccount(ctx, &store.Account{
		UserID: sc.UserID, Enabled: true, AdminStatus: store.AdminApproved, MaxPostsPerDay: 10,
	}))
	require.NoError(t, f.store.SetSessionStatus(ctx, sc.UserID, store.SessionHealthy))
	require.NoError(t, f.store.CreateSchedule(ctx, &sc))
	return &sc
}

func (f *plannerFixture) runsFor(t *testing.T, scheduleID string) []*store.ScheduleRun {
	t.Helper()
	runs, err := f.store.ListRunsForSchedule(context.Background(), scheduleID, 10)
	require.NoError(t, err)
	return runs
}

func TestPlanDueCreatesRunAndStaggeredJobs(t *testing.T) {
	f := newPlannerFixture(t)
	ctx := context.Background()
	sc := f.seedSchedule(t, store.Schedule{
		Name: "morning promo", CafeName: "cooking-cafe", BoardName: "free", TemplateName: "promo-a",
	})

	n, err := f.planner.PlanDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runs := f.runsFor(t, sc.ID)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, store.RunPending, run.Status)
	assert.Equal(t, 3, run.TotalJobs)
	assert.Equal(t, "2026-03-14", run.RunDate)
	assert.Equal(t, store.TriggeredBySchedule, run.TriggeredBy)

	// First job fires immediately, the rest wait one interval apart.
	queued, err := f.queue.ListJobs(ctx, queue.StatusQueued, 0, 100)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	delayed, err := f.queue.ListJobs(ctx, queue.StatusDelayed, 0, 100)
	require.NoError(t, err)
	require.Len(t, delayed, 2)

	first := queued[0]
	assert.Equal(t, 1, first.SequenceNumber)
	assert.Equal(t, run.ID, first.ScheduleRunID)
	assert.Equal(t, "u1", first.UserID)
	for _, job := range delayed {
		gap := time.Duration(job.SequenceNumber-1) * 5 * time.Minute
		assert.WithinDuration(t, first.VisibleAt.Add(gap), job.VisibleAt, time.Second,
			"job %d staggers by the post interval", job.SequenceNumber)
	}

	payload, err := queue.DecodePostPayload(first.Payload)
	require.NoError(t, err)
	assert.Equal(t, sc.ID, payload.ScheduleID)
	assert.Equal(t, run.ID, payload.ScheduleRunID)
	assert.Equal(t, 3, payload.TotalExecutions)
	assert.Equal(t, "2026-03-14", payload.RunDate)
	assert.Equal(t, "cooking-cafe", payload.CafeName)
	assert.Equal(t, "promo-a", payload.TemplateName)

	live, err := f.queue.HasActiveDedup(ctx, policy.DedupKey("u1", "tpl-1", "2026-03-14"))
	require.NoError(t, err)
	assert.True(t, live, "run jobs hold the dedup key")
}

func TestPlanDueWaitsForRunTime(t *testing.T) {
	f := newPlannerFixture(t)
	ctx := context.Background()
	sc := f.seedSchedule(t, store.Schedule{RunTime: "22:30"})

	n, err := f.planner.PlanDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.runsFor(t, sc.ID))

	f.clock.Advance(14 * time.Hour) // 23:00
	n, err = f.planner.PlanDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPlanDueIsOncePerDay(t *testing.T) {
	f := newPlannerFixture(t)
	ctx := context.Background()
	sc := f.seedSchedule(t, store.Schedule{})

	n, err := f.planner.PlanDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Later ticks the same day plan nothing more.
	f.clock.Advance(time.Hour)
	n, err = f.planner.PlanDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.runsFor(t, sc.ID), 1)

	// The next day plans again.
	f.clock.Advance(24 * time.Hour)
	n, err = f.planner.PlanDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	runs := f.runsFor(t, sc.ID)
	require.Len(t, runs, 2)
	assert.Equal(t, "2026-03-15", runs[0].RunDate)
}

func TestPlanDueBlockedSchedulesAreAuditedNotPlanned(t *testing.T) {
	f := newPlannerFixture(t)
	ctx := context.Background()
	sc := f.seedSchedule(t, store.Schedule{})
	require.NoError(t, f.store.SetSessionStatus(ctx, sc.UserID, store.SessionExpired))

	n, err := f.planner.PlanDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.runsFor(t, sc.ID))

	entries, err := f.store.ListAudit(ctx, store.AuditFilter{
		EntityType: audit.EntitySchedule, EntityID: sc.ID, Action: audit.ActionRunSkipped,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.ActorSystem, entries[0].ActorType)
	assert.Contains(t, entries[0].Reason, string(policy.BlockSessionExpired))
}

func TestRunNow(t *testing.T) {
	f := newPlannerFixture(t)
	ctx := context.Background()
	// RunTime far in the future: RunNow ignores it.
	sc := f.seedSchedule(t, store.Schedule{RunTime: "23:59"})

	run, decision, err := f.planner.RunNow(ctx, sc.ID, "admin-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.True(t, decision.Allowed)
	assert.Equal(t, store.TriggeredByManual, run.TriggeredBy)

	entries, err := f.store.ListAudit(ctx, store.AuditFilter{Action: audit.ActionRunNow})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin-1", entries[0].ActorID)
	assert.Equal(t, run.ID, entries[0].EntityID)

	// The daily-run invariant still holds.
	_, _, err = f.planner.RunNow(ctx, sc.ID, "admin-1")
	assert.ErrorIs(t, err, store.ErrDuplicateRun)
}

func TestRunNowBlockedByPolicy(t *testing.T) {
	f := newPlannerFixture(t)
	ctx := context.Background()
	sc := f.seedSchedule(t, store.Schedule{})
	require.NoError(t, f.store.SetAdminStatus(ctx, sc.UserID, store.AdminSuspended))

	run, decision, err := f.planner.RunNow(ctx, sc.ID, "admin-1")
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.Equal(t, policy.BlockAdminSuspended, decision.Code)
	assert.Empty(t, f.runsFor(t, sc.ID))
}

func TestRunNowDisabledSchedule(t *testing.T) {
	f := newPlannerFixture(t)
	ctx := context.Background()
	sc := f.seedSchedule(t, store.Schedule{})
	require.NoError(t, f.store.SetScheduleEnabled(ctx, sc.ID, false))

	run, decision, err := f.planner.RunNow(ctx, sc.ID, "admin-1")
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.False(t, decision.Allowed)
}

func TestRunNowUnknownSchedule(t *testing.T) {
	f := newPlannerFixture(t)
	_, _, err := f.planner.RunNow(context.Background(), "ghost", "admin-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelRunDropsPendingJobs(t *testing.T) {
	f := newPlannerFixture(t)
	ctx := context.Background()
	sc := f.seedSchedule(t, store.Schedule{})

	n, err := f.planner.PlanDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	run := f.runsFor(t, sc.ID)[0]

	// First child goes active; it will finish naturally.
	active, err := f.queue.Reserve(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, active)

	removed, err := f.planner.CancelRun(ctx, run.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "the two delayed children are dropped")

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, got.Status)
	require.NotNil(t, got.FinishedAt)

	activeJobs, err := f.queue.ActiveJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, activeJobs, 1, "active child keeps running")

	entries, err := f.store.ListAudit(ctx, store.AuditFilter{Action: audit.ActionCancelRun})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, run.ID, entries[0].EntityID)

	// A second cancel conflicts.
	_, err = f.planner.CancelRun(ctx, run.ID, "admin-1")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestEnqueueFailureAbortsRun(t *testing.T) {
	f := newPlannerFixture(t)
	ctx := context.Background()
	sc := f.seedSchedule(t, store.Schedule{})

	// A queue that refuses CREATE_POST makes the very first enqueue fail.
	f.planner.queue = queue.NewMemoryQueue(queue.Config{
		Name:       "cafe-jobs",
		KnownTypes: []queue.JobType{queue.TypeStatsSnapshot},
	})

	_, _, err := f.planner.RunNow(ctx, sc.ID, "admin-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrUnknownJobType)

	runs := f.runsFor(t, sc.ID)
	require.Len(t, runs, 1, "the run row exists but is dead")
	assert.Equal(t, store.RunFailed, runs[0].Status)
}
