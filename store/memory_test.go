package store

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTime(min int) time.Time {
	return time.Date(2026, 3, 14, 9, min, 0, 0, time.UTC)
}

func TestDueScheduleListing(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	early := &Schedule{ID: "sch-early", UserID: "u1", TemplateID: "tpl-1", RunTime: "09:00", DailyPostCount: 3, PostIntervalMinutes: 10, Enabled: true}
	late := &Schedule{ID: "sch-late", UserID: "u1", TemplateID: "tpl-2", RunTime: "10:00", DailyPostCount: 1, PostIntervalMinutes: 5, Enabled: true}
	off := &Schedule{ID: "sch-off", UserID: "u2", TemplateID: "tpl-3", RunTime: "08:00", DailyPostCount: 1, PostIntervalMinutes: 5, Enabled: false}
	require.NoError(t, st.CreateSchedule(ctx, early))
	require.NoError(t, st.CreateSchedule(ctx, late))
	require.NoError(t, st.CreateSchedule(ctx, off))

	due, err := st.ListDueSchedules(ctx, "2026-03-14", "09:30")
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "sch-early", due[0].ID)

	// A run row for the day removes the schedule from the due list, whatever its status.
	run := &ScheduleRun{ID: "run-1", ScheduleID: "sch-early", UserID: "u1", RunDate: "2026-03-14", TotalJobs: 3, TriggeredBy: TriggeredBySchedule, TriggeredAt: testTime(0)}
	require.NoError(t, st.CreateRun(ctx, run))

	due, err = st.ListDueSchedules(ctx, "2026-03-14", "10:30")
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "sch-late", due[0].ID)

	// Next day starts clean.
	due, err = st.ListDueSchedules(ctx, "2026-03-15", "10:30")
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestScheduleFailureCounter(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	sc := &Schedule{ID: "sch-1", UserID: "u1", TemplateID: "tpl-1", RunTime: "09:00", DailyPostCount: 1, PostIntervalMinutes: 5, Enabled: true}
	require.NoError(t, st.CreateSchedule(ctx, sc))

	for want := 1; want <= 3; want++ {
		n, err := st.BumpScheduleFailures(ctx, "sch-1", false)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	n, err := st.BumpScheduleFailures(ctx, "sch-1", true)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = st.BumpScheduleFailures(ctx, "missing", false)
	assert.True(t, errors.Is(err, ErrNotFound))

	err = st.SetScheduleEnabled(ctx, "missing", false)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDuplicateRunGuard(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	sc := &Schedule{ID: "sch-1", UserID: "u1", TemplateID: "tpl-1", RunTime: "09:00", DailyPostCount: 2, PostIntervalMinutes: 5, Enabled: true}
	require.NoError(t, st.CreateSchedule(ctx, sc))

	first := &ScheduleRun{ID: "run-1", ScheduleID: "sch-1", UserID: "u1", RunDate: "2026-03-14", TotalJobs: 2, TriggeredBy: TriggeredBySchedule, TriggeredAt: testTime(0)}
	require.NoError(t, st.CreateRun(ctx, first))

	second := &ScheduleRun{ID: "run-2", ScheduleID: "sch-1", UserID: "u1", RunDate: "2026-03-14", TotalJobs: 2, TriggeredBy: TriggeredByManual, TriggeredAt: testTime(1)}
	err := st.CreateRun(ctx, second)
	assert.True(t, errors.Is(err, ErrDuplicateRun))

	// Once the first run terminates, a manual rerun on the same date is allowed.
	require.NoError(t, st.FinalizeRun(ctx, "run-1", RunCancelled, testTime(2)))
	require.NoError(t, st.CreateRun(ctx, second))

	// A different date never collides, even while run-2 is still live.
	third := &ScheduleRun{ID: "run-3", ScheduleID: "sch-1", UserID: "u1", RunDate: "2026-03-15", TotalJobs: 2, TriggeredBy: TriggeredBySchedule, TriggeredAt: testTime(3)}
	require.NoError(t, st.CreateRun(ctx, third))
}

func TestRunCounterConservation(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	sc := &Schedule{ID: "sch-1", UserID: "u1", TemplateID: "tpl-1", RunTime: "09:00", DailyPostCount: 3, PostIntervalMinutes: 5, Enabled: true}
	require.NoError(t, st.CreateSchedule(ctx, sc))
	run := &ScheduleRun{ID: "run-1", ScheduleID: "sch-1", UserID: "u1", RunDate: "2026-03-14", TotalJobs: 3, TriggeredBy: TriggeredBySchedule, TriggeredAt: testTime(0)}
	require.NoError(t, st.CreateRun(ctx, run))

	require.NoError(t, st.MarkRunStarted(ctx, "run-1", testTime(1)))
	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	firstStart := *got.StartedAt

	// Later starts are no-ops.
	require.NoError(t, st.MarkRunStarted(ctx, "run-1", testTime(5)))
	got, err = st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, got.StartedAt.Equal(firstStart))

	for i := 0; i < 2; i++ {
		_, err := st.BumpRunCounters(ctx, "run-1", 1, 0)
		require.NoError(t, err)
	}
	r, err := st.BumpRunCounters(ctx, "run-1", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, r.CompletedJobs)
	assert.Equal(t, 1, r.FailedJobs)

	// completed + failed can never exceed totalJobs.
	_, err = st.BumpRunCounters(ctx, "run-1", 1, 0)
	assert.True(t, errors.Is(err, ErrConflict))
	got, err = st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CompletedJobs)
	assert.Equal(t, 1, got.FailedJobs)

	_, err = st.BumpRunCounters(ctx, "missing", 1, 0)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFinalizeRunOnce(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	sc := &Schedule{ID: "sch-1", UserID: "u1", TemplateID: "tpl-1", RunTime: "09:00", DailyPostCount: 1, PostIntervalMinutes: 5, Enabled: true}
	require.NoError(t, st.CreateSchedule(ctx, sc))
	run := &ScheduleRun{ID: "run-1", ScheduleID: "sch-1", UserID: "u1", RunDate: "2026-03-14", TotalJobs: 1, TriggeredBy: TriggeredBySchedule, TriggeredAt: testTime(0)}
	require.NoError(t, st.CreateRun(ctx, run))

	require.NoError(t, st.FinalizeRun(ctx, "run-1", RunCompleted, testTime(2)))

	err := st.FinalizeRun(ctx, "run-1", RunFailed, testTime(3))
	assert.True(t, errors.Is(err, ErrConflict))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)

	err = st.FinalizeRun(ctx, "missing", RunCompleted, testTime(2))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestActiveRunsWindow(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	sc := &Schedule{ID: "sch-1", UserID: "u1", TemplateID: "tpl-1", RunTime: "09:00", DailyPostCount: 1, PostIntervalMinutes: 5, Enabled: true}
	require.NoError(t, st.CreateSchedule(ctx, sc))

	running := &ScheduleRun{ID: "run-live", ScheduleID: "sch-1", UserID: "u1", RunDate: "2026-03-14", Status: RunRunning, TotalJobs: 1, TriggeredBy: TriggeredBySchedule, TriggeredAt: testTime(10)}
	require.NoError(t, st.CreateRun(ctx, running))

	fresh := &ScheduleRun{ID: "run-fresh", ScheduleID: "sch-1", UserID: "u1", RunDate: "2026-03-13", TotalJobs: 1, TriggeredBy: TriggeredBySchedule, TriggeredAt: testTime(5)}
	require.NoError(t, st.CreateRun(ctx, fresh))
	require.NoError(t, st.FinalizeRun(ctx, "run-fresh", RunCompleted, testTime(29)))

	stale := &ScheduleRun{ID: "run-stale", ScheduleID: "sch-1", UserID: "u1", RunDate: "2026-03-12", TotalJobs: 1, TriggeredBy: TriggeredBySchedule, TriggeredAt: testTime(1)}
	require.NoError(t, st.CreateRun(ctx, stale))
	require.NoError(t, st.FinalizeRun(ctx, "run-stale", RunCompleted, testTime(2)))

	// Keep non-terminal runs plus anything terminated in the last 30 seconds.
	runs, err := st.ListActiveRuns(ctx, testTime(29).Add(-30*time.Second))
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-live", runs[0].ID)
	assert.Equal(t, "run-fresh", runs[1].ID)
}

func TestIncidentDedupAndLifecycle(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	inc := &Incident{
		ID: "inc-1", Type: IncidentQueueBacklog, Severity: SeverityHigh, QueueName: "cafe-jobs",
		Title: "backlog", AffectedJobs: 250, StartedAt: testTime(0), UpdatedAt: testTime(0), LastConditionAt: testTime(0),
	}
	require.NoError(t, st.CreateIncident(ctx, inc))

	dup := &Incident{
		ID: "inc-2", Type: IncidentQueueBacklog, Severity: SeverityMedium, QueueName: "cafe-jobs",
		Title: "backlog again", StartedAt: testTime(1), UpdatedAt: testTime(1), LastConditionAt: testTime(1),
	}
	err := st.CreateIncident(ctx, dup)
	assert.True(t, errors.Is(err, ErrConflict))

	// Same type on another queue is a distinct incident.
	other := &Incident{
		ID: "inc-3", Type: IncidentQueueBacklog, Severity: SeverityMedium, QueueName: "cafe-system",
		Title: "other backlog", StartedAt: testTime(1), UpdatedAt: testTime(1), LastConditionAt: testTime(1),
	}
	require.NoError(t, st.CreateIncident(ctx, other))

	open, err := st.GetOpenIncident(ctx, IncidentQueueBacklog, "cafe-jobs")
	require.NoError(t, err)
	assert.Equal(t, "inc-1", open.ID)

	require.NoError(t, st.RefreshIncidentObservation(ctx, "inc-1", 300, "queue length 300", testTime(2)))
	got, err := st.GetIncident(ctx, "inc-1")
	require.NoError(t, err)
	assert.EqualValues(t, 300, got.AffectedJobs)
	assert.True(t, got.LastConditionAt.Equal(testTime(2)))
	assert.True(t, got.StartedAt.Equal(testTime(0)), "refresh keeps the original start")

	require.NoError(t, st.AcknowledgeIncident(ctx, "inc-1"))
	err = st.AcknowledgeIncident(ctx, "inc-1")
	assert.True(t, errors.Is(err, ErrConflict))

	// Acknowledged incidents still count as open for dedup.
	_, err = st.GetOpenIncident(ctx, IncidentQueueBacklog, "cafe-jobs")
	require.NoError(t, err)

	require.NoError(t, st.ResolveIncident(ctx, "inc-1", "system", testTime(10)))
	require.NoError(t, st.ResolveIncident(ctx, "inc-1", "admin:kim", testTime(11)), "second resolve is a quiet no-op")

	got, err = st.GetIncident(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, IncidentResolved, got.Status)
	assert.Equal(t, "system", got.ResolvedBy)

	_, err = st.GetOpenIncident(ctx, IncidentQueueBacklog, "cafe-jobs")
	assert.True(t, errors.Is(err, ErrNotFound))

	// With the slot free, the next detection opens a fresh incident.
	require.NoError(t, st.CreateIncident(ctx, &Incident{
		ID: "inc-4", Type: IncidentQueueBacklog, Severity: SeverityMedium, QueueName: "cafe-jobs",
		Title: "backlog back", StartedAt: testTime(20), UpdatedAt: testTime(20), LastConditionAt: testTime(20),
	}))

	unresolved, err := st.ListUnresolvedIncidents(ctx)
	require.NoError(t, err)
	assert.Len(t, unresolved, 2)
}

func TestDailyCounts(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	n, err := st.GetDailyCount(ctx, "u1", "2026-03-14")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = st.IncrementDailyCount(ctx, "u1", "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = st.IncrementDailyCount(ctx, "u1", "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Other users and other dates do not share counters.
	n, err = st.GetDailyCount(ctx, "u2", "2026-03-14")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = st.GetDailyCount(ctx, "u1", "2026-03-15")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSnapshotQueries(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	rate := 2.5
	for i, ts := range []time.Time{testTime(0), testTime(1), testTime(2)} {
		snap := &QueueStatsSnapshot{QueueName: "cafe-jobs", Waiting: int64(10 * (i + 1)), Timestamp: ts}
		if i == 2 {
			snap.JobsPerMin = &rate
		}
		require.NoError(t, st.InsertSnapshot(ctx, snap))
	}
	require.NoError(t, st.InsertSnapshot(ctx, &QueueStatsSnapshot{QueueName: "cafe-system", Waiting: 1, Timestamp: testTime(3)}))

	latest, err := st.LatestSnapshot(ctx, "cafe-jobs")
	require.NoError(t, err)
	assert.EqualValues(t, 30, latest.Waiting)
	require.NotNil(t, latest.JobsPerMin)
	assert.Equal(t, rate, *latest.JobsPerMin)

	_, err = st.LatestSnapshot(ctx, "unknown")
	assert.True(t, errors.Is(err, ErrNotFound))

	recent, err := st.RecentSnapshots(ctx, "cafe-jobs", testTime(1))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.EqualValues(t, 30, recent[0].Waiting, "newest first")

	removed, err := st.PruneSnapshots(ctx, testTime(2))
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	recent, err = st.RecentSnapshots(ctx, "cafe-jobs", testTime(0))
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestAuditFilters(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	entries := []*AuditLogEntry{
		{ActorID: "admin:kim", ActorType: ActorAdmin, EntityType: "queue", EntityID: "cafe-jobs", Action: "QUEUE_PAUSED"},
		{ActorID: "admin:kim", ActorType: ActorAdmin, EntityType: "queue", EntityID: "cafe-jobs", Action: "QUEUE_RESUMED"},
		{ActorID: "system", ActorType: ActorSystem, EntityType: "incident", EntityID: "inc-1", Action: "INCIDENT_RESOLVED"},
	}
	for _, e := range entries {
		require.NoError(t, st.AppendAudit(ctx, e))
	}

	all, err := st.ListAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "INCIDENT_RESOLVED", all[0].Action, "newest first")

	queueOnly, err := st.ListAudit(ctx, AuditFilter{EntityType: "queue"})
	require.NoError(t, err)
	assert.Len(t, queueOnly, 2)

	paused, err := st.ListAudit(ctx, AuditFilter{Action: "QUEUE_PAUSED"})
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, "cafe-jobs", paused[0].EntityID)

	limited, err := st.ListAudit(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecentRunEventsPerRunCap(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, st.AppendRunEvent(ctx, &RunEvent{
			RunID: "run-a", JobID: "job-a", Index: i, Result: RunEventSuccess, CreatedAt: testTime(i),
		}))
	}
	require.NoError(t, st.AppendRunEvent(ctx, &RunEvent{RunID: "run-b", JobID: "job-b", Index: 1, Result: RunEventFailed, ErrorCode: "NETWORK_ERROR", CreatedAt: testTime(1)}))
	require.NoError(t, st.AppendRunEvent(ctx, &RunEvent{RunID: "run-b", JobID: "job-b", Index: 2, Result: RunEventSuccess, CreatedAt: testTime(2)}))

	events, err := st.RecentRunEvents(ctx, []string{"run-a", "run-b", "run-c"}, 3)
	require.NoError(t, err)

	require.Len(t, events["run-a"], 3)
	assert.Equal(t, 5, events["run-a"][0].Index, "newest first")
	assert.Equal(t, 3, events["run-a"][2].Index)

	require.Len(t, events["run-b"], 2)
	assert.Equal(t, "NETWORK_ERROR", events["run-b"][1].ErrorCode)

	assert.Empty(t, events["run-c"])
}

func TestAccountsAndSessions(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	_, err := st.GetAccount(ctx, "u1")
	assert.True(t, errors.Is(err, ErrNotFound))

	acc := &Account{UserID: "u1", Enabled: true, AdminStatus: AdminApproved, MaxPostsPerDay: 10}
	require.NoError(t, st.UpsertAccount(ctx, acc))

	got, err := st.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, AdminApproved, got.AdminStatus)

	require.NoError(t, st.SetAdminStatus(ctx, "u1", AdminSuspended))
	got, err = st.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, AdminSuspended, got.AdminStatus)

	err = st.SetAdminStatus(ctx, "missing", AdminBanned)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = st.GetSession(ctx, "u1")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, st.SetSessionStatus(ctx, "u1", SessionHealthy))
	sess, err := st.GetSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, SessionHealthy, sess.Status)

	require.NoError(t, st.SetSessionStatus(ctx, "u1", SessionExpired))
	sess, err = st.GetSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, SessionExpired, sess.Status)
}
