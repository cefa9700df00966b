package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPostgres connects to the database named by POSTGRES_DSN and truncates
// all tables on cleanup. Skipped when the variable is unset.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set; skipping postgres integration test")
	}

	require.NoError(t, Migrate(dsn))

	st, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, err := st.pool.Exec(context.Background(), `
			TRUNCATE run_events, audit_log, incidents, queue_stats_snapshots,
				daily_post_counts, sessions, accounts, schedule_runs, schedules`)
		assert.NoError(t, err)
		st.Close()
	})
	return st
}

func TestPostgresRunLifecycle(t *testing.T) {
	st := newTestPostgres(t)
	ctx := context.Background()

	sc := &Schedule{
		ID: uuid.NewString(), UserID: "u1", TemplateID: "tpl-1", Name: "morning posts",
		RunTime: "09:00", DailyPostCount: 2, PostIntervalMinutes: 10, Enabled: true,
	}
	require.NoError(t, st.CreateSchedule(ctx, sc))

	due, err := st.ListDueSchedules(ctx, "2026-03-14", "09:30")
	require.NoError(t, err)
	require.Len(t, due, 1)

	run := &ScheduleRun{
		ID: uuid.NewString(), ScheduleID: sc.ID, UserID: "u1", RunDate: "2026-03-14",
		TotalJobs: 2, TriggeredBy: TriggeredBySchedule, TriggeredAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateRun(ctx, run))

	// The partial unique index rejects a second live run for the same day.
	dup := &ScheduleRun{
		ID: uuid.NewString(), ScheduleID: sc.ID, UserID: "u1", RunDate: "2026-03-14",
		TotalJobs: 2, TriggeredBy: TriggeredByManual, TriggeredAt: time.Now().UTC(),
	}
	err = st.CreateRun(ctx, dup)
	assert.True(t, errors.Is(err, ErrDuplicateRun))

	due, err = st.ListDueSchedules(ctx, "2026-03-14", "09:30")
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, st.MarkRunStarted(ctx, run.ID, time.Now().UTC()))

	r, err := st.BumpRunCounters(ctx, run.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, r.Status)
	assert.Equal(t, 1, r.CompletedJobs)

	r, err = st.BumpRunCounters(ctx, run.ID, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, r.CompletedJobs+r.FailedJobs)

	_, err = st.BumpRunCounters(ctx, run.ID, 1, 0)
	assert.True(t, errors.Is(err, ErrConflict), "bump past totalJobs must be rejected")

	require.NoError(t, st.FinalizeRun(ctx, run.ID, RunFailed, time.Now().UTC()))
	err = st.FinalizeRun(ctx, run.ID, RunCompleted, time.Now().UTC())
	assert.True(t, errors.Is(err, ErrConflict))

	runs, err := st.ListActiveRuns(ctx, time.Now().UTC().Add(-30*time.Second))
	require.NoError(t, err)
	require.Len(t, runs, 1, "freshly terminated run stays visible")
	assert.Equal(t, RunFailed, runs[0].Status)

	runs, err = st.ListActiveRuns(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestPostgresIncidentUniqueOpen(t *testing.T) {
	st := newTestPostgres(t)
	ctx := context.Background()

	now := time.Now().UTC()
	first := &Incident{
		ID: uuid.NewString(), Type: IncidentWorkerDown, Severity: SeverityCritical, QueueName: "cafe-jobs",
		Title: "no workers online", StartedAt: now, UpdatedAt: now, LastConditionAt: now,
	}
	require.NoError(t, st.CreateIncident(ctx, first))

	second := &Incident{
		ID: uuid.NewString(), Type: IncidentWorkerDown, Severity: SeverityCritical, QueueName: "cafe-jobs",
		Title: "still no workers", StartedAt: now, UpdatedAt: now, LastConditionAt: now,
	}
	err := st.CreateIncident(ctx, second)
	assert.True(t, errors.Is(err, ErrConflict))

	open, err := st.GetOpenIncident(ctx, IncidentWorkerDown, "cafe-jobs")
	require.NoError(t, err)
	assert.Equal(t, first.ID, open.ID)

	require.NoError(t, st.RefreshIncidentObservation(ctx, first.ID, 7, "7 jobs waiting with no workers", now.Add(time.Minute)))
	require.NoError(t, st.ResolveIncident(ctx, first.ID, "system", now.Add(2*time.Minute)))

	// Slot is free again after resolution.
	require.NoError(t, st.CreateIncident(ctx, second))

	got, err := st.GetIncident(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, IncidentResolved, got.Status)
	assert.Equal(t, "system", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)
}

func TestPostgresRecentRunEvents(t *testing.T) {
	st := newTestPostgres(t)
	ctx := context.Background()

	runA := uuid.NewString()
	runB := uuid.NewString()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 5; i++ {
		require.NoError(t, st.AppendRunEvent(ctx, &RunEvent{
			RunID: runA, JobID: uuid.NewString(), Index: i, Result: RunEventSuccess,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, st.AppendRunEvent(ctx, &RunEvent{
		RunID: runB, JobID: uuid.NewString(), Index: 1, Result: RunEventFailed,
		ErrorCode: "RATE_LIMITED", Message: "cafe rate limit hit",
		CreatedAt: base,
	}))

	events, err := st.RecentRunEvents(ctx, []string{runA, runB}, 3)
	require.NoError(t, err)

	require.Len(t, events[runA], 3)
	assert.Equal(t, 5, events[runA][0].Index)
	assert.Equal(t, 3, events[runA][2].Index)

	require.Len(t, events[runB], 1)
	assert.Equal(t, "RATE_LIMITED", events[runB][0].ErrorCode)
}

func TestPostgresDailyCountUpsert(t *testing.T) {
	st := newTestPostgres(t)
	ctx := context.Background()

	n, err := st.GetDailyCount(ctx, "u1", "2026-03-14")
	require.NoError(t, err)
	assert.Zero(t, n)

	for want := 1; want <= 3; want++ {
		n, err = st.IncrementDailyCount(ctx, "u1", "2026-03-14")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	n, err = st.GetDailyCount(ctx, "u1", "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
