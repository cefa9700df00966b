package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/modubot/cafeworks/store"
)

// Derived run statuses served to the dashboard. PARTIAL never hits the
// database; it is computed from the counters of a COMPLETED run.
const (
	ViewQueued    = "QUEUED"
	ViewRunning   = "RUNNING"
	ViewCompleted = "COMPLETED"
	ViewPartial   = "PARTIAL"
	ViewFailed    = "FAILED"
	ViewCancelled = "CANCELLED"
)

// eventsPerRun bounds the event strip under each run card.
const eventsPerRun = 3

type ReaderConfig struct {
	// TerminalWindow keeps just-finished runs in the view so their final
	// state is seen at least once by a poller. Defaults to 30s.
	TerminalWindow time.Duration

	// ClampTTL bounds how long a run's high-water marks are remembered
	// after it leaves the view. Defaults to 10m.
	ClampTTL time.Duration
}

func (c ReaderConfig) withDefaults() ReaderConfig {
	if c.TerminalWindow <= 0 {
		c.TerminalWindow = 30 * time.Second
	}
	if c.ClampTTL <= 0 {
		c.ClampTTL = 10 * time.Minute
	}
	return c
}

// RunInfo is one run as the dashboard sees it.
type RunInfo struct {
	ID            string            `json:"id"`
	ScheduleID    string            `json:"scheduleId"`
	UserID        string            `json:"userId"`
	RunDate       string            `json:"runDate"`
	Status        string            `json:"status"`
	TotalJobs     int               `json:"totalJobs"`
	CompletedJobs int               `json:"completedJobs"`
	FailedJobs    int               `json:"failedJobs"`
	TriggeredBy   store.TriggeredBy `json:"triggeredBy"`
	TriggeredAt   time.Time         `json:"triggeredAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	FinishedAt    *time.Time        `json:"finishedAt,omitempty"`
}

// EventInfo is one row of a run's recent-events strip.
type EventInfo struct {
	Index     int       `json:"index"`
	Result    string    `json:"result"`
	ErrorCode string    `json:"errorCode,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ActiveRunsView is the `GET /dashboard/active-runs` response body.
type ActiveRunsView struct {
	Runs                []RunInfo              `json:"runs"`
	RecentEventsByRunID map[string][]EventInfo `json:"recentEventsByRunId"`
}

// watermark is the per-run floor the view never regresses below. Counter
// reads can briefly go backwards when a replica lags or a child is
// reclaimed and recounted; the dashboard must not flicker.
type watermark struct {
	completed int
	failed    int
	rank      int
	status    string
	seenAt    time.Time
}

// Reader assembles the dashboard's active-runs view: live runs plus runs
// finished within the terminal window, with derived statuses and a
// monotonic clamp across polls.
type Reader struct {
	store store.Store
	cfg   ReaderConfig

	mu    sync.Mutex
	marks map[string]watermark

	now func() time.Time
}

func NewReader(st store.Store, cfg ReaderConfig) *Reader {
	return &Reader{
		store: st,
		cfg:   cfg.withDefaults(),
		marks: make(map[string]watermark),
		now:   time.Now,
	}
}

// ActiveRuns returns the current view. Events are capped per run and sorted
// newest first by the store.
func (r *Reader) ActiveRuns(ctx context.Context) (*ActiveRunsView, error) {
	now := r.now().UTC()
	runs, err := r.store.ListActiveRuns(ctx, now.Add(-r.cfg.TerminalWindow))
	if err != nil {
		return nil, errors.Wrap(err, "schedule: list active runs")
	}

	view := &ActiveRunsView{
		Runs:                make([]RunInfo, 0, len(runs)),
		RecentEventsByRunID: make(map[string][]EventInfo),
	}

	r.mu.Lock()
	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		view.Runs = append(view.Runs, r.clampLocked(run, now))
		ids = append(ids, run.ID)
	}
	r.pruneLocked(now)
	r.mu.Unlock()

	if len(ids) > 0 {
		events, err := r.store.RecentRunEvents(ctx, ids, eventsPerRun)
		if err != nil {
			return nil, errors.Wrap(err, "schedule: load run events")
		}
		for runID, evs := range events {
			infos := make([]EventInfo, 0, len(evs))
			for _, e := range evs {
				infos = append(infos, EventInfo{
					Index:     e.Index,
					Result:    e.Result,
					ErrorCode: e.ErrorCode,
					CreatedAt: e.CreatedAt,
				})
			}
			view.RecentEventsByRunID[runID] = infos
		}
	}
	return view, nil
}

// clampLocked applies the monotonic floor to one run and refreshes its
// watermark. Callers hold r.mu.
func (r *Reader) clampLocked(run *store.ScheduleRun, now time.Time) RunInfo {
	w := r.marks[run.ID]

	completed := run.CompletedJobs
	if w.completed > completed {
		completed = w.completed
	}
	failed := run.FailedJobs
	if w.failed > failed {
		failed = w.failed
	}

	status := deriveStatus(run, completed, failed)
	rank := statusRank(status)
	if rank < w.rank {
		status, rank = w.status, w.rank
	}

	r.marks[run.ID] = watermark{
		completed: completed,
		failed:    failed,
		rank:      rank,
		status:    status,
		seenAt:    now,
	}

	return RunInfo{
		ID:            run.ID,
		ScheduleID:    run.ScheduleID,
		UserID:        run.UserID,
		RunDate:       run.RunDate,
		Status:        status,
		TotalJobs:     run.TotalJobs,
		CompletedJobs: completed,
		FailedJobs:    failed,
		TriggeredBy:   run.TriggeredBy,
		TriggeredAt:   run.TriggeredAt,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
	}
}

func (r *Reader) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.cfg.ClampTTL)
	for id, w := range r.marks {
		if w.seenAt.Before(cutoff) {
			delete(r.marks, id)
		}
	}
}

// deriveStatus maps stored state and clamped counters to the view status.
func deriveStatus(run *store.ScheduleRun, completed, failed int) string {
	switch run.Status {
	case store.RunCancelled:
		return ViewCancelled
	case store.RunFailed:
		return ViewFailed
	case store.RunCompleted:
		if failed > 0 && completed > 0 {
			return ViewPartial
		}
		if completed == 0 {
			return ViewFailed
		}
		return ViewCompleted
	}

	// Non-terminal: counters may already tell the ending before the
	// finalizer lands.
	if completed+failed >= run.TotalJobs && run.TotalJobs > 0 {
		switch {
		case failed == 0:
			return ViewCompleted
		case completed == 0:
			return ViewFailed
		default:
			return ViewPartial
		}
	}
	if run.StartedAt == nil {
		return ViewQueued
	}
	return ViewRunning
}

// statusRank orders statuses so the clamp can refuse regressions: a run
// seen RUNNING never shows QUEUED, a run seen terminal never un-finishes.
func statusRank(status string) int {
	switch status {
	case ViewQueued:
		return 0
	case ViewRunning:
		return 1
	default:
		return 2
	}
}
