package schedule

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/observability"
	"github.com/modubot/cafeworks/policy"
	"github.com/modubot/cafeworks/pool"
	"github.com/modubot/cafeworks/queue"
	"github.com/modubot/cafeworks/store"
)

// Tracker folds job lifecycle callbacks into run state: counters, run
// events, the daily post count and the policy outcome feed. It implements
// pool.LifecycleHooks and pool.ProgressReporter; jobs without a run id
// (system jobs) pass through untouched.
type Tracker struct {
	store store.Store
	gate  *policy.Gate
	log   *zap.SugaredLogger

	now func() time.Time
}

func NewTracker(st store.Store, gate *policy.Gate, log *zap.SugaredLogger) *Tracker {
	return &Tracker{
		store: st,
		gate:  gate,
		log:   log.Named("tracker"),
		now:   time.Now,
	}
}

// OnJobStarted marks the run RUNNING when its first child goes active.
func (t *Tracker) OnJobStarted(ctx context.Context, job *queue.Job) {
	if job.ScheduleRunID == "" {
		return
	}
	if err := t.store.MarkRunStarted(ctx, job.ScheduleRunID, t.now().UTC()); err != nil {
		t.log.Warnw("mark run started failed", "runId", job.ScheduleRunID, "error", err)
	}
}

// OnJobTerminal records the outcome on the run. Counter updates go through
// the store's guarded increment, so concurrent children cannot overshoot
// the total; the child that completes the set finalizes the run.
func (t *Tracker) OnJobTerminal(ctx context.Context, job *queue.Job, res pool.TerminalResult) {
	if job.ScheduleRunID == "" {
		return
	}
	log := t.log.With("runId", job.ScheduleRunID, "jobId", job.ID)

	t.appendEvent(ctx, job, res, log)

	completedDelta, failedDelta := 0, 1
	if res.Status == queue.StatusCompleted {
		completedDelta, failedDelta = 1, 0
	}
	run, err := t.store.BumpRunCounters(ctx, job.ScheduleRunID, completedDelta, failedDelta)
	if err != nil {
		// ErrConflict means the counters are already at total, a recount
		// after a reclaimed child. Nothing left to fold in.
		if !errors.Is(err, store.ErrConflict) {
			log.Errorw("bump run counters failed", "error", err)
		}
		return
	}

	t.applyOutcome(ctx, job, res, log)

	if run.CompletedJobs+run.FailedJobs == run.TotalJobs && !run.Status.IsTerminal() {
		t.finalize(ctx, run, log)
	}
}

// OnJobProgress surfaces mid-job results on the run's event strip.
func (t *Tracker) OnJobProgress(job *queue.Job, index, total int, result string, code queue.ErrorCode) {
	if job.ScheduleRunID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := t.store.AppendRunEvent(ctx, &store.RunEvent{
		RunID:     job.ScheduleRunID,
		JobID:     job.ID,
		Index:     index,
		Result:    result,
		ErrorCode: string(code),
	})
	if err != nil {
		t.log.Warnw("append progress event failed", "runId", job.ScheduleRunID, "error", err)
	}
}

func (t *Tracker) appendEvent(ctx context.Context, job *queue.Job, res pool.TerminalResult, log *zap.SugaredLogger) {
	result := store.RunEventFailed
	message := res.Message
	switch res.Status {
	case queue.StatusCompleted:
		result = store.RunEventSuccess
		message = ""
	case queue.StatusCancelled:
		message = "cancelled before completion"
	}
	err := t.store.AppendRunEvent(ctx, &store.RunEvent{
		RunID:     job.ScheduleRunID,
		JobID:     job.ID,
		Index:     job.SequenceNumber,
		Result:    result,
		ErrorCode: string(res.Code),
		Message:   message,
	})
	if err != nil {
		log.Warnw("append run event failed", "error", err)
	}
}

// applyOutcome feeds the daily count and the policy ledgers. Cancellations
// are operator actions, not posting outcomes, so they touch neither.
func (t *Tracker) applyOutcome(ctx context.Context, job *queue.Job, res pool.TerminalResult, log *zap.SugaredLogger) {
	if res.Status == queue.StatusCancelled {
		return
	}

	payload, err := queue.DecodePostPayload(job.Payload)
	if err != nil {
		log.Warnw("undecodable payload; skipping outcome bookkeeping", "error", err)
		return
	}

	if res.Status == queue.StatusCompleted {
		if _, err := t.store.IncrementDailyCount(ctx, job.UserID, payload.RunDate); err != nil {
			log.Warnw("increment daily count failed", "error", err)
		}
	}

	if payload.ScheduleID != "" {
		success := res.Status == queue.StatusCompleted
		if err := t.gate.RecordOutcome(ctx, payload.ScheduleID, job.UserID, success); err != nil {
			log.Warnw("record outcome failed", "scheduleId", payload.ScheduleID, "error", err)
		}
	}

	if res.Status == queue.StatusFailed && res.Code.IsSessionFatal() {
		if err := t.gate.MarkSessionFatal(ctx, job.UserID, res.Code); err != nil {
			log.Warnw("session demotion failed", "userId", job.UserID, "error", err)
		}
	}
}

func (t *Tracker) finalize(ctx context.Context, run *store.ScheduleRun, log *zap.SugaredLogger) {
	// Mixed outcomes store as COMPLETED with failedJobs > 0; readers derive
	// PARTIAL from the counters.
	status := store.RunCompleted
	if run.CompletedJobs == 0 {
		status = store.RunFailed
	}
	err := t.store.FinalizeRun(ctx, run.ID, status, t.now().UTC())
	if err != nil {
		// Already terminal: an operator cancelled the run while its last
		// child was in flight.
		if !errors.Is(err, store.ErrConflict) {
			log.Errorw("finalize run failed", "status", status, "error", err)
		}
		return
	}
	observability.RunsFinalized.WithLabelValues(string(status)).Inc()
	log.Infow("run finalized",
		"status", status,
		"completed", run.CompletedJobs,
		"failed", run.FailedJobs,
		"total", run.TotalJobs)
}
