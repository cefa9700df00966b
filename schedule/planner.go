// Package schedule turns daily posting plans into queue jobs and keeps the
// per-run bookkeeping: the planner materializes runs, the tracker folds job
// outcomes back into run counters, and the reader serves the dashboard view.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/audit"
	"github.com/modubot/cafeworks/observability"
	"github.com/modubot/cafeworks/policy"
	"github.com/modubot/cafeworks/queue"
	"github.com/modubot/cafeworks/store"
)

type PlannerConfig struct {
	// Tick is the planning interval. Defaults to 30s.
	Tick time.Duration

	// Timezone anchors "today" and RunTime comparisons. Schedules are written
	// by users in cafe-local time. Defaults to Asia/Seoul.
	Timezone string
}

func (c PlannerConfig) withDefaults() PlannerConfig {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Seoul"
	}
	return c
}

// Planner materializes due schedules into runs and their CREATE_POST jobs.
// It must run on at most one node at a time; the control plane gates Start
// behind the leader lease, and the store's one-non-terminal-run-per-day
// index backstops the races the lease cannot see.
type Planner struct {
	store store.Store
	queue queue.Queue
	gate  *policy.Gate
	audit *audit.Recorder
	loc   *time.Location
	cfg   PlannerConfig
	log   *zap.SugaredLogger

	now func() time.Time
}

func NewPlanner(st store.Store, q queue.Queue, gate *policy.Gate, rec *audit.Recorder, cfg PlannerConfig, log *zap.SugaredLogger) (*Planner, error) {
	cfg = cfg.withDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "schedule: load timezone %q", cfg.Timezone)
	}
	return &Planner{
		store: st,
		queue: q,
		gate:  gate,
		audit: rec,
		loc:   loc,
		cfg:   cfg,
		log:   log.Named("planner"),
		now:   time.Now,
	}, nil
}

// Start ticks until ctx is cancelled. Blocking; callers run it in a
// goroutine under the leader lease.
func (p *Planner) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()
	p.log.Infow("planner started", "tick", p.cfg.Tick, "timezone", p.cfg.Timezone)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("planner stopped")
			return
		case <-ticker.C:
			if n, err := p.PlanDue(ctx); err != nil {
				p.log.Errorw("planning pass failed", "error", err)
			} else if n > 0 {
				p.log.Infow("planning pass", "runsPlanned", n)
			}
		}
	}
}

// PlanDue plans every enabled schedule whose RunTime has arrived today and
// that has no run for today yet. One schedule failing does not stop the
// pass. Returns the number of runs planned.
func (p *Planner) PlanDue(ctx context.Context) (int, error) {
	local := p.now().In(p.loc)
	runDate := local.Format("2006-01-02")
	hhmm := local.Format("15:04")

	due, err := p.store.ListDueSchedules(ctx, runDate, hhmm)
	if err != nil {
		return 0, errors.Wrap(err, "schedule: list due")
	}

	planned := 0
	for _, sc := range due {
		run, decision, err := p.plan(ctx, sc, runDate, store.TriggeredBySchedule, audit.SystemActor)
		switch {
		case errors.Is(err, store.ErrDuplicateRun):
			// Another node planned it between list and insert.
			continue
		case err != nil:
			p.log.Errorw("plan failed", "scheduleId", sc.ID, "error", err)
			continue
		case run == nil:
			p.log.Infow("run skipped by policy",
				"scheduleId", sc.ID, "userId", sc.UserID,
				"code", decision.Code, "reason", decision.Reason)
			continue
		}
		planned++
	}
	return planned, nil
}

// RunNow plans a run for one schedule immediately, ignoring RunTime. The
// daily-run invariant still applies: a second run for today returns
// store.ErrDuplicateRun. A policy block returns a nil run with the decision.
func (p *Planner) RunNow(ctx context.Context, scheduleID, actor string) (*store.ScheduleRun, policy.Decision, error) {
	sc, err := p.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, policy.Decision{}, err
	}
	if !sc.Enabled {
		return nil, policy.Decision{Code: policy.BlockUserDisabled, Reason: "schedule disabled"}, nil
	}

	runDate := p.now().In(p.loc).Format("2006-01-02")
	run, decision, err := p.plan(ctx, sc, runDate, store.TriggeredByManual, actor)
	if err != nil {
		return nil, policy.Decision{}, err
	}
	if run != nil {
		p.audit.Record(ctx, &store.AuditLogEntry{
			ActorID:    actor,
			ActorType:  store.ActorAdmin,
			EntityType: audit.EntityRun,
			EntityID:   run.ID,
			Action:     audit.ActionRunNow,
			Reason:     fmt.Sprintf("schedule %s forced for %s", scheduleID, runDate),
		})
	}
	return run, decision, nil
}

// plan gates, creates the run row and enqueues its jobs. A blocked dispatch
// returns (nil, decision, nil) after auditing the skip.
func (p *Planner) plan(ctx context.Context, sc *store.Schedule, runDate string, trigger store.TriggeredBy, actor string) (*store.ScheduleRun, policy.Decision, error) {
	decision, err := p.gate.Evaluate(ctx, policy.Request{
		UserID:     sc.UserID,
		TemplateID: sc.TemplateID,
		Date:       runDate,
	})
	if err != nil {
		return nil, policy.Decision{}, errors.Wrap(err, "schedule: evaluate gate")
	}
	if !decision.Allowed {
		p.audit.Record(ctx, &store.AuditLogEntry{
			ActorID:    actor,
			ActorType:  actorType(trigger),
			EntityType: audit.EntitySchedule,
			EntityID:   sc.ID,
			Action:     audit.ActionRunSkipped,
			Reason:     fmt.Sprintf("%s: %s", decision.Code, decision.Reason),
		})
		return nil, decision, nil
	}

	now := p.now().UTC()
	run := &store.ScheduleRun{
		ID:          uuid.NewString(),
		ScheduleID:  sc.ID,
		UserID:      sc.UserID,
		RunDate:     runDate,
		Status:      store.RunPending,
		TotalJobs:   sc.DailyPostCount,
		TriggeredBy: trigger,
		TriggeredAt: now,
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		return nil, policy.Decision{}, err
	}

	if err := p.enqueueRunJobs(ctx, sc, run); err != nil {
		// The run cannot proceed with a partial job set; fail it and drop
		// whatever made it into the queue.
		p.abortRun(ctx, run)
		return nil, policy.Decision{}, errors.Wrap(err, "schedule: enqueue run jobs")
	}

	observability.RunsPlanned.Inc()
	p.log.Infow("run planned",
		"runId", run.ID, "scheduleId", sc.ID, "userId", sc.UserID,
		"jobs", run.TotalJobs, "runDate", runDate, "triggeredBy", trigger)
	return run, decision, nil
}

func (p *Planner) enqueueRunJobs(ctx context.Context, sc *store.Schedule, run *store.ScheduleRun) error {
	gap := time.Duration(sc.PostIntervalMinutes) * time.Minute
	dedup := policy.DedupKey(sc.UserID, sc.TemplateID, run.RunDate)

	for i := 1; i <= run.TotalJobs; i++ {
		payload, err := json.Marshal(queue.PostPayload{
			ScheduleID:      sc.ID,
			ScheduleRunID:   run.ID,
			UserID:          sc.UserID,
			TemplateID:      sc.TemplateID,
			SequenceNumber:  i,
			TotalExecutions: run.TotalJobs,
			RunDate:         run.RunDate,
			ScheduleName:    sc.Name,
			TemplateName:    sc.TemplateName,
			CafeName:        sc.CafeName,
			BoardName:       sc.BoardName,
		})
		if err != nil {
			return errors.Wrap(err, "marshal payload")
		}
		_, err = p.queue.Enqueue(ctx, queue.TypeCreatePost, payload, queue.EnqueueOptions{
			Delay:          time.Duration(i-1) * gap,
			UserID:         sc.UserID,
			ScheduleRunID:  run.ID,
			SequenceNumber: i,
			DedupKey:       dedup,
		})
		if err != nil {
			return errors.Wrapf(err, "enqueue job %d/%d", i, run.TotalJobs)
		}
	}
	return nil
}

// abortRun cancels whatever jobs of the run reached the queue and finalizes
// it FAILED. Best effort: the orphan reclaimer and the cancel flow tolerate
// leftovers.
func (p *Planner) abortRun(ctx context.Context, run *store.ScheduleRun) {
	if n, err := p.cancelPendingJobs(ctx, run.ID); err != nil {
		p.log.Warnw("abort: cancel pending jobs failed", "runId", run.ID, "error", err)
	} else if n > 0 {
		p.log.Infow("abort: dropped partially enqueued jobs", "runId", run.ID, "jobs", n)
	}
	if err := p.store.FinalizeRun(ctx, run.ID, store.RunFailed, p.now().UTC()); err != nil {
		p.log.Warnw("abort: finalize failed", "runId", run.ID, "error", err)
	} else {
		observability.RunsFinalized.WithLabelValues(string(store.RunFailed)).Inc()
	}
}

// CancelRun cancels a run's not-yet-started jobs and finalizes the run as
// CANCELLED. ACTIVE children are left to finish naturally; their outcomes
// still land in the counters but cannot resurrect the run. Returns the
// number of jobs removed from the queue.
func (p *Planner) CancelRun(ctx context.Context, runID, actor string) (int, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if run.Status.IsTerminal() {
		return 0, store.ErrConflict
	}

	cancelled, err := p.cancelPendingJobs(ctx, runID)
	if err != nil {
		return cancelled, errors.Wrap(err, "schedule: cancel pending jobs")
	}

	if err := p.store.FinalizeRun(ctx, runID, store.RunCancelled, p.now().UTC()); err != nil &&
		!errors.Is(err, store.ErrConflict) {
		return cancelled, errors.Wrap(err, "schedule: finalize cancelled run")
	}
	observability.RunsFinalized.WithLabelValues(string(store.RunCancelled)).Inc()

	p.audit.Record(ctx, &store.AuditLogEntry{
		ActorID:    actor,
		ActorType:  store.ActorAdmin,
		EntityType: audit.EntityRun,
		EntityID:   runID,
		Action:     audit.ActionCancelRun,
		Reason:     fmt.Sprintf("%d queued jobs removed", cancelled),
	})
	p.log.Infow("run cancelled", "runId", runID, "actor", actor, "jobsRemoved", cancelled)
	return cancelled, nil
}

// cancelPendingJobs removes the run's QUEUED and DELAYED jobs from the queue.
func (p *Planner) cancelPendingJobs(ctx context.Context, runID string) (int, error) {
	cancelled := 0
	for _, status := range []queue.JobStatus{queue.StatusQueued, queue.StatusDelayed} {
		jobs, err := p.queue.ListJobs(ctx, status, 0, listPageSize)
		if err != nil {
			return cancelled, err
		}
		for _, job := range jobs {
			if job.ScheduleRunID != runID {
				continue
			}
			if err := p.queue.Cancel(ctx, job.ID); err != nil {
				// Raced into ACTIVE or terminal between list and cancel.
				if errors.Is(err, queue.ErrNotCancellable) || errors.Is(err, queue.ErrJobNotFound) {
					continue
				}
				return cancelled, err
			}
			cancelled++
		}
	}
	return cancelled, nil
}

// listPageSize bounds run-job listings. A run tops out at a user's daily
// post count, far below this.
const listPageSize = 10000

func actorType(trigger store.TriggeredBy) store.ActorType {
	if trigger == store.TriggeredByManual {
		return store.ActorAdmin
	}
	return store.ActorSystem
}
