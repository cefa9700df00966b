// Package incident derives operator-visible anomalies from the queue stats
// time series. One detector pass applies every rule to the recent snapshot
// window of a queue; findings are de-duplicated against the open incident for
// the same (type, queue) and conditions that stop holding auto-resolve.
package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/audit"
	"github.com/modubot/cafeworks/observability"
	"github.com/modubot/cafeworks/store"
)

// Rule thresholds. Waiting counts compare strictly greater; rates compare
// greater-or-equal.
const (
	backlogHighWaiting   = 200
	backlogHighSamples   = 3
	backlogMediumWaiting = 100
	backlogMediumSamples = 5

	failureRateMinVolume = 20
	failureRateHigh      = 0.3
	failureRateCritical  = 0.5

	workerDownSamples = 2
)

type Config struct {
	// Window is how far back Evaluate reads snapshots. Defaults to 30m.
	Window time.Duration

	// ResolveAfter is how long a condition must stay absent before the open
	// incident is auto-resolved. Defaults to 5m.
	ResolveAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 30 * time.Minute
	}
	if c.ResolveAfter <= 0 {
		c.ResolveAfter = 5 * time.Minute
	}
	return c
}

// Detector evaluates the rule set and owns the incident lifecycle, both the
// automatic transitions and the operator-invoked ones.
type Detector struct {
	store store.Store
	audit *audit.Recorder
	cfg   Config
	log   *zap.SugaredLogger

	now func() time.Time
}

func NewDetector(st store.Store, rec *audit.Recorder, cfg Config, log *zap.SugaredLogger) *Detector {
	return &Detector{
		store: st,
		audit: rec,
		cfg:   cfg.withDefaults(),
		log:   log.Named("incident"),
		now:   time.Now,
	}
}

// finding is one rule firing on the current window.
type finding struct {
	severity    store.IncidentSeverity
	affected    int64
	title       string
	description string
	action      string
}

// Evaluate runs every rule against the queue's snapshot window, refreshing or
// opening incidents for conditions that hold and resolving those that have
// been absent long enough. Snapshots arrive newest first.
func (d *Detector) Evaluate(ctx context.Context, queueName string) error {
	now := d.now().UTC()
	snaps, err := d.store.RecentSnapshots(ctx, queueName, now.Add(-d.cfg.Window))
	if err != nil {
		return errors.Wrap(err, "incident: load snapshot window")
	}
	if len(snaps) == 0 {
		return nil
	}

	findings := map[store.IncidentType]*finding{
		store.IncidentQueueBacklog:    detectBacklog(queueName, snaps),
		store.IncidentHighFailureRate: detectFailureRate(queueName, snaps),
		store.IncidentWorkerDown:      detectWorkerDown(queueName, snaps),
	}

	var firstErr error
	for t, f := range findings {
		if err := d.apply(ctx, queueName, t, f, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.refreshOpenGauge(ctx)
	return firstErr
}

// apply reconciles one rule outcome with the open incident for (type, queue).
func (d *Detector) apply(ctx context.Context, queueName string, t store.IncidentType, f *finding, now time.Time) error {
	open, err := d.store.GetOpenIncident(ctx, t, queueName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return errors.Wrap(err, "incident: load open incident")
	}

	if f == nil {
		// Condition absent: resolve the open incident once it has been quiet
		// past the grace window.
		if open == nil {
			return nil
		}
		if now.Sub(open.LastConditionAt) < d.cfg.ResolveAfter {
			return nil
		}
		if err := d.store.ResolveIncident(ctx, open.ID, audit.SystemActor, now); err != nil {
			return errors.Wrap(err, "incident: auto-resolve")
		}
		observability.IncidentsResolved.WithLabelValues(audit.SystemActor).Inc()
		d.log.Infow("incident auto-resolved",
			"id", open.ID, "type", t, "queue", queueName,
			"quietFor", now.Sub(open.LastConditionAt))
		return nil
	}

	if open != nil {
		// Severity stays at its opening value even if the condition worsens;
		// only the observation fields track the latest sample.
		if err := d.store.RefreshIncidentObservation(ctx, open.ID, f.affected, f.description, now); err != nil {
			return errors.Wrap(err, "incident: refresh observation")
		}
		return nil
	}

	inc := &store.Incident{
		ID:                uuid.NewString(),
		Type:              t,
		Severity:          f.severity,
		QueueName:         queueName,
		Title:             f.title,
		Description:       f.description,
		RecommendedAction: f.action,
		AffectedJobs:      f.affected,
		Status:            store.IncidentActive,
		StartedAt:         now,
		UpdatedAt:         now,
		LastConditionAt:   now,
	}
	if err := d.store.CreateIncident(ctx, inc); err != nil {
		// A concurrent pass opened one between our lookup and insert; the
		// next pass will refresh it.
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return errors.Wrap(err, "incident: open")
	}
	observability.IncidentsDetected.WithLabelValues(string(t), string(f.severity)).Inc()
	d.log.Warnw("incident opened",
		"id", inc.ID, "type", t, "severity", f.severity,
		"queue", queueName, "affectedJobs", f.affected)
	return nil
}

// Acknowledge moves an ACTIVE incident to ACKNOWLEDGED on behalf of an
// administrator.
func (d *Detector) Acknowledge(ctx context.Context, id, actor string) error {
	if err := d.store.AcknowledgeIncident(ctx, id); err != nil {
		return err
	}
	d.audit.Record(ctx, &store.AuditLogEntry{
		ActorID:    actor,
		ActorType:  store.ActorAdmin,
		EntityType: audit.EntityIncident,
		EntityID:   id,
		Action:     audit.ActionAcknowledge,
	})
	return nil
}

// Resolve closes an incident on behalf of an administrator.
func (d *Detector) Resolve(ctx context.Context, id, actor, reason string) error {
	if err := d.store.ResolveIncident(ctx, id, actor, d.now().UTC()); err != nil {
		return err
	}
	observability.IncidentsResolved.WithLabelValues("admin").Inc()
	d.audit.Record(ctx, &store.AuditLogEntry{
		ActorID:    actor,
		ActorType:  store.ActorAdmin,
		EntityType: audit.EntityIncident,
		EntityID:   id,
		Action:     audit.ActionResolve,
		Reason:     reason,
	})
	return nil
}

func (d *Detector) refreshOpenGauge(ctx context.Context) {
	open, err := d.store.ListUnresolvedIncidents(ctx)
	if err != nil {
		return
	}
	byType := make(map[store.IncidentType]int)
	for _, inc := range open {
		byType[inc.Type]++
	}
	for _, t := range []store.IncidentType{
		store.IncidentQueueBacklog,
		store.IncidentHighFailureRate,
		store.IncidentWorkerDown,
		store.IncidentSlowProcessing,
	} {
		observability.IncidentsOpen.WithLabelValues(string(t)).Set(float64(byType[t]))
	}
}

// detectBacklog fires when the waiting count holds above a threshold across
// the newest consecutive samples: > 200 for 3 samples is HIGH, else > 100
// for 5 samples is MEDIUM.
func detectBacklog(queueName string, snaps []*store.QueueStatsSnapshot) *finding {
	waitingNow := snaps[0].Waiting
	if sustained(snaps, backlogHighSamples, func(s *store.QueueStatsSnapshot) bool {
		return s.Waiting > backlogHighWaiting
	}) {
		return &finding{
			severity:    store.SeverityHigh,
			affected:    waitingNow,
			title:       fmt.Sprintf("Queue backlog on %s", queueName),
			description: fmt.Sprintf("%d jobs waiting, above %d for %d consecutive samples", waitingNow, backlogHighWaiting, backlogHighSamples),
			action:      "Add posting workers or pause planning until the backlog drains.",
		}
	}
	if sustained(snaps, backlogMediumSamples, func(s *store.QueueStatsSnapshot) bool {
		return s.Waiting > backlogMediumWaiting
	}) {
		return &finding{
			severity:    store.SeverityMedium,
			affected:    waitingNow,
			title:       fmt.Sprintf("Queue backlog on %s", queueName),
			description: fmt.Sprintf("%d jobs waiting, above %d for %d consecutive samples", waitingNow, backlogMediumWaiting, backlogMediumSamples),
			action:      "Watch worker throughput; the queue is not keeping up with planning.",
		}
	}
	return nil
}

// detectFailureRate fires on the failure share of throughput across the
// window: completed/failed counters are cumulative, so the window delta is
// newest minus oldest, clamped at zero to tolerate clean.
func detectFailureRate(queueName string, snaps []*store.QueueStatsSnapshot) *finding {
	if len(snaps) < 2 {
		return nil
	}
	newest, oldest := snaps[0], snaps[len(snaps)-1]
	completedDelta := newest.Completed - oldest.Completed
	if completedDelta < 0 {
		completedDelta = 0
	}
	failedDelta := newest.Failed - oldest.Failed
	if failedDelta < 0 {
		failedDelta = 0
	}
	total := completedDelta + failedDelta
	if total < failureRateMinVolume {
		return nil
	}

	rate := float64(failedDelta) / float64(total)
	var severity store.IncidentSeverity
	switch {
	case rate >= failureRateCritical:
		severity = store.SeverityCritical
	case rate >= failureRateHigh:
		severity = store.SeverityHigh
	default:
		return nil
	}
	return &finding{
		severity:    severity,
		affected:    failedDelta,
		title:       fmt.Sprintf("High failure rate on %s", queueName),
		description: fmt.Sprintf("%d of %d jobs failed over the window (%.0f%%)", failedDelta, total, rate*100),
		action:      "Inspect failed jobs for a shared error code; expired sessions are the usual cause.",
	}
}

// detectWorkerDown fires when the fleet shows zero online workers for the
// newest consecutive samples while work is waiting.
func detectWorkerDown(queueName string, snaps []*store.QueueStatsSnapshot) *finding {
	if snaps[0].Waiting <= 0 {
		return nil
	}
	if !sustained(snaps, workerDownSamples, func(s *store.QueueStatsSnapshot) bool {
		return s.OnlineWorkers == 0
	}) {
		return nil
	}
	return &finding{
		severity:    store.SeverityCritical,
		affected:    snaps[0].Waiting,
		title:       fmt.Sprintf("No online workers for %s", queueName),
		description: fmt.Sprintf("0 workers online for %d consecutive samples with %d jobs waiting", workerDownSamples, snaps[0].Waiting),
		action:      "Restart the posting workers; queued jobs are not being picked up.",
	}
}

// sustained reports whether cond holds on the n newest samples. Fewer than n
// samples never count as sustained.
func sustained(snaps []*store.QueueStatsSnapshot, n int, cond func(*store.QueueStatsSnapshot) bool) bool {
	if len(snaps) < n {
		return false
	}
	for _, s := range snaps[:n] {
		if !cond(s) {
			return false
		}
	}
	return true
}
