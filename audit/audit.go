// Package audit records who did what to queues, jobs, runs and incidents.
// Writes are fire-and-forget: a failed audit insert is logged and counted but
// never rolls back the operation it describes.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/modubot/cafeworks/observability"
	"github.com/modubot/cafeworks/store"
)

// Actions recorded by the control plane and the schedulers.
const (
	ActionPause              = "PAUSE"
	ActionResume             = "RESUME"
	ActionDrain              = "DRAIN"
	ActionClean              = "CLEAN"
	ActionRetryFailed        = "RETRY_FAILED"
	ActionRetryJob           = "RETRY_JOB"
	ActionCancelJob          = "CANCEL_JOB"
	ActionRunNow             = "RUN_NOW"
	ActionCancelRun          = "CANCEL_RUN"
	ActionAcknowledge        = "ACKNOWLEDGE"
	ActionResolve            = "RESOLVE"
	ActionAutoSuspend        = "AUTO_SUSPEND"
	ActionRunSkipped         = "RUN_SKIPPED"
	ActionDispatchBlock      = "DISPATCH_BLOCKED"
	ActionWorkerReclaim      = "WORKER_RECLAIM"
	ActionSessionInvalidated = "SESSION_INVALIDATED"
)

// Entity types audited entries attach to.
const (
	EntityQueue    = "queue"
	EntityJob      = "job"
	EntityRun      = "run"
	EntitySchedule = "schedule"
	EntityIncident = "incident"
	EntityAccount  = "account"
)

// SystemActor is the actorId stamped on entries written by background
// processes rather than an administrator.
const SystemActor = "system"

type Recorder struct {
	store store.Store
	log   *zap.SugaredLogger
}

func NewRecorder(st store.Store, log *zap.SugaredLogger) *Recorder {
	return &Recorder{store: st, log: log.Named("audit")}
}

// Record appends one entry. Errors are swallowed on purpose.
func (r *Recorder) Record(ctx context.Context, e *store.AuditLogEntry) {
	if err := r.store.AppendAudit(ctx, e); err != nil {
		observability.AuditWriteFailures.Inc()
		r.log.Warnw("audit write failed",
			"action", e.Action,
			"entityType", e.EntityType,
			"entityId", e.EntityID,
			"actorId", e.ActorID,
			"error", err,
		)
	}
}

// System records an entry attributed to the system actor.
func (r *Recorder) System(ctx context.Context, entityType, entityID, action, reason string) {
	r.Record(ctx, &store.AuditLogEntry{
		ActorID:    SystemActor,
		ActorType:  store.ActorSystem,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Reason:     reason,
	})
}
