package main

import (
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/modubot/cafeworks/audit"
	"github.com/modubot/cafeworks/control_plane/middleware"
	"github.com/modubot/cafeworks/queue"
	"github.com/modubot/cafeworks/store"
)

func (a *API) handleRetryJob(w http.ResponseWriter, r *http.Request, q queue.Queue, jobID string) {
	actor, ok := a.allowMutation(w, r, "retry-job")
	if !ok {
		return
	}

	if err := q.RetryJob(r.Context(), jobID); err != nil {
		if errors.Is(err, queue.ErrNotRetryable) {
			a.writeError(w, http.StatusConflict, codeConflict, "실패 상태의 작업만 재시도할 수 있습니다")
			return
		}
		a.writeErrorFrom(w, r, err)
		return
	}

	a.audit.Record(r.Context(), &store.AuditLogEntry{
		ActorID:    actor,
		ActorType:  store.ActorAdmin,
		EntityType: audit.EntityJob,
		EntityID:   jobID,
		Action:     audit.ActionRetryJob,
		IPAddress:  middleware.ClientIP(r),
	})
	a.log.Infow("job requeued", "queue", q.Name(), "jobId", jobID, "actor", actor)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "jobId": jobID})
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request, q queue.Queue, jobID string) {
	actor, ok := a.allowMutation(w, r, "cancel-job")
	if !ok {
		return
	}

	if err := q.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, queue.ErrNotCancellable) {
			a.writeError(w, http.StatusConflict, codeConflict, "이미 종료된 작업은 취소할 수 없습니다")
			return
		}
		a.writeErrorFrom(w, r, err)
		return
	}

	a.audit.Record(r.Context(), &store.AuditLogEntry{
		ActorID:    actor,
		ActorType:  store.ActorAdmin,
		EntityType: audit.EntityJob,
		EntityID:   jobID,
		Action:     audit.ActionCancelJob,
		IPAddress:  middleware.ClientIP(r),
	})
	a.log.Infow("job cancelled", "queue", q.Name(), "jobId", jobID, "actor", actor)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "jobId": jobID})
}
