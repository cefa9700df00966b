package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/modubot/cafeworks/audit"
	"github.com/modubot/cafeworks/control_plane/middleware"
	"github.com/modubot/cafeworks/queue"
	"github.com/modubot/cafeworks/store"
)

// routeQueues dispatches everything under /queues/{name}/... by hand; the
// admin surface is small enough that a router dependency buys nothing.
func (a *API) routeQueues(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, apiPrefix+"/queues/")
	if len(parts) == 0 {
		a.notFound(w)
		return
	}
	q, ok := a.byName[parts[0]]
	if !ok {
		a.writeError(w, http.StatusNotFound, codeNotFound, "알 수 없는 큐입니다: "+parts[0])
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "trend":
		if r.Method != http.MethodGet {
			a.methodNotAllowed(w)
			return
		}
		a.handleQueueTrend(w, r, q)
	case len(parts) == 2 && parts[1] == "jobs":
		if r.Method != http.MethodGet {
			a.methodNotAllowed(w)
			return
		}
		a.handleListJobs(w, r, q)
	case len(parts) == 3 && parts[1] == "jobs":
		if r.Method != http.MethodGet {
			a.methodNotAllowed(w)
			return
		}
		a.handleGetJob(w, r, q, parts[2])
	case len(parts) == 4 && parts[1] == "jobs" && parts[3] == "retry":
		if r.Method != http.MethodPost {
			a.methodNotAllowed(w)
			return
		}
		a.handleRetryJob(w, r, q, parts[2])
	case len(parts) == 4 && parts[1] == "jobs" && parts[3] == "cancel":
		if r.Method != http.MethodPost {
			a.methodNotAllowed(w)
			return
		}
		a.handleCancelJob(w, r, q, parts[2])
	case len(parts) == 2 && parts[1] == "pause":
		if r.Method != http.MethodPost {
			a.methodNotAllowed(w)
			return
		}
		a.handlePauseQueue(w, r, q)
	case len(parts) == 2 && parts[1] == "resume":
		if r.Method != http.MethodPost {
			a.methodNotAllowed(w)
			return
		}
		a.handleResumeQueue(w, r, q)
	case len(parts) == 2 && parts[1] == "retry-failed":
		if r.Method != http.MethodPost {
			a.methodNotAllowed(w)
			return
		}
		a.handleRetryFailed(w, r, q)
	case len(parts) == 2 && parts[1] == "drain":
		if r.Method != http.MethodDelete {
			a.methodNotAllowed(w)
			return
		}
		a.handleDrainQueue(w, r, q)
	case len(parts) == 2 && parts[1] == "clean":
		if r.Method != http.MethodDelete {
			a.methodNotAllowed(w)
			return
		}
		a.handleCleanQueue(w, r, q)
	default:
		a.notFound(w)
	}
}

// queueView is one row of GET /queues.
type queueView struct {
	Name       string       `json:"name"`
	Counts     queue.Counts `json:"counts"`
	JobsPerMin *float64     `json:"jobsPerMin,omitempty"`
}

func (a *API) handleListQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.methodNotAllowed(w)
		return
	}

	views := make([]queueView, 0, len(a.queues))
	for _, q := range a.queues {
		counts, err := q.GetCounts(r.Context())
		if err != nil {
			a.writeErrorFrom(w, r, err)
			return
		}
		v := queueView{Name: q.Name(), Counts: counts}
		if snap, err := a.store.LatestSnapshot(r.Context(), q.Name()); err == nil {
			v.JobsPerMin = snap.JobsPerMin
		} else if !errors.Is(err, store.ErrNotFound) {
			a.writeErrorFrom(w, r, err)
			return
		}
		views = append(views, v)
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"queues": views})
}

func (a *API) handleQueueTrend(w http.ResponseWriter, r *http.Request, q queue.Queue) {
	hours := 6
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 24 {
			a.writeError(w, http.StatusBadRequest, codeValidation, "hours는 1 이상 24 이하의 정수여야 합니다")
			return
		}
		hours = n
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	snaps, err := a.store.RecentSnapshots(r.Context(), q.Name(), since)
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}
	// The store returns newest first; charts want chronological order.
	for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
		snaps[i], snaps[j] = snaps[j], snaps[i]
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue":  q.Name(),
		"hours":  hours,
		"points": snaps,
	})
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request, q queue.Queue) {
	status := queue.JobStatus(r.URL.Query().Get("status"))
	switch status {
	case queue.StatusQueued, queue.StatusActive, queue.StatusDelayed,
		queue.StatusCompleted, queue.StatusFailed, queue.StatusCancelled:
	case "":
		a.writeError(w, http.StatusBadRequest, codeValidation, "status 파라미터가 필요합니다")
		return
	default:
		a.writeError(w, http.StatusBadRequest, codeValidation, "알 수 없는 작업 상태입니다: "+string(status))
		return
	}

	start, end := int64(0), int64(49)
	var err error
	if raw := r.URL.Query().Get("start"); raw != "" {
		if start, err = strconv.ParseInt(raw, 10, 64); err != nil {
			a.writeError(w, http.StatusBadRequest, codeValidation, "start는 정수여야 합니다")
			return
		}
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		if end, err = strconv.ParseInt(raw, 10, 64); err != nil {
			a.writeError(w, http.StatusBadRequest, codeValidation, "end는 정수여야 합니다")
			return
		}
	}
	if start < 0 || end < start || end-start+1 > 200 {
		a.writeError(w, http.StatusBadRequest, codeValidation, "요청 범위가 올바르지 않습니다 (0 ≤ start ≤ end, 최대 200건)")
		return
	}

	jobs, err := q.ListJobs(r.Context(), status, start, end-start+1)
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request, q queue.Queue, jobID string) {
	job, err := q.GetJob(r.Context(), jobID)
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, job)
}

// reasonBody is the optional {reason} payload of pause/resume/resolve.
type reasonBody struct {
	Reason string `json:"reason"`
}

func (a *API) handlePauseQueue(w http.ResponseWriter, r *http.Request, q queue.Queue) {
	actor, ok := a.allowMutation(w, r, "pause")
	if !ok {
		return
	}
	var body reasonBody
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, http.StatusBadRequest, codeValidation, "요청 본문을 해석할 수 없습니다")
		return
	}

	changed, err := q.Pause(r.Context())
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}
	if !changed {
		a.writeError(w, http.StatusConflict, codeConflict, "큐가 이미 일시정지 상태입니다")
		return
	}

	a.audit.Record(r.Context(), &store.AuditLogEntry{
		ActorID:    actor,
		ActorType:  store.ActorAdmin,
		EntityType: audit.EntityQueue,
		EntityID:   q.Name(),
		Action:     audit.ActionPause,
		Reason:     body.Reason,
		IPAddress:  middleware.ClientIP(r),
	})
	a.log.Infow("queue paused", "queue", q.Name(), "actor", actor, "reason", body.Reason)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "queue": q.Name()})
}

func (a *API) handleResumeQueue(w http.ResponseWriter, r *http.Request, q queue.Queue) {
	actor, ok := a.allowMutation(w, r, "resume")
	if !ok {
		return
	}
	var body reasonBody
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, http.StatusBadRequest, codeValidation, "요청 본문을 해석할 수 없습니다")
		return
	}

	changed, err := q.Resume(r.Context())
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}
	if !changed {
		a.writeError(w, http.StatusConflict, codeConflict, "큐가 일시정지 상태가 아닙니다")
		return
	}

	a.audit.Record(r.Context(), &store.AuditLogEntry{
		ActorID:    actor,
		ActorType:  store.ActorAdmin,
		EntityType: audit.EntityQueue,
		EntityID:   q.Name(),
		Action:     audit.ActionResume,
		Reason:     body.Reason,
		IPAddress:  middleware.ClientIP(r),
	})
	a.log.Infow("queue resumed", "queue", q.Name(), "actor", actor, "reason", body.Reason)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "queue": q.Name()})
}

func (a *API) handleRetryFailed(w http.ResponseWriter, r *http.Request, q queue.Queue) {
	actor, ok := a.allowMutation(w, r, "retry-failed")
	if !ok {
		return
	}

	moved, err := q.RetryFailed(r.Context())
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}

	a.audit.Record(r.Context(), &store.AuditLogEntry{
		ActorID:    actor,
		ActorType:  store.ActorAdmin,
		EntityType: audit.EntityQueue,
		EntityID:   q.Name(),
		Action:     audit.ActionRetryFailed,
		NewValue:   strconv.FormatInt(moved, 10),
		IPAddress:  middleware.ClientIP(r),
	})
	a.log.Infow("failed jobs requeued", "queue", q.Name(), "actor", actor, "moved", moved)
	a.writeJSON(w, http.StatusOK, map[string]int64{"movedCount": moved})
}

// confirmBody carries the confirmation token of the destructive endpoints.
type confirmBody struct {
	Confirm string `json:"confirm"`
	Reason  string `json:"reason"`
}

func (a *API) handleDrainQueue(w http.ResponseWriter, r *http.Request, q queue.Queue) {
	actor, ok := a.allowMutation(w, r, "drain")
	if !ok {
		return
	}
	var body confirmBody
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, http.StatusBadRequest, codeValidation, "요청 본문을 해석할 수 없습니다")
		return
	}
	if body.Confirm != q.Name() {
		a.writeError(w, http.StatusBadRequest, codeValidation,
			fmt.Sprintf("확인 문자열이 큐 이름과 일치해야 합니다 (confirm: %q)", q.Name()))
		return
	}

	removed, err := q.Drain(r.Context())
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}

	a.audit.Record(r.Context(), &store.AuditLogEntry{
		ActorID:    actor,
		ActorType:  store.ActorAdmin,
		EntityType: audit.EntityQueue,
		EntityID:   q.Name(),
		Action:     audit.ActionDrain,
		Reason:     body.Reason,
		NewValue:   strconv.FormatInt(removed, 10),
		IPAddress:  middleware.ClientIP(r),
	})
	a.log.Warnw("queue drained", "queue", q.Name(), "actor", actor, "removed", removed)
	a.writeJSON(w, http.StatusOK, map[string]int64{"removedCount": removed})
}

func (a *API) handleCleanQueue(w http.ResponseWriter, r *http.Request, q queue.Queue) {
	actor, ok := a.allowMutation(w, r, "clean")
	if !ok {
		return
	}

	status := queue.JobStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = queue.StatusCompleted
	}
	switch status {
	case queue.StatusCompleted, queue.StatusFailed, queue.StatusCancelled:
	default:
		a.writeError(w, http.StatusBadRequest, codeValidation, "종료 상태(COMPLETED, FAILED, CANCELLED)만 정리할 수 있습니다")
		return
	}

	limit := int64(1000)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 || n > 10000 {
			a.writeError(w, http.StatusBadRequest, codeValidation, "limit는 1 이상 10000 이하의 정수여야 합니다")
			return
		}
		limit = n
	}

	var body confirmBody
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, http.StatusBadRequest, codeValidation, "요청 본문을 해석할 수 없습니다")
		return
	}
	if body.Confirm != "clean" {
		a.writeError(w, http.StatusBadRequest, codeValidation, `확인 문자열이 일치해야 합니다 (confirm: "clean")`)
		return
	}

	removed, err := q.Clean(r.Context(), status, 0, limit)
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}

	a.audit.Record(r.Context(), &store.AuditLogEntry{
		ActorID:    actor,
		ActorType:  store.ActorAdmin,
		EntityType: audit.EntityQueue,
		EntityID:   q.Name(),
		Action:     audit.ActionClean,
		Reason:     fmt.Sprintf("status=%s limit=%d", status, limit),
		NewValue:   strconv.FormatInt(removed, 10),
		IPAddress:  middleware.ClientIP(r),
	})
	a.log.Infow("queue cleaned", "queue", q.Name(), "actor", actor, "status", status, "removed", removed)
	a.writeJSON(w, http.StatusOK, map[string]int64{"removedCount": removed})
}
