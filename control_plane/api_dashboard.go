package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/modubot/cafeworks/coordination"
	"github.com/modubot/cafeworks/store"
)

// overviewResponse is the KPI header of the admin dashboard: one glance says
// whether posting is flowing.
type overviewResponse struct {
	Queues        []queueView         `json:"queues"`
	OnlineWorkers int64               `json:"onlineWorkers"`
	ActiveRuns    int                 `json:"activeRuns"`
	OpenIncidents int                 `json:"openIncidents"`
	Leader        coordination.Status `json:"leader"`
	Timestamp     time.Time           `json:"timestamp"`
}

func (a *API) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.methodNotAllowed(w)
		return
	}
	ctx := r.Context()

	resp := overviewResponse{
		Queues:    make([]queueView, 0, len(a.queues)),
		Leader:    a.elector.Status(),
		Timestamp: time.Now().UTC(),
	}

	for _, q := range a.queues {
		counts, err := q.GetCounts(ctx)
		if err != nil {
			a.writeErrorFrom(w, r, err)
			return
		}
		v := queueView{Name: q.Name(), Counts: counts}
		if snap, err := a.store.LatestSnapshot(ctx, q.Name()); err == nil {
			v.JobsPerMin = snap.JobsPerMin
		} else if !errors.Is(err, store.ErrNotFound) {
			a.writeErrorFrom(w, r, err)
			return
		}
		resp.Queues = append(resp.Queues, v)
	}

	online, err := a.registry.OnlineCount(ctx)
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}
	resp.OnlineWorkers = online

	runs, err := a.store.ListActiveRuns(ctx, time.Now().UTC().Add(-30*time.Second))
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}
	resp.ActiveRuns = len(runs)

	open, err := a.store.ListUnresolvedIncidents(ctx)
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}
	resp.OpenIncidents = len(open)

	a.writeJSON(w, http.StatusOK, resp)
}

// handleActiveRuns serves the public dashboard poll. No admin auth: it
// exposes run progress only, and the frontend polls it every few seconds.
func (a *API) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.methodNotAllowed(w)
		return
	}
	view, err := a.reader.ActiveRuns(r.Context())
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, view)
}

// routeSchedules dispatches /schedules/{id}/run-now.
func (a *API) routeSchedules(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, apiPrefix+"/schedules/")
	if len(parts) != 2 || parts[1] != "run-now" {
		a.notFound(w)
		return
	}
	if r.Method != http.MethodPost {
		a.methodNotAllowed(w)
		return
	}
	a.handleRunNow(w, r, parts[0])
}

func (a *API) handleRunNow(w http.ResponseWriter, r *http.Request, scheduleID string) {
	actor, ok := a.allowMutation(w, r, "run-now")
	if !ok {
		return
	}

	run, decision, err := a.planner.RunNow(r.Context(), scheduleID, actor)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRun) {
			a.writeError(w, http.StatusConflict, codeConflict, "오늘 날짜의 실행이 이미 존재합니다")
			return
		}
		a.writeErrorFrom(w, r, err)
		return
	}
	if run == nil {
		// Blocked by policy; the gate already audited the skip.
		a.writeError(w, http.StatusConflict, codeConflict,
			"정책에 의해 실행이 차단되었습니다 ("+string(decision.Code)+": "+decision.Reason+")")
		return
	}

	a.log.Infow("run forced", "runId", run.ID, "scheduleId", scheduleID, "actor", actor)
	a.writeJSON(w, http.StatusCreated, run)
}

// routeRuns dispatches /runs/{id}/cancel.
func (a *API) routeRuns(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, apiPrefix+"/runs/")
	if len(parts) != 2 || parts[1] != "cancel" {
		a.notFound(w)
		return
	}
	if r.Method != http.MethodPost {
		a.methodNotAllowed(w)
		return
	}
	a.handleCancelRun(w, r, parts[0])
}

func (a *API) handleCancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	actor, ok := a.allowMutation(w, r, "cancel-run")
	if !ok {
		return
	}

	removed, err := a.planner.CancelRun(r.Context(), runID, actor)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			a.writeError(w, http.StatusConflict, codeConflict, "이미 종료된 실행은 취소할 수 없습니다")
			return
		}
		a.writeErrorFrom(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"cancelledJobs": removed})
}

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.methodNotAllowed(w)
		return
	}
	qs := r.URL.Query()

	filter := store.AuditFilter{
		EntityType: qs.Get("entityType"),
		EntityID:   qs.Get("entityId"),
		ActorID:    qs.Get("actorId"),
		Action:     qs.Get("action"),
		Limit:      100,
	}
	if raw := qs.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, codeValidation, "since는 RFC3339 시각이어야 합니다")
			return
		}
		filter.Since = t
	}
	if raw := qs.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, codeValidation, "until는 RFC3339 시각이어야 합니다")
			return
		}
		filter.Until = t
	}
	if raw := qs.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			a.writeError(w, http.StatusBadRequest, codeValidation, "limit는 1 이상 1000 이하의 정수여야 합니다")
			return
		}
		filter.Limit = n
	}

	entries, err := a.store.ListAudit(r.Context(), filter)
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}
	if entries == nil {
		entries = []*store.AuditLogEntry{}
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
