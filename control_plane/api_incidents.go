package main

import (
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/modubot/cafeworks/store"
)

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.methodNotAllowed(w)
		return
	}

	status := store.IncidentStatus(r.URL.Query().Get("status"))
	switch status {
	case "", store.IncidentActive, store.IncidentAcknowledged, store.IncidentResolved:
	default:
		a.writeError(w, http.StatusBadRequest, codeValidation, "알 수 없는 인시던트 상태입니다: "+string(status))
		return
	}

	incidents, err := a.store.ListIncidents(r.Context(), status, 100)
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}
	if incidents == nil {
		incidents = []*store.Incident{}
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

// routeIncidents dispatches /incidents/{id}/acknowledge and /resolve.
func (a *API) routeIncidents(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, apiPrefix+"/incidents/")
	if len(parts) != 2 {
		a.notFound(w)
		return
	}
	if r.Method != http.MethodPost {
		a.methodNotAllowed(w)
		return
	}

	switch parts[1] {
	case "acknowledge":
		a.handleAcknowledgeIncident(w, r, parts[0])
	case "resolve":
		a.handleResolveIncident(w, r, parts[0])
	default:
		a.notFound(w)
	}
}

func (a *API) handleAcknowledgeIncident(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := a.allowMutation(w, r, "acknowledge-incident")
	if !ok {
		return
	}

	if err := a.detector.Acknowledge(r.Context(), id, actor); err != nil {
		if errors.Is(err, store.ErrConflict) {
			a.writeError(w, http.StatusConflict, codeConflict, "활성 상태의 인시던트만 확인 처리할 수 있습니다")
			return
		}
		a.writeErrorFrom(w, r, err)
		return
	}
	a.log.Infow("incident acknowledged", "id", id, "actor", actor)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged", "id": id})
}

func (a *API) handleResolveIncident(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := a.allowMutation(w, r, "resolve-incident")
	if !ok {
		return
	}
	var body reasonBody
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, http.StatusBadRequest, codeValidation, "요청 본문을 해석할 수 없습니다")
		return
	}

	if err := a.detector.Resolve(r.Context(), id, actor, body.Reason); err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}
	a.log.Infow("incident resolved", "id", id, "actor", actor, "reason", body.Reason)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
}
