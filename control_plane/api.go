package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/audit"
	"github.com/modubot/cafeworks/control_plane/middleware"
	"github.com/modubot/cafeworks/coordination"
	"github.com/modubot/cafeworks/heartbeat"
	"github.com/modubot/cafeworks/incident"
	"github.com/modubot/cafeworks/observability"
	"github.com/modubot/cafeworks/queue"
	"github.com/modubot/cafeworks/schedule"
	"github.com/modubot/cafeworks/store"
)

// apiPrefix roots the admin surface. The dashboard read path and the probes
// live outside it and skip admin auth.
const apiPrefix = "/admin/worker-monitor"

// Stable machine-readable error codes. Messages are operator-facing Korean;
// frontends branch on the code, never the message.
const (
	codeValidation       = "VALIDATION_ERROR"
	codeUnauthorized     = "UNAUTHORIZED"
	codeForbidden        = "FORBIDDEN"
	codeNotFound         = "NOT_FOUND"
	codeConflict         = "CONFLICT"
	codeRateLimited      = "RATE_LIMITED"
	codeQueueUnavailable = "QUEUE_UNAVAILABLE"
	codeInternal         = "INTERNAL"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type API struct {
	queues   []queue.Queue
	byName   map[string]queue.Queue
	store    store.Store
	registry heartbeat.Registry
	planner  *schedule.Planner
	reader   *schedule.Reader
	detector *incident.Detector
	elector  *coordination.LeaderElector
	audit    *audit.Recorder
	log      *zap.SugaredLogger

	// adminTokens maps bearer tokens to actor ids.
	adminTokens map[string]string

	// mutLimiter throttles mutating calls per actor.
	mutLimiter *actorLimiter
}

func NewAPI(
	queues []queue.Queue,
	st store.Store,
	registry heartbeat.Registry,
	planner *schedule.Planner,
	reader *schedule.Reader,
	detector *incident.Detector,
	elector *coordination.LeaderElector,
	rec *audit.Recorder,
	adminTokens map[string]string,
	log *zap.SugaredLogger,
) *API {
	byName := make(map[string]queue.Queue, len(queues))
	for _, q := range queues {
		byName[q.Name()] = q
	}
	return &API{
		queues:      queues,
		byName:      byName,
		store:       st,
		registry:    registry,
		planner:     planner,
		reader:      reader,
		detector:    detector,
		elector:     elector,
		audit:       rec,
		log:         log.Named("api"),
		adminTokens: adminTokens,
		// 5 mutations/sec with burst 10 is far above any human operator and
		// low enough to stop a runaway script.
		mutLimiter: newActorLimiter(5, 10),
	}
}

// Routes assembles the full handler tree: CORS on everything, admin auth on
// the /admin/worker-monitor subtree only.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	admin := middleware.AdminAuth(a.adminTokens)
	mux.Handle(apiPrefix+"/overview", admin(http.HandlerFunc(a.handleOverview)))
	mux.Handle(apiPrefix+"/queues", admin(http.HandlerFunc(a.handleListQueues)))
	mux.Handle(apiPrefix+"/queues/", admin(http.HandlerFunc(a.routeQueues)))
	mux.Handle(apiPrefix+"/workers", admin(http.HandlerFunc(a.handleListWorkers)))
	mux.Handle(apiPrefix+"/incidents", admin(http.HandlerFunc(a.handleListIncidents)))
	mux.Handle(apiPrefix+"/incidents/", admin(http.HandlerFunc(a.routeIncidents)))
	mux.Handle(apiPrefix+"/schedules/", admin(http.HandlerFunc(a.routeSchedules)))
	mux.Handle(apiPrefix+"/runs/", admin(http.HandlerFunc(a.routeRuns)))
	mux.Handle(apiPrefix+"/audit", admin(http.HandlerFunc(a.handleListAudit)))

	mux.HandleFunc("/dashboard/active-runs", a.handleActiveRuns)
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.CORS(mux)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- response helpers ---

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warnw("response encode failed", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, code, message string) {
	a.writeJSON(w, status, apiError{Code: code, Message: message})
}

// writeErrorFrom maps domain sentinel errors onto the HTTP contract.
// Anything unmapped is a 500 and gets logged; sentinel cases are the
// caller's mistake, not ours, and stay out of the error log.
func (a *API) writeErrorFrom(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrJobNotFound):
		a.writeError(w, http.StatusNotFound, codeNotFound, "대상을 찾을 수 없습니다")
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrDuplicateRun),
		errors.Is(err, queue.ErrNotCancellable),
		errors.Is(err, queue.ErrNotRetryable),
		errors.Is(err, queue.ErrNotActive):
		a.writeError(w, http.StatusConflict, codeConflict, "현재 상태에서는 처리할 수 없는 요청입니다")
	case errors.Is(err, queue.ErrUnavailable):
		a.writeError(w, http.StatusServiceUnavailable, codeQueueUnavailable, "큐 저장소에 연결할 수 없습니다")
	default:
		a.log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		a.writeError(w, http.StatusInternalServerError, codeInternal, "내부 오류가 발생했습니다")
	}
}

func (a *API) methodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, codeValidation, "지원하지 않는 메서드입니다")
}

func (a *API) notFound(w http.ResponseWriter) {
	a.writeError(w, http.StatusNotFound, codeNotFound, "대상을 찾을 수 없습니다")
}

// allowMutation gates a mutating handler: resolves the actor set by the auth
// middleware and charges its rate bucket. Writes the refusal itself and
// returns ok=false when the caller must stop.
func (a *API) allowMutation(w http.ResponseWriter, r *http.Request, endpoint string) (actor string, ok bool) {
	actor, err := middleware.ActorFromContext(r.Context())
	if err != nil {
		// Mutations are only routed through AdminAuth; a missing actor means
		// broken wiring, not a client mistake.
		a.log.Errorw("mutation without actor in context", "path", r.URL.Path, "error", err)
		a.writeError(w, http.StatusInternalServerError, codeInternal, "내부 오류가 발생했습니다")
		return "", false
	}
	if !a.mutLimiter.Allow(actor) {
		observability.APIRateLimited.WithLabelValues(endpoint).Inc()
		// Jittered Retry-After so synchronized clients do not re-storm.
		w.Header().Set("Retry-After", fmt.Sprintf("%d", 1+rand.Intn(2)))
		a.writeError(w, http.StatusTooManyRequests, codeRateLimited, "요청이 너무 많습니다. 잠시 후 다시 시도하세요")
		return "", false
	}
	return actor, true
}

// decodeBody parses an optional JSON body. An absent or empty body leaves
// dst at its zero value; only malformed JSON is an error.
func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "decode request body")
	}
	return nil
}

// pathParts splits the request path after the given route prefix into its
// non-empty segments.
func pathParts(r *http.Request, prefix string) []string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
