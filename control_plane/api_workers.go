package main

import (
	"net/http"

	"github.com/modubot/cafeworks/heartbeat"
)

// workerSummary aggregates the fleet for the workers endpoint header row.
type workerSummary struct {
	Online        int   `json:"online"`
	ActiveJobs    int64 `json:"activeJobs"`
	ProcessedJobs int64 `json:"processedJobs"`
	FailedJobs    int64 `json:"failedJobs"`
}

func (a *API) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.methodNotAllowed(w)
		return
	}

	workers, err := a.registry.OnlineWorkers(r.Context())
	if err != nil {
		a.writeErrorFrom(w, r, err)
		return
	}

	sum := workerSummary{Online: len(workers)}
	for _, wk := range workers {
		sum.ActiveJobs += wk.ActiveJobs
		sum.ProcessedJobs += wk.ProcessedJobs
		sum.FailedJobs += wk.FailedJobs
	}
	if workers == nil {
		workers = []heartbeat.WorkerInfo{}
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"summary": sum,
	})
}
