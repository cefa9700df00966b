// Package heartbeat is the liveness view of the posting-worker fleet. Every
// worker writes a time-scored member into one sorted set plus a TTL'd detail
// record; readers answer "who is online" with a single range query and never
// enumerate keys.
package heartbeat

import (
	"fmt"
	"os"
	"time"
)

const (
	// BeatInterval is how often a worker refreshes its liveness score.
	BeatInterval = 10 * time.Second

	// OnlineWindow is the maximum heartbeat age for a worker to count as
	// ONLINE. Three missed beats and the worker drops out of the view.
	OnlineWindow = 30 * time.Second

	// infoTTL keeps detail records alive a little past the online window so
	// a just-offline worker can still be inspected before pruning.
	infoTTL = 90 * time.Second
)

const (
	heartbeatKey  = "workers:heartbeat"
	infoKeyPrefix = "workers:info:"
)

// WorkerInfo is the self-reported detail record behind one heartbeat.
type WorkerInfo struct {
	WorkerID      string    `json:"workerId"`
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"startedAt"`
	ActiveJobs    int64     `json:"activeJobs"`
	ProcessedJobs int64     `json:"processedJobs"`
	FailedJobs    int64     `json:"failedJobs"`
	LastBeatAt    time.Time `json:"lastBeatAt"`
	Version       string    `json:"version,omitempty"`
}

// DefaultWorkerID derives the fleet-unique worker identity from the host
// name and process id.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
