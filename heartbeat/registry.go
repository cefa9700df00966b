package heartbeat

import (
	"context"
	"time"
)

// Registry is the fleet liveness store. Implementations: RedisRegistry
// (production) and MemoryRegistry (tests).
type Registry interface {
	// Beat refreshes the worker's liveness score and replaces its detail
	// record. LastBeatAt is stamped by the registry.
	Beat(ctx context.Context, info WorkerInfo) error

	// OnlineWorkers returns detail records of workers whose last beat falls
	// inside the online window, sorted by worker id.
	OnlineWorkers(ctx context.Context) ([]WorkerInfo, error)

	// OnlineCount is the cheap cardinality variant of OnlineWorkers.
	OnlineCount(ctx context.Context) (int64, error)

	// PruneOffline removes workers whose last beat fell out of the online
	// window, detail records included. Returns the pruned worker ids.
	PruneOffline(ctx context.Context) ([]string, error)

	// Deregister removes one worker immediately (graceful shutdown).
	Deregister(ctx context.Context, workerID string) error
}

// Config tunes a registry. The zero value uses the fleet defaults.
type Config struct {
	// OnlineWindow overrides the liveness window; tests shrink it.
	OnlineWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.OnlineWindow <= 0 {
		c.OnlineWindow = OnlineWindow
	}
	return c
}
