package heartbeat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is the in-process Registry used by tests.
type MemoryRegistry struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	workers map[string]WorkerInfo
}

func NewMemoryRegistry(cfg Config) *MemoryRegistry {
	return &MemoryRegistry{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		workers: make(map[string]WorkerInfo),
	}
}

func (r *MemoryRegistry) Beat(ctx context.Context, info WorkerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info.LastBeatAt = r.now().UTC()
	r.workers[info.WorkerID] = info
	return nil
}

func (r *MemoryRegistry) OnlineWorkers(ctx context.Context) ([]WorkerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.cfg.OnlineWindow)
	var out []WorkerInfo
	for _, info := range r.workers {
		if !info.LastBeatAt.Before(cutoff) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (r *MemoryRegistry) OnlineCount(ctx context.Context) (int64, error) {
	workers, err := r.OnlineWorkers(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(workers)), nil
}

func (r *MemoryRegistry) PruneOffline(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.cfg.OnlineWindow)
	var removed []string
	for id, info := range r.workers {
		if info.LastBeatAt.Before(cutoff) {
			delete(r.workers, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, workerID)
	return nil
}
