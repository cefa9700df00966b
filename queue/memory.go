package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// waitHeap orders QUEUED jobs by folded priority+arrival score.
type waitHeap []*Job

func (h waitHeap) Len() int { return len(h) }
func (h waitHeap) Less(i, j int) bool {
	return waitScore(h[i].Priority, h[i].seq) < waitScore(h[j].Priority, h[j].seq)
}
func (h waitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *waitHeap) Push(x interface{}) { *h = append(*h, x.(*Job)) }
func (h *waitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[0 : n-1]
	return item
}

// delayedHeap orders DELAYED jobs by visibility time.
type delayedHeap []*Job

func (h delayedHeap) Len() int            { return len(h) }
func (h delayedHeap) Less(i, j int) bool  { return h[i].VisibleAt.Before(h[j].VisibleAt) }
func (h delayedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x interface{}) { *h = append(*h, x.(*Job)) }
func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return item
}

// MemoryQueue is the in-process Queue used by tests and single-node dev
// setups. Same transition rules as the Redis implementation; Reserve does
// not long-poll, it returns immediately when nothing is reservable.
type MemoryQueue struct {
	cfg Config
	now func() time.Time

	mu              sync.Mutex
	jobs            map[string]*Job
	wait            waitHeap
	delayed         delayedHeap
	completed       []string // append order = finish order
	failed          []string
	cancelled       []string
	paused          bool
	dedup           map[string]struct{}
	cancelRequested map[string]struct{}
	repeats         map[string]RepeatSpec
	repeatLast      map[string]time.Time
	seq             int64
	closed          bool
}

func NewMemoryQueue(cfg Config) *MemoryQueue {
	cfg = cfg.withDefaults()
	return &MemoryQueue{
		cfg:             cfg,
		now:             time.Now,
		jobs:            make(map[string]*Job),
		dedup:           make(map[string]struct{}),
		cancelRequested: make(map[string]struct{}),
		repeats:         make(map[string]RepeatSpec),
		repeatLast:      make(map[string]time.Time),
	}
}

func (q *MemoryQueue) Name() string { return q.cfg.Name }

func (q *MemoryQueue) Enqueue(ctx context.Context, t JobType, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	if !q.cfg.knows(t) {
		return "", errors.Wrapf(ErrUnknownJobType, "%q", t)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if existing, ok := q.jobs[id]; ok && !existing.Status.IsTerminal() {
		return id, nil
	}
	q.removeTerminal(id)

	now := q.now().UTC()
	q.seq++
	job := &Job{
		ID:             id,
		Type:           t,
		Payload:        payload,
		UserID:         opts.UserID,
		ScheduleRunID:  opts.ScheduleRunID,
		SequenceNumber: opts.SequenceNumber,
		DedupKey:       opts.DedupKey,
		Priority:       opts.Priority,
		MaxAttempts:    opts.Attempts,
		RepeatJobID:    opts.RepeatJobID,
		CreatedAt:      now,
		VisibleAt:      now.Add(opts.Delay),
		seq:            q.seq,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	q.jobs[id] = job
	if job.VisibleAt.After(now) {
		job.Status = StatusDelayed
		heap.Push(&q.delayed, job)
	} else {
		job.Status = StatusQueued
		heap.Push(&q.wait, job)
	}
	if job.DedupKey != "" {
		q.dedup[job.DedupKey] = struct{}{}
	}
	return id, nil
}

func (q *MemoryQueue) Reserve(ctx context.Context, workerID string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteDueLocked()
	if q.paused || q.wait.Len() == 0 {
		return nil, nil
	}
	job := heap.Pop(&q.wait).(*Job)
	now := q.now().UTC()
	job.Status = StatusActive
	job.WorkerID = workerID
	job.StartedAt = &now
	job.AttemptsMade++
	delete(q.cancelRequested, job.ID)
	return copyJob(job), nil
}

// promoteDueLocked moves due DELAYED jobs into wait. Runs even while
// paused so delayed jobs surface as WAITING without going ACTIVE.
func (q *MemoryQueue) promoteDueLocked() {
	now := q.now()
	for q.delayed.Len() > 0 && !q.delayed[0].VisibleAt.After(now) {
		job := heap.Pop(&q.delayed).(*Job)
		job.Status = StatusQueued
		heap.Push(&q.wait, job)
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, jobID string, returnValue json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return errors.Wrapf(ErrJobNotFound, "%s", jobID)
	}
	if job.Status != StatusActive {
		return errors.Wrapf(ErrNotActive, "%s", jobID)
	}
	now := q.now().UTC()
	job.Status = StatusCompleted
	job.FinishedAt = &now
	job.ReturnValue = returnValue
	q.releaseDedupLocked(job)
	delete(q.cancelRequested, jobID)
	q.completed = append(q.completed, jobID)
	q.trimLocked(&q.completed, q.cfg.RetentionCompleted)
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, jobID string, code ErrorCode, message string, retriable bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return false, errors.Wrapf(ErrJobNotFound, "%s", jobID)
	}
	if job.Status != StatusActive {
		return false, errors.Wrapf(ErrNotActive, "%s", jobID)
	}
	job.ErrorCode = code
	job.ErrorMessage = message
	if retriable && job.AttemptsMade < job.MaxAttempts {
		job.Status = StatusDelayed
		job.VisibleAt = q.now().UTC().Add(RetryBackoff(job.AttemptsMade))
		job.WorkerID = ""
		heap.Push(&q.delayed, job)
		return false, nil
	}
	now := q.now().UTC()
	job.Status = StatusFailed
	job.FinishedAt = &now
	q.releaseDedupLocked(job)
	delete(q.cancelRequested, jobID)
	q.failed = append(q.failed, jobID)
	q.trimLocked(&q.failed, q.cfg.RetentionFailed)
	return true, nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return errors.Wrapf(ErrJobNotFound, "%s", jobID)
	}
	switch job.Status {
	case StatusQueued:
		q.removeFromWaitLocked(jobID)
	case StatusDelayed:
		q.removeFromDelayedLocked(jobID)
	case StatusActive:
		q.cancelRequested[jobID] = struct{}{}
		return nil
	default:
		return errors.Wrapf(ErrNotCancellable, "%s", jobID)
	}
	now := q.now().UTC()
	job.Status = StatusCancelled
	job.FinishedAt = &now
	q.releaseDedupLocked(job)
	delete(q.cancelRequested, jobID)
	q.cancelled = append(q.cancelled, jobID)
	return nil
}

func (q *MemoryQueue) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.cancelRequested[jobID]
	return ok, nil
}

func (q *MemoryQueue) FinalizeCancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return errors.Wrapf(ErrJobNotFound, "%s", jobID)
	}
	if job.Status != StatusActive {
		return errors.Wrapf(ErrNotActive, "%s", jobID)
	}
	now := q.now().UTC()
	job.Status = StatusCancelled
	job.FinishedAt = &now
	q.releaseDedupLocked(job)
	delete(q.cancelRequested, jobID)
	q.cancelled = append(q.cancelled, jobID)
	return nil
}

func (q *MemoryQueue) GetCounts(ctx context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var active int64
	for _, job := range q.jobs {
		if job.Status == StatusActive {
			active++
		}
	}
	return Counts{
		Waiting:   int64(q.wait.Len()),
		Active:    active,
		Delayed:   int64(q.delayed.Len()),
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.failed)),
		Paused:    q.paused,
	}, nil
}

func (q *MemoryQueue) Pause(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return false, nil
	}
	q.paused = true
	return true, nil
}

func (q *MemoryQueue) Resume(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.paused {
		return false, nil
	}
	q.paused = false
	return true, nil
}

func (q *MemoryQueue) Drain(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := int64(0)
	for _, job := range q.wait {
		q.releaseDedupLocked(job)
		delete(q.cancelRequested, job.ID)
		delete(q.jobs, job.ID)
		removed++
	}
	for _, job := range q.delayed {
		q.releaseDedupLocked(job)
		delete(q.cancelRequested, job.ID)
		delete(q.jobs, job.ID)
		removed++
	}
	q.wait = nil
	q.delayed = nil
	return removed, nil
}

func (q *MemoryQueue) Clean(ctx context.Context, status JobStatus, olderThan time.Duration, limit int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var list *[]string
	switch status {
	case StatusCompleted:
		list = &q.completed
	case StatusFailed:
		list = &q.failed
	case StatusCancelled:
		list = &q.cancelled
	default:
		return 0, errors.Newf("queue: clean does not apply to status %s", status)
	}
	if limit <= 0 {
		limit = 1000
	}
	cutoff := q.now().Add(-olderThan)

	kept := (*list)[:0]
	var removed int64
	for _, id := range *list {
		job, ok := q.jobs[id]
		remove := ok && removed < limit && job.FinishedAt != nil && !job.FinishedAt.After(cutoff)
		if remove {
			delete(q.jobs, id)
			removed++
			continue
		}
		if ok {
			kept = append(kept, id)
		}
	}
	*list = kept
	return removed, nil
}

func (q *MemoryQueue) RetryFailed(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var moved int64
	for _, id := range q.failed {
		if job, ok := q.jobs[id]; ok {
			q.requeueFailedLocked(job)
			moved++
		}
	}
	q.failed = q.failed[:0]
	return moved, nil
}

func (q *MemoryQueue) RetryJob(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return errors.Wrapf(ErrJobNotFound, "%s", jobID)
	}
	if job.Status != StatusFailed {
		return errors.Wrapf(ErrNotRetryable, "%s", jobID)
	}
	for i, id := range q.failed {
		if id == jobID {
			q.failed = append(q.failed[:i], q.failed[i+1:]...)
			break
		}
	}
	q.requeueFailedLocked(job)
	return nil
}

// requeueFailedLocked puts a FAILED job back on wait under its original id.
// One attempt is refunded so the job gets a full retry budget ahead of it,
// and the error fields are cleared.
func (q *MemoryQueue) requeueFailedLocked(job *Job) {
	if job.AttemptsMade > 0 {
		job.AttemptsMade--
	}
	q.seq++
	job.seq = q.seq
	job.Status = StatusQueued
	job.ErrorCode = ""
	job.ErrorMessage = ""
	job.FinishedAt = nil
	job.WorkerID = ""
	heap.Push(&q.wait, job)
	if job.DedupKey != "" {
		q.dedup[job.DedupKey] = struct{}{}
	}
}

func (q *MemoryQueue) ListJobs(ctx context.Context, status JobStatus, offset, limit int64) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var ids []string
	switch status {
	case StatusQueued:
		sorted := append(waitHeap(nil), q.wait...)
		heap.Init(&sorted)
		for sorted.Len() > 0 {
			ids = append(ids, heap.Pop(&sorted).(*Job).ID)
		}
	case StatusDelayed:
		sorted := append(delayedHeap(nil), q.delayed...)
		heap.Init(&sorted)
		for sorted.Len() > 0 {
			ids = append(ids, heap.Pop(&sorted).(*Job).ID)
		}
	case StatusActive:
		var active []*Job
		for _, job := range q.jobs {
			if job.Status == StatusActive {
				active = append(active, job)
			}
		}
		sort.Slice(active, func(i, j int) bool {
			return active[i].StartedAt.Before(*active[j].StartedAt)
		})
		for _, job := range active {
			ids = append(ids, job.ID)
		}
	case StatusCompleted:
		ids = reversed(q.completed)
	case StatusFailed:
		ids = reversed(q.failed)
	case StatusCancelled:
		ids = reversed(q.cancelled)
	default:
		return nil, errors.Newf("queue: unknown status %q", status)
	}

	if offset >= int64(len(ids)) {
		return nil, nil
	}
	end := offset + limit
	if end > int64(len(ids)) {
		end = int64(len(ids))
	}
	out := make([]*Job, 0, end-offset)
	for _, id := range ids[offset:end] {
		if job, ok := q.jobs[id]; ok {
			out = append(out, copyJob(job))
		}
	}
	return out, nil
}

func (q *MemoryQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, errors.Wrapf(ErrJobNotFound, "%s", jobID)
	}
	return copyJob(job), nil
}

func (q *MemoryQueue) HasActiveDedup(ctx context.Context, dedupKey string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.dedup[dedupKey]
	return ok, nil
}

func (q *MemoryQueue) SeedRepeatable(ctx context.Context, spec RepeatSpec) error {
	if spec.JobID == "" || spec.Every <= 0 {
		return errors.New("queue: repeat spec needs a fixed jobId and a positive interval")
	}
	if !q.cfg.knows(spec.Type) {
		return errors.Wrapf(ErrUnknownJobType, "%q", spec.Type)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.repeats[spec.JobID] = spec
	return nil
}

func (q *MemoryQueue) TickRepeatables(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	due := make([]RepeatSpec, 0, len(q.repeats))
	for id, spec := range q.repeats {
		if now.Sub(q.repeatLast[id]) < spec.Every {
			continue
		}
		if job, ok := q.jobs[id]; ok && !job.Status.IsTerminal() {
			continue
		}
		q.repeatLast[id] = now
		due = append(due, spec)
	}
	q.mu.Unlock()

	enqueued := 0
	for _, spec := range due {
		if _, err := q.Enqueue(ctx, spec.Type, spec.Payload, EnqueueOptions{
			JobID:       spec.JobID,
			Attempts:    1,
			RepeatJobID: spec.JobID,
		}); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

func (q *MemoryQueue) ReenqueueActive(ctx context.Context, workerID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	moved := 0
	for _, job := range q.jobs {
		if job.Status != StatusActive || job.WorkerID != workerID {
			continue
		}
		if job.AttemptsMade > 0 {
			job.AttemptsMade--
		}
		job.Status = StatusQueued
		job.WorkerID = ""
		job.StartedAt = nil
		heap.Push(&q.wait, job)
		moved++
	}
	return moved, nil
}

func (q *MemoryQueue) ActiveJobs(ctx context.Context) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for _, job := range q.jobs {
		if job.Status == StatusActive {
			out = append(out, copyJob(job))
		}
	}
	return out, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// releaseDedupLocked frees the duplicate-suppression slot when a job leaves
// the live set.
func (q *MemoryQueue) releaseDedupLocked(job *Job) {
	if job.DedupKey != "" {
		delete(q.dedup, job.DedupKey)
	}
}

// removeTerminal drops a terminal job being replaced by a fresh enqueue
// under the same fixed id.
func (q *MemoryQueue) removeTerminal(id string) {
	job, ok := q.jobs[id]
	if !ok || !job.Status.IsTerminal() {
		return
	}
	delete(q.jobs, id)
	for _, list := range []*[]string{&q.completed, &q.failed, &q.cancelled} {
		for i, lid := range *list {
			if lid == id {
				*list = append((*list)[:i], (*list)[i+1:]...)
				break
			}
		}
	}
}

func (q *MemoryQueue) removeFromWaitLocked(id string) {
	for i, job := range q.wait {
		if job.ID == id {
			heap.Remove(&q.wait, i)
			return
		}
	}
}

func (q *MemoryQueue) removeFromDelayedLocked(id string) {
	for i, job := range q.delayed {
		if job.ID == id {
			heap.Remove(&q.delayed, i)
			return
		}
	}
}

// trimLocked enforces the terminal retention cap, dropping oldest entries
// and their job records.
func (q *MemoryQueue) trimLocked(list *[]string, retention int64) {
	extra := int64(len(*list)) - retention
	if extra <= 0 {
		return
	}
	for _, id := range (*list)[:extra] {
		delete(q.jobs, id)
	}
	*list = (*list)[extra:]
}

func copyJob(job *Job) *Job {
	out := *job
	if job.StartedAt != nil {
		t := *job.StartedAt
		out.StartedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		out.FinishedAt = &t
	}
	out.Payload = append(json.RawMessage(nil), job.Payload...)
	out.ReturnValue = append(json.RawMessage(nil), job.ReturnValue...)
	return &out
}

func reversed(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}
