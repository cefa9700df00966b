package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultMaxAttempts is the retry budget applied when EnqueueOptions leaves
// Attempts at zero.
const DefaultMaxAttempts = 3

var (
	// ErrUnknownJobType is returned when Enqueue sees a type outside the
	// closed set the queue was constructed with.
	ErrUnknownJobType = errors.New("queue: unknown job type")

	// ErrJobNotFound is returned by job-addressed operations when no job
	// with the given id exists in this queue.
	ErrJobNotFound = errors.New("queue: job not found")

	// ErrNotCancellable is returned by Cancel for terminal jobs.
	ErrNotCancellable = errors.New("queue: job is not cancellable")

	// ErrNotRetryable is returned by RetryJob for jobs that are not FAILED.
	ErrNotRetryable = errors.New("queue: job is not in a retryable state")

	// ErrNotActive is returned by Ack/Fail when the job is not ACTIVE,
	// typically a stale worker finishing a job that was already reclaimed.
	ErrNotActive = errors.New("queue: job is not active")

	// ErrUnavailable wraps storage-layer failures. The control plane maps it
	// to QUEUE_UNAVAILABLE.
	ErrUnavailable = errors.New("queue: backend unavailable")
)

// EnqueueOptions tunes a single Enqueue call. The zero value is a plain
// immediate job with the default retry budget.
type EnqueueOptions struct {
	// JobID fixes the job id instead of generating one. Enqueueing a fixed
	// id while a non-terminal job with that id exists is a no-op returning
	// the existing id; repeatable jobs rely on this.
	JobID string

	// Delay defers visibility: the job sits DELAYED until now+Delay.
	Delay time.Duration

	// Priority orders reservation; lower runs earlier. Ties are FIFO.
	Priority int

	// Attempts is the retry budget (maxAttempts). Zero means the default.
	Attempts int

	UserID         string
	ScheduleRunID  string
	SequenceNumber int

	// DedupKey marks the job in the active-dedup index for the duration of
	// its non-terminal life. HasActiveDedup answers on these keys.
	DedupKey string

	// RepeatJobID links an instance back to its repeatable spec.
	RepeatJobID string
}

// RepeatSpec registers a recurring system job. Every tick the queue enqueues
// a fresh instance under the fixed JobID unless one is still non-terminal or
// Every has not elapsed since the last instance.
type RepeatSpec struct {
	JobID   string          `json:"jobId"`
	Type    JobType         `json:"type"`
	Every   time.Duration   `json:"every"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Queue is the durable multi-state job store. Implementations: RedisQueue
// (production) and MemoryQueue (tests). All operations return promptly
// except Reserve, which blocks up to its configured bound.
type Queue interface {
	// Name returns the queue name (e.g. "cafe-jobs").
	Name() string

	// Enqueue validates the type against the closed set and stores the job
	// as QUEUED (or DELAYED when opts.Delay > 0). Returns the job id.
	Enqueue(ctx context.Context, t JobType, payload json.RawMessage, opts EnqueueOptions) (string, error)

	// Reserve atomically promotes due DELAYED jobs, then moves the oldest
	// visible waiting job to ACTIVE bound to workerID. Returns (nil, nil)
	// when nothing is reservable (empty or paused) within the blocking
	// bound. Reservation increments attemptsMade.
	Reserve(ctx context.Context, workerID string) (*Job, error)

	// Ack finishes an ACTIVE job as COMPLETED with its return value.
	Ack(ctx context.Context, jobID string, returnValue json.RawMessage) error

	// Fail records a failed attempt. Retriable failures with budget left go
	// DELAYED with exponential backoff and ±20% jitter; everything else
	// lands in FAILED. terminal reports which branch was taken so callers
	// can bump run counters only on permanent failure.
	Fail(ctx context.Context, jobID string, code ErrorCode, message string, retriable bool) (terminal bool, err error)

	// Cancel removes a QUEUED/DELAYED job. For ACTIVE jobs it raises the
	// cooperative cancel flag and returns nil; terminal jobs return
	// ErrNotCancellable.
	Cancel(ctx context.Context, jobID string) error

	// CancelRequested reports whether cooperative cancellation was asked
	// for an ACTIVE job. Handlers poll this through their job context.
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	// FinalizeCancel moves an ACTIVE job to CANCELLED after its handler
	// observed the cooperative flag and aborted.
	FinalizeCancel(ctx context.Context, jobID string) error

	GetCounts(ctx context.Context) (Counts, error)

	// Pause suspends reservation; ACTIVE jobs are unaffected. Returns
	// changed=false when the queue was already paused (idempotent).
	Pause(ctx context.Context) (changed bool, err error)
	Resume(ctx context.Context) (changed bool, err error)

	// Drain removes every WAITING and DELAYED job. ACTIVE jobs survive.
	Drain(ctx context.Context) (removed int64, err error)

	// Clean removes up to limit jobs in the given terminal status that
	// finished more than olderThan ago.
	Clean(ctx context.Context, status JobStatus, olderThan time.Duration, limit int64) (removed int64, err error)

	// RetryFailed moves every FAILED job back to WAITING under its original
	// id with attemptsMade decremented by one (floor zero). Repeated manual
	// calls therefore extend the budget; the control plane audits that.
	RetryFailed(ctx context.Context) (moved int64, err error)

	// RetryJob is the single-job variant of RetryFailed.
	RetryJob(ctx context.Context, jobID string) error

	ListJobs(ctx context.Context, status JobStatus, offset, limit int64) ([]*Job, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// HasActiveDedup reports whether any non-terminal job carries dedupKey.
	HasActiveDedup(ctx context.Context, dedupKey string) (bool, error)

	// SeedRepeatable registers (idempotently) a repeatable spec.
	SeedRepeatable(ctx context.Context, spec RepeatSpec) error

	// TickRepeatables enqueues an instance for every due repeatable spec.
	// Safe to run from several processes concurrently.
	TickRepeatables(ctx context.Context, now time.Time) (enqueued int, err error)

	// ReenqueueActive returns every ACTIVE job bound to workerID to the
	// front of WAITING, refunding the interrupted attempt. Used on worker
	// shutdown and by the orphan reclaimer.
	ReenqueueActive(ctx context.Context, workerID string) (int, error)

	// ActiveJobs lists ACTIVE jobs for liveness reconciliation.
	ActiveJobs(ctx context.Context) ([]*Job, error)

	Close() error
}

// Config fixes per-queue behavior shared by both implementations.
type Config struct {
	Name string

	// KnownTypes closes the job-type set. Enqueue rejects others.
	KnownTypes []JobType

	// ReserveBlock bounds how long Reserve may block waiting for work.
	ReserveBlock time.Duration

	// RetentionCompleted / RetentionFailed keep the most recent K terminal
	// jobs of each kind; older ones are trimmed on transition.
	RetentionCompleted int64
	RetentionFailed    int64
}

func (c Config) withDefaults() Config {
	if c.ReserveBlock <= 0 {
		c.ReserveBlock = 5 * time.Second
	}
	if c.RetentionCompleted <= 0 {
		c.RetentionCompleted = 1000
	}
	if c.RetentionFailed <= 0 {
		c.RetentionFailed = 5000
	}
	return c
}

func (c Config) knows(t JobType) bool {
	for _, k := range c.KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}
