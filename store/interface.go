package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned by guarded reads and updates when no row
	// matches. The control plane maps it to HTTP 404.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned by guarded state transitions applied to a row
	// no longer in the expected state. Maps to HTTP 409.
	ErrConflict = errors.New("store: conflicting state")

	// ErrDuplicateRun is returned by CreateRun when a non-terminal run for
	// the same (scheduleId, runDate) already exists.
	ErrDuplicateRun = errors.New("store: non-terminal run already exists for this schedule and date")
)

// AuditFilter narrows ListAudit. Zero values mean "any".
type AuditFilter struct {
	EntityType string
	EntityID   string
	ActorID    string
	Action     string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Store is the relational backend: schedules, runs, accounts, sessions,
// snapshots, incidents, audit, run events, daily counters. Implementations:
// PostgresStore (durable) and MemoryStore (tests).
type Store interface {
	// Schedule operations
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListEnabledSchedules(ctx context.Context) ([]*Schedule, error)
	// ListDueSchedules returns enabled schedules whose runTime has arrived
	// (runTime <= hhmm) and which have no run row for runDate yet.
	ListDueSchedules(ctx context.Context, runDate string, hhmm string) ([]*Schedule, error)
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) error
	// BumpScheduleFailures adds delta (+1 on a failed run, or resets to zero
	// when reset is true) and returns the new consecutiveFailures value.
	BumpScheduleFailures(ctx context.Context, id string, reset bool) (int, error)

	// Run operations
	CreateRun(ctx context.Context, r *ScheduleRun) error
	GetRun(ctx context.Context, id string) (*ScheduleRun, error)
	// MarkRunStarted moves PENDING -> RUNNING once; later calls are no-ops.
	MarkRunStarted(ctx context.Context, id string, at time.Time) error
	// BumpRunCounters atomically adds the deltas, guarded so that
	// completed+failed never exceeds totalJobs, and returns the updated row.
	BumpRunCounters(ctx context.Context, id string, completedDelta, failedDelta int) (*ScheduleRun, error)
	// FinalizeRun moves a non-terminal run to a terminal status; returns
	// ErrConflict when the run is already terminal.
	FinalizeRun(ctx context.Context, id string, status RunStatus, at time.Time) error
	// ListActiveRuns returns non-terminal runs plus runs that terminated
	// within the recency window (dashboard contract).
	ListActiveRuns(ctx context.Context, terminatedSince time.Time) ([]*ScheduleRun, error)
	ListRunsForSchedule(ctx context.Context, scheduleID string, limit int) ([]*ScheduleRun, error)

	// Account and session operations
	UpsertAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, userID string) (*Account, error)
	SetAdminStatus(ctx context.Context, userID string, status AdminStatus) error
	GetSession(ctx context.Context, userID string) (*Session, error)
	SetSessionStatus(ctx context.Context, userID string, status SessionStatus) error

	// Daily posting counters
	GetDailyCount(ctx context.Context, userID string, date string) (int, error)
	// IncrementDailyCount upserts-and-increments, returning the new count.
	IncrementDailyCount(ctx context.Context, userID string, date string) (int, error)

	// Snapshot operations
	InsertSnapshot(ctx context.Context, s *QueueStatsSnapshot) error
	LatestSnapshot(ctx context.Context, queueName string) (*QueueStatsSnapshot, error)
	// RecentSnapshots returns samples since the cutoff, newest first.
	RecentSnapshots(ctx context.Context, queueName string, since time.Time) ([]*QueueStatsSnapshot, error)
	PruneSnapshots(ctx context.Context, olderThan time.Time) (int64, error)

	// Incident operations
	CreateIncident(ctx context.Context, inc *Incident) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
	// GetOpenIncident returns the unresolved incident for (type, queue), or
	// ErrNotFound.
	GetOpenIncident(ctx context.Context, t IncidentType, queueName string) (*Incident, error)
	// RefreshIncidentObservation updates affectedJobs/description and the
	// last-condition timestamp of an unresolved incident.
	RefreshIncidentObservation(ctx context.Context, id string, affectedJobs int64, description string, at time.Time) error
	// AcknowledgeIncident moves ACTIVE -> ACKNOWLEDGED; ErrConflict
	// otherwise.
	AcknowledgeIncident(ctx context.Context, id string) error
	// ResolveIncident moves any unresolved incident to RESOLVED.
	ResolveIncident(ctx context.Context, id string, resolvedBy string, at time.Time) error
	ListIncidents(ctx context.Context, status IncidentStatus, limit int) ([]*Incident, error)
	ListUnresolvedIncidents(ctx context.Context) ([]*Incident, error)

	// Audit operations (append-only)
	AppendAudit(ctx context.Context, e *AuditLogEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]*AuditLogEntry, error)

	// Run event operations
	AppendRunEvent(ctx context.Context, e *RunEvent) error
	// RecentRunEvents returns up to perRun newest events per run id.
	RecentRunEvents(ctx context.Context, runIDs []string, perRun int) (map[string][]*RunEvent, error)

	Close()
}
