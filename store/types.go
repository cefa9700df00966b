package store

import (
	"time"
)

// AdminStatus is the admin-side approval state of an account.
type AdminStatus string

const (
	AdminApproved    AdminStatus = "APPROVED"
	AdminNeedsReview AdminStatus = "NEEDS_REVIEW"
	AdminSuspended   AdminStatus = "SUSPENDED"
	AdminBanned      AdminStatus = "BANNED"
)

// SessionStatus is the health of one user's cafe session.
type SessionStatus string

const (
	SessionHealthy           SessionStatus = "HEALTHY"
	SessionExpiring          SessionStatus = "EXPIRING"
	SessionExpired           SessionStatus = "EXPIRED"
	SessionChallengeRequired SessionStatus = "CHALLENGE_REQUIRED"
	SessionError             SessionStatus = "ERROR"
)

// RunStatus is the lifecycle state of a ScheduleRun.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether the run admits no further counter updates.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// TriggeredBy records what started a run.
type TriggeredBy string

const (
	TriggeredBySchedule TriggeredBy = "SCHEDULE"
	TriggeredByManual   TriggeredBy = "MANUAL"
)

// IncidentType classifies detector rules.
type IncidentType string

const (
	IncidentQueueBacklog    IncidentType = "QUEUE_BACKLOG"
	IncidentHighFailureRate IncidentType = "HIGH_FAILURE_RATE"
	IncidentWorkerDown      IncidentType = "WORKER_DOWN"
	IncidentSlowProcessing  IncidentType = "SLOW_PROCESSING"
)

// IncidentSeverity orders operator attention.
type IncidentSeverity string

const (
	SeverityLow      IncidentSeverity = "LOW"
	SeverityMedium   IncidentSeverity = "MEDIUM"
	SeverityHigh     IncidentSeverity = "HIGH"
	SeverityCritical IncidentSeverity = "CRITICAL"
)

// IncidentStatus is the operator-facing incident lifecycle.
type IncidentStatus string

const (
	IncidentActive       IncidentStatus = "ACTIVE"
	IncidentAcknowledged IncidentStatus = "ACKNOWLEDGED"
	IncidentResolved     IncidentStatus = "RESOLVED"
)

// ActorType says who performed an audited action.
type ActorType string

const (
	ActorAdmin  ActorType = "ADMIN"
	ActorUser   ActorType = "USER"
	ActorSystem ActorType = "SYSTEM"
)

// Schedule is one user's recurring daily posting plan.
type Schedule struct {
	ID                  string    `json:"id" db:"id"`
	UserID              string    `json:"userId" db:"user_id"`
	TemplateID          string    `json:"templateId" db:"template_id"`
	Name                string    `json:"name" db:"name"`
	CafeName            string    `json:"cafeName" db:"cafe_name"`
	BoardName           string    `json:"boardName" db:"board_name"`
	TemplateName        string    `json:"templateName" db:"template_name"`
	RunTime             string    `json:"runTime" db:"run_time"` // "HH:MM" in the planner zone
	DailyPostCount      int       `json:"dailyPostCount" db:"daily_post_count"`
	PostIntervalMinutes int       `json:"postIntervalMinutes" db:"post_interval_minutes"`
	Enabled             bool      `json:"enabled" db:"enabled"`
	ConsecutiveFailures int       `json:"consecutiveFailures" db:"consecutive_failures"`
	CreatedAt           time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time `json:"updatedAt" db:"updated_at"`
}

// ScheduleRun is the materialization of one schedule for one calendar day.
type ScheduleRun struct {
	ID            string      `json:"id" db:"id"`
	ScheduleID    string      `json:"scheduleId" db:"schedule_id"`
	UserID        string      `json:"userId" db:"user_id"`
	RunDate       string      `json:"runDate" db:"run_date"` // YYYY-MM-DD
	Status        RunStatus   `json:"status" db:"status"`
	TotalJobs     int         `json:"totalJobs" db:"total_jobs"`
	CompletedJobs int         `json:"completedJobs" db:"completed_jobs"`
	FailedJobs    int         `json:"failedJobs" db:"failed_jobs"`
	TriggeredBy   TriggeredBy `json:"triggeredBy" db:"triggered_by"`
	TriggeredAt   time.Time   `json:"triggeredAt" db:"triggered_at"`
	StartedAt     *time.Time  `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt    *time.Time  `json:"finishedAt,omitempty" db:"finished_at"`
}

// Account carries the admin-side posture of one user.
type Account struct {
	UserID         string      `json:"userId" db:"user_id"`
	Enabled        bool        `json:"enabled" db:"enabled"`
	AdminStatus    AdminStatus `json:"adminStatus" db:"admin_status"`
	MaxPostsPerDay int         `json:"maxPostsPerDay" db:"max_posts_per_day"`
	CreatedAt      time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time   `json:"updatedAt" db:"updated_at"`
}

// Session is the health record of one user's cafe session.
type Session struct {
	UserID    string        `json:"userId" db:"user_id"`
	Status    SessionStatus `json:"status" db:"status"`
	UpdatedAt time.Time     `json:"updatedAt" db:"updated_at"`
}

// QueueStatsSnapshot is one immutable time-series sample of queue and fleet
// counters. JobsPerMin is nil for the very first sample of a queue; Clamped
// records that the throughput subtraction went negative (counter reset) and
// was clamped to zero.
type QueueStatsSnapshot struct {
	ID            int64     `json:"id" db:"id"`
	QueueName     string    `json:"queueName" db:"queue_name"`
	Waiting       int64     `json:"waiting" db:"waiting"`
	Active        int64     `json:"active" db:"active"`
	Delayed       int64     `json:"delayed" db:"delayed"`
	Completed     int64     `json:"completed" db:"completed"`
	Failed        int64     `json:"failed" db:"failed"`
	Paused        bool      `json:"paused" db:"paused"`
	JobsPerMin    *float64  `json:"jobsPerMin" db:"jobs_per_min"`
	Clamped       bool      `json:"clamped" db:"clamped"`
	OnlineWorkers int       `json:"onlineWorkers" db:"online_workers"`
	Timestamp     time.Time `json:"timestamp" db:"taken_at"`
}

// Incident is an operator-visible anomaly derived from snapshots,
// de-duplicated by (type, queueName) while unresolved.
type Incident struct {
	ID                string           `json:"id" db:"id"`
	Type              IncidentType     `json:"type" db:"type"`
	Severity          IncidentSeverity `json:"severity" db:"severity"`
	QueueName         string           `json:"queueName" db:"queue_name"`
	Title             string           `json:"title" db:"title"`
	Description       string           `json:"description" db:"description"`
	RecommendedAction string           `json:"recommendedAction" db:"recommended_action"`
	AffectedJobs      int64            `json:"affectedJobs" db:"affected_jobs"`
	Status            IncidentStatus   `json:"status" db:"status"`
	StartedAt         time.Time        `json:"startedAt" db:"started_at"`
	UpdatedAt         time.Time        `json:"updatedAt" db:"updated_at"`
	LastConditionAt   time.Time        `json:"lastConditionAt" db:"last_condition_at"`
	ResolvedAt        *time.Time       `json:"resolvedAt,omitempty" db:"resolved_at"`
	ResolvedBy        string           `json:"resolvedBy,omitempty" db:"resolved_by"`
}

// AuditLogEntry is one append-only record of who did what. There is no
// update or delete path.
type AuditLogEntry struct {
	ID            int64     `json:"id" db:"id"`
	ActorID       string    `json:"actorId,omitempty" db:"actor_id"`
	ActorType     ActorType `json:"actorType" db:"actor_type"`
	EntityType    string    `json:"entityType" db:"entity_type"`
	EntityID      string    `json:"entityId" db:"entity_id"`
	Action        string    `json:"action" db:"action"`
	Reason        string    `json:"reason,omitempty" db:"reason"`
	PreviousValue string    `json:"previousValue,omitempty" db:"previous_value"`
	NewValue      string    `json:"newValue,omitempty" db:"new_value"`
	IPAddress     string    `json:"ipAddress,omitempty" db:"ip_address"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

// RunEvent is one per-job outcome inside a run, feeding the dashboard's
// recent-events strip.
type RunEvent struct {
	ID        int64     `json:"id" db:"id"`
	RunID     string    `json:"runId" db:"run_id"`
	JobID     string    `json:"jobId" db:"job_id"`
	Index     int       `json:"index" db:"seq_no"`
	Result    string    `json:"result" db:"result"` // SUCCESS | FAILED
	ErrorCode string    `json:"errorCode,omitempty" db:"error_code"`
	Message   string    `json:"message,omitempty" db:"message"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// RunEventSuccess / RunEventFailed are the two RunEvent.Result values.
const (
	RunEventSuccess = "SUCCESS"
	RunEventFailed  = "FAILED"
)
