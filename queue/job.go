package queue

import (
	"encoding/json"
	"strconv"
	"time"
)

// JobType identifies which handler executes a job. The set of valid types is
// closed at queue construction; Enqueue rejects anything else.
type JobType string

const (
	// TypeCreatePost is the primary posting job. One user's session cannot be
	// shared, so workers run this type at concurrency 1.
	TypeCreatePost JobType = "CREATE_POST"

	// TypeStatsSnapshot is the system job that samples queue and fleet
	// counters. It runs as a repeatable job with a fixed id.
	TypeStatsSnapshot JobType = "STATS_SNAPSHOT"
)

// StatsSnapshotJobID is the fixed id of the repeatable snapshot-collector
// job. Fixing the id guarantees at most one live instance.
const StatsSnapshotJobID = "stats-snapshot-collector"

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "QUEUED"
	StatusActive    JobStatus = "ACTIVE"
	StatusDelayed   JobStatus = "DELAYED"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one unit of work. The queue owns it until a worker reserves it;
// from then until a terminal transition it is owned by exactly one worker.
type Job struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	ScheduleRunID  string          `json:"scheduleRunId,omitempty"`
	SequenceNumber int             `json:"sequenceNumber,omitempty"`
	DedupKey       string          `json:"dedupKey,omitempty"`
	Priority       int             `json:"priority"`
	AttemptsMade   int             `json:"attemptsMade"`
	MaxAttempts    int             `json:"maxAttempts"`
	Status         JobStatus       `json:"status"`
	ErrorCode      ErrorCode       `json:"errorCode,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	ReturnValue    json.RawMessage `json:"returnValue,omitempty"`
	WorkerID       string          `json:"workerId,omitempty"`
	RepeatJobID    string          `json:"repeatJobId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	VisibleAt      time.Time       `json:"visibleAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`

	// seq orders same-priority jobs FIFO. Assigned once at enqueue.
	seq int64
}

// Counts is the per-state census of a queue, plus its pause flag.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    bool  `json:"paused"`
}

// redisFields flattens the job into the field map stored in its Redis hash.
// Timestamps are millisecond epochs so Lua can do arithmetic on them.
func (j *Job) redisFields() map[string]interface{} {
	f := map[string]interface{}{
		"id":           j.ID,
		"type":         string(j.Type),
		"payload":      string(j.Payload),
		"userId":       j.UserID,
		"runId":        j.ScheduleRunID,
		"seqNo":        j.SequenceNumber,
		"dedupKey":     j.DedupKey,
		"priority":     j.Priority,
		"attemptsMade": j.AttemptsMade,
		"maxAttempts":  j.MaxAttempts,
		"status":       string(j.Status),
		"errorCode":    string(j.ErrorCode),
		"errorMessage": j.ErrorMessage,
		"returnValue":  string(j.ReturnValue),
		"workerId":     j.WorkerID,
		"repeatJobId":  j.RepeatJobID,
		"createdAt":    j.CreatedAt.UnixMilli(),
		"visibleAt":    j.VisibleAt.UnixMilli(),
		"seq":          j.seq,
	}
	if j.StartedAt != nil {
		f["startedAt"] = j.StartedAt.UnixMilli()
	}
	if j.FinishedAt != nil {
		f["finishedAt"] = j.FinishedAt.UnixMilli()
	}
	return f
}

// jobFromRedisHash rebuilds a Job from HGETALL output. Unknown fields are
// ignored so hash layout can grow without breaking old readers.
func jobFromRedisHash(m map[string]string) *Job {
	if len(m) == 0 {
		return nil
	}
	j := &Job{
		ID:            m["id"],
		Type:          JobType(m["type"]),
		UserID:        m["userId"],
		ScheduleRunID: m["runId"],
		DedupKey:      m["dedupKey"],
		Status:        JobStatus(m["status"]),
		ErrorCode:     ErrorCode(m["errorCode"]),
		ErrorMessage:  m["errorMessage"],
		WorkerID:      m["workerId"],
		RepeatJobID:   m["repeatJobId"],
	}
	if v := m["payload"]; v != "" {
		j.Payload = json.RawMessage(v)
	}
	if v := m["returnValue"]; v != "" {
		j.ReturnValue = json.RawMessage(v)
	}
	j.SequenceNumber = atoiDefault(m["seqNo"], 0)
	j.Priority = atoiDefault(m["priority"], 0)
	j.AttemptsMade = atoiDefault(m["attemptsMade"], 0)
	j.MaxAttempts = atoiDefault(m["maxAttempts"], DefaultMaxAttempts)
	j.seq = int64(atoiDefault(m["seq"], 0))
	j.CreatedAt = msToTime(m["createdAt"])
	j.VisibleAt = msToTime(m["visibleAt"])
	if v, ok := m["startedAt"]; ok && v != "" {
		t := msToTime(v)
		j.StartedAt = &t
	}
	if v, ok := m["finishedAt"]; ok && v != "" {
		t := msToTime(v)
		j.FinishedAt = &t
	}
	return j
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func msToTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
