package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Queue ===

	// QueueOpDuration tracks Redis queue operation roundtrip latency.
	QueueOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cafeworks_queue_op_duration_seconds",
		Help:    "Queue operation latency by operation",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	}, []string{"op"})

	// JobsEnqueued counts jobs accepted into a queue.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cafeworks_jobs_enqueued_total",
		Help: "Jobs accepted into the queue",
	}, []string{"queue", "type"})

	// JobsCompleted counts jobs acked as successful.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cafeworks_jobs_completed_total",
		Help: "Jobs completed successfully",
	}, []string{"queue"})

	// JobsFailed counts jobs that exhausted retries or failed permanently.
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cafeworks_jobs_failed_total",
		Help: "Jobs failed permanently",
	}, []string{"queue", "code"})

	// JobsRetried counts retriable failures rescheduled with backoff.
	JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cafeworks_jobs_retried_total",
		Help: "Retriable job failures rescheduled with backoff",
	}, []string{"queue", "code"})

	// QueueDepth tracks per-state queue depth, refreshed by the snapshot
	// collector.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cafeworks_queue_depth",
		Help: "Current number of jobs per queue state",
	}, []string{"queue", "state"})

	// === Worker pool ===

	// HandlerDuration tracks job handler execution time.
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cafeworks_handler_duration_seconds",
		Help:    "Job handler execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	}, []string{"type"})

	// HandlerPanics counts handler panics recovered by the pool.
	HandlerPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cafeworks_handler_panics_total",
		Help: "Handler panics recovered by the worker pool",
	}, []string{"type"})

	// HandlerTimeouts counts handlers killed at the execution deadline.
	HandlerTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cafeworks_handler_timeouts_total",
		Help: "Handlers terminated at the execution timeout",
	}, []string{"type"})

	// ActiveHandlers tracks handlers currently executing.
	ActiveHandlers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cafeworks_active_handlers",
		Help: "Handlers currently executing",
	}, []string{"type"})

	// DispatchBlocked counts jobs refused at dispatch by the policy gate.
	DispatchBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cafeworks_dispatch_blocked_total",
		Help: "Jobs blocked at dispatch by account or session policy",
	}, []string{"code"})

	// === Fleet ===

	// WorkersOnline tracks workers with a fresh heartbeat.
	WorkersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cafeworks_workers_online",
		Help: "Workers with a heartbeat inside the liveness window",
	})

	// HeartbeatFailures counts heartbeat writes that did not reach Redis.
	HeartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cafeworks_heartbeat_failures_total",
		Help: "Heartbeat writes that failed",
	})

	// LeaderStatus tracks whether this process holds the planner lease.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cafeworks_leader_status",
		Help: "Current leader status (1 = leader, 0 = follower)",
	})

	// RedisLatency tracks coordination-plane Redis roundtrips (leases,
	// heartbeats) as a health signal separate from queue traffic.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cafeworks_redis_roundtrip_latency_seconds",
		Help:    "Coordination Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// === Schedules ===

	// RunsPlanned counts schedule runs created by the planner.
	RunsPlanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cafeworks_runs_planned_total",
		Help: "Schedule runs created",
	})

	// RunsFinalized counts runs reaching a terminal status.
	RunsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cafeworks_runs_finalized_total",
		Help: "Schedule runs reaching a terminal status",
	}, []string{"status"})

	// === Incidents ===

	// IncidentsDetected counts incidents opened by the detector.
	IncidentsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cafeworks_incidents_detected_total",
		Help: "Incidents opened",
	}, []string{"type", "severity"})

	// IncidentsResolved counts incidents resolved, by actor kind.
	IncidentsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cafeworks_incidents_resolved_total",
		Help: "Incidents resolved",
	}, []string{"resolved_by"})

	// IncidentsOpen tracks currently unresolved incidents.
	IncidentsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cafeworks_incidents_open",
		Help: "Currently unresolved incidents",
	}, []string{"type"})

	// === Control plane ===

	// APIRateLimited tracks admin API requests rejected by the rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cafeworks_api_rate_limited_total",
		Help: "Admin API requests rejected by rate limiting",
	}, []string{"endpoint"})

	// AuditWriteFailures counts audit entries that could not be persisted.
	// Audit writes never block the guarded operation, so this counter is
	// the only trace of a lost entry besides the log line.
	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cafeworks_audit_write_failures_total",
		Help: "Audit log writes that failed and were dropped",
	})

	// SnapshotDuration tracks one collector pass over all queues.
	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cafeworks_snapshot_duration_seconds",
		Help:    "Duration of one stats snapshot collection pass",
		Buckets: prometheus.DefBuckets,
	})

	// SnapshotClamped counts snapshots whose throughput figure was clamped
	// after a counter reset.
	SnapshotClamped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cafeworks_snapshot_clamped_total",
		Help: "Snapshots with a clamped jobs-per-minute value",
	})
)
