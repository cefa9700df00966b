package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore is the production Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres config")
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- schedules ---

const scheduleColumns = `id, user_id, template_id, name, cafe_name, board_name, template_name,
		run_time, daily_post_count, post_interval_minutes, enabled, consecutive_failures,
		created_at, updated_at`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var sc Schedule
	err := row.Scan(
		&sc.ID, &sc.UserID, &sc.TemplateID, &sc.Name, &sc.CafeName, &sc.BoardName, &sc.TemplateName,
		&sc.RunTime, &sc.DailyPostCount, &sc.PostIntervalMinutes, &sc.Enabled, &sc.ConsecutiveFailures,
		&sc.CreatedAt, &sc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *PostgresStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	now := time.Now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now

	query := `
		INSERT INTO schedules (id, user_id, template_id, name, cafe_name, board_name, template_name,
			run_time, daily_post_count, post_interval_minutes, enabled, consecutive_failures,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.pool.Exec(ctx, query,
		sc.ID, sc.UserID, sc.TemplateID, sc.Name, sc.CafeName, sc.BoardName, sc.TemplateName,
		sc.RunTime, sc.DailyPostCount, sc.PostIntervalMinutes, sc.Enabled, sc.ConsecutiveFailures,
		sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return errors.Wrap(err, "insert schedule")
	}
	return nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`
	sc, err := scanSchedule(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get schedule")
	}
	return sc, nil
}

func (s *PostgresStore) ListEnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE enabled ORDER BY run_time, id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list enabled schedules")
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *PostgresStore) ListDueSchedules(ctx context.Context, runDate string, hhmm string) ([]*Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules sc
		WHERE sc.enabled
		  AND sc.run_time <= $2
		  AND NOT EXISTS (
			SELECT 1 FROM schedule_runs r WHERE r.schedule_id = sc.id AND r.run_date = $1
		  )
		ORDER BY sc.run_time, sc.id`
	rows, err := s.pool.Query(ctx, query, runDate, hhmm)
	if err != nil {
		return nil, errors.Wrap(err, "list due schedules")
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func collectSchedules(rows pgx.Rows) ([]*Schedule, error) {
	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan schedule")
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE schedules SET enabled = $2, updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, enabled)
	if err != nil {
		return errors.Wrap(err, "set schedule enabled")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) BumpScheduleFailures(ctx context.Context, id string, reset bool) (int, error) {
	query := `
		UPDATE schedules
		SET consecutive_failures = CASE WHEN $2 THEN 0 ELSE consecutive_failures + 1 END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures`
	var n int
	err := s.pool.QueryRow(ctx, query, id, reset).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "bump schedule failures")
	}
	return n, nil
}

// --- schedule runs ---

const runColumns = `id, schedule_id, user_id, run_date, status, total_jobs, completed_jobs,
		failed_jobs, triggered_by, triggered_at, started_at, finished_at`

func scanRun(row pgx.Row) (*ScheduleRun, error) {
	var r ScheduleRun
	err := row.Scan(
		&r.ID, &r.ScheduleID, &r.UserID, &r.RunDate, &r.Status, &r.TotalJobs, &r.CompletedJobs,
		&r.FailedJobs, &r.TriggeredBy, &r.TriggeredAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectRuns(rows pgx.Rows) ([]*ScheduleRun, error) {
	var out []*ScheduleRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRun(ctx context.Context, r *ScheduleRun) error {
	if r.Status == "" {
		r.Status = RunPending
	}
	query := `
		INSERT INTO schedule_runs (id, schedule_id, user_id, run_date, status, total_jobs,
			completed_jobs, failed_jobs, triggered_by, triggered_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.ScheduleID, r.UserID, r.RunDate, r.Status, r.TotalJobs,
		r.CompletedJobs, r.FailedJobs, r.TriggeredBy, r.TriggeredAt, r.StartedAt, r.FinishedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRun
		}
		return errors.Wrap(err, "insert run")
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*ScheduleRun, error) {
	query := `SELECT ` + runColumns + ` FROM schedule_runs WHERE id = $1`
	r, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get run")
	}
	return r, nil
}

func (s *PostgresStore) MarkRunStarted(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE schedule_runs SET status = $2, started_at = $3 WHERE id = $1 AND status = $4`
	_, err := s.pool.Exec(ctx, query, id, RunRunning, at, RunPending)
	if err != nil {
		return errors.Wrap(err, "mark run started")
	}
	// Zero rows means the run already left PENDING, which is fine.
	return nil
}

func (s *PostgresStore) BumpRunCounters(ctx context.Context, id string, completedDelta, failedDelta int) (*ScheduleRun, error) {
	query := `
		UPDATE schedule_runs
		SET completed_jobs = completed_jobs + $2,
			failed_jobs = failed_jobs + $3
		WHERE id = $1
		  AND completed_jobs + failed_jobs + $2 + $3 <= total_jobs
		RETURNING ` + runColumns
	r, err := scanRun(s.pool.QueryRow(ctx, query, id, completedDelta, failedDelta))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetRun(ctx, id); getErr != nil {
			return nil, getErr
		}
		// Run exists but the bump would exceed total_jobs.
		return nil, ErrConflict
	}
	if err != nil {
		return nil, errors.Wrap(err, "bump run counters")
	}
	return r, nil
}

func (s *PostgresStore) FinalizeRun(ctx context.Context, id string, status RunStatus, at time.Time) error {
	query := `
		UPDATE schedule_runs
		SET status = $2, finished_at = $3
		WHERE id = $1 AND status IN ($4, $5)`
	tag, err := s.pool.Exec(ctx, query, id, status, at, RunPending, RunRunning)
	if err != nil {
		return errors.Wrap(err, "finalize run")
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetRun(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListActiveRuns(ctx context.Context, terminatedSince time.Time) ([]*ScheduleRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM schedule_runs
		WHERE status IN ($1, $2)
		   OR (finished_at IS NOT NULL AND finished_at >= $3)
		ORDER BY triggered_at DESC, id`
	rows, err := s.pool.Query(ctx, query, RunPending, RunRunning, terminatedSince)
	if err != nil {
		return nil, errors.Wrap(err, "list active runs")
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *PostgresStore) ListRunsForSchedule(ctx context.Context, scheduleID string, limit int) ([]*ScheduleRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + runColumns + `
		FROM schedule_runs
		WHERE schedule_id = $1
		ORDER BY triggered_at DESC, id
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, scheduleID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list runs for schedule")
	}
	defer rows.Close()
	return collectRuns(rows)
}

// --- accounts and sessions ---

func (s *PostgresStore) UpsertAccount(ctx context.Context, a *Account) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	query := `
		INSERT INTO accounts (user_id, enabled, admin_status, max_posts_per_day, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			admin_status = EXCLUDED.admin_status,
			max_posts_per_day = EXCLUDED.max_posts_per_day,
			updated_at = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, query, a.UserID, a.Enabled, a.AdminStatus, a.MaxPostsPerDay, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "upsert account")
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	query := `SELECT user_id, enabled, admin_status, max_posts_per_day, created_at, updated_at
		FROM accounts WHERE user_id = $1`
	var a Account
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&a.UserID, &a.Enabled, &a.AdminStatus, &a.MaxPostsPerDay, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get account")
	}
	return &a, nil
}

func (s *PostgresStore) SetAdminStatus(ctx context.Context, userID string, status AdminStatus) error {
	query := `UPDATE accounts SET admin_status = $2, updated_at = NOW() WHERE user_id = $1`
	tag, err := s.pool.Exec(ctx, query, userID, status)
	if err != nil {
		return errors.Wrap(err, "set admin status")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, userID string) (*Session, error) {
	query := `SELECT user_id, status, updated_at FROM sessions WHERE user_id = $1`
	var sess Session
	err := s.pool.QueryRow(ctx, query, userID).Scan(&sess.UserID, &sess.Status, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get session")
	}
	return &sess, nil
}

func (s *PostgresStore) SetSessionStatus(ctx context.Context, userID string, status SessionStatus) error {
	query := `
		INSERT INTO sessions (user_id, status, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()`
	_, err := s.pool.Exec(ctx, query, userID, status)
	if err != nil {
		return errors.Wrap(err, "set session status")
	}
	return nil
}

// --- daily post counts ---

func (s *PostgresStore) GetDailyCount(ctx context.Context, userID string, date string) (int, error) {
	query := `SELECT count FROM daily_post_counts WHERE user_id = $1 AND date = $2`
	var n int
	err := s.pool.QueryRow(ctx, query, userID, date).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "get daily count")
	}
	return n, nil
}

func (s *PostgresStore) IncrementDailyCount(ctx context.Context, userID string, date string) (int, error) {
	query := `
		INSERT INTO daily_post_counts (user_id, date, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, date) DO UPDATE SET count = daily_post_counts.count + 1
		RETURNING count`
	var n int
	err := s.pool.QueryRow(ctx, query, userID, date).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "increment daily count")
	}
	return n, nil
}

// --- queue stats snapshots ---

const snapshotColumns = `id, queue_name, waiting, active, delayed, completed, failed, paused,
		jobs_per_min, clamped, online_workers, taken_at`

func scanSnapshot(row pgx.Row) (*QueueStatsSnapshot, error) {
	var snap QueueStatsSnapshot
	err := row.Scan(
		&snap.ID, &snap.QueueName, &snap.Waiting, &snap.Active, &snap.Delayed, &snap.Completed,
		&snap.Failed, &snap.Paused, &snap.JobsPerMin, &snap.Clamped, &snap.OnlineWorkers, &snap.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *QueueStatsSnapshot) error {
	query := `
		INSERT INTO queue_stats_snapshots (queue_name, waiting, active, delayed, completed, failed,
			paused, jobs_per_min, clamped, online_workers, taken_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`
	err := s.pool.QueryRow(ctx, query,
		snap.QueueName, snap.Waiting, snap.Active, snap.Delayed, snap.Completed, snap.Failed,
		snap.Paused, snap.JobsPerMin, snap.Clamped, snap.OnlineWorkers, snap.Timestamp).Scan(&snap.ID)
	if err != nil {
		return errors.Wrap(err, "insert snapshot")
	}
	return nil
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, queueName string) (*QueueStatsSnapshot, error) {
	query := `SELECT ` + snapshotColumns + `
		FROM queue_stats_snapshots
		WHERE queue_name = $1
		ORDER BY taken_at DESC, id DESC
		LIMIT 1`
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, query, queueName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "latest snapshot")
	}
	return snap, nil
}

func (s *PostgresStore) RecentSnapshots(ctx context.Context, queueName string, since time.Time) ([]*QueueStatsSnapshot, error) {
	query := `SELECT ` + snapshotColumns + `
		FROM queue_stats_snapshots
		WHERE queue_name = $1 AND taken_at >= $2
		ORDER BY taken_at DESC, id DESC`
	rows, err := s.pool.Query(ctx, query, queueName, since)
	if err != nil {
		return nil, errors.Wrap(err, "recent snapshots")
	}
	defer rows.Close()

	var out []*QueueStatsSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan snapshot")
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PruneSnapshots(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_stats_snapshots WHERE taken_at < $1`, olderThan)
	if err != nil {
		return 0, errors.Wrap(err, "prune snapshots")
	}
	return tag.RowsAffected(), nil
}

// --- incidents ---

const incidentColumns = `id, type, severity, queue_name, title, description, recommended_action,
		affected_jobs, status, started_at, updated_at, last_condition_at, resolved_at, resolved_by`

func scanIncident(row pgx.Row) (*Incident, error) {
	var inc Incident
	err := row.Scan(
		&inc.ID, &inc.Type, &inc.Severity, &inc.QueueName, &inc.Title, &inc.Description,
		&inc.RecommendedAction, &inc.AffectedJobs, &inc.Status, &inc.StartedAt, &inc.UpdatedAt,
		&inc.LastConditionAt, &inc.ResolvedAt, &inc.ResolvedBy,
	)
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

func collectIncidents(rows pgx.Rows) ([]*Incident, error) {
	var out []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan incident")
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateIncident(ctx context.Context, inc *Incident) error {
	if inc.Status == "" {
		inc.Status = IncidentActive
	}
	query := `
		INSERT INTO incidents (id, type, severity, queue_name, title, description,
			recommended_action, affected_jobs, status, started_at, updated_at, last_condition_at,
			resolved_at, resolved_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.pool.Exec(ctx, query,
		inc.ID, inc.Type, inc.Severity, inc.QueueName, inc.Title, inc.Description,
		inc.RecommendedAction, inc.AffectedJobs, inc.Status, inc.StartedAt, inc.UpdatedAt,
		inc.LastConditionAt, inc.ResolvedAt, inc.ResolvedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return errors.Wrap(err, "insert incident")
	}
	return nil
}

func (s *PostgresStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	inc, err := scanIncident(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get incident")
	}
	return inc, nil
}

func (s *PostgresStore) GetOpenIncident(ctx context.Context, t IncidentType, queueName string) (*Incident, error) {
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE type = $1 AND queue_name = $2 AND status <> $3
		LIMIT 1`
	inc, err := scanIncident(s.pool.QueryRow(ctx, query, t, queueName, IncidentResolved))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get open incident")
	}
	return inc, nil
}

func (s *PostgresStore) RefreshIncidentObservation(ctx context.Context, id string, affectedJobs int64, description string, at time.Time) error {
	query := `
		UPDATE incidents
		SET affected_jobs = $2, description = $3, last_condition_at = $4, updated_at = $4
		WHERE id = $1 AND status <> $5`
	tag, err := s.pool.Exec(ctx, query, id, affectedJobs, description, at, IncidentResolved)
	if err != nil {
		return errors.Wrap(err, "refresh incident observation")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AcknowledgeIncident(ctx context.Context, id string) error {
	query := `UPDATE incidents SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3`
	tag, err := s.pool.Exec(ctx, query, id, IncidentAcknowledged, IncidentActive)
	if err != nil {
		return errors.Wrap(err, "acknowledge incident")
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetIncident(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ResolveIncident(ctx context.Context, id string, resolvedBy string, at time.Time) error {
	query := `
		UPDATE incidents
		SET status = $2, resolved_at = $3, resolved_by = $4, updated_at = $3
		WHERE id = $1 AND status <> $2`
	tag, err := s.pool.Exec(ctx, query, id, IncidentResolved, at, resolvedBy)
	if err != nil {
		return errors.Wrap(err, "resolve incident")
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetIncident(ctx, id); getErr != nil {
			return getErr
		}
		// Already resolved: treat as success so retries stay quiet.
	}
	return nil
}

func (s *PostgresStore) ListIncidents(ctx context.Context, status IncidentStatus, limit int) ([]*Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		query := `SELECT ` + incidentColumns + ` FROM incidents ORDER BY started_at DESC, id LIMIT $1`
		rows, err = s.pool.Query(ctx, query, limit)
	} else {
		query := `SELECT ` + incidentColumns + ` FROM incidents WHERE status = $1 ORDER BY started_at DESC, id LIMIT $2`
		rows, err = s.pool.Query(ctx, query, status, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "list incidents")
	}
	defer rows.Close()
	return collectIncidents(rows)
}

func (s *PostgresStore) ListUnresolvedIncidents(ctx context.Context) ([]*Incident, error) {
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE status <> $1
		ORDER BY started_at DESC, id`
	rows, err := s.pool.Query(ctx, query, IncidentResolved)
	if err != nil {
		return nil, errors.Wrap(err, "list unresolved incidents")
	}
	defer rows.Close()
	return collectIncidents(rows)
}

// --- audit log ---

func (s *PostgresStore) AppendAudit(ctx context.Context, e *AuditLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO audit_log (actor_id, actor_type, entity_type, entity_id, action, reason,
			previous_value, new_value, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`
	err := s.pool.QueryRow(ctx, query,
		e.ActorID, e.ActorType, e.EntityType, e.EntityID, e.Action, e.Reason,
		e.PreviousValue, e.NewValue, e.IPAddress, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return errors.Wrap(err, "append audit entry")
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, f AuditFilter) ([]*AuditLogEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `
		SELECT id, actor_id, actor_type, entity_type, entity_id, action, reason,
			previous_value, new_value, ip_address, created_at
		FROM audit_log
		WHERE ($1 = '' OR entity_type = $1)
		  AND ($2 = '' OR entity_id = $2)
		  AND ($3 = '' OR actor_id = $3)
		  AND ($4 = '' OR action = $4)
		  AND ($5::timestamptz IS NULL OR created_at >= $5)
		  AND ($6::timestamptz IS NULL OR created_at < $6)
		ORDER BY created_at DESC, id DESC
		LIMIT $7`
	var since, until *time.Time
	if !f.Since.IsZero() {
		since = &f.Since
	}
	if !f.Until.IsZero() {
		until = &f.Until
	}
	rows, err := s.pool.Query(ctx, query, f.EntityType, f.EntityID, f.ActorID, f.Action, since, until, f.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "list audit entries")
	}
	defer rows.Close()

	var out []*AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		err := rows.Scan(&e.ID, &e.ActorID, &e.ActorType, &e.EntityType, &e.EntityID, &e.Action,
			&e.Reason, &e.PreviousValue, &e.NewValue, &e.IPAddress, &e.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- run events ---

func (s *PostgresStore) AppendRunEvent(ctx context.Context, e *RunEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO run_events (run_id, job_id, seq_no, result, error_code, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	err := s.pool.QueryRow(ctx, query,
		e.RunID, e.JobID, e.Index, e.Result, e.ErrorCode, e.Message, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return errors.Wrap(err, "append run event")
	}
	return nil
}

func (s *PostgresStore) RecentRunEvents(ctx context.Context, runIDs []string, perRun int) (map[string][]*RunEvent, error) {
	out := make(map[string][]*RunEvent, len(runIDs))
	if len(runIDs) == 0 {
		return out, nil
	}
	if perRun <= 0 {
		perRun = 3
	}
	query := `
		SELECT id, run_id, job_id, seq_no, result, error_code, message, created_at
		FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY run_id ORDER BY created_at DESC, id DESC) AS rn
			FROM run_events
			WHERE run_id = ANY($1)
		) ranked
		WHERE rn <= $2
		ORDER BY run_id, created_at DESC, id DESC`
	rows, err := s.pool.Query(ctx, query, runIDs, perRun)
	if err != nil {
		return nil, errors.Wrap(err, "recent run events")
	}
	defer rows.Close()

	for rows.Next() {
		var e RunEvent
		err := rows.Scan(&e.ID, &e.RunID, &e.JobID, &e.Index, &e.Result, &e.ErrorCode, &e.Message, &e.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scan run event")
		}
		out[e.RunID] = append(out[e.RunID], &e)
	}
	return out, rows.Err()
}
