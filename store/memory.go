package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	schedules   map[string]*Schedule
	runs        map[string]*ScheduleRun
	accounts    map[string]*Account
	sessions    map[string]*Session
	dailyCounts map[string]int

	snapshots   []*QueueStatsSnapshot
	snapshotSeq int64

	incidents map[string]*Incident

	audit    []*AuditLogEntry
	auditSeq int64

	runEvents []*RunEvent
	eventSeq  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		schedules:   make(map[string]*Schedule),
		runs:        make(map[string]*ScheduleRun),
		accounts:    make(map[string]*Account),
		sessions:    make(map[string]*Session),
		dailyCounts: make(map[string]int),
		incidents:   make(map[string]*Incident),
	}
}

func (s *MemoryStore) Close() {}

func copySchedule(sc *Schedule) *Schedule {
	c := *sc
	return &c
}

func copyRun(r *ScheduleRun) *ScheduleRun {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func copySnapshot(snap *QueueStatsSnapshot) *QueueStatsSnapshot {
	c := *snap
	if snap.JobsPerMin != nil {
		v := *snap.JobsPerMin
		c.JobsPerMin = &v
	}
	return &c
}

func copyIncident(inc *Incident) *Incident {
	c := *inc
	if inc.ResolvedAt != nil {
		t := *inc.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// --- schedules ---

func (s *MemoryStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sc.ID]; ok {
		return ErrConflict
	}
	now := s.now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	s.schedules[sc.ID] = copySchedule(sc)
	return nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySchedule(sc), nil
}

func (s *MemoryStore) ListEnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Schedule
	for _, sc := range s.schedules {
		if sc.Enabled {
			out = append(out, copySchedule(sc))
		}
	}
	sortSchedules(out)
	return out, nil
}

func (s *MemoryStore) ListDueSchedules(ctx context.Context, runDate string, hhmm string) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	planned := make(map[string]bool)
	for _, r := range s.runs {
		if r.RunDate == runDate {
			planned[r.ScheduleID] = true
		}
	}

	var out []*Schedule
	for _, sc := range s.schedules {
		if sc.Enabled && sc.RunTime <= hhmm && !planned[sc.ID] {
			out = append(out, copySchedule(sc))
		}
	}
	sortSchedules(out)
	return out, nil
}

func sortSchedules(scs []*Schedule) {
	sort.Slice(scs, func(i, j int) bool {
		if scs[i].RunTime != scs[j].RunTime {
			return scs[i].RunTime < scs[j].RunTime
		}
		return scs[i].ID < scs[j].ID
	})
}

func (s *MemoryStore) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schedules[id]
	if !ok {
		return ErrNotFound
	}
	sc.Enabled = enabled
	sc.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) BumpScheduleFailures(ctx context.Context, id string, reset bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schedules[id]
	if !ok {
		return 0, ErrNotFound
	}
	if reset {
		sc.ConsecutiveFailures = 0
	} else {
		sc.ConsecutiveFailures++
	}
	sc.UpdatedAt = s.now().UTC()
	return sc.ConsecutiveFailures, nil
}

// --- schedule runs ---

func (s *MemoryStore) CreateRun(ctx context.Context, r *ScheduleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; ok {
		return ErrConflict
	}
	if r.Status == "" {
		r.Status = RunPending
	}
	for _, existing := range s.runs {
		if existing.ScheduleID == r.ScheduleID && existing.RunDate == r.RunDate && !existing.Status.IsTerminal() {
			return ErrDuplicateRun
		}
	}
	s.runs[r.ID] = copyRun(r)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*ScheduleRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(r), nil
}

func (s *MemoryStore) MarkRunStarted(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok || r.Status != RunPending {
		return nil
	}
	r.Status = RunRunning
	t := at
	r.StartedAt = &t
	return nil
}

func (s *MemoryStore) BumpRunCounters(ctx context.Context, id string, completedDelta, failedDelta int) (*ScheduleRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.CompletedJobs+r.FailedJobs+completedDelta+failedDelta > r.TotalJobs {
		return nil, ErrConflict
	}
	r.CompletedJobs += completedDelta
	r.FailedJobs += failedDelta
	return copyRun(r), nil
}

func (s *MemoryStore) FinalizeRun(ctx context.Context, id string, status RunStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status.IsTerminal() {
		return ErrConflict
	}
	r.Status = status
	t := at
	r.FinishedAt = &t
	return nil
}

func (s *MemoryStore) ListActiveRuns(ctx context.Context, terminatedSince time.Time) ([]*ScheduleRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ScheduleRun
	for _, r := range s.runs {
		if !r.Status.IsTerminal() || (r.FinishedAt != nil && !r.FinishedAt.Before(terminatedSince)) {
			out = append(out, copyRun(r))
		}
	}
	sortRuns(out)
	return out, nil
}

func (s *MemoryStore) ListRunsForSchedule(ctx context.Context, scheduleID string, limit int) ([]*ScheduleRun, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ScheduleRun
	for _, r := range s.runs {
		if r.ScheduleID == scheduleID {
			out = append(out, copyRun(r))
		}
	}
	sortRuns(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortRuns(runs []*ScheduleRun) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].TriggeredAt.Equal(runs[j].TriggeredAt) {
			return runs[i].TriggeredAt.After(runs[j].TriggeredAt)
		}
		return runs[i].ID < runs[j].ID
	})
}

// --- accounts and sessions ---

func (s *MemoryStore) UpsertAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if existing, ok := s.accounts[a.UserID]; ok {
		a.CreatedAt = existing.CreatedAt
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	c := *a
	s.accounts[a.UserID] = &c
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) SetAdminStatus(ctx context.Context, userID string, status AdminStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return ErrNotFound
	}
	a.AdminStatus = status
	a.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, userID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *sess
	return &c, nil
}

func (s *MemoryStore) SetSessionStatus(ctx context.Context, userID string, status SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[userID] = &Session{
		UserID:    userID,
		Status:    status,
		UpdatedAt: s.now().UTC(),
	}
	return nil
}

// --- daily post counts ---

func dailyCountKey(userID, date string) string {
	return userID + "|" + date
}

func (s *MemoryStore) GetDailyCount(ctx context.Context, userID string, date string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dailyCounts[dailyCountKey(userID, date)], nil
}

func (s *MemoryStore) IncrementDailyCount(ctx context.Context, userID string, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dailyCountKey(userID, date)
	s.dailyCounts[key]++
	return s.dailyCounts[key], nil
}

// --- queue stats snapshots ---

func (s *MemoryStore) InsertSnapshot(ctx context.Context, snap *QueueStatsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshotSeq++
	snap.ID = s.snapshotSeq
	s.snapshots = append(s.snapshots, copySnapshot(snap))
	return nil
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context, queueName string) (*QueueStatsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *QueueStatsSnapshot
	for _, snap := range s.snapshots {
		if snap.QueueName != queueName {
			continue
		}
		if latest == nil || snap.Timestamp.After(latest.Timestamp) ||
			(snap.Timestamp.Equal(latest.Timestamp) && snap.ID > latest.ID) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copySnapshot(latest), nil
}

func (s *MemoryStore) RecentSnapshots(ctx context.Context, queueName string, since time.Time) ([]*QueueStatsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*QueueStatsSnapshot
	for _, snap := range s.snapshots {
		if snap.QueueName == queueName && !snap.Timestamp.Before(since) {
			out = append(out, copySnapshot(snap))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) PruneSnapshots(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.snapshots[:0]
	var removed int64
	for _, snap := range s.snapshots {
		if snap.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, snap)
	}
	s.snapshots = kept
	return removed, nil
}

// --- incidents ---

func (s *MemoryStore) CreateIncident(ctx context.Context, inc *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[inc.ID]; ok {
		return ErrConflict
	}
	if inc.Status == "" {
		inc.Status = IncidentActive
	}
	for _, existing := range s.incidents {
		if existing.Type == inc.Type && existing.QueueName == inc.QueueName && existing.Status != IncidentResolved {
			return ErrConflict
		}
	}
	s.incidents[inc.ID] = copyIncident(inc)
	return nil
}

func (s *MemoryStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyIncident(inc), nil
}

func (s *MemoryStore) GetOpenIncident(ctx context.Context, t IncidentType, queueName string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inc := range s.incidents {
		if inc.Type == t && inc.QueueName == queueName && inc.Status != IncidentResolved {
			return copyIncident(inc), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) RefreshIncidentObservation(ctx context.Context, id string, affectedJobs int64, description string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok || inc.Status == IncidentResolved {
		return ErrNotFound
	}
	inc.AffectedJobs = affectedJobs
	inc.Description = description
	inc.LastConditionAt = at
	inc.UpdatedAt = at
	return nil
}

func (s *MemoryStore) AcknowledgeIncident(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return ErrNotFound
	}
	if inc.Status != IncidentActive {
		return ErrConflict
	}
	inc.Status = IncidentAcknowledged
	inc.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) ResolveIncident(ctx context.Context, id string, resolvedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return ErrNotFound
	}
	if inc.Status == IncidentResolved {
		return nil
	}
	inc.Status = IncidentResolved
	t := at
	inc.ResolvedAt = &t
	inc.ResolvedBy = resolvedBy
	inc.UpdatedAt = at
	return nil
}

func (s *MemoryStore) ListIncidents(ctx context.Context, status IncidentStatus, limit int) ([]*Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Incident
	for _, inc := range s.incidents {
		if status == "" || inc.Status == status {
			out = append(out, copyIncident(inc))
		}
	}
	sortIncidents(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListUnresolvedIncidents(ctx context.Context) ([]*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Incident
	for _, inc := range s.incidents {
		if inc.Status != IncidentResolved {
			out = append(out, copyIncident(inc))
		}
	}
	sortIncidents(out)
	return out, nil
}

func sortIncidents(incs []*Incident) {
	sort.Slice(incs, func(i, j int) bool {
		if !incs[i].StartedAt.Equal(incs[j].StartedAt) {
			return incs[i].StartedAt.After(incs[j].StartedAt)
		}
		return incs[i].ID < incs[j].ID
	})
}

// --- audit log ---

func (s *MemoryStore) AppendAudit(ctx context.Context, e *AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditSeq++
	e.ID = s.auditSeq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	c := *e
	s.audit = append(s.audit, &c)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, f AuditFilter) ([]*AuditLogEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditLogEntry
	for i := len(s.audit) - 1; i >= 0 && len(out) < f.Limit; i-- {
		e := s.audit[i]
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// --- run events ---

func (s *MemoryStore) AppendRunEvent(ctx context.Context, e *RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventSeq++
	e.ID = s.eventSeq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	c := *e
	s.runEvents = append(s.runEvents, &c)
	return nil
}

func (s *MemoryStore) RecentRunEvents(ctx context.Context, runIDs []string, perRun int) (map[string][]*RunEvent, error) {
	out := make(map[string][]*RunEvent, len(runIDs))
	if len(runIDs) == 0 {
		return out, nil
	}
	if perRun <= 0 {
		perRun = 3
	}
	wanted := make(map[string]bool, len(runIDs))
	for _, id := range runIDs {
		wanted[id] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Newest first per run; the slice is already in append order.
	for i := len(s.runEvents) - 1; i >= 0; i-- {
		e := s.runEvents[i]
		if !wanted[e.RunID] || len(out[e.RunID]) >= perRun {
			continue
		}
		c := *e
		out[e.RunID] = append(out[e.RunID], &c)
	}
	return out, nil
}
