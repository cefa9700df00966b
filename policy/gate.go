// Package policy decides whether a user's posting jobs may enter or leave the
// queue, and applies the auto-suspend and session-demotion rules that follow
// from job outcomes.
package policy

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/audit"
	"github.com/modubot/cafeworks/queue"
	"github.com/modubot/cafeworks/store"
)

// BlockCode explains why the gate refused a dispatch.
type BlockCode string

const (
	BlockUserDisabled     BlockCode = "USER_DISABLED"
	BlockAdminNotApproved BlockCode = "ADMIN_NOT_APPROVED"
	BlockAdminSuspended   BlockCode = "ADMIN_SUSPENDED"
	BlockAdminBanned      BlockCode = "ADMIN_BANNED"
	BlockSessionExpired   BlockCode = "SESSION_EXPIRED"
	BlockSessionChallenge BlockCode = "SESSION_CHALLENGE"
	BlockSessionError     BlockCode = "SESSION_ERROR"
	BlockDailyLimit       BlockCode = "DAILY_LIMIT"
	BlockDuplicate        BlockCode = "DUPLICATE"
)

// HandlerCode maps a dispatch-time block to the error code recorded on the
// job. All of these are terminal: a blocked job must not burn retries.
func (c BlockCode) HandlerCode() queue.ErrorCode {
	switch c {
	case BlockSessionExpired:
		return queue.CodeAuthExpired
	case BlockSessionChallenge:
		return queue.CodeChallengeRequired
	case BlockSessionError:
		return queue.CodeLoginRequired
	default:
		return queue.CodePermissionDenied
	}
}

// Decision is the outcome of one gate evaluation.
type Decision struct {
	Allowed bool
	Code    BlockCode
	Reason  string
}

func blocked(code BlockCode, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}

// Request identifies the dispatch being evaluated. Date is the posting day in
// the planner zone (YYYY-MM-DD). SkipDuplicate is set for dispatch-time
// re-evaluation, where the job being dispatched is itself the live holder of
// the dedup key.
type Request struct {
	UserID        string
	TemplateID    string
	Date          string
	SkipDuplicate bool
}

// DedupKey is the queue-level duplicate-suppression key for one user,
// template and posting day.
func DedupKey(userID, templateID, date string) string {
	return userID + ":" + templateID + ":" + date
}

type Config struct {
	// AutoSuspendThreshold is the consecutive-failure count at which a
	// schedule's owner is suspended. Defaults to 5.
	AutoSuspendThreshold int
}

func (c Config) withDefaults() Config {
	if c.AutoSuspendThreshold <= 0 {
		c.AutoSuspendThreshold = 5
	}
	return c
}

// Gate evaluates the dispatch policy against account, session, daily-limit
// and duplicate state.
type Gate struct {
	store store.Store
	queue queue.Queue
	audit *audit.Recorder
	cfg   Config
	log   *zap.SugaredLogger
}

func NewGate(st store.Store, q queue.Queue, rec *audit.Recorder, cfg Config, log *zap.SugaredLogger) *Gate {
	return &Gate{
		store: st,
		queue: q,
		audit: rec,
		cfg:   cfg.withDefaults(),
		log:   log.Named("policy"),
	}
}

// Evaluate checks every dispatch condition in a fixed order and returns the
// first block it finds. A store read failure is an error, not a block.
func (g *Gate) Evaluate(ctx context.Context, req Request) (Decision, error) {
	acc, err := g.store.GetAccount(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return blocked(BlockUserDisabled, "no account on record"), nil
	}
	if err != nil {
		return Decision{}, errors.Wrap(err, "load account")
	}
	if !acc.Enabled {
		return blocked(BlockUserDisabled, "account disabled"), nil
	}

	switch acc.AdminStatus {
	case store.AdminApproved:
	case store.AdminSuspended:
		return blocked(BlockAdminSuspended, "account suspended by operations"), nil
	case store.AdminBanned:
		return blocked(BlockAdminBanned, "account banned"), nil
	default:
		return blocked(BlockAdminNotApproved, "account pending review"), nil
	}

	sess, err := g.store.GetSession(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return blocked(BlockSessionError, "no cafe session on record"), nil
	}
	if err != nil {
		return Decision{}, errors.Wrap(err, "load session")
	}
	switch sess.Status {
	case store.SessionHealthy, store.SessionExpiring:
	case store.SessionExpired:
		return blocked(BlockSessionExpired, "cafe session expired"), nil
	case store.SessionChallengeRequired:
		return blocked(BlockSessionChallenge, "cafe session needs a challenge"), nil
	default:
		return blocked(BlockSessionError, fmt.Sprintf("cafe session unusable (%s)", sess.Status)), nil
	}

	count, err := g.store.GetDailyCount(ctx, req.UserID, req.Date)
	if err != nil {
		return Decision{}, errors.Wrap(err, "load daily count")
	}
	if count >= acc.MaxPostsPerDay {
		return blocked(BlockDailyLimit, fmt.Sprintf("daily limit reached (%d/%d)", count, acc.MaxPostsPerDay)), nil
	}

	if !req.SkipDuplicate {
		live, err := g.queue.HasActiveDedup(ctx, DedupKey(req.UserID, req.TemplateID, req.Date))
		if err != nil {
			return Decision{}, errors.Wrap(err, "check duplicate")
		}
		if live {
			return blocked(BlockDuplicate, "live jobs already queued for this template today"), nil
		}
	}

	return Decision{Allowed: true}, nil
}

// RecordOutcome updates the schedule's consecutive-failure counter from one
// terminal job outcome and auto-suspends the owner when the counter crosses
// the threshold. Suspension fires once per approved stretch: an account that
// is already out of APPROVED is left alone.
func (g *Gate) RecordOutcome(ctx context.Context, scheduleID, userID string, success bool) error {
	failures, err := g.store.BumpScheduleFailures(ctx, scheduleID, success)
	if err != nil {
		return errors.Wrap(err, "bump schedule failures")
	}
	if success || failures < g.cfg.AutoSuspendThreshold {
		return nil
	}

	acc, err := g.store.GetAccount(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "load account for auto-suspend")
	}
	if acc.AdminStatus != store.AdminApproved {
		return nil
	}

	if err := g.store.SetAdminStatus(ctx, userID, store.AdminSuspended); err != nil {
		return errors.Wrap(err, "auto-suspend account")
	}
	g.log.Warnw("account auto-suspended",
		"userId", userID,
		"scheduleId", scheduleID,
		"consecutiveFailures", failures,
	)
	g.audit.Record(ctx, &store.AuditLogEntry{
		ActorID:       audit.SystemActor,
		ActorType:     store.ActorSystem,
		EntityType:    audit.EntityAccount,
		EntityID:      userID,
		Action:        audit.ActionAutoSuspend,
		Reason:        fmt.Sprintf("schedule %s failed %d times in a row", scheduleID, failures),
		PreviousValue: string(store.AdminApproved),
		NewValue:      string(store.AdminSuspended),
	})
	return nil
}

// CheckDispatch re-evaluates the gate for a reserved CREATE_POST job just
// before its handler runs. The job itself holds the dedup key, so duplicate
// suppression is skipped. Blocks map onto terminal job error codes; system
// jobs and jobs with undecodable payloads pass through.
func (g *Gate) CheckDispatch(ctx context.Context, job *queue.Job) (bool, queue.ErrorCode, string, error) {
	if job.Type != queue.TypeCreatePost {
		return true, "", "", nil
	}
	payload, err := queue.DecodePostPayload(job.Payload)
	if err != nil {
		g.log.Warnw("dispatch check: undecodable payload", "jobId", job.ID, "error", err)
		return true, "", "", nil
	}

	decision, err := g.Evaluate(ctx, Request{
		UserID:        job.UserID,
		TemplateID:    payload.TemplateID,
		Date:          payload.RunDate,
		SkipDuplicate: true,
	})
	if err != nil {
		return false, "", "", err
	}
	if decision.Allowed {
		return true, "", "", nil
	}
	return false, decision.Code.HandlerCode(), fmt.Sprintf("%s: %s", decision.Code, decision.Reason), nil
}

// MarkSessionFatal demotes the owner's session after a job failed with a
// session-fatal code, so the gate blocks further dispatches until the session
// is repaired.
func (g *Gate) MarkSessionFatal(ctx context.Context, userID string, code queue.ErrorCode) error {
	var status store.SessionStatus
	switch code {
	case queue.CodeAuthExpired:
		status = store.SessionExpired
	case queue.CodeChallengeRequired:
		status = store.SessionChallengeRequired
	case queue.CodeLoginRequired:
		status = store.SessionError
	default:
		return nil
	}

	if err := g.store.SetSessionStatus(ctx, userID, status); err != nil {
		return errors.Wrap(err, "demote session")
	}
	g.log.Infow("session demoted after fatal job error", "userId", userID, "code", code, "status", status)
	g.audit.System(ctx, audit.EntityAccount, userID, audit.ActionSessionInvalidated,
		fmt.Sprintf("job failed with %s", code))
	return nil
}
