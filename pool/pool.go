package pool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/modubot/cafeworks/audit"
	"github.com/modubot/cafeworks/observability"
	"github.com/modubot/cafeworks/queue"
)

// TerminalResult summarizes a job's final outcome for run bookkeeping.
type TerminalResult struct {
	Status  queue.JobStatus // COMPLETED, FAILED or CANCELLED
	Code    queue.ErrorCode
	Message string
}

// LifecycleHooks receives job lifecycle callbacks. OnJobTerminal fires only
// on terminal transitions, never on a retry-scheduled failure.
type LifecycleHooks interface {
	OnJobStarted(ctx context.Context, job *queue.Job)
	OnJobTerminal(ctx context.Context, job *queue.Job, res TerminalResult)
}

// ProgressReporter optionally extends LifecycleHooks for handlers that call
// JobContext.ReportProgress.
type ProgressReporter interface {
	OnJobProgress(job *queue.Job, index, total int, result string, code queue.ErrorCode)
}

// DispatchGate re-checks dispatch policy between reservation and execution.
// Refused jobs fail terminally with the returned code.
type DispatchGate interface {
	CheckDispatch(ctx context.Context, job *queue.Job) (allow bool, code queue.ErrorCode, reason string, err error)
}

// CounterHook feeds the worker's heartbeat counters.
type CounterHook interface {
	JobStarted()
	JobFinished(failed bool)
}

// Deps are the pool's optional collaborators. Any field may be nil.
type Deps struct {
	Gate     DispatchGate
	Hooks    LifecycleHooks
	Counters CounterHook
	Audit    *audit.Recorder
}

type Config struct {
	// WorkerID identifies this process in job ownership and heartbeats.
	WorkerID string

	// Workers is the number of pollers. Each poller runs one job at a time,
	// so on a single-type queue this is the per-type concurrency. CREATE_POST
	// runs with Workers=1: one user's cafe session is not safely parallel.
	Workers int

	// JobTimeout bounds one handler invocation. Defaults to 5 minutes.
	JobTimeout time.Duration

	// CancelPoll is how often the cooperative cancel flag is checked for the
	// running job. Defaults to 2s.
	CancelPoll time.Duration

	// ReserveRetry is the pause after a failed reservation. Defaults to 2s.
	ReserveRetry time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.CancelPoll <= 0 {
		c.CancelPoll = 2 * time.Second
	}
	if c.ReserveRetry <= 0 {
		c.ReserveRetry = 2 * time.Second
	}
	return c
}

// Pool reserves jobs from one queue and runs them through registered
// handlers.
type Pool struct {
	queue queue.Queue
	reg   *Registry
	deps  Deps
	cfg   Config
	log   *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(q queue.Queue, reg *Registry, deps Deps, cfg Config, log *zap.SugaredLogger) *Pool {
	return &Pool{
		queue: q,
		reg:   reg,
		deps:  deps,
		cfg:   cfg.withDefaults(),
		log:   log.Named("pool").With("queue", q.Name()),
	}
}

// Start launches the pollers. They run until Stop.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.poll(ctx, i)
	}
	p.log.Infow("pool started", "workers", p.cfg.Workers, "workerId", p.cfg.WorkerID)
}

// Stop ends reservation, waits for in-flight jobs up to ctx's deadline, then
// returns any job still ACTIVE under this worker to the front of the queue so
// a replacement worker picks it up.
func (p *Pool) Stop(ctx context.Context) error {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warnw("shutdown grace expired with jobs still in flight")
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := p.queue.ReenqueueActive(reqCtx, p.cfg.WorkerID)
	if err != nil {
		p.log.Errorw("re-enqueue of interrupted jobs failed", "error", err)
		return err
	}
	if n > 0 {
		p.log.Infow("returned interrupted jobs to the queue", "count", n)
	}
	return nil
}

func (p *Pool) poll(ctx context.Context, n int) {
	defer p.wg.Done()
	log := p.log.With("poller", n)

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.Reserve(ctx, p.cfg.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnw("reserve failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.ReserveRetry):
			}
			continue
		}
		if job == nil {
			continue
		}
		p.runJob(job)
	}
}

func (p *Pool) runJob(job *queue.Job) {
	log := p.log.With("jobId", job.ID, "type", job.Type, "attempt", job.AttemptsMade)
	start := time.Now()

	observability.ActiveHandlers.WithLabelValues(string(job.Type)).Inc()
	defer observability.ActiveHandlers.WithLabelValues(string(job.Type)).Dec()
	defer func() {
		observability.HandlerDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())
	}()

	if p.deps.Counters != nil {
		p.deps.Counters.JobStarted()
	}
	failed := false
	defer func() {
		if p.deps.Counters != nil {
			p.deps.Counters.JobFinished(failed)
		}
	}()

	jobCtx, cancelJob := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	defer cancelJob()

	if p.deps.Hooks != nil {
		p.deps.Hooks.OnJobStarted(jobCtx, job)
	}

	if blockedCode, reason, blocked := p.checkGate(jobCtx, job, log); blocked {
		failed = true
		p.failJob(job, blockedCode, reason, false, log)
		return
	}

	h, ok := p.reg.handler(job.Type)
	if !ok {
		// Enqueue validates types, so this only happens when a worker build
		// predates a new type. Terminal: retrying on this worker cannot help.
		failed = true
		p.failJob(job, queue.CodeUnknown, "no handler registered for job type", false, log)
		return
	}

	var cancelRequested atomic.Bool
	stopWatch := p.watchCancel(jobCtx, cancelJob, job.ID, &cancelRequested)
	ret, err := p.invoke(jobCtx, h, &JobContext{Job: job, Log: log, progress: p.progressFunc(job)})
	stopWatch()

	switch {
	case err == nil:
		// Work finished; record the truth even if a cancel raced in.
		if ackErr := p.queue.Ack(context.Background(), job.ID, ret); ackErr != nil {
			log.Warnw("ack failed; job may have been reclaimed", "error", ackErr)
			return
		}
		log.Infow("job completed", "took", time.Since(start))
		p.hookTerminal(job, TerminalResult{Status: queue.StatusCompleted})

	case cancelRequested.Load():
		failed = true
		if fcErr := p.queue.FinalizeCancel(context.Background(), job.ID); fcErr != nil {
			log.Warnw("finalize-cancel failed", "error", fcErr)
			return
		}
		log.Infow("job cancelled cooperatively")
		p.hookTerminal(job, TerminalResult{Status: queue.StatusCancelled})

	case jobCtx.Err() == context.DeadlineExceeded:
		failed = true
		observability.HandlerTimeouts.WithLabelValues(string(job.Type)).Inc()
		p.failJob(job, queue.CodeTimeout, "handler exceeded the job timeout", queue.CodeTimeout.IsRetriable(), log)

	default:
		failed = true
		code := CodeOf(err)
		p.failJob(job, code, err.Error(), code.IsRetriable(), log)
	}
}

// invoke runs the handler with panic containment. A panic becomes an UNKNOWN
// failure for this job only; the worker survives.
func (p *Pool) invoke(ctx context.Context, h Handler, jc *JobContext) (ret []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.HandlerPanics.WithLabelValues(string(jc.Job.Type)).Inc()
			jc.Log.Errorw("handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = Errorf(queue.CodeUnknown, "handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, jc)
}

// checkGate runs the dispatch-time policy re-check. Gate infrastructure
// errors are logged and the job proceeds: availability of posting wins over
// strictness, and the handler will hit the same backend anyway.
func (p *Pool) checkGate(ctx context.Context, job *queue.Job, log *zap.SugaredLogger) (queue.ErrorCode, string, bool) {
	if p.deps.Gate == nil {
		return "", "", false
	}
	allow, code, reason, err := p.deps.Gate.CheckDispatch(ctx, job)
	if err != nil {
		log.Warnw("dispatch gate check failed; running job anyway", "error", err)
		return "", "", false
	}
	if allow {
		return "", "", false
	}

	observability.DispatchBlocked.WithLabelValues(string(code)).Inc()
	log.Infow("dispatch blocked", "code", code, "reason", reason)
	if p.deps.Audit != nil {
		p.deps.Audit.System(ctx, audit.EntityJob, job.ID, audit.ActionDispatchBlock, reason)
	}
	return code, reason, true
}

func (p *Pool) failJob(job *queue.Job, code queue.ErrorCode, message string, retriable bool, log *zap.SugaredLogger) {
	terminal, err := p.queue.Fail(context.Background(), job.ID, code, message, retriable)
	if err != nil {
		log.Errorw("fail transition failed", "code", code, "error", err)
		return
	}
	if !terminal {
		log.Infow("job scheduled for retry", "code", code, "message", message)
		return
	}
	log.Warnw("job failed terminally", "code", code, "message", message)
	p.hookTerminal(job, TerminalResult{Status: queue.StatusFailed, Code: code, Message: message})
}

// hookTerminal runs bookkeeping under its own deadline: it must complete even
// when the job context has already expired.
func (p *Pool) hookTerminal(job *queue.Job, res TerminalResult) {
	if p.deps.Hooks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.deps.Hooks.OnJobTerminal(ctx, job, res)
}

func (p *Pool) progressFunc(job *queue.Job) func(index, total int, result string, code queue.ErrorCode) {
	pr, ok := p.deps.Hooks.(ProgressReporter)
	if !ok {
		return nil
	}
	return func(index, total int, result string, code queue.ErrorCode) {
		pr.OnJobProgress(job, index, total, result, code)
	}
}

// watchCancel polls the job's cooperative cancel flag and cancels the job
// context when it is raised. Returns a stop function.
func (p *Pool) watchCancel(jobCtx context.Context, cancelJob context.CancelFunc, jobID string, requested *atomic.Bool) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(p.cfg.CancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				want, err := p.queue.CancelRequested(jobCtx, jobID)
				if err != nil {
					continue
				}
				if want {
					requested.Store(true)
					cancelJob()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
