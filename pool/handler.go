// Package pool runs reserved jobs through typed handlers with per-job
// timeouts, panic containment, cooperative cancellation and graceful
// shutdown that returns interrupted work to the queue.
package pool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/queue"
)

// Error is a handler failure with a stable code. Handlers return it so the
// pool can route the job to retry or terminal failure; any other error is
// treated as UNKNOWN.
type Error struct {
	Code    queue.ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code queue.ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code queue.ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the stable code from a handler error.
func CodeOf(err error) queue.ErrorCode {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return queue.CodeUnknown
}

// JobContext is what a handler sees of its job: the job record, a scoped
// logger and a progress callback that feeds run bookkeeping.
type JobContext struct {
	Job *queue.Job
	Log *zap.SugaredLogger

	progress func(index, total int, result string, code queue.ErrorCode)
}

// ReportProgress publishes a per-item result while the handler is still
// running. index/total mirror the job's position in its run.
func (jc *JobContext) ReportProgress(index, total int, result string, code queue.ErrorCode) {
	if jc.progress != nil {
		jc.progress(index, total, result, code)
		return
	}
	jc.Log.Debugw("progress", "index", index, "total", total, "result", result, "code", code)
}

// Handler executes one job. ctx carries the per-job deadline and is cancelled
// when the job's cooperative cancel flag is raised; handlers must return
// promptly once ctx is done. Return the output on success, or an *Error with
// a stable code on failure.
type Handler interface {
	Handle(ctx context.Context, jc *JobContext) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, jc *JobContext) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, jc *JobContext) (json.RawMessage, error) {
	return f(ctx, jc)
}

// Registry maps job types to handlers. Wiring happens once at startup, so
// duplicate registration panics rather than silently replacing a handler.
type Registry struct {
	handlers map[queue.JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[queue.JobType]Handler)}
}

func (r *Registry) Register(t queue.JobType, h Handler) {
	if _, dup := r.handlers[t]; dup {
		panic(fmt.Sprintf("pool: handler already registered for type %s", t))
	}
	r.handlers[t] = h
}

func (r *Registry) handler(t queue.JobType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}
