package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/config"
	"github.com/modubot/cafeworks/pool"
	"github.com/modubot/cafeworks/queue"
)

// Poster executes CREATE_POST jobs by calling the headless posting service
// over HTTP. The service drives the actual cafe session; this handler owns
// the job-protocol side: one POST per job, the service's errorCode folded
// onto the closed code set so the pool can route retry vs terminal failure.
type Poster struct {
	url    string
	client *http.Client
	log    *zap.SugaredLogger
}

func NewPoster(cfg config.PosterConfig, log *zap.SugaredLogger) *Poster {
	return &Poster{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.Named("poster"),
	}
}

// postRequest is the callout body: the job payload plus the job identity so
// the posting service can log and deduplicate on its side.
type postRequest struct {
	JobID   string `json:"jobId"`
	Attempt int    `json:"attempt"`
	queue.PostPayload
}

// postFailure is the service's error envelope on any non-2xx status.
type postFailure struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

func (p *Poster) Handle(ctx context.Context, jc *pool.JobContext) (json.RawMessage, error) {
	payload, err := queue.DecodePostPayload(jc.Job.Payload)
	if err != nil {
		// A payload this worker cannot read will not become readable on
		// retry.
		return nil, pool.Errorf(queue.CodeUnknown, "undecodable payload: %v", err)
	}

	body, err := json.Marshal(postRequest{
		JobID:       jc.Job.ID,
		Attempt:     jc.Job.AttemptsMade,
		PostPayload: payload,
	})
	if err != nil {
		return nil, pool.Errorf(queue.CodeUnknown, "marshal post request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, pool.Errorf(queue.CodeUnknown, "build post request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		// The job context ended: hand the cause back so the pool settles it
		// as a timeout or a cooperative cancel, not as a handler failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isTimeout(err) {
			return nil, pool.Errorf(queue.CodeTimeout, "posting service did not answer within %s", p.client.Timeout)
		}
		return nil, pool.Errorf(queue.CodeNetworkError, "posting service unreachable: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, pool.Errorf(queue.CodeNetworkError, "read posting response: %v", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		jc.Log.Infow("post published",
			"cafe", payload.CafeName,
			"board", payload.BoardName,
			"sequence", payload.SequenceNumber,
			"status", resp.StatusCode)
		return successValue(raw), nil
	}

	var fail postFailure
	if err := json.Unmarshal(raw, &fail); err != nil {
		jc.Log.Debugw("unparseable failure body from posting service", "status", resp.StatusCode, "error", err)
	}
	code := failureCode(fail.ErrorCode, resp.StatusCode)
	msg := fail.Message
	if msg == "" {
		msg = fmt.Sprintf("posting service returned status %d", resp.StatusCode)
	}
	return nil, pool.NewError(code, msg)
}

// successValue keeps the service's success body as the job's return value
// when it is JSON, and substitutes a minimal one when the service sent
// nothing usable.
func successValue(raw []byte) json.RawMessage {
	if len(raw) > 0 && json.Valid(raw) {
		return raw
	}
	return json.RawMessage(`{"ok":true}`)
}

// failureCode folds the service's errorCode onto the closed set. Codes
// outside the set degrade by HTTP status so a misbehaving service still
// yields a sane retry decision.
func failureCode(reported string, status int) queue.ErrorCode {
	switch code := queue.ErrorCode(reported); code {
	case queue.CodeLoginRequired, queue.CodePermissionDenied, queue.CodeEditorLoadFail,
		queue.CodeImageUploadFail, queue.CodeNetworkError, queue.CodeCafeNotFound,
		queue.CodeRateLimited, queue.CodeChallengeRequired, queue.CodeAuthExpired,
		queue.CodeTimeout, queue.CodeUnknown:
		return code
	}
	switch {
	case status == http.StatusTooManyRequests:
		return queue.CodeRateLimited
	case status >= 500:
		return queue.CodeNetworkError
	}
	return queue.CodeUnknown
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
