package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/heartbeat"
)

func newTestStatusServer(t *testing.T) (*httptest.Server, *heartbeat.Beater) {
	t.Helper()
	r := heartbeat.NewMemoryRegistry(heartbeat.Config{})
	b := heartbeat.NewBeater(r, heartbeat.WorkerInfo{
		WorkerID:  "host-a:42",
		Hostname:  "host-a",
		PID:       42,
		StartedAt: time.Now().UTC().Add(-time.Minute),
	}, 0, zap.NewNop().Sugar())

	srv := httptest.NewServer(newStatusServer(":0", b).Handler)
	t.Cleanup(srv.Close)
	return srv, b
}

func TestStatusServerHealthz(t *testing.T) {
	srv, _ := newTestStatusServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusServerReportsIdentityAndCounters(t *testing.T) {
	srv, b := newTestStatusServer(t)

	b.JobStarted()
	b.JobFinished(false)
	b.JobStarted()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Worker heartbeat.WorkerInfo `json:"worker"`
		Uptime string               `json:"uptime"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "host-a:42", body.Worker.WorkerID)
	assert.Equal(t, int64(1), body.Worker.ActiveJobs)
	assert.Equal(t, int64(1), body.Worker.ProcessedJobs)
	assert.Zero(t, body.Worker.FailedJobs)
	assert.NotEmpty(t, body.Uptime)
}

func TestStatusServerRejectsNonGet(t *testing.T) {
	srv, _ := newTestStatusServer(t)

	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
