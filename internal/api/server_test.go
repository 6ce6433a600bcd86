package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-scheduler/internal/errs"
	"report-scheduler/internal/models"
	"report-scheduler/internal/ratelimit"
	"report-scheduler/internal/store"
	"report-scheduler/internal/tracker"
)

type harness struct {
	srv *httptest.Server
	st  *store.Memory
	tr  *tracker.Tracker
}

func newHarness(t *testing.T, lim ratelimit.Limiter) *harness {
	t.Helper()
	st := store.NewMemory()
	tr := tracker.New(st, zerolog.Nop())
	srv := httptest.NewServer(New(tr, st, lim, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, st: st, tr: tr}
}

func (h *harness) do(t *testing.T, method, path, owner, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set("X-Owner", owner)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func registerBody(name string, due time.Time) string {
	b, _ := json.Marshal(map[string]any{"name": name, "due_time": due.Format(time.RFC3339), "query": "SELECT 1"})
	return string(b)
}

func TestRegisterAndStatus(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodPost, "/jobs", "alice", registerBody("daily", time.Now().Add(time.Minute)))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, 1, body["id"])
	assert.Equal(t, "REGISTERED", body["status"])

	resp, body = h.do(t, http.MethodGet, "/jobs/1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "daily", body["name"])
	assert.Equal(t, "alice", body["owner"])
	assert.Equal(t, "registered by alice", body["detail"])
}

func TestRegisterRejectsBadInput(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodPost, "/jobs", "alice", `{"name":"x","due_time":"tomorrow","query":"SELECT 1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "RFC3339")

	resp, _ = h.do(t, http.MethodPost, "/jobs", "alice", `{"name":"x","due_time":"2030-01-01T00:00:00Z","query":"-- nothing"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/jobs", "", registerBody("x", time.Now()))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "owner is required")
}

func TestStatusShowsFailureDetail(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	job, err := h.tr.Register(ctx, models.NewJob{Name: "n", Owner: "o", DueTime: time.Now(), Query: "SELECT 1"})
	require.NoError(t, err)
	_, _ = h.tr.Claim(ctx, job.ID, "r")
	_, _ = h.tr.Fail(ctx, job.ID, "r", "execute query: connection refused")

	_, body := h.do(t, http.MethodGet, "/jobs/1", "", "")
	assert.Equal(t, "ERROR", body["status"])
	assert.Equal(t, "execute query: connection refused", body["detail"])
}

func TestStatusErrors(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(t, http.MethodGet, "/jobs/99", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/jobs/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKill(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodPost, "/jobs", "alice", registerBody("a", time.Now().Add(time.Hour)))
	h.do(t, http.MethodPost, "/jobs", "alice", registerBody("b", time.Now().Add(time.Hour)))

	resp, _ := h.do(t, http.MethodPost, "/jobs/1/kill", "mallory", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/jobs/1/kill", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "KILLED", body["status"])

	resp, _ = h.do(t, http.MethodPost, "/jobs/1/kill", "alice", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/jobs/2", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	job, err := h.st.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKilled, job.Status)
}

func TestListAndLogs(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodPost, "/jobs", "alice", registerBody("a", time.Now()))
	h.do(t, http.MethodPost, "/jobs", "bob", registerBody("b", time.Now()))

	list := func(path, owner string) []models.Job {
		req, _ := http.NewRequest(http.MethodGet, h.srv.URL+path, nil)
		if owner != "" {
			req.Header.Set("X-Owner", owner)
		}
		resp, err := h.srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var jobs []models.Job
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
		return jobs
	}
	assert.Len(t, list("/jobs", ""), 2)
	assert.Len(t, list("/jobs", "bob"), 1)
	assert.Len(t, list("/jobs?all=true", "bob"), 2)
	assert.Len(t, list("/jobs?owner=alice", ""), 1)

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/jobs/1/logs", nil)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var logs []models.LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&logs))
	require.Len(t, logs, 1)
	assert.Equal(t, models.StatusRegistered, logs[0].Status)
}

func TestRateLimited(t *testing.T) {
	h := newHarness(t, ratelimit.NewLocal(1, 0.001))
	resp, _ := h.do(t, http.MethodPost, "/jobs", "alice", registerBody("a", time.Now()))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/jobs", "alice", registerBody("a", time.Now()))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/jobs", "bob", registerBody("a", time.Now()))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

type downStore struct{ *store.Memory }

func (downStore) Ping(context.Context) error { return errs.New("dial tcp: connection refused") }

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	st := downStore{store.NewMemory()}
	srv := httptest.NewServer(New(tracker.New(st, zerolog.Nop()), st, nil, zerolog.Nop()).Router())
	defer srv.Close()
	r, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, r.StatusCode)
}

func TestMetricsMounted(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := h.srv.Client().Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
