package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ticketd/internal/dispatch"
	"github.com/mattjoyce/ticketd/internal/events"
	"github.com/mattjoyce/ticketd/internal/log"
	"github.com/mattjoyce/ticketd/internal/scheduler"
	"github.com/mattjoyce/ticketd/internal/selector"
	"github.com/mattjoyce/ticketd/internal/state"
)

const testKey = "test-key"

type fakeCycles struct {
	last  *scheduler.CycleReport
	wakes int
}

func (f *fakeCycles) LastCycle() *scheduler.CycleReport { return f.last }
func (f *fakeCycles) Wake()                             { f.wakes++ }

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	backend, err := state.NewFileBackend(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	st := state.NewStore(backend, state.WithLogger(log.Discard()))
	_, err = st.Load(context.Background())
	require.NoError(t, err)
	return st
}

func seedHistory(t *testing.T, st *state.Store) (failedID, succeededID string) {
	t.Helper()
	ctx := context.Background()

	job, err := st.StartJob(ctx, state.JobSeed{TicketRef: "t-1", HumanID: "ENG-1", Title: "Fix login"})
	require.NoError(t, err)
	_, err = st.FinishJob(ctx, state.StatusFailed, "run r1 failed")
	require.NoError(t, err)
	failedID = job.ID

	job, err = st.StartJob(ctx, state.JobSeed{TicketRef: "t-2", HumanID: "ENG-2", Title: "Add export"})
	require.NoError(t, err)
	require.NoError(t, st.SetExternalRunID(ctx, "r2"))
	_, err = st.FinishJob(ctx, state.StatusSucceeded, "")
	require.NoError(t, err)
	return failedID, job.ID
}

func newTestServer(t *testing.T, cycles CycleSource, opts ...Option) (*Server, *state.Store) {
	t.Helper()
	st := newTestStore(t)
	srv := New(Config{Listen: "127.0.0.1:0", APIKey: testKey, MaxRetries: 3, HistoryLimit: 10},
		st, cycles, events.NewHub(16), log.Discard(), opts...)
	return srv, st
}

func do(t *testing.T, h http.Handler, method, path string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	srv, st := newTestServer(t, nil)
	_, err := st.StartJob(context.Background(), state.JobSeed{TicketRef: "t-1", HumanID: "ENG-1"})
	require.NoError(t, err)

	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.JobInFlight)
	assert.True(t, strings.HasPrefix(resp.Backend, "json:"))
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCycles{})
	h := srv.Handler()

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/status"},
		{http.MethodGet, "/history"},
		{http.MethodGet, "/jobs/abc"},
		{http.MethodPost, "/poll"},
		{http.MethodGet, "/events"},
	} {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			rec := do(t, h, route.method, route.path, false)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			req := httptest.NewRequest(route.method, route.path, nil)
			req.Header.Set("Authorization", "Bearer wrong-key!")
			rec = httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestEmptyAPIKeyRejectsEverything(t *testing.T) {
	st := newTestStore(t)
	srv := New(Config{}, st, nil, events.NewHub(4), log.Discard())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusIncludesReportAndLastCycle(t *testing.T) {
	cycles := &fakeCycles{last: &scheduler.CycleReport{
		At:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Candidates: 3,
		Excluded:   []selector.Exclusion{{HumanID: "ENG-4", Reason: selector.ReasonBlocked}},
		Selected:   "ENG-2",
		Outcome:    &dispatch.Outcome{Ticket: "ENG-2", Result: dispatch.ResultFailed, Reason: "run r2 failed"},
		Err:        errors.New("partial"),
	}}
	srv, st := newTestServer(t, cycles)
	seedHistory(t, st)

	rec := do(t, srv.Handler(), http.MethodGet, "/status", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Daemon.Running)
	assert.Nil(t, resp.CurrentJob)
	require.Len(t, resp.History, 2)
	assert.Equal(t, "ENG-2", resp.History[0].Ticket)
	require.Len(t, resp.Retries, 1)
	assert.Equal(t, "ENG-1", resp.Retries[0].Ticket)

	require.NotNil(t, resp.LastCycle)
	assert.Equal(t, 3, resp.LastCycle.Candidates)
	assert.Equal(t, []string{"ENG-4 (blocked)"}, resp.LastCycle.Excluded)
	assert.Equal(t, "failed", resp.LastCycle.Result)
	assert.Equal(t, "partial", resp.LastCycle.Error)
}

func TestHistoryLimit(t *testing.T) {
	srv, st := newTestServer(t, nil)
	seedHistory(t, st)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/history?limit=1", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, "ENG-2", resp.Jobs[0].Ticket)

	rec = do(t, h, http.MethodGet, "/history?limit=zero", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob(t *testing.T) {
	srv, st := newTestServer(t, nil)
	failedID, _ := seedHistory(t, st)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/jobs/"+failedID, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"run r1 failed"`)

	running, err := st.StartJob(context.Background(), state.JobSeed{TicketRef: "t-3", HumanID: "ENG-3"})
	require.NoError(t, err)
	rec = do(t, h, http.MethodGet, "/jobs/"+running.ID, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"running"`)

	rec = do(t, h, http.MethodGet, "/jobs/missing", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPollWakesScheduler(t *testing.T) {
	cycles := &fakeCycles{}
	srv, _ := newTestServer(t, cycles)

	rec := do(t, srv.Handler(), http.MethodPost, "/poll", true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, cycles.wakes)

	noSched, _ := newTestServer(t, nil)
	rec = do(t, noSched.Handler(), http.MethodPost, "/poll", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookMountedWithoutAuth(t *testing.T) {
	called := false
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	})
	srv, _ := newTestServer(t, nil, WithWebhook("/webhooks/linear", hook))

	rec := do(t, srv.Handler(), http.MethodPost, "/webhooks/linear", false)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, called)
}

func TestOpenAPIDocument(t *testing.T) {
	srv, _ := newTestServer(t, nil, WithWebhook("/webhooks/linear", http.NotFoundHandler()))

	rec := do(t, srv.Handler(), http.MethodGet, "/openapi.json", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc struct {
		OpenAPI string                    `json:"openapi"`
		Paths   map[string]map[string]any `json:"paths"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	assert.Equal(t, "3.1.0", doc.OpenAPI)
	for _, p := range []string{"/healthz", "/status", "/history", "/jobs/{jobID}", "/poll", "/events", "/webhooks/linear"} {
		assert.Contains(t, doc.Paths, p)
	}
	assert.Contains(t, doc.Paths["/poll"], "post")
}
