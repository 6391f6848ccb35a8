package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrunner/internal/core"
	"taskrunner/internal/service"
	"taskrunner/internal/store"
)

const testToken = "s3cret"

type testEnv struct {
	server    *Server
	scheduler *core.Scheduler
	release   chan struct{}
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{Driver: "sqlite", StateDir: t.TempDir()})
	require.NoError(t, err)

	env := &testEnv{release: make(chan struct{})}
	registry := core.NewRegistry()
	registry.MustRegister("test.wait", core.FuncFactory(func(ec *core.ExecutionContext) error {
		select {
		case <-env.release:
			return nil
		case <-ec.Done():
			return ec.Err()
		}
	}))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.scheduler = core.NewScheduler(st, registry, logger, core.SchedulerConfig{MachineName: "node-a"})
	svc := service.New(st, env.scheduler, registry, time.UTC)

	if opts.Health == nil {
		opts.Health = st
	}
	env.server = NewServer(svc, opts, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.scheduler.Stop(ctx)
		_ = st.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[map[string]map[string]string](t, rec)
	return body["error"]["code"]
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, Options{AuthToken: testToken})

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks?token="+testToken, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health is public")
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{AuthToken: testToken})

	rec := env.do(t, http.MethodPost, "/v1/tasks/", map[string]any{
		"name": "Long Job", "type": "test.wait", "cron": "0 0 1 1 *", "stop_on_error": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[taskResponse](t, rec)
	assert.Equal(t, "long-job", created.Alias)
	assert.Equal(t, string(core.StateIdle), created.State)
	assert.NotNil(t, created.NextRunAt)

	rec = env.do(t, http.MethodGet, "/v1/tasks/long-job/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[taskResponse](t, rec).ID)

	rec = env.do(t, http.MethodPatch, "/v1/tasks/"+created.ID+"/", map[string]any{"version": created.Version, "name": "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[taskResponse](t, rec)
	assert.Equal(t, "Renamed", updated.Name)

	rec = env.do(t, http.MethodPatch, "/v1/tasks/"+created.ID+"/", map[string]any{"version": created.Version, "name": "Stale"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "version_conflict", errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/v1/tasks/"+created.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(core.StateDisabled), decode[taskResponse](t, rec).State)

	rec = env.do(t, http.MethodGet, "/v1/tasks/?enabled=false", nil)
	assert.Len(t, decode[[]taskResponse](t, rec), 1)
	rec = env.do(t, http.MethodGet, "/v1/tasks/?enabled=true", nil)
	assert.Empty(t, decode[[]taskResponse](t, rec))
	rec = env.do(t, http.MethodGet, "/v1/tasks/?enabled=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/tasks/"+created.ID+"/run", map[string]any{"parameters": map[string]string{"a": "b"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	runID := decode[map[string]string](t, rec)["run_id"]
	require.NotEmpty(t, runID)

	rec = env.do(t, http.MethodPost, "/v1/tasks/"+created.ID+"/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_running", errorCode(t, rec))

	rec = env.do(t, http.MethodDelete, "/v1/tasks/"+created.ID+"/", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/tasks/"+created.ID+"/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	env.scheduler.Wait()

	rec = env.do(t, http.MethodGet, "/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[runResponse](t, rec)
	assert.Equal(t, string(core.OutcomeCancelled), run.Outcome)
	assert.Equal(t, string(core.TriggerManual), run.Trigger)
	assert.True(t, run.CancelRequested)

	rec = env.do(t, http.MethodGet, "/v1/tasks/"+created.ID+"/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]runResponse](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/v1/runs/"+runID+"/log", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/v1/tasks/"+created.ID+"/stop", nil)
	assert.Equal(t, "not_running", errorCode(t, rec))

	rec = env.do(t, http.MethodDelete, "/v1/tasks/"+created.ID+"/", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/tasks/"+created.ID+"/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTaskErrors(t *testing.T) {
	env := newTestEnv(t, Options{AuthToken: testToken})

	cases := []struct {
		body   map[string]any
		status int
		code   string
	}{
		{map[string]any{"name": "x", "type": "nope", "cron": "* * * * *"}, http.StatusBadRequest, "unknown_task_type"},
		{map[string]any{"name": "x", "type": "test.wait", "cron": "whenever"}, http.StatusBadRequest, "invalid_cron"},
		{map[string]any{"name": "x", "type": "test.wait", "cron": "0 0 30 2 *"}, http.StatusBadRequest, "invalid_cron"},
		{map[string]any{"name": "x", "alias": "BAD ALIAS", "type": "test.wait", "cron": "* * * * *"}, http.StatusBadRequest, "invalid_input"},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, "/v1/tasks/", tc.body)
		assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		assert.Equal(t, tc.code, errorCode(t, rec))
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "invalid_json", errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/v1/tasks/", map[string]any{"name": "a", "alias": "same", "type": "test.wait", "cron": "* * * * *"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/tasks/", map[string]any{"name": "b", "alias": "same", "type": "test.wait", "cron": "* * * * *"})
	assert.Equal(t, "alias_taken", errorCode(t, rec))
}

func TestCronPreview(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/v1/cron/preview", map[string]any{"expr": "0 * * * *", "now": "2024-05-01T10:30:00Z", "count": 2})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[cronPreviewResponse](t, rec)
	assert.True(t, resp.Valid)
	assert.Equal(t, "UTC", resp.TimeZone)
	assert.Equal(t, []string{"2024-05-01T11:00:00Z", "2024-05-01T12:00:00Z"}, resp.NextTimes)

	rec = env.do(t, http.MethodPost, "/v1/cron/preview", map[string]any{"expr": "@daily"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[cronPreviewResponse](t, rec)
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Message)
	assert.NotEmpty(t, resp.Hint)

	rec = env.do(t, http.MethodPost, "/v1/cron/preview", map[string]any{})
	assert.Equal(t, "invalid_input", errorCode(t, rec))
	rec = env.do(t, http.MethodPost, "/v1/cron/preview", map[string]any{"expr": "* * * * *", "now": "yesterday"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/task-types", nil)
	assert.Equal(t, map[string][]string{"types": {"test.wait"}}, decode[map[string][]string](t, rec))
}

type failingHealth struct{}

func (failingHealth) Ping(context.Context) error { return errors.New("database is locked") }

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{MachineName: "node-a", Running: func() []string { return []string{"t1"} }})
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "node-a", body["machine"])
	assert.Equal(t, []any{"t1"}, body["running"])

	env = newTestEnv(t, Options{Health: failingHealth{}})
	rec = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[map[string]any](t, rec)["status"])
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{errors.Wrap(core.ErrTaskNotFound, "x"), http.StatusNotFound},
		{&core.TaskNotFoundError{Key: "k"}, http.StatusBadRequest},
		{core.ErrSchedulerStopped, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := classifyError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}

type chanSource struct {
	ch chan core.Event
}

func (c chanSource) Subscribe(context.Context) (<-chan core.Event, error) { return c.ch, nil }

func TestEventsStream(t *testing.T) {
	src := chanSource{ch: make(chan core.Event, 2)}
	env := newTestEnv(t, Options{AuthToken: testToken, Events: src})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?task_id=t2&token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	src.ch <- core.Event{Type: core.EventClaimed, TaskID: "t1"}
	src.ch <- core.Event{Type: core.EventFinished, TaskID: "t2", Outcome: core.OutcomeSucceeded}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var evt core.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "t2", evt.TaskID, "events for other tasks are filtered out")
	assert.Equal(t, core.OutcomeSucceeded, evt.Outcome)
}
