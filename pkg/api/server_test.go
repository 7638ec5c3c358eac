package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bellmanhq/bellman/pkg/dispatch"
	"github.com/bellmanhq/bellman/pkg/events"
	"github.com/bellmanhq/bellman/pkg/execlog"
	"github.com/bellmanhq/bellman/pkg/registry"
	"github.com/bellmanhq/bellman/pkg/store"
	"github.com/bellmanhq/bellman/pkg/types"
	"github.com/bellmanhq/bellman/pkg/wire"
)

type apiFixture struct {
	server  *Server
	store   *store.BoltStore
	reg     *registry.Registry
	engine  *dispatch.Engine
	execLog *execlog.Log
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg, err := registry.NewRegistry(filepath.Join(t.TempDir(), "handlers.yaml"), wire.ClientOptions{
		CallTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(reg.CloseAll)

	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	execLog := execlog.New(100)

	engine := dispatch.NewEngine(dispatch.DefaultConfig("test"), st, reg, execLog, bus)
	engine.Start()
	t.Cleanup(engine.Stop)

	return &apiFixture{
		server:  NewServer(st, reg, engine, execLog, bus),
		store:   st,
		reg:     reg,
		engine:  engine,
		execLog: execLog,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.GetHandler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, rec.Code, body.Error.Code)
	return body.Error.Message
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name       string
		method     string
		wantStatus int
	}{
		{"get succeeds", http.MethodGet, http.StatusOK},
		{"post rejected", http.MethodPost, http.StatusMethodNotAllowed},
		{"delete rejected", http.MethodDelete, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, "/api/health", "")
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "ok", decodeBody(t, rec)["status"])
			}
		})
	}
}

func TestAddSchedule(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.reg.Register("worker1", "127.0.0.1:9100", []string{"backup"}))

	future := time.Now().Add(time.Hour).Format(time.RFC3339)
	validBody := fmt.Sprintf(`{
		"handler_id": "worker1",
		"job_method": "backup",
		"job_params": {"target": "/srv"},
		"trigger": {"type": "date", "run_date": %q},
		"job_id": "nightly"
	}`, future)

	rec := f.do(t, http.MethodPost, "/api/schedule", validBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "nightly", body["job_id"])

	// The schedule is durable with a computed next fire time
	schedule, err := f.store.Get("nightly")
	require.NoError(t, err)
	assert.Equal(t, "worker1", schedule.HandlerID)
	assert.Equal(t, "backup", schedule.Method)
	require.NotNil(t, schedule.NextFireTime)
	assert.Equal(t, types.CoalesceLatest, schedule.Coalesce)
}

func TestAddScheduleGeneratesID(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.reg.Register("worker1", "127.0.0.1:9100", []string{"backup"}))

	rec := f.do(t, http.MethodPost, "/api/schedule", `{
		"handler_id": "worker1",
		"job_method": "backup",
		"trigger": {"type": "interval", "minutes": 5}
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	jobID, _ := decodeBody(t, rec)["job_id"].(string)
	assert.NotEmpty(t, jobID)
}

func TestAddScheduleValidation(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.reg.Register("worker1", "127.0.0.1:9100", []string{"backup"}))

	past := time.Now().Add(-time.Hour).Format(time.RFC3339)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantInMsg  string
	}{
		{
			name:       "garbage body",
			body:       `{not json`,
			wantStatus: http.StatusBadRequest,
			wantInMsg:  "invalid request body",
		},
		{
			name:       "missing handler_id",
			body:       `{"job_method": "backup", "trigger": {"type": "interval", "minutes": 5}}`,
			wantStatus: http.StatusBadRequest,
			wantInMsg:  "required",
		},
		{
			name:       "unknown handler",
			body:       `{"handler_id": "ghost", "job_method": "backup", "trigger": {"type": "interval", "minutes": 5}}`,
			wantStatus: http.StatusNotFound,
			wantInMsg:  "not registered",
		},
		{
			name:       "method not exposed",
			body:       `{"handler_id": "worker1", "job_method": "format", "trigger": {"type": "interval", "minutes": 5}}`,
			wantStatus: http.StatusBadRequest,
			wantInMsg:  "not exposed",
		},
		{
			name:       "malformed trigger",
			body:       `{"handler_id": "worker1", "job_method": "backup", "trigger": {"type": "banana"}}`,
			wantStatus: http.StatusBadRequest,
			wantInMsg:  "invalid trigger",
		},
		{
			name:       "date trigger in the past never fires",
			body:       fmt.Sprintf(`{"handler_id": "worker1", "job_method": "backup", "trigger": {"type": "date", "run_date": %q}}`, past),
			wantStatus: http.StatusBadRequest,
			wantInMsg:  "never fires",
		},
		{
			name:       "negative misfire grace",
			body:       `{"handler_id": "worker1", "job_method": "backup", "trigger": {"type": "interval", "minutes": 5}, "misfire_grace_time": -30}`,
			wantStatus: http.StatusBadRequest,
			wantInMsg:  "misfire_grace_time",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/schedule", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, errorMessage(t, rec), tt.wantInMsg)
		})
	}
}

func TestAddScheduleConflict(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.reg.Register("worker1", "127.0.0.1:9100", []string{"backup"}))

	body := `{
		"handler_id": "worker1",
		"job_method": "backup",
		"trigger": {"type": "interval", "minutes": 5},
		"job_id": "dup"
	}`

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/schedule", body).Code)

	rec := f.do(t, http.MethodPost, "/api/schedule", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "already exists")

	// replace_existing overwrites instead
	replace := strings.Replace(body, `"job_id": "dup"`, `"job_id": "dup", "replace_existing": true`, 1)
	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/schedule", replace).Code)
}

func TestRunNowUnknownHandler(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/run_now", `{"handler_id": "ghost", "job_method": "backup"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "not registered")
}

func TestListSchedules(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.reg.Register("worker1", "127.0.0.1:9100", []string{"backup"}))

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{
			"handler_id": "worker1",
			"job_method": "backup",
			"trigger": {"type": "interval", "minutes": %d},
			"job_id": "s%d"
		}`, i+1, i)
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/schedule", body).Code)
	}

	rec := f.do(t, http.MethodGet, "/api/schedules?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	schedules, _ := body["schedules"].([]any)
	assert.Len(t, schedules, 2)

	page, _ := body["pagination"].(map[string]any)
	require.NotNil(t, page)
	assert.EqualValues(t, 3, page["total"])
	assert.EqualValues(t, 2, page["limit"])
	assert.EqualValues(t, 0, page["offset"])

	// An explicit zero limit falls back to the route default instead of
	// flowing to the store as "unbounded"
	rec = f.do(t, http.MethodGet, "/api/schedules?limit=0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	schedules, _ = body["schedules"].([]any)
	assert.Len(t, schedules, 3)
	page, _ = body["pagination"].(map[string]any)
	require.NotNil(t, page)
	assert.EqualValues(t, 50, page["limit"])
}

func TestScheduleByID(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.reg.Register("worker1", "127.0.0.1:9100", []string{"backup"}))

	body := `{
		"handler_id": "worker1",
		"job_method": "backup",
		"trigger": {"type": "interval", "minutes": 5},
		"job_id": "target"
	}`
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/schedule", body).Code)

	rec := f.do(t, http.MethodGet, "/api/schedules/target", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "target", decodeBody(t, rec)["schedule_id"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/schedules/missing", "").Code)

	rec = f.do(t, http.MethodDelete, "/api/schedules/target", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/schedules/target", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/schedules/target", "").Code)
}

func TestExecutionsEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 0, body["count"])
	records, ok := body["records"].([]any)
	assert.True(t, ok, "records is a list even when empty")
	assert.Empty(t, records)

	// Seed a success and a terminal error
	h1 := f.execLog.RecordStart("j1", "s1", "worker1", "backup", 1, 1, nil)
	f.execLog.RecordSuccess(h1, map[string]any{"ok": true})
	h2 := f.execLog.RecordStart("j2", "s1", "worker1", "backup", 1, 1, nil)
	f.execLog.RecordError(h2, "disk full", true)

	rec = f.do(t, http.MethodGet, "/api/executions?status=error", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/executions?job_id=j1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/executions/errors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/executions/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeBody(t, rec)["total"])

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/api/executions/clear", "").Code)
	rec = f.do(t, http.MethodPost, "/api/executions/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/executions", "")
	assert.EqualValues(t, 0, decodeBody(t, rec)["count"])
}

func TestHandlersEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.reg.Register("worker1", "127.0.0.1:1", []string{"backup"}))

	rec := f.do(t, http.MethodGet, "/api/handlers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	handlers, _ := body["handlers"].([]any)
	require.Len(t, handlers, 1)

	view, _ := handlers[0].(map[string]any)
	assert.Equal(t, "worker1", view["handler_id"])
	assert.Equal(t, false, view["alive"], "an unreachable handler probes dead")
}

func TestDrainingRefusesRequests(t *testing.T) {
	f := newAPIFixture(t)
	f.engine.Stop()

	rec := f.do(t, http.MethodGet, "/api/schedules", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "shutting down")

	// Health stays reachable during shutdown
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/health", "").Code)
}
