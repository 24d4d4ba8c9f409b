package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formworks/taskflow/pkg/taskflow/audit"
	"github.com/formworks/taskflow/pkg/taskflow/event"
	"github.com/formworks/taskflow/pkg/taskflow/httpapi"
	"github.com/formworks/taskflow/pkg/taskflow/store"
)

type fakeBackend struct {
	ready      bool
	status     string
	components map[string]string
	stats      any

	publishErr error
	published  []event.Event

	records   []store.Record
	eventsErr error
	gotQuery  httpapi.EventQuery

	entries  []audit.Entry
	gotLevel audit.Level
	gotLimit int
}

func (b *fakeBackend) Ready() bool { return b.ready }

func (b *fakeBackend) HealthSummary() (string, map[string]string) {
	return b.status, b.components
}

func (b *fakeBackend) StatsSnapshot() any { return b.stats }

func (b *fakeBackend) PublishEvent(ctx context.Context, evt event.Event) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, evt)
	return nil
}

func (b *fakeBackend) QueryEvents(ctx context.Context, q httpapi.EventQuery) ([]store.Record, error) {
	b.gotQuery = q
	return b.records, b.eventsErr
}

func (b *fakeBackend) QueryAudit(level audit.Level, limit int) []audit.Entry {
	b.gotLevel = level
	b.gotLimit = limit
	return b.entries
}

func serve(t *testing.T, b *fakeBackend, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	s := httpapi.New(httpapi.Config{Backend: b})

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echoContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestHealthz(t *testing.T) {
	b := &fakeBackend{status: "healthy", components: map[string]string{"transport": "healthy"}}
	rec := serve(t, b, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Components["transport"])

	b.status = "degraded"
	rec = serve(t, b, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code, "degraded still serves 200")

	b.status = "unhealthy"
	rec = serve(t, b, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyz(t *testing.T) {
	b := &fakeBackend{}
	rec := serve(t, b, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	b.ready = true
	rec = serve(t, b, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ready":true}`, rec.Body.String())
}

func TestStats(t *testing.T) {
	b := &fakeBackend{stats: map[string]any{"published": 42}}
	rec := serve(t, b, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"published":42}`, rec.Body.String())
}

func TestGetEvents(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b := &fakeBackend{records: []store.Record{{
		ID:            "e-1",
		Type:          event.TypeTaskAssigned,
		CorrelationID: "corr-1",
		Source:        "matching",
		Priority:      event.PriorityNormal,
		Timestamp:     ts,
		Payload:       []byte(`{"taskId":"t-1"}`),
	}}}

	rec := serve(t, b, http.MethodGet, "/events?type=task.assigned&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, httpapi.EventQuery{Type: "task.assigned", Limit: 5}, b.gotQuery)

	// Payloads embed as JSON, not base64.
	assert.Contains(t, rec.Body.String(), `"payload":{"taskId":"t-1"}`)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = serve(t, b, http.MethodGet, "/events?correlation=corr-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "corr-1", b.gotQuery.Correlation)
	assert.Equal(t, 50, b.gotQuery.Limit, "default limit applies")

	rec = serve(t, b, http.MethodGet, "/events?limit=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, b, http.MethodGet, "/events?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostEvents(t *testing.T) {
	b := &fakeBackend{}

	body := `{"type":"task.completed","data":{"taskId":"t-1","outcome":"approved"},"correlationId":"corr-9"}`
	rec := serve(t, b, http.MethodPost, "/events", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, b.published, 1)
	evt := b.published[0]
	assert.Equal(t, event.TypeTaskCompleted, evt.Type())
	assert.Equal(t, "httpapi", evt.Source())
	assert.Equal(t, "corr-9", evt.CorrelationID())

	var payload event.Completion
	require.NoError(t, json.Unmarshal(evt.DataBytes(), &payload))
	assert.Equal(t, "t-1", payload.TaskID)
	assert.Equal(t, "approved", payload.Outcome)

	var resp struct {
		ID            string `json:"id"`
		CorrelationID string `json:"correlationId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, evt.ID(), resp.ID)
	assert.Equal(t, "corr-9", resp.CorrelationID)
}

func TestPostEventsRejectsBadRequests(t *testing.T) {
	b := &fakeBackend{}

	rec := serve(t, b, http.MethodPost, "/events", `{"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing type")

	rejected := event.New(event.TypeTaskCompleted, "test", json.RawMessage(`{}`))
	b.publishErr = &event.EventError{Event: rejected, Message: "schema validation failed"}
	rec = serve(t, b, http.MethodPost, "/events", `{"type":"task.completed","data":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "publish rejection maps to 400")

	b.publishErr = &event.EventError{Event: rejected, Message: "bus is closed", Err: event.ErrBusClosed}
	rec = serve(t, b, http.MethodPost, "/events", `{"type":"task.completed","data":{}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetAudit(t *testing.T) {
	b := &fakeBackend{entries: []audit.Entry{{
		Level:   audit.LevelWarn,
		Type:    event.TypeTaskTimeout,
		TaskID:  "t-1",
		Summary: "task t-1 missed its deadline",
	}}}

	rec := serve(t, b, http.MethodGet, "/audit?level=warn&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, audit.LevelWarn, b.gotLevel)
	assert.Equal(t, 10, b.gotLimit)
	assert.Contains(t, rec.Body.String(), "task t-1 missed its deadline")

	rec = serve(t, b, http.MethodGet, "/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, audit.Level(""), b.gotLevel, "empty level means all levels")

	rec = serve(t, b, http.MethodGet, "/audit?level=fatal", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerStartStop(t *testing.T) {
	b := &fakeBackend{ready: true, status: "healthy"}
	s := httpapi.New(httpapi.Config{Addr: "127.0.0.1:0", Backend: b})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Error(t, s.Start(context.Background()), "second Start should fail")

	resp, err := http.Get("http://" + s.Addr() + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx), "Stop is idempotent")
}
