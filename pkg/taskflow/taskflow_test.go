package taskflow_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formworks/taskflow/pkg/taskflow"
	"github.com/formworks/taskflow/pkg/taskflow/config"
	"github.com/formworks/taskflow/pkg/taskflow/enginestub"
	"github.com/formworks/taskflow/pkg/taskflow/event"
	"github.com/formworks/taskflow/pkg/taskflow/store"
	"github.com/formworks/taskflow/pkg/taskflow/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSystem starts an orchestrator with the engine stub hooked onto
// its in-memory broker.
func newSystem(t *testing.T, opts ...taskflow.Option) (*taskflow.Orchestrator, *enginestub.Engine) {
	t.Helper()

	opts = append([]taskflow.Option{taskflow.WithLogger(quietLogger())}, opts...)
	orch, err := taskflow.New(opts...)
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))

	eng := enginestub.New(orch.Transport(), enginestub.Config{Logger: quietLogger()})
	require.NoError(t, eng.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Stop(ctx)
		orch.Stop(ctx)
	})
	return orch, eng
}

func capture(t *testing.T, orch *taskflow.Orchestrator, types ...string) <-chan event.Event {
	t.Helper()
	ch := make(chan event.Event, 32)
	sub, err := orch.Bus().Subscribe(types, event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		ch <- evt
		return nil
	}), event.WithSubscriptionName("test-capture"))
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)
	return ch
}

func waitEvent(t *testing.T, ch <-chan event.Event, timeout time.Duration) event.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestEndToEndAssignment(t *testing.T) {
	orch, _ := newSystem(t)
	assigned := capture(t, orch, event.TypeTaskAssigned)

	form := event.New(event.TypeFormSubmitted, "intake", event.FormSubmission{
		FormID:       "f-1",
		Requirements: "review the filing",
	})
	require.NoError(t, orch.Publish(context.Background(), form))

	evt := waitEvent(t, assigned, 5*time.Second)
	assert.Equal(t, form.CorrelationID(), evt.CorrelationID())

	payload, err := event.DecodePayload[event.Assignment](evt)
	require.NoError(t, err)
	assert.Equal(t, "task-f-1", payload.TaskID)
	assert.Equal(t, "f-1", payload.FormID)
	assert.Equal(t, "review the filing##review the filing", payload.Detail)

	// The recorder captured the whole conversation.
	var chain []store.Record
	require.Eventually(t, func() bool {
		var err error
		chain, err = orch.Store().ByCorrelation(context.Background(), form.CorrelationID())
		if err != nil {
			return false
		}
		return len(chain) >= 4
	}, 3*time.Second, 20*time.Millisecond, "store should hold the correlation chain")

	require.Equal(t, event.TypeFormSubmitted, chain[0].Type, "chains read oldest first")
	types := make([]string, 0, len(chain))
	for _, r := range chain {
		types = append(types, r.Type)
	}
	assert.Contains(t, types, event.TypeMatchRequest)
	assert.Contains(t, types, event.TypeTaskAssigned)

	// The audit trail condensed it.
	require.Eventually(t, func() bool {
		return len(orch.Audit().ByTask("task-f-1")) >= 1
	}, 3*time.Second, 20*time.Millisecond)

	stats := orch.Stats()
	assert.Equal(t, int64(1), stats.Matching.Resolved)
	assert.GreaterOrEqual(t, stats.Bridge.Relayed, int64(1))
	assert.GreaterOrEqual(t, stats.Bridge.Received, int64(1))
	assert.Greater(t, stats.Bus.Published, int64(0))
	assert.Greater(t, stats.Store.Total, 0)

	health := orch.Health()
	assert.Equal(t, taskflow.StatusHealthy, health.Overall)
	assert.Equal(t, taskflow.StatusHealthy, health.Components["transport"])
}

func TestEndToEndRecoveryEscalation(t *testing.T) {
	orch, eng := newSystem(t)
	eng.FailWith("no capacity")

	escalated := capture(t, orch, event.TypeTaskEscalated)

	form := event.New(event.TypeFormSubmitted, "intake", event.FormSubmission{FormID: "f-2"})
	require.NoError(t, orch.Publish(context.Background(), form))

	// Rejection, two recovery attempts, then escalation, all riding
	// the same correlation.
	evt := waitEvent(t, escalated, 10*time.Second)
	assert.Equal(t, form.CorrelationID(), evt.CorrelationID())

	payload, err := event.DecodePayload[event.Escalation](evt)
	require.NoError(t, err)
	assert.Equal(t, "task-f-2", payload.TaskID)
	assert.Equal(t, event.ReasonMaxRecoveryAttempts, payload.Reason)
	assert.Equal(t, 3, payload.Attempts)

	stats := orch.Stats()
	assert.Equal(t, int64(3), stats.Matching.Failed, "one assign and two recovery rejections")
	agentStats := stats.Agents["recovery-agent"]
	assert.Greater(t, agentStats.Handled, int64(0))
}

func TestHTTPSurface(t *testing.T) {
	orch, _ := newSystem(t, taskflow.WithHTTPAddr("127.0.0.1:0"))
	base := "http://" + orch.HTTPAddr()

	resp, err := http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Drive a whole flow through the API.
	body := `{"type":"form.submitted","source":"intake","data":{"formId":"f-9"}}`
	resp, err = http.Post(base+"/events", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		r, err := http.Get(base + "/events?type=task.assigned")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var out struct {
			Count int `json:"count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
			return false
		}
		return out.Count >= 1
	}, 5*time.Second, 50*time.Millisecond)

	resp, err = http.Get(base + "/healthz")
	require.NoError(t, err)
	var health struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "healthy", health.Status)

	resp, err = http.Get(base + "/stats")
	require.NoError(t, err)
	var stats struct {
		Bus struct {
			Published int64 `json:"published"`
		} `json:"bus"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Greater(t, stats.Bus.Published, int64(0))

	resp, err = http.Get(base + "/audit")
	require.NoError(t, err)
	var trail struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&trail))
	resp.Body.Close()
	assert.Greater(t, trail.Count, 0)
}

func TestStartStopIdempotent(t *testing.T) {
	orch, err := taskflow.New(taskflow.WithLogger(quietLogger()))
	require.NoError(t, err)

	require.NoError(t, orch.Start(context.Background()))
	require.NoError(t, orch.Start(context.Background()), "second Start is a no-op")
	assert.True(t, orch.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, orch.Stop(ctx))
	require.NoError(t, orch.Stop(ctx), "second Stop is a no-op")
	assert.False(t, orch.Ready())

	health := orch.Health()
	assert.Equal(t, taskflow.StatusUnhealthy, health.Overall)
	assert.Equal(t, taskflow.StatusUnhealthy, health.Components["store"], "owned store is closed on Stop")
}

func TestWithoutAgent(t *testing.T) {
	orch, err := taskflow.New(
		taskflow.WithLogger(quietLogger()),
		taskflow.WithoutAgent("monitor-agent"),
	)
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	defer orch.Stop(context.Background())

	agents := orch.Stats().Agents
	assert.NotContains(t, agents, "monitor-agent")
	assert.Contains(t, agents, "assign-agent")
	assert.Contains(t, agents, "reassign-agent")
	assert.Contains(t, agents, "recovery-agent")

	_, err = taskflow.New(taskflow.WithoutAgent("bogus-agent"))
	require.Error(t, err)
}

func TestStartRollsBackOnTransportFailure(t *testing.T) {
	mem := transport.NewMemory(transport.MemoryConfig{Logger: quietLogger()})
	require.NoError(t, mem.Close(context.Background()))

	orch, err := taskflow.New(
		taskflow.WithLogger(quietLogger()),
		taskflow.WithTransport(mem),
	)
	require.NoError(t, err)

	err = orch.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport")
	assert.False(t, orch.Ready())

	require.NoError(t, orch.Stop(context.Background()), "stop after failed start is a no-op")
}

func TestConfigDrivesComponents(t *testing.T) {
	cfg := config.New(map[string]any{
		"matching": map[string]any{"timeout": "250ms", "sweep_interval": "50ms"},
		"store":    map[string]any{"capacity": 5},
		"audit":    map[string]any{"capacity": 3},
	})

	orch, err := taskflow.New(taskflow.WithLogger(quietLogger()), taskflow.WithConfig(cfg))
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	defer orch.Stop(context.Background())

	// No engine is running, so the request times out on the matching
	// sweep using the configured 250ms deadline.
	failed := capture(t, orch, event.TypeAssignmentFailed)
	form := event.New(event.TypeFormSubmitted, "intake", event.FormSubmission{FormID: "f-5"})
	require.NoError(t, orch.Publish(context.Background(), form))

	evt := waitEvent(t, failed, 5*time.Second)
	payload, err := event.DecodePayload[event.Failure](evt)
	require.NoError(t, err)
	assert.Equal(t, event.ReasonTimeout, payload.Reason)

	// The store honors the configured capacity.
	require.Eventually(t, func() bool {
		n, err := orch.Store().Len(context.Background())
		return err == nil && n == 5
	}, 3*time.Second, 20*time.Millisecond)
}

func TestFromConfigBuildsSQLiteStore(t *testing.T) {
	dir := t.TempDir()
	cfg := config.New(map[string]any{
		"store": map[string]any{"sqlite_path": dir + "/events.db", "capacity": 100},
	})

	opts, err := taskflow.FromConfig(cfg)
	require.NoError(t, err)
	opts = append(opts, taskflow.WithLogger(quietLogger()))

	orch, err := taskflow.New(opts...)
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))

	form := event.New(event.TypeFormSubmitted, "intake", event.FormSubmission{FormID: "f-7"})
	require.NoError(t, orch.Publish(context.Background(), form))

	require.Eventually(t, func() bool {
		recs, err := orch.Store().ByType(context.Background(), event.TypeFormSubmitted, 1)
		return err == nil && len(recs) == 1
	}, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, orch.Stop(ctx))

	// Stop closed the store it opened; the file persists.
	st, err := store.NewSQLiteStore(dir+"/events.db", 100)
	require.NoError(t, err)
	defer st.Close()
	recs, err := st.ByType(context.Background(), event.TypeFormSubmitted, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
