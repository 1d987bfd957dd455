package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/agent/loop"
	"github.com/BaSui01/agentloop/llm/failover"
)

var (
	_ loop.EventSink           = (*Collector)(nil)
	_ failover.AttemptObserver = (*Collector)(nil)
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector("test", prometheus.NewRegistry(), zap.NewNop())
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestCollector_RunEvents(t *testing.T) {
	c := newTestCollector(t)
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, loop.Event{Type: loop.EventProcessingStarted}))
	require.NoError(t, c.Publish(ctx, loop.Event{Type: loop.EventStepConsumed}))
	require.NoError(t, c.Publish(ctx, loop.Event{Type: loop.EventStepConsumed}))
	require.NoError(t, c.Publish(ctx, loop.Event{
		Type: loop.EventProcessingFinished, Outcome: loop.OutcomeSleeping, Duration: 2 * time.Second,
	}))
	require.NoError(t, c.Publish(ctx, loop.Event{Type: loop.EventProcessingFinished}))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.stepsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("sleeping")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("unknown")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.runDuration))
}

func TestCollector_ToolAndCoordinationEvents(t *testing.T) {
	c := newTestCollector(t)
	ctx := context.Background()

	events := []loop.Event{
		{Type: loop.EventToolExecuted, Tool: "echo", Status: "ok", Duration: time.Millisecond},
		{Type: loop.EventToolExecuted, Tool: "echo", Status: "error"},
		{Type: loop.EventToolExecuted, Tool: "send", Status: "rate_limited"},
		{Type: loop.EventLockContended},
		{Type: loop.EventBurnPaused},
		{Type: loop.EventBudgetExhausted},
	}
	for _, e := range events {
		require.NoError(t, c.Publish(ctx, e))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolCallsTotal.WithLabelValues("echo", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolCallsTotal.WithLabelValues("echo", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolCallsTotal.WithLabelValues("send", "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lockContentions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("deferred")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.burnPauses))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.budgetExhausted))
}

func TestCollector_ObserveAttempt(t *testing.T) {
	c := newTestCollector(t)

	c.ObserveAttempt("openai", "gpt-4o", true, 300*time.Millisecond)
	c.ObserveAttempt("openai", "gpt-4o", false, time.Second)
	c.ObserveAttempt("backup", "m2", true, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.llmAttemptsTotal.WithLabelValues("openai", "gpt-4o", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.llmAttemptsTotal.WithLabelValues("openai", "gpt-4o", "error")))
	assert.Equal(t, 3, testutil.CollectAndCount(c.llmAttemptsTotal))
}

func TestCollector_ObserveTask(t *testing.T) {
	c := newTestCollector(t)

	c.ObserveTask("process", true, 50*time.Millisecond)
	c.ObserveTask("process", false, 0)
	c.ObserveTask("drain", true, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueTasksTotal.WithLabelValues("process", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueTasksTotal.WithLabelValues("process", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.queueTaskLatency))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("agentloop", nil, nil)
	c.ObserveAttempt("openai", "gpt-4o", true, time.Second)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `agentloop_llm_attempts_total{model="gpt-4o",provider="openai",result="ok"} 1`), text)
	assert.Contains(t, text, "go_goroutines")
}
