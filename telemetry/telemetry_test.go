package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ExposedThroughHandler(t *testing.T) {
	ctx := context.Background()
	p, err := NewProvider(ctx, "threadmesh-test")
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(ctx) }()

	m, err := NewMetrics(p.MeterProvider)
	require.NoError(t, err)

	m.RecordExecution(ctx, "support", "completed", 150*time.Millisecond)
	m.RecordStep(ctx, "support", "completed")
	m.RecordAction(ctx, "lookup", false)
	m.RecordReactor(ctx, "openai", "gpt-4o", 20*time.Millisecond, 42)
	m.RecordEvent(ctx, "thread.finished")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, "threadmesh_executions_total")
	assert.Contains(t, out, `status="completed"`)
	assert.Contains(t, out, "threadmesh_action_calls_total")
	assert.Contains(t, out, `status="error"`)
	assert.Contains(t, out, "threadmesh_llm_tokens_total")
	assert.Contains(t, out, "threadmesh_stream_events_total")
}

func TestMetrics_NilIsNoOp(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordExecution(ctx, "x", "failed", time.Second)
		m.RecordStep(ctx, "x", "failed")
		m.RecordAction(ctx, "a", true)
		m.RecordReactor(ctx, "p", "m", time.Millisecond, 1)
		m.RecordEvent(ctx, "e")
	})
}

func TestNewMetrics_NoopProvider(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { m.RecordEvent(context.Background(), "e") })
}
