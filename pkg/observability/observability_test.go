package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlmrs/rlmrs/pkg/config"
)

func TestDisabledManagerIsNoop(t *testing.T) {
	m := NewManager(config.ObservabilityConfig{Enabled: false})
	require.NoError(t, m.Initialize(context.Background()))

	assert.Nil(t, m.Metrics())
	assert.NotNil(t, m.Tracer("test"))
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordExecution(ctx, "COMPLETED", "ANSWERER")
	m.RecordTurn(ctx, "ANSWERER", time.Second)
	m.RecordStep(ctx, "ok")
	m.RecordToolCalls(ctx, "llm", 2, 1)
	m.RecordHTTPRequest(ctx, "GET", "/healthz", 200, time.Millisecond)
}

func TestMiddlewareCapturesStatus(t *testing.T) {
	handler := HTTPMiddleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/executions", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestDebugTracesInitialize(t *testing.T) {
	m := NewManager(config.ObservabilityConfig{
		Enabled:        true,
		ServiceName:    "rlmrs-test",
		DebugTraces:    true,
		MetricsEnabled: config.BoolPtr(true),
	})
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	require.NotNil(t, m.Metrics())
	m.Metrics().RecordExecution(context.Background(), "COMPLETED", "ANSWERER")

	tracer := m.Tracer("test")
	_, span := tracer.Start(context.Background(), "unit")
	span.End()
}
