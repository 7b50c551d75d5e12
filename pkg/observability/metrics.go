package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the runtime's instruments. All recording methods are safe
// on a nil receiver so call sites never need to branch on enablement.
type Metrics struct {
	executions   metric.Int64Counter
	turns        metric.Int64Counter
	turnDuration metric.Float64Histogram
	steps        metric.Int64Counter
	toolCalls    metric.Int64Counter
	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram
}

// NewMetrics registers the instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.executions, err = meter.Int64Counter("rlmrs_executions_total",
		metric.WithDescription("Executions reaching a terminal status, by status and mode")); err != nil {
		return nil, err
	}
	if m.turns, err = meter.Int64Counter("rlmrs_turns_total",
		metric.WithDescription("Completed orchestrator turns")); err != nil {
		return nil, err
	}
	if m.turnDuration, err = meter.Float64Histogram("rlmrs_turn_duration_seconds",
		metric.WithDescription("Wall-clock duration of one turn"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.steps, err = meter.Int64Counter("rlmrs_sandbox_steps_total",
		metric.WithDescription("Sandbox step dispatches, by outcome")); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter("rlmrs_tool_calls_total",
		metric.WithDescription("Resolved tool requests, by kind and cache outcome")); err != nil {
		return nil, err
	}
	if m.httpRequests, err = meter.Int64Counter("rlmrs_http_requests_total",
		metric.WithDescription("HTTP requests, by method, path, and status")); err != nil {
		return nil, err
	}
	if m.httpDuration, err = meter.Float64Histogram("rlmrs_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordExecution counts a terminal execution.
func (m *Metrics) RecordExecution(ctx context.Context, status, mode string) {
	if m == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("mode", mode),
	))
}

// RecordTurn counts a completed turn and its duration.
func (m *Metrics) RecordTurn(ctx context.Context, mode string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	m.turns.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordStep counts a sandbox dispatch. outcome is "ok", the fault code of
// the step error, or "final".
func (m *Metrics) RecordStep(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordToolCalls counts one turn's resolved requests.
func (m *Metrics) RecordToolCalls(ctx context.Context, kind string, calls, cacheHits int) {
	if m == nil {
		return
	}
	if calls > 0 {
		m.toolCalls.Add(ctx, int64(calls), metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("cached", false),
		))
	}
	if cacheHits > 0 {
		m.toolCalls.Add(ctx, int64(cacheHits), metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("cached", true),
		))
	}
}

// RecordHTTPRequest counts one served request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, d.Seconds(), attrs)
}
