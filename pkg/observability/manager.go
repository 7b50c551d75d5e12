// Package observability wires the process-level tracing and metrics stack:
// an OTLP (or stdout) trace exporter and a prometheus meter provider, with
// nil-safe recording so disabled observability costs nothing at call sites.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rlmrs/rlmrs/pkg/config"
)

// Manager owns the tracer and meter providers for one process.
type Manager struct {
	cfg config.ObservabilityConfig

	mu             sync.Mutex
	tracerProvider trace.TracerProvider
	metrics        *Metrics
	shutdowns      []func(context.Context) error
	initialized    bool
}

// NewManager creates an uninitialized manager.
func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{cfg: cfg, tracerProvider: noop.NewTracerProvider()}
}

// Initialize builds the exporters. A disabled config leaves the noop
// providers in place; Initialize is then a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized || !m.cfg.Enabled {
		m.initialized = true
		return nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(m.cfg.ServiceName),
	))
	if err != nil {
		return fmt.Errorf("failed to build otel resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if m.cfg.DebugTraces {
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stdout), stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(m.cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	}
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	m.tracerProvider = tp
	m.shutdowns = append(m.shutdowns, tp.Shutdown)
	otel.SetTracerProvider(tp)

	if m.cfg.MetricsEnabled == nil || *m.cfg.MetricsEnabled {
		promExporter, err := otelprom.New()
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(promExporter),
			sdkmetric.WithResource(res),
		)
		m.shutdowns = append(m.shutdowns, mp.Shutdown)
		otel.SetMeterProvider(mp)

		m.metrics, err = NewMetrics(mp.Meter(m.cfg.ServiceName))
		if err != nil {
			return fmt.Errorf("failed to build metrics: %w", err)
		}
	}

	m.initialized = true
	return nil
}

// Tracer returns a named tracer from the active provider.
func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracerProvider.Tracer(name)
}

// Metrics returns the process metrics, or nil when metrics are disabled.
// Every recording method is nil-safe.
func (m *Manager) Metrics() *Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// MetricsHandler serves the prometheus scrape endpoint.
func (m *Manager) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the exporters.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, stop := range m.shutdowns {
		if err := stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.shutdowns = nil
	return firstErr
}
