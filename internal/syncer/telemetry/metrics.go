// Package telemetry wires OpenTelemetry metrics to a Prometheus endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/agentregistry-dev/dirsync/internal/syncer/broadcast"
	"github.com/agentregistry-dev/dirsync/internal/syncer/circuitbreaker"
	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
)

const (
	// Namespace prefixes every instrument name.
	Namespace = "dirsync"
	meterName = "github.com/agentregistry-dev/dirsync"
)

// ShutdownFunc flushes and stops the meter provider.
type ShutdownFunc func(ctx context.Context) error

// Metrics holds every instrument the service records.
type Metrics struct {
	Requests        metric.Int64Counter
	ErrorCount      metric.Int64Counter
	RequestDuration metric.Float64Histogram

	BreakerTransitions metric.Int64Counter
	BreakerState       metric.Int64Gauge
	JobItems           metric.Int64Counter
	JobsFinished       metric.Int64Counter
	Events             metric.Int64Counter
	TokenRefreshes     metric.Int64Counter

	registry *prometheus.Registry
}

// InitMetrics installs a meter provider exporting to a private Prometheus registry.
func InitMetrics(version string) (ShutdownFunc, *Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", Namespace),
		attribute.String("service.version", version),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	if err := runtime.Start(runtime.WithMeterProvider(provider)); err != nil {
		return nil, nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	metrics, err := newMetrics(provider.Meter(meterName))
	if err != nil {
		return nil, nil, err
	}
	metrics.registry = registry

	return provider.Shutdown, metrics, nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.Requests, err = meter.Int64Counter(Namespace+"_http_requests_total",
		metric.WithDescription("Total number of HTTP requests")); err != nil {
		return nil, err
	}
	if m.ErrorCount, err = meter.Int64Counter(Namespace+"_http_errors_total",
		metric.WithDescription("Total number of HTTP responses with status >= 400")); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram(Namespace+"_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.BreakerTransitions, err = meter.Int64Counter(Namespace+"_circuit_transitions_total",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, err
	}
	if m.BreakerState, err = meter.Int64Gauge(Namespace+"_circuit_state",
		metric.WithDescription("Circuit state: 0 closed, 1 half-open, 2 open")); err != nil {
		return nil, err
	}
	if m.JobItems, err = meter.Int64Counter(Namespace+"_job_items_total",
		metric.WithDescription("Records settled by bulk jobs")); err != nil {
		return nil, err
	}
	if m.JobsFinished, err = meter.Int64Counter(Namespace+"_jobs_finished_total",
		metric.WithDescription("Bulk jobs that reached a terminal status")); err != nil {
		return nil, err
	}
	if m.Events, err = meter.Int64Counter(Namespace+"_events_total",
		metric.WithDescription("Progress events offered to observers")); err != nil {
		return nil, err
	}
	if m.TokenRefreshes, err = meter.Int64Counter(Namespace+"_token_refreshes_total",
		metric.WithDescription("Token exchange attempts")); err != nil {
		return nil, err
	}
	return m, nil
}

// PrometheusHandler serves the exporter's registry.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func stateValue(s circuitbreaker.State) int64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 2
	case circuitbreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// BreakerListener records circuit transitions.
func (m *Metrics) BreakerListener() circuitbreaker.StateChangeListener {
	return circuitbreaker.ListenerFunc(func(name string, from, to circuitbreaker.State) {
		ctx := context.Background()
		m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("circuit", name),
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
		m.BreakerState.Record(ctx, stateValue(to), metric.WithAttributes(attribute.String("circuit", name)))
	})
}

// EventObserver records broadcast delivery.
func (m *Metrics) EventObserver() broadcast.Observer {
	return func(transport string, eventType broadcast.EventType, delivered bool) {
		m.Events.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("type", string(eventType)),
			attribute.Bool("delivered", delivered),
		))
	}
}

// RecordChunk counts the items of one settled chunk.
func (m *Metrics) RecordChunk(ctx context.Context, family jobs.Family, res jobs.ChunkResult) {
	for outcome, n := range map[string]int{"succeeded": res.Succeeded, "error": res.Errors, "skipped": res.Skipped} {
		if n > 0 {
			m.JobItems.Add(ctx, int64(n), metric.WithAttributes(
				attribute.String("family", string(family)),
				attribute.String("outcome", outcome),
			))
		}
	}
}

// RecordJobFinished counts a job reaching a terminal status.
func (m *Metrics) RecordJobFinished(ctx context.Context, family jobs.Family, status jobs.Status) {
	m.JobsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("family", string(family)),
		attribute.String("status", string(status)),
	))
}

// RecordTokenRefresh counts a token exchange attempt.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.TokenRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
