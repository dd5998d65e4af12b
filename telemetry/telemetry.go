// Package telemetry exposes engine metrics through OpenTelemetry with a
// Prometheus exporter.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/hupe1980/threadmesh"

// Common attribute keys.
var (
	AttrThread   = attribute.Key("thread")
	AttrStatus   = attribute.Key("status")
	AttrAction   = attribute.Key("action")
	AttrProvider = attribute.Key("provider")
	AttrModel    = attribute.Key("model")
	AttrEvent    = attribute.Key("event")
)

// Provider bundles a meter provider with the Prometheus registry it exports to.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Registry      *prometheus.Registry
}

// NewProvider builds an SDK meter provider backed by a fresh Prometheus
// registry.
func NewProvider(ctx context.Context, serviceName string) (*Provider, error) {
	if serviceName == "" {
		serviceName = "threadmesh"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	return &Provider{MeterProvider: mp, Registry: reg}, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.MeterProvider.Shutdown(ctx)
}

// Metrics holds the engine instruments. A nil *Metrics records nothing.
type Metrics struct {
	executions        metric.Int64Counter
	executionDuration metric.Float64Histogram
	steps             metric.Int64Counter
	actionCalls       metric.Int64Counter
	reactorLatency    metric.Float64Histogram
	tokens            metric.Int64Counter
	streamEvents      metric.Int64Counter
}

// NewMetrics creates the instruments on mp. A nil mp uses a no-op provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	m := mp.Meter(meterName)
	out := &Metrics{}
	var err error
	if out.executions, err = m.Int64Counter("threadmesh_executions_total", metric.WithDescription("Finished executions by status")); err != nil {
		return nil, err
	}
	if out.executionDuration, err = m.Float64Histogram("threadmesh_execution_duration_seconds", metric.WithDescription("Execution wall time in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if out.steps, err = m.Int64Counter("threadmesh_steps_total", metric.WithDescription("Finished loop iterations by status")); err != nil {
		return nil, err
	}
	if out.actionCalls, err = m.Int64Counter("threadmesh_action_calls_total", metric.WithDescription("Action executions by action and status")); err != nil {
		return nil, err
	}
	if out.reactorLatency, err = m.Float64Histogram("threadmesh_reactor_latency_seconds", metric.WithDescription("Reactor call latency in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if out.tokens, err = m.Int64Counter("threadmesh_llm_tokens_total", metric.WithDescription("Tokens reported by reactors")); err != nil {
		return nil, err
	}
	if out.streamEvents, err = m.Int64Counter("threadmesh_stream_events_total", metric.WithDescription("Stream events written to sinks")); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordExecution records a finished execution.
func (m *Metrics) RecordExecution(ctx context.Context, thread, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrThread.String(thread), AttrStatus.String(status))
	m.executions.Add(ctx, 1, attrs)
	m.executionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordStep records a finished step.
func (m *Metrics) RecordStep(ctx context.Context, thread, status string) {
	if m == nil {
		return
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(AttrThread.String(thread), AttrStatus.String(status)))
}

// RecordAction records one action result.
func (m *Metrics) RecordAction(ctx context.Context, action string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.actionCalls.Add(ctx, 1, metric.WithAttributes(AttrAction.String(action), AttrStatus.String(status)))
}

// RecordReactor records one reactor call with its token usage.
func (m *Metrics) RecordReactor(ctx context.Context, provider, model string, latency time.Duration, totalTokens int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrProvider.String(provider), AttrModel.String(model))
	m.reactorLatency.Record(ctx, latency.Seconds(), attrs)
	if totalTokens > 0 {
		m.tokens.Add(ctx, int64(totalTokens), attrs)
	}
}

// RecordEvent counts one stream event.
func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.streamEvents.Add(ctx, 1, metric.WithAttributes(AttrEvent.String(eventType)))
}
