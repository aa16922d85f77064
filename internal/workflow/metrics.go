package workflow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/hanko-field/orderflow/internal/workflow"

// Metrics records saga outcomes and step latency.
type Metrics struct {
	outcomes     metric.Int64Counter
	stepDuration metric.Float64Histogram
	stepRetries  metric.Int64Counter
}

// NewMetrics builds the instruments from meter, or from the global provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	var (
		m   Metrics
		err error
	)
	if m.outcomes, err = meter.Int64Counter("workflow.outcomes",
		metric.WithDescription("Terminal saga results by status and wait outcome"),
	); err != nil {
		return nil, fmt.Errorf("workflow metrics: outcomes counter: %w", err)
	}
	if m.stepDuration, err = meter.Float64Histogram("workflow.step.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for saga step executions including retries"),
	); err != nil {
		return nil, fmt.Errorf("workflow metrics: step histogram: %w", err)
	}
	if m.stepRetries, err = meter.Int64Counter("workflow.step.retries",
		metric.WithDescription("Count of retried saga step attempts"),
	); err != nil {
		return nil, fmt.Errorf("workflow metrics: retries counter: %w", err)
	}
	return &m, nil
}

// NopMetrics discards every measurement.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	return m
}

func (m *Metrics) recordOutcome(ctx context.Context, res Result) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", res.Status.String()),
		attribute.String("outcome", res.Outcome.String()),
	))
}

func (m *Metrics) recordStep(ctx context.Context, step StepKind, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.stepDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("step", step.String()),
		attribute.String("result", result),
	))
}

func (m *Metrics) recordRetry(ctx context.Context, step StepKind) {
	m.stepRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step.String())))
}
