package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	operationsOnce sync.Once
	operations     *OperationMetrics
)

// OperationMetrics exports settlement operation outcomes over OTLP next to the
// prometheus collectors.
type OperationMetrics struct {
	count   metric.Int64Counter
	latency metric.Float64Histogram
}

// Operations returns the instruments bound to the global meter provider. They
// follow a provider installed later by Init.
func Operations() *OperationMetrics {
	operationsOnce.Do(func() {
		operations = NewOperationMetrics(otel.GetMeterProvider().Meter(TracerName))
	})
	return operations
}

// NewOperationMetrics creates the instruments on meter, falling back to no-op
// instruments when the meter rejects them.
func NewOperationMetrics(meter metric.Meter) *OperationMetrics {
	fallback := noop.NewMeterProvider().Meter(TracerName)
	count, err := meter.Int64Counter("settlecore.cdp.operations",
		metric.WithDescription("Settlement operations by outcome class."))
	if err != nil {
		count, _ = fallback.Int64Counter("settlecore.cdp.operations")
	}
	latency, err := meter.Float64Histogram("settlecore.cdp.operation.duration",
		metric.WithDescription("Settlement operation latency."),
		metric.WithUnit("ms"))
	if err != nil {
		latency, _ = fallback.Float64Histogram("settlecore.cdp.operation.duration")
	}
	return &OperationMetrics{count: count, latency: latency}
}

func (m *OperationMetrics) Record(ctx context.Context, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)
	m.count.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}
