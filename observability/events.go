package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"settlecore/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking settlement events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of settlement events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// Emit implements events.Emitter so the registry can sit in an emitter fanout.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.Record(evt.EventType())
}

// Record increments the counter for the supplied event type.
func (m *eventMetrics) Record(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}
