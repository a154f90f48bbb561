package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type settlementMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	throttles   *prometheus.CounterVec
	openOrders  prometheus.Gauge
	outstanding prometheus.Gauge
	deposits    prometheus.Gauge
	pendingMask prometheus.Gauge
	retries     *prometheus.CounterVec
}

var (
	settlementMetricsOnce sync.Once
	settlementRegistry    *settlementMetrics
)

// Settlement returns the lazily-initialised registry recording engine
// operations and book state.
func Settlement() *settlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &settlementMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Engine operations segmented by operation and outcome class.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "settle",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limits or quotas.",
			}, []string{"module", "reason"}),
			openOrders: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settle",
				Subsystem: "redemption",
				Name:      "open_orders",
				Help:      "Occupied redemption order slots.",
			}),
			outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settle",
				Subsystem: "redemption",
				Name:      "outstanding_base_units",
				Help:      "Stablecoin still awaiting redemption across all orders.",
			}),
			deposits: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settle",
				Subsystem: "stability",
				Name:      "deposits_base_units",
				Help:      "Stablecoin deposited in the stability pool.",
			}),
			pendingMask: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settle",
				Subsystem: "stability",
				Name:      "pending_assets",
				Help:      "Number of collateral assets with uncleared liquidation gains.",
			}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "keeper",
				Name:      "retries_total",
				Help:      "Keeper retries segmented by operation.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			settlementRegistry.operations,
			settlementRegistry.latency,
			settlementRegistry.throttles,
			settlementRegistry.openOrders,
			settlementRegistry.outstanding,
			settlementRegistry.deposits,
			settlementRegistry.pendingMask,
			settlementRegistry.retries,
		)
	})
	return settlementRegistry
}

// Observe records one engine operation. Outcome should be "ok" or an error class.
func (m *settlementMetrics) Observe(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	operation = labelOr(operation, "unknown")
	m.operations.WithLabelValues(operation, labelOr(outcome, "ok")).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "quota_exceeded".
func (m *settlementMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(module, "unknown"), labelOr(reason, "unspecified")).Inc()
}

// RecordRetry counts one keeper retry.
func (m *settlementMetrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(labelOr(operation, "unknown")).Inc()
}

// SetBook publishes the order book gauges.
func (m *settlementMetrics) SetBook(openOrders int, outstanding float64) {
	if m == nil {
		return
	}
	m.openOrders.Set(float64(openOrders))
	m.outstanding.Set(outstanding)
}

// SetPool publishes the stability pool gauges.
func (m *settlementMetrics) SetPool(deposits float64, pendingAssets int) {
	if m == nil {
		return
	}
	m.deposits.Set(deposits)
	m.pendingMask.Set(float64(pendingAssets))
}

func labelOr(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}
