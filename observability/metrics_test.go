package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"settlecore/core/events"
)

func TestSettlementMetrics(t *testing.T) {
	m := Settlement()
	require.Same(t, m, Settlement())

	before := testutil.ToFloat64(m.operations.WithLabelValues("clear", "timing"))
	m.Observe("clear", "timing", 10*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(m.operations.WithLabelValues("clear", "timing")))

	m.Observe("", "", time.Millisecond)
	require.GreaterOrEqual(t, testutil.ToFloat64(m.operations.WithLabelValues("unknown", "ok")), 1.0)

	m.SetBook(3, 4500)
	require.Equal(t, 3.0, testutil.ToFloat64(m.openOrders))
	require.Equal(t, 4500.0, testutil.ToFloat64(m.outstanding))
	m.SetPool(100, 2)
	require.Equal(t, 2.0, testutil.ToFloat64(m.pendingMask))

	m.RecordThrottle("cdp.redemption", "quota_exceeded")
	require.GreaterOrEqual(t, testutil.ToFloat64(m.throttles.WithLabelValues("cdp.redemption", "quota_exceeded")), 1.0)

	var nilMetrics *settlementMetrics
	nilMetrics.Observe("x", "ok", 0)
	nilMetrics.RecordRetry("x")
}

func TestEventMetricsEmitter(t *testing.T) {
	m := Events()
	var _ events.Emitter = m
	before := testutil.ToFloat64(m.emitted.WithLabelValues(events.TypeOrderCleared))
	m.Emit(events.OrderCleared{OrderID: 1})
	require.Equal(t, before+1, testutil.ToFloat64(m.emitted.WithLabelValues(events.TypeOrderCleared)))
	m.Emit(nil)
}
