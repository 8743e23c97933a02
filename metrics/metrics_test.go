package metrics

import (
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsCollectorSuccessRate(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordSignal(time.Now())
	mc.RecordOrderResult(true, false)
	mc.RecordOrderResult(true, false)
	mc.RecordOrderResult(false, true)
	mc.RecordOrderResult(false, false)
	mc.RecordSizeTooSmall()

	m := mc.GetMetrics()
	assert.Equal(t, int64(1), m.SignalsReceived)
	assert.Equal(t, int64(2), m.OrdersPlaced)
	assert.Equal(t, int64(1), m.OrdersRejected)
	assert.Equal(t, int64(1), m.OrdersFailed)
	assert.Equal(t, int64(1), m.SizeTooSmall)
	assert.InDelta(t, 0.5, m.OrderSuccessRate, 1e-9)
}

func TestSetKeyStateReplacesPreviousLabel(t *testing.T) {
	pm := GetPrometheusMetrics()
	pm.SetKeyState("BTCUSDT#1", "Placing")
	pm.SetKeyState("BTCUSDT#1", "Open")

	assert.Equal(t, 1.0, testutil.ToFloat64(keyState.WithLabelValues("BTCUSDT#1", "Open")))
	// 旧标签已删除，重新获取会得到新的 0 值序列
	assert.Equal(t, 0.0, testutil.ToFloat64(keyState.WithLabelValues("BTCUSDT#1", "Placing")))
}

func TestRecordSignalCounter(t *testing.T) {
	pm := GetPrometheusMetrics()
	before := testutil.ToFloat64(signalTotal.WithLabelValues("position_opened", "live"))
	pm.RecordSignal("position_opened", "live")
	assert.Equal(t, before+1, testutil.ToFloat64(signalTotal.WithLabelValues("position_opened", "live")))
}

func TestRuntimeObserverCountsNewGCOnly(t *testing.T) {
	runtime.GC()
	o := NewRuntimeObserver()
	o.Observe()

	runtime.GC()
	runtime.GC()
	assert.GreaterOrEqual(t, o.Observe(), 2, "两次强制 GC 都应计入")
}
