package metrics

import (
	"sync"
	"time"
)

// Metrics 跟单运行统计（供 /api/status 展示）
type Metrics struct {
	SignalsReceived    int64         `json:"signals_received"`
	OrdersPlaced       int64         `json:"orders_placed"`
	OrdersRejected     int64         `json:"orders_rejected"`
	OrdersFailed       int64         `json:"orders_failed"`
	SizeTooSmall       int64         `json:"size_too_small"`
	OrderExecutionTime time.Duration `json:"order_execution_time"`
	OrderSuccessRate   float64       `json:"order_success_rate"`
	LastSignalAt       time.Time     `json:"last_signal_at"`
	LastUpdate         time.Time     `json:"last_update"`
}

// MetricsCollector 指标收集器
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics Metrics
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{metrics: Metrics{LastUpdate: time.Now()}}
}

// RecordSignal 记录收到的信号
func (mc *MetricsCollector) RecordSignal(at time.Time) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.SignalsReceived++
	mc.metrics.LastSignalAt = at
	mc.metrics.LastUpdate = time.Now()
}

// RecordOrderExecution 记录订单执行时间
func (mc *MetricsCollector) RecordOrderExecution(duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.OrderExecutionTime = duration
	mc.metrics.LastUpdate = time.Now()
}

// RecordOrderResult 记录订单结果
func (mc *MetricsCollector) RecordOrderResult(success, rejected bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	switch {
	case success:
		mc.metrics.OrdersPlaced++
	case rejected:
		mc.metrics.OrdersRejected++
	default:
		mc.metrics.OrdersFailed++
	}
	total := mc.metrics.OrdersPlaced + mc.metrics.OrdersRejected + mc.metrics.OrdersFailed
	mc.metrics.OrderSuccessRate = float64(mc.metrics.OrdersPlaced) / float64(total)
	mc.metrics.LastUpdate = time.Now()
}

// RecordSizeTooSmall 记录数量不足
func (mc *MetricsCollector) RecordSizeTooSmall() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.SizeTooSmall++
	mc.metrics.LastUpdate = time.Now()
}

// GetMetrics 获取指标快照
func (mc *MetricsCollector) GetMetrics() Metrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.metrics
}
