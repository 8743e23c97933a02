package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// 信号指标
	signalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymirror_signal_total",
			Help: "Total number of copy signals emitted",
		},
		[]string{"kind", "source"},
	)

	// 订单指标
	orderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymirror_order_total",
			Help: "Total number of follower orders by final state",
		},
		[]string{"symbol", "side", "state"},
	)

	orderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copymirror_order_duration_seconds",
			Help:    "Time from signal receipt to order acknowledgement",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"symbol", "side"},
	)

	sizeTooSmallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymirror_size_too_small_total",
			Help: "Signals skipped because the sized quantity was below the exchange minimum",
		},
		[]string{"symbol"},
	)

	// 状态机指标
	keyState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copymirror_key_state",
			Help: "Current state of each position key (1 = in state)",
		},
		[]string{"key", "state"},
	)

	keyAttention = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copymirror_key_attention",
			Help: "Position keys needing operator attention (divergent, paused or failed)",
		},
		[]string{"key", "reason"},
	)

	// 交易所调用指标
	apiCallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymirror_api_call_total",
			Help: "Total number of exchange API calls",
		},
		[]string{"account", "op", "status"},
	)

	apiCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copymirror_api_call_duration_seconds",
			Help:    "Exchange API call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"account", "op"},
	)

	apiRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymirror_api_retry_total",
			Help: "Total number of retried exchange calls",
		},
		[]string{"op"},
	)

	apiRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymirror_api_rate_limit_hit_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"account"},
	)

	// 镜像指标
	marginAdjustTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymirror_margin_adjust_total",
			Help: "Isolated margin mirroring outcomes",
		},
		[]string{"symbol", "result"},
	)

	trailingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymirror_trailing_stop_total",
			Help: "Trailing stop mirroring outcomes",
		},
		[]string{"symbol", "action"},
	)

	// 对账指标
	reconciliationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymirror_reconciliation_total",
			Help: "Total number of reconciliation cycles",
		},
		[]string{"result"},
	)

	reconciliationDiff = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymirror_reconciliation_diff_found_total",
			Help: "Total number of reconciliation differences found",
		},
		[]string{"symbol", "type"},
	)

	// 私有频道指标
	streamConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copymirror_stream_connected",
			Help: "Private stream connection status (0=disconnected, 1=connected)",
		},
		[]string{"account"},
	)

	streamReconnect = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymirror_stream_reconnect_total",
			Help: "Total number of private stream reconnections",
		},
		[]string{"account"},
	)

	// 账户指标
	equity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copymirror_equity",
			Help: "Account equity in settle coin",
		},
		[]string{"account"},
	)

	drawdownPct = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymirror_follower_drawdown_pct",
			Help: "Follower drawdown from equity peak (0-1)",
		},
	)

	mirroringEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymirror_mirroring_enabled",
			Help: "Mirroring switch (0=stopped, 1=running)",
		},
	)

	// 分布式锁指标
	lockConflict = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymirror_lock_conflict_total",
			Help: "Total number of lock conflicts",
		},
		[]string{"key"},
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymirror_goroutine_count",
			Help: "Current number of goroutines",
		},
	)

	gcPauseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "copymirror_gc_pause_duration_seconds",
			Help:    "GC pause duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15),
		},
	)

	memoryAlloc = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymirror_memory_alloc_bytes",
			Help: "Heap bytes allocated and still in use",
		},
	)

	processCPU = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymirror_process_cpu_percent",
			Help: "Process CPU usage percent",
		},
	)

	processRSS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymirror_process_rss_bytes",
			Help: "Process resident set size in bytes",
		},
	)

	processMemPct = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymirror_process_memory_percent",
			Help: "Process memory usage percent of host",
		},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	mu        sync.Mutex
	keyStates map[string]string
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{keyStates: make(map[string]string)}
}

// RecordSignal 记录信号
func (pm *PrometheusMetrics) RecordSignal(kind, source string) {
	signalTotal.WithLabelValues(kind, source).Inc()
}

// RecordOrder 记录订单终态
func (pm *PrometheusMetrics) RecordOrder(symbol, side, state string, duration time.Duration) {
	orderTotal.WithLabelValues(symbol, side, state).Inc()
	if duration > 0 {
		orderDuration.WithLabelValues(symbol, side).Observe(duration.Seconds())
	}
}

// RecordSizeTooSmall 记录数量不足跳过
func (pm *PrometheusMetrics) RecordSizeTooSmall(symbol string) {
	sizeTooSmallTotal.WithLabelValues(symbol).Inc()
}

// SetKeyState 更新持仓键状态，旧状态标签会被移除
func (pm *PrometheusMetrics) SetKeyState(key, state string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if prev, ok := pm.keyStates[key]; ok && prev != state {
		keyState.DeleteLabelValues(key, prev)
	}
	pm.keyStates[key] = state
	keyState.WithLabelValues(key, state).Set(1)
}

// SetKeyAttention 标记持仓键需要人工处理
func (pm *PrometheusMetrics) SetKeyAttention(key, reason string, active bool) {
	if active {
		keyAttention.WithLabelValues(key, reason).Set(1)
		return
	}
	keyAttention.DeleteLabelValues(key, reason)
}

// RecordAPICall 记录交易所调用
func (pm *PrometheusMetrics) RecordAPICall(account, op, status string, duration time.Duration) {
	apiCallTotal.WithLabelValues(account, op, status).Inc()
	apiCallDuration.WithLabelValues(account, op).Observe(duration.Seconds())
}

// RecordAPIRetry 记录重试
func (pm *PrometheusMetrics) RecordAPIRetry(op string) {
	apiRetryTotal.WithLabelValues(op).Inc()
}

// RecordAPIRateLimitHit 记录限频
func (pm *PrometheusMetrics) RecordAPIRateLimitHit(account string) {
	apiRateLimitHits.WithLabelValues(account).Inc()
}

// RecordMarginAdjust 记录保证金镜像结果（submitted / dropped / coalesced / failed）
func (pm *PrometheusMetrics) RecordMarginAdjust(symbol, result string) {
	marginAdjustTotal.WithLabelValues(symbol, result).Inc()
}

// RecordTrailing 记录追踪止损镜像（attach / reset / skip / pending / failed）
func (pm *PrometheusMetrics) RecordTrailing(symbol, action string) {
	trailingTotal.WithLabelValues(symbol, action).Inc()
}

// RecordReconciliation 记录对账周期
func (pm *PrometheusMetrics) RecordReconciliation(success bool) {
	reconciliationCount.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordReconciliationDiff 记录对账差异
func (pm *PrometheusMetrics) RecordReconciliationDiff(symbol, diffType string) {
	reconciliationDiff.WithLabelValues(symbol, diffType).Inc()
}

// SetStreamStatus 设置私有频道状态
func (pm *PrometheusMetrics) SetStreamStatus(account string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	streamConnected.WithLabelValues(account).Set(v)
}

// RecordStreamReconnect 记录重连
func (pm *PrometheusMetrics) RecordStreamReconnect(account string) {
	streamReconnect.WithLabelValues(account).Inc()
}

// SetEquity 设置账户权益
func (pm *PrometheusMetrics) SetEquity(account string, value float64) {
	equity.WithLabelValues(account).Set(value)
}

// SetDrawdown 设置跟单账户回撤
func (pm *PrometheusMetrics) SetDrawdown(pct float64) {
	drawdownPct.Set(pct)
}

// SetMirroring 设置跟单开关
func (pm *PrometheusMetrics) SetMirroring(enabled bool) {
	if enabled {
		mirroringEnabled.Set(1)
		return
	}
	mirroringEnabled.Set(0)
}

// RecordLockConflict 记录锁冲突
func (pm *PrometheusMetrics) RecordLockConflict(key string) {
	lockConflict.WithLabelValues(key).Inc()
}

// SetGoroutineCount 设置 Goroutine 数量
func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// RecordGCPause 记录 GC 停顿
func (pm *PrometheusMetrics) RecordGCPause(duration time.Duration) {
	gcPauseDuration.Observe(duration.Seconds())
}

// SetMemoryAlloc 设置堆内存
func (pm *PrometheusMetrics) SetMemoryAlloc(bytes uint64) {
	memoryAlloc.Set(float64(bytes))
}

// SetProcessStats 设置进程资源占用
func (pm *PrometheusMetrics) SetProcessStats(cpuPercent float64, rssBytes uint64, memPercent float64) {
	processCPU.Set(cpuPercent)
	processRSS.Set(float64(rssBytes))
	processMemPct.Set(memPercent)
}

// 全局实例
var globalPrometheusMetrics *PrometheusMetrics

// GetPrometheusMetrics 获取全局 Prometheus 指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}
