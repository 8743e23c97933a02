package margin

import (
	"context"
	"math"
	"sync"
	"time"

	"copymirror/config"
	"copymirror/copytrade"
	"copymirror/logger"
	"copymirror/metrics"
)

// Submitter 合并后的保证金调整提交者（订单协调器）
type Submitter interface {
	SubmitMargin(ctx context.Context, key copytrade.PositionKey, side copytrade.Side, delta float64) error
}

// EquitySource 提供两侧账户权益
type EquitySource interface {
	FollowerEquity() float64
	DonorEquity() float64
}

// Params 镜像参数
type Params struct {
	MinUSDT  float64
	MaxPct   float64
	Debounce time.Duration
}

// ParamsFromConfig 从配置构造参数
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		MinUSDT:  cfg.Margin.MinUSDT,
		MaxPct:   cfg.Margin.MaxPct,
		Debounce: time.Duration(cfg.Margin.DebounceSec * float64(time.Second)),
	}
}

// Adjustment 某交易对待提交的调整
type Adjustment struct {
	Key      copytrade.PositionKey `json:"key"`
	Side     copytrade.Side        `json:"side"`
	Delta    float64               `json:"delta"`
	Deadline time.Time             `json:"deadline"`
	Changes  int                   `json:"changes"`
}

type pending struct {
	Adjustment
	timer *time.Timer
}

// Mirror 逐仓保证金镜像，每个交易对最多一个待提交调整
// 双向持仓下另一槽位的变化会先提交当前待提交调整，不同槽位的增量不会合并
type Mirror struct {
	submitter Submitter
	equity    EquitySource

	mu      sync.Mutex
	params  Params
	pending map[string]*pending
	ctx     context.Context
}

// NewMirror 创建保证金镜像
func NewMirror(ctx context.Context, submitter Submitter, equity EquitySource, params Params) *Mirror {
	return &Mirror{
		submitter: submitter,
		equity:    equity,
		params:    params,
		pending:   make(map[string]*pending),
		ctx:       ctx,
	}
}

// UpdateParams 热更新参数，只影响之后的变化
func (m *Mirror) UpdateParams(p Params) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = p
	logger.Info("🔄 [Margin] 参数已更新: min=%.2f maxPct=%.4f debounce=%s", p.MinUSDT, p.MaxPct, p.Debounce)
}

// Observe 处理一次 MarginChanged
// 返回 false 表示变化被忽略
func (m *Mirror) Observe(sig copytrade.MarginChanged) bool {
	pm := metrics.GetPrometheusMetrics()
	symbol := sig.Position.Symbol

	if sig.Position.MarginMode != copytrade.MarginIsolated {
		logger.Debug("ℹ️ [Margin] %s 非逐仓持仓，忽略保证金变化", symbol)
		return false
	}

	followerEq := m.equity.FollowerEquity()
	donorEq := m.equity.DonorEquity()
	if followerEq <= 0 || donorEq <= 0 {
		logger.Warn("⚠️ [Margin] %s 权益未知 (follower=%.2f donor=%.2f)，忽略保证金变化", symbol, followerEq, donorEq)
		pm.RecordMarginAdjust(symbol, "no_equity")
		return false
	}

	// 另一持仓槽位的待提交调整在解锁后立即提交
	var flushed *Adjustment
	defer func() {
		if flushed != nil {
			m.submit(m.ctx, *flushed)
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	params := m.params

	delta := sig.Delta * followerEq / donorEq
	if math.Abs(delta) < params.MinUSDT {
		logger.Debug("ℹ️ [Margin] %s 调整 %.4f 低于最小值 %.2f，忽略", symbol, delta, params.MinUSDT)
		pm.RecordMarginAdjust(symbol, "dropped")
		return false
	}

	p, ok := m.pending[symbol]
	if ok && (p.Key != sig.Key() || p.Side != sig.Position.Side) {
		if p.timer != nil {
			p.timer.Stop()
		}
		prev := p.Adjustment
		flushed = &prev
		delete(m.pending, symbol)
		ok = false
		logger.Info("🔄 [Margin] %s 持仓槽位切换 %s → %s，先提交原槽位调整 %.4f", symbol, prev.Key, sig.Key(), prev.Delta)
	}
	if !ok {
		p = &pending{Adjustment: Adjustment{Key: sig.Key(), Side: sig.Position.Side}}
		m.pending[symbol] = p
	} else if p.timer != nil {
		p.timer.Stop()
	}

	total := p.Delta + delta
	if limit := params.MaxPct * followerEq; params.MaxPct > 0 && math.Abs(total) > limit {
		logger.Warn("⚠️ [Margin] %s 累计调整 %.4f 超过上限 %.4f，已截断", symbol, total, limit)
		total = math.Copysign(limit, total)
		pm.RecordMarginAdjust(symbol, "clipped")
	}
	p.Delta = total
	p.Key = sig.Key()
	p.Side = sig.Position.Side
	p.Changes++
	p.Deadline = time.Now().Add(params.Debounce)

	// 已触发但未拿到锁的旧定时器由截止时间过滤
	current := p
	p.timer = time.AfterFunc(params.Debounce, func() { m.fire(symbol, current) })

	logger.Debug("ℹ️ [Margin] %s 待提交调整 %.4f (合并 %d 次)，%s 后提交", symbol, p.Delta, p.Changes, params.Debounce)
	return true
}

func (m *Mirror) fire(symbol string, p *pending) {
	m.mu.Lock()
	if m.pending[symbol] != p || time.Now().Before(p.Deadline) {
		m.mu.Unlock()
		return
	}
	delete(m.pending, symbol)
	adj := p.Adjustment
	m.mu.Unlock()

	m.submit(m.ctx, adj)
}

func (m *Mirror) submit(ctx context.Context, adj Adjustment) {
	pm := metrics.GetPrometheusMetrics()
	if err := m.submitter.SubmitMargin(ctx, adj.Key, adj.Side, adj.Delta); err != nil {
		logger.Error("❌ [Margin] %s 提交保证金调整 %.4f 失败: %v", adj.Key, adj.Delta, err)
		pm.RecordMarginAdjust(adj.Key.Symbol, "submit_failed")
		return
	}
	pm.RecordMarginAdjust(adj.Key.Symbol, "submitted")
	logger.Info("✅ [Margin] %s 提交保证金调整 %.4f (合并 %d 次)", adj.Key, adj.Delta, adj.Changes)
}

// Pending 查询某交易对的待提交调整
func (m *Mirror) Pending(symbol string) (Adjustment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[symbol]
	if !ok {
		return Adjustment{}, false
	}
	return p.Adjustment, true
}

// Flush 立即提交所有待提交调整（退出时使用）
func (m *Mirror) Flush(ctx context.Context) {
	m.mu.Lock()
	adjs := make([]Adjustment, 0, len(m.pending))
	for symbol, p := range m.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		adjs = append(adjs, p.Adjustment)
		delete(m.pending, symbol)
	}
	m.mu.Unlock()

	for _, adj := range adjs {
		m.submit(ctx, adj)
	}
}

// Discard 丢弃某交易对的待提交调整（持仓已平）
func (m *Mirror) Discard(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[symbol]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(m.pending, symbol)
	}
}
