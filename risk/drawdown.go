package risk

import (
	"sync"
	"time"

	"copymirror/logger"
)

// DrawdownStatus 回撤保护状态
type DrawdownStatus struct {
	Peak        float64   `json:"peak"`
	Equity      float64   `json:"equity"`
	Drawdown    float64   `json:"drawdown"` // 0-1
	Tripped     bool      `json:"tripped"`
	MaxPct      float64   `json:"max_pct"`
	RecoverPct  float64   `json:"recover_pct"`
	TrippedAt   time.Time `json:"tripped_at,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// DrawdownGuard 跟踪跟单账户权益峰值，回撤超过阈值时阻止开仓与加仓
// 回撤回落到 recoverPct 以下才解除
type DrawdownGuard struct {
	mu     sync.Mutex
	status DrawdownStatus

	// onChange 在触发或解除时回调，tripped 为新状态
	onChange func(tripped bool, status DrawdownStatus)
}

// NewDrawdownGuard 创建回撤保护，maxPct 为 0 时不生效
func NewDrawdownGuard(maxPct, recoverPct float64) *DrawdownGuard {
	return &DrawdownGuard{status: DrawdownStatus{MaxPct: maxPct, RecoverPct: recoverPct}}
}

// OnChange 设置状态变化回调
func (g *DrawdownGuard) OnChange(fn func(tripped bool, status DrawdownStatus)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = fn
}

// SetLimits 热更新阈值
func (g *DrawdownGuard) SetLimits(maxPct, recoverPct float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status.MaxPct = maxPct
	g.status.RecoverPct = recoverPct
	if maxPct <= 0 {
		g.status.Tripped = false
	}
}

// Update 输入最新权益，返回当前回撤
func (g *DrawdownGuard) Update(equity float64) float64 {
	if equity <= 0 {
		return 0
	}

	g.mu.Lock()
	s := &g.status
	if equity > s.Peak {
		s.Peak = equity
	}
	s.Equity = equity
	s.Drawdown = (s.Peak - equity) / s.Peak
	s.LastUpdated = time.Now()

	changed := false
	if s.MaxPct > 0 {
		switch {
		case !s.Tripped && s.Drawdown >= s.MaxPct:
			s.Tripped, s.TrippedAt, changed = true, s.LastUpdated, true
			logger.Warn("🛑 [Drawdown] 回撤 %.2f%% 超过阈值 %.2f%%，暂停开仓与加仓",
				s.Drawdown*100, s.MaxPct*100)
		case s.Tripped && s.Drawdown <= s.RecoverPct:
			s.Tripped, changed = false, true
			logger.Info("✅ [Drawdown] 回撤恢复至 %.2f%%，恢复开仓", s.Drawdown*100)
		}
	}
	snapshot := *s
	cb := g.onChange
	g.mu.Unlock()

	if changed && cb != nil {
		cb(snapshot.Tripped, snapshot)
	}
	return snapshot.Drawdown
}

// AllowIncrease 是否允许开仓/加仓（减仓和平仓始终允许）
func (g *DrawdownGuard) AllowIncrease() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.status.Tripped
}

// Status 状态快照
func (g *DrawdownGuard) Status() DrawdownStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}
