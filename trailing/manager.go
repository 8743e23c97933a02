package trailing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"copymirror/copytrade"
	"copymirror/logger"
	"copymirror/metrics"

	"github.com/shopspring/decimal"
)

// ReferenceMode 激活价参考价格
type ReferenceMode string

const (
	ReferenceEntry ReferenceMode = "entry"
	ReferenceMark  ReferenceMode = "mark"
)

// triggerDirection 取值
const (
	TriggerRise = 1
	TriggerFall = 2
)

// Action 一次镜像的结果
type Action string

const (
	ActionAttach  Action = "attach"
	ActionReset   Action = "reset"
	ActionSkip    Action = "skip"
	ActionPending Action = "pending"
)

// Exchange 追踪止损所需的交易所能力
type Exchange interface {
	GetInstrument(ctx context.Context, symbol string) (copytrade.Instrument, error)
	SetTradingStop(ctx context.Context, key copytrade.PositionKey, spec copytrade.TrailingStopSpec) error
	SupportsTradingStopModify() bool
}

// Attached 已挂到跟单持仓上的追踪止损
type Attached struct {
	Spec       copytrade.TrailingStopSpec `json:"spec"`
	Mode       ReferenceMode              `json:"mode"`
	DonorSeq   uint64                     `json:"donor_seq"`
	AttachedAt time.Time                  `json:"attached_at"`
}

// Manager 将领航员追踪止损镜像到跟单持仓
// 调用方保证同一持仓键的调用串行
type Manager struct {
	ex Exchange

	mu       sync.Mutex
	mode     ReferenceMode
	attached map[copytrade.PositionKey]Attached
	pending  map[copytrade.PositionKey]copytrade.TrailingStopSet
}

// NewManager 创建追踪止损管理器
func NewManager(ex Exchange, mode ReferenceMode) *Manager {
	if mode != ReferenceMark {
		mode = ReferenceEntry
	}
	return &Manager{
		ex:       ex,
		mode:     mode,
		attached: make(map[copytrade.PositionKey]Attached),
		pending:  make(map[copytrade.PositionKey]copytrade.TrailingStopSet),
	}
}

// SetReferenceMode 切换参考价格模式，只影响之后新挂的止损
func (m *Manager) SetReferenceMode(mode ReferenceMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode != ReferenceMark {
		mode = ReferenceEntry
	}
	if m.mode != mode {
		logger.Info("🔄 [Trailing] 参考价格模式 %s → %s（已挂止损保持原模式）", m.mode, mode)
	}
	m.mode = mode
}

// ReferenceMode 当前模式
func (m *Manager) ReferenceMode() ReferenceMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// TriggerDirectionFor 多头价格下跌触发，空头价格上涨触发
func TriggerDirectionFor(side copytrade.Side) int {
	if side == copytrade.SideSell {
		return TriggerRise
	}
	return TriggerFall
}

func referencePrice(p copytrade.Position, mode ReferenceMode) float64 {
	if mode == ReferenceMark && p.MarkPrice > 0 {
		return p.MarkPrice
	}
	if p.EntryPrice > 0 {
		return p.EntryPrice
	}
	return p.MarkPrice
}

// ComputeSpec 根据领航员止损计算跟单止损
// 距离按绝对价格复制，激活价按领航员激活价相对参考价的偏移重新计算
func ComputeSpec(donor, follower copytrade.Position, donorSpec copytrade.TrailingStopSpec, mode ReferenceMode, inst copytrade.Instrument) (copytrade.TrailingStopSpec, error) {
	spec := copytrade.TrailingStopSpec{TriggerDirection: TriggerDirectionFor(follower.Side)}
	if donorSpec.IsReset() {
		return spec, nil
	}

	distance := inst.RoundPrice(decimal.NewFromFloat(donorSpec.Distance))
	if !distance.IsPositive() {
		distance = inst.TickSize
	}
	spec.Distance = distance.InexactFloat64()

	if donorSpec.ActivationPrice > 0 {
		donorRef := referencePrice(donor, mode)
		followerRef := referencePrice(follower, mode)
		if donorRef <= 0 || followerRef <= 0 {
			return spec, fmt.Errorf("%s 参考价格缺失 (donor=%v follower=%v)", follower.Symbol, donorRef, followerRef)
		}
		offset := decimal.NewFromFloat(donorSpec.ActivationPrice - donorRef).Div(decimal.NewFromFloat(donorRef))
		active := decimal.NewFromFloat(followerRef).Mul(decimal.NewFromInt(1).Add(offset))
		spec.ActivationPrice = inst.RoundPrice(active).InexactFloat64()
	}
	return spec, nil
}

func sameSpec(a, b copytrade.TrailingStopSpec, tick float64) bool {
	half := tick / 2
	if half <= 0 {
		half = 1e-9
	}
	abs := func(v float64) float64 {
		if v < 0 {
			return -v
		}
		return v
	}
	return abs(a.Distance-b.Distance) < half && abs(a.ActivationPrice-b.ActivationPrice) < half
}

// Attach 镜像一次 TrailingStopSet
// follower 为空或无持仓时暂存，开仓成交后由 ApplyPending 补挂
func (m *Manager) Attach(ctx context.Context, sig copytrade.TrailingStopSet, follower *copytrade.Position) (Action, error) {
	pm := metrics.GetPrometheusMetrics()
	symbol := sig.Position.Symbol

	if follower == nil || !follower.IsOpen() {
		key := sig.Key()
		if follower != nil {
			key = follower.Key()
		}
		m.mu.Lock()
		if sig.Spec.IsReset() {
			delete(m.pending, key)
		} else {
			m.pending[key] = sig
		}
		m.mu.Unlock()
		pm.RecordTrailing(symbol, string(ActionPending))
		logger.Info("⏳ [Trailing] %s 跟单账户暂无持仓，追踪止损待开仓后设置", key)
		return ActionPending, nil
	}

	key := follower.Key()
	m.mu.Lock()
	delete(m.pending, key)
	prev, hasPrev := m.attached[key]
	mode := m.mode
	if hasPrev {
		mode = prev.Mode
	}
	m.mu.Unlock()

	inst, err := m.ex.GetInstrument(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("获取 %s 合约规格失败: %w", symbol, err)
	}

	if sig.Spec.IsReset() {
		if !hasPrev && follower.TrailingStop <= 0 {
			pm.RecordTrailing(symbol, string(ActionSkip))
			return ActionSkip, nil
		}
		if err := m.ex.SetTradingStop(ctx, key, copytrade.TrailingStopSpec{}); err != nil {
			pm.RecordTrailing(symbol, "failed")
			return "", fmt.Errorf("撤销 %s 追踪止损失败: %w", key, err)
		}
		m.mu.Lock()
		delete(m.attached, key)
		m.mu.Unlock()
		pm.RecordTrailing(symbol, string(ActionReset))
		logger.Info("✅ [Trailing] %s 追踪止损已撤销", key)
		return ActionReset, nil
	}

	spec, err := ComputeSpec(sig.Position, *follower, sig.Spec, mode, inst)
	if err != nil {
		return "", err
	}

	current := copytrade.TrailingStopSpec{Distance: follower.TrailingStop, ActivationPrice: follower.ActivePrice}
	if hasPrev {
		current = prev.Spec
	}
	if current.Distance > 0 && sameSpec(current, spec, inst.TickSize.InexactFloat64()) {
		pm.RecordTrailing(symbol, string(ActionSkip))
		logger.Debug("ℹ️ [Trailing] %s 追踪止损未变化，跳过", key)
		return ActionSkip, nil
	}

	// 不支持原地修改时先撤销，撤销确认后再挂新止损
	if current.Distance > 0 && !m.ex.SupportsTradingStopModify() {
		if err := m.ex.SetTradingStop(ctx, key, copytrade.TrailingStopSpec{}); err != nil {
			pm.RecordTrailing(symbol, "failed")
			return "", fmt.Errorf("替换前撤销 %s 追踪止损失败: %w", key, err)
		}
	}

	if err := m.ex.SetTradingStop(ctx, key, spec); err != nil {
		pm.RecordTrailing(symbol, "failed")
		return "", fmt.Errorf("设置 %s 追踪止损失败: %w", key, err)
	}

	m.mu.Lock()
	m.attached[key] = Attached{Spec: spec, Mode: mode, DonorSeq: sig.Meta.Seq, AttachedAt: time.Now()}
	m.mu.Unlock()

	pm.RecordTrailing(symbol, string(ActionAttach))
	logger.Info("✅ [Trailing] %s 追踪止损 distance=%v active=%v direction=%d (%s)",
		key, spec.Distance, spec.ActivationPrice, spec.TriggerDirection, mode)
	return ActionAttach, nil
}

// ApplyPending 跟单开仓成交后补挂暂存的止损
func (m *Manager) ApplyPending(ctx context.Context, follower copytrade.Position) (Action, error) {
	m.mu.Lock()
	sig, ok := m.pending[follower.Key()]
	m.mu.Unlock()
	if !ok {
		return ActionSkip, nil
	}
	return m.Attach(ctx, sig, &follower)
}

// HasPending 是否有暂存的止损
func (m *Manager) HasPending(key copytrade.PositionKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[key]
	return ok
}

// Forget 持仓平掉后清理
func (m *Manager) Forget(key copytrade.PositionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attached, key)
	delete(m.pending, key)
}

// Attached 已挂止损
func (m *Manager) Attached(key copytrade.PositionKey) (Attached, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attached[key]
	return a, ok
}
