package copytrade

import (
	"fmt"
	"time"
)

// Side 方向（与 Bybit 保持一致）
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite 返回相反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid 是否为合法方向
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// MarginMode 保证金模式
type MarginMode string

const (
	MarginCross    MarginMode = "cross"
	MarginIsolated MarginMode = "isolated"
)

// Role 账户角色
type Role string

const (
	RoleDonor    Role = "donor"
	RoleFollower Role = "follower"
)

// positionIdx 取值
const (
	IdxOneWay    = 0
	IdxHedgeBuy  = 1
	IdxHedgeSell = 2
)

// PositionKey 持仓键（交易对 + positionIdx）
type PositionKey struct {
	Symbol string `json:"symbol"`
	Idx    int    `json:"position_idx"`
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s#%d", k.Symbol, k.Idx)
}

// Position 持仓快照
type Position struct {
	Symbol          string     `json:"symbol"`
	Side            Side       `json:"side"`
	Qty             float64    `json:"qty"`
	EntryPrice      float64    `json:"entry_price"`
	MarkPrice       float64    `json:"mark_price"`
	Leverage        float64    `json:"leverage"`
	MarginMode      MarginMode `json:"margin_mode"`
	Idx             int        `json:"position_idx"`
	PositionBalance float64    `json:"position_balance"`
	LiqPrice        float64    `json:"liq_price"`
	UnrealisedPnl   float64    `json:"unrealised_pnl"`
	CumRealisedPnl  float64    `json:"cum_realised_pnl"`
	TrailingStop    float64    `json:"trailing_stop"`
	ActivePrice     float64    `json:"active_price"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Key 返回持仓键
func (p Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Idx: p.Idx}
}

// IsOpen 是否有持仓
func (p Position) IsOpen() bool {
	return p.Qty > 0 && p.Side.Valid()
}

// Notional 名义价值（优先使用标记价格）
func (p Position) Notional() float64 {
	return p.Qty * p.ReferencePrice()
}

// ReferencePrice 参考价格：标记价格，缺失时退回开仓均价
func (p Position) ReferencePrice() float64 {
	if p.MarkPrice > 0 {
		return p.MarkPrice
	}
	return p.EntryPrice
}

// ResolvePositionIdx 计算跟单账户下单使用的 positionIdx
// 对冲模式下优先沿用信号携带的槽位，未知时按持仓方向推导；单向模式固定为 0
func ResolvePositionIdx(signalIdx int, positionSide Side, followerHedge bool) int {
	if !followerHedge {
		return IdxOneWay
	}
	if signalIdx == IdxHedgeBuy || signalIdx == IdxHedgeSell {
		return signalIdx
	}
	if positionSide == SideSell {
		return IdxHedgeSell
	}
	return IdxHedgeBuy
}

// TrailingStopSpec 追踪止损参数
type TrailingStopSpec struct {
	ActivationPrice  float64 `json:"activation_price"`
	Distance         float64 `json:"distance"`
	TriggerDirection int     `json:"trigger_direction"`
}

// IsReset 距离为 0 表示撤销追踪止损
func (s TrailingStopSpec) IsReset() bool {
	return s.Distance <= 0
}

// Account 账户权益
type Account struct {
	Role          Role      `json:"role"`
	Equity        float64   `json:"equity"`
	Available     float64   `json:"available"`
	MarginBalance float64   `json:"margin_balance"`
	UnrealisedPnl float64   `json:"unrealised_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}
