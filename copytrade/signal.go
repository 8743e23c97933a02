package copytrade

import (
	"sync/atomic"
	"time"
)

// SignalKind 信号类型
type SignalKind string

const (
	KindOpened          SignalKind = "position_opened"
	KindClosed          SignalKind = "position_closed"
	KindAdjusted        SignalKind = "position_adjusted"
	KindTrailingStopSet SignalKind = "trailing_stop_set"
	KindMarginChanged   SignalKind = "margin_changed"
)

// SignalSource 信号来源
type SignalSource string

const (
	SourceLive      SignalSource = "live"
	SourceReplay    SignalSource = "replay"
	SourceReconcile SignalSource = "reconcile"
)

// Meta 信号公共元数据
type Meta struct {
	Seq       uint64       `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
	Source    SignalSource `json:"source"`
}

// CopySignal 带领航员持仓快照的不可变信号
// 只有本包内的五种类型实现该接口
type CopySignal interface {
	Kind() SignalKind
	Key() PositionKey
	Metadata() Meta
	Snapshot() Position
	isCopySignal()
}

// PositionOpened 领航员新开仓
type PositionOpened struct {
	Meta     Meta     `json:"meta"`
	Position Position `json:"position"`
	Side     Side     `json:"side"`
}

// PositionClosed 领航员平仓（Position 为平仓前的最后快照，Side 为平仓方向）
type PositionClosed struct {
	Meta     Meta     `json:"meta"`
	Position Position `json:"position"`
	Side     Side     `json:"side"`
}

// PositionAdjusted 领航员加减仓或修改杠杆
type PositionAdjusted struct {
	Meta            Meta     `json:"meta"`
	Position        Position `json:"position"`
	Side            Side     `json:"side"`
	PrevQty         float64  `json:"prev_qty"`
	LeverageChanged bool     `json:"leverage_changed"`
	// TargetQty 由对账生成时携带期望的跟单数量，实时信号为 0
	TargetQty float64 `json:"target_qty,omitempty"`
}

// TrailingStopSet 领航员设置/修改/撤销追踪止损
type TrailingStopSet struct {
	Meta     Meta             `json:"meta"`
	Position Position         `json:"position"`
	Spec     TrailingStopSpec `json:"spec"`
}

// MarginChanged 领航员逐仓保证金变化
type MarginChanged struct {
	Meta     Meta     `json:"meta"`
	Position Position `json:"position"`
	Delta    float64  `json:"delta"`
}

func (s PositionOpened) Kind() SignalKind   { return KindOpened }
func (s PositionOpened) Key() PositionKey   { return s.Position.Key() }
func (s PositionOpened) Metadata() Meta     { return s.Meta }
func (s PositionOpened) Snapshot() Position { return s.Position }
func (PositionOpened) isCopySignal()        {}

func (s PositionClosed) Kind() SignalKind   { return KindClosed }
func (s PositionClosed) Key() PositionKey   { return s.Position.Key() }
func (s PositionClosed) Metadata() Meta     { return s.Meta }
func (s PositionClosed) Snapshot() Position { return s.Position }
func (PositionClosed) isCopySignal()        {}

func (s PositionAdjusted) Kind() SignalKind   { return KindAdjusted }
func (s PositionAdjusted) Key() PositionKey   { return s.Position.Key() }
func (s PositionAdjusted) Metadata() Meta     { return s.Meta }
func (s PositionAdjusted) Snapshot() Position { return s.Position }
func (PositionAdjusted) isCopySignal()        {}

// IsReduce 是否为减仓
func (s PositionAdjusted) IsReduce() bool {
	return s.Position.Side.Valid() && s.Side == s.Position.Side.Opposite()
}

func (s TrailingStopSet) Kind() SignalKind   { return KindTrailingStopSet }
func (s TrailingStopSet) Key() PositionKey   { return s.Position.Key() }
func (s TrailingStopSet) Metadata() Meta     { return s.Meta }
func (s TrailingStopSet) Snapshot() Position { return s.Position }
func (TrailingStopSet) isCopySignal()        {}

func (s MarginChanged) Kind() SignalKind   { return KindMarginChanged }
func (s MarginChanged) Key() PositionKey   { return s.Position.Key() }
func (s MarginChanged) Metadata() Meta     { return s.Meta }
func (s MarginChanged) Snapshot() Position { return s.Position }
func (MarginChanged) isCopySignal()        {}

// TradeSide 返回信号对应的下单方向，非交易类信号返回空
func TradeSide(sig CopySignal) Side {
	switch s := sig.(type) {
	case PositionOpened:
		return s.Side
	case PositionClosed:
		return s.Side
	case PositionAdjusted:
		return s.Side
	case TrailingStopSet, MarginChanged:
		return ""
	default:
		return ""
	}
}

// Sequencer 全局单调递增序号，实时信号与对账信号共用
type Sequencer struct {
	n atomic.Uint64
}

// Next 返回下一个序号
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}

// Current 当前序号
func (s *Sequencer) Current() uint64 {
	return s.n.Load()
}

// NewMeta 生成元数据
func (s *Sequencer) NewMeta(source SignalSource) Meta {
	return Meta{Seq: s.Next(), Timestamp: time.Now(), Source: source}
}
