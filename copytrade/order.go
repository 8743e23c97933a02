package copytrade

import "time"

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// OrderState 跟单订单生命周期
type OrderState string

const (
	OrderPending   OrderState = "pending"
	OrderSubmitted OrderState = "submitted"
	OrderFilled    OrderState = "filled"
	OrderRejected  OrderState = "rejected"
	OrderFailed    OrderState = "failed"
)

// CopyOrder 发往跟单账户的订单
// Qty 必须大于 0 且已按 qtyStep 量化
type CopyOrder struct {
	Symbol      string     `json:"symbol"`
	Side        Side       `json:"side"`
	Qty         float64    `json:"qty"`
	PositionIdx int        `json:"position_idx"`
	ReduceOnly  bool       `json:"reduce_only"`
	OrderType   OrderType  `json:"order_type"`
	OrderLinkID string     `json:"order_link_id"`
	SignalSeq   uint64     `json:"signal_seq"`
	SignalKind  SignalKind `json:"signal_kind"`
	State       OrderState `json:"state"`
	ExchangeID  string     `json:"exchange_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Key 持仓键
func (o CopyOrder) Key() PositionKey {
	return PositionKey{Symbol: o.Symbol, Idx: o.PositionIdx}
}

// Terminal 是否已到达终态
func (o CopyOrder) Terminal() bool {
	switch o.State {
	case OrderFilled, OrderRejected, OrderFailed:
		return true
	}
	return false
}

// KeyState 每个持仓键的状态机状态
type KeyState string

const (
	StateIdle             KeyState = "Idle"
	StateSettingLeverage  KeyState = "SettingLeverage"
	StateSettingMargin    KeyState = "SettingMargin"
	StatePlacing          KeyState = "Placing"
	StateOpen             KeyState = "Open"
	StateAdjusting        KeyState = "Adjusting"
	StateClosingRequested KeyState = "ClosingRequested"
	StateClosed           KeyState = "Closed"
	StateFailed           KeyState = "Failed"
)

// Stable 非过渡状态
func (s KeyState) Stable() bool {
	switch s {
	case StateIdle, StateOpen, StateClosed, StateFailed:
		return true
	}
	return false
}

// KeyStatus 对外展示的持仓键状态
type KeyStatus struct {
	Key          PositionKey `json:"key"`
	State        KeyState    `json:"state"`
	Divergent    bool        `json:"divergent"`
	Paused       bool        `json:"paused"`
	LastError    string      `json:"last_error,omitempty"`
	LastSeq      uint64      `json:"last_seq"`
	LastDonor    *Position   `json:"last_donor,omitempty"`
	LastFollower *Position   `json:"last_follower,omitempty"`
	Queued       int         `json:"queued"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// NeedsAttention 需要人工处理
func (s KeyStatus) NeedsAttention() bool {
	return s.State == StateFailed || s.Divergent || s.Paused
}
