package exchange

import (
	"time"

	"copymirror/copytrade"
)

// StreamEventKind 私有频道事件类型
type StreamEventKind string

const (
	EventPosition  StreamEventKind = "position"
	EventWallet    StreamEventKind = "wallet"
	EventOrder     StreamEventKind = "order"
	EventExecution StreamEventKind = "execution"
	// EventConnected 连接（或重连）完成并订阅成功
	EventConnected StreamEventKind = "connected"
)

// StreamEvent 交易所无关的私有频道事件
type StreamEvent struct {
	Kind       StreamEventKind
	Reconnect  bool
	Positions  []copytrade.Position
	Account    *copytrade.Account
	Executions []Execution
	Orders     []OrderUpdate
	At         time.Time
}

// Execution 成交
type Execution struct {
	Symbol      string         `json:"symbol"`
	Side        copytrade.Side `json:"side"`
	OrderID     string         `json:"order_id"`
	OrderLinkID string         `json:"order_link_id"`
	ExecID      string         `json:"exec_id"`
	Price       float64        `json:"price"`
	Qty         float64        `json:"qty"`
	Fee         float64        `json:"fee"`
	ExecType    string         `json:"exec_type"`
	ClosedSize  float64        `json:"closed_size"`
	Time        time.Time      `json:"time"`
}

// OrderUpdate 订单状态
type OrderUpdate struct {
	Symbol       string         `json:"symbol"`
	Side         copytrade.Side `json:"side"`
	OrderID      string         `json:"order_id"`
	OrderLinkID  string         `json:"order_link_id"`
	Status       string         `json:"status"`
	Qty          float64        `json:"qty"`
	CumExecQty   float64        `json:"cum_exec_qty"`
	AvgPrice     float64        `json:"avg_price"`
	PositionIdx  int            `json:"position_idx"`
	ReduceOnly   bool           `json:"reduce_only"`
	RejectReason string         `json:"reject_reason,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
