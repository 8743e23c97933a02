package database

import (
	"context"
	"time"
)

// Database 跟单读模型持久化接口
type Database interface {
	// 跟单持仓
	SavePosition(ctx context.Context, pos *PositionRecord) error
	ClosePosition(ctx context.Context, symbol string, idx int, exitPrice, realizedPnl float64, closedAt time.Time) (*PositionRecord, error)
	GetOpenPositions(ctx context.Context) ([]*PositionRecord, error)
	GetClosedPositions(ctx context.Context, limit int) ([]*PositionRecord, error)

	// 权益快照
	SaveEquitySnapshot(ctx context.Context, snap *EquitySnapshot) error
	GetEquitySeries(ctx context.Context, role string, since time.Time) ([]*EquitySnapshot, error)

	// 跟单订单与成交
	SaveOrder(ctx context.Context, order *Order) error
	GetOrders(ctx context.Context, filter *OrderFilter) ([]*Order, error)
	SaveTrade(ctx context.Context, trade *Trade) error
	GetTrades(ctx context.Context, filter *TradeFilter) ([]*Trade, error)

	// 对账记录
	SaveReconciliation(ctx context.Context, recon *Reconciliation) error
	GetReconciliations(ctx context.Context, filter *ReconciliationFilter) ([]*Reconciliation, error)

	// 事件
	SaveEvent(ctx context.Context, event *EventRecord) error
	GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error)
	CleanupOldEvents(ctx context.Context, severity string, keepCount int, keepDays int) error

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

const (
	PositionStatusOpen   = "open"
	PositionStatusClosed = "closed"
)

// PositionRecord 跟单账户持仓（开仓中或已平仓）
type PositionRecord struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol         string     `gorm:"index:idx_symbol_idx_status;size:50" json:"symbol"`
	Idx            int        `gorm:"index:idx_symbol_idx_status" json:"position_idx"`
	Status         string     `gorm:"index:idx_symbol_idx_status;size:10" json:"status"`
	Side           string     `gorm:"size:10" json:"side"` // Buy, Sell
	Qty            float64    `json:"qty"`
	EntryPrice     float64    `json:"entry_price"`
	MarkPrice      float64    `json:"mark_price"`
	LiqPrice       float64    `json:"liquidation_price"`
	ExitPrice      float64    `json:"exit_price"`
	Leverage       float64    `json:"leverage"`
	MarginMode     string     `gorm:"size:20" json:"margin_mode"`
	UnrealisedPnl  float64    `json:"unrealised_pnl"`
	CumRealisedPnl float64    `json:"cum_realised_pnl"`
	OpenCumPnl     float64    `json:"-"` // 开仓时的累计已实现盈亏，用于计算本次持仓盈亏
	RealizedPnl    float64    `json:"realized_pnl"`
	OpenedAt       time.Time  `gorm:"index" json:"opened_at"`
	ClosedAt       *time.Time `gorm:"index" json:"closed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// EquitySnapshot 权益快照
type EquitySnapshot struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Role          string    `gorm:"index:idx_role_time;size:20" json:"role"` // donor, follower
	Equity        float64   `json:"equity"`
	Available     float64   `json:"available"`
	MarginBalance float64   `json:"margin_balance"`
	UnrealisedPnl float64   `json:"unrealised_pnl"`
	CreatedAt     time.Time `gorm:"index:idx_role_time" json:"created_at"`
}

// Order 跟单订单
type Order struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol      string    `gorm:"index;size:50" json:"symbol"`
	Side        string    `gorm:"size:10" json:"side"`
	OrderType   string    `gorm:"size:20" json:"order_type"`
	Qty         float64   `json:"qty"`
	PositionIdx int       `json:"position_idx"`
	ReduceOnly  bool      `json:"reduce_only"`
	OrderLinkID string    `gorm:"uniqueIndex;size:100" json:"order_link_id"`
	ExchangeID  string    `gorm:"index;size:100" json:"exchange_id"`
	SignalSeq   uint64    `gorm:"index" json:"signal_seq"`
	SignalKind  string    `gorm:"size:30" json:"signal_kind"`
	State       string    `gorm:"index;size:20" json:"state"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Trade 跟单成交
type Trade struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol      string    `gorm:"index:idx_symbol_time;size:50" json:"symbol"`
	Side        string    `gorm:"size:10" json:"side"`
	ExecID      string    `gorm:"uniqueIndex;size:100" json:"exec_id"`
	OrderID     string    `gorm:"index;size:100" json:"order_id"`
	OrderLinkID string    `gorm:"index;size:100" json:"order_link_id"`
	Price       float64   `json:"price"`
	Qty         float64   `json:"qty"`
	Fee         float64   `json:"fee"`
	ClosedSize  float64   `json:"closed_size"`
	ExecTime    time.Time `gorm:"index:idx_symbol_time" json:"exec_time"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reconciliation 一轮对账记录
type Reconciliation struct {
	ID                int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID        string    `gorm:"index;size:50" json:"instance_id"`
	DonorPositions    int       `json:"donor_positions"`
	FollowerPositions int       `json:"follower_positions"`
	DiffCount         int       `json:"diff_count"`
	Submitted         int       `json:"submitted"`
	Deferred          int       `json:"deferred"`
	Conflicts         int       `json:"conflicts"`
	Diffs             string    `gorm:"type:text" json:"diffs"` // JSON
	Error             string    `gorm:"type:text" json:"error,omitempty"`
	DurationMs        int64     `json:"duration_ms"`
	CreatedAt         time.Time `gorm:"index" json:"created_at"`
}

// EventRecord 事件记录
type EventRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      string    `gorm:"index;size:50" json:"type"`
	Severity  string    `gorm:"index;size:20" json:"severity"` // critical, warning, info
	Source    string    `gorm:"index;size:30" json:"source"`
	Symbol    string    `gorm:"index;size:50" json:"symbol"`
	Title     string    `gorm:"size:200" json:"title"`
	Message   string    `gorm:"type:text" json:"message"`
	Details   string    `gorm:"type:text" json:"details"` // JSON
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// 过滤器

// OrderFilter 订单过滤器
type OrderFilter struct {
	Symbol string
	State  string
	Limit  int
	Offset int
}

// TradeFilter 成交过滤器
type TradeFilter struct {
	Symbol    string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// ReconciliationFilter 对账记录过滤器
type ReconciliationFilter struct {
	OnlyDiffs bool
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// EventFilter 事件过滤器
type EventFilter struct {
	Type      string
	Severity  string
	Source    string
	Symbol    string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}
