package exchange

import (
	"context"

	"copymirror/copytrade"
)

// IExchange 跟单引擎使用的交易所接口
// 所有返回的错误已归类为 copytrade 错误体系（TransientError / RejectionError），
// 参数未变化类返回码视为成功返回 nil
type IExchange interface {
	// GetName 交易所名称
	GetName() string
	// Role 账户角色
	Role() copytrade.Role
	// IsHedgeMode 是否为双向持仓账户
	IsHedgeMode() bool

	// GetPositions 全部非空持仓
	GetPositions(ctx context.Context) ([]copytrade.Position, error)
	// GetSymbolPositions 单个交易对的全部槽位（包含空仓）
	GetSymbolPositions(ctx context.Context, symbol string) ([]copytrade.Position, error)
	// GetAccount 账户权益
	GetAccount(ctx context.Context) (copytrade.Account, error)
	// GetInstrument 合约规格
	GetInstrument(ctx context.Context, symbol string) (copytrade.Instrument, error)

	// PlaceOrder 下单，返回交易所订单号
	PlaceOrder(ctx context.Context, order copytrade.CopyOrder) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID, orderLinkID string) error
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
	SetMarginMode(ctx context.Context, symbol string, mode copytrade.MarginMode, leverage float64) error
	// SetTradingStop 设置追踪止损，spec.Distance 为 0 时撤销
	SetTradingStop(ctx context.Context, key copytrade.PositionKey, spec copytrade.TrailingStopSpec) error
	// AddMargin 增减逐仓保证金，delta 为负表示减少
	AddMargin(ctx context.Context, key copytrade.PositionKey, delta float64) error
	// SupportsTradingStopModify 追踪止损是否支持原地修改
	SupportsTradingStopModify() bool

	// StartStream 启动私有频道，返回的通道按到达顺序输出事件
	StartStream(ctx context.Context) (<-chan StreamEvent, error)
	StopStream()
	// StreamReconnects 私有频道累计重连次数
	StreamReconnects() int64

	PermissionChecker
}
