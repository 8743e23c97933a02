package exchange

import (
	"context"
	"errors"

	"copymirror/copytrade"
	"copymirror/exchange/bybit"
	"copymirror/logger"
)

// bybitWrapper Bybit 包装器，负责错误归类与推送转换
type bybitWrapper struct {
	adapter *bybit.BybitAdapter
	role    copytrade.Role
}

// NewBybitWrapper 用已有适配器创建包装器
func NewBybitWrapper(adapter *bybit.BybitAdapter, role copytrade.Role) IExchange {
	return &bybitWrapper{adapter: adapter, role: role}
}

// GetName 获取交易所名称
func (w *bybitWrapper) GetName() string {
	return w.adapter.GetName()
}

func (w *bybitWrapper) Role() copytrade.Role {
	return w.role
}

func (w *bybitWrapper) IsHedgeMode() bool {
	return w.adapter.HedgeMode()
}

// classify 将 Bybit 错误映射为 copytrade 错误体系
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if bybit.IsNotModified(err) {
		logger.Debug("ℹ️ [Bybit] %s 参数未变化，视为成功: %v", op, err)
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if bybit.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
		return &copytrade.TransientError{Op: op, Err: err}
	}
	var apiErr *bybit.APIError
	if errors.As(err, &apiErr) {
		return &copytrade.RejectionError{Op: op, RetCode: apiErr.RetCode, RetMsg: apiErr.RetMsg}
	}
	var httpErr *bybit.HTTPError
	if errors.As(err, &httpErr) {
		return &copytrade.RejectionError{Op: op, RetCode: httpErr.StatusCode, RetMsg: httpErr.Body}
	}
	return &copytrade.RejectionError{Op: op, RetMsg: err.Error()}
}

// GetPositions 获取持仓
func (w *bybitWrapper) GetPositions(ctx context.Context) ([]copytrade.Position, error) {
	positions, err := w.adapter.GetPositions(ctx)
	return positions, classify("position/list", err)
}

func (w *bybitWrapper) GetSymbolPositions(ctx context.Context, symbol string) ([]copytrade.Position, error) {
	positions, err := w.adapter.GetSymbolPositions(ctx, symbol)
	return positions, classify("position/list", err)
}

// GetAccount 获取账户权益
func (w *bybitWrapper) GetAccount(ctx context.Context) (copytrade.Account, error) {
	account, err := w.adapter.GetAccount(ctx, w.role)
	return account, classify("account/wallet-balance", err)
}

func (w *bybitWrapper) GetInstrument(ctx context.Context, symbol string) (copytrade.Instrument, error) {
	inst, err := w.adapter.GetInstrument(ctx, symbol)
	return inst, classify("market/instruments-info", err)
}

// PlaceOrder 下单
func (w *bybitWrapper) PlaceOrder(ctx context.Context, order copytrade.CopyOrder) (string, error) {
	id, err := w.adapter.PlaceOrder(ctx, order)
	return id, classify("order/create", err)
}

// CancelOrder 取消订单
func (w *bybitWrapper) CancelOrder(ctx context.Context, symbol, orderID, orderLinkID string) error {
	return classify("order/cancel", w.adapter.CancelOrder(ctx, symbol, orderID, orderLinkID))
}

func (w *bybitWrapper) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	return classify("position/set-leverage", w.adapter.SetLeverage(ctx, symbol, leverage))
}

func (w *bybitWrapper) SetMarginMode(ctx context.Context, symbol string, mode copytrade.MarginMode, leverage float64) error {
	return classify("position/switch-isolated", w.adapter.SetMarginMode(ctx, symbol, mode, leverage))
}

func (w *bybitWrapper) SetTradingStop(ctx context.Context, key copytrade.PositionKey, spec copytrade.TrailingStopSpec) error {
	return classify("position/trading-stop", w.adapter.SetTradingStop(ctx, key, spec))
}

func (w *bybitWrapper) AddMargin(ctx context.Context, key copytrade.PositionKey, delta float64) error {
	return classify("position/add-margin", w.adapter.AddMargin(ctx, key, delta))
}

// SupportsTradingStopModify Bybit trading-stop 接口直接覆盖原设置
func (w *bybitWrapper) SupportsTradingStopModify() bool {
	return true
}

// StartStream 启动私有频道并转换推送
func (w *bybitWrapper) StartStream(ctx context.Context) (<-chan StreamEvent, error) {
	stream := w.adapter.Stream()
	if err := stream.Start(ctx); err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, cap(stream.Messages()))
	go func() {
		defer close(out)
		for msg := range stream.Messages() {
			ev, ok := w.convertMessage(msg)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (w *bybitWrapper) StopStream() {
	w.adapter.Stream().Stop()
}

func (w *bybitWrapper) StreamReconnects() int64 {
	return w.adapter.Stream().Reconnects()
}

func (w *bybitWrapper) convertMessage(msg bybit.StreamMessage) (StreamEvent, bool) {
	ev := StreamEvent{Reconnect: msg.Reconnect, At: msg.At}
	switch msg.Kind {
	case bybit.StreamConnected:
		ev.Kind = EventConnected
	case bybit.StreamPosition:
		ev.Kind = EventPosition
		ev.Positions = make([]copytrade.Position, 0, len(msg.Positions))
		for _, p := range msg.Positions {
			ev.Positions = append(ev.Positions, bybit.ConvertPosition(p))
		}
	case bybit.StreamWallet:
		if len(msg.Wallets) == 0 {
			return StreamEvent{}, false
		}
		ev.Kind = EventWallet
		account := bybit.ConvertWallet(msg.Wallets[0], w.role)
		account.UpdatedAt = msg.At
		ev.Account = &account
	case bybit.StreamExecution:
		ev.Kind = EventExecution
		for _, e := range msg.Executions {
			ev.Executions = append(ev.Executions, Execution{
				Symbol:      e.Symbol,
				Side:        copytrade.Side(e.Side),
				OrderID:     e.OrderID,
				OrderLinkID: e.OrderLinkID,
				ExecID:      e.ExecID,
				Price:       bybit.ParseNumber(e.ExecPrice),
				Qty:         bybit.ParseNumber(e.ExecQty),
				Fee:         bybit.ParseNumber(e.ExecFee),
				ExecType:    e.ExecType,
				ClosedSize:  bybit.ParseNumber(e.ClosedSize),
				Time:        bybit.ParseMillis(e.ExecTime),
			})
		}
	case bybit.StreamOrder:
		ev.Kind = EventOrder
		for _, o := range msg.Orders {
			ev.Orders = append(ev.Orders, OrderUpdate{
				Symbol:       o.Symbol,
				Side:         copytrade.Side(o.Side),
				OrderID:      o.OrderID,
				OrderLinkID:  o.OrderLinkID,
				Status:       o.OrderStatus,
				Qty:          bybit.ParseNumber(o.Qty),
				CumExecQty:   bybit.ParseNumber(o.CumExecQty),
				AvgPrice:     bybit.ParseNumber(o.AvgPrice),
				PositionIdx:  o.PositionIdx,
				ReduceOnly:   o.ReduceOnly,
				RejectReason: o.RejectReason,
				UpdatedAt:    bybit.ParseMillis(o.UpdatedTime),
			})
		}
	default:
		return StreamEvent{}, false
	}
	return ev, true
}

// CheckAPIPermissions 查询 API Key 权限
func (w *bybitWrapper) CheckAPIPermissions(ctx context.Context) (*APIPermissions, error) {
	info, err := w.adapter.Client().GetAPIKeyInfo(ctx)
	if err != nil {
		return nil, classify("user/query-api", err)
	}
	return permissionsFromBybit(info), nil
}
