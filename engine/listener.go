package engine

import (
	"context"
	"encoding/json"
	"time"

	"copymirror/copytrade"
	"copymirror/database"
	"copymirror/event"
	"copymirror/exchange"
	"copymirror/logger"
	"copymirror/order"
	"copymirror/risk"
	"copymirror/safety"
	"copymirror/utils"
)

const storeTimeout = 5 * time.Second

// OnOrder 持久化跟单订单并发布事件（order.Listener）
func (e *Engine) OnOrder(o copytrade.CopyOrder) {
	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		rec := &database.Order{
			Symbol:      o.Symbol,
			Side:        string(o.Side),
			OrderType:   string(o.OrderType),
			Qty:         o.Qty,
			PositionIdx: o.PositionIdx,
			ReduceOnly:  o.ReduceOnly,
			OrderLinkID: o.OrderLinkID,
			ExchangeID:  o.ExchangeID,
			SignalSeq:   o.SignalSeq,
			SignalKind:  string(o.SignalKind),
			State:       string(o.State),
			Error:       o.Error,
			CreatedAt:   o.CreatedAt,
			UpdatedAt:   time.Now(),
		}
		if err := e.store.SaveOrder(ctx, rec); err != nil {
			logger.Warn("⚠️ [Engine] 保存订单 %s 失败: %v", o.OrderLinkID, err)
		}
		cancel()
	}

	data := map[string]interface{}{
		"symbol":        o.Symbol,
		"side":          string(o.Side),
		"qty":           o.Qty,
		"state":         string(o.State),
		"position_idx":  o.PositionIdx,
		"reduce_only":   o.ReduceOnly,
		"order_link_id": o.OrderLinkID,
		"signal":        string(o.SignalKind),
	}
	switch o.State {
	case copytrade.OrderSubmitted, copytrade.OrderFilled:
		e.emit(event.EventTypeOrderPlaced, data)
	case copytrade.OrderRejected, copytrade.OrderFailed:
		data["error"] = o.Error
		e.emit(event.EventTypeOrderFailed, data)
	}
}

// OnAlert 把需要人工处理的持仓键告警转为事件（order.Listener）
func (e *Engine) OnAlert(a order.Alert) {
	data := map[string]interface{}{
		"symbol": a.Status.Key.Symbol,
		"key":    a.Status.Key.String(),
		"state":  string(a.Status.State),
		"error":  a.Err,
	}
	if a.Dropped > 0 {
		data["dropped"] = a.Dropped
	}

	switch a.Kind {
	case order.AlertFailed:
		e.emit(event.EventTypeKeyFailed, data)
	case order.AlertDivergent:
		e.emit(event.EventTypeKeyDivergent, data)
	case order.AlertStateConflict:
		e.emit(event.EventTypeStateConflict, data)
	default:
		e.emit(event.EventTypeError, data)
	}
}

func (e *Engine) onDrawdown(tripped bool, s risk.DrawdownStatus) {
	data := map[string]interface{}{
		"drawdown":  s.Drawdown,
		"peak":      s.Peak,
		"equity":    s.Equity,
		"threshold": s.MaxPct,
	}
	if tripped {
		e.emit(event.EventTypeDrawdownTriggered, data)
		return
	}
	data["threshold"] = s.RecoverPct
	e.emit(event.EventTypeDrawdownRecovered, data)
}

// SaveReconciliation 写入对账记录（safety.Storage）
func (e *Engine) SaveReconciliation(report *safety.Report) error {
	if e.store == nil || report == nil {
		return nil
	}
	_, opts := e.parts()

	diffs, err := json.Marshal(report.Diffs)
	if err != nil {
		return err
	}
	rec := &database.Reconciliation{
		InstanceID:        opts.InstanceID,
		DonorPositions:    report.DonorPositions,
		FollowerPositions: report.FollowerPositions,
		DiffCount:         len(report.Diffs),
		Submitted:         report.Submitted,
		Deferred:          report.Deferred,
		Conflicts:         report.Conflicts,
		Diffs:             string(diffs),
		Error:             report.Error,
		DurationMs:        report.Duration.Milliseconds(),
		CreatedAt:         report.StartedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return e.store.SaveReconciliation(ctx, rec)
}

// ReconcileAlert 对账连续失败告警（safety.Alerter）
func (e *Engine) ReconcileAlert(failedCycles int, err error) {
	data := map[string]interface{}{"failed_cycles": failedCycles}
	if err != nil {
		data["error"] = err.Error()
	}
	e.emit(event.EventTypeReconcileFailed, data)
}

// updateOrder 跟单账户订单推送回写订单终态
func (e *Engine) updateOrder(ctx context.Context, u exchange.OrderUpdate) {
	if e.store == nil || !utils.IsCopyOrder(u.OrderLinkID) {
		return
	}

	var state copytrade.OrderState
	switch u.Status {
	case "Filled":
		state = copytrade.OrderFilled
	case "Rejected":
		state = copytrade.OrderRejected
	case "Cancelled", "Deactivated", "PartiallyFilledCanceled":
		state = copytrade.OrderFailed
	default:
		return
	}

	reason := u.RejectReason
	if reason == "EC_NoError" {
		reason = ""
	}
	rec := &database.Order{
		Symbol:      u.Symbol,
		Side:        string(u.Side),
		Qty:         u.Qty,
		PositionIdx: u.PositionIdx,
		ReduceOnly:  u.ReduceOnly,
		OrderLinkID: u.OrderLinkID,
		ExchangeID:  u.OrderID,
		State:       string(state),
		Error:       reason,
		CreatedAt:   u.UpdatedAt,
		UpdatedAt:   time.Now(),
	}
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := e.store.SaveOrder(sctx, rec); err != nil {
		logger.Warn("⚠️ [Engine] 更新订单 %s 状态失败: %v", u.OrderLinkID, err)
		return
	}
	logger.Debug("ℹ️ [Engine] 订单 %s → %s", u.OrderLinkID, state)
}
