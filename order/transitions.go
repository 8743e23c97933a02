package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"copymirror/copytrade"
	"copymirror/logger"
	"copymirror/metrics"
	"copymirror/risk"
	"copymirror/trailing"
	"copymirror/utils"

	"github.com/shopspring/decimal"
)

func (c *Coordinator) followerSlots(ctx context.Context, symbol string) ([]copytrade.Position, error) {
	var slots []copytrade.Position
	err := c.deps.Executor.Do(ctx, "position/list", func(ctx context.Context) error {
		var err error
		slots, err = c.deps.Exchange.GetSymbolPositions(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("获取跟单持仓失败: %w", err)
	}
	return slots, nil
}

// slotFor 返回持仓键对应槽位，不存在时返回空仓
func slotFor(slots []copytrade.Position, key copytrade.PositionKey) copytrade.Position {
	for _, p := range slots {
		if p.Idx == key.Idx {
			return p
		}
	}
	return copytrade.Position{Symbol: key.Symbol, Idx: key.Idx}
}

// exposure 同一交易对其他槽位的名义价值
func exposure(slots []copytrade.Position, key copytrade.PositionKey) float64 {
	total := 0.0
	for _, p := range slots {
		if p.Idx != key.Idx && p.IsOpen() {
			total += p.Notional()
		}
	}
	return total
}

func (c *Coordinator) instrument(ctx context.Context, symbol string) (copytrade.Instrument, error) {
	var inst copytrade.Instrument
	err := c.deps.Executor.Do(ctx, "market/instruments-info", func(ctx context.Context) error {
		var err error
		inst, err = c.deps.Exchange.GetInstrument(ctx, symbol)
		return err
	})
	if err != nil {
		return inst, fmt.Errorf("获取合约规格失败: %w", err)
	}
	return inst, nil
}

func (c *Coordinator) setFollower(key copytrade.PositionKey, p copytrade.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(key).status.LastFollower = &p
}

func (c *Coordinator) checkGate() error {
	if c.deps.Gate != nil && !c.deps.Gate.AllowIncrease() {
		return ErrIncreaseBlocked
	}
	return nil
}

func (c *Coordinator) size(donor copytrade.Position, inst copytrade.Instrument, current float64) (risk.SizeResult, error) {
	res, err := c.deps.Sizer.Size(risk.SizeRequest{
		Symbol:          donor.Symbol,
		DonorNotional:   donor.Notional(),
		DonorEquity:     c.deps.Equity.DonorEquity(),
		FollowerEquity:  c.deps.Equity.FollowerEquity(),
		CurrentExposure: current,
		ReferencePrice:  donor.ReferencePrice(),
		Instrument:      inst,
	})
	if errors.Is(err, copytrade.ErrSizeTooSmall) {
		metrics.GetPrometheusMetrics().RecordSizeTooSmall(donor.Symbol)
		c.deps.Stats.RecordSizeTooSmall()
	}
	return res, err
}

// place 发送市价单，positionIdx 总是来自持仓键
func (c *Coordinator) place(ctx context.Context, key copytrade.PositionKey, side copytrade.Side, qty decimal.Decimal, reduceOnly bool, meta copytrade.Meta, kind copytrade.SignalKind) (copytrade.CopyOrder, error) {
	now := time.Now()
	order := copytrade.CopyOrder{
		Symbol:      key.Symbol,
		Side:        side,
		Qty:         qty.InexactFloat64(),
		PositionIdx: key.Idx,
		ReduceOnly:  reduceOnly,
		OrderType:   copytrade.OrderTypeMarket,
		OrderLinkID: utils.GenerateOrderLinkID(key.Symbol, now),
		SignalSeq:   meta.Seq,
		SignalKind:  kind,
		State:       copytrade.OrderPending,
		CreatedAt:   now,
	}
	if !side.Valid() || order.Qty <= 0 {
		return order, fmt.Errorf("%s 订单参数非法: side=%q qty=%v", key, side, order.Qty)
	}

	// 重试沿用同一 orderLinkId，交易所据此去重
	err := c.deps.Executor.Do(ctx, "order/create", func(ctx context.Context) error {
		id, err := c.deps.Exchange.PlaceOrder(ctx, order)
		order.ExchangeID = id
		return err
	})
	duration := time.Since(now)
	c.deps.Stats.RecordOrderExecution(duration)

	if err != nil {
		order.State = copytrade.OrderFailed
		if copytrade.IsRejection(err) {
			order.State = copytrade.OrderRejected
		}
		order.Error = err.Error()
		c.deps.Stats.RecordOrderResult(false, order.State == copytrade.OrderRejected)
	} else {
		order.State = copytrade.OrderSubmitted
		c.deps.Stats.RecordOrderResult(true, false)
	}
	metrics.GetPrometheusMetrics().RecordOrder(key.Symbol, string(side), string(order.State), duration)
	if c.deps.Listener != nil {
		c.deps.Listener.OnOrder(order)
	}
	if err != nil {
		return order, fmt.Errorf("下单失败: %w", err)
	}

	logger.Info("✅ [Coordinator] %s 下单成功: %s %s reduceOnly=%v positionIdx=%d 订单ID=%s",
		key, side, qty, reduceOnly, key.Idx, order.ExchangeID)
	return order, nil
}

// syncLeverageAndMargin 开仓前同步杠杆与保证金模式，已一致时跳过
func (c *Coordinator) syncLeverageAndMargin(ctx context.Context, key copytrade.PositionKey, donor, follower copytrade.Position) error {
	opts := c.options()
	leverage := follower.Leverage

	if opts.CopyLeverage && donor.Leverage > 0 && math.Abs(follower.Leverage-donor.Leverage) > 1e-9 {
		c.setState(key, copytrade.StateSettingLeverage)
		err := c.deps.Executor.Do(ctx, "position/set-leverage", func(ctx context.Context) error {
			return c.deps.Exchange.SetLeverage(ctx, key.Symbol, donor.Leverage)
		})
		if err != nil {
			return fmt.Errorf("设置杠杆失败: %w", err)
		}
		leverage = donor.Leverage
		logger.Info("✅ [Coordinator] %s 杠杆 %.2fx → %.2fx", key, follower.Leverage, donor.Leverage)
	}

	if opts.CopyMarginMode && donor.MarginMode != "" && follower.MarginMode != donor.MarginMode {
		c.setState(key, copytrade.StateSettingMargin)
		if leverage <= 0 {
			leverage = donor.Leverage
		}
		err := c.deps.Executor.Do(ctx, "position/switch-isolated", func(ctx context.Context) error {
			return c.deps.Exchange.SetMarginMode(ctx, key.Symbol, donor.MarginMode, leverage)
		})
		if err != nil {
			return fmt.Errorf("切换保证金模式失败: %w", err)
		}
		logger.Info("✅ [Coordinator] %s 保证金模式 %s → %s", key, follower.MarginMode, donor.MarginMode)
	}
	return nil
}

func (c *Coordinator) handleOpened(ctx context.Context, key copytrade.PositionKey, s copytrade.PositionOpened) error {
	slots, err := c.followerSlots(ctx, key.Symbol)
	if err != nil {
		return err
	}
	follower := slotFor(slots, key)
	c.setFollower(key, follower)

	if follower.IsOpen() {
		if follower.Side == s.Position.Side {
			logger.Info("ℹ️ [Coordinator] %s 跟单账户已有持仓，按目标数量同步", key)
			return c.increaseToTarget(ctx, key, s.Position, follower, slots, s.Meta, s.Kind())
		}
		// 单向持仓下错过了平仓信号
		logger.Warn("⚠️ [Coordinator] %s 跟单持仓方向 %s 与领航员 %s 不一致，先平仓", key, follower.Side, s.Position.Side)
		if err := c.closeFollower(ctx, key, follower, follower.Side.Opposite(), s.Meta, copytrade.KindClosed); err != nil {
			return err
		}
		follower = copytrade.Position{Symbol: key.Symbol, Idx: key.Idx, Leverage: follower.Leverage, MarginMode: follower.MarginMode}
		slots = nil
	}
	return c.openFresh(ctx, key, s.Position, follower, slots, s.Side, s.Meta, s.Kind())
}

// openFresh 新开仓：计算数量、同步杠杆与保证金模式，全部完成后才下单
func (c *Coordinator) openFresh(ctx context.Context, key copytrade.PositionKey, donor, follower copytrade.Position, slots []copytrade.Position, side copytrade.Side, meta copytrade.Meta, kind copytrade.SignalKind) error {
	if err := c.checkGate(); err != nil {
		return err
	}
	inst, err := c.instrument(ctx, key.Symbol)
	if err != nil {
		return err
	}
	res, err := c.size(donor, inst, exposure(slots, key))
	if err != nil {
		return err
	}

	if err := c.syncLeverageAndMargin(ctx, key, donor, follower); err != nil {
		return err
	}

	c.setState(key, copytrade.StatePlacing)
	if _, err := c.place(ctx, key, side, res.Qty, false, meta, kind); err != nil {
		return err
	}

	follower.Side = side
	follower.Qty = res.Float()
	follower.EntryPrice = donor.ReferencePrice()
	c.setFollower(key, follower)
	c.setState(key, copytrade.StateOpen)

	c.applyPendingTrailing(ctx, key)
	return nil
}

// increaseToTarget 已有同向持仓时补足到目标数量
func (c *Coordinator) increaseToTarget(ctx context.Context, key copytrade.PositionKey, donor, follower copytrade.Position, slots []copytrade.Position, meta copytrade.Meta, kind copytrade.SignalKind) error {
	if err := c.checkGate(); err != nil {
		return err
	}
	inst, err := c.instrument(ctx, key.Symbol)
	if err != nil {
		return err
	}
	res, err := c.size(donor, inst, exposure(slots, key))
	if err != nil {
		return err
	}
	qty := inst.FloorQty(res.Qty.Sub(decimal.NewFromFloat(follower.Qty)))
	if !qty.IsPositive() || qty.LessThan(inst.MinOrderQty) {
		c.setState(key, copytrade.StateOpen)
		return fmt.Errorf("%w: %s 已接近目标数量 %s", copytrade.ErrSizeTooSmall, key, res.Qty)
	}

	c.setState(key, copytrade.StateAdjusting)
	if _, err := c.place(ctx, key, donor.Side, qty, false, meta, kind); err != nil {
		return err
	}
	follower.Qty += qty.InexactFloat64()
	c.setFollower(key, follower)
	c.setState(key, copytrade.StateOpen)
	return nil
}

func (c *Coordinator) handleAdjusted(ctx context.Context, key copytrade.PositionKey, s copytrade.PositionAdjusted) error {
	slots, err := c.followerSlots(ctx, key.Symbol)
	if err != nil {
		return err
	}
	follower := slotFor(slots, key)
	c.setFollower(key, follower)
	donor := s.Position

	if s.LeverageChanged && c.options().CopyLeverage && donor.Leverage > 0 && math.Abs(follower.Leverage-donor.Leverage) > 1e-9 {
		c.setState(key, copytrade.StateAdjusting)
		err := c.deps.Executor.Do(ctx, "position/set-leverage", func(ctx context.Context) error {
			return c.deps.Exchange.SetLeverage(ctx, key.Symbol, donor.Leverage)
		})
		if err != nil {
			return fmt.Errorf("设置杠杆失败: %w", err)
		}
		follower.Leverage = donor.Leverage
		logger.Info("✅ [Coordinator] %s 杠杆同步为 %.2fx", key, donor.Leverage)
	}

	switch {
	case s.TargetQty > 0:
		return c.adjustToTarget(ctx, key, donor, follower, s)

	case s.IsReduce():
		if !follower.IsOpen() {
			return fmt.Errorf("%w: %s 跟单账户无持仓可减", copytrade.ErrSizeTooSmall, key)
		}
		if follower.Side.Opposite() != s.Side {
			return fmt.Errorf("%s 减仓方向 %s 与跟单持仓 %s 不匹配", key, s.Side, follower.Side)
		}
		inst, err := c.instrument(ctx, key.Symbol)
		if err != nil {
			return err
		}
		qty, err := risk.ReduceQty(follower.Qty, s.PrevQty, donor.Qty, inst)
		if err != nil {
			return err
		}
		c.setState(key, copytrade.StateAdjusting)
		if _, err := c.place(ctx, key, s.Side, qty, true, s.Meta, s.Kind()); err != nil {
			return err
		}
		follower.Qty -= qty.InexactFloat64()
		c.setFollower(key, follower)
		if follower.Qty <= 0 {
			c.setState(key, copytrade.StateClosed)
		} else {
			c.setState(key, copytrade.StateOpen)
		}
		return nil

	case donor.Qty > s.PrevQty:
		if !follower.IsOpen() {
			return c.openFresh(ctx, key, donor, follower, slots, s.Side, s.Meta, s.Kind())
		}
		return c.increaseToTarget(ctx, key, donor, follower, slots, s.Meta, s.Kind())

	default:
		if follower.IsOpen() {
			c.setState(key, copytrade.StateOpen)
		} else {
			c.restoreStable(key)
		}
		return nil
	}
}

// adjustToTarget 对账生成的调整：把跟单数量修正到目标值
func (c *Coordinator) adjustToTarget(ctx context.Context, key copytrade.PositionKey, donor, follower copytrade.Position, s copytrade.PositionAdjusted) error {
	inst, err := c.instrument(ctx, key.Symbol)
	if err != nil {
		return err
	}
	diff := decimal.NewFromFloat(s.TargetQty).Sub(decimal.NewFromFloat(follower.Qty))
	qty := inst.FloorQty(diff.Abs())
	if !qty.IsPositive() || qty.LessThan(inst.MinOrderQty) {
		return fmt.Errorf("%w: %s 修正数量 %s", copytrade.ErrSizeTooSmall, key, qty)
	}

	side, reduceOnly := donor.Side, false
	if diff.IsNegative() {
		side, reduceOnly = donor.Side.Opposite(), true
	} else if err := c.checkGate(); err != nil {
		return err
	}

	c.setState(key, copytrade.StateAdjusting)
	if _, err := c.place(ctx, key, side, qty, reduceOnly, s.Meta, s.Kind()); err != nil {
		return err
	}
	follower.Side = donor.Side
	follower.Qty = s.TargetQty
	c.setFollower(key, follower)
	c.setState(key, copytrade.StateOpen)
	return nil
}

func (c *Coordinator) handleClosed(ctx context.Context, key copytrade.PositionKey, s copytrade.PositionClosed) error {
	slots, err := c.followerSlots(ctx, key.Symbol)
	if err != nil {
		return err
	}
	follower := slotFor(slots, key)
	c.setFollower(key, follower)

	if !follower.IsOpen() {
		logger.Info("ℹ️ [Coordinator] %s 跟单账户无持仓，平仓信号视为已完成", key)
		c.setState(key, copytrade.StateClosed)
		c.forgetTrailing(key)
		return nil
	}
	if follower.Side.Opposite() != s.Side {
		return fmt.Errorf("%s 平仓方向 %s 与跟单持仓 %s 不匹配", key, s.Side, follower.Side)
	}
	return c.closeFollower(ctx, key, follower, s.Side, s.Meta, s.Kind())
}

func (c *Coordinator) closeFollower(ctx context.Context, key copytrade.PositionKey, follower copytrade.Position, side copytrade.Side, meta copytrade.Meta, kind copytrade.SignalKind) error {
	c.setState(key, copytrade.StateClosingRequested)
	if _, err := c.place(ctx, key, side, decimal.NewFromFloat(follower.Qty), true, meta, kind); err != nil {
		return err
	}
	follower.Qty = 0
	c.setFollower(key, follower)
	c.setState(key, copytrade.StateClosed)
	c.forgetTrailing(key)
	return nil
}

func (c *Coordinator) handleTrailing(ctx context.Context, key copytrade.PositionKey, s copytrade.TrailingStopSet) error {
	if c.deps.Trailing == nil || !c.options().CopyTrailing {
		return nil
	}
	slots, err := c.followerSlots(ctx, key.Symbol)
	if err != nil {
		return err
	}
	follower := slotFor(slots, key)
	c.setFollower(key, follower)

	if _, err := c.deps.Trailing.Attach(ctx, s, &follower); err != nil {
		return err
	}
	return nil
}

// applyPendingTrailing 开仓后补挂暂存的追踪止损，失败只记录日志
func (c *Coordinator) applyPendingTrailing(ctx context.Context, key copytrade.PositionKey) {
	if c.deps.Trailing == nil || !c.deps.Trailing.HasPending(key) {
		return
	}
	slots, err := c.followerSlots(ctx, key.Symbol)
	if err != nil {
		logger.Warn("⚠️ [Coordinator] %s 补挂追踪止损前查询持仓失败: %v", key, err)
		return
	}
	if _, err := c.deps.Trailing.ApplyPending(ctx, slotFor(slots, key)); err != nil {
		logger.Warn("⚠️ [Coordinator] %s 补挂追踪止损失败: %v", key, err)
	}
}

func (c *Coordinator) forgetTrailing(key copytrade.PositionKey) {
	if c.deps.Trailing != nil {
		c.deps.Trailing.Forget(key)
	}
}

func (c *Coordinator) executeMargin(ctx context.Context, key copytrade.PositionKey, delta float64) error {
	slots, err := c.followerSlots(ctx, key.Symbol)
	if err != nil {
		return err
	}
	follower := slotFor(slots, key)
	c.setFollower(key, follower)
	if !follower.IsOpen() || follower.MarginMode != copytrade.MarginIsolated {
		logger.Info("ℹ️ [Coordinator] %s 跟单持仓不存在或非逐仓，跳过保证金调整 %.4f", key, delta)
		return nil
	}

	c.setState(key, copytrade.StateAdjusting)
	err = c.deps.Executor.Do(ctx, "position/add-margin", func(ctx context.Context) error {
		return c.deps.Exchange.AddMargin(ctx, key, delta)
	})
	if err != nil {
		return fmt.Errorf("调整保证金失败: %w", err)
	}
	logger.Info("✅ [Coordinator] %s 逐仓保证金调整 %+.4f", key, delta)
	c.setState(key, copytrade.StateOpen)
	return nil
}

func (c *Coordinator) executeFlatten(ctx context.Context, key copytrade.PositionKey) error {
	slots, err := c.followerSlots(ctx, key.Symbol)
	if err != nil {
		return err
	}
	follower := slotFor(slots, key)
	c.setFollower(key, follower)
	if !follower.IsOpen() {
		c.setState(key, copytrade.StateClosed)
		return nil
	}
	logger.Warn("⚠️ [Coordinator] %s 运维平仓 %s %v", key, follower.Side, follower.Qty)
	return c.closeFollower(ctx, key, follower, follower.Side.Opposite(), copytrade.Meta{Timestamp: time.Now()}, copytrade.KindClosed)
}

// stopExchange 追踪止损调用经过执行器限流与重试
type stopExchange struct {
	ex       trailing.Exchange
	executor *Executor
}

// TrailingExchange 为追踪止损管理器包装交易所调用
func TrailingExchange(ex trailing.Exchange, executor *Executor) trailing.Exchange {
	return &stopExchange{ex: ex, executor: executor}
}

func (s *stopExchange) GetInstrument(ctx context.Context, symbol string) (copytrade.Instrument, error) {
	var inst copytrade.Instrument
	err := s.executor.Do(ctx, "market/instruments-info", func(ctx context.Context) error {
		var err error
		inst, err = s.ex.GetInstrument(ctx, symbol)
		return err
	})
	return inst, err
}

func (s *stopExchange) SetTradingStop(ctx context.Context, key copytrade.PositionKey, spec copytrade.TrailingStopSpec) error {
	return s.executor.Do(ctx, "position/trading-stop", func(ctx context.Context) error {
		return s.ex.SetTradingStop(ctx, key, spec)
	})
}

func (s *stopExchange) SupportsTradingStopModify() bool {
	return s.ex.SupportsTradingStopModify()
}
