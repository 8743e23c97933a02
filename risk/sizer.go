package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"copymirror/copytrade"
	"copymirror/logger"

	"github.com/shopspring/decimal"
)

// ErrEquityUnknown 跟单账户权益尚未获取，等待 REST 刷新或钱包推送
var ErrEquityUnknown = errors.New("跟单账户权益未知")

// SizeRequest 一次开仓/加仓的计算输入
type SizeRequest struct {
	Symbol          string
	DonorNotional   float64 // 领航员本次交易（或目标持仓）的名义价值
	DonorEquity     float64 // 未知时为 0
	FollowerEquity  float64
	CurrentExposure float64 // 跟单账户该币种已有名义价值
	ReferencePrice  float64
	Instrument      copytrade.Instrument
}

// SizeResult 计算结果
type SizeResult struct {
	Qty            decimal.Decimal
	RawQty         decimal.Decimal
	TargetNotional float64
	Fraction       float64
	CappedBy       string
}

// Float 数量转 float64
func (r SizeResult) Float() float64 {
	return r.Qty.InexactFloat64()
}

// Sizer 凯利仓位计算器，参数可热更新
type Sizer struct {
	mu     sync.RWMutex
	params Params
}

// NewSizer 创建仓位计算器
func NewSizer(params Params) *Sizer {
	return &Sizer{params: params}
}

// UpdateParams 热更新参数
func (s *Sizer) UpdateParams(params Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = params
	logger.Info("🔄 [RiskSizer] 参数已更新: fraction=%.4f maxCopy=%.2f maxExposure=%.2f",
		params.Fraction(), params.MaxCopySizeUSDT, params.MaxExposurePerSymbol)
}

// Params 当前参数
func (s *Sizer) Params() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// Size 计算跟单数量，结果按 qtyStep 向下取整
// 低于最小下单量或最小名义价值时返回 ErrSizeTooSmall
func (s *Sizer) Size(req SizeRequest) (SizeResult, error) {
	p := s.Params()
	res := SizeResult{Fraction: p.Fraction()}

	if req.ReferencePrice <= 0 {
		return res, fmt.Errorf("%s 参考价格无效: %v", req.Symbol, req.ReferencePrice)
	}
	if req.FollowerEquity <= 0 {
		return res, fmt.Errorf("%s: %w", req.Symbol, ErrEquityUnknown)
	}

	target := req.FollowerEquity * res.Fraction
	res.CappedBy = "kelly"
	if p.MaxCopySizeUSDT > 0 && p.MaxCopySizeUSDT < target {
		target, res.CappedBy = p.MaxCopySizeUSDT, "max_copy_size"
	}
	if p.MaxExposurePerSymbol > 0 {
		room := math.Max(p.MaxExposurePerSymbol-req.CurrentExposure, 0)
		if room < target {
			target, res.CappedBy = room, "max_exposure"
		}
	}
	if p.ProportionalCap && req.DonorNotional > 0 {
		proportional := req.DonorNotional
		if req.DonorEquity > 0 {
			proportional = req.DonorNotional * req.FollowerEquity / req.DonorEquity
		}
		if proportional < target {
			target, res.CappedBy = proportional, "proportional"
		}
	}
	res.TargetNotional = target

	price := decimal.NewFromFloat(req.ReferencePrice)
	res.RawQty = decimal.NewFromFloat(target).Div(price)
	qty := req.Instrument.FloorQty(res.RawQty)
	if req.Instrument.MaxOrderQty.IsPositive() && qty.GreaterThan(req.Instrument.MaxOrderQty) {
		qty = req.Instrument.FloorQty(req.Instrument.MaxOrderQty)
	}
	res.Qty = qty

	if !qty.IsPositive() || qty.LessThan(req.Instrument.MinOrderQty) {
		return res, fmt.Errorf("%w: %s 数量 %s < 最小 %s", copytrade.ErrSizeTooSmall, req.Symbol, qty, req.Instrument.MinOrderQty)
	}
	if req.Instrument.MinNotional.IsPositive() && qty.Mul(price).LessThan(req.Instrument.MinNotional) {
		return res, fmt.Errorf("%w: %s 名义价值 %s < 最小 %s", copytrade.ErrSizeTooSmall, req.Symbol, qty.Mul(price).StringFixed(2), req.Instrument.MinNotional)
	}

	logger.Debug("ℹ️ [RiskSizer] %s 目标名义价值 %.2f (%s) 原始数量 %s → %s",
		req.Symbol, target, res.CappedBy, res.RawQty.StringFixed(8), qty)
	return res, nil
}

// ReduceQty 按领航员减仓比例计算跟单减仓数量
// donorNewQty 为 0 时平掉全部跟单持仓
func ReduceQty(followerQty, donorPrevQty, donorNewQty float64, inst copytrade.Instrument) (decimal.Decimal, error) {
	if followerQty <= 0 {
		return decimal.Zero, fmt.Errorf("%w: 跟单账户无持仓", copytrade.ErrSizeTooSmall)
	}
	full := decimal.NewFromFloat(followerQty)
	if donorNewQty <= 0 || donorPrevQty <= 0 {
		return full, nil
	}

	ratio := decimal.NewFromFloat(donorPrevQty - donorNewQty).Div(decimal.NewFromFloat(donorPrevQty))
	if !ratio.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: 领航员未减仓", copytrade.ErrSizeTooSmall)
	}
	if ratio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return full, nil
	}
	qty := inst.FloorQty(full.Mul(ratio))
	if !qty.IsPositive() || qty.LessThan(inst.MinOrderQty) {
		return qty, fmt.Errorf("%w: 减仓数量 %s < 最小 %s", copytrade.ErrSizeTooSmall, qty, inst.MinOrderQty)
	}
	return qty, nil
}
