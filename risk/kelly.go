package risk

import (
	"math"

	"copymirror/config"
)

// Params 仓位计算参数
type Params struct {
	WinRate              float64
	WinLossRatio         float64
	ConservativeFactor   float64
	MaxKellyFraction     float64
	MaxCopySizeUSDT      float64
	MaxExposurePerSymbol float64
	ProportionalCap      bool
}

// ParamsFromConfig 从配置构建参数（配置已通过 Validate 填充默认值）
func ParamsFromConfig(rc config.RiskConfig) Params {
	return Params{
		WinRate:              rc.WinRate,
		WinLossRatio:         rc.WinLossRatio,
		ConservativeFactor:   rc.ConservativeFactor,
		MaxKellyFraction:     rc.MaxKellyFraction,
		MaxCopySizeUSDT:      rc.MaxCopySizeUSDT,
		MaxExposurePerSymbol: rc.MaxExposurePerSymbol,
		ProportionalCap:      rc.ProportionalCapEnabled(),
	}
}

// Kelly 凯利公式 f = (b·p − q) / b，负期望时返回 0
func Kelly(winRate, winLossRatio float64) float64 {
	if winLossRatio <= 0 || winRate <= 0 || winRate >= 1 {
		return 0
	}
	f := (winLossRatio*winRate - (1 - winRate)) / winLossRatio
	return math.Max(f, 0)
}

// Fraction 最终风险比例：min(kelly, 上限) × 保守系数
func (p Params) Fraction() float64 {
	f := Kelly(p.WinRate, p.WinLossRatio)
	if p.MaxKellyFraction > 0 && f > p.MaxKellyFraction {
		f = p.MaxKellyFraction
	}
	return f * p.ConservativeFactor
}
