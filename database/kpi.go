package database

import "math"

// KPIs 权益区间统计
type KPIs struct {
	Equity         float64 `json:"equity"`
	Margin         float64 `json:"margin"`
	Unrealized     float64 `json:"unrealized"`
	NetPnL         float64 `json:"net_pnl"`
	PeriodHigh     float64 `json:"period_high"`
	PeriodLow      float64 `json:"period_low"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	Points         int     `json:"points"`
}

// ComputeKPIs 基于时间升序的权益序列计算 KPI，空序列返回零值
func ComputeKPIs(series []*EquitySnapshot) KPIs {
	var k KPIs
	if len(series) == 0 {
		return k
	}

	first, last := series[0], series[len(series)-1]
	k.Points = len(series)
	k.Equity = last.Equity
	k.Margin = last.MarginBalance - last.Available
	if k.Margin < 0 {
		k.Margin = 0
	}
	k.Unrealized = last.UnrealisedPnl
	k.NetPnL = last.Equity - first.Equity
	k.PeriodHigh = first.Equity
	k.PeriodLow = first.Equity

	peak := first.Equity
	for _, s := range series {
		k.PeriodHigh = math.Max(k.PeriodHigh, s.Equity)
		k.PeriodLow = math.Min(k.PeriodLow, s.Equity)
		if s.Equity > peak {
			peak = s.Equity
		}
		dd := peak - s.Equity
		if dd > k.MaxDrawdown {
			k.MaxDrawdown = dd
			if peak > 0 {
				k.MaxDrawdownPct = dd / peak
			}
		}
	}
	return k
}

// SeriesPoint [毫秒时间戳, 数值]
type SeriesPoint [2]float64

// EquityPoints 权益曲线
func EquityPoints(series []*EquitySnapshot) []SeriesPoint {
	points := make([]SeriesPoint, 0, len(series))
	for _, s := range series {
		points = append(points, SeriesPoint{float64(s.CreatedAt.UnixMilli()), s.Equity})
	}
	return points
}

// MarginPoints 占用保证金曲线
func MarginPoints(series []*EquitySnapshot) []SeriesPoint {
	points := make([]SeriesPoint, 0, len(series))
	for _, s := range series {
		points = append(points, SeriesPoint{float64(s.CreatedAt.UnixMilli()), math.Max(s.MarginBalance-s.Available, 0)})
	}
	return points
}
