package copytrade

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument 合约下单规格
type Instrument struct {
	Symbol      string          `json:"symbol"`
	QtyStep     decimal.Decimal `json:"qty_step"`
	MinOrderQty decimal.Decimal `json:"min_order_qty"`
	MaxOrderQty decimal.Decimal `json:"max_order_qty"`
	TickSize    decimal.Decimal `json:"tick_size"`
	MinNotional decimal.Decimal `json:"min_notional"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// FloorQty 按 qtyStep 向下取整
func (i Instrument) FloorQty(qty decimal.Decimal) decimal.Decimal {
	if !i.QtyStep.IsPositive() {
		return qty
	}
	return qty.Div(i.QtyStep).Floor().Mul(i.QtyStep)
}

// RoundPrice 按 tickSize 四舍五入
func (i Instrument) RoundPrice(price decimal.Decimal) decimal.Decimal {
	if !i.TickSize.IsPositive() {
		return price
	}
	return price.Div(i.TickSize).Round(0).Mul(i.TickSize)
}
