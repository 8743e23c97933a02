package bybit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"copymirror/copytrade"
	"copymirror/logger"
	"copymirror/utils"

	"github.com/shopspring/decimal"
)

// AdapterConfig 适配器参数
type AdapterConfig struct {
	Name           string // donor / follower
	APIKey         string
	SecretKey      string
	Testnet        bool
	HedgeMode      bool
	Category       string
	SettleCoin     string
	RecvWindow     int
	InstrumentsTTL time.Duration
	Stream         StreamConfig
	ClientOptions  []ClientOption
}

// BybitAdapter 将 V5 原始结构转换为 copytrade 领域类型
type BybitAdapter struct {
	name       string
	client     *BybitClient
	stream     *PrivateStream
	category   string
	settleCoin string
	hedgeMode  bool

	instMu         sync.RWMutex
	instruments    map[string]copytrade.Instrument
	instrumentsTTL time.Duration
}

// NewBybitAdapter 创建 Bybit 适配器
func NewBybitAdapter(cfg AdapterConfig) (*BybitAdapter, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("Bybit API 配置不完整")
	}
	if cfg.Category == "" {
		cfg.Category = "linear"
	}
	if cfg.SettleCoin == "" {
		cfg.SettleCoin = "USDT"
	}
	if cfg.InstrumentsTTL <= 0 {
		cfg.InstrumentsTTL = time.Hour
	}
	if cfg.Testnet {
		logger.Info("🌐 [Bybit:%s] 使用测试网模式", cfg.Name)
	}

	opts := append([]ClientOption{WithRecvWindow(cfg.RecvWindow)}, cfg.ClientOptions...)
	return &BybitAdapter{
		name:           cfg.Name,
		client:         NewBybitClient(cfg.APIKey, cfg.SecretKey, cfg.Testnet, opts...),
		stream:         NewPrivateStream(cfg.Name, cfg.APIKey, cfg.SecretKey, cfg.Testnet, cfg.Stream),
		category:       cfg.Category,
		settleCoin:     cfg.SettleCoin,
		hedgeMode:      cfg.HedgeMode,
		instruments:    make(map[string]copytrade.Instrument),
		instrumentsTTL: cfg.InstrumentsTTL,
	}, nil
}

// GetName 交易所名称
func (b *BybitAdapter) GetName() string {
	return "bybit"
}

// HedgeMode 账户是否为双向持仓
func (b *BybitAdapter) HedgeMode() bool {
	return b.hedgeMode
}

// Client 底层 REST 客户端
func (b *BybitAdapter) Client() *BybitClient {
	return b.client
}

// Stream 私有频道
func (b *BybitAdapter) Stream() *PrivateStream {
	return b.stream
}

// ParseNumber 解析数字字符串，空串或非法值返回 0
func ParseNumber(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseMillis 解析毫秒时间戳，缺失时取当前时间
func ParseMillis(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	if t := utils.FromMillis(ms); !t.IsZero() {
		return t
	}
	return time.Now().UTC()
}

// ConvertPosition BybitPosition 转领域持仓
func ConvertPosition(p BybitPosition) copytrade.Position {
	entry := ParseNumber(p.AvgPrice)
	if entry == 0 {
		entry = ParseNumber(p.EntryPrice)
	}
	mode := copytrade.MarginCross
	if p.TradeMode == 1 {
		mode = copytrade.MarginIsolated
	}
	side := copytrade.Side(p.Side)
	if !side.Valid() {
		side = ""
	}
	return copytrade.Position{
		Symbol:          p.Symbol,
		Side:            side,
		Qty:             ParseNumber(p.Size),
		EntryPrice:      entry,
		MarkPrice:       ParseNumber(p.MarkPrice),
		Leverage:        ParseNumber(p.Leverage),
		MarginMode:      mode,
		Idx:             p.PositionIdx,
		PositionBalance: ParseNumber(p.PositionBalance),
		LiqPrice:        ParseNumber(p.LiqPrice),
		UnrealisedPnl:   ParseNumber(p.UnrealisedPnl),
		CumRealisedPnl:  ParseNumber(p.CumRealisedPnl),
		TrailingStop:    ParseNumber(p.TrailingStop),
		ActivePrice:     ParseNumber(p.ActivePrice),
		UpdatedAt:       ParseMillis(p.UpdatedTime),
	}
}

// ConvertWallet 钱包推送转账户权益
func ConvertWallet(w WalletBalance, role copytrade.Role) copytrade.Account {
	return copytrade.Account{
		Role:          role,
		Equity:        ParseNumber(w.TotalEquity),
		Available:     ParseNumber(w.TotalAvailableBalance),
		MarginBalance: ParseNumber(w.TotalMarginBalance),
		UnrealisedPnl: ParseNumber(w.TotalPerpUPL),
		UpdatedAt:     time.Now(),
	}
}

// GetPositions 获取全部持仓（已过滤空仓位槽）
func (b *BybitAdapter) GetPositions(ctx context.Context) ([]copytrade.Position, error) {
	raw, err := b.client.GetPositions(ctx, b.category, "", b.settleCoin)
	if err != nil {
		return nil, err
	}
	out := make([]copytrade.Position, 0, len(raw))
	for _, p := range raw {
		pos := ConvertPosition(p)
		if pos.IsOpen() {
			out = append(out, pos)
		}
	}
	return out, nil
}

// GetSymbolPositions 获取单个交易对的所有槽位（包含空仓，用于读取杠杆与保证金模式）
func (b *BybitAdapter) GetSymbolPositions(ctx context.Context, symbol string) ([]copytrade.Position, error) {
	raw, err := b.client.GetPositions(ctx, b.category, symbol, "")
	if err != nil {
		return nil, err
	}
	out := make([]copytrade.Position, 0, len(raw))
	for _, p := range raw {
		out = append(out, ConvertPosition(p))
	}
	return out, nil
}

// GetAccount 获取统一账户权益
func (b *BybitAdapter) GetAccount(ctx context.Context, role copytrade.Role) (copytrade.Account, error) {
	w, err := b.client.GetWalletBalance(ctx, "UNIFIED")
	if err != nil {
		return copytrade.Account{}, err
	}
	return ConvertWallet(*w, role), nil
}

// GetInstrument 获取合约规格（带缓存）
func (b *BybitAdapter) GetInstrument(ctx context.Context, symbol string) (copytrade.Instrument, error) {
	b.instMu.RLock()
	info, ok := b.instruments[symbol]
	b.instMu.RUnlock()
	if ok && time.Since(info.UpdatedAt) < b.instrumentsTTL {
		return info, nil
	}

	list, err := b.client.GetInstruments(ctx, b.category, symbol)
	if err != nil {
		if ok {
			logger.Warn("⚠️ [Bybit:%s] 刷新合约规格失败，沿用缓存 %s: %v", b.name, symbol, err)
			return info, nil
		}
		return copytrade.Instrument{}, err
	}
	if len(list) == 0 {
		return copytrade.Instrument{}, fmt.Errorf("合约 %s 不存在", symbol)
	}

	inst := list[0]
	info = copytrade.Instrument{
		Symbol:      inst.Symbol,
		QtyStep:     parseDecimal(inst.LotSizeFilter.QtyStep),
		MinOrderQty: parseDecimal(inst.LotSizeFilter.MinOrderQty),
		MaxOrderQty: parseDecimal(inst.LotSizeFilter.MaxOrderQty),
		TickSize:    parseDecimal(inst.PriceFilter.TickSize),
		MinNotional: parseDecimal(inst.LotSizeFilter.MinNotionalValue),
		UpdatedAt:   time.Now(),
	}
	b.instMu.Lock()
	b.instruments[symbol] = info
	b.instMu.Unlock()

	logger.Debug("ℹ️ [Bybit:%s] 合约规格 %s qtyStep=%s minQty=%s tick=%s minNotional=%s",
		b.name, symbol, info.QtyStep, info.MinOrderQty, info.TickSize, info.MinNotional)
	return info, nil
}

// formatQty 按 qtyStep 的小数位格式化
func formatQty(qty float64, step decimal.Decimal) string {
	d := decimal.NewFromFloat(qty)
	if step.IsPositive() {
		return d.StringFixed(-step.Exponent())
	}
	return d.String()
}

func formatPrice(price float64) string {
	return decimal.NewFromFloat(price).String()
}

// PlaceOrder 市价 IOC 下单，positionIdx 总是显式传递
func (b *BybitAdapter) PlaceOrder(ctx context.Context, order copytrade.CopyOrder) (string, error) {
	if order.Qty <= 0 {
		return "", fmt.Errorf("下单数量必须大于 0: %v", order.Qty)
	}
	info, err := b.GetInstrument(ctx, order.Symbol)
	if err != nil {
		return "", err
	}

	req := PlaceOrderRequest{
		Category:    b.category,
		Symbol:      order.Symbol,
		Side:        string(order.Side),
		OrderType:   string(order.OrderType),
		Qty:         formatQty(order.Qty, info.QtyStep),
		PositionIdx: order.PositionIdx,
		ReduceOnly:  order.ReduceOnly,
		OrderLinkID: order.OrderLinkID,
	}
	if order.OrderType == copytrade.OrderTypeMarket {
		req.TimeInForce = "IOC"
	}

	res, err := b.client.PlaceOrder(ctx, req)
	if err != nil {
		return "", err
	}
	return res.OrderID, nil
}

// CancelOrder 撤单
func (b *BybitAdapter) CancelOrder(ctx context.Context, symbol, orderID, orderLinkID string) error {
	return b.client.CancelOrder(ctx, b.category, symbol, orderID, orderLinkID)
}

// SetLeverage 设置杠杆
func (b *BybitAdapter) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	return b.client.SetLeverage(ctx, b.category, symbol, formatPrice(leverage))
}

// SetMarginMode 切换保证金模式，leverage 为切换后的杠杆
func (b *BybitAdapter) SetMarginMode(ctx context.Context, symbol string, mode copytrade.MarginMode, leverage float64) error {
	tradeMode := 0
	if mode == copytrade.MarginIsolated {
		tradeMode = 1
	}
	return b.client.SwitchIsolated(ctx, b.category, symbol, tradeMode, formatPrice(leverage))
}

// SetTradingStop 设置或撤销追踪止损（原地修改）
func (b *BybitAdapter) SetTradingStop(ctx context.Context, key copytrade.PositionKey, spec copytrade.TrailingStopSpec) error {
	req := TradingStopRequest{
		Category:     b.category,
		Symbol:       key.Symbol,
		PositionIdx:  key.Idx,
		TpslMode:     "Full",
		TrailingStop: "0",
	}
	if !spec.IsReset() {
		req.TrailingStop = formatPrice(spec.Distance)
		if spec.ActivationPrice > 0 {
			req.ActivePrice = formatPrice(spec.ActivationPrice)
		}
		req.TriggerDirection = spec.TriggerDirection
	}
	err := b.client.SetTradingStop(ctx, req)
	// 撤销时仓位已无追踪止损会返回 10001
	if spec.IsReset() && RetCode(err) == CodeParamsError {
		return nil
	}
	return err
}

// AddMargin 增减逐仓保证金
func (b *BybitAdapter) AddMargin(ctx context.Context, key copytrade.PositionKey, delta float64) error {
	return b.client.AddMargin(ctx, b.category, key.Symbol, key.Idx, decimal.NewFromFloat(delta).Round(4).String())
}
