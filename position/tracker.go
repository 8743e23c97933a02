package position

import (
	"context"
	"sort"
	"sync"
	"time"

	"copymirror/copytrade"
	"copymirror/database"
	"copymirror/exchange"
	"copymirror/logger"
)

// Store 读模型存储
type Store interface {
	SavePosition(ctx context.Context, pos *database.PositionRecord) error
	ClosePosition(ctx context.Context, symbol string, idx int, exitPrice, realizedPnl float64, closedAt time.Time) (*database.PositionRecord, error)
	GetOpenPositions(ctx context.Context) ([]*database.PositionRecord, error)
	SaveTrade(ctx context.Context, trade *database.Trade) error
}

// Tracker 跟单账户持仓读模型，由跟单账户的私有流驱动
type Tracker struct {
	store Store

	mu   sync.RWMutex
	open map[copytrade.PositionKey]*database.PositionRecord
}

// NewTracker 创建持仓跟踪器
func NewTracker(store Store) *Tracker {
	return &Tracker{
		store: store,
		open:  make(map[copytrade.PositionKey]*database.PositionRecord),
	}
}

// Load 从存储恢复开仓中的记录
func (t *Tracker) Load(ctx context.Context) error {
	records, err := t.store.GetOpenPositions(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range records {
		t.open[copytrade.PositionKey{Symbol: r.Symbol, Idx: r.Idx}] = r
	}
	logger.Info("✅ [Tracker] 已恢复 %d 个开仓记录", len(records))
	return nil
}

// Handle 处理跟单账户流事件
func (t *Tracker) Handle(ctx context.Context, ev exchange.StreamEvent) {
	switch ev.Kind {
	case exchange.EventPosition:
		for _, p := range ev.Positions {
			t.OnPosition(ctx, p)
		}
	case exchange.EventExecution:
		for _, e := range ev.Executions {
			t.onExecution(ctx, e)
		}
	}
}

// Sync 用 REST 快照对齐读模型，快照中不存在的开仓记录按平仓处理
func (t *Tracker) Sync(ctx context.Context, positions []copytrade.Position) {
	present := make(map[copytrade.PositionKey]bool, len(positions))
	for _, p := range positions {
		if p.IsOpen() {
			present[p.Key()] = true
		}
		t.OnPosition(ctx, p)
	}

	t.mu.RLock()
	var stale []*database.PositionRecord
	for key, rec := range t.open {
		if !present[key] {
			stale = append(stale, rec)
		}
	}
	t.mu.RUnlock()
	for _, rec := range stale {
		t.OnPosition(ctx, copytrade.Position{Symbol: rec.Symbol, Idx: rec.Idx, CumRealisedPnl: rec.CumRealisedPnl})
	}
}

// OnPosition 开仓中的持仓更新记录，数量归零时平仓
func (t *Tracker) OnPosition(ctx context.Context, p copytrade.Position) {
	key := p.Key()

	t.mu.Lock()
	rec, tracked := t.open[key]
	t.mu.Unlock()

	if tracked && (!p.IsOpen() || string(p.Side) != rec.Side) {
		t.close(ctx, key, rec, p)
		tracked = false
	}
	if !p.IsOpen() {
		return
	}

	next := &database.PositionRecord{
		Symbol:         p.Symbol,
		Idx:            p.Idx,
		Side:           string(p.Side),
		Qty:            p.Qty,
		EntryPrice:     p.EntryPrice,
		MarkPrice:      p.MarkPrice,
		LiqPrice:       p.LiqPrice,
		Leverage:       p.Leverage,
		MarginMode:     string(p.MarginMode),
		UnrealisedPnl:  p.UnrealisedPnl,
		CumRealisedPnl: p.CumRealisedPnl,
		OpenCumPnl:     p.CumRealisedPnl,
		OpenedAt:       time.Now(),
		UpdatedAt:      time.Now(),
	}
	if tracked {
		next.ID = rec.ID
		next.OpenCumPnl = rec.OpenCumPnl
		next.OpenedAt = rec.OpenedAt
		if next.MarkPrice == 0 {
			next.MarkPrice = rec.MarkPrice
		}
		if next.LiqPrice == 0 {
			next.LiqPrice = rec.LiqPrice
		}
	}

	if err := t.store.SavePosition(ctx, next); err != nil {
		logger.Warn("⚠️ [Tracker] 保存持仓 %s 失败: %v", key, err)
	}
	t.mu.Lock()
	t.open[key] = next
	t.mu.Unlock()
	if !tracked {
		logger.Info("📈 [Tracker] %s 开仓 %s %.6f @ %.4f", key, p.Side, p.Qty, p.EntryPrice)
	}
}

func (t *Tracker) close(ctx context.Context, key copytrade.PositionKey, rec *database.PositionRecord, p copytrade.Position) {
	exitPrice := rec.MarkPrice
	if !p.IsOpen() && p.MarkPrice > 0 {
		exitPrice = p.MarkPrice
	}
	cum := p.CumRealisedPnl
	if cum == 0 {
		cum = rec.CumRealisedPnl
	}
	realized := cum - rec.OpenCumPnl

	if _, err := t.store.ClosePosition(ctx, rec.Symbol, rec.Idx, exitPrice, realized, time.Now()); err != nil {
		logger.Warn("⚠️ [Tracker] 关闭持仓 %s 失败: %v", key, err)
	}
	t.mu.Lock()
	delete(t.open, key)
	t.mu.Unlock()
	logger.Info("📉 [Tracker] %s 平仓 @ %.4f，盈亏 %.4f", key, exitPrice, realized)
}

func (t *Tracker) onExecution(ctx context.Context, e exchange.Execution) {
	if e.ExecID == "" {
		return
	}
	trade := &database.Trade{
		Symbol:      e.Symbol,
		Side:        string(e.Side),
		ExecID:      e.ExecID,
		OrderID:     e.OrderID,
		OrderLinkID: e.OrderLinkID,
		Price:       e.Price,
		Qty:         e.Qty,
		Fee:         e.Fee,
		ClosedSize:  e.ClosedSize,
		ExecTime:    e.Time,
		CreatedAt:   time.Now(),
	}
	if err := t.store.SaveTrade(ctx, trade); err != nil {
		logger.Warn("⚠️ [Tracker] 保存成交 %s 失败: %v", e.ExecID, err)
	}
}

// Open 当前开仓中的记录，按持仓键排序
func (t *Tracker) Open() []database.PositionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]database.PositionRecord, 0, len(t.open))
	for _, r := range t.open {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Idx < out[j].Idx
	})
	return out
}
