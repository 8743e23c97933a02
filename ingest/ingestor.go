package ingest

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"copymirror/copytrade"
	"copymirror/exchange"
	"copymirror/logger"
	"copymirror/metrics"
)

// SnapshotSource 领航员持仓快照
type SnapshotSource interface {
	GetPositions(ctx context.Context) ([]copytrade.Position, error)
}

// Sink 信号下游（引擎）
type Sink interface {
	Submit(sig copytrade.CopySignal) error
}

// AccountSink 接收领航员权益
type AccountSink interface {
	UpdateAccount(account copytrade.Account)
}

// Journal 信号日志
type Journal interface {
	Publish(ctx context.Context, sig copytrade.CopySignal) error
}

// Deps 依赖
type Deps struct {
	Source    SnapshotSource
	Sink      Sink
	Accounts  AccountSink
	Journal   Journal
	Sequencer *copytrade.Sequencer
}

// Ingestor 单连接单消费者：把领航员私有频道推送转换为 CopySignal
// 同一交易对的信号按到达顺序发出
type Ingestor struct {
	name string
	deps Deps

	mu      sync.RWMutex
	known   map[copytrade.PositionKey]copytrade.Position
	lastSeq map[string]uint64
	seeded  bool
}

// NewIngestor 创建信号采集器
func NewIngestor(name string, deps Deps) *Ingestor {
	if deps.Sequencer == nil {
		deps.Sequencer = &copytrade.Sequencer{}
	}
	return &Ingestor{
		name:    name,
		deps:    deps,
		known:   make(map[copytrade.PositionKey]copytrade.Position),
		lastSeq: make(map[string]uint64),
	}
}

// Seed 用 REST 快照建立基线，不发出信号
// 启动时已有的领航员持仓由启动对账处理
func (i *Ingestor) Seed(ctx context.Context) error {
	positions, err := i.deps.Source.GetPositions(ctx)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.known = make(map[copytrade.PositionKey]copytrade.Position, len(positions))
	for _, p := range positions {
		i.known[p.Key()] = p
	}
	i.seeded = true
	logger.Info("✅ [Ingestor:%s] 基线已建立，领航员持仓 %d 个", i.name, len(positions))
	return nil
}

// Run 消费推送直到通道关闭或 ctx 取消
func (i *Ingestor) Run(ctx context.Context, events <-chan exchange.StreamEvent) error {
	pm := metrics.GetPrometheusMetrics()
	defer pm.SetStreamStatus(i.name, false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				logger.Warn("⚠️ [Ingestor:%s] 推送通道已关闭", i.name)
				return nil
			}
			i.handle(ctx, ev)
		}
	}
}

func (i *Ingestor) handle(ctx context.Context, ev exchange.StreamEvent) {
	pm := metrics.GetPrometheusMetrics()

	switch ev.Kind {
	case exchange.EventConnected:
		pm.SetStreamStatus(i.name, true)
		if ev.Reconnect {
			pm.RecordStreamReconnect(i.name)
			i.replay(ctx)
			return
		}
		i.mu.RLock()
		seeded := i.seeded
		i.mu.RUnlock()
		if !seeded {
			if err := i.Seed(ctx); err != nil {
				logger.Warn("⚠️ [Ingestor:%s] 建立基线失败，后续推送按增量处理: %v", i.name, err)
			}
		}

	case exchange.EventPosition:
		for _, p := range ev.Positions {
			i.apply(ctx, p, copytrade.SourceLive)
		}

	case exchange.EventWallet:
		if ev.Account != nil && i.deps.Accounts != nil {
			i.deps.Accounts.UpdateAccount(*ev.Account)
		}

	case exchange.EventOrder:
		for _, o := range ev.Orders {
			logger.Debug("ℹ️ [Ingestor:%s] 订单 %s %s %s %v/%v", i.name, o.Symbol, o.Side, o.Status, o.CumExecQty, o.Qty)
		}

	case exchange.EventExecution:
		for _, e := range ev.Executions {
			logger.Debug("ℹ️ [Ingestor:%s] 成交 %s %s %v@%v", i.name, e.Symbol, e.Side, e.Qty, e.Price)
		}
	}
}

// replay 重连后拉取快照，与已知状态比较并发出补发信号
// 在读取下一条实时推送之前完成，因此之后的实时信号序号更大
func (i *Ingestor) replay(ctx context.Context) {
	positions, err := i.deps.Source.GetPositions(ctx)
	if err != nil {
		logger.Error("❌ [Ingestor:%s] 重连后获取快照失败，缺口由定时对账修复: %v", i.name, err)
		return
	}

	current := make(map[copytrade.PositionKey]copytrade.Position, len(positions))
	for _, p := range positions {
		current[p.Key()] = p
	}

	i.mu.RLock()
	var gone []copytrade.PositionKey
	for key := range i.known {
		if _, ok := current[key]; !ok {
			gone = append(gone, key)
		}
	}
	i.mu.RUnlock()

	emitted := 0
	for _, p := range positions {
		emitted += i.apply(ctx, p, copytrade.SourceReplay)
	}
	for _, key := range gone {
		emitted += i.apply(ctx, copytrade.Position{Symbol: key.Symbol, Idx: key.Idx, UpdatedAt: time.Now()}, copytrade.SourceReplay)
	}
	logger.Info("🔄 [Ingestor:%s] 重连补发完成：快照 %d 个持仓，补发 %d 个信号", i.name, len(positions), emitted)
}

// apply 与上一次状态比较并发出信号，返回发出数量
func (i *Ingestor) apply(ctx context.Context, cur copytrade.Position, source copytrade.SignalSource) int {
	key := cur.Key()
	i.mu.Lock()
	prev := i.known[key]
	if cur.IsOpen() {
		i.known[key] = cur
	} else {
		delete(i.known, key)
	}
	i.mu.Unlock()

	// 分配序号时即记录，对账据此判断快照期间是否有实时信号
	signals := Diff(prev, cur, func() copytrade.Meta {
		meta := i.deps.Sequencer.NewMeta(source)
		i.mu.Lock()
		i.lastSeq[key.Symbol] = meta.Seq
		i.mu.Unlock()
		return meta
	})
	for _, sig := range signals {
		i.emit(ctx, sig)
	}
	return len(signals)
}

func (i *Ingestor) emit(ctx context.Context, sig copytrade.CopySignal) {
	meta := sig.Metadata()

	logger.Info("📡 [Ingestor:%s] %s %s seq=%d (%s)", i.name, sig.Kind(), sig.Key(), meta.Seq, meta.Source)

	if i.deps.Journal != nil {
		jctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := i.deps.Journal.Publish(jctx, sig); err != nil {
			logger.Warn("⚠️ [Ingestor:%s] 写入信号日志失败: %v", i.name, err)
		}
		cancel()
	}

	if err := i.deps.Sink.Submit(sig); err != nil {
		if errors.Is(err, copytrade.ErrMirroringStopped) {
			logger.Debug("ℹ️ [Ingestor:%s] 跟单已停止，忽略 %s", i.name, sig.Key())
			return
		}
		logger.Warn("⚠️ [Ingestor:%s] 提交信号 %s seq=%d 失败: %v", i.name, sig.Key(), meta.Seq, err)
	}
}

// LastSeq 交易对最近一次发出信号的序号
func (i *Ingestor) LastSeq(symbol string) uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastSeq[symbol]
}

// Known 当前已知的领航员持仓
func (i *Ingestor) Known() []copytrade.Position {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]copytrade.Position, 0, len(i.known))
	for _, p := range i.known {
		out = append(out, p)
	}
	return out
}

const qtyEpsilon = 1e-12

func changed(a, b float64) bool {
	return math.Abs(a-b) > qtyEpsilon
}

// Diff 比较同一持仓键的前后快照，按顺序返回信号
func Diff(prev, cur copytrade.Position, meta func() copytrade.Meta) []copytrade.CopySignal {
	var out []copytrade.CopySignal
	prevOpen, curOpen := prev.IsOpen(), cur.IsOpen()

	switch {
	case !prevOpen && !curOpen:
		return nil

	case !prevOpen && curOpen:
		out = append(out, copytrade.PositionOpened{Meta: meta(), Position: cur, Side: cur.Side})
		if cur.TrailingStop > 0 {
			out = append(out, trailingSignal(meta(), cur))
		}
		return out

	case prevOpen && !curOpen:
		last := prev
		if cur.MarkPrice > 0 {
			last.MarkPrice = cur.MarkPrice
		}
		return append(out, copytrade.PositionClosed{Meta: meta(), Position: last, Side: prev.Side.Opposite()})

	case prev.Side != cur.Side:
		// 单向持仓反手
		out = append(out,
			copytrade.PositionClosed{Meta: meta(), Position: prev, Side: prev.Side.Opposite()},
			copytrade.PositionOpened{Meta: meta(), Position: cur, Side: cur.Side})
		if cur.TrailingStop > 0 {
			out = append(out, trailingSignal(meta(), cur))
		}
		return out
	}

	qtyChanged := changed(prev.Qty, cur.Qty)
	levChanged := cur.Leverage > 0 && changed(prev.Leverage, cur.Leverage)
	if qtyChanged || levChanged {
		side := cur.Side
		if cur.Qty < prev.Qty {
			side = cur.Side.Opposite()
		}
		out = append(out, copytrade.PositionAdjusted{
			Meta:            meta(),
			Position:        cur,
			Side:            side,
			PrevQty:         prev.Qty,
			LeverageChanged: levChanged,
		})
	}

	if changed(prev.TrailingStop, cur.TrailingStop) || changed(prev.ActivePrice, cur.ActivePrice) {
		out = append(out, trailingSignal(meta(), cur))
	}

	if !qtyChanged && cur.MarginMode == copytrade.MarginIsolated && changed(prev.PositionBalance, cur.PositionBalance) {
		out = append(out, copytrade.MarginChanged{Meta: meta(), Position: cur, Delta: cur.PositionBalance - prev.PositionBalance})
	}
	return out
}

func trailingSignal(meta copytrade.Meta, p copytrade.Position) copytrade.TrailingStopSet {
	return copytrade.TrailingStopSet{
		Meta:     meta,
		Position: p,
		Spec: copytrade.TrailingStopSpec{
			Distance:        p.TrailingStop,
			ActivationPrice: p.ActivePrice,
		},
	}
}
