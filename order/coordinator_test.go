package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"copymirror/copytrade"
	"copymirror/exchange"
	"copymirror/risk"
	"copymirror/trailing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingExchange 记录所有写操作的顺序，下单后模拟成交
type recordingExchange struct {
	mu        sync.Mutex
	hedge     bool
	calls     []string
	orders    []copytrade.CopyOrder
	positions map[copytrade.PositionKey]copytrade.Position
	placeErrs []error
	reads     int

	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func newRecordingExchange(hedge bool) *recordingExchange {
	return &recordingExchange{hedge: hedge, positions: make(map[copytrade.PositionKey]copytrade.Position)}
}

func (f *recordingExchange) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *recordingExchange) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *recordingExchange) Orders() []copytrade.CopyOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]copytrade.CopyOrder(nil), f.orders...)
}

func (f *recordingExchange) setPosition(p copytrade.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[p.Key()] = p
}

func (f *recordingExchange) GetName() string         { return "fake" }
func (f *recordingExchange) Role() copytrade.Role    { return copytrade.RoleFollower }
func (f *recordingExchange) IsHedgeMode() bool       { return f.hedge }
func (f *recordingExchange) StopStream()             {}
func (f *recordingExchange) StreamReconnects() int64 { return 0 }

func (f *recordingExchange) GetPositions(ctx context.Context) ([]copytrade.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []copytrade.Position
	for _, p := range f.positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *recordingExchange) GetSymbolPositions(ctx context.Context, symbol string) ([]copytrade.Position, error) {
	if f.gate != nil {
		f.once.Do(func() { close(f.started) })
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	var out []copytrade.Position
	for _, p := range f.positions {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *recordingExchange) GetAccount(ctx context.Context) (copytrade.Account, error) {
	return copytrade.Account{Role: copytrade.RoleFollower, Equity: 10000}, nil
}

func (f *recordingExchange) GetInstrument(ctx context.Context, symbol string) (copytrade.Instrument, error) {
	step := "0.001"
	if symbol == "SOLUSDT" {
		step = "0.1"
	}
	return copytrade.Instrument{
		Symbol:      symbol,
		QtyStep:     decimal.RequireFromString(step),
		MinOrderQty: decimal.RequireFromString(step),
		TickSize:    decimal.RequireFromString("0.01"),
		MinNotional: decimal.NewFromInt(5),
	}, nil
}

func (f *recordingExchange) PlaceOrder(ctx context.Context, order copytrade.CopyOrder) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "place")
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		if len(f.placeErrs) > 1 {
			f.placeErrs = f.placeErrs[1:]
		}
		if err != nil {
			return "", err
		}
	}
	f.orders = append(f.orders, order)

	key := order.Key()
	p := f.positions[key]
	p.Symbol, p.Idx = key.Symbol, key.Idx
	if order.ReduceOnly {
		p.Qty -= order.Qty
		if p.Qty < 1e-9 {
			p.Qty, p.Side = 0, ""
		}
	} else {
		if p.Qty == 0 {
			p.Side = order.Side
		}
		p.Qty += order.Qty
		p.EntryPrice, p.MarkPrice = 50000, 50000
	}
	f.positions[key] = p
	return fmt.Sprintf("ex-%d", len(f.orders)), nil
}

func (f *recordingExchange) CancelOrder(ctx context.Context, symbol, orderID, orderLinkID string) error {
	f.record("cancel")
	return nil
}

func (f *recordingExchange) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	f.record(fmt.Sprintf("set-leverage:%v", leverage))
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, p := range f.positions {
		if p.Symbol == symbol {
			p.Leverage = leverage
			f.positions[k] = p
		}
	}
	return nil
}

func (f *recordingExchange) SetMarginMode(ctx context.Context, symbol string, mode copytrade.MarginMode, leverage float64) error {
	f.record(fmt.Sprintf("set-margin:%s", mode))
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, p := range f.positions {
		if p.Symbol == symbol {
			p.MarginMode = mode
			f.positions[k] = p
		}
	}
	return nil
}

func (f *recordingExchange) SetTradingStop(ctx context.Context, key copytrade.PositionKey, spec copytrade.TrailingStopSpec) error {
	f.record(fmt.Sprintf("trading-stop:%d", spec.TriggerDirection))
	return nil
}

func (f *recordingExchange) AddMargin(ctx context.Context, key copytrade.PositionKey, delta float64) error {
	f.record(fmt.Sprintf("add-margin:%v", delta))
	return nil
}

func (f *recordingExchange) SupportsTradingStopModify() bool { return true }

func (f *recordingExchange) StartStream(ctx context.Context) (<-chan exchange.StreamEvent, error) {
	return nil, errors.New("not supported")
}

func (f *recordingExchange) CheckAPIPermissions(ctx context.Context) (*exchange.APIPermissions, error) {
	return &exchange.APIPermissions{CanRead: true, CanTrade: true}, nil
}

type recordingListener struct {
	mu     sync.Mutex
	orders []copytrade.CopyOrder
	alerts []Alert
}

func (l *recordingListener) OnOrder(order copytrade.CopyOrder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders = append(l.orders, order)
}

func (l *recordingListener) OnAlert(alert Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = append(l.alerts, alert)
}

func (l *recordingListener) Alerts() []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Alert(nil), l.alerts...)
}

type fixedEquity struct{}

func (fixedEquity) FollowerEquity() float64 { return 10000 }
func (fixedEquity) DonorEquity() float64    { return 20000 }

type closedGate struct{}

func (closedGate) AllowIncrease() bool { return false }

type harness struct {
	ex       *recordingExchange
	listener *recordingListener
	coord    *Coordinator
	seq      *copytrade.Sequencer
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, hedge bool, gate IncreaseGate) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ex := newRecordingExchange(hedge)
	executor := NewExecutor(ExecutorConfig{
		RateLimit:   1000,
		Burst:       1000,
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		CallTimeout: time.Second,
	}, nil)
	listener := &recordingListener{}
	seq := &copytrade.Sequencer{}
	sizer := risk.NewSizer(risk.Params{
		WinRate:            0.525,
		WinLossRatio:       1,
		ConservativeFactor: 0.5,
		MaxKellyFraction:   0.25,
		MaxCopySizeUSDT:    1000,
	})
	coord := NewCoordinator(ctx, Deps{
		Exchange:  ex,
		Executor:  executor,
		Sizer:     sizer,
		Trailing:  trailing.NewManager(TrailingExchange(ex, executor), trailing.ReferenceEntry),
		Equity:    fixedEquity{},
		Gate:      gate,
		Listener:  listener,
		Sequencer: seq,
	}, Options{CopyLeverage: true, CopyMarginMode: true, CopyTrailing: true})
	return &harness{ex: ex, listener: listener, coord: coord, seq: seq, cancel: cancel}
}

func btcDonor(side copytrade.Side, qty float64) copytrade.Position {
	return copytrade.Position{
		Symbol: "BTCUSDT", Side: side, Qty: qty, EntryPrice: 50100, MarkPrice: 50100,
		Leverage: 10, MarginMode: copytrade.MarginIsolated, Idx: 0,
	}
}

func (h *harness) opened(p copytrade.Position) copytrade.PositionOpened {
	return copytrade.PositionOpened{Meta: h.seq.NewMeta(copytrade.SourceLive), Position: p, Side: p.Side}
}

func (h *harness) closed(p copytrade.Position) copytrade.PositionClosed {
	return copytrade.PositionClosed{Meta: h.seq.NewMeta(copytrade.SourceLive), Position: p, Side: p.Side.Opposite()}
}

// Scenario B: 杠杆、保证金模式严格先于下单
func TestFreshOpenSyncsLeverageAndMarginBeforePlacing(t *testing.T) {
	h := newHarness(t, false, nil)
	h.ex.setPosition(copytrade.Position{Symbol: "BTCUSDT", Idx: 0, Leverage: 5, MarginMode: copytrade.MarginCross})

	require.NoError(t, h.coord.Submit(h.opened(btcDonor(copytrade.SideBuy, 0.1))))
	h.coord.Wait()

	assert.Equal(t, []string{"set-leverage:10", "set-margin:isolated", "place"}, h.ex.Calls())

	orders := h.ex.Orders()
	require.Len(t, orders, 1)
	// Scenario A: 10000 × 0.025 / 50100 = 0.00499 → 0.004
	assert.InDelta(t, 0.004, orders[0].Qty, 1e-12)
	assert.Equal(t, copytrade.SideBuy, orders[0].Side)
	assert.False(t, orders[0].ReduceOnly)
	assert.Equal(t, copytrade.OrderTypeMarket, orders[0].OrderType)
	assert.Contains(t, orders[0].OrderLinkID, "copy:BTCUSDT:")

	status, ok := h.coord.Status(copytrade.PositionKey{Symbol: "BTCUSDT", Idx: 0})
	require.True(t, ok)
	assert.Equal(t, copytrade.StateOpen, status.State)
}

func TestFreshOpenSkipsMatchingLeverageAndMargin(t *testing.T) {
	h := newHarness(t, false, nil)
	h.ex.setPosition(copytrade.Position{Symbol: "BTCUSDT", Idx: 0, Leverage: 10, MarginMode: copytrade.MarginIsolated})

	require.NoError(t, h.coord.Submit(h.opened(btcDonor(copytrade.SideBuy, 0.1))))
	h.coord.Wait()

	assert.Equal(t, []string{"place"}, h.ex.Calls(), "已一致时不重复调用")
}

// Scenario C: 空单在双向持仓下使用空头槽位
func TestSellOpenHedgeModeUsesShortSlot(t *testing.T) {
	h := newHarness(t, true, nil)
	donor := copytrade.Position{
		Symbol: "SOLUSDT", Side: copytrade.SideSell, Qty: 50, EntryPrice: 150, MarkPrice: 150,
		Leverage: 5, MarginMode: copytrade.MarginCross, Idx: 0,
	}
	require.NoError(t, h.coord.Submit(h.opened(donor)))
	h.coord.Wait()

	orders := h.ex.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, copytrade.SideSell, orders[0].Side)
	assert.False(t, orders[0].ReduceOnly)
	assert.Equal(t, copytrade.IdxHedgeSell, orders[0].PositionIdx)
	assert.InDelta(t, 1.6, orders[0].Qty, 1e-9)
}

func TestSideNeverInverted(t *testing.T) {
	for _, hedge := range []bool{false, true} {
		t.Run(fmt.Sprintf("hedge=%v", hedge), func(t *testing.T) {
			h := newHarness(t, hedge, nil)
			long := btcDonor(copytrade.SideBuy, 0.1)
			if hedge {
				long.Idx = copytrade.IdxHedgeBuy
			}
			short := btcDonor(copytrade.SideSell, 0.1)
			short.Symbol = "ETHUSDT"
			if hedge {
				short.Idx = copytrade.IdxHedgeSell
			}

			require.NoError(t, h.coord.Submit(h.opened(long)))
			require.NoError(t, h.coord.Submit(h.opened(short)))
			h.coord.Wait()
			require.NoError(t, h.coord.Submit(h.closed(long)))
			h.coord.Wait()

			orders := h.ex.Orders()
			require.Len(t, orders, 3)
			for _, o := range orders {
				switch {
				case o.Symbol == "ETHUSDT":
					assert.Equal(t, copytrade.SideSell, o.Side, "领航员卖出，跟单也必须卖出")
				case o.ReduceOnly:
					assert.Equal(t, copytrade.SideSell, o.Side, "平多为卖出")
				default:
					assert.Equal(t, copytrade.SideBuy, o.Side)
				}
				if hedge {
					assert.NotEqual(t, copytrade.IdxOneWay, o.PositionIdx)
				} else {
					assert.Equal(t, copytrade.IdxOneWay, o.PositionIdx)
				}
			}
		})
	}
}

func TestSizeTooSmallIsSkipped(t *testing.T) {
	h := newHarness(t, false, nil)
	donor := btcDonor(copytrade.SideBuy, 0.1)
	donor.EntryPrice, donor.MarkPrice = 500000, 500000

	require.NoError(t, h.coord.Submit(h.opened(donor)))
	h.coord.Wait()

	assert.Empty(t, h.ex.Orders())
	assert.NotContains(t, h.ex.Calls(), "set-leverage:10", "数量过小时不改动杠杆")
	status, _ := h.coord.Status(copytrade.PositionKey{Symbol: "BTCUSDT"})
	assert.Equal(t, copytrade.StateIdle, status.State)
	assert.False(t, status.NeedsAttention())
}

func TestTransientExhaustionFailsKey(t *testing.T) {
	h := newHarness(t, false, nil)
	h.ex.placeErrs = []error{&copytrade.TransientError{Op: "order/create", Err: errors.New("timeout")}}
	key := copytrade.PositionKey{Symbol: "BTCUSDT"}

	require.NoError(t, h.coord.Submit(h.opened(btcDonor(copytrade.SideBuy, 0.1))))
	h.coord.Wait()

	places := 0
	for _, c := range h.ex.Calls() {
		if c == "place" {
			places++
		}
	}
	assert.Equal(t, 3, places, "首次加两次重试")

	status, _ := h.coord.Status(key)
	assert.Equal(t, copytrade.StateFailed, status.State)
	assert.NotEmpty(t, status.LastError)
	require.NotNil(t, status.LastDonor)

	alerts := h.listener.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailed, alerts[0].Kind)

	err := h.coord.Submit(h.closed(btcDonor(copytrade.SideBuy, 0.1)))
	assert.ErrorIs(t, err, copytrade.ErrKeyFailed)

	assert.True(t, h.coord.Acknowledge(key))
	status, _ = h.coord.Status(key)
	assert.Equal(t, copytrade.StateIdle, status.State)
}

func TestRejectionMarksDivergent(t *testing.T) {
	h := newHarness(t, false, nil)
	h.ex.placeErrs = []error{&copytrade.RejectionError{Op: "order/create", RetCode: 110007, RetMsg: "insufficient balance"}}
	key := copytrade.PositionKey{Symbol: "BTCUSDT"}

	require.NoError(t, h.coord.Submit(h.opened(btcDonor(copytrade.SideBuy, 0.1))))
	h.coord.Wait()

	status, _ := h.coord.Status(key)
	assert.True(t, status.Divergent)
	assert.NotEqual(t, copytrade.StateFailed, status.State)
	assert.True(t, status.State.Stable())

	alerts := h.listener.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDivergent, alerts[0].Kind)

	h.listener.mu.Lock()
	require.Len(t, h.listener.orders, 1)
	assert.Equal(t, copytrade.OrderRejected, h.listener.orders[0].State)
	h.listener.mu.Unlock()

	places := 0
	for _, c := range h.ex.Calls() {
		if c == "place" {
			places++
		}
	}
	assert.Equal(t, 1, places, "交易所拒绝不自动重试")
}

func TestQueuedSignalsApplyInSequenceOrder(t *testing.T) {
	h := newHarness(t, false, nil)
	h.ex.gate = make(chan struct{})
	h.ex.started = make(chan struct{})
	key := copytrade.PositionKey{Symbol: "BTCUSDT"}

	open := h.opened(btcDonor(copytrade.SideBuy, 0.1))
	reduce := copytrade.PositionAdjusted{
		Meta: h.seq.NewMeta(copytrade.SourceLive), Position: btcDonor(copytrade.SideBuy, 0.05),
		Side: copytrade.SideSell, PrevQty: 0.1,
	}
	closeSig := h.closed(btcDonor(copytrade.SideBuy, 0.05))

	require.NoError(t, h.coord.Submit(open))
	<-h.ex.started
	assert.True(t, h.coord.IsActive(key))

	// 乱序到达，且重复提交
	require.NoError(t, h.coord.Submit(closeSig))
	require.NoError(t, h.coord.Submit(reduce))
	require.NoError(t, h.coord.Submit(reduce))
	status, _ := h.coord.Status(key)
	assert.Equal(t, 2, status.Queued)

	close(h.ex.gate)
	h.coord.Wait()
	assert.False(t, h.coord.IsActive(key))

	orders := h.ex.Orders()
	require.Len(t, orders, 3)
	assert.Equal(t, []uint64{open.Meta.Seq, reduce.Meta.Seq, closeSig.Meta.Seq},
		[]uint64{orders[0].SignalSeq, orders[1].SignalSeq, orders[2].SignalSeq})
	assert.InDelta(t, 0.002, orders[1].Qty, 1e-12)
	assert.True(t, orders[1].ReduceOnly)
	assert.InDelta(t, 0.002, orders[2].Qty, 1e-12)
	assert.True(t, orders[2].ReduceOnly)

	status, _ = h.coord.Status(key)
	assert.Equal(t, copytrade.StateClosed, status.State)
	assert.Equal(t, closeSig.Meta.Seq, status.LastSeq)
}

func TestDrawdownGateBlocksOpensButNotCloses(t *testing.T) {
	h := newHarness(t, false, closedGate{})
	h.ex.setPosition(copytrade.Position{Symbol: "BTCUSDT", Side: copytrade.SideBuy, Qty: 0.01, Leverage: 10, MarginMode: copytrade.MarginIsolated})

	eth := btcDonor(copytrade.SideBuy, 1)
	eth.Symbol = "ETHUSDT"
	require.NoError(t, h.coord.Submit(h.opened(eth)))
	require.NoError(t, h.coord.Submit(h.closed(btcDonor(copytrade.SideBuy, 0.1))))
	h.coord.Wait()

	orders := h.ex.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "BTCUSDT", orders[0].Symbol)
	assert.True(t, orders[0].ReduceOnly)
	assert.Empty(t, h.listener.Alerts())
}

func TestPendingTrailingAppliedAfterOpen(t *testing.T) {
	h := newHarness(t, false, nil)
	donor := btcDonor(copytrade.SideBuy, 0.1)
	stop := copytrade.TrailingStopSet{
		Meta: h.seq.NewMeta(copytrade.SourceLive), Position: donor,
		Spec: copytrade.TrailingStopSpec{Distance: 500},
	}

	require.NoError(t, h.coord.Submit(stop))
	h.coord.Wait()
	assert.Empty(t, h.ex.Calls())

	require.NoError(t, h.coord.Submit(h.opened(donor)))
	h.coord.Wait()

	calls := h.ex.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "trading-stop:2", calls[len(calls)-1], "开仓成交后补挂多头止损")
}

func TestFlattenWorksWhileStopped(t *testing.T) {
	h := newHarness(t, true, nil)
	key := copytrade.PositionKey{Symbol: "BTCUSDT", Idx: copytrade.IdxHedgeSell}
	h.ex.setPosition(copytrade.Position{Symbol: "BTCUSDT", Side: copytrade.SideSell, Qty: 0.02, Idx: copytrade.IdxHedgeSell})

	h.coord.SetEnabled(false)
	assert.ErrorIs(t, h.coord.Submit(h.opened(btcDonor(copytrade.SideBuy, 0.1))), copytrade.ErrMirroringStopped)

	require.NoError(t, h.coord.Flatten(key))
	h.coord.Wait()

	orders := h.ex.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, copytrade.SideBuy, orders[0].Side)
	assert.True(t, orders[0].ReduceOnly)
	assert.Equal(t, copytrade.IdxHedgeSell, orders[0].PositionIdx)
}

func TestSubmitMarginOnIsolatedPosition(t *testing.T) {
	h := newHarness(t, false, nil)
	h.ex.setPosition(copytrade.Position{Symbol: "BTCUSDT", Side: copytrade.SideBuy, Qty: 0.01, MarginMode: copytrade.MarginIsolated})

	require.NoError(t, h.coord.SubmitMargin(context.Background(), copytrade.PositionKey{Symbol: "BTCUSDT"}, copytrade.SideBuy, 12.5))
	h.coord.Wait()
	assert.Equal(t, []string{"add-margin:12.5"}, h.ex.Calls())
}

func TestPauseBlocksUntilAcknowledged(t *testing.T) {
	h := newHarness(t, false, nil)
	key := copytrade.PositionKey{Symbol: "BTCUSDT"}
	h.coord.Pause(key, &copytrade.StateConflictError{Key: key, Detail: "持续分歧"})

	assert.ErrorIs(t, h.coord.Submit(h.opened(btcDonor(copytrade.SideBuy, 0.1))), copytrade.ErrKeyPaused)
	alerts := h.listener.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStateConflict, alerts[0].Kind)

	h.coord.Acknowledge(key)
	require.NoError(t, h.coord.Submit(h.opened(btcDonor(copytrade.SideBuy, 0.1))))
	h.coord.Wait()
	assert.Len(t, h.ex.Orders(), 1)
}

func TestSubmitMarginHonorsCancelledContext(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.coord.SubmitMargin(ctx, copytrade.PositionKey{Symbol: "BTCUSDT"}, copytrade.SideBuy, 12.5)
	assert.ErrorIs(t, err, context.Canceled)
	h.coord.Wait()
	assert.Empty(t, h.ex.Calls(), "已取消的调整不应入队")
}

func TestStaleSignalRejectedAfterNewerProcessed(t *testing.T) {
	h := newHarness(t, false, nil)
	key := copytrade.PositionKey{Symbol: "BTCUSDT"}
	donor := btcDonor(copytrade.SideBuy, 0.1)

	// 先分配的平仓信号晚于开仓信号到达
	stale := h.closed(donor)
	require.NoError(t, h.coord.Submit(h.opened(donor)))
	h.coord.Wait()
	require.Len(t, h.ex.Orders(), 1)

	err := h.coord.Submit(stale)
	assert.ErrorIs(t, err, ErrStaleSignal)
	h.coord.Wait()

	orders := h.ex.Orders()
	require.Len(t, orders, 1, "过期信号不应下单")
	assert.False(t, orders[0].ReduceOnly)

	status, ok := h.coord.Status(key)
	require.True(t, ok)
	assert.Equal(t, copytrade.StateOpen, status.State)
	assert.Equal(t, stale.Metadata().Seq+1, status.LastSeq)
}

func TestDuplicateSignalIgnoredWithoutError(t *testing.T) {
	h := newHarness(t, false, nil)
	sig := h.opened(btcDonor(copytrade.SideBuy, 0.1))

	require.NoError(t, h.coord.Submit(sig))
	h.coord.Wait()
	require.NoError(t, h.coord.Submit(sig), "重复投递不是错误")
	h.coord.Wait()
	assert.Len(t, h.ex.Orders(), 1)
}

type unknownEquity struct{}

func (unknownEquity) FollowerEquity() float64 { return 0 }
func (unknownEquity) DonorEquity() float64    { return 0 }

func TestUnknownEquitySkipsWithoutDivergence(t *testing.T) {
	h := newHarness(t, false, nil)
	h.coord.deps.Equity = unknownEquity{}
	key := copytrade.PositionKey{Symbol: "BTCUSDT"}

	require.NoError(t, h.coord.Submit(h.opened(btcDonor(copytrade.SideBuy, 0.1))))
	h.coord.Wait()

	assert.Empty(t, h.ex.Orders())
	assert.Empty(t, h.listener.Alerts(), "权益未知不是交易所拒绝，不应告警")
	status, ok := h.coord.Status(key)
	require.True(t, ok)
	assert.Equal(t, copytrade.StateIdle, status.State)
	assert.False(t, status.NeedsAttention())
}
