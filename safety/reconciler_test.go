package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"copymirror/copytrade"
	"copymirror/order"
	"copymirror/risk"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	mu        sync.Mutex
	positions []copytrade.Position
	err       error
	calls     int
}

func (s *staticSource) GetPositions(ctx context.Context) ([]copytrade.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]copytrade.Position(nil), s.positions...), nil
}

func (s *staticSource) set(positions ...copytrade.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = positions
}

type btcInstruments struct{}

func (btcInstruments) GetInstrument(ctx context.Context, symbol string) (copytrade.Instrument, error) {
	return copytrade.Instrument{
		Symbol:      symbol,
		QtyStep:     decimal.RequireFromString("0.001"),
		MinOrderQty: decimal.RequireFromString("0.001"),
		TickSize:    decimal.RequireFromString("0.1"),
		MinNotional: decimal.NewFromInt(5),
	}, nil
}

type fakeCoordinator struct {
	hedge    bool
	active   map[copytrade.PositionKey]bool
	statuses map[copytrade.PositionKey]copytrade.KeyStatus
	signals  []copytrade.CopySignal
	paused   []*copytrade.StateConflictError
	onSubmit func(sig copytrade.CopySignal)
	rejectOn error
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		active:   make(map[copytrade.PositionKey]bool),
		statuses: make(map[copytrade.PositionKey]copytrade.KeyStatus),
	}
}

func (c *fakeCoordinator) Submit(sig copytrade.CopySignal) error {
	if c.rejectOn != nil {
		return c.rejectOn
	}
	c.signals = append(c.signals, sig)
	if c.onSubmit != nil {
		c.onSubmit(sig)
	}
	return nil
}

func (c *fakeCoordinator) IsActive(key copytrade.PositionKey) bool { return c.active[key] }

func (c *fakeCoordinator) Status(key copytrade.PositionKey) (copytrade.KeyStatus, bool) {
	s, ok := c.statuses[key]
	return s, ok
}

func (c *fakeCoordinator) Pause(key copytrade.PositionKey, conflict *copytrade.StateConflictError) {
	c.paused = append(c.paused, conflict)
}

func (c *fakeCoordinator) FollowerKey(donorKey copytrade.PositionKey, positionSide copytrade.Side) copytrade.PositionKey {
	return copytrade.PositionKey{
		Symbol: donorKey.Symbol,
		Idx:    copytrade.ResolvePositionIdx(donorKey.Idx, positionSide, c.hedge),
	}
}

type fixedSeq uint64

func (s fixedSeq) LastSeq(symbol string) uint64 { return uint64(s) }

type equity struct{}

func (equity) FollowerEquity() float64 { return 10000 }
func (equity) DonorEquity() float64    { return 20000 }

type countingAlerter struct {
	calls int
}

func (a *countingAlerter) ReconcileAlert(failedCycles int, err error) { a.calls++ }

type heldLock struct{}

func (heldLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, nil
}
func (heldLock) Unlock(ctx context.Context, key string) error                    { return nil }
func (heldLock) Extend(ctx context.Context, key string, ttl time.Duration) error { return nil }
func (heldLock) Close() error                                                    { return nil }

type fixture struct {
	donor    *staticSource
	follower *staticSource
	coord    *fakeCoordinator
	seq      *copytrade.Sequencer
	deps     Deps
}

func newFixture() *fixture {
	f := &fixture{
		donor:    &staticSource{},
		follower: &staticSource{},
		coord:    newFakeCoordinator(),
		seq:      &copytrade.Sequencer{},
	}
	f.deps = Deps{
		Donor:       f.donor,
		Follower:    f.follower,
		Instruments: btcInstruments{},
		Coordinator: f.coord,
		Seq:         fixedSeq(0),
		Sequencer:   f.seq,
		Sizer: risk.NewSizer(risk.Params{
			WinRate:            0.525,
			WinLossRatio:       1,
			ConservativeFactor: 0.5,
			MaxKellyFraction:   0.25,
			MaxCopySizeUSDT:    1000,
		}),
		Equity: equity{},
		Executor: order.NewExecutor(order.ExecutorConfig{
			RateLimit:   1000,
			Burst:       1000,
			MaxRetries:  1,
			BackoffBase: time.Millisecond,
			BackoffMax:  time.Millisecond,
		}, nil),
	}
	return f
}

func (f *fixture) reconciler() *Reconciler {
	return NewReconciler(f.deps, Options{InstanceID: "test", Interval: time.Minute, Tolerance: 0.05, MaxFailedCycles: 2, CopyLeverage: true})
}

func btc(side copytrade.Side, qty float64) copytrade.Position {
	return copytrade.Position{
		Symbol: "BTCUSDT", Side: side, Qty: qty, EntryPrice: 50100, MarkPrice: 50100,
		Leverage: 10, MarginMode: copytrade.MarginIsolated,
	}
}

func TestRunCycle_OrphanFollowerProducesOneClose(t *testing.T) {
	f := newFixture()
	f.follower.set(btc(copytrade.SideBuy, 0.004))
	r := f.reconciler()

	report, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)

	require.Len(t, f.coord.signals, 1, "孤立持仓应只产生一个平仓信号")
	closed, ok := f.coord.signals[0].(copytrade.PositionClosed)
	require.True(t, ok)
	assert.Equal(t, copytrade.SideSell, closed.Side)
	assert.Equal(t, 0.004, closed.Position.Qty)
	assert.Equal(t, copytrade.SourceReconcile, closed.Meta.Source)
	assert.Equal(t, 1, report.Submitted)
	assert.Equal(t, []DiffType{DiffOrphan}, report.Diffs[0].Types)
}

func TestRunCycle_NoDuplicateAfterCorrectionApplied(t *testing.T) {
	f := newFixture()
	f.follower.set(btc(copytrade.SideBuy, 0.004))
	f.coord.onSubmit = func(sig copytrade.CopySignal) { f.follower.set() }
	r := f.reconciler()

	_, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	report, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Len(t, f.coord.signals, 1)
	assert.Empty(t, report.Diffs)
	assert.Empty(t, f.coord.paused)
}

func TestRunCycle_PersistentDiffRaisesConflict(t *testing.T) {
	f := newFixture()
	f.follower.set(btc(copytrade.SideBuy, 0.004))
	r := f.reconciler()

	_, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	report, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Len(t, f.coord.signals, 1, "修正后快照未变化时不应重复提交")
	require.Len(t, f.coord.paused, 1)
	assert.Equal(t, copytrade.PositionKey{Symbol: "BTCUSDT"}, f.coord.paused[0].Key)
	assert.Equal(t, 1, report.Conflicts)
}

func TestRunCycle_DefersActiveKey(t *testing.T) {
	f := newFixture()
	f.follower.set(btc(copytrade.SideBuy, 0.004))
	f.coord.active[copytrade.PositionKey{Symbol: "BTCUSDT"}] = true
	r := f.reconciler()

	report, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.coord.signals)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, ActionDeferred, report.Diffs[0].Action)
}

func TestRunCycle_DefersWhenLiveSignalArrived(t *testing.T) {
	f := newFixture()
	f.follower.set(btc(copytrade.SideBuy, 0.004))
	f.deps.Seq = fixedSeq(100)
	r := f.reconciler()

	report, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.coord.signals)
	assert.Equal(t, 1, report.Deferred)
}

func TestRunCycle_SkipsFailedKey(t *testing.T) {
	f := newFixture()
	key := copytrade.PositionKey{Symbol: "BTCUSDT"}
	f.follower.set(btc(copytrade.SideBuy, 0.004))
	f.coord.statuses[key] = copytrade.KeyStatus{Key: key, State: copytrade.StateFailed}
	r := f.reconciler()

	report, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.coord.signals)
	assert.Equal(t, ActionSkipped, report.Diffs[0].Action)
}

func TestRunCycle_MissingFollowerOpens(t *testing.T) {
	f := newFixture()
	f.donor.set(btc(copytrade.SideBuy, 0.04))
	r := f.reconciler()

	_, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, f.coord.signals, 1)
	opened, ok := f.coord.signals[0].(copytrade.PositionOpened)
	require.True(t, ok)
	assert.Equal(t, copytrade.SideBuy, opened.Side)
}

func TestRunCycle_QtyBeyondToleranceAdjustsToTarget(t *testing.T) {
	f := newFixture()
	f.donor.set(btc(copytrade.SideBuy, 0.04))
	f.follower.set(btc(copytrade.SideBuy, 0.002))
	r := f.reconciler()

	_, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, f.coord.signals, 1)
	adj, ok := f.coord.signals[0].(copytrade.PositionAdjusted)
	require.True(t, ok)
	assert.InDelta(t, 0.004, adj.TargetQty, 1e-9)
	assert.Equal(t, copytrade.SideBuy, adj.Side)
	assert.False(t, adj.LeverageChanged)
}

func TestRunCycle_WithinToleranceIsClean(t *testing.T) {
	f := newFixture()
	f.donor.set(btc(copytrade.SideBuy, 0.04))
	f.follower.set(btc(copytrade.SideBuy, 0.004))
	r := f.reconciler()

	report, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Diffs)
	assert.Empty(t, f.coord.signals)
}

func TestRunCycle_LeverageMismatch(t *testing.T) {
	f := newFixture()
	f.donor.set(btc(copytrade.SideBuy, 0.04))
	follower := btc(copytrade.SideBuy, 0.004)
	follower.Leverage = 5
	f.follower.set(follower)
	r := f.reconciler()

	_, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, f.coord.signals, 1)
	adj := f.coord.signals[0].(copytrade.PositionAdjusted)
	assert.True(t, adj.LeverageChanged)
	assert.Zero(t, adj.TargetQty)
}

func TestRunCycle_SkipsWhenLockHeld(t *testing.T) {
	f := newFixture()
	f.follower.set(btc(copytrade.SideBuy, 0.004))
	f.deps.Lock = heldLock{}
	r := f.reconciler()

	report, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Zero(t, f.follower.calls)
}

func TestRunOnce_AlertsAfterConsecutiveFailures(t *testing.T) {
	f := newFixture()
	f.donor.err = errors.New("boom")
	alerter := &countingAlerter{}
	f.deps.Alerter = alerter
	r := f.reconciler()

	r.runOnce(context.Background())
	assert.Equal(t, 0, alerter.calls)
	r.runOnce(context.Background())
	assert.Equal(t, 1, alerter.calls)
	r.runOnce(context.Background())
	assert.Equal(t, 1, alerter.calls, "同一故障只告警一次")
	assert.Equal(t, 3, r.FailedCycles())

	f.donor.err = nil
	r.runOnce(context.Background())
	assert.Equal(t, 0, r.FailedCycles())
}

func TestRunCycle_StaleCorrectionNotRecorded(t *testing.T) {
	f := newFixture()
	f.follower.set(btc(copytrade.SideBuy, 0.004))
	f.coord.rejectOn = fmt.Errorf("BTCUSDT:0 seq=1: %w", order.ErrStaleSignal)
	r := f.reconciler()

	report, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.coord.signals)
	assert.Equal(t, ActionSkipped, report.Diffs[0].Action)

	// 被拒绝的修正不计入历史，下一轮正常提交而不是升级为冲突
	f.coord.rejectOn = nil
	report, err = r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.coord.signals, 1)
	assert.Empty(t, f.coord.paused, "过期修正不应触发状态冲突")
	assert.Equal(t, 1, report.Submitted)
}

type countingRefresher struct {
	calls int
	err   error
}

func (c *countingRefresher) RefreshAccounts(ctx context.Context, roles ...copytrade.Role) error {
	c.calls++
	return c.err
}

func TestRunCycle_RefreshesAccountsEachCycle(t *testing.T) {
	f := newFixture()
	refresher := &countingRefresher{err: errors.New("timeout")}
	f.deps.Accounts = refresher
	r := f.reconciler()

	_, err := r.RunCycle(context.Background())
	require.NoError(t, err, "刷新权益失败不影响对账")
	_, err = r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, refresher.calls, "每轮对账前刷新一次权益")
}
