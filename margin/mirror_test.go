package margin

import (
	"context"
	"sync"
	"testing"
	"time"

	"copymirror/copytrade"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submitted struct {
	Key   copytrade.PositionKey
	Side  copytrade.Side
	Delta float64
}

type recordingSubmitter struct {
	mu    sync.Mutex
	calls []submitted
}

func (r *recordingSubmitter) SubmitMargin(ctx context.Context, key copytrade.PositionKey, side copytrade.Side, delta float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, submitted{Key: key, Side: side, Delta: delta})
	return nil
}

func (r *recordingSubmitter) snapshot() []submitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]submitted(nil), r.calls...)
}

type fixedEquity struct {
	follower, donor float64
}

func (f fixedEquity) FollowerEquity() float64 { return f.follower }
func (f fixedEquity) DonorEquity() float64    { return f.donor }

func marginSignal(symbol string, delta float64) copytrade.MarginChanged {
	return copytrade.MarginChanged{
		Meta: copytrade.Meta{Seq: 1},
		Position: copytrade.Position{
			Symbol: symbol, Side: copytrade.SideBuy, Qty: 1, Idx: 1, MarginMode: copytrade.MarginIsolated,
		},
		Delta: delta,
	}
}

func newTestMirror(sub Submitter, debounce time.Duration) *Mirror {
	return NewMirror(context.Background(), sub, fixedEquity{follower: 1000, donor: 10000},
		Params{MinUSDT: 5, MaxPct: 0.1, Debounce: debounce})
}

func TestDropBelowMinimum(t *testing.T) {
	sub := &recordingSubmitter{}
	m := newTestMirror(sub, 20*time.Millisecond)

	// 40 × 0.1 = 4 < 5
	assert.False(t, m.Observe(marginSignal("BTCUSDT", 40)))
	_, ok := m.Pending("BTCUSDT")
	assert.False(t, ok, "过小的变化不进入防抖")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sub.snapshot())
}

func TestIgnoreCrossMargin(t *testing.T) {
	sub := &recordingSubmitter{}
	m := newTestMirror(sub, 20*time.Millisecond)
	sig := marginSignal("BTCUSDT", 500)
	sig.Position.MarginMode = copytrade.MarginCross
	assert.False(t, m.Observe(sig))
}

func TestCoalesceWithinDebounce(t *testing.T) {
	sub := &recordingSubmitter{}
	m := newTestMirror(sub, 80*time.Millisecond)

	require.True(t, m.Observe(marginSignal("BTCUSDT", 100)))
	time.Sleep(30 * time.Millisecond)
	require.True(t, m.Observe(marginSignal("BTCUSDT", 200)))

	adj, ok := m.Pending("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 30.0, adj.Delta, 1e-9)
	assert.Equal(t, 2, adj.Changes)

	assert.Eventually(t, func() bool { return len(sub.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	calls := sub.snapshot()
	require.Len(t, calls, 1, "防抖窗口内的两次变化只提交一次")
	assert.InDelta(t, 30.0, calls[0].Delta, 1e-9)
	assert.Equal(t, copytrade.PositionKey{Symbol: "BTCUSDT", Idx: 1}, calls[0].Key)
	assert.Equal(t, copytrade.SideBuy, calls[0].Side)

	_, ok = m.Pending("BTCUSDT")
	assert.False(t, ok)
}

func TestPendingCappedByEquity(t *testing.T) {
	sub := &recordingSubmitter{}
	m := newTestMirror(sub, time.Hour)

	// 上限 0.1 × 1000 = 100
	m.Observe(marginSignal("ETHUSDT", 800))
	m.Observe(marginSignal("ETHUSDT", 800))
	adj, ok := m.Pending("ETHUSDT")
	require.True(t, ok)
	assert.InDelta(t, 100.0, adj.Delta, 1e-9)

	m.Observe(marginSignal("SOLUSDT", -5000))
	adj, _ = m.Pending("SOLUSDT")
	assert.InDelta(t, -100.0, adj.Delta, 1e-9, "减少保证金同样受上限约束")

	m.Discard("SOLUSDT")
	m.Flush(context.Background())
	calls := sub.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "ETHUSDT", calls[0].Key.Symbol)
}

func TestSymbolsIndependent(t *testing.T) {
	sub := &recordingSubmitter{}
	m := newTestMirror(sub, 20*time.Millisecond)

	m.Observe(marginSignal("BTCUSDT", 100))
	m.Observe(marginSignal("ETHUSDT", -100))

	assert.Eventually(t, func() bool { return len(sub.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestUpdateParams(t *testing.T) {
	sub := &recordingSubmitter{}
	m := newTestMirror(sub, time.Hour)
	m.UpdateParams(Params{MinUSDT: 50, MaxPct: 0.1, Debounce: time.Hour})

	assert.False(t, m.Observe(marginSignal("BTCUSDT", 400)))
	assert.True(t, m.Observe(marginSignal("BTCUSDT", 600)))
	m.Discard("BTCUSDT")
}

func TestHedgeSlotChangeFlushesPending(t *testing.T) {
	sub := &recordingSubmitter{}
	m := newTestMirror(sub, 30*time.Millisecond)

	require.True(t, m.Observe(marginSignal("BTCUSDT", 100)))
	short := marginSignal("BTCUSDT", 200)
	short.Position.Side = copytrade.SideSell
	short.Position.Idx = 2
	require.True(t, m.Observe(short))

	calls := sub.snapshot()
	require.Len(t, calls, 1, "切换槽位时原槽位调整应立即提交")
	assert.Equal(t, copytrade.PositionKey{Symbol: "BTCUSDT", Idx: 1}, calls[0].Key)
	assert.Equal(t, copytrade.SideBuy, calls[0].Side)
	assert.InDelta(t, 10.0, calls[0].Delta, 1e-9)

	adj, ok := m.Pending("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 2, adj.Key.Idx)
	assert.InDelta(t, 20.0, adj.Delta, 1e-9, "不同槽位的增量不合并")
	assert.Equal(t, 1, adj.Changes)

	require.Eventually(t, func() bool { return len(sub.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	calls = sub.snapshot()
	assert.Equal(t, copytrade.SideSell, calls[1].Side)
	assert.InDelta(t, 20.0, calls[1].Delta, 1e-9)
}
