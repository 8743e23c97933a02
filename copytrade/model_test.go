package copytrade

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePositionIdx(t *testing.T) {
	tests := []struct {
		name      string
		signalIdx int
		side      Side
		hedge     bool
		want      int
	}{
		{"单向模式固定为0", IdxHedgeSell, SideSell, false, IdxOneWay},
		{"对冲模式沿用信号槽位", IdxHedgeBuy, SideSell, true, IdxHedgeBuy},
		{"对冲模式空头推导", IdxOneWay, SideSell, true, IdxHedgeSell},
		{"对冲模式多头推导", IdxOneWay, SideBuy, true, IdxHedgeBuy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolvePositionIdx(tt.signalIdx, tt.side, tt.hedge))
		})
	}
}

func TestPositionReferencePrice(t *testing.T) {
	p := Position{Symbol: "BTCUSDT", Side: SideBuy, Qty: 0.1, EntryPrice: 50000}
	assert.Equal(t, 50000.0, p.ReferencePrice())
	assert.InDelta(t, 5000.0, p.Notional(), 1e-9)

	p.MarkPrice = 51000
	assert.Equal(t, 51000.0, p.ReferencePrice())
	assert.True(t, p.IsOpen())
	assert.Equal(t, "BTCUSDT#0", p.Key().String())

	p.Qty = 0
	assert.False(t, p.IsOpen())
}

func TestSignalVariants(t *testing.T) {
	pos := Position{Symbol: "SOLUSDT", Side: SideSell, Qty: 3, Idx: IdxHedgeSell}
	meta := Meta{Seq: 7, Source: SourceLive}

	signals := []CopySignal{
		PositionOpened{Meta: meta, Position: pos, Side: SideSell},
		PositionClosed{Meta: meta, Position: pos, Side: SideBuy},
		PositionAdjusted{Meta: meta, Position: pos, Side: SideBuy, PrevQty: 5},
		TrailingStopSet{Meta: meta, Position: pos},
		MarginChanged{Meta: meta, Position: pos, Delta: 10},
	}

	kinds := make(map[SignalKind]bool)
	for _, s := range signals {
		kinds[s.Kind()] = true
		assert.Equal(t, PositionKey{Symbol: "SOLUSDT", Idx: IdxHedgeSell}, s.Key())
		assert.Equal(t, uint64(7), s.Metadata().Seq)
	}
	assert.Len(t, kinds, 5)

	assert.Equal(t, SideSell, TradeSide(signals[0]))
	assert.Equal(t, SideBuy, TradeSide(signals[1]))
	assert.Equal(t, Side(""), TradeSide(signals[3]))
	assert.True(t, signals[2].(PositionAdjusted).IsReduce())
}

func TestSequencerMonotonic(t *testing.T) {
	var seq Sequencer
	var wg sync.WaitGroup
	seen := sync.Map{}

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, dup := seen.LoadOrStore(seq.Next(), true)
				assert.False(t, dup)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(800), seq.Current())
}

func TestErrorTaxonomy(t *testing.T) {
	transient := fmt.Errorf("下单失败: %w", &TransientError{Op: "place_order", Err: errors.New("timeout")})
	assert.True(t, IsTransient(transient))
	assert.False(t, IsRejection(transient))

	rejection := fmt.Errorf("下单失败: %w", &RejectionError{Op: "place_order", RetCode: 110007, RetMsg: "insufficient"})
	assert.True(t, IsRejection(rejection))
	assert.False(t, IsTransient(rejection))

	cfg := &ConfigurationError{Field: "risk.win_rate", Reason: "必须在 (0,1) 之间"}
	assert.True(t, IsConfiguration(cfg))
	assert.Contains(t, cfg.Error(), "risk.win_rate")

	require.ErrorIs(t, fmt.Errorf("跳过: %w", ErrSizeTooSmall), ErrSizeTooSmall)
}

func TestKeyStatusNeedsAttention(t *testing.T) {
	assert.False(t, KeyStatus{State: StateOpen}.NeedsAttention())
	assert.True(t, KeyStatus{State: StateFailed}.NeedsAttention())
	assert.True(t, KeyStatus{State: StateOpen, Paused: true}.NeedsAttention())
	assert.True(t, StateIdle.Stable())
	assert.False(t, StatePlacing.Stable())
}
