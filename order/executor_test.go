package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"copymirror/copytrade"
	"copymirror/lock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heldLock struct {
	tries int
}

func (l *heldLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.tries++
	return false, nil
}
func (l *heldLock) Unlock(ctx context.Context, key string) error                    { return nil }
func (l *heldLock) Extend(ctx context.Context, key string, ttl time.Duration) error { return nil }
func (l *heldLock) Close() error                                                    { return nil }

func testExecutor(retries int) *Executor {
	e := NewExecutor(ExecutorConfig{
		RateLimit:   1000,
		Burst:       1000,
		MaxRetries:  retries,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  400 * time.Millisecond,
	}, nil)
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

func TestBackoffExponentialAndCapped(t *testing.T) {
	e := testExecutor(3)
	assert.Equal(t, 100*time.Millisecond, e.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, e.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, e.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, e.Backoff(5), "不超过上限")
}

func TestDoRetriesTransientOnly(t *testing.T) {
	e := testExecutor(3)

	attempts := 0
	err := e.Do(context.Background(), "test", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &copytrade.TransientError{Op: "test", Err: errors.New("timeout")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = e.Do(context.Background(), "test", func(ctx context.Context) error {
		attempts++
		return &copytrade.RejectionError{Op: "test", RetCode: 110007}
	})
	assert.True(t, copytrade.IsRejection(err))
	assert.Equal(t, 1, attempts, "拒绝不重试")

	attempts = 0
	err = e.Do(context.Background(), "test", func(ctx context.Context) error {
		attempts++
		return &copytrade.TransientError{Op: "test", Err: errors.New("timeout")}
	})
	assert.True(t, copytrade.IsTransient(err), "重试耗尽后仍保留临时错误类别")
	assert.Equal(t, 4, attempts)
}

func TestDoStopsOnCancel(t *testing.T) {
	e := testExecutor(5)
	e.sleep = sleepCtx
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Do(ctx, "test", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestWithKeyLockConflict(t *testing.T) {
	l := &heldLock{}
	e := testExecutor(2)
	e.lock = l

	called := false
	err := e.WithKeyLock(context.Background(), copytrade.PositionKey{Symbol: "BTCUSDT", Idx: 1}, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.True(t, copytrade.IsTransient(err))
	assert.False(t, called)
	assert.Equal(t, 3, l.tries)
	assert.Equal(t, "order:BTCUSDT:1", lock.PositionKeyName(copytrade.PositionKey{Symbol: "BTCUSDT", Idx: 1}))
}
