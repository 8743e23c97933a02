package lock

import (
	"context"
	"fmt"
	"time"

	"copymirror/copytrade"
	"copymirror/logger"
)

// DistributedLock 多实例部署时的互斥
// 同一持仓键的转换、同一实例名的对账在集群内只能有一个执行者
type DistributedLock interface {
	// TryLock 尝试获取锁，立即返回；false 表示锁已被占用
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	// Extend 续期，只有持有者可以续期
	Extend(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// PositionKeyName 持仓键转换锁
func PositionKeyName(key copytrade.PositionKey) string {
	return fmt.Sprintf("order:%s:%d", key.Symbol, key.Idx)
}

// ReconcileKeyName 对账锁，同一实例名的对账器互斥
func ReconcileKeyName(instance string) string {
	if instance == "" {
		instance = "default"
	}
	return "reconcile:" + instance
}

// KeepAlive 每 ttl/2 续期一次，直到调用返回的 stop 或 ctx 取消
// 下单重试可能超过 ttl，续期保证转换结束前锁不会过期
func KeepAlive(ctx context.Context, l DistributedLock, key string, ttl time.Duration) (stop func()) {
	if ttl <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Extend(ctx, key, ttl); err != nil {
					logger.Warn("⚠️ [Lock] 续期 %s 失败: %v", key, err)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// NopLock 单实例模式，总是获取成功
type NopLock struct{}

func NewNopLock() *NopLock {
	return &NopLock{}
}

func (n *NopLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (n *NopLock) Unlock(ctx context.Context, key string) error {
	return nil
}

func (n *NopLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (n *NopLock) Close() error {
	return nil
}
