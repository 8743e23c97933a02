package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"copymirror/config"
	"copymirror/copytrade"
	"copymirror/lock"
	"copymirror/logger"
	"copymirror/metrics"

	"golang.org/x/time/rate"
)

// ErrLockHeld 持仓键被其他实例锁定
var ErrLockHeld = errors.New("持仓键已被其他实例锁定")

// ExecutorConfig 执行器参数
type ExecutorConfig struct {
	Account     string
	RateLimit   float64
	Burst       int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	CallTimeout time.Duration
	LockTTL     time.Duration
}

// ExecutorConfigFromConfig 从配置构造执行器参数
func ExecutorConfigFromConfig(cfg *config.Config) ExecutorConfig {
	c := cfg.Coordinator
	return ExecutorConfig{
		Account:     string(copytrade.RoleFollower),
		RateLimit:   c.RateLimit,
		Burst:       c.Burst,
		MaxRetries:  c.MaxRetries,
		BackoffBase: time.Duration(c.BackoffBaseMs) * time.Millisecond,
		BackoffMax:  time.Duration(c.BackoffMaxMs) * time.Millisecond,
		CallTimeout: time.Duration(c.CallTimeoutMs) * time.Millisecond,
	}
}

// Executor 交易所调用执行器：限流、临时错误指数退避重试、持仓键分布式锁
type Executor struct {
	cfg         ExecutorConfig
	rateLimiter *rate.Limiter
	lock        lock.DistributedLock

	// sleep 可在测试中替换
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor 创建执行器，distributedLock 为 nil 时使用 NopLock
func NewExecutor(cfg ExecutorConfig, distributedLock lock.DistributedLock) *Executor {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.Account == "" {
		cfg.Account = string(copytrade.RoleFollower)
	}
	if distributedLock == nil {
		distributedLock = lock.NewNopLock()
	}
	return &Executor{
		cfg:         cfg,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		lock:        distributedLock,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff 第 attempt 次重试前的等待时间
func (e *Executor) Backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 0; i < attempt && d < e.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > e.cfg.BackoffMax {
		d = e.cfg.BackoffMax
	}
	return d
}

// Do 执行一次交易所调用
// 临时错误按指数退避重试，最多 MaxRetries 次；交易所拒绝立即返回
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	pm := metrics.GetPrometheusMetrics()
	var lastErr error

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := e.Backoff(attempt - 1)
			pm.RecordAPIRetry(op)
			logger.Warn("⚠️ [Executor] %s 第 %d 次重试，等待 %s: %v", op, attempt, wait, lastErr)
			if err := e.sleep(ctx, wait); err != nil {
				return err
			}
		}

		if err := e.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("速率限制等待失败: %w", err)
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		start := time.Now()
		err := fn(callCtx)
		cancel()

		duration := time.Since(start)
		switch {
		case err == nil:
			pm.RecordAPICall(e.cfg.Account, op, "ok", duration)
			return nil
		case copytrade.IsTransient(err):
			pm.RecordAPICall(e.cfg.Account, op, "transient", duration)
		case copytrade.IsRejection(err):
			pm.RecordAPICall(e.cfg.Account, op, "rejected", duration)
			return err
		default:
			pm.RecordAPICall(e.cfg.Account, op, "error", duration)
			return err
		}

		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("%s 重试 %d 次后仍失败: %w", op, e.cfg.MaxRetries, lastErr)
}

// WithKeyLock 在持仓键分布式锁内执行 fn
// 锁服务异常时降级为无锁执行；锁被占用按临时错误重试
func (e *Executor) WithKeyLock(ctx context.Context, key copytrade.PositionKey, fn func(ctx context.Context) error) error {
	name := lock.PositionKeyName(key)
	err := e.Do(ctx, "lock", func(lctx context.Context) error {
		acquired, err := e.lock.TryLock(lctx, name, e.cfg.LockTTL)
		if err != nil {
			logger.Warn("⚠️ [Executor] 获取锁 %s 失败，降级为无锁执行: %v", name, err)
			return nil
		}
		if !acquired {
			metrics.GetPrometheusMetrics().RecordLockConflict(name)
			return &copytrade.TransientError{Op: "lock " + name, Err: ErrLockHeld}
		}
		return nil
	})
	if err != nil {
		return err
	}

	stop := lock.KeepAlive(ctx, e.lock, name, e.cfg.LockTTL)
	defer func() {
		stop()
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.lock.Unlock(unlockCtx, name); err != nil {
			logger.Debug("ℹ️ [Executor] 释放锁 %s: %v", name, err)
		}
	}()
	return fn(ctx)
}
