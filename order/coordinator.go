package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"copymirror/copytrade"
	"copymirror/exchange"
	"copymirror/logger"
	"copymirror/metrics"
	"copymirror/risk"
	"copymirror/trailing"
)

var (
	// ErrQueueFull 持仓键排队任务已满
	ErrQueueFull = errors.New("持仓键任务队列已满")
	// ErrIncreaseBlocked 回撤保护生效，禁止开仓与加仓
	ErrIncreaseBlocked = errors.New("回撤保护生效，禁止开仓与加仓")
	// ErrStaleSignal 信号序号早于该键已开始处理的信号
	ErrStaleSignal = errors.New("信号已过期，序号早于已处理信号")
)

// AlertKind 告警类型
type AlertKind string

const (
	AlertFailed        AlertKind = "failed"
	AlertDivergent     AlertKind = "divergent"
	AlertStateConflict AlertKind = "state_conflict"
)

// Alert 需要人工处理的持仓键告警
type Alert struct {
	Kind    AlertKind           `json:"kind"`
	Status  copytrade.KeyStatus `json:"status"`
	Err     string              `json:"error"`
	Dropped int                 `json:"dropped,omitempty"`
}

// Listener 订单与告警的下游（持久化、通知）
type Listener interface {
	OnOrder(order copytrade.CopyOrder)
	OnAlert(alert Alert)
}

// EquitySource 账户权益
type EquitySource interface {
	FollowerEquity() float64
	DonorEquity() float64
}

// IncreaseGate 开仓与加仓闸门
type IncreaseGate interface {
	AllowIncrease() bool
}

// Options 行为开关，可热更新
type Options struct {
	CopyLeverage   bool
	CopyMarginMode bool
	CopyTrailing   bool
	QueueSize      int
}

// Deps 协调器依赖
type Deps struct {
	Exchange  exchange.IExchange
	Executor  *Executor
	Sizer     *risk.Sizer
	Trailing  *trailing.Manager
	Equity    EquitySource
	Gate      IncreaseGate
	Listener  Listener
	Sequencer *copytrade.Sequencer
	Stats     *metrics.MetricsCollector
}

type taskKind int

const (
	taskSignal taskKind = iota
	taskMargin
	taskFlatten
)

type task struct {
	kind   taskKind
	seq    uint64
	signal copytrade.CopySignal
	side   copytrade.Side
	delta  float64
	queued time.Time
}

type keyEntry struct {
	status  copytrade.KeyStatus
	stable  copytrade.KeyState
	queue   []task
	running bool
	// started 最近一个出队执行的信号序号
	started uint64
}

// Coordinator 每个持仓键一个串行任务队列与状态机
// 同一键同时最多一个转换在执行，不同键互不阻塞
type Coordinator struct {
	ctx  context.Context
	deps Deps

	mu      sync.Mutex
	opts    Options
	keys    map[copytrade.PositionKey]*keyEntry
	enabled atomic.Bool
	wg      sync.WaitGroup
}

// NewCoordinator 创建订单协调器，ctx 取消后不再发起新的交易所调用
func NewCoordinator(ctx context.Context, deps Deps, opts Options) *Coordinator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if deps.Sequencer == nil {
		deps.Sequencer = &copytrade.Sequencer{}
	}
	if deps.Stats == nil {
		deps.Stats = metrics.NewMetricsCollector()
	}
	c := &Coordinator{
		ctx:  ctx,
		deps: deps,
		opts: opts,
		keys: make(map[copytrade.PositionKey]*keyEntry),
	}
	c.enabled.Store(true)
	return c
}

// UpdateOptions 热更新行为开关
func (c *Coordinator) UpdateOptions(opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if opts.QueueSize <= 0 {
		opts.QueueSize = c.opts.QueueSize
	}
	c.opts = opts
}

func (c *Coordinator) options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// SetEnabled 开启或停止跟单，停止后只接受平仓类运维任务
func (c *Coordinator) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
	metrics.GetPrometheusMetrics().SetMirroring(enabled)
}

// Enabled 是否正在跟单
func (c *Coordinator) Enabled() bool {
	return c.enabled.Load()
}

// FollowerKey 领航员持仓键映射到跟单账户持仓键
func (c *Coordinator) FollowerKey(donorKey copytrade.PositionKey, positionSide copytrade.Side) copytrade.PositionKey {
	return copytrade.PositionKey{
		Symbol: donorKey.Symbol,
		Idx:    copytrade.ResolvePositionIdx(donorKey.Idx, positionSide, c.deps.Exchange.IsHedgeMode()),
	}
}

// Submit 提交领航员信号，按序号在持仓键队列中排队
func (c *Coordinator) Submit(sig copytrade.CopySignal) error {
	if !c.Enabled() {
		return copytrade.ErrMirroringStopped
	}
	snap := sig.Snapshot()
	key := c.FollowerKey(sig.Key(), snap.Side)
	metrics.GetPrometheusMetrics().RecordSignal(string(sig.Kind()), string(sig.Metadata().Source))
	c.deps.Stats.RecordSignal(sig.Metadata().Timestamp)
	return c.enqueue(key, task{kind: taskSignal, seq: sig.Metadata().Seq, signal: sig})
}

// SubmitMargin 提交合并后的保证金调整
func (c *Coordinator) SubmitMargin(ctx context.Context, donorKey copytrade.PositionKey, side copytrade.Side, delta float64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("提交保证金调整失败: %w", err)
	}
	if !c.Enabled() {
		return copytrade.ErrMirroringStopped
	}
	key := c.FollowerKey(donorKey, side)
	return c.enqueue(key, task{kind: taskMargin, seq: c.deps.Sequencer.Next(), side: side, delta: delta})
}

// Flatten 运维平仓：通过同一队列以只减仓方式平掉跟单持仓
func (c *Coordinator) Flatten(key copytrade.PositionKey) error {
	return c.enqueue(key, task{kind: taskFlatten, seq: c.deps.Sequencer.Next()})
}

func (c *Coordinator) entry(key copytrade.PositionKey) *keyEntry {
	e, ok := c.keys[key]
	if !ok {
		e = &keyEntry{
			status: copytrade.KeyStatus{Key: key, State: copytrade.StateIdle, UpdatedAt: time.Now()},
			stable: copytrade.StateIdle,
		}
		c.keys[key] = e
	}
	return e
}

func (c *Coordinator) enqueue(key copytrade.PositionKey, t task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(key)
	if t.kind != taskFlatten {
		if e.status.State == copytrade.StateFailed {
			return fmt.Errorf("%s: %w", key, copytrade.ErrKeyFailed)
		}
		if e.status.Paused {
			return fmt.Errorf("%s: %w", key, copytrade.ErrKeyPaused)
		}
	}
	if t.kind == taskSignal && t.seq != 0 {
		if t.seq == e.status.LastSeq || t.seq == e.started || queued(e.queue, t.seq) {
			logger.Debug("ℹ️ [Coordinator] %s 忽略重复信号 seq=%d", key, t.seq)
			return nil
		}
		if t.seq < e.status.LastSeq || t.seq < e.started {
			logger.Info("ℹ️ [Coordinator] %s 丢弃过期信号 seq=%d（已处理到 seq=%d）", key, t.seq, max(e.status.LastSeq, e.started))
			return fmt.Errorf("%s seq=%d: %w", key, t.seq, ErrStaleSignal)
		}
	}
	if len(e.queue) >= c.opts.QueueSize {
		return fmt.Errorf("%s: %w", key, ErrQueueFull)
	}

	t.queued = time.Now()
	i := sort.Search(len(e.queue), func(i int) bool { return e.queue[i].seq > t.seq })
	e.queue = append(e.queue, task{})
	copy(e.queue[i+1:], e.queue[i:])
	e.queue[i] = t
	e.status.Queued = len(e.queue)

	if !e.running {
		e.running = true
		c.wg.Add(1)
		go c.run(key)
	}
	return nil
}

func queued(queue []task, seq uint64) bool {
	for _, t := range queue {
		if t.kind == taskSignal && t.seq == seq {
			return true
		}
	}
	return false
}

// run 持仓键的单一工作协程，队列清空后退出
func (c *Coordinator) run(key copytrade.PositionKey) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		e := c.keys[key]
		if len(e.queue) == 0 || c.ctx.Err() != nil {
			e.running = false
			c.mu.Unlock()
			return
		}
		t := e.queue[0]
		e.queue = e.queue[1:]
		e.status.Queued = len(e.queue)
		if t.kind == taskSignal && t.seq > e.started {
			e.started = t.seq
		}
		c.mu.Unlock()

		c.process(key, t)
	}
}

// Wait 等待所有工作协程退出
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// IsActive 持仓键是否有转换在执行或有任务排队
func (c *Coordinator) IsActive(key copytrade.PositionKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.keys[key]
	return ok && (e.running || len(e.queue) > 0)
}

// Status 查询持仓键状态
func (c *Coordinator) Status(key copytrade.PositionKey) (copytrade.KeyStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.keys[key]
	if !ok {
		return copytrade.KeyStatus{}, false
	}
	return e.status, true
}

// Statuses 全部持仓键状态
func (c *Coordinator) Statuses() []copytrade.KeyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]copytrade.KeyStatus, 0, len(c.keys))
	for _, e := range c.keys {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Pause 对账发现持续分歧时暂停持仓键
func (c *Coordinator) Pause(key copytrade.PositionKey, conflict *copytrade.StateConflictError) {
	c.mu.Lock()
	e := c.entry(key)
	e.status.Paused = true
	e.status.LastError = conflict.Error()
	if conflict.Donor != nil {
		e.status.LastDonor = conflict.Donor
	}
	if conflict.Follower != nil {
		e.status.LastFollower = conflict.Follower
	}
	e.status.UpdatedAt = time.Now()
	status := e.status
	c.mu.Unlock()

	metrics.GetPrometheusMetrics().SetKeyAttention(key.String(), string(AlertStateConflict), true)
	logger.Error("❌ [Coordinator] %s 状态冲突，暂停跟单: %s", key, conflict.Detail)
	c.alert(Alert{Kind: AlertStateConflict, Status: status, Err: conflict.Error()})
}

// Acknowledge 运维确认，清除 Failed / Paused / Divergent
func (c *Coordinator) Acknowledge(key copytrade.PositionKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.keys[key]
	if !ok {
		return false
	}
	if e.status.State == copytrade.StateFailed {
		e.status.State = copytrade.StateIdle
		e.stable = copytrade.StateIdle
	}
	e.status.Paused = false
	e.status.Divergent = false
	e.status.LastError = ""
	e.status.UpdatedAt = time.Now()

	pm := metrics.GetPrometheusMetrics()
	pm.SetKeyState(key.String(), string(e.status.State))
	for _, kind := range []AlertKind{AlertFailed, AlertDivergent, AlertStateConflict} {
		pm.SetKeyAttention(key.String(), string(kind), false)
	}
	logger.Info("✅ [Coordinator] %s 已人工确认，恢复跟单", key)
	return true
}

func (c *Coordinator) setState(key copytrade.PositionKey, state copytrade.KeyState) {
	c.mu.Lock()
	e := c.entry(key)
	prev := e.status.State
	e.status.State = state
	e.status.UpdatedAt = time.Now()
	if state.Stable() {
		e.stable = state
	}
	c.mu.Unlock()

	if prev != state {
		metrics.GetPrometheusMetrics().SetKeyState(key.String(), string(state))
		logger.Debug("ℹ️ [Coordinator] %s %s → %s", key, prev, state)
	}
}

func (c *Coordinator) alert(a Alert) {
	if c.deps.Listener != nil {
		c.deps.Listener.OnAlert(a)
	}
}

// process 执行一个任务并根据错误类别更新状态
func (c *Coordinator) process(key copytrade.PositionKey, t task) {
	ctx := c.ctx
	var err error
	var donor *copytrade.Position

	if t.kind == taskSignal {
		snap := t.signal.Snapshot()
		donor = &snap
	}
	err = c.deps.Executor.WithKeyLock(ctx, key, func(ctx context.Context) error {
		switch t.kind {
		case taskSignal:
			return c.executeSignal(ctx, key, t.signal)
		case taskMargin:
			return c.executeMargin(ctx, key, t.delta)
		case taskFlatten:
			return c.executeFlatten(ctx, key)
		}
		return nil
	})

	c.mu.Lock()
	e := c.entry(key)
	if t.kind == taskSignal && t.seq > e.status.LastSeq {
		e.status.LastSeq = t.seq
	}
	if donor != nil {
		e.status.LastDonor = donor
	}
	c.mu.Unlock()

	c.finish(key, err)
}

func (c *Coordinator) finish(key copytrade.PositionKey, err error) {
	pm := metrics.GetPrometheusMetrics()

	switch {
	case err == nil:
		return

	case errors.Is(err, copytrade.ErrSizeTooSmall), errors.Is(err, ErrIncreaseBlocked):
		logger.Info("ℹ️ [Coordinator] %s 跳过: %v", key, err)
		c.restoreStable(key)

	case errors.Is(err, risk.ErrEquityUnknown):
		logger.Warn("⚠️ [Coordinator] %s 跟单账户权益未知，跳过本次信号，由对账补齐", key)
		c.restoreStable(key)

	case copytrade.IsTransient(err):
		c.mu.Lock()
		e := c.entry(key)
		dropped := len(e.queue)
		e.queue = nil
		e.status.Queued = 0
		e.status.State = copytrade.StateFailed
		e.stable = copytrade.StateFailed
		e.status.LastError = err.Error()
		e.status.UpdatedAt = time.Now()
		status := e.status
		c.mu.Unlock()

		pm.SetKeyState(key.String(), string(copytrade.StateFailed))
		pm.SetKeyAttention(key.String(), string(AlertFailed), true)
		logger.Error("❌ [Coordinator] %s 重试耗尽，进入 Failed（丢弃排队任务 %d 个，等待人工确认后由对账修复）: %v", key, dropped, err)
		c.alert(Alert{Kind: AlertFailed, Status: status, Err: err.Error(), Dropped: dropped})

	case errors.Is(err, context.Canceled):
		logger.Warn("⚠️ [Coordinator] %s 任务被取消: %v", key, err)
		c.restoreStable(key)

	default:
		// 交易所拒绝及其他不可重试错误
		c.mu.Lock()
		e := c.entry(key)
		e.status.Divergent = true
		e.status.LastError = err.Error()
		c.mu.Unlock()
		c.restoreStable(key)

		status, _ := c.Status(key)
		pm.SetKeyAttention(key.String(), string(AlertDivergent), true)
		logger.Error("❌ [Coordinator] %s 执行失败，标记为分歧: %v", key, err)
		c.alert(Alert{Kind: AlertDivergent, Status: status, Err: err.Error()})
	}
}

func (c *Coordinator) restoreStable(key copytrade.PositionKey) {
	c.mu.Lock()
	stable := c.entry(key).stable
	c.mu.Unlock()
	c.setState(key, stable)
}

func (c *Coordinator) executeSignal(ctx context.Context, key copytrade.PositionKey, sig copytrade.CopySignal) error {
	switch s := sig.(type) {
	case copytrade.PositionOpened:
		return c.handleOpened(ctx, key, s)
	case copytrade.PositionAdjusted:
		return c.handleAdjusted(ctx, key, s)
	case copytrade.PositionClosed:
		return c.handleClosed(ctx, key, s)
	case copytrade.TrailingStopSet:
		return c.handleTrailing(ctx, key, s)
	case copytrade.MarginChanged:
		logger.Warn("⚠️ [Coordinator] %s 保证金变化应先经过保证金镜像合并，忽略 seq=%d", key, s.Meta.Seq)
		return nil
	default:
		return fmt.Errorf("未知信号类型: %T", sig)
	}
}
