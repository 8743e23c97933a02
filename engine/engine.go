package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"copymirror/config"
	"copymirror/copytrade"
	"copymirror/database"
	"copymirror/event"
	"copymirror/exchange"
	"copymirror/logger"
	"copymirror/metrics"
	"copymirror/risk"
	"copymirror/safety"
)

// Coordinator 引擎使用的订单协调器能力
type Coordinator interface {
	Submit(sig copytrade.CopySignal) error
	SubmitMargin(ctx context.Context, donorKey copytrade.PositionKey, side copytrade.Side, delta float64) error
	SetEnabled(enabled bool)
	Enabled() bool
	Flatten(key copytrade.PositionKey) error
	Acknowledge(key copytrade.PositionKey) bool
	Statuses() []copytrade.KeyStatus
}

// MarginMirror 保证金镜像
type MarginMirror interface {
	Observe(sig copytrade.MarginChanged) bool
	Flush(ctx context.Context)
}

// FollowerTracker 跟单账户持仓读模型
type FollowerTracker interface {
	Handle(ctx context.Context, ev exchange.StreamEvent)
	Sync(ctx context.Context, positions []copytrade.Position)
	Open() []database.PositionRecord
}

// PositionSource REST 持仓快照
type PositionSource interface {
	GetPositions(ctx context.Context) ([]copytrade.Position, error)
}

// AccountSource REST 账户权益
type AccountSource interface {
	GetAccount(ctx context.Context) (copytrade.Account, error)
}

// ReportSource 最近一轮对账结果
type ReportSource interface {
	LastReport() *safety.Report
	FailedCycles() int
}

// Store 引擎写入的读模型
type Store interface {
	SaveOrder(ctx context.Context, order *database.Order) error
	SaveEquitySnapshot(ctx context.Context, snap *database.EquitySnapshot) error
	SaveReconciliation(ctx context.Context, recon *database.Reconciliation) error
}

// Options 引擎参数
type Options struct {
	InstanceID       string
	SnapshotInterval time.Duration
	Symbols          []string
	ExcludeSymbols   []string
	CopyMargin       bool
}

// OptionsFromConfig 从配置构造参数
func OptionsFromConfig(cfg *config.Config) Options {
	interval := time.Duration(cfg.Reporting.SnapshotIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return Options{
		InstanceID:       cfg.App.InstanceID,
		SnapshotInterval: interval,
		Symbols:          cfg.Copy.Symbols,
		ExcludeSymbols:   cfg.Copy.ExcludeSymbols,
		CopyMargin:       cfg.CopyMargin(),
	}
}

// Components 启动时绑定的组件
type Components struct {
	Coordinator Coordinator
	Margin      MarginMirror
	Tracker     FollowerTracker
	Follower    PositionSource
	Reconciler  ReportSource
	// Accounts 按角色拉取权益，钱包推送之外的兜底来源
	Accounts map[copytrade.Role]AccountSource
}

// Status /api/status 返回的运行状态
type Status struct {
	Instance     string                `json:"instance"`
	Mirroring    bool                  `json:"mirroring"`
	StartedAt    time.Time             `json:"started_at"`
	Uptime       string                `json:"uptime"`
	Donor        copytrade.Account     `json:"donor"`
	Follower     copytrade.Account     `json:"follower"`
	Drawdown     risk.DrawdownStatus   `json:"drawdown"`
	Keys         []copytrade.KeyStatus `json:"keys"`
	Attention    int                   `json:"attention"`
	Reconcile    *safety.Report        `json:"last_reconcile,omitempty"`
	FailedCycles int                   `json:"reconcile_failed_cycles"`
	Orders       *metrics.Metrics      `json:"orders,omitempty"`
	EventsLost   int64                 `json:"events_dropped"`
}

// Engine 跟单引擎：路由领航员信号、执行运维命令、记录权益
// 所有交易所写操作都经由订单协调器
type Engine struct {
	store    Store
	bus      *event.EventBus
	accounts *Accounts
	guard    *risk.DrawdownGuard
	stats    *metrics.MetricsCollector

	mu         sync.RWMutex
	opts       Options
	allow      map[string]bool
	deny       map[string]bool
	components Components
	startedAt  time.Time
}

// New 创建引擎，协调器等组件创建后通过 Attach 绑定
func New(opts Options, store Store, bus *event.EventBus, guard *risk.DrawdownGuard, stats *metrics.MetricsCollector) *Engine {
	if guard == nil {
		guard = risk.NewDrawdownGuard(0, 0)
	}
	e := &Engine{
		store:     store,
		bus:       bus,
		accounts:  NewAccounts(),
		guard:     guard,
		stats:     stats,
		startedAt: time.Now(),
	}
	e.UpdateOptions(opts)

	e.accounts.onFollower = func(equity float64) {
		metrics.GetPrometheusMetrics().SetDrawdown(e.guard.Update(equity))
	}
	e.guard.OnChange(e.onDrawdown)
	return e
}

// Attach 绑定协调器等组件
func (e *Engine) Attach(c Components) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.components = c
}

// Accounts 账户权益，供协调器、保证金镜像、对账使用
func (e *Engine) Accounts() *Accounts {
	return e.accounts
}

// Guard 回撤保护（开仓闸门）
func (e *Engine) Guard() *risk.DrawdownGuard {
	return e.guard
}

// UpdateOptions 热更新交易对过滤与保证金开关
func (e *Engine) UpdateOptions(opts Options) {
	allow := make(map[string]bool, len(opts.Symbols))
	for _, s := range opts.Symbols {
		allow[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	deny := make(map[string]bool, len(opts.ExcludeSymbols))
	for _, s := range opts.ExcludeSymbols {
		deny[strings.ToUpper(strings.TrimSpace(s))] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts = opts
	e.allow = allow
	e.deny = deny
}

// Allowed 交易对是否在跟单范围内：黑名单优先，白名单为空表示全部
func (e *Engine) Allowed(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	symbol = strings.ToUpper(symbol)
	if e.deny[symbol] {
		return false
	}
	return len(e.allow) == 0 || e.allow[symbol]
}

func (e *Engine) parts() (Components, Options) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.components, e.opts
}

// Submit 路由领航员信号（ingest.Sink）
func (e *Engine) Submit(sig copytrade.CopySignal) error {
	c, opts := e.parts()
	if c.Coordinator == nil {
		return copytrade.ErrMirroringStopped
	}
	symbol := sig.Key().Symbol
	if !e.Allowed(symbol) {
		logger.Debug("ℹ️ [Engine] %s 不在跟单范围内，忽略 %s", symbol, sig.Kind())
		return nil
	}

	if mc, ok := sig.(copytrade.MarginChanged); ok {
		if !opts.CopyMargin || c.Margin == nil {
			return nil
		}
		if !c.Coordinator.Enabled() {
			return copytrade.ErrMirroringStopped
		}
		metrics.GetPrometheusMetrics().RecordSignal(string(mc.Kind()), string(mc.Meta.Source))
		c.Margin.Observe(mc)
		return nil
	}
	return c.Coordinator.Submit(sig)
}

// SubmitMargin 提交合并后的保证金调整（margin.Submitter）
func (e *Engine) SubmitMargin(ctx context.Context, donorKey copytrade.PositionKey, side copytrade.Side, delta float64) error {
	c, _ := e.parts()
	if c.Coordinator == nil {
		return copytrade.ErrMirroringStopped
	}
	if err := c.Coordinator.SubmitMargin(ctx, donorKey, side, delta); err != nil {
		return err
	}
	e.emit(event.EventTypeMarginAdjusted, map[string]interface{}{
		"symbol": donorKey.Symbol,
		"key":    donorKey.String(),
		"delta":  delta,
	})
	return nil
}

// UpdateAccount 领航员钱包推送（ingest.AccountSink）
func (e *Engine) UpdateAccount(account copytrade.Account) {
	e.accounts.UpdateAccount(account)
}

// RefreshAccounts 通过 REST 刷新账户权益，roles 为空时刷新全部
// 启动、私有频道（重）连接、每轮对账前调用，钱包推送之前权益即可用
func (e *Engine) RefreshAccounts(ctx context.Context, roles ...copytrade.Role) error {
	c, _ := e.parts()
	if len(roles) == 0 {
		for role := range c.Accounts {
			roles = append(roles, role)
		}
		sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	}

	var errs []error
	for _, role := range roles {
		src, ok := c.Accounts[role]
		if !ok || src == nil {
			continue
		}
		account, err := src.GetAccount(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("获取%s账户权益失败: %w", role, err))
			continue
		}
		account.Role = role
		if account.UpdatedAt.IsZero() {
			account.UpdatedAt = time.Now()
		}
		e.accounts.UpdateAccount(account)
		logger.Debug("💰 [Engine] %s 权益已刷新: %.2f", role, account.Equity)
	}
	return errors.Join(errs...)
}

func (e *Engine) refreshAccount(ctx context.Context, role copytrade.Role) {
	if err := e.RefreshAccounts(ctx, role); err != nil {
		logger.Warn("⚠️ [Engine] 刷新账户权益失败: %v", err)
	}
}

// StartMirroring 开始跟单
func (e *Engine) StartMirroring() error {
	c, opts := e.parts()
	if c.Coordinator == nil {
		return errors.New("订单协调器未就绪")
	}
	if c.Coordinator.Enabled() {
		return nil
	}
	c.Coordinator.SetEnabled(true)
	logger.Info("▶️ [Engine] 跟单已开始")
	e.emit(event.EventTypeMirroringStarted, map[string]interface{}{"instance": opts.InstanceID})
	return nil
}

// StopMirroring 停止跟单，已排队的任务继续执行
func (e *Engine) StopMirroring() error {
	c, opts := e.parts()
	if c.Coordinator == nil {
		return errors.New("订单协调器未就绪")
	}
	if !c.Coordinator.Enabled() {
		return nil
	}
	c.Coordinator.SetEnabled(false)
	logger.Warn("⏸️ [Engine] 跟单已停止")
	e.emit(event.EventTypeMirroringStopped, map[string]interface{}{"instance": opts.InstanceID})
	return nil
}

// Flatten 停止跟单并以只减仓方式平掉全部跟单持仓，返回提交的持仓键数量
func (e *Engine) Flatten(ctx context.Context) (int, error) {
	if err := e.StopMirroring(); err != nil {
		return 0, err
	}
	c, _ := e.parts()

	keys, err := e.openFollowerKeys(ctx, c)
	if err != nil {
		return 0, err
	}

	var errs []error
	submitted := 0
	for _, key := range keys {
		if err := c.Coordinator.Flatten(key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		submitted++
	}

	logger.Warn("🧹 [Engine] 一键平仓：提交 %d/%d 个持仓键", submitted, len(keys))
	e.emit(event.EventTypeFlattenRequested, map[string]interface{}{
		"keys":      submitted,
		"requested": len(keys),
	})
	return submitted, errors.Join(errs...)
}

// openFollowerKeys 读模型、REST 快照、协调器状态三者合并
func (e *Engine) openFollowerKeys(ctx context.Context, c Components) ([]copytrade.PositionKey, error) {
	set := make(map[copytrade.PositionKey]struct{})
	if c.Tracker != nil {
		for _, r := range c.Tracker.Open() {
			set[copytrade.PositionKey{Symbol: r.Symbol, Idx: r.Idx}] = struct{}{}
		}
	}
	if c.Follower != nil {
		positions, err := c.Follower.GetPositions(ctx)
		if err != nil {
			if len(set) == 0 {
				return nil, fmt.Errorf("获取跟单账户持仓失败: %w", err)
			}
			logger.Warn("⚠️ [Engine] 获取跟单账户持仓失败，按本地记录平仓: %v", err)
		}
		for _, p := range positions {
			if p.IsOpen() {
				set[p.Key()] = struct{}{}
			}
		}
	}
	for _, s := range c.Coordinator.Statuses() {
		if s.LastFollower != nil && s.LastFollower.IsOpen() {
			set[s.Key] = struct{}{}
		}
	}

	keys := make([]copytrade.PositionKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// Acknowledge 运维确认持仓键
func (e *Engine) Acknowledge(key copytrade.PositionKey) bool {
	c, _ := e.parts()
	if c.Coordinator == nil || !c.Coordinator.Acknowledge(key) {
		return false
	}
	e.emit(event.EventTypeKeyAcknowledged, map[string]interface{}{
		"symbol": key.Symbol,
		"key":    key.String(),
	})
	return true
}

// Status 运行状态
func (e *Engine) Status() Status {
	c, opts := e.parts()
	donor, follower := e.accounts.Snapshot()
	s := Status{
		Instance:  opts.InstanceID,
		StartedAt: e.startedAt,
		Uptime:    time.Since(e.startedAt).Truncate(time.Second).String(),
		Donor:     donor,
		Follower:  follower,
		Drawdown:  e.guard.Status(),
		Keys:      []copytrade.KeyStatus{},
	}
	if c.Coordinator != nil {
		s.Mirroring = c.Coordinator.Enabled()
		s.Keys = c.Coordinator.Statuses()
		for _, k := range s.Keys {
			if k.NeedsAttention() {
				s.Attention++
			}
		}
	}
	if c.Reconciler != nil {
		s.Reconcile = c.Reconciler.LastReport()
		s.FailedCycles = c.Reconciler.FailedCycles()
	}
	if e.stats != nil {
		m := e.stats.GetMetrics()
		s.Orders = &m
	}
	if e.bus != nil {
		s.EventsLost = e.bus.Dropped()
	}
	return s
}

// RunFollower 消费跟单账户私有频道：读模型、权益、订单状态
func (e *Engine) RunFollower(ctx context.Context, events <-chan exchange.StreamEvent) error {
	pm := metrics.GetPrometheusMetrics()
	defer pm.SetStreamStatus(string(copytrade.RoleFollower), false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				logger.Warn("⚠️ [Engine] 跟单账户推送通道已关闭")
				return nil
			}
			e.handleFollower(ctx, ev)
		}
	}
}

func (e *Engine) handleFollower(ctx context.Context, ev exchange.StreamEvent) {
	c, _ := e.parts()
	pm := metrics.GetPrometheusMetrics()

	switch ev.Kind {
	case exchange.EventConnected:
		pm.SetStreamStatus(string(copytrade.RoleFollower), true)
		if ev.Reconnect {
			pm.RecordStreamReconnect(string(copytrade.RoleFollower))
			e.emit(event.EventTypeStreamReconnected, map[string]interface{}{"account": string(copytrade.RoleFollower)})
		}
		e.refreshAccount(ctx, copytrade.RoleFollower)
		e.syncTracker(ctx, c)

	case exchange.EventWallet:
		if ev.Account != nil {
			e.accounts.UpdateAccount(*ev.Account)
		}

	case exchange.EventPosition, exchange.EventExecution:
		if c.Tracker != nil {
			c.Tracker.Handle(ctx, ev)
		}

	case exchange.EventOrder:
		for _, o := range ev.Orders {
			e.updateOrder(ctx, o)
		}
	}
}

// syncTracker 连接建立后用 REST 快照校正读模型，关闭断线期间已平掉的记录
func (e *Engine) syncTracker(ctx context.Context, c Components) {
	if c.Tracker == nil || c.Follower == nil {
		return
	}
	positions, err := c.Follower.GetPositions(ctx)
	if err != nil {
		logger.Warn("⚠️ [Engine] 同步跟单账户持仓失败: %v", err)
		return
	}
	c.Tracker.Sync(ctx, positions)
}

// TapStream 转发领航员推送，连接建立时刷新权益并记录重连事件
func (e *Engine) TapStream(ctx context.Context, account string, in <-chan exchange.StreamEvent) <-chan exchange.StreamEvent {
	out := make(chan exchange.StreamEvent, cap(in))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				if ev.Kind == exchange.EventConnected {
					e.refreshAccount(ctx, copytrade.Role(account))
					if ev.Reconnect {
						e.emit(event.EventTypeStreamReconnected, map[string]interface{}{"account": account})
					}
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// RunSnapshots 按间隔写入两侧权益快照
func (e *Engine) RunSnapshots(ctx context.Context) error {
	_, opts := e.parts()
	ticker := time.NewTicker(opts.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.SnapshotEquity(ctx)
		}
	}
}

// SnapshotEquity 写入一次权益快照，权益未知的一侧跳过
func (e *Engine) SnapshotEquity(ctx context.Context) int {
	if e.store == nil {
		return 0
	}
	donor, follower := e.accounts.Snapshot()
	now := time.Now()
	written := 0
	for _, acc := range []copytrade.Account{follower, donor} {
		if acc.Equity <= 0 {
			continue
		}
		snap := &database.EquitySnapshot{
			Role:          string(acc.Role),
			Equity:        acc.Equity,
			Available:     acc.Available,
			MarginBalance: acc.MarginBalance,
			UnrealisedPnl: acc.UnrealisedPnl,
			CreatedAt:     now,
		}
		if err := e.store.SaveEquitySnapshot(ctx, snap); err != nil {
			logger.Warn("⚠️ [Engine] 保存 %s 权益快照失败: %v", acc.Role, err)
			continue
		}
		written++
	}
	return written
}

// Shutdown 提交尚未到期的保证金调整
func (e *Engine) Shutdown(ctx context.Context) {
	c, _ := e.parts()
	if c.Margin != nil {
		c.Margin.Flush(ctx)
	}
}

func (e *Engine) emit(t event.EventType, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(t, data)
}
