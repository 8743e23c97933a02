package safety

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"copymirror/config"
	"copymirror/copytrade"
	"copymirror/lock"
	"copymirror/logger"
	"copymirror/metrics"
	"copymirror/order"
	"copymirror/risk"

	"golang.org/x/sync/errgroup"
)

// Coordinator 对账所需的订单协调器能力
type Coordinator interface {
	Submit(sig copytrade.CopySignal) error
	IsActive(key copytrade.PositionKey) bool
	Status(key copytrade.PositionKey) (copytrade.KeyStatus, bool)
	Pause(key copytrade.PositionKey, conflict *copytrade.StateConflictError)
	FollowerKey(donorKey copytrade.PositionKey, positionSide copytrade.Side) copytrade.PositionKey
}

// PositionSource REST 持仓快照
type PositionSource interface {
	GetPositions(ctx context.Context) ([]copytrade.Position, error)
}

// InstrumentSource 合约规格
type InstrumentSource interface {
	GetInstrument(ctx context.Context, symbol string) (copytrade.Instrument, error)
}

// SeqTracker 实时信号序号
type SeqTracker interface {
	LastSeq(symbol string) uint64
}

// Storage 对账记录存储（可选）
type Storage interface {
	SaveReconciliation(report *Report) error
}

// Alerter 连续失败告警
type Alerter interface {
	ReconcileAlert(failedCycles int, err error)
}

// DiffType 差异类型
type DiffType string

const (
	DiffMissing  DiffType = "missing"  // 领航员有、跟单无
	DiffOrphan   DiffType = "orphan"   // 跟单有、领航员无
	DiffSide     DiffType = "side"     // 方向相反
	DiffQty      DiffType = "qty"      // 数量超出容差
	DiffLeverage DiffType = "leverage" // 杠杆不一致
)

// Action 对差异的处理
type Action string

const (
	ActionSubmitted Action = "submitted"
	ActionDeferred  Action = "deferred"
	ActionSkipped   Action = "skipped"
	ActionConflict  Action = "conflict"
)

// Diff 单个持仓键的差异
type Diff struct {
	Key       copytrade.PositionKey `json:"key"`
	Types     []DiffType            `json:"types"`
	Donor     *copytrade.Position   `json:"donor,omitempty"`
	Follower  *copytrade.Position   `json:"follower,omitempty"`
	TargetQty float64               `json:"target_qty,omitempty"`
	Action    Action                `json:"action"`
	Reason    string                `json:"reason,omitempty"`
}

// Report 一轮对账结果
type Report struct {
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	DonorPositions    int           `json:"donor_positions"`
	FollowerPositions int           `json:"follower_positions"`
	Diffs             []Diff        `json:"diffs"`
	Submitted         int           `json:"submitted"`
	Deferred          int           `json:"deferred"`
	Conflicts         int           `json:"conflicts"`
	Error             string        `json:"error,omitempty"`
}

// Deps 对账依赖
type Deps struct {
	Donor       PositionSource
	Follower    PositionSource
	Instruments InstrumentSource
	Coordinator Coordinator
	Seq         SeqTracker
	Sequencer   *copytrade.Sequencer
	Sizer       *risk.Sizer
	Equity      order.EquitySource
	Gate        order.IncreaseGate
	Lock        lock.DistributedLock
	Executor    *order.Executor
	Storage     Storage
	Alerter     Alerter
	// Accounts 每轮对账前刷新两侧权益，可为空
	Accounts AccountRefresher
}

// AccountRefresher 刷新账户权益
type AccountRefresher interface {
	RefreshAccounts(ctx context.Context, roles ...copytrade.Role) error
}

// Options 对账参数
type Options struct {
	InstanceID      string
	Interval        time.Duration
	Tolerance       float64
	MaxFailedCycles int
	CopyLeverage    bool
	Filter          func(symbol string) bool
}

// OptionsFromConfig 从配置构造参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		InstanceID:      cfg.App.InstanceID,
		Interval:        time.Duration(cfg.Reconcile.IntervalSec) * time.Second,
		Tolerance:       cfg.Reconcile.Tolerance,
		MaxFailedCycles: cfg.Reconcile.MaxFailedCycles,
		CopyLeverage:    cfg.CopyLeverage(),
	}
}

type correction struct {
	types []DiffType
	seq   uint64
	at    time.Time
}

// Reconciler 周期性比较领航员与跟单账户的 REST 快照并提交修正信号
type Reconciler struct {
	deps Deps

	mu           sync.Mutex
	opts         Options
	corrections  map[copytrade.PositionKey]correction
	failedCycles int
	lastReport   *Report
}

// NewReconciler 创建对账器
func NewReconciler(deps Deps, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = 0.05
	}
	if opts.MaxFailedCycles <= 0 {
		opts.MaxFailedCycles = 3
	}
	if deps.Lock == nil {
		deps.Lock = lock.NewNopLock()
	}
	if deps.Sequencer == nil {
		deps.Sequencer = &copytrade.Sequencer{}
	}
	if deps.Executor == nil {
		deps.Executor = order.NewExecutor(order.ExecutorConfig{Account: "reconcile", MaxRetries: 3}, nil)
	}
	return &Reconciler{
		deps:        deps,
		opts:        opts,
		corrections: make(map[copytrade.PositionKey]correction),
	}
}

// SetTolerance 热更新容差
func (r *Reconciler) SetTolerance(tolerance float64) {
	if tolerance <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.Tolerance = tolerance
}

// SetMaxFailedCycles 热更新告警阈值
func (r *Reconciler) SetMaxFailedCycles(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.MaxFailedCycles = n
}

// SetFilter 设置交易对过滤
func (r *Reconciler) SetFilter(filter func(symbol string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.Filter = filter
}

func (r *Reconciler) options() Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

// LastReport 最近一轮对账结果
func (r *Reconciler) LastReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReport
}

// Start 立即对账一次，之后按间隔执行，ctx 取消后返回
func (r *Reconciler) Start(ctx context.Context) error {
	opts := r.options()
	logger.Info("✅ [Reconcile] 对账已启动 (间隔: %s, 容差: %.2f%%)", opts.Interval, opts.Tolerance*100)

	r.runOnce(ctx)
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("⏹️ [Reconcile] 对账已停止")
			return nil
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	_, err := r.RunCycle(ctx)
	if ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	if err == nil {
		r.failedCycles = 0
		r.mu.Unlock()
		return
	}
	r.failedCycles++
	failed := r.failedCycles
	max := r.opts.MaxFailedCycles
	r.mu.Unlock()

	logger.Error("❌ [Reconcile] 对账失败 (连续 %d 轮): %v", failed, err)
	if failed == max && r.deps.Alerter != nil {
		r.deps.Alerter.ReconcileAlert(failed, err)
	}
}

// FailedCycles 连续失败轮数
func (r *Reconciler) FailedCycles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedCycles
}

func (r *Reconciler) fetch(ctx context.Context) (donor, follower []copytrade.Position, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.deps.Executor.Do(gctx, "reconcile/donor-positions", func(ctx context.Context) error {
			var err error
			donor, err = r.deps.Donor.GetPositions(ctx)
			return err
		})
	})
	g.Go(func() error {
		return r.deps.Executor.Do(gctx, "reconcile/follower-positions", func(ctx context.Context) error {
			var err error
			follower, err = r.deps.Follower.GetPositions(ctx)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return donor, follower, nil
}

// RunCycle 执行一轮对账
// 锁被其他实例持有时跳过并返回 nil
func (r *Reconciler) RunCycle(ctx context.Context) (*Report, error) {
	pm := metrics.GetPrometheusMetrics()
	opts := r.options()
	report := &Report{StartedAt: time.Now()}

	lockKey := lock.ReconcileKeyName(opts.InstanceID)
	acquired, err := r.deps.Lock.TryLock(ctx, lockKey, opts.Interval)
	if err != nil {
		logger.Warn("⚠️ [Reconcile] 获取对账锁失败: %v，跳过本次对账", err)
		return nil, nil
	}
	if !acquired {
		logger.Debug("🔒 [Reconcile] 对账锁被其他实例持有，跳过")
		return nil, nil
	}
	defer func() {
		if err := r.deps.Lock.Unlock(context.Background(), lockKey); err != nil {
			logger.Warn("⚠️ [Reconcile] 释放对账锁失败: %v", err)
		}
	}()

	if r.deps.Accounts != nil {
		if err := r.deps.Accounts.RefreshAccounts(ctx); err != nil {
			logger.Warn("⚠️ [Reconcile] 刷新账户权益失败，沿用推送权益: %v", err)
		}
	}

	seqBefore := r.deps.Sequencer.Current()
	donorPositions, followerPositions, err := r.fetch(ctx)
	if err != nil {
		pm.RecordReconciliation(false)
		report.Error = err.Error()
		report.Duration = time.Since(report.StartedAt)
		r.save(report)
		return report, fmt.Errorf("获取持仓快照失败: %w", err)
	}
	report.DonorPositions = len(donorPositions)
	report.FollowerPositions = len(followerPositions)

	diffs := r.classify(ctx, donorPositions, followerPositions, opts)
	seen := make(map[copytrade.PositionKey]bool, len(diffs))
	for i := range diffs {
		d := &diffs[i]
		seen[d.Key] = true
		for _, t := range d.Types {
			pm.RecordReconciliationDiff(d.Key.Symbol, string(t))
		}
		r.resolve(d, seqBefore)
		switch d.Action {
		case ActionSubmitted:
			report.Submitted++
		case ActionDeferred:
			report.Deferred++
		case ActionConflict:
			report.Conflicts++
		}
	}

	// 差异已消失的键清除修正记录
	r.mu.Lock()
	for key := range r.corrections {
		if !seen[key] {
			delete(r.corrections, key)
		}
	}
	r.mu.Unlock()

	report.Diffs = diffs
	report.Duration = time.Since(report.StartedAt)
	pm.RecordReconciliation(true)
	r.save(report)

	if len(diffs) > 0 {
		logger.Info("🔍 [Reconcile] 对账完成：领航员 %d 个持仓，跟单 %d 个，差异 %d（提交 %d，延后 %d，冲突 %d）",
			report.DonorPositions, report.FollowerPositions, len(diffs), report.Submitted, report.Deferred, report.Conflicts)
	} else {
		logger.Debug("✅ [Reconcile] 对账完成，无差异")
	}
	return report, nil
}

func (r *Reconciler) save(report *Report) {
	r.mu.Lock()
	r.lastReport = report
	r.mu.Unlock()
	if r.deps.Storage != nil {
		if err := r.deps.Storage.SaveReconciliation(report); err != nil {
			logger.Warn("⚠️ [Reconcile] 保存对账记录失败: %v", err)
		}
	}
}

// classify 在同一快照对内按持仓键配对并分类
func (r *Reconciler) classify(ctx context.Context, donorPositions, followerPositions []copytrade.Position, opts Options) []Diff {
	donors := make(map[copytrade.PositionKey]copytrade.Position)
	for _, p := range donorPositions {
		if !p.IsOpen() || (opts.Filter != nil && !opts.Filter(p.Symbol)) {
			continue
		}
		donors[r.deps.Coordinator.FollowerKey(p.Key(), p.Side)] = p
	}
	followers := make(map[copytrade.PositionKey]copytrade.Position)
	for _, p := range followerPositions {
		if !p.IsOpen() || (opts.Filter != nil && !opts.Filter(p.Symbol)) {
			continue
		}
		followers[p.Key()] = p
	}

	keys := make([]copytrade.PositionKey, 0, len(donors)+len(followers))
	for k := range donors {
		keys = append(keys, k)
	}
	for k := range followers {
		if _, ok := donors[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var diffs []Diff
	for _, key := range keys {
		donor, hasDonor := donors[key]
		follower, hasFollower := followers[key]

		switch {
		case hasDonor && !hasFollower:
			target, err := r.expectedQty(ctx, donor, followerPositions, key)
			if err != nil {
				logDiffSkip(key, err)
				continue
			}
			diffs = append(diffs, Diff{Key: key, Types: []DiffType{DiffMissing}, Donor: &donor, TargetQty: target})

		case !hasDonor && hasFollower:
			diffs = append(diffs, Diff{Key: key, Types: []DiffType{DiffOrphan}, Follower: &follower})

		case donor.Side != follower.Side:
			diffs = append(diffs, Diff{Key: key, Types: []DiffType{DiffSide}, Donor: &donor, Follower: &follower})

		default:
			d := Diff{Key: key, Donor: &donor, Follower: &follower}
			target, err := r.expectedQty(ctx, donor, followerPositions, key)
			if err == nil && target > 0 && math.Abs(follower.Qty-target)/target > opts.Tolerance {
				d.Types = append(d.Types, DiffQty)
				d.TargetQty = target
			} else if err != nil {
				logDiffSkip(key, err)
			}
			if opts.CopyLeverage && donor.Leverage > 0 && math.Abs(follower.Leverage-donor.Leverage)/donor.Leverage > opts.Tolerance {
				d.Types = append(d.Types, DiffLeverage)
			}
			if len(d.Types) > 0 {
				diffs = append(diffs, d)
			}
		}
	}
	return diffs
}

func logDiffSkip(key copytrade.PositionKey, err error) {
	if errors.Is(err, copytrade.ErrSizeTooSmall) {
		logger.Debug("ℹ️ [Reconcile] %s 目标数量过小，不修正: %v", key, err)
		return
	}
	logger.Warn("⚠️ [Reconcile] %s 无法计算目标数量: %v", key, err)
}

// expectedQty 按当前权益计算跟单目标数量
func (r *Reconciler) expectedQty(ctx context.Context, donor copytrade.Position, followerPositions []copytrade.Position, key copytrade.PositionKey) (float64, error) {
	if r.deps.Sizer == nil || r.deps.Instruments == nil || r.deps.Equity == nil {
		return 0, fmt.Errorf("未配置仓位计算")
	}
	var inst copytrade.Instrument
	err := r.deps.Executor.Do(ctx, "market/instruments-info", func(ctx context.Context) error {
		var err error
		inst, err = r.deps.Instruments.GetInstrument(ctx, donor.Symbol)
		return err
	})
	if err != nil {
		return 0, err
	}

	exposure := 0.0
	for _, p := range followerPositions {
		if p.Symbol == key.Symbol && p.Idx != key.Idx && p.IsOpen() {
			exposure += p.Notional()
		}
	}
	res, err := r.deps.Sizer.Size(risk.SizeRequest{
		Symbol:          donor.Symbol,
		DonorNotional:   donor.Notional(),
		DonorEquity:     r.deps.Equity.DonorEquity(),
		FollowerEquity:  r.deps.Equity.FollowerEquity(),
		CurrentExposure: exposure,
		ReferencePrice:  donor.ReferencePrice(),
		Instrument:      inst,
	})
	if err != nil {
		return 0, err
	}
	return res.Float(), nil
}

func sameTypes(a, b []DiffType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// resolve 决定差异的处理方式，每个键每轮最多提交一个信号
func (r *Reconciler) resolve(d *Diff, seqBefore uint64) {
	coord := r.deps.Coordinator

	if coord.IsActive(d.Key) {
		d.Action, d.Reason = ActionDeferred, "协调器正在处理"
		return
	}
	if status, ok := coord.Status(d.Key); ok && (status.State == copytrade.StateFailed || status.Paused) {
		d.Action, d.Reason = ActionSkipped, "等待人工确认"
		return
	}
	// 先分配修正序号再检查实时信号，之后到达的实时信号序号必然更大
	sig := r.signalFor(d)
	if r.deps.Seq != nil && r.deps.Seq.LastSeq(d.Key.Symbol) > seqBefore {
		d.Action, d.Reason = ActionDeferred, "快照期间有实时信号"
		return
	}
	increase := d.Types[0] == DiffMissing || (d.Types[0] == DiffQty && d.Follower != nil && d.TargetQty > d.Follower.Qty)
	if increase && r.deps.Gate != nil && !r.deps.Gate.AllowIncrease() {
		d.Action, d.Reason = ActionSkipped, "回撤保护生效"
		return
	}

	r.mu.Lock()
	prev, corrected := r.corrections[d.Key]
	r.mu.Unlock()
	if corrected && sameTypes(prev.types, d.Types) {
		conflict := &copytrade.StateConflictError{
			Key:      d.Key,
			Donor:    d.Donor,
			Follower: d.Follower,
			Detail:   fmt.Sprintf("修正 seq=%d 后差异 %v 仍存在", prev.seq, d.Types),
		}
		coord.Pause(d.Key, conflict)
		r.mu.Lock()
		delete(r.corrections, d.Key)
		r.mu.Unlock()
		d.Action, d.Reason = ActionConflict, conflict.Detail
		return
	}

	if err := coord.Submit(sig); err != nil {
		d.Action, d.Reason = ActionSkipped, err.Error()
		return
	}
	r.mu.Lock()
	r.corrections[d.Key] = correction{types: d.Types, seq: sig.Metadata().Seq, at: time.Now()}
	r.mu.Unlock()
	d.Action = ActionSubmitted
	logger.Info("🔧 [Reconcile] %s 差异 %v，提交修正 %s seq=%d", d.Key, d.Types, sig.Kind(), sig.Metadata().Seq)
}

// signalFor 生成修正信号，持仓快照以跟单持仓键为准
func (r *Reconciler) signalFor(d *Diff) copytrade.CopySignal {
	meta := r.deps.Sequencer.NewMeta(copytrade.SourceReconcile)

	switch d.Types[0] {
	case DiffMissing:
		donor := *d.Donor
		donor.Idx = d.Key.Idx
		return copytrade.PositionOpened{Meta: meta, Position: donor, Side: donor.Side}

	case DiffOrphan, DiffSide:
		follower := *d.Follower
		return copytrade.PositionClosed{Meta: meta, Position: follower, Side: follower.Side.Opposite()}

	default:
		donor := *d.Donor
		donor.Idx = d.Key.Idx
		adj := copytrade.PositionAdjusted{
			Meta:      meta,
			Position:  donor,
			Side:      donor.Side,
			PrevQty:   donor.Qty,
			TargetQty: d.TargetQty,
		}
		for _, t := range d.Types {
			if t == DiffLeverage {
				adj.LeverageChanged = true
			}
		}
		if d.TargetQty > 0 && d.TargetQty < d.Follower.Qty {
			adj.Side = donor.Side.Opposite()
		}
		return adj
	}
}
