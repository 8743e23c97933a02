package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"copymirror/config"
	"copymirror/copytrade"
	"copymirror/database"
	"copymirror/engine"
	"copymirror/event"
	"copymirror/exchange"
	"copymirror/i18n"
	"copymirror/ingest"
	"copymirror/journal"
	"copymirror/lock"
	"copymirror/logger"
	"copymirror/margin"
	"copymirror/metrics"
	"copymirror/monitor"
	"copymirror/notify"
	"copymirror/order"
	"copymirror/position"
	"copymirror/risk"
	"copymirror/safety"
	"copymirror/storage"
	"copymirror/trailing"
	"copymirror/utils"
	"copymirror/web"

	"golang.org/x/sync/errgroup"
)

// Version 版本号
var Version = "1.2.0"

// 日志库保留天数
const logRetentionDays = 7

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("CopyMirror\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatalf("❌ 加载配置失败: %v", err)
	}

	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))
	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		logger.Warn("⚠️ 时区 %s 加载失败，使用 UTC: %v", cfg.System.Timezone, err)
	}
	logger.SetLocation(utils.GlobalLocation)
	if err := i18n.Init(cfg.System.Language); err != nil {
		logger.Warn("⚠️ 初始化多语言失败: %v", err)
	}

	var logStorage *storage.LogStorage
	if cfg.Storage.Enabled {
		logStorage, err = storage.NewLogStorage(storage.OptionsFromConfig(cfg))
		if err != nil {
			logger.Warn("⚠️ 初始化日志存储失败: %v，将继续运行但不保存日志到数据库", err)
			logStorage = nil
		} else {
			logger.InitLogStorage(logStorage.WriteLog)
		}
	}

	logger.Info("🚀 CopyMirror 跟单系统启动...")
	logger.Info("📦 版本号: %s", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, configPath, logStorage); err != nil {
		logger.Error("❌ 运行失败: %v", err)
		shutdownLogging(logStorage)
		os.Exit(1)
	}
	shutdownLogging(logStorage)
}

func shutdownLogging(logStorage *storage.LogStorage) {
	logger.Info("👋 CopyMirror 已退出")
	if logStorage != nil {
		if err := logStorage.Close(); err != nil {
			logger.Warn("⚠️ 关闭日志存储失败: %v", err)
		}
	}
	logger.Close()
}

// run 组装组件并阻塞到 ctx 取消
func run(ctx context.Context, cfg *config.Config, configPath string, logStorage *storage.LogStorage) error {
	// 1. 持久化与分布式锁
	db, err := database.NewDatabase(database.ConfigFromApp(cfg))
	if err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}
	defer db.Close()

	distLock, err := lock.NewDistributedLock(lock.FromAppConfig(cfg))
	if err != nil {
		return fmt.Errorf("初始化分布式锁失败: %w", err)
	}
	defer distLock.Close()

	// 2. 交易所
	donor, err := exchange.NewExchange(cfg, copytrade.RoleDonor)
	if err != nil {
		return fmt.Errorf("创建领航员交易所失败: %w", err)
	}
	follower, err := exchange.NewExchange(cfg, copytrade.RoleFollower)
	if err != nil {
		return fmt.Errorf("创建跟单交易所失败: %w", err)
	}
	for _, ex := range []exchange.IExchange{donor, follower} {
		if err := exchange.VerifyPermissions(ctx, ex); err != nil {
			return err
		}
	}

	// 3. 事件与通知
	bus := event.NewEventBus(1000)
	notifier := notify.NewNotificationService(cfg)
	eventCenter := event.NewEventCenter(db, bus, notifier, nil)
	if err := eventCenter.Start(); err != nil {
		return fmt.Errorf("启动事件中心失败: %w", err)
	}
	defer eventCenter.Stop()

	sigJournal := journal.New(cfg)
	defer sigJournal.Close()

	// 4. 跟单核心
	seq := &copytrade.Sequencer{}
	stats := metrics.NewMetricsCollector()
	sizer := risk.NewSizer(risk.ParamsFromConfig(cfg.Risk))
	guard := risk.NewDrawdownGuard(cfg.Risk.MaxDrawdownPct, cfg.Risk.RecoverPct)
	eng := engine.New(engine.OptionsFromConfig(cfg), db, bus, guard, stats)

	// 协调器使用独立的 ctx，关闭时先冲刷保证金镜像再停止
	coordCtx, coordCancel := context.WithCancel(context.Background())
	defer coordCancel()

	executor := order.NewExecutor(order.ExecutorConfigFromConfig(cfg), distLock)
	stops := trailing.NewManager(order.TrailingExchange(follower, executor), trailing.ReferenceMode(cfg.Trailing.ReferenceMode))
	coordinator := order.NewCoordinator(coordCtx, order.Deps{
		Exchange:  follower,
		Executor:  executor,
		Sizer:     sizer,
		Trailing:  stops,
		Equity:    eng.Accounts(),
		Gate:      eng.Guard(),
		Listener:  eng,
		Sequencer: seq,
		Stats:     stats,
	}, coordinatorOptions(cfg))

	mirror := margin.NewMirror(coordCtx, eng, eng.Accounts(), margin.ParamsFromConfig(cfg))

	tracker := position.NewTracker(db)
	if err := tracker.Load(ctx); err != nil {
		logger.Warn("⚠️ 加载历史持仓失败: %v", err)
	}

	ingestor := ingest.NewIngestor(string(copytrade.RoleDonor), ingest.Deps{
		Source:    donor,
		Sink:      eng,
		Accounts:  eng,
		Journal:   sigJournal,
		Sequencer: seq,
	})

	reconcileExecutor := order.ExecutorConfigFromConfig(cfg)
	reconcileExecutor.Account = "reconcile"
	reconcileExecutor.MaxRetries = cfg.Reconcile.RestRetries
	reconcileOpts := safety.OptionsFromConfig(cfg)
	reconcileOpts.Filter = eng.Allowed
	reconciler := safety.NewReconciler(safety.Deps{
		Donor:       donor,
		Follower:    follower,
		Instruments: follower,
		Coordinator: coordinator,
		Seq:         ingestor,
		Sequencer:   seq,
		Sizer:       sizer,
		Equity:      eng.Accounts(),
		Gate:        eng.Guard(),
		Lock:        distLock,
		Executor:    order.NewExecutor(reconcileExecutor, nil),
		Storage:     eng,
		Alerter:     eng,
		Accounts:    eng,
	}, reconcileOpts)

	eng.Attach(engine.Components{
		Coordinator: coordinator,
		Margin:      mirror,
		Tracker:     tracker,
		Follower:    follower,
		Reconciler:  reconciler,
		Accounts: map[copytrade.Role]engine.AccountSource{
			copytrade.RoleDonor:    donor,
			copytrade.RoleFollower: follower,
		},
	})
	// 钱包推送只在余额变化时到达，启动时先用 REST 建立权益
	if err := eng.RefreshAccounts(ctx); err != nil {
		logger.Warn("⚠️ 初始化账户权益失败，等待推送或下一次对账: %v", err)
	}
	if !cfg.Copy.Enabled {
		coordinator.SetEnabled(false)
		logger.Warn("⏸️ copy.enabled=false，启动后不跟单，可通过运维接口开启")
	}

	// 5. 监控与 Web
	sampler := monitor.NewSampler(time.Duration(cfg.Reporting.SamplerIntervalSec) * time.Second)
	profiler, err := monitor.StartProfiler(cfg)
	if err != nil {
		logger.Warn("⚠️ 启动持续性能分析失败: %v", err)
	} else if profiler != nil {
		defer profiler.Stop()
	}

	web.SetVersion(Version)
	web.SetEngineProvider(eng)
	web.SetStoreProvider(db)
	web.SetSystemMetricsProvider(sampler)
	if logStorage != nil {
		web.SetLogStorageProvider(logStorage)
	}
	if cfg.Web.Enabled {
		if err := logger.InitWebLogger(); err != nil {
			logger.Warn("⚠️ 初始化 Web 访问日志失败: %v", err)
		}
	}
	webServer := web.NewWebServer(cfg)

	// 6. 配置热更新
	hotReloader := config.NewHotReloader(cfg)
	registerHotReload(hotReloader, hotReloadTargets{
		engine:      eng,
		sizer:       sizer,
		guard:       guard,
		margin:      mirror,
		trailing:    stops,
		reconciler:  reconciler,
		notifier:    notifier,
		coordinator: coordinator,
	})
	watcher, err := config.NewConfigWatcher(configPath, hotReloader)
	if err != nil {
		logger.Warn("⚠️ 创建配置监听器失败，热更新不可用: %v", err)
	}

	// 7. 启动私有频道
	donorEvents, err := donor.StartStream(ctx)
	if err != nil {
		return fmt.Errorf("启动领航员私有频道失败: %w", err)
	}
	defer donor.StopStream()
	followerEvents, err := follower.StartStream(ctx)
	if err != nil {
		return fmt.Errorf("启动跟单私有频道失败: %w", err)
	}
	defer follower.StopStream()

	bus.Emit(event.EventTypeSystemStart, map[string]interface{}{
		"version":  Version,
		"instance": cfg.App.InstanceID,
	})
	logger.Info("✅ 系统已启动，按 Ctrl+C 停止")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ingestor.Run(gctx, eng.TapStream(gctx, string(copytrade.RoleDonor), donorEvents))
	})
	g.Go(func() error {
		return eng.RunFollower(gctx, followerEvents)
	})
	g.Go(func() error {
		return eng.RunSnapshots(gctx)
	})
	if cfg.Reconcile.Enabled {
		g.Go(func() error {
			return reconciler.Start(gctx)
		})
	} else {
		logger.Warn("⚠️ 对账已关闭 (reconcile.enabled=false)")
	}
	g.Go(func() error {
		return sampler.Run(gctx)
	})
	g.Go(func() error {
		return webServer.Run(gctx)
	})
	if logStorage != nil {
		g.Go(func() error {
			return cleanLogs(gctx, logStorage)
		})
	}
	if watcher != nil {
		if err := watcher.Start(gctx); err != nil {
			logger.Warn("⚠️ 启动配置监听失败: %v", err)
		} else {
			defer watcher.Stop()
			g.Go(func() error {
				return watchConfig(gctx, watcher)
			})
		}
	}

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	logger.Info("⏹️ 正在停止...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	eng.Shutdown(shutdownCtx)
	waitCoordinator(shutdownCtx, coordinator)
	coordCancel()

	bus.Emit(event.EventTypeSystemStop, map[string]interface{}{
		"version":  Version,
		"instance": cfg.App.InstanceID,
	})
	return runErr
}

// coordinatorOptions 协调器行为开关
func coordinatorOptions(cfg *config.Config) order.Options {
	return order.Options{
		CopyLeverage:   cfg.CopyLeverage(),
		CopyMarginMode: cfg.CopyMarginMode(),
		CopyTrailing:   cfg.CopyTrailing(),
		QueueSize:      cfg.Coordinator.QueueSize,
	}
}

// waitCoordinator 等待进行中的转换结束，超时后放弃
func waitCoordinator(ctx context.Context, c *order.Coordinator) {
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("✅ 订单协调器已停止")
	case <-ctx.Done():
		logger.Warn("⚠️ 等待订单协调器超时，仍有转换未完成")
	}
}

type hotReloadTargets struct {
	engine      *engine.Engine
	sizer       *risk.Sizer
	guard       *risk.DrawdownGuard
	margin      *margin.Mirror
	trailing    *trailing.Manager
	reconciler  *safety.Reconciler
	notifier    *notify.NotificationService
	coordinator *order.Coordinator
}

// registerHotReload 把可热更新的配置段分发到各组件
func registerHotReload(hr *config.HotReloader, t hotReloadTargets) {
	hr.RegisterCallback(func(oldCfg, newCfg *config.Config, diff *config.ConfigDiff) error {
		if diff.Has("copy") {
			t.engine.UpdateOptions(engine.OptionsFromConfig(newCfg))
			t.coordinator.UpdateOptions(coordinatorOptions(newCfg))
		}
		if diff.Has("risk") {
			t.sizer.UpdateParams(risk.ParamsFromConfig(newCfg.Risk))
			t.guard.SetLimits(newCfg.Risk.MaxDrawdownPct, newCfg.Risk.RecoverPct)
		}
		if diff.Has("margin") {
			t.margin.UpdateParams(margin.ParamsFromConfig(newCfg))
		}
		if diff.Has("trailing") {
			t.trailing.SetReferenceMode(trailing.ReferenceMode(newCfg.Trailing.ReferenceMode))
		}
		if diff.Has("reconcile") {
			t.reconciler.SetTolerance(newCfg.Reconcile.Tolerance)
			t.reconciler.SetMaxFailedCycles(newCfg.Reconcile.MaxFailedCycles)
		}
		if diff.Has("notifications") {
			t.notifier.UpdateConfig(newCfg)
		}
		if diff.Has("system.log_level") {
			logger.SetLevel(logger.ParseLogLevel(newCfg.System.LogLevel))
		}
		if diff.Has("web.api_key_hash") {
			web.SetAPIKeyHash(newCfg.Web.APIKeyHash)
		}
		logger.Info("🔄 配置已热更新，共 %d 项变更", len(diff.Changes))
		return nil
	})
}

// watchConfig 输出热更新错误与需要重启的变更
func watchConfig(ctx context.Context, watcher *config.ConfigWatcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-watcher.Errors():
			logger.Error("❌ %v", err)
		case diff := <-watcher.RestartRequired():
			for _, c := range diff.Changes {
				if c.RequiresRestart {
					logger.Warn("⚠️ 配置 %s 需要重启才能生效", c.Path)
				}
			}
		}
	}
}

// cleanLogs 每天清理一次过期日志
func cleanLogs(ctx context.Context, ls *storage.LogStorage) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			logger.Info("🧹 开始定期清理日志...")
			n, err := ls.CleanOldLogs(logRetentionDays)
			if err != nil {
				logger.Warn("⚠️ 清理日志失败: %v", err)
				continue
			}
			logger.Info("✅ 已清理 %d 条日志（%d天前）", n, logRetentionDays)
		}
	}
}
