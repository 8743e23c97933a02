package notify

import (
	"context"
	"sync"
	"time"

	"copymirror/config"
	"copymirror/event"
	"copymirror/logger"
)

// 单次分发的总超时，各渠道共享
const dispatchTimeout = 10 * time.Second

// Notifier 通知渠道
type Notifier interface {
	Send(ctx context.Context, evt *event.Event) error
	Name() string
}

// Rules 各类事件是否通知
type Rules struct {
	OrderPlaced   bool
	OrderFailed   bool
	Divergent     bool
	StateConflict bool
	Drawdown      bool
	Reconcile     bool
	Stream        bool
}

// NotificationService 通知服务
type NotificationService struct {
	mu        sync.RWMutex
	enabled   bool
	rules     Rules
	notifiers []Notifier
}

// NewNotificationService 创建通知服务
func NewNotificationService(cfg *config.Config) *NotificationService {
	ns := &NotificationService{}
	ns.UpdateConfig(cfg)
	return ns
}

// UpdateConfig 热更新通知渠道和规则
func (ns *NotificationService) UpdateConfig(cfg *config.Config) {
	n := cfg.Notifications
	var notifiers []Notifier

	if n.Enabled {
		if n.Telegram.Enabled && n.Telegram.BotToken != "" {
			telegramNotifier, err := NewTelegramNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ [Notify] 初始化 Telegram 通知失败: %v", err)
			} else {
				notifiers = append(notifiers, telegramNotifier)
				logger.Info("✅ [Notify] Telegram 通知已启用")
			}
		}

		if n.Webhook.Enabled && n.Webhook.URL != "" {
			webhookNotifier, err := NewWebhookNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ [Notify] 初始化 Webhook 通知失败: %v", err)
			} else {
				notifiers = append(notifiers, webhookNotifier)
				logger.Info("✅ [Notify] Webhook 通知已启用")
			}
		}

		if n.Slack.Enabled && n.Slack.Webhook != "" {
			slackNotifier, err := NewSlackNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ [Notify] 初始化 Slack 通知失败: %v", err)
			} else {
				notifiers = append(notifiers, slackNotifier)
				logger.Info("✅ [Notify] Slack 通知已启用")
			}
		}
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.enabled = n.Enabled
	ns.rules = Rules{
		OrderPlaced:   n.Rules.OrderPlaced,
		OrderFailed:   n.Rules.OrderFailed,
		Divergent:     n.Rules.Divergent,
		StateConflict: n.Rules.StateConflict,
		Drawdown:      n.Rules.Drawdown,
		Reconcile:     n.Rules.Reconcile,
		Stream:        n.Rules.Stream,
	}
	ns.notifiers = notifiers
}

// AddNotifier 追加通知渠道
func (ns *NotificationService) AddNotifier(n Notifier) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.notifiers = append(ns.notifiers, n)
}

// shouldNotify 检查是否需要通知
func (ns *NotificationService) shouldNotify(eventType event.EventType) bool {
	if !ns.enabled {
		return false
	}

	rules := ns.rules
	switch eventType {
	case event.EventTypeOrderPlaced:
		return rules.OrderPlaced
	case event.EventTypeOrderFailed, event.EventTypeKeyFailed:
		return rules.OrderFailed
	case event.EventTypeKeyDivergent:
		return rules.Divergent
	case event.EventTypeStateConflict:
		return rules.StateConflict
	case event.EventTypeDrawdownTriggered, event.EventTypeDrawdownRecovered:
		return rules.Drawdown
	case event.EventTypeReconcileFailed:
		return rules.Reconcile
	case event.EventTypeStreamReconnected:
		return rules.Stream
	default:
		// 运维操作和系统事件总是通知
		return true
	}
}

// Send 发送通知（异步，不阻塞）
func (ns *NotificationService) Send(evt *event.Event) {
	if evt == nil {
		return
	}
	go ns.dispatch(evt)
}

// dispatch 并发发送到所有启用的通知渠道
func (ns *NotificationService) dispatch(evt *event.Event) {
	ns.mu.RLock()
	if !ns.shouldNotify(evt.Type) {
		ns.mu.RUnlock()
		return
	}
	notifiers := append([]Notifier(nil), ns.notifiers...)
	ns.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, notifier := range notifiers {
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()
			if err := n.Send(ctx, evt); err != nil {
				logger.Warn("⚠️ [Notify] [%s] 通知发送失败: %v", n.Name(), err)
			}
		}(notifier)
	}
	wg.Wait()
}
