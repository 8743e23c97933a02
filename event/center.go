package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"copymirror/database"
	"copymirror/logger"
)

// Store 事件存储
type Store interface {
	SaveEvent(ctx context.Context, event *database.EventRecord) error
	CleanupOldEvents(ctx context.Context, severity string, keepCount int, keepDays int) error
}

// NotificationService 通知服务接口
type NotificationService interface {
	Send(event *Event)
}

// EventCenter 事件中心：持久化事件并按规则转发通知
type EventCenter struct {
	db       Store
	eventBus *EventBus
	notifier NotificationService
	config   *EventCenterConfig
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// EventCenterConfig 事件中心配置
type EventCenterConfig struct {
	Enabled         bool
	CleanupInterval int // 小时
	Retention       RetentionConfig
}

// RetentionConfig 保留策略配置
type RetentionConfig struct {
	CriticalDays     int
	WarningDays      int
	InfoDays         int
	CriticalMaxCount int
	WarningMaxCount  int
	InfoMaxCount     int
}

// DefaultEventCenterConfig 默认配置
func DefaultEventCenterConfig() *EventCenterConfig {
	return &EventCenterConfig{
		Enabled:         true,
		CleanupInterval: 24,
		Retention: RetentionConfig{
			CriticalDays:     365,
			WarningDays:      90,
			InfoDays:         30,
			CriticalMaxCount: 100000,
			WarningMaxCount:  50000,
			InfoMaxCount:     30000,
		},
	}
}

// NewEventCenter 创建事件中心，db 与 notifier 均可为 nil
func NewEventCenter(db Store, eventBus *EventBus, notifier NotificationService, config *EventCenterConfig) *EventCenter {
	if config == nil {
		config = DefaultEventCenterConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EventCenter{
		db:       db,
		eventBus: eventBus,
		notifier: notifier,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动事件中心
func (ec *EventCenter) Start() error {
	if !ec.config.Enabled {
		logger.Info("⏸️ [EventCenter] 事件中心未启用")
		return nil
	}

	ec.wg.Add(1)
	go ec.processEvents()

	if ec.db != nil && ec.config.CleanupInterval > 0 {
		ec.wg.Add(1)
		go ec.cleanupTask()
	}

	logger.Info("✅ [EventCenter] 事件中心已启动")
	return nil
}

// Stop 停止事件中心，处理完已入队的事件后返回
func (ec *EventCenter) Stop() {
	ec.cancel()
	ec.wg.Wait()
	logger.Info("✅ [EventCenter] 事件中心已停止")
}

func (ec *EventCenter) processEvents() {
	defer ec.wg.Done()

	eventCh := ec.eventBus.Subscribe()
	for {
		select {
		case <-ec.ctx.Done():
			ec.drain(eventCh)
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			ec.handleEvent(event)
		}
	}
}

func (ec *EventCenter) drain(eventCh <-chan *Event) {
	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			ec.handleEvent(event)
		default:
			return
		}
	}
}

// handleEvent 处理单个事件
func (ec *EventCenter) handleEvent(event *Event) {
	if event == nil {
		return
	}

	severity := GetEventSeverity(event.Type)
	if ec.db != nil {
		detailsJSON, err := json.Marshal(event.Data)
		if err != nil {
			logger.Warn("⚠️ [EventCenter] 序列化事件详情失败: %v", err)
			detailsJSON = []byte("{}")
		}

		record := &database.EventRecord{
			Type:      string(event.Type),
			Severity:  string(severity),
			Source:    string(GetEventSource(event.Type)),
			Symbol:    extractString(event.Data, "symbol"),
			Title:     GetEventTitle(event.Type),
			Message:   BuildMessage(event),
			Details:   string(detailsJSON),
			CreatedAt: event.Timestamp,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := ec.db.SaveEvent(ctx, record); err != nil {
			logger.Error("❌ [EventCenter] 保存事件失败: %v", err)
		}
		cancel()
	}

	if ec.notifier != nil && shouldNotify(severity) {
		ec.notifier.Send(event)
	}
}

func extractString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func extractFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// BuildMessage 事件正文
func BuildMessage(event *Event) string {
	d := event.Data
	symbol := extractString(d, "symbol")
	key := extractString(d, "key")

	switch event.Type {
	case EventTypeOrderPlaced, EventTypeOrderFailed:
		msg := fmt.Sprintf("%s %s %.8g (%s)", symbol, extractString(d, "side"), extractFloat(d, "qty"), extractString(d, "state"))
		if errMsg := extractString(d, "error"); errMsg != "" {
			msg += ": " + errMsg
		}
		return msg
	case EventTypeKeyFailed, EventTypeKeyDivergent, EventTypeStateConflict:
		return fmt.Sprintf("%s: %s", key, extractString(d, "error"))
	case EventTypeDrawdownTriggered, EventTypeDrawdownRecovered:
		return fmt.Sprintf("回撤 %.2f%% (阈值 %.2f%%)", extractFloat(d, "drawdown")*100, extractFloat(d, "threshold")*100)
	case EventTypeMarginAdjusted:
		return fmt.Sprintf("%s 保证金调整 %.2f USDT", key, extractFloat(d, "delta"))
	case EventTypeStreamReconnected:
		return fmt.Sprintf("%s 私有流已重连", extractString(d, "account"))
	default:
		if msg := extractString(d, "message"); msg != "" {
			return msg
		}
		if errMsg := extractString(d, "error"); errMsg != "" {
			return errMsg
		}
		return fmt.Sprintf("事件类型: %s", event.Type)
	}
}

// shouldNotify 非 info 级别转发给通知服务，具体渠道规则由通知服务决定
func shouldNotify(severity EventSeverity) bool {
	return severity == SeverityCritical || severity == SeverityWarning
}

func (ec *EventCenter) cleanupTask() {
	defer ec.wg.Done()

	timer := time.NewTimer(1 * time.Hour)
	defer timer.Stop()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case <-timer.C:
			ec.performCleanup()
			timer.Reset(time.Duration(ec.config.CleanupInterval) * time.Hour)
		}
	}
}

func (ec *EventCenter) performCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	r := ec.config.Retention
	for _, p := range []struct {
		severity EventSeverity
		count    int
		days     int
	}{
		{SeverityCritical, r.CriticalMaxCount, r.CriticalDays},
		{SeverityWarning, r.WarningMaxCount, r.WarningDays},
		{SeverityInfo, r.InfoMaxCount, r.InfoDays},
	} {
		if err := ec.db.CleanupOldEvents(ctx, string(p.severity), p.count, p.days); err != nil {
			logger.Error("❌ [EventCenter] 清理 %s 事件失败: %v", p.severity, err)
		}
	}
	logger.Info("🧹 [EventCenter] 旧事件清理完成")
}

// PublishEvent 发布事件
func (ec *EventCenter) PublishEvent(eventType EventType, data map[string]interface{}) {
	ec.eventBus.Emit(eventType, data)
}
