package event

import (
	"sync/atomic"
	"time"

	"copymirror/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypeSystemStart       EventType = "system_start"
	EventTypeSystemStop        EventType = "system_stop"
	EventTypeMirroringStarted  EventType = "mirroring_started"
	EventTypeMirroringStopped  EventType = "mirroring_stopped"
	EventTypeFlattenRequested  EventType = "flatten_requested"
	EventTypeKeyAcknowledged   EventType = "key_acknowledged"
	EventTypeOrderPlaced       EventType = "order_placed"
	EventTypeOrderFailed       EventType = "order_failed"
	EventTypeKeyFailed         EventType = "key_failed"
	EventTypeKeyDivergent      EventType = "key_divergent"
	EventTypeStateConflict     EventType = "state_conflict"
	EventTypeMarginAdjusted    EventType = "margin_adjusted"
	EventTypeDrawdownTriggered EventType = "drawdown_triggered"
	EventTypeDrawdownRecovered EventType = "drawdown_recovered"
	EventTypeReconcileFailed   EventType = "reconcile_failed"
	EventTypeStreamReconnected EventType = "stream_reconnected"
	EventTypeError             EventType = "error"
)

// Event 运维通道上的一条事件，Data 中的 symbol/key 用于筛选
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// 严重事件在队列满时最多等待的时间
const criticalPublishWait = time.Second

// EventBus 有界事件队列，由 EventCenter 单协程消费
// 发布方是下单与对账路径，不能被通知渠道拖慢
type EventBus struct {
	eventCh chan *Event
	dropped atomic.Int64
}

func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &EventBus{eventCh: make(chan *Event, bufferSize)}
}

// Publish 非阻塞发布；队列满时 critical 事件短暂等待，其余直接丢弃并计数
func (eb *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case eb.eventCh <- event:
		return
	default:
	}

	if GetEventSeverity(event.Type) == SeverityCritical {
		timer := time.NewTimer(criticalPublishWait)
		defer timer.Stop()
		select {
		case eb.eventCh <- event:
			return
		case <-timer.C:
		}
	}
	n := eb.dropped.Add(1)
	logger.Warn("⚠️ [EventBus] 事件队列已满，丢弃事件 %s (累计 %d)", event.Type, n)
}

// Emit 以类型和数据发布事件
func (eb *EventBus) Emit(eventType EventType, data map[string]interface{}) {
	eb.Publish(&Event{Type: eventType, Timestamp: time.Now(), Data: data})
}

// Dropped 因队列满丢弃的事件数
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

func (eb *EventBus) Subscribe() <-chan *Event {
	return eb.eventCh
}

func (eb *EventBus) Close() {
	close(eb.eventCh)
}
