package event

import (
	"fmt"

	"copymirror/i18n"
)

// EventSeverity 事件严重程度
type EventSeverity string

const (
	SeverityCritical EventSeverity = "critical"
	SeverityWarning  EventSeverity = "warning"
	SeverityInfo     EventSeverity = "info"
)

// EventSource 事件来源
type EventSource string

const (
	SourceCopy      EventSource = "copy"
	SourceRisk      EventSource = "risk"
	SourceReconcile EventSource = "reconcile"
	SourceNetwork   EventSource = "network"
	SourceOperator  EventSource = "operator"
	SourceSystem    EventSource = "system"
)

// GetEventSeverity 事件严重程度
func GetEventSeverity(t EventType) EventSeverity {
	switch t {
	case EventTypeKeyFailed, EventTypeStateConflict, EventTypeDrawdownTriggered,
		EventTypeReconcileFailed, EventTypeFlattenRequested, EventTypeError:
		return SeverityCritical
	case EventTypeKeyDivergent, EventTypeOrderFailed, EventTypeMirroringStopped,
		EventTypeStreamReconnected, EventTypeDrawdownRecovered:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// GetEventSource 事件来源
func GetEventSource(t EventType) EventSource {
	switch t {
	case EventTypeOrderPlaced, EventTypeOrderFailed, EventTypeKeyFailed, EventTypeKeyDivergent,
		EventTypeMarginAdjusted:
		return SourceCopy
	case EventTypeDrawdownTriggered, EventTypeDrawdownRecovered:
		return SourceRisk
	case EventTypeStateConflict, EventTypeReconcileFailed:
		return SourceReconcile
	case EventTypeStreamReconnected:
		return SourceNetwork
	case EventTypeMirroringStarted, EventTypeMirroringStopped, EventTypeFlattenRequested, EventTypeKeyAcknowledged:
		return SourceOperator
	default:
		return SourceSystem
	}
}

// GetEventTitle 本地化的事件标题，未找到翻译时返回事件类型
func GetEventTitle(t EventType) string {
	key := fmt.Sprintf("event.%s", t)
	if title := i18n.T(key); title != key {
		return title
	}
	return string(t)
}

// GetEventTitleWithLang 指定语言的事件标题
func GetEventTitleWithLang(lang string, t EventType) string {
	key := fmt.Sprintf("event.%s", t)
	if title := i18n.TWithLang(lang, key); title != key {
		return title
	}
	return string(t)
}
