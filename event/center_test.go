package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"copymirror/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	events []*database.EventRecord
}

func (m *memStore) SaveEvent(ctx context.Context, event *database.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) CleanupOldEvents(ctx context.Context, severity string, keepCount int, keepDays int) error {
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*Event
}

func (n *recordingNotifier) Send(event *Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func TestEventBus_DropsWhenFull(t *testing.T) {
	bus := NewEventBus(1)
	bus.Emit(EventTypeOrderPlaced, nil)
	bus.Emit(EventTypeOrderPlaced, nil)

	ch := bus.Subscribe()
	<-ch
	select {
	case <-ch:
		t.Fatal("队列满时事件应被丢弃")
	default:
	}
	assert.Equal(t, int64(1), bus.Dropped())
}

func TestEventBus_CriticalWaitsForRoom(t *testing.T) {
	bus := NewEventBus(1)
	bus.Emit(EventTypeOrderPlaced, nil)
	ch := bus.Subscribe()

	go func() {
		time.Sleep(50 * time.Millisecond)
		<-ch
	}()
	bus.Emit(EventTypeKeyFailed, map[string]interface{}{"key": "BTCUSDT#1"})

	select {
	case evt := <-ch:
		assert.Equal(t, EventTypeKeyFailed, evt.Type, "严重事件应等待队列腾出空间")
	case <-time.After(time.Second):
		t.Fatal("严重事件被丢弃")
	}
	assert.Zero(t, bus.Dropped())
}

func TestEventCenter_PersistsAndNotifies(t *testing.T) {
	store := &memStore{}
	notifier := &recordingNotifier{}
	bus := NewEventBus(10)
	center := NewEventCenter(store, bus, notifier, nil)
	require.NoError(t, center.Start())

	center.PublishEvent(EventTypeOrderPlaced, map[string]interface{}{"symbol": "BTCUSDT", "side": "Buy", "qty": 0.004})
	center.PublishEvent(EventTypeKeyFailed, map[string]interface{}{"symbol": "BTCUSDT", "key": "BTCUSDT#1", "error": "timeout"})

	assert.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 10*time.Millisecond)
	center.Stop()

	assert.Equal(t, "BTCUSDT", store.events[0].Symbol)
	assert.Equal(t, string(SeverityCritical), store.events[1].Severity)
	assert.Equal(t, "BTCUSDT#1: timeout", store.events[1].Message)

	require.Len(t, notifier.events, 1, "info 级别不转发")
	assert.Equal(t, EventTypeKeyFailed, notifier.events[0].Type)
}

func TestEventSeverityAndSource(t *testing.T) {
	tests := []struct {
		eventType EventType
		severity  EventSeverity
		source    EventSource
	}{
		{EventTypeOrderPlaced, SeverityInfo, SourceCopy},
		{EventTypeKeyDivergent, SeverityWarning, SourceCopy},
		{EventTypeStateConflict, SeverityCritical, SourceReconcile},
		{EventTypeDrawdownTriggered, SeverityCritical, SourceRisk},
		{EventTypeStreamReconnected, SeverityWarning, SourceNetwork},
		{EventTypeFlattenRequested, SeverityCritical, SourceOperator},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.severity, GetEventSeverity(tt.eventType), tt.eventType)
		assert.Equal(t, tt.source, GetEventSource(tt.eventType), tt.eventType)
	}
}

func TestBuildMessage(t *testing.T) {
	msg := BuildMessage(&Event{Type: EventTypeOrderFailed, Data: map[string]interface{}{
		"symbol": "BTCUSDT", "side": "Buy", "qty": 0.004, "state": "Rejected", "error": "110094",
	}})
	assert.Equal(t, "BTCUSDT Buy 0.004 (Rejected): 110094", msg)

	msg = BuildMessage(&Event{Type: EventTypeDrawdownTriggered, Data: map[string]interface{}{"drawdown": 0.12, "threshold": 0.1}})
	assert.Equal(t, "回撤 12.00% (阈值 10.00%)", msg)
}
