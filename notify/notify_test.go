package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"copymirror/config"
	"copymirror/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []event.EventType
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Send(ctx context.Context, evt *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt.Type)
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Notifications.Enabled = true
	cfg.Notifications.Rules.OrderFailed = true
	cfg.Notifications.Rules.StateConflict = true
	return cfg
}

func TestNotificationService_Rules(t *testing.T) {
	ns := NewNotificationService(testConfig())
	rec := &recordingNotifier{}
	ns.AddNotifier(rec)

	ns.dispatch(&event.Event{Type: event.EventTypeOrderPlaced})
	ns.dispatch(&event.Event{Type: event.EventTypeKeyFailed})
	ns.dispatch(&event.Event{Type: event.EventTypeStateConflict})
	ns.dispatch(&event.Event{Type: event.EventTypeStreamReconnected})
	ns.dispatch(&event.Event{Type: event.EventTypeFlattenRequested})

	assert.Equal(t, []event.EventType{
		event.EventTypeKeyFailed,
		event.EventTypeStateConflict,
		event.EventTypeFlattenRequested,
	}, rec.events)
}

func TestNotificationService_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Notifications.Enabled = false
	ns := NewNotificationService(cfg)
	rec := &recordingNotifier{}
	ns.AddNotifier(rec)

	ns.dispatch(&event.Event{Type: event.EventTypeKeyFailed})
	assert.Empty(t, rec.events)
}

func TestWebhookNotifier_Send(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Notifications.Webhook.URL = srv.URL
	wn, err := NewWebhookNotifier(cfg)
	require.NoError(t, err)

	err = wn.Send(context.Background(), &event.Event{
		Type:      event.EventTypeKeyDivergent,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"key": "BTCUSDT#1", "error": "110094"},
	})
	require.NoError(t, err)
	assert.Equal(t, "key_divergent", body["type"])
	assert.Equal(t, "warning", body["severity"])
	assert.Equal(t, "BTCUSDT#1: 110094", body["message"])
	assert.NotEmpty(t, body["source"])
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Notifications.Webhook.URL = srv.URL
	wn, err := NewWebhookNotifier(cfg)
	require.NoError(t, err)

	err = wn.Send(context.Background(), &event.Event{Type: event.EventTypeKeyFailed, Timestamp: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "bad gateway", "错误信息应带上响应体")
}

func TestSlackNotifier_SeverityColor(t *testing.T) {
	var payload struct {
		Attachments []struct {
			Color string `json:"color"`
			Text  string `json:"text"`
		} `json:"attachments"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Notifications.Slack.Webhook = srv.URL
	sn, err := NewSlackNotifier(cfg)
	require.NoError(t, err)

	require.NoError(t, sn.Send(context.Background(), &event.Event{
		Type:      event.EventTypeKeyDivergent,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"key": "ETHUSDT#2"},
	}))
	require.Len(t, payload.Attachments, 1)
	assert.Equal(t, "warning", payload.Attachments[0].Color)
	assert.Contains(t, payload.Attachments[0].Text, "key: `ETHUSDT#2`")
}

func TestTelegramNotifier_Send(t *testing.T) {
	var path string
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Notifications.Telegram.BotToken = "token"
	cfg.Notifications.Telegram.ChatID = "42"
	tn, err := NewTelegramNotifier(cfg)
	require.NoError(t, err)
	tn.apiBase = srv.URL

	require.NoError(t, tn.Send(context.Background(), &event.Event{Type: event.EventTypeOrderPlaced, Timestamp: time.Now(), Data: map[string]interface{}{"symbol": "BTCUSDT"}}))
	assert.Equal(t, "/bottoken/sendMessage", path)
	assert.Equal(t, "42", payload["chat_id"])
	assert.Contains(t, payload["text"], "symbol: <code>BTCUSDT</code>")
	assert.Equal(t, "HTML", payload["parse_mode"])
}

func TestFormatTelegramMessage_Escapes(t *testing.T) {
	text := formatTelegramMessage(&event.Event{
		Type:      event.EventTypeOrderFailed,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"order_link_id": "a<b>&c"},
	})
	assert.Contains(t, text, "order_link_id: <code>a&lt;b&gt;&amp;c</code>")
	assert.NotContains(t, text, "<b>&c")
}

func TestTelegramNotifier_RequiresChatID(t *testing.T) {
	cfg := testConfig()
	cfg.Notifications.Telegram.BotToken = "token"
	_, err := NewTelegramNotifier(cfg)
	assert.Error(t, err)
}
