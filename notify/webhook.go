package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"copymirror/config"
	"copymirror/event"
)

// WebhookNotifier 通用 JSON Webhook，供外部运维台接入
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier 创建 Webhook 通知器
func NewWebhookNotifier(cfg *config.Config) (*WebhookNotifier, error) {
	w := cfg.Notifications.Webhook
	if w.URL == "" {
		return nil, fmt.Errorf("Webhook URL 未配置")
	}
	timeout := time.Duration(w.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &WebhookNotifier{
		url:    w.URL,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (wn *WebhookNotifier) Name() string {
	return "Webhook"
}

// Send 字段与 /api/events 返回的事件记录一致，附带本地化标题和消息
func (wn *WebhookNotifier) Send(ctx context.Context, evt *event.Event) error {
	return postJSON(ctx, wn.client, wn.url, map[string]interface{}{
		"type":      string(evt.Type),
		"severity":  string(event.GetEventSeverity(evt.Type)),
		"source":    string(event.GetEventSource(evt.Type)),
		"title":     event.GetEventTitle(evt.Type),
		"message":   event.BuildMessage(evt),
		"timestamp": evt.Timestamp.Format(time.RFC3339),
		"data":      evt.Data,
	})
}
