package notify

import (
	"context"
	"fmt"
	"net/http"

	"copymirror/config"
	"copymirror/event"
)

// SlackNotifier Slack Incoming Webhook，按严重程度给附件着色
type SlackNotifier struct {
	webhook string
	client  *http.Client
}

// NewSlackNotifier 创建 Slack 通知器
func NewSlackNotifier(cfg *config.Config) (*SlackNotifier, error) {
	if cfg.Notifications.Slack.Webhook == "" {
		return nil, fmt.Errorf("Slack Webhook URL 未配置")
	}
	return &SlackNotifier{
		webhook: cfg.Notifications.Slack.Webhook,
		client:  &http.Client{Timeout: defaultSendTimeout},
	}, nil
}

func (sn *SlackNotifier) Name() string {
	return "Slack"
}

func (sn *SlackNotifier) Send(ctx context.Context, evt *event.Event) error {
	return postJSON(ctx, sn.client, sn.webhook, map[string]interface{}{
		"attachments": []map[string]interface{}{{
			"color":     slackColor(event.GetEventSeverity(evt.Type)),
			"mrkdwn_in": []string{"text"},
			"text":      formatSlackMessage(evt),
		}},
	})
}

func slackColor(s event.EventSeverity) string {
	switch s {
	case event.SeverityCritical:
		return "danger"
	case event.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

// formatSlackMessage mrkdwn 格式
func formatSlackMessage(evt *event.Event) string {
	return formatText(evt,
		func(s string) string { return "*" + s + "*" },
		func(s string) string { return "`" + s + "`" },
		func(s string) string { return s })
}
