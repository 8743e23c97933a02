package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"

	"copymirror/config"
	"copymirror/event"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramNotifier Telegram 机器人
// 使用 HTML 解析模式，字段名里的下划线不会被当作 Markdown
type TelegramNotifier struct {
	apiBase  string
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier 创建 Telegram 通知器
func NewTelegramNotifier(cfg *config.Config) (*TelegramNotifier, error) {
	t := cfg.Notifications.Telegram
	if t.BotToken == "" || t.ChatID == "" {
		return nil, fmt.Errorf("Telegram BotToken 或 ChatID 未配置")
	}
	return &TelegramNotifier{
		apiBase:  telegramAPIBase,
		botToken: t.BotToken,
		chatID:   t.ChatID,
		client:   &http.Client{Timeout: defaultSendTimeout},
	}, nil
}

func (tn *TelegramNotifier) Name() string {
	return "Telegram"
}

// Send 严重事件不静音，其余静默推送
func (tn *TelegramNotifier) Send(ctx context.Context, evt *event.Event) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", tn.apiBase, tn.botToken)
	return postJSON(ctx, tn.client, url, map[string]interface{}{
		"chat_id":              tn.chatID,
		"text":                 formatTelegramMessage(evt),
		"parse_mode":           "HTML",
		"disable_notification": event.GetEventSeverity(evt.Type) != event.SeverityCritical,
	})
}

func formatTelegramMessage(evt *event.Event) string {
	return formatText(evt,
		func(s string) string { return "<b>" + html.EscapeString(s) + "</b>" },
		func(s string) string { return "<code>" + html.EscapeString(s) + "</code>" },
		html.EscapeString)
}
