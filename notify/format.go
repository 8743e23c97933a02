package notify

import (
	"fmt"
	"sort"
	"strings"

	"copymirror/event"
	"copymirror/i18n"
)

func emojiFor(evt *event.Event) string {
	switch event.GetEventSeverity(evt.Type) {
	case event.SeverityCritical:
		return "🚨"
	case event.SeverityWarning:
		return "⚠️"
	}
	switch evt.Type {
	case event.EventTypeOrderPlaced:
		return "📝"
	case event.EventTypeSystemStart, event.EventTypeMirroringStarted:
		return "🚀"
	case event.EventTypeSystemStop:
		return "🛑"
	default:
		return "ℹ️"
	}
}

// formatText 标题、正文、时间和排序后的详情字段
// bold 和 code 负责各自的转义，escape 用于其余自由文本
func formatText(evt *event.Event, bold, code, escape func(string) string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", emojiFor(evt), bold(event.GetEventTitle(evt.Type)))
	fmt.Fprintf(&b, "%s\n", escape(event.BuildMessage(evt)))
	fmt.Fprintf(&b, "%s: %s\n", i18n.T("notify.time"), evt.Timestamp.Format("2006-01-02 15:04:05"))

	keys := make([]string, 0, len(evt.Data))
	for k := range evt.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", escape(k), code(fmt.Sprintf("%v", evt.Data[k])))
	}
	return b.String()
}
