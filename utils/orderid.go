package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const orderLinkPrefix = "copy"

// maxOrderLinkIDLen Bybit orderLinkId 最长 36 字符
const maxOrderLinkIDLen = 36

// GenerateOrderLinkID 生成跟单订单的 orderLinkId
// 格式: copy:{symbol}:{unixms}:{uuid8}
func GenerateOrderLinkID(symbol string, now time.Time) string {
	id := formatOrderLinkID(symbol, now)
	if len(id) > maxOrderLinkIDLen {
		// 超长时截短交易对，保留时间戳与随机后缀
		over := len(id) - maxOrderLinkIDLen
		if over < len(symbol) {
			return formatOrderLinkID(symbol[:len(symbol)-over], now)
		}
	}
	return id
}

// formatOrderLinkID 不做长度处理
func formatOrderLinkID(symbol string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%s", orderLinkPrefix, symbol, now.UnixMilli(), uuid.NewString()[:8])
}

// ParseOrderLinkID 解析 orderLinkId，返回交易对与毫秒时间戳
func ParseOrderLinkID(id string) (symbol string, ms int64, valid bool) {
	parts := strings.Split(id, ":")
	if len(parts) != 4 || parts[0] != orderLinkPrefix {
		return "", 0, false
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[1], ms, true
}

// IsCopyOrder 是否为本程序生成的订单
func IsCopyOrder(id string) bool {
	_, _, ok := ParseOrderLinkID(id)
	return ok
}
