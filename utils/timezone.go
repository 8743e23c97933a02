package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GlobalLocation system.timezone，用于日志切分和接口中不带时区的日期参数
// 持久化与交易所交互一律使用 UTC
var GlobalLocation = time.UTC

// SetLocation 设置全局时区，支持 IANA 名称和 UTC+8 / UTC-5:30 形式的固定偏移
// 解析失败时保留原值
func SetLocation(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if loc, err := time.LoadLocation(name); err == nil {
		GlobalLocation = loc
		return nil
	}
	loc, err := parseFixedOffset(name)
	if err != nil {
		return fmt.Errorf("加载时区 %s 失败: %w", name, err)
	}
	GlobalLocation = loc
	return nil
}

// parseFixedOffset 容器里缺少 tzdata 时 Asia/Shanghai 也按 UTC+8 处理
func parseFixedOffset(name string) (*time.Location, error) {
	if name == "Asia/Shanghai" {
		return time.FixedZone("UTC+8", 8*3600), nil
	}
	rest, ok := strings.CutPrefix(strings.ToUpper(name), "UTC")
	if !ok || len(rest) < 2 || (rest[0] != '+' && rest[0] != '-') {
		return nil, fmt.Errorf("无法识别的时区")
	}
	sign := 1
	if rest[0] == '-' {
		sign = -1
	}
	hh, mm, _ := strings.Cut(rest[1:], ":")
	h, err := strconv.Atoi(hh)
	if err != nil || h > 14 {
		return nil, fmt.Errorf("无效的小时偏移 %q", hh)
	}
	m := 0
	if mm != "" {
		if m, err = strconv.Atoi(mm); err != nil || m >= 60 {
			return nil, fmt.Errorf("无效的分钟偏移 %q", mm)
		}
	}
	return time.FixedZone(strings.ToUpper(name), sign*(h*3600+m*60)), nil
}

// NowUTC 当前 UTC 时间
func NowUTC() time.Time {
	return time.Now().UTC()
}

// FromMillis 交易所毫秒时间戳转 UTC，非正数返回零值
func FromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ParseTimeParam 解析接口时间参数：RFC3339、毫秒时间戳或按 GlobalLocation 解释的日期
func ParseTimeParam(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		return FromMillis(ms), nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, GlobalLocation); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("无法解析时间 %q", s)
}
