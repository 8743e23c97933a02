package bybit

import (
	"errors"
	"fmt"
)

// 常见 retCode
const (
	CodeParamsError          = 10001
	CodeRequestExpired       = 10002
	CodeRateLimit            = 10006
	CodeServerError          = 10016
	CodeTradingStopNotModify = 34040
	CodeMarginModeNotModify  = 110026
	CodeLeverageNotModify    = 110043
	CodeMinNotional          = 110094
)

// APIError retCode 非 0 的业务错误
type APIError struct {
	Path    string
	RetCode int
	RetMsg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API 错误 %d: %s (%s)", e.RetCode, e.RetMsg, e.Path)
}

// HTTPError 非 200 响应
type HTTPError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP 错误 %d: %s (%s)", e.StatusCode, e.Body, e.Path)
}

// NetworkError 请求未得到响应（超时、连接失败）
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("网络错误 %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RetCode 提取 retCode，不是 APIError 时返回 0
func RetCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetCode
	}
	return 0
}

// IsNotModified 参数未变化的返回码，视为成功
func IsNotModified(err error) bool {
	switch RetCode(err) {
	case CodeLeverageNotModify, CodeMarginModeNotModify, CodeTradingStopNotModify:
		return true
	}
	return false
}

// IsRetryable 限频、服务端错误、时间戳过期、网络错误、HTTP 5xx/429
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429 || httpErr.StatusCode == 403
	}
	switch RetCode(err) {
	case CodeRateLimit, CodeServerError, CodeRequestExpired:
		return true
	}
	return false
}
