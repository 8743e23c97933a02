package copytrade

import (
	"errors"
	"fmt"
)

var (
	// ErrSizeTooSmall 量化后的数量低于最小下单量，属于预期结果
	ErrSizeTooSmall = errors.New("数量低于交易所最小下单量")
	// ErrKeyFailed 持仓键处于 Failed 状态，需人工确认
	ErrKeyFailed = errors.New("持仓键已失败，等待人工确认")
	// ErrKeyPaused 持仓键因状态冲突被暂停
	ErrKeyPaused = errors.New("持仓键已暂停，等待人工确认")
	// ErrMirroringStopped 跟单已停止
	ErrMirroringStopped = errors.New("跟单已停止")
)

// TransientError 网络超时、限频、交易所 5xx 等可重试错误
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s 临时错误: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectionError 交易所业务拒绝（保证金不足、数量非法、品种限制等），不自动重试
type RejectionError struct {
	Op      string
	RetCode int
	RetMsg  string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s 被交易所拒绝: retCode=%d, retMsg=%s", e.Op, e.RetCode, e.RetMsg)
}

// ConfigurationError 启动时配置缺失或非法，进程应在连接交易所前退出
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("配置错误 %s: %s", e.Field, e.Reason)
}

// StateConflictError 对账修正后仍存在持续分歧
type StateConflictError struct {
	Key      PositionKey
	Donor    *Position
	Follower *Position
	Detail   string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("状态冲突 %s: %s", e.Key, e.Detail)
}

// IsTransient 是否可重试
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsRejection 是否为交易所拒绝
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}

// IsConfiguration 是否为配置错误
func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}
