// Package errors 提供统一错误类型与哨兵错误。
//
// 两层错误体系:
//   - L1 哨兵错误: ErrNotFound / ErrInvalidInput / ErrTimeout 等
//   - L2 AppError: 带 Op + Code + Message 的应用级错误
package errors

import (
	"errors"
	"fmt"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput 输入参数无效 (提交校验失败, 不触发任何副作用)
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized 未授权
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInternal 内部错误
	ErrInternal = errors.New("internal error")

	// ErrTimeout 操作超时 (轮询达到最大次数也归于此类)
	ErrTimeout = errors.New("timeout")

	// ErrJobFailed 生成任务以终态 ERROR 结束
	ErrJobFailed = errors.New("job failed")

	// ErrConnectionLost 推送连接重连耗尽后仍不可用
	ErrConnectionLost = errors.New("connection lost")
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string // 操作名，如 "Coordinator.Submit"
	Code    string // 错误码，如 "TRANSPORT"、"VALIDATION"
	Message string // 人类可读消息
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}
