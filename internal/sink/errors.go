package sink

import (
	"errors"
	"fmt"
)

// ErrorKind 虚拟设备错误类型
type ErrorKind int

const (
	// DeviceUnavailable 驱动未安装或设备节点不存在，可恢复，用户需要安装或选择其它设备
	DeviceUnavailable ErrorKind = iota
	// FormatRejected 设备拒绝协商的格式
	FormatRejected
	// TransientWriteFailure 单次写失败，可重试
	TransientWriteFailure
)

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case DeviceUnavailable:
		return "DeviceUnavailable"
	case FormatRejected:
		return "FormatRejected"
	case TransientWriteFailure:
		return "TransientWriteFailure"
	default:
		return "Unknown"
	}
}

// Error 虚拟设备错误
type Error struct {
	Kind    ErrorKind
	Backend string
	Op      string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("sink %s %s: %s", e.Backend, e.Op, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 创建虚拟设备错误
func NewError(kind ErrorKind, backend, op string, err error) *Error {
	return &Error{Kind: kind, Backend: backend, Op: op, Err: err}
}

// IsKind reports whether err is a sink error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// KindOf returns the sink error kind of err
func KindOf(err error) (ErrorKind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err may succeed when retried
func IsTransient(err error) bool {
	return IsKind(err, TransientWriteFailure)
}
