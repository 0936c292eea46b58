package onebot

import (
	"fmt"

	"github.com/pkg/errors"
)

// 错误类型, 使用 errors.Is 判断
var (
	ErrMalformedMessage      = errors.New("malformed message")
	ErrConnectionClosed      = errors.New("connection closed")
	ErrTimeout               = errors.New("action timeout")
	ErrNoTransportConfigured = errors.New("no transport configured")
	ErrTransportBind         = errors.New("transport bind failure")
	ErrHandlerFailure        = errors.New("handler failure")
	ErrAlreadyRunning        = errors.New("onebot is already running")
	ErrNotRunning            = errors.New("onebot is not running")
	ErrQueueFull             = errors.New("outbound queue is full")
	ErrUnknownConnection     = errors.New("unknown connection")
	ErrDuplicateEcho         = errors.New("echo is already pending")
)

// MalformedMessageError 反序列化失败
type MalformedMessageError struct {
	Reason string
}

func malformed(format string, args ...any) error {
	return &MalformedMessageError{Reason: fmt.Sprintf(format, args...)}
}

func (e *MalformedMessageError) Error() string {
	return "malformed message: " + e.Reason
}

// Is 匹配 ErrMalformedMessage
func (e *MalformedMessageError) Is(target error) bool {
	return target == ErrMalformedMessage
}

// TransportBindError 通信方式启动失败
type TransportBindError struct {
	Transport string
	Err       error
}

func (e *TransportBindError) Error() string {
	return fmt.Sprintf("transport %s bind failure: %v", e.Transport, e.Err)
}

// Is 匹配 ErrTransportBind
func (e *TransportBindError) Is(target error) bool {
	return target == ErrTransportBind
}

// Unwrap 返回底层错误
func (e *TransportBindError) Unwrap() error {
	return e.Err
}
