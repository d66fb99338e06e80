// Package xstream 实现双子流应用层协议
package xstream

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// 定义错误
var (
	// ErrNilHost Host为nil
	ErrNilHost = errors.New("host is nil")

	// ErrAlreadyStarted 服务已启动
	ErrAlreadyStarted = errors.New("service already started")

	// ErrNotStarted 服务未启动
	ErrNotStarted = errors.New("service not started")

	// ErrInvalidPeerID 无效节点ID
	ErrInvalidPeerID = errors.New("invalid peer id")

	// ErrBadHeader 头部损坏（截断）
	ErrBadHeader = errors.New("bad substream header")

	// ErrUnknownRole 未知角色字节
	ErrUnknownRole = errors.New("unknown substream role")

	// ErrOpenTimeout 出站配对超时
	ErrOpenTimeout = errors.New("xstream open timed out")

	// ErrStreamClosed 流已关闭
	ErrStreamClosed = errors.New("xstream closed")

	// ErrInvalidState 当前状态不允许该操作
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrErrorAlreadyWritten 错误载荷已写入过
	ErrErrorAlreadyWritten = errors.New("error payload already written")

	// ErrNotInbound 仅入站流允许的操作
	ErrNotInbound = errors.New("operation requires an inbound stream")

	// ErrNotOutbound 仅出站流允许的操作
	ErrNotOutbound = errors.New("operation requires an outbound stream")

	// ErrErrorPayloadTooLarge 错误载荷超出上限
	ErrErrorPayloadTooLarge = errors.New("error payload exceeds limit")

	// ErrAbruptClose 错误子流未携带哨兵即被中断
	ErrAbruptClose = errors.New("remote terminated abruptly")
)

// ============================================================================
//                              StreamError - 对端错误
// ============================================================================

// StreamError 对端通过错误子流上报的错误
//
// 载荷由应用定义；能解释为 UTF-8 时 Error() 按文本展示。
// 一旦缓存即不可变，后续所有读写操作都返回同一个值。
type StreamError struct {
	// Payload 原始错误载荷
	Payload []byte
	// Abrupt 是否为突然中断合成的错误（无哨兵、无载荷）
	Abrupt bool
}

// NewStreamError 从载荷构造 StreamError
func NewStreamError(payload []byte) *StreamError {
	return &StreamError{Payload: payload}
}

// NewAbruptClose 构造突然中断的合成错误
func NewAbruptClose() *StreamError {
	return &StreamError{Abrupt: true}
}

// Error 实现 error 接口
func (e *StreamError) Error() string {
	if e.Abrupt {
		return "xstream: " + ErrAbruptClose.Error()
	}
	if len(e.Payload) == 0 {
		return "xstream: remote error (empty)"
	}
	if utf8.Valid(e.Payload) {
		return fmt.Sprintf("xstream: remote error: %s", e.Payload)
	}
	return fmt.Sprintf("xstream: remote error: %d bytes of binary data", len(e.Payload))
}

// Unwrap 支持 errors.Is(err, ErrAbruptClose)
func (e *StreamError) Unwrap() error {
	if e.Abrupt {
		return ErrAbruptClose
	}
	return nil
}

// Message 返回可读消息（载荷为合法 UTF-8 时）
func (e *StreamError) Message() (string, bool) {
	if len(e.Payload) > 0 && utf8.Valid(e.Payload) {
		return string(e.Payload), true
	}
	return "", false
}

// ============================================================================
//                              ErrorOnRead - 携带残留数据的读错误
// ============================================================================

// ErrorOnRead 读取被错误抢占时返回的错误
//
// 携带抢占发生前已经读到的前缀，调用方可通过 Partial
// 取回，也可再调用 ReadRestAfterError 排空底层残留。
type ErrorOnRead struct {
	// Err 抢占读取的错误（*StreamError 或 I/O 错误）
	Err error
	// PartialData 抢占前已读到的数据
	PartialData []byte
}

// Error 实现 error 接口
func (e *ErrorOnRead) Error() string {
	return fmt.Sprintf("xstream: read interrupted after %d bytes: %v", len(e.PartialData), e.Err)
}

// Unwrap 返回底层错误
func (e *ErrorOnRead) Unwrap() error {
	return e.Err
}

// Partial 返回抢占前已读到的数据
func (e *ErrorOnRead) Partial() []byte {
	return e.PartialData
}
