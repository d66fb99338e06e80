// Package xstream 实现双子流应用层协议
package xstream

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/solarw/netcom/pkg/types"
)

// closureNotifier 流终止回调
//
// 每条流恰好触发一次，携带 (对端, 流标识)。
type closureNotifier func(peerID string, streamID types.XStreamID)

// stateManager 单条流的状态寄存器
//
// 状态保存在一个原子值里，转换通过 CAS 循环应用格子规则，
// 不会回退。LocalClosed 与 RemoteClosed 相遇坍缩为
// FullyClosed；任何不可恢复的失败跳到吸收态 StateError。
type stateManager struct {
	state    atomic.Uint32
	streamID types.XStreamID
	peerID   string
	direction types.Direction

	notifier   closureNotifier
	notifyOnce sync.Once

	errorWritten atomic.Bool
}

// newStateManager 创建处于 Open 状态的状态寄存器
func newStateManager(streamID types.XStreamID, peerID string, direction types.Direction, notifier closureNotifier) *stateManager {
	m := &stateManager{
		streamID:  streamID,
		peerID:    peerID,
		direction: direction,
		notifier:  notifier,
	}
	m.state.Store(uint32(types.StateOpen))
	return m
}

// current 返回当前状态
func (m *stateManager) current() types.StreamState {
	return types.StreamState(m.state.Load())
}

// resolve 应用状态转换规则
func resolve(cur, next types.StreamState) types.StreamState {
	// 吸收态
	if cur == types.StateError || next == types.StateError {
		return types.StateError
	}
	if cur == types.StateFullyClosed {
		return types.StateFullyClosed
	}

	switch {
	// 半关闭相遇坍缩
	case cur == types.StateWriteLocalClosed && next == types.StateReadRemoteClosed,
		cur == types.StateReadRemoteClosed && next == types.StateWriteLocalClosed,
		cur == types.StateLocalClosed && next == types.StateRemoteClosed,
		cur == types.StateRemoteClosed && next == types.StateLocalClosed,
		cur == types.StateLocalClosed && next == types.StateReadRemoteClosed,
		cur == types.StateRemoteClosed && next == types.StateWriteLocalClosed,
		cur == types.StateWriteLocalClosed && next == types.StateRemoteClosed,
		cur == types.StateReadRemoteClosed && next == types.StateLocalClosed:
		return types.StateFullyClosed

	// 细粒度半关闭向同侧整端关闭推进
	case cur == types.StateWriteLocalClosed && next == types.StateLocalClosed,
		cur == types.StateReadRemoteClosed && next == types.StateRemoteClosed:
		return next

	// 不回退
	case cur == types.StateLocalClosed && next == types.StateWriteLocalClosed,
		cur == types.StateRemoteClosed && next == types.StateReadRemoteClosed:
		return cur
	}
	return next
}

// transition 原子地向目标状态推进，返回最终状态
func (m *stateManager) transition(next types.StreamState) types.StreamState {
	for {
		cur := m.current()
		final := resolve(cur, next)
		if final == cur {
			return cur
		}
		if m.state.CompareAndSwap(uint32(cur), uint32(final)) {
			logger.Debug("流状态变更",
				"streamID", m.streamID.String(),
				"from", cur.String(),
				"to", final.String())
			if final.Terminal() {
				m.notifyClosed()
			}
			return final
		}
	}
}

// notifyClosed 发送终止通知（恰好一次）
func (m *stateManager) notifyClosed() {
	m.notifyOnce.Do(func() {
		if m.notifier != nil {
			m.notifier(m.peerID, m.streamID)
		}
	})
}

// markWriteLocalClosed 标记本地写端已关闭（EOF 已发送）
func (m *stateManager) markWriteLocalClosed() {
	m.transition(types.StateWriteLocalClosed)
}

// markReadRemoteClosed 标记已从远端读到 EOF
func (m *stateManager) markReadRemoteClosed() {
	m.transition(types.StateReadRemoteClosed)
}

// markLocalClosed 标记本地已关闭
func (m *stateManager) markLocalClosed() {
	m.transition(types.StateLocalClosed)
}

// markRemoteClosed 标记远端已关闭
func (m *stateManager) markRemoteClosed() {
	m.transition(types.StateRemoteClosed)
}

// markError 标记出错终止
func (m *stateManager) markError() {
	m.transition(types.StateError)
}

// isClosed 检查是否已进入关闭或出错状态
func (m *stateManager) isClosed() bool {
	switch m.current() {
	case types.StateOpen, types.StateWriteLocalClosed, types.StateReadRemoteClosed:
		return false
	}
	return true
}

// isLocalClosed 本地是否整端关闭
func (m *stateManager) isLocalClosed() bool {
	s := m.current()
	return s == types.StateLocalClosed || s == types.StateFullyClosed
}

// isRemoteClosed 远端是否整端关闭
func (m *stateManager) isRemoteClosed() bool {
	s := m.current()
	return s == types.StateRemoteClosed || s == types.StateFullyClosed
}

// isWriteLocalClosed 本地写端是否已关闭
func (m *stateManager) isWriteLocalClosed() bool {
	switch m.current() {
	case types.StateWriteLocalClosed, types.StateLocalClosed, types.StateFullyClosed:
		return true
	}
	return false
}

// isReadRemoteClosed 读方向是否已收到 EOF
func (m *stateManager) isReadRemoteClosed() bool {
	switch m.current() {
	case types.StateReadRemoteClosed, types.StateRemoteClosed, types.StateFullyClosed:
		return true
	}
	return false
}

// hasErrorWritten 错误载荷是否已写过
func (m *stateManager) hasErrorWritten() bool {
	return m.errorWritten.Load()
}

// markErrorWritten 标记错误载荷已写，返回是否首次
func (m *stateManager) markErrorWritten() bool {
	return m.errorWritten.CompareAndSwap(false, true)
}

// isConnClosedError 判断错误是否表示连接被对端关闭
func isConnClosedError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED)
}
