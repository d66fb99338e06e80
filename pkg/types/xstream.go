// Package types 定义 NetCom 的基础类型
//
// 本文件定义 XStream 相关类型：流标识、子流角色和流状态。
package types

import (
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ============================================================================
//                              XStreamID - 流标识
// ============================================================================

// XStreamIDSize XStreamID 的字节长度
const XStreamIDSize = 16

// XStreamID XStream 的唯一标识符
//
// 128 位，由打开方选择，在发起端全局唯一。
// 一对子流（Main 和 Error）携带相同的 XStreamID。
// 线上表示为大端序 16 字节。
type XStreamID [XStreamIDSize]byte

// EmptyXStreamID 空流标识
var EmptyXStreamID XStreamID

// NewXStreamID 生成新的随机 XStreamID
//
// 使用 UUID v4 作为 128 位随机源，保证发起端全局唯一。
func NewXStreamID() XStreamID {
	return XStreamID(uuid.New())
}

// XStreamIDFromBytes 从 16 字节切片构造 XStreamID
func XStreamIDFromBytes(b []byte) (XStreamID, error) {
	var id XStreamID
	if len(b) != XStreamIDSize {
		return id, fmt.Errorf("invalid xstream id length: %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// XStreamIDFromUint64 从 uint64 构造 XStreamID（高 64 位为零）
//
// 主要用于测试中构造可预期的标识。
func XStreamIDFromUint64(v uint64) XStreamID {
	var id XStreamID
	for i := 0; i < 8; i++ {
		id[XStreamIDSize-1-i] = byte(v >> (8 * i))
	}
	return id
}

// Bytes 返回大端序 16 字节表示
func (id XStreamID) Bytes() []byte {
	b := make([]byte, XStreamIDSize)
	copy(b, id[:])
	return b
}

// String 返回十六进制字符串表示
func (id XStreamID) String() string {
	return hex.EncodeToString(id[:])
}

// IsEmpty 检查是否为空标识
func (id XStreamID) IsEmpty() bool {
	return id == EmptyXStreamID
}

// ============================================================================
//                              XStreamIDIterator - 顺序标识生成器
// ============================================================================

// XStreamIDIterator 单调递增的 XStreamID 生成器
//
// 128 位计数器拆分为高低两个 64 位原子值。
// 多个持有者共享同一序列，主要用于需要确定性标识的测试场景；
// 生产路径使用 NewXStreamID 的随机标识。
type XStreamIDIterator struct {
	high *atomic.Uint64
	low  *atomic.Uint64
}

// NewXStreamIDIterator 创建从 0 开始的生成器
func NewXStreamIDIterator() *XStreamIDIterator {
	return &XStreamIDIterator{
		high: &atomic.Uint64{},
		low:  &atomic.Uint64{},
	}
}

// Next 返回序列中的下一个 XStreamID
func (it *XStreamIDIterator) Next() XStreamID {
	// 先递增低位，溢出时进位到高位
	low := it.low.Add(1) - 1
	high := it.high.Load()
	if low == ^uint64(0) {
		it.high.Add(1)
	}

	var id XStreamID
	for i := 0; i < 8; i++ {
		id[7-i] = byte(high >> (8 * i))
		id[XStreamIDSize-1-i] = byte(low >> (8 * i))
	}
	return id
}

// Clone 返回共享同一序列的生成器
func (it *XStreamIDIterator) Clone() *XStreamIDIterator {
	return &XStreamIDIterator{high: it.high, low: it.low}
}

// ============================================================================
//                              SubstreamRole - 子流角色
// ============================================================================

// SubstreamRole 子流在 XStream 对中的角色
type SubstreamRole uint8

const (
	// RoleMain 主数据子流
	RoleMain SubstreamRole = 0
	// RoleError 错误上报子流
	RoleError SubstreamRole = 1
)

// String 返回角色的字符串表示
func (r SubstreamRole) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleError:
		return "error"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Valid 检查角色取值是否合法
func (r SubstreamRole) Valid() bool {
	return r == RoleMain || r == RoleError
}

// ============================================================================
//                              StreamState - 流状态
// ============================================================================

// StreamState XStream 的生命周期状态
//
// 状态沿格子单调推进，不会回退：
//
//	Open → {WriteLocalClosed, ReadRemoteClosed}
//	     → {LocalClosed, RemoteClosed}
//	     → FullyClosed
//	任意状态 → StateError（吸收态）
type StreamState uint8

const (
	// StateOpen 双向均打开
	StateOpen StreamState = iota
	// StateWriteLocalClosed 本地写端已关闭（已发送 EOF），仍可读
	StateWriteLocalClosed
	// StateReadRemoteClosed 已从远端读到 EOF，仍可写
	StateReadRemoteClosed
	// StateLocalClosed 本地已关闭（读写两端）
	StateLocalClosed
	// StateRemoteClosed 远端已关闭（读写两端）
	StateRemoteClosed
	// StateFullyClosed 双向完全关闭
	StateFullyClosed
	// StateError 出错终止（吸收态）
	StateError
)

// String 返回状态的字符串表示
func (s StreamState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateWriteLocalClosed:
		return "write_local_closed"
	case StateReadRemoteClosed:
		return "read_remote_closed"
	case StateLocalClosed:
		return "local_closed"
	case StateRemoteClosed:
		return "remote_closed"
	case StateFullyClosed:
		return "fully_closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal 检查是否为终止状态
func (s StreamState) Terminal() bool {
	return s == StateFullyClosed || s == StateError
}
