// Package interfaces 定义 NetCom 公共接口
//
// 本文件定义 XStream 服务接口：双子流逻辑通道。
//
// 一个 XStream 由同一连接上的一对子流组成：Main 子流承载
// 带内数据，Error 子流承载异步的带外错误上报。两条子流
// 通过相同的 XStreamID 配对。
package interfaces

import (
	"context"
	"sync"

	"github.com/solarw/netcom/pkg/types"
)

// ============================================================================
//                              XStreams 服务接口
// ============================================================================

// XStreams 定义 XStream 服务接口
type XStreams interface {
	// Open 打开到指定节点的 XStream
	//
	// 生成新的 XStreamID，打开 Main 和 Error 两条子流并写入
	// 头部。配对在 PairingTimeout 内未完成时返回 ErrOpenTimeout。
	Open(ctx context.Context, peerID string) (XStream, error)

	// Events 返回服务事件通道
	//
	// 调用方必须持续消费该通道。
	Events() <-chan XStreamEvent

	// Close 关闭服务
	Close() error
}

// ============================================================================
//                              XStream 逻辑流
// ============================================================================

// XStream 定义一条双子流逻辑通道
//
// 读写操作作用于 Main 子流；错误子流由核心持续监视，
// 收到的错误会抢占任何进行中的读取。
// 每端各自最多允许一个在途读操作和一个在途写操作，
// 并发调用按到达顺序串行化。
type XStream interface {
	// ID 返回流标识
	ID() types.XStreamID

	// RemotePeer 返回远端节点 ID
	RemotePeer() string

	// Direction 返回流方向
	Direction() types.Direction

	// State 返回流当前状态
	State() types.StreamState

	// Read 读取 Main 子流上可用的下一段数据
	//
	// 远端关闭时返回 io.EOF；若错误子流已送达错误载荷，
	// 返回 *StreamError（包装在 *ErrorOnRead 中，携带已读前缀）。
	Read(ctx context.Context) ([]byte, error)

	// ReadExact 精确读取 size 字节
	ReadExact(ctx context.Context, size int) ([]byte, error)

	// ReadToEnd 读取 Main 子流直到 EOF
	ReadToEnd(ctx context.Context) ([]byte, error)

	// ReadRestAfterError 在收到错误后取回 Main 子流上残留的数据
	//
	// 返回被抢占的读取已经缓冲的前缀以及底层仍可交付的字节。
	ReadRestAfterError(ctx context.Context) ([]byte, error)

	// WriteAll 向 Main 子流写入全部数据
	WriteAll(ctx context.Context, data []byte) error

	// WriteEOF 关闭 Main 子流写端
	//
	// 对端读到 EOF，逻辑流保持可读。
	WriteEOF() error

	// ErrorRead 读取错误子流（仅出站流）
	//
	// 已缓存错误时直接返回缓存；否则等待错误子流终止。
	// 优雅关闭哨兵（空载荷）返回空切片。多次调用返回相同结果。
	ErrorRead(ctx context.Context) ([]byte, error)

	// ErrorWrite 向错误子流写入错误载荷（仅入站流，每流至多一次）
	//
	// flushData 为 true 时先等待在途的 Main 写操作完成。
	ErrorWrite(ctx context.Context, payload []byte, flushData bool) error

	// WriteError 以字符串消息写入错误载荷
	WriteError(ctx context.Context, message string) error

	// Close 有序关闭两条子流
	//
	// 入站侧先以空载荷哨兵关闭错误子流；出站侧先关 Main，
	// 再排空错误子流。重复调用为幂等。
	Close() error

	// IsClosed 检查流是否已进入关闭或出错状态
	IsClosed() bool
}

// ============================================================================
//                              入站准入策略
// ============================================================================

// InboundPolicy 入站 XStream 的准入策略
type InboundPolicy int

const (
	// PolicyAutoApprove 自动放行所有入站流
	PolicyAutoApprove InboundPolicy = iota
	// PolicyApproveViaEvent 通过 InboundUpgradeRequest 事件交由应用决策
	PolicyApproveViaEvent
)

// String 返回策略的字符串表示
func (p InboundPolicy) String() string {
	switch p {
	case PolicyAutoApprove:
		return "auto_approve"
	case PolicyApproveViaEvent:
		return "approve_via_event"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              准入决策
// ============================================================================

// Decision 入站准入决策结果
type Decision struct {
	// Approved 是否放行
	Approved bool
	// Reason 拒绝原因（仅拒绝时有意义），会写入错误子流告知对端
	Reason string
}

// DecisionSender 入站准入决策发送器
//
// 每个 InboundUpgradeRequest 事件携带一个发送器，
// 决策只能发送一次。
type DecisionSender struct {
	mu   sync.Mutex
	ch   chan<- Decision
	sent bool
}

// NewDecisionSender 创建决策发送器
func NewDecisionSender(ch chan<- Decision) *DecisionSender {
	return &DecisionSender{ch: ch}
}

// Approve 放行入站流
func (s *DecisionSender) Approve() error {
	return s.send(Decision{Approved: true})
}

// Reject 拒绝入站流并说明原因
func (s *DecisionSender) Reject(reason string) error {
	return s.send(Decision{Approved: false, Reason: reason})
}

func (s *DecisionSender) send(d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent {
		return ErrDecisionAlreadySent
	}
	s.sent = true
	s.ch <- d
	return nil
}

// ============================================================================
//                              事件
// ============================================================================

// PairingFailureKind 配对失败类别
type PairingFailureKind int

const (
	// PairingFailureSameRole 同一配对键上出现两条同角色子流
	PairingFailureSameRole PairingFailureKind = iota
	// PairingFailureTimeout 半配对子流超时
	PairingFailureTimeout
	// PairingFailureHeaderError 头部损坏或非法
	PairingFailureHeaderError
	// PairingFailureDroppedBecauseClosed 服务关闭或单连接半配对数达到上限时丢弃
	PairingFailureDroppedBecauseClosed
)

// String 返回类别的字符串表示
func (k PairingFailureKind) String() string {
	switch k {
	case PairingFailureSameRole:
		return "same_role"
	case PairingFailureTimeout:
		return "timeout"
	case PairingFailureHeaderError:
		return "header_error"
	case PairingFailureDroppedBecauseClosed:
		return "dropped_because_closed"
	default:
		return "unknown"
	}
}

// XStreamEvent XStream 服务产生的事件
//
// 具体事件类型为本文件中的 Event* 结构体。
type XStreamEvent interface {
	xstreamEvent()
}

// EventIncomingStream 已放行的入站流就绪
type EventIncomingStream struct {
	// Stream 新建立的入站流
	Stream XStream
}

// EventStreamEstablished 流建立完成（入站与出站均产生）
type EventStreamEstablished struct {
	// PeerID 对端节点
	PeerID string
	// StreamID 流标识
	StreamID types.XStreamID
}

// EventStreamClosed 流终止通知
//
// 每条构造成功的流恰好产生一次。
type EventStreamClosed struct {
	// PeerID 对端节点
	PeerID string
	// StreamID 流标识
	StreamID types.XStreamID
}

// EventPairingFailure 配对失败诊断
type EventPairingFailure struct {
	// PeerID 对端节点
	PeerID string
	// StreamID 流标识（头部可读时填充）
	StreamID types.XStreamID
	// Role 触发失败的子流角色
	Role types.SubstreamRole
	// Kind 失败类别
	Kind PairingFailureKind
}

// EventInboundUpgradeRequest 入站准入请求
//
// 仅在 PolicyApproveViaEvent 下产生；应用必须通过
// Decision 发送器给出放行或拒绝。
type EventInboundUpgradeRequest struct {
	// PeerID 对端节点
	PeerID string
	// ConnID 底层连接标识
	ConnID string
	// StreamID 流标识
	StreamID types.XStreamID
	// Decision 决策发送器
	Decision *DecisionSender
}

func (EventIncomingStream) xstreamEvent()        {}
func (EventStreamEstablished) xstreamEvent()     {}
func (EventStreamClosed) xstreamEvent()          {}
func (EventPairingFailure) xstreamEvent()        {}
func (EventInboundUpgradeRequest) xstreamEvent() {}
