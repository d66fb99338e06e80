// Package interfaces 定义 NetCom 公共接口
//
// 本文件定义核心层依赖的底层能力集：子流、连接与主机。
// XStream 核心只消费这里列出的能力，传输协商、子流创建等
// 由底层连接管理器负责。
package interfaces

import (
	"context"
	"io"
)

// ============================================================================
//                              Substream 能力集
// ============================================================================

// Substream 定义单个子流的最小能力集
//
// 子流是底层连接上多路复用出的一条字节流。
// XStream 核心对子流类型保持多态，只依赖 {读, 写, 关闭} 能力。
type Substream interface {
	io.Reader
	io.Writer
	io.Closer

	// CloseWrite 关闭写端
	//
	// 发送 FIN 信号，对端读到 EOF。
	// 此操作不影响读取端，仍可以读取对端发送的数据。
	CloseWrite() error
}

// Stream 表示一条已打开的子流及其归属信息
type Stream interface {
	Substream

	// Conn 返回所属连接
	Conn() Conn
}

// StreamHandler 子流处理函数类型
type StreamHandler func(stream Stream)

// ============================================================================
//                              Conn - 连接信息
// ============================================================================

// Conn 表示子流所属的底层连接
//
// 核心只需要连接的身份信息用于配对键，
// 连接的建立与维护由底层负责。
type Conn interface {
	// ID 返回连接唯一标识
	// 同一连接上的所有子流返回相同的 ID
	ID() string

	// RemotePeer 返回远端节点 ID
	RemotePeer() string
}

// ============================================================================
//                              Host - 网络主机
// ============================================================================

// Host 定义核心消费的主机能力
//
// 主机负责连接管理与子流创建；XStream 核心拿到的
// 永远是已经打开的子流。
type Host interface {
	// ID 返回主机的节点 ID
	ID() string

	// NewStream 打开到指定节点的新子流
	NewStream(ctx context.Context, peerID string, protocolID string) (Stream, error)

	// SetStreamHandler 注册协议的子流处理器
	SetStreamHandler(protocolID string, handler StreamHandler)

	// RemoveStreamHandler 注销协议的子流处理器
	RemoveStreamHandler(protocolID string)
}
