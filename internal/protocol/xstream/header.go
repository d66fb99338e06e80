// Package xstream 实现双子流应用层协议
package xstream

import (
	"fmt"
	"io"

	"github.com/solarw/netcom/pkg/types"
)

// Header 子流头部
//
// 每条子流在任何载荷之前恰好写一次，17 字节定长：
// 16 字节大端序 XStreamID + 1 字节角色。
type Header struct {
	// StreamID 流标识
	StreamID types.XStreamID
	// Role 子流角色
	Role types.SubstreamRole
}

// WriteHeader 向子流写入头部
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	copy(buf[:types.XStreamIDSize], h.StreamID[:])
	buf[types.XStreamIDSize] = byte(h.Role)

	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// ReadHeader 从子流读取头部
//
// 截断返回 ErrBadHeader，角色字节越界返回 ErrUnknownRole。
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}

	var id types.XStreamID
	copy(id[:], buf[:types.XStreamIDSize])

	role := types.SubstreamRole(buf[types.XStreamIDSize])
	if !role.Valid() {
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrUnknownRole, buf[types.XStreamIDSize])
	}

	return Header{StreamID: id, Role: role}, nil
}
