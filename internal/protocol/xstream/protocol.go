// Package xstream 实现双子流应用层协议
package xstream

import "time"

// ProtocolID XStream 协议标识
//
// Main 与 Error 子流都以该协议打开，角色由头部区分。
const ProtocolID = "/netcom/xstream/1.0.0"

// HeaderSize 子流头部的固定长度
//
// 16 字节大端序 XStreamID + 1 字节角色。
const HeaderSize = 17

// readChunkSize Read 单次交付的最大字节数
const readChunkSize = 4096

// errDrainGrace 主子流终止后等待错误子流终局的同步窗口
//
// 远端总是先收尾错误子流再关 Main；该窗口只吸收两条
// 子流送达顺序上的调度抖动，不是协议等待。
const errDrainGrace = 100 * time.Millisecond
