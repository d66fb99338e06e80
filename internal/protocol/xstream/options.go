// Package xstream 实现双子流应用层协议
package xstream

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/solarw/netcom/pkg/interfaces"
)

// Config XStream 服务配置
type Config struct {
	// PairingTimeout 半配对子流的最大存活时间
	PairingTimeout time.Duration

	// CleanupInterval 配对表过期扫描周期
	CleanupInterval time.Duration

	// CloseDrainTimeout 出站关闭时等待错误子流排空的上限
	CloseDrainTimeout time.Duration

	// InboundPolicy 入站准入策略
	InboundPolicy interfaces.InboundPolicy

	// MaxErrorPayload 错误载荷大小上限
	MaxErrorPayload int

	// MaxPendingPerConn 单连接同时在途的半配对数上限（0 表示不限制）
	MaxPendingPerConn int

	// EventBuffer 事件通道缓冲大小
	EventBuffer int

	// Clock 时间源（测试中可注入 mock）
	Clock clock.Clock

	// Registerer 指标注册器（nil 时指标仅在内部注册器上存在）
	Registerer prometheus.Registerer
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		PairingTimeout:    15 * time.Second,
		CleanupInterval:   5 * time.Second,
		CloseDrainTimeout: 5 * time.Second,
		InboundPolicy:     interfaces.PolicyAutoApprove,
		MaxErrorPayload:   64 * 1024,
		MaxPendingPerConn: 0,
		EventBuffer:       64,
		Clock:             clock.New(),
	}
}

// Option 定义配置选项函数
type Option func(*Config)

// WithPairingTimeout 设置配对超时
func WithPairingTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.PairingTimeout = timeout
	}
}

// WithCleanupInterval 设置过期扫描周期
func WithCleanupInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.CleanupInterval = interval
	}
}

// WithCloseDrainTimeout 设置关闭时的错误子流排空上限
func WithCloseDrainTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.CloseDrainTimeout = timeout
	}
}

// WithInboundPolicy 设置入站准入策略
func WithInboundPolicy(policy interfaces.InboundPolicy) Option {
	return func(c *Config) {
		c.InboundPolicy = policy
	}
}

// WithMaxErrorPayload 设置错误载荷大小上限
func WithMaxErrorPayload(size int) Option {
	return func(c *Config) {
		c.MaxErrorPayload = size
	}
}

// WithMaxPendingPerConn 设置单连接半配对数上限
func WithMaxPendingPerConn(n int) Option {
	return func(c *Config) {
		c.MaxPendingPerConn = n
	}
}

// WithEventBuffer 设置事件通道缓冲大小
func WithEventBuffer(n int) Option {
	return func(c *Config) {
		c.EventBuffer = n
	}
}

// WithClock 注入时间源
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}

// WithRegisterer 设置指标注册器
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registerer = reg
	}
}
