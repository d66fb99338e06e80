// Package xstream 实现双子流应用层协议
package xstream

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics XStream 服务指标
type metrics struct {
	streamsOpened   prometheus.Counter
	streamsAccepted prometheus.Counter
	streamsRejected prometheus.Counter
	streamsClosed   prometheus.Counter
	pairingFailures *prometheus.CounterVec
	pendingPairs    prometheus.Gauge
}

// newMetrics 创建并注册服务指标
//
// reg 为 nil 时注册到私有注册器，指标仍然可用但不对外暴露。
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &metrics{
		streamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netcom",
			Subsystem: "xstream",
			Name:      "streams_opened_total",
			Help:      "出站 XStream 建立总数",
		}),
		streamsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netcom",
			Subsystem: "xstream",
			Name:      "streams_accepted_total",
			Help:      "入站 XStream 放行总数",
		}),
		streamsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netcom",
			Subsystem: "xstream",
			Name:      "streams_rejected_total",
			Help:      "入站 XStream 拒绝总数",
		}),
		streamsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netcom",
			Subsystem: "xstream",
			Name:      "streams_closed_total",
			Help:      "XStream 终止通知总数",
		}),
		pairingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcom",
			Subsystem: "xstream",
			Name:      "pairing_failures_total",
			Help:      "配对失败总数（按类别）",
		}, []string{"kind"}),
		pendingPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netcom",
			Subsystem: "xstream",
			Name:      "pending_pairs",
			Help:      "当前半配对子流数量",
		}),
	}

	reg.MustRegister(
		m.streamsOpened,
		m.streamsAccepted,
		m.streamsRejected,
		m.streamsClosed,
		m.pairingFailures,
		m.pendingPairs,
	)
	return m
}
