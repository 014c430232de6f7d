// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge）
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TransportMetrics 传输层指标集合
type TransportMetrics struct {
	// 入站包
	PacketsTotal  *prometheus.CounterVec
	ParseErrors   prometheus.Counter
	BytesReceived prometheus.Counter

	// 可靠接收
	AcksSent       prometheus.Counter
	ReorderPending prometheus.Gauge

	// 分片重组
	SplitGroupsActive prometheus.Gauge

	// 重复抑制
	DupGuardBlocked prometheus.Counter

	// 会话
	ActiveSessions prometheus.Gauge
}

// NewTransportMetrics 创建指标集合并注册到 registry
func NewTransportMetrics(registry *prometheus.Registry) *TransportMetrics {
	m := &TransportMetrics{
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdt",
			Name:      "packets_total",
			Help:      "Total packets parsed, by type",
		}, []string{"type"}),

		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdt",
			Name:      "parse_errors_total",
			Help:      "Total datagrams rejected by the parser",
		}),

		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdt",
			Name:      "bytes_received_total",
			Help:      "Total bytes received from the substrate",
		}),

		AcksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdt",
			Subsystem: "reliable",
			Name:      "acks_sent_total",
			Help:      "Total ACK packets emitted",
		}),

		ReorderPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdt",
			Subsystem: "reliable",
			Name:      "reorder_pending",
			Help:      "Packets buffered waiting for in-order delivery",
		}),

		SplitGroupsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdt",
			Subsystem: "split",
			Name:      "groups_active",
			Help:      "Split groups currently being reassembled",
		}),

		DupGuardBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdt",
			Subsystem: "dupguard",
			Name:      "blocked_total",
			Help:      "Unreliable datagrams suppressed as duplicates",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdt",
			Name:      "active_sessions",
			Help:      "Peer sessions currently tracked",
		}),
	}

	// 注册所有指标
	registry.MustRegister(
		m.PacketsTotal,
		m.ParseErrors,
		m.BytesReceived,
		m.AcksSent,
		m.ReorderPending,
		m.SplitGroupsActive,
		m.DupGuardBlocked,
		m.ActiveSessions,
	)

	return m
}

// RecordPacket 记录一个解析成功的包
func (m *TransportMetrics) RecordPacket(packetType string) {
	m.PacketsTotal.WithLabelValues(packetType).Inc()
}
