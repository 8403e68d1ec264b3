package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cyphalnode/metric"
)

const metricsService = "transport"

// Metrics holds Prometheus metrics for the bridge
type Metrics struct {
	datagramsSent     prometheus.Counter
	datagramsReceived prometheus.Counter
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	transfersQueued   *prometheus.CounterVec
	transfersReceived *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	socketErrors      *prometheus.CounterVec
	txQueueDepth      prometheus.Gauge
	lastActivity      prometheus.Gauge
}

// newMetrics creates and registers bridge metrics. A nil registry disables them.
func newMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		datagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cyphalnode",
			Subsystem: "udp",
			Name:      "datagrams_sent_total",
			Help:      "Datagrams written to the socket",
		}),
		datagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cyphalnode",
			Subsystem: "udp",
			Name:      "datagrams_received_total",
			Help:      "Datagrams read from the socket",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cyphalnode",
			Subsystem: "udp",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the socket",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cyphalnode",
			Subsystem: "udp",
			Name:      "bytes_received_total",
			Help:      "Bytes read from the socket",
		}),
		transfersQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyphalnode",
			Subsystem: "udp",
			Name:      "transfers_queued_total",
			Help:      "Transfers handed to the fragmentation queue",
		}, []string{"kind"}),
		transfersReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyphalnode",
			Subsystem: "udp",
			Name:      "transfers_received_total",
			Help:      "Transfers reassembled from the socket",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyphalnode",
			Subsystem: "udp",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded",
		}, []string{"reason"}),
		socketErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyphalnode",
			Subsystem: "udp",
			Name:      "socket_errors_total",
			Help:      "Socket errors by direction",
		}, []string{"direction"}),
		txQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cyphalnode",
			Subsystem: "udp",
			Name:      "tx_queue_depth",
			Help:      "Datagrams waiting in the fragmentation queue",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cyphalnode",
			Subsystem: "udp",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last received datagram",
		}),
	}

	regs := []struct {
		name string
		fn   func() error
	}{
		{"datagrams_sent", func() error { return registry.RegisterCounter(metricsService, "datagrams_sent", m.datagramsSent) }},
		{"datagrams_received", func() error {
			return registry.RegisterCounter(metricsService, "datagrams_received", m.datagramsReceived)
		}},
		{"bytes_sent", func() error { return registry.RegisterCounter(metricsService, "bytes_sent", m.bytesSent) }},
		{"bytes_received", func() error { return registry.RegisterCounter(metricsService, "bytes_received", m.bytesReceived) }},
		{"transfers_queued", func() error {
			return registry.RegisterCounterVec(metricsService, "transfers_queued", m.transfersQueued)
		}},
		{"transfers_received", func() error {
			return registry.RegisterCounterVec(metricsService, "transfers_received", m.transfersReceived)
		}},
		{"frames_dropped", func() error { return registry.RegisterCounterVec(metricsService, "frames_dropped", m.framesDropped) }},
		{"socket_errors", func() error { return registry.RegisterCounterVec(metricsService, "socket_errors", m.socketErrors) }},
		{"tx_queue_depth", func() error { return registry.RegisterGauge(metricsService, "tx_queue_depth", m.txQueueDepth) }},
		{"last_activity", func() error { return registry.RegisterGauge(metricsService, "last_activity", m.lastActivity) }},
	}
	for i, r := range regs {
		if err := r.fn(); err != nil {
			for _, done := range regs[:i] {
				registry.Unregister(metricsService, done.name)
			}
			return nil, err
		}
	}
	return m, nil
}
