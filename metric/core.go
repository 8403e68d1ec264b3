package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cyphalnode"

// Metrics contains the node-level metrics shared by every component
type Metrics struct {
	// Node identity and state
	NodeID         prometheus.Gauge
	NodeHealth     prometheus.Gauge
	NodeMode       prometheus.Gauge
	NodeUptime     prometheus.Gauge
	StabilityState prometheus.Gauge

	// Bus traffic
	TransfersSent     *prometheus.CounterVec
	TransfersReceived *prometheus.CounterVec
	HeartbeatsSent    prometheus.Counter

	// Errors and supervision
	ErrorsTotal        *prometheus.CounterVec
	RecoveryAttempts   *prometheus.CounterVec
	Isolations         prometheus.Counter
	ComponentHealth    *prometheus.GaugeVec
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		NodeID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "id",
			Help:      "Current node id (255 = unset)",
		}),
		NodeHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "health",
			Help:      "Node health (0=nominal, 1=advisory, 2=caution, 3=warning)",
		}),
		NodeMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "mode",
			Help:      "Node mode (0=operational, 1=initialization, 2=maintenance, 3=software_update, 7=offline)",
		}),
		NodeUptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "uptime_seconds",
			Help:      "Seconds since node start",
		}),
		StabilityState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stability",
			Name:      "state",
			Help:      "Stability state (0=normal, 1=degraded, 2=isolated, 3=failed)",
		}),
		TransfersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "transfers_sent_total",
			Help:      "Transfers handed to the transport",
		}, []string{"kind"}),
		TransfersReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "transfers_received_total",
			Help:      "Complete transfers received from the bus",
		}, []string{"kind"}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "sent_total",
			Help:      "Heartbeats queued for transmission",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Errors reported to the error handler",
		}, []string{"kind", "severity"}),
		RecoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "recovery_attempts_total",
			Help:      "Recovery attempts by outcome",
		}, []string{"kind", "outcome"}),
		Isolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stability",
			Name:      "isolations_total",
			Help:      "Transitions into the isolated state",
		}),
		ComponentHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Component health (0=unhealthy, 1=healthy)",
		}, []string{"component"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
		}),
	}
}

func (m *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.NodeID,
		m.NodeHealth,
		m.NodeMode,
		m.NodeUptime,
		m.StabilityState,
		m.TransfersSent,
		m.TransfersReceived,
		m.HeartbeatsSent,
		m.ErrorsTotal,
		m.RecoveryAttempts,
		m.Isolations,
		m.ComponentHealth,
		m.NATSConnected,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	)
}

// RecordNodeState updates the identity gauges
func (m *Metrics) RecordNodeState(id uint8, health, mode int, uptimeSeconds uint32) {
	m.NodeID.Set(float64(id))
	m.NodeHealth.Set(float64(health))
	m.NodeMode.Set(float64(mode))
	m.NodeUptime.Set(float64(uptimeSeconds))
}

// RecordTransferSent increments the sent counter for a transfer kind
func (m *Metrics) RecordTransferSent(kind string) {
	m.TransfersSent.WithLabelValues(kind).Inc()
}

// RecordTransferReceived increments the received counter for a transfer kind
func (m *Metrics) RecordTransferReceived(kind string) {
	m.TransfersReceived.WithLabelValues(kind).Inc()
}

// RecordError increments the error counter
func (m *Metrics) RecordError(kind, severity string) {
	m.ErrorsTotal.WithLabelValues(kind, severity).Inc()
}

// RecordRecovery increments the recovery counter
func (m *Metrics) RecordRecovery(kind string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.RecoveryAttempts.WithLabelValues(kind, outcome).Inc()
}

// RecordStabilityState updates the stability gauge
func (m *Metrics) RecordStabilityState(state int) {
	m.StabilityState.Set(float64(state))
}

// RecordHealthStatus updates a component health gauge
func (m *Metrics) RecordHealthStatus(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (m *Metrics) RecordCircuitBreakerState(state int) {
	m.NATSCircuitBreaker.Set(float64(state))
}
