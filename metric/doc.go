// Package metric provides Prometheus-based metrics for the node stack.
//
// A MetricsRegistry owns a private Prometheus registry holding the node core
// metrics (identity gauges, bus traffic, errors, stability, NATS mirror
// status) plus any component metrics registered through MetricsRegistrar.
// Components take an optional *MetricsRegistry: nil disables their metrics.
//
//	registry := metric.NewMetricsRegistry()
//	core := registry.CoreMetrics()
//	core.RecordTransferSent("message")
//
//	mux.Handle("/metrics", metric.Handler(registry))
//
// Component metrics are registered under a service name so that a component
// can release them again with UnregisterService when it is torn down.
package metric
