// Package component defines how the long-lived parts of a node describe
// themselves: metadata, point-in-time health and data-flow rates
// (Discoverable).
//
// Health reports a HealthStatus. DataFlow reports rates derived from the
// component's counters; FlowCounter computes them for components that just
// count messages, bytes and errors.
package component
