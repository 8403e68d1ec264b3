// Package heartbeat publishes the node's periodic uavcan.node.Heartbeat.1.0
// message and decodes the heartbeats of other nodes.
//
// The payload is seven bytes:
//
//	0..3  uptime, seconds, little-endian uint32
//	4     health (2 bits)
//	5     mode (3 bits)
//	6     vendor-specific status code
//
// A node without an id does not heartbeat. A full transmit queue is reported
// to the error handler as a recoverable QueueFull and the next heartbeat is
// tried at the next interval.
package heartbeat
