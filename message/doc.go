// Package message defines the bus transfer, its identifiers and the compact
// binary codec used between the node stack and the fragmentation transport.
//
// A Transfer is one logical message or service call: a port (subject id for
// messages, service id for calls), a priority, a payload and the addressing
// fields. Construct transfers with New so that invalid priorities, ports and
// payload sizes are rejected before anything is queued.
//
// # Wire format
//
// Serialize writes a 13-byte little-endian header followed by the payload:
//
//	offset size field
//	0      4    subject/service id (u32)
//	4      1    priority (u8)
//	5      1    source node id (u8, 255 = unset)
//	6      1    destination node id (u8, 255 = unset)
//	7      1    is service request (u8, 0/1)
//	8      1    is anonymous (u8, 0/1)
//	9      4    payload length (u32)
//	13     n    payload
//
// Deserialize stamps the result with the local receive time; the sender's
// timestamp is not carried on the wire.
package message
