// Package udpard turns transfers into Cyphal/UDP datagrams and back.
//
// An Instance owns a priority-ordered outbound datagram queue and the inbound
// reassembly sessions for one node. It never touches a socket: callers enqueue
// transfers with Publish, Request or Respond, drain datagrams with Peek and
// Pop, and feed received datagrams to Accept.
//
// # Frame format
//
// Every datagram starts with a 24-byte header:
//
//	offset size field
//	0      1    version (1)
//	1      1    priority (0..7)
//	2      2    source node id (0xFFFF = anonymous)
//	4      2    destination node id (0xFFFF = broadcast)
//	6      2    data specifier: bit15 service, bit14 request, low bits port id
//	8      8    transfer id
//	16     4    frame index (low 31 bits) | end-of-transfer (bit 31)
//	20     2    user data (zero)
//	22     2    header CRC-16/CCITT-FALSE over bytes 0..21, big-endian
//
// Multi-byte fields other than the header CRC are little-endian. The transfer
// payload is followed by its CRC-32C (little-endian) and the result is split
// across frames of at most MTU bytes each.
//
// An Instance is not safe for concurrent use; the transport serializes access
// to it together with the socket.
package udpard
