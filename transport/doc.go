// Package transport bridges node transfers to Cyphal/UDP datagrams.
//
// A Bridge owns the UDP socket, its multicast group memberships and the
// udpard instance that fragments and reassembles transfers. Sending is split
// in two steps: Publish, SendRequest and SendResponse only enqueue frames in
// the udpard tx queue; ProcessTxQueue drains that queue to the socket. A
// caller therefore never blocks on the network while enqueueing.
//
// Access to the socket and the udpard instance is serialized by two bounded
// locks, one per direction, so a receive poll never delays transmission.
// Every blocking call takes a timeout and reports expiry as a Timeout kind
// error, distinct from send and receive failures:
//
//	bridge, _ := transport.New(transport.Deps{Config: transport.DefaultConfig()})
//	if err := bridge.Init("eth0", udpard.DefaultPort, "239.0.0.1"); err != nil {
//		return err
//	}
//	bridge.SetNodeID(42)
//	_ = bridge.Publish(t)
//	sent, err := bridge.ProcessTxQueue(16)
//
// # Payload envelope
//
// With Config.Envelope set (the default) the udpard payload is the compact
// message encoding, so flags and payload length survive the trip exactly.
// With it cleared the raw payload is sent and a receiver rebuilds the transfer
// from frame metadata alone, which is what other Cyphal/UDP nodes expect.
//
// # Loopback
//
// Multicast loopback is enabled so that several nodes on one host can talk.
// Frames a bridge receives from its own socket carrying its own node id are
// dropped as echoes; the same id from any other address is passed up so the
// caller can detect a node-id conflict.
package transport
