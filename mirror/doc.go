// Package mirror copies bus traffic and node status to NATS.
//
// Every transfer the node sends or receives becomes a JSON TransferEnvelope
// on <prefix>.<node>.tx.<port> or <prefix>.<node>.rx.<port>. Status snapshots
// go to <prefix>.<node>.status. An anonymous node uses "anon" in place of its
// id.
//
// Observing a transfer only enqueues it. A single goroutine started by Start
// drains the queue into the Publisher; when the queue is full the oldest
// envelope is dropped. Publish failures are counted and logged at most once
// per second, the bus never waits on NATS.
package mirror
