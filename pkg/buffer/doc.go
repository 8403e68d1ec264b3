// Package buffer provides thread-safe generic buffers with built-in statistics
// and optional Prometheus metrics.
//
// # Circular buffer
//
//	buf, err := buffer.NewCircularBuffer[[]byte](256,
//		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
//		buffer.WithMetrics[[]byte](registry, "transport_rx"),
//	)
//	_ = buf.Write(datagram)
//	item, err := buf.ReadWait(100 * time.Millisecond)
//
// # Priority buffer
//
// PriorityBuffer keeps one FIFO per level and always serves the lowest
// level number first. All levels share one capacity; a push against a full
// buffer fails with errors.ErrQueueFull and leaves the buffer untouched.
//
//	pb, err := buffer.NewPriorityBuffer[*Frame](8, 64)
//	err = pb.Push(4, frame)
//	frame, level, err := pb.PopWait(10 * time.Millisecond)
//
// Both waits are bounded: PushWait gives up with ErrQueueFull and PopWait
// with ErrTimeout. Close wakes every waiter.
package buffer
