// Package worker provides a bounded, generic worker pool.
//
// The node stack uses it to deliver inbound transfers to subscriber handlers
// off the receive path: the receive loop submits and moves on, a full queue
// is reported as ErrQueueFull (kind queue_full) instead of blocking the bus.
//
//	pool := worker.NewPool(4, 256, deliver,
//		worker.WithErrorHandler(func(t *message.Transfer, err error) { ... }),
//		worker.WithMetricsRegistry[*message.Transfer](registry, "rx_dispatch"),
//	)
//	_ = pool.Start(ctx)
//	defer pool.Stop(time.Second)
//
// Processor panics are recovered, counted in PoolStats.Panics and passed to
// the error handler as *PanicError.
package worker
