// Package stack composes the node components into one lifecycle.
//
// A Stack owns the node context, the transmit queue, the transport bridge,
// the heartbeat service, the node id allocator, the error handler and the
// stability manager. The host constructs it once and passes it to whatever
// needs it; there is no process-wide instance.
//
// Lifecycle:
//
//	s, err := stack.New(stack.Deps{Config: cfg, Logger: logger, MetricsRegistry: registry})
//	err = s.Init("eth0", message.NodeIDUnset) // bind, join groups, start allocation
//	err = s.Start(ctx)                        // node, tx, rx and monitor workers
//	...
//	err = s.Stop(5 * time.Second)
//	err = s.Deinit()
//
// Workers run in an errgroup and register with the stability manager, which
// degrades the node when one of them stalls and isolates it on critical
// errors. While isolated the heartbeat is paused, the tx worker idles and
// Publish is rejected with errors.ErrIsolated.
//
// Update performs one node step synchronously (uptime, allocation,
// heartbeat, stability) for hosts that drive the stack from their own loop.
package stack
