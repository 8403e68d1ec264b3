// Package stability supervises the node's worker tasks and decides whether
// the node may keep participating on the bus.
//
// A Manager tracks up to MaxTasks tasks. Each task heartbeats the manager from
// its loop; a task that stays silent for more than twice its interval, or
// whose watchdog (three intervals) expires, is unhealthy and moves the node
// from Normal to Degraded. The node returns to Normal once every task is
// healthy again.
//
// A critical error kind, or an error total at or above the configured
// threshold, isolates the node. An isolated node stops publishing until
// AttemptRecovery succeeds, which is only allowed once the recovery timeout
// has passed since isolation. Too many consecutive failed recoveries leave the
// manager in Failed until Reset.
//
//	m, _ := stability.New(stability.DefaultConfig(), stability.Deps{Errors: handler})
//	_ = m.RegisterTask(1, "rx", 100*time.Millisecond)
//	...
//	_ = m.TaskHeartbeat(1) // from the rx loop
//	m.Update()             // from the monitor loop
package stability
