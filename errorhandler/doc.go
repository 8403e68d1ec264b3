// Package errorhandler counts node errors and runs bounded recovery for the
// recoverable ones.
//
// Every Record passed to Handler.Log is counted, whatever its severity, and
// handed to the registered callback. Records below the configured minimum
// severity stop there. Records of a recoverable kind (network unavailable,
// queue full, timeout, send failed, receive failed, transport error) then run
// that kind's recovery action while the handler's recovery budget lasts: a
// short kind-specific wait followed, when a Check is registered for the kind,
// by a bounded retry of the check. Recovery runs in its own goroutine, at most
// one per kind, so Log returns without waiting; outcomes show up in Stats and
// the recovery metric. Every other kind is returned to the caller as a
// classified error.
//
// Log output is throttled per kind so that an error storm cannot flood the
// host's log; counting and callbacks are never throttled.
package errorhandler
