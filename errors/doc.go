// Package errors provides standardized error handling for cyphalnode components.
//
// # Overview
//
// Two views of an error are kept side by side. The class (Transient, Invalid,
// Fatal) drives generic retry decisions the same way across every component.
// The Kind is the closed node taxonomy reported to the error handler and the
// stability manager: it decides whether a bounded recovery may be attempted and
// whether a single occurrence isolates the node.
//
// # Kinds
//
// Recoverable kinds:
//
//   - network_unavailable, queue_full, timeout
//   - send_failed, receive_failed, transport_error
//
// Critical kinds (isolate the node on first occurrence):
//
//   - init_failed, allocation_failed, node_id_conflict
//
// Everything else (invalid_config, invalid_parameter, memory_allocation,
// too_many_tasks) is surfaced to the caller and never retried.
//
// # Usage
//
// Return a sentinel, or wrap it with component context:
//
//	if q.Len() == q.Cap() {
//	    return errors.WrapTransient(errors.ErrQueueFull, "txqueue", "Push", "enqueue transfer")
//	}
//
// Attach a kind to a foreign error:
//
//	if _, err := conn.WriteTo(b, addr); err != nil {
//	    return errors.WrapKind(errors.KindSendFailed, err, "transport", "Send", "write datagram")
//	}
//
// Recover the kind anywhere up the stack:
//
//	switch errors.KindOf(err) {
//	case errors.KindQueueFull:
//	    // back off
//	}
//
// # Error Wrapping Pattern
//
// All wrapping follows the format "component.method: action failed: cause".
// Classified errors keep Component and Operation for structured logging and
// support errors.Is and errors.As through Unwrap.
package errors
