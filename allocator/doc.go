// Package allocator obtains a node id for a node that starts anonymous.
//
// An Allocator walks Idle -> Requesting -> Complete. Process advances it one
// step and reports completions and conflicts as Events; the registered
// Listener hears about every completion exactly once. A conflict (another
// node heartbeating with our id) moves it to ConflictDetected, and the next
// Start re-allocates while excluding the conflicting id.
//
// How an id is actually obtained is left to a Negotiator. LocalNegotiator
// decides on the spot from the preferred id and a fallback generator.
// PnPNegotiator runs the plug-and-play exchange on the allocation subject.
package allocator
