package allocator

import (
	"fmt"

	"github.com/c360/cyphalnode/message"
)

// State is the allocation state.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateConflictDetected
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateConflictDetected:
		return "conflict_detected"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind says what a Process step produced.
type EventKind int

const (
	EventNone EventKind = iota
	EventCompleted
	EventConflict
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventCompleted:
		return "completed"
	case EventConflict:
		return "conflict"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is the outcome of one Process step. For EventCompleted, Success
// reports whether an id was obtained. For EventConflict, NodeID is the id
// that was lost.
type Event struct {
	Kind    EventKind
	NodeID  message.NodeID
	Success bool
}

// Listener hears about allocation completions.
type Listener interface {
	OnAllocation(id message.NodeID, ok bool)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(id message.NodeID, ok bool)

// OnAllocation calls f.
func (f ListenerFunc) OnAllocation(id message.NodeID, ok bool) { f(id, ok) }
