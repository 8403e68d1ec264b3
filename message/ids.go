package message

import "fmt"

// NodeID identifies a node on the bus.
type NodeID uint8

const (
	// NodeIDMax is the highest assignable node id.
	NodeIDMax NodeID = 127
	// NodeIDUnset marks an anonymous node or a broadcast destination.
	NodeIDUnset NodeID = 0xFF
)

// Valid reports whether id is assignable (0..NodeIDMax).
func (id NodeID) Valid() bool {
	return id <= NodeIDMax
}

// IsUnset reports whether id is the unset marker.
func (id NodeID) IsUnset() bool {
	return id == NodeIDUnset
}

func (id NodeID) String() string {
	if id == NodeIDUnset {
		return "unset"
	}
	return fmt.Sprintf("%d", uint8(id))
}

// PortID is a subject id (messages) or a service id (requests and responses).
type PortID uint16

const (
	// SubjectIDMax is the highest subject id.
	SubjectIDMax PortID = 8191
	// ServiceIDMax is the highest service id.
	ServiceIDMax PortID = 511
)

// Well-known ports.
const (
	SubjectHeartbeat         PortID = 7509
	SubjectNodeIDAllocation  PortID = 8166
	SubjectDiagnosticsRecord PortID = 8184
	ServiceGetInfo           PortID = 430
)

// Priority orders transfers. Lower values are more urgent.
type Priority uint8

const (
	PriorityExceptional Priority = iota
	PriorityImmediate
	PriorityFast
	PriorityHigh
	PriorityNominal
	PriorityLow
	PrioritySlow
	PriorityOptional
)

// NumPriorities is the number of priority levels.
const NumPriorities = 8

// Valid reports whether p is one of the eight defined levels.
func (p Priority) Valid() bool {
	return p < NumPriorities
}

func (p Priority) String() string {
	switch p {
	case PriorityExceptional:
		return "exceptional"
	case PriorityImmediate:
		return "immediate"
	case PriorityFast:
		return "fast"
	case PriorityHigh:
		return "high"
	case PriorityNominal:
		return "nominal"
	case PriorityLow:
		return "low"
	case PrioritySlow:
		return "slow"
	case PriorityOptional:
		return "optional"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// Kind distinguishes the three transfer shapes.
type Kind uint8

const (
	KindMessage Kind = iota
	KindRequest
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}
