package message

import (
	"fmt"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/pkg/timestamp"
)

// MaxPayloadSize is the largest payload a single transfer may carry.
const MaxPayloadSize = 1024

// Transfer is one logical bus transfer.
type Transfer struct {
	PortID           PortID
	Priority         Priority
	Payload          []byte
	Timestamp        timestamp.Micros
	Source           NodeID
	Destination      NodeID
	IsServiceRequest bool
	IsAnonymous      bool

	// TransferID is assigned by the transport session and is not part of
	// the compact header.
	TransferID uint64
}

// Option configures a Transfer built by New.
type Option func(*Transfer)

// WithSource sets the source node id.
func WithSource(id NodeID) Option {
	return func(t *Transfer) { t.Source = id }
}

// WithDestination sets the destination node id.
func WithDestination(id NodeID) Option {
	return func(t *Transfer) { t.Destination = id }
}

// AsRequest marks the transfer as a service request to dst.
func AsRequest(dst NodeID) Option {
	return func(t *Transfer) {
		t.IsServiceRequest = true
		t.Destination = dst
	}
}

// AsResponse marks the transfer as a service response to dst.
func AsResponse(dst NodeID) Option {
	return func(t *Transfer) {
		t.IsServiceRequest = false
		t.Destination = dst
	}
}

// Anonymous marks the transfer as sent by a node without an id.
func Anonymous() Option {
	return func(t *Transfer) {
		t.IsAnonymous = true
		t.Source = NodeIDUnset
	}
}

// WithTimestamp overrides the creation timestamp.
func WithTimestamp(ts timestamp.Micros) Option {
	return func(t *Transfer) { t.Timestamp = ts }
}

// WithTransferID sets the transfer id.
func WithTransferID(id uint64) Option {
	return func(t *Transfer) { t.TransferID = id }
}

// New builds and validates a transfer. The payload is copied.
func New(port PortID, priority Priority, payload []byte, opts ...Option) (*Transfer, error) {
	t := &Transfer{
		PortID:      port,
		Priority:    priority,
		Timestamp:   timestamp.Now(),
		Source:      NodeIDUnset,
		Destination: NodeIDUnset,
	}
	if len(payload) > 0 {
		t.Payload = append([]byte(nil), payload...)
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := Validate(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Kind derives the transfer shape from its flags: a service request, a
// service response (addressed, not a request) or a broadcast message.
func (t *Transfer) Kind() Kind {
	switch {
	case t.IsServiceRequest:
		return KindRequest
	case t.Destination != NodeIDUnset:
		return KindResponse
	default:
		return KindMessage
	}
}

// Clone returns a deep copy.
func (t *Transfer) Clone() *Transfer {
	c := *t
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	return &c
}

func (t *Transfer) String() string {
	return fmt.Sprintf("%s port=%d prio=%s src=%s dst=%s len=%d tid=%d",
		t.Kind(), t.PortID, t.Priority, t.Source, t.Destination, len(t.Payload), t.TransferID)
}

// Validate checks every field against the bus limits.
func Validate(t *Transfer) error {
	if t == nil {
		return fmt.Errorf("%w: nil transfer", errors.ErrInvalidParameter)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: priority %d out of range", errors.ErrInvalidParameter, t.Priority)
	}
	if len(t.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload %d bytes exceeds %d", errors.ErrInvalidParameter, len(t.Payload), MaxPayloadSize)
	}
	if !t.Source.Valid() && !t.Source.IsUnset() {
		return fmt.Errorf("%w: source node id %d", errors.ErrInvalidParameter, t.Source)
	}
	if !t.Destination.Valid() && !t.Destination.IsUnset() {
		return fmt.Errorf("%w: destination node id %d", errors.ErrInvalidParameter, t.Destination)
	}

	switch t.Kind() {
	case KindMessage:
		if t.PortID > SubjectIDMax {
			return fmt.Errorf("%w: subject id %d exceeds %d", errors.ErrInvalidParameter, t.PortID, SubjectIDMax)
		}
	case KindRequest, KindResponse:
		if t.PortID > ServiceIDMax {
			return fmt.Errorf("%w: service id %d exceeds %d", errors.ErrInvalidParameter, t.PortID, ServiceIDMax)
		}
		if t.Destination.IsUnset() {
			return fmt.Errorf("%w: service transfer without destination", errors.ErrInvalidParameter)
		}
		if t.IsAnonymous {
			return fmt.Errorf("%w: anonymous nodes cannot use services", errors.ErrInvalidParameter)
		}
	}

	if t.IsAnonymous && !t.Source.IsUnset() {
		return fmt.Errorf("%w: anonymous transfer with source %d", errors.ErrInvalidParameter, t.Source)
	}
	return nil
}

// IsValid reports whether Validate accepts t.
func IsValid(t *Transfer) bool {
	return Validate(t) == nil
}
