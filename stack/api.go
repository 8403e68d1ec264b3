package stack

import (
	"context"
	"fmt"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
)

// Publish queues a broadcast message. The source is set to the local node
// id; a node without an id publishes anonymously. It waits at most the
// configured push timeout for queue space.
func (s *Stack) Publish(t *message.Transfer) error {
	return s.submit("Publish", t, message.KindMessage)
}

// Request queues a service request to t.Destination.
func (s *Stack) Request(t *message.Transfer) error {
	return s.submit("Request", t, message.KindRequest)
}

// Respond queues the response to request with payload. The response reuses
// the request's port, priority and transfer id.
func (s *Stack) Respond(request *message.Transfer, payload []byte) error {
	if request == nil || request.Kind() != message.KindRequest {
		return errors.WrapInvalid(fmt.Errorf("%w: not a service request", errors.ErrInvalidParameter),
			"stack", "Respond", "validate request")
	}
	resp, err := message.New(request.PortID, request.Priority, payload,
		message.AsResponse(request.Source),
		message.WithTransferID(request.TransferID))
	if err != nil {
		return errors.WrapInvalid(err, "stack", "Respond", "build response")
	}
	return s.submit("Respond", resp, message.KindResponse)
}

func (s *Stack) submit(method string, t *message.Transfer, kind message.Kind) error {
	if t == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: nil transfer", errors.ErrInvalidParameter), "stack", method, "validate transfer")
	}
	if !s.node.IsInitialized() {
		return errors.WrapInvalid(errors.ErrNotInitialized, "stack", method, "check state")
	}
	if s.offBus() {
		return errors.WrapTransient(errors.ErrIsolated, "stack", method, "check stability")
	}

	out := t.Clone()
	out.Source = s.node.ID()
	out.IsAnonymous = !out.Source.Valid()
	if err := message.Validate(out); err != nil {
		return errors.WrapInvalid(err, "stack", method, "validate transfer")
	}
	if out.Kind() != kind {
		return errors.WrapInvalid(fmt.Errorf("%w: %s transfer passed to %s", errors.ErrInvalidParameter, out.Kind(), method),
			"stack", method, "validate transfer kind")
	}

	if err := s.queue.PushWait(out, s.cfg.Queue.PushTimeout); err != nil {
		if errors.KindOf(err) == errors.KindQueueFull {
			s.report(context.Background(), err, errors.KindQueueFull, "stack", "Transmit queue full", uint32(out.PortID))
		}
		return err
	}
	return nil
}

// Subscribe registers h for messages on subject and joins its group. More
// than one handler may be registered for a subject.
func (s *Stack) Subscribe(subject message.PortID, h Handler) error {
	if subject > message.SubjectIDMax || h == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: subject %d", errors.ErrInvalidParameter, subject),
			"stack", "Subscribe", "validate subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first := len(s.subjects[subject]) == 0
	if first && s.bridge.IsInitialized() {
		if err := s.bridge.Subscribe(subject); err != nil {
			return errors.Wrap(err, "stack", "Subscribe", fmt.Sprintf("join subject %d", subject))
		}
	}
	s.subjects[subject] = append(s.subjects[subject], h)
	return nil
}

// HandleService registers h for requests and responses on service.
func (s *Stack) HandleService(service message.PortID, h Handler) error {
	if service > message.ServiceIDMax || h == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: service %d", errors.ErrInvalidParameter, service),
			"stack", "HandleService", "validate handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[service] = append(s.services[service], h)
	return nil
}
