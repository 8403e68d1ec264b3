package allocator

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
)

// ServerDeps holds the allocation server collaborators. Publisher and Self
// are required.
type ServerDeps struct {
	Publisher Publisher
	// Self returns the serving node's id. Anonymous nodes do not answer.
	Self func() message.NodeID
	// Occupied reports ids currently seen on the bus.
	Occupied func() []message.NodeID
	Logger   *slog.Logger
	Priority message.Priority
}

// Server answers anonymous allocation requests on the bus. A node asking
// again with the same unique id hash gets the id it was granted before.
type Server struct {
	pub      Publisher
	self     func() message.NodeID
	occupied func() []message.NodeID
	logger   *slog.Logger
	priority message.Priority

	mu       sync.Mutex
	granted  map[uint64]message.NodeID
	fallback *Fallback
	answered uint64
}

// NewServer creates an allocation server.
func NewServer(deps ServerDeps) (*Server, error) {
	if deps.Publisher == nil || deps.Self == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: publisher and self are required", errors.ErrInvalidParameter),
			"allocator", "NewServer", "validate deps")
	}
	if !deps.Priority.Valid() {
		deps.Priority = message.PriorityNominal
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "allocator")
	}
	return &Server{
		pub:      deps.Publisher,
		self:     deps.Self,
		occupied: deps.Occupied,
		logger:   logger,
		priority: deps.Priority,
		granted:  make(map[uint64]message.NodeID),
		fallback: NewFallback(0),
	}, nil
}

// HandleTransfer answers t when it is an anonymous allocation request. It
// reports whether an answer was published.
func (s *Server) HandleTransfer(t *message.Transfer) (bool, error) {
	if t == nil || t.PortID != message.SubjectNodeIDAllocation || !t.IsAnonymous {
		return false, nil
	}
	self := s.self()
	if !self.Valid() {
		return false, nil
	}
	hash, preferred, err := DecodeAllocationData(t.Payload)
	if err != nil {
		return false, errors.WrapInvalid(err, "allocator", "HandleTransfer", "decode allocation request")
	}

	s.mu.Lock()
	id, ok := s.pickLocked(hash, preferred, self)
	if ok {
		s.granted[hash] = id
	}
	s.mu.Unlock()
	if !ok {
		return false, errors.WrapKind(errors.KindAllocationFailed, nil, "allocator", "HandleTransfer", "pick free id")
	}

	answer, err := message.New(message.SubjectNodeIDAllocation, s.priority, EncodeAllocationData(hash, id))
	if err != nil {
		return false, errors.WrapInvalid(err, "allocator", "HandleTransfer", "build answer")
	}
	if err := s.pub.Publish(answer); err != nil {
		return false, errors.Wrap(err, "allocator", "HandleTransfer", "publish answer")
	}

	s.mu.Lock()
	s.answered++
	s.mu.Unlock()
	s.logger.Debug("Allocation request answered", "id", id.String(), "hash", fmt.Sprintf("%012x", hash))
	return true, nil
}

func (s *Server) pickLocked(hash uint64, preferred, self message.NodeID) (message.NodeID, bool) {
	taken := map[message.NodeID]struct{}{self: {}}
	if s.occupied != nil {
		for _, id := range s.occupied() {
			taken[id] = struct{}{}
		}
	}
	for h, id := range s.granted {
		if h != hash {
			taken[id] = struct{}{}
		}
	}
	isTaken := func(id message.NodeID) bool {
		_, ok := taken[id]
		return ok
	}

	if prev, ok := s.granted[hash]; ok {
		return prev, true
	}
	if preferred.Valid() && !isTaken(preferred) {
		return preferred, true
	}
	return s.fallback.Next(isTaken)
}

// Answered returns how many requests were answered.
func (s *Server) Answered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered
}

// Granted returns the id granted to hash, if any.
func (s *Server) Granted(hash uint64) (message.NodeID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.granted[hash]
	return id, ok
}

// Forget drops every grant.
func (s *Server) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted = make(map[uint64]message.NodeID)
}
