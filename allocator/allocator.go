package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/pkg/guard"
)

// DefaultLockTimeout bounds every wait for the allocator lock.
const DefaultLockTimeout = 50 * time.Millisecond

// Deps holds the allocator collaborators.
type Deps struct {
	// Negotiator obtains the id. A LocalNegotiator seeded with 0 is used when nil.
	Negotiator Negotiator
	Listener   Listener
	// Occupied reports ids currently seen on the bus. They are never allocated.
	Occupied    func() []message.NodeID
	Logger      *slog.Logger
	LockTimeout time.Duration
}

// Allocator is safe for concurrent use. Every method waits at most the lock
// timeout for the allocator lock.
type Allocator struct {
	mu          *guard.Mutex
	lockTimeout time.Duration
	negotiator  Negotiator
	occupied    func() []message.NodeID
	logger      *slog.Logger

	state     State
	preferred message.NodeID
	allocated message.NodeID
	conflict  message.NodeID
	pending   bool
	excluded  map[message.NodeID]struct{}
	listener  Listener
}

// New creates an idle allocator that will prefer preferred. NodeIDUnset
// means no preference.
func New(preferred message.NodeID, deps Deps) (*Allocator, error) {
	if !preferred.IsUnset() && !preferred.Valid() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: preferred id %d", errors.ErrInvalidParameter, preferred),
			"allocator", "New", "validate preferred id")
	}
	a := &Allocator{
		mu:          guard.NewMutex(),
		lockTimeout: deps.LockTimeout,
		negotiator:  deps.Negotiator,
		occupied:    deps.Occupied,
		logger:      deps.Logger,
		listener:    deps.Listener,
		preferred:   preferred,
		allocated:   message.NodeIDUnset,
		conflict:    message.NodeIDUnset,
		excluded:    make(map[message.NodeID]struct{}),
	}
	if a.lockTimeout <= 0 {
		a.lockTimeout = DefaultLockTimeout
	}
	if a.negotiator == nil {
		a.negotiator = NewLocalNegotiator(0)
	}
	if a.logger == nil {
		a.logger = slog.Default().With("component", "allocator")
	}
	return a, nil
}

func (a *Allocator) lock(method string) error {
	if err := a.mu.Lock(a.lockTimeout); err != nil {
		return errors.WrapTransient(err, "allocator", method, "acquire allocator lock")
	}
	return nil
}

// SetListener replaces the completion listener.
func (a *Allocator) SetListener(l Listener) error {
	if err := a.lock("SetListener"); err != nil {
		return err
	}
	defer a.mu.Unlock()
	a.listener = l
	return nil
}

// SetPreferred changes the preferred id for the next allocation.
func (a *Allocator) SetPreferred(id message.NodeID) error {
	if !id.IsUnset() && !id.Valid() {
		return errors.WrapInvalid(fmt.Errorf("%w: preferred id %d", errors.ErrInvalidParameter, id),
			"allocator", "SetPreferred", "validate preferred id")
	}
	if err := a.lock("SetPreferred"); err != nil {
		return err
	}
	defer a.mu.Unlock()
	a.preferred = id
	return nil
}

// Start begins an allocation. It is a no-op while already requesting and
// fails once complete; call Reset to allocate again.
func (a *Allocator) Start() error {
	if err := a.lock("Start"); err != nil {
		return err
	}
	defer a.mu.Unlock()

	switch a.state {
	case StateRequesting:
		return nil
	case StateComplete:
		return errors.WrapInvalid(fmt.Errorf("%w: allocation already complete", errors.ErrInvalidParameter),
			"allocator", "Start", "check state")
	}
	a.negotiator.Reset()
	a.state = StateRequesting
	a.pending = false
	a.logger.Debug("Allocation started", "preferred", a.preferred.String())
	return nil
}

// Process advances the allocation by one step.
func (a *Allocator) Process(ctx context.Context) (Event, error) {
	if err := a.lock("Process"); err != nil {
		return Event{}, err
	}

	switch a.state {
	case StateConflictDetected:
		ev := Event{}
		if a.pending {
			a.pending = false
			ev = Event{Kind: EventConflict, NodeID: a.conflict}
		}
		a.mu.Unlock()
		return ev, nil
	case StateRequesting:
	default:
		a.mu.Unlock()
		return Event{}, nil
	}

	req := a.requestLocked()
	id, done, err := a.negotiator.Negotiate(ctx, req)
	if !done && err == nil {
		a.mu.Unlock()
		return Event{}, nil
	}
	if err == nil && (!id.Valid() || req.Taken(id)) {
		err = fmt.Errorf("%w: negotiator returned unusable id %s", errors.ErrAllocationFailed, id)
	}

	var ev Event
	if err != nil {
		a.state = StateIdle
		ev = Event{Kind: EventCompleted, NodeID: message.NodeIDUnset}
		err = errors.WrapKind(errors.KindAllocationFailed, err, "allocator", "Process", "negotiate node id")
	} else {
		a.state = StateComplete
		a.allocated = id
		ev = Event{Kind: EventCompleted, NodeID: id, Success: true}
	}
	l := a.listener
	a.mu.Unlock()

	if ev.Success {
		a.logger.Info("Node id allocated", "id", id.String())
	} else {
		a.logger.Warn("Node id allocation failed", "error", err)
	}
	if l != nil {
		l.OnAllocation(ev.NodeID, ev.Success)
	}
	return ev, err
}

func (a *Allocator) requestLocked() Request {
	excluded := make(map[message.NodeID]struct{}, len(a.excluded))
	for id := range a.excluded {
		excluded[id] = struct{}{}
	}
	if a.occupied != nil {
		for _, id := range a.occupied() {
			excluded[id] = struct{}{}
		}
	}
	return Request{Preferred: a.preferred, Excluded: excluded}
}

// DetectConflict reports that another node uses id. When id is the
// allocated id, or the preferred id while requesting, the allocator moves to
// ConflictDetected and the next Process returns an EventConflict. It reports
// whether the conflict affected this node.
func (a *Allocator) DetectConflict(id message.NodeID) (bool, error) {
	if !id.Valid() {
		return false, nil
	}
	if err := a.lock("DetectConflict"); err != nil {
		return false, err
	}
	defer a.mu.Unlock()

	affected := false
	switch a.state {
	case StateComplete:
		affected = id == a.allocated
	case StateRequesting:
		affected = id == a.preferred
	}
	if !affected {
		return false, nil
	}

	a.excluded[id] = struct{}{}
	a.conflict = id
	a.pending = true
	a.allocated = message.NodeIDUnset
	a.state = StateConflictDetected
	a.negotiator.Reset()
	a.logger.Warn("Node id conflict detected", "id", id.String())
	return true, nil
}

// State returns the current state.
func (a *Allocator) State() State {
	if err := a.lock("State"); err != nil {
		return StateIdle
	}
	defer a.mu.Unlock()
	return a.state
}

// IsComplete reports whether an id was allocated.
func (a *Allocator) IsComplete() bool {
	return a.State() == StateComplete
}

// AllocatedID returns the allocated id, NodeIDUnset until complete.
func (a *Allocator) AllocatedID() message.NodeID {
	if err := a.lock("AllocatedID"); err != nil {
		return message.NodeIDUnset
	}
	defer a.mu.Unlock()
	return a.allocated
}

// Reset returns to Idle and forgets allocated and excluded ids.
func (a *Allocator) Reset() error {
	if err := a.lock("Reset"); err != nil {
		return err
	}
	defer a.mu.Unlock()
	a.state = StateIdle
	a.allocated = message.NodeIDUnset
	a.conflict = message.NodeIDUnset
	a.pending = false
	a.excluded = make(map[message.NodeID]struct{})
	a.negotiator.Reset()
	return nil
}
