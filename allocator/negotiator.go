package allocator

import (
	"context"
	"fmt"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
)

// Request is what a Negotiator is asked for on each Process step.
type Request struct {
	Preferred message.NodeID
	Excluded  map[message.NodeID]struct{}
}

// Taken reports whether id must not be allocated.
func (r Request) Taken(id message.NodeID) bool {
	_, ok := r.Excluded[id]
	return ok
}

// Negotiator obtains a node id. Negotiate must not block: it returns
// done=false while an answer is still pending and is called again on the next
// Process step. An error ends the attempt.
type Negotiator interface {
	Negotiate(ctx context.Context, req Request) (id message.NodeID, done bool, err error)
	// Reset abandons any attempt in progress.
	Reset()
}

// LocalNegotiator decides immediately: the preferred id when it is valid and
// free, otherwise the next free fallback id.
type LocalNegotiator struct {
	fallback *Fallback
}

// NewLocalNegotiator returns a negotiator whose fallback derives from seed.
func NewLocalNegotiator(seed uint64) *LocalNegotiator {
	return &LocalNegotiator{fallback: NewFallback(seed)}
}

// Negotiate implements Negotiator.
func (l *LocalNegotiator) Negotiate(_ context.Context, req Request) (message.NodeID, bool, error) {
	if req.Preferred.Valid() && !req.Taken(req.Preferred) {
		return req.Preferred, true, nil
	}
	id, ok := l.fallback.Next(req.Taken)
	if !ok {
		return message.NodeIDUnset, true, fmt.Errorf("%w: no free node id", errors.ErrAllocationFailed)
	}
	return id, true, nil
}

// Reset implements Negotiator.
func (l *LocalNegotiator) Reset() {}
