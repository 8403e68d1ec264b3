package allocator

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"golang.org/x/time/rate"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
)

const (
	hashSize = 6
	hashMask = 1<<48 - 1

	// AllocationDataMaxSize is the size of an allocation message carrying an id.
	AllocationDataMaxSize = hashSize + 1 + 2
)

// PnP defaults.
const (
	DefaultRequestPeriod = time.Second
	DefaultPnPTimeout    = 30 * time.Second
)

// UniqueIDHash returns the 48-bit hash of a node's unique id carried in
// allocation messages.
func UniqueIDHash(id uuid.UUID) uint64 {
	return murmur3.Sum64(id[:]) & hashMask
}

// EncodeAllocationData builds an allocation message: the 48-bit unique id
// hash followed by a node id array of length zero or one.
func EncodeAllocationData(hash uint64, id message.NodeID) []byte {
	buf := make([]byte, hashSize+1, AllocationDataMaxSize)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], hash&hashMask)
	copy(buf, tmp[:hashSize])
	if id.Valid() {
		buf[hashSize] = 1
		buf = binary.LittleEndian.AppendUint16(buf, uint16(id))
	}
	return buf
}

// DecodeAllocationData parses an allocation message. id is NodeIDUnset when
// the message carries none.
func DecodeAllocationData(p []byte) (hash uint64, id message.NodeID, err error) {
	if len(p) < hashSize+1 {
		return 0, message.NodeIDUnset, fmt.Errorf("%w: allocation data of %d bytes", errors.ErrInvalidParameter, len(p))
	}
	var tmp [8]byte
	copy(tmp[:], p[:hashSize])
	hash = binary.LittleEndian.Uint64(tmp[:])

	switch p[hashSize] {
	case 0:
		return hash, message.NodeIDUnset, nil
	case 1:
		if len(p) < AllocationDataMaxSize {
			return 0, message.NodeIDUnset, fmt.Errorf("%w: truncated node id", errors.ErrInvalidParameter)
		}
		raw := binary.LittleEndian.Uint16(p[hashSize+1:])
		if raw > uint16(message.NodeIDMax) {
			return 0, message.NodeIDUnset, fmt.Errorf("%w: node id %d", errors.ErrInvalidParameter, raw)
		}
		return hash, message.NodeID(raw), nil
	default:
		return 0, message.NodeIDUnset, fmt.Errorf("%w: node id array length %d", errors.ErrInvalidParameter, p[hashSize])
	}
}

// Publisher sends a transfer on the bus.
type Publisher interface {
	Publish(t *message.Transfer) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(t *message.Transfer) error

// Publish calls f.
func (f PublisherFunc) Publish(t *message.Transfer) error { return f(t) }

// PnPConfig configures a PnPNegotiator.
type PnPConfig struct {
	UniqueID uuid.UUID
	// RequestPeriod paces allocation requests.
	RequestPeriod time.Duration
	// Timeout bounds one negotiation. When it passes without an answer the
	// negotiation fails, or falls back to a local id when FallbackOnTimeout
	// is set.
	Timeout           time.Duration
	FallbackOnTimeout bool
	Priority          message.Priority
}

// PnPNegotiator runs the plug-and-play exchange: it publishes anonymous
// allocation requests carrying its unique id hash and waits for an allocator
// on the bus to answer with the same hash and an id.
type PnPNegotiator struct {
	cfg       PnPConfig
	hash      uint64
	publisher Publisher
	clock     clock.Clock
	logger    *slog.Logger
	local     *LocalNegotiator

	mu       sync.Mutex
	limiter  *rate.Limiter
	started  time.Time
	offered  message.NodeID
	sent     uint64
	answered bool
}

// NewPnPNegotiator creates a negotiator that publishes through pub.
func NewPnPNegotiator(cfg PnPConfig, pub Publisher, clk clock.Clock, logger *slog.Logger) (*PnPNegotiator, error) {
	if pub == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: nil publisher", errors.ErrInvalidParameter),
			"allocator", "NewPnPNegotiator", "validate publisher")
	}
	if cfg.UniqueID == uuid.Nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: nil unique id", errors.ErrInvalidParameter),
			"allocator", "NewPnPNegotiator", "validate unique id")
	}
	if cfg.RequestPeriod <= 0 {
		cfg.RequestPeriod = DefaultRequestPeriod
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPnPTimeout
	}
	if !cfg.Priority.Valid() {
		cfg.Priority = message.PriorityNominal
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default().With("component", "allocator")
	}
	hash := UniqueIDHash(cfg.UniqueID)
	p := &PnPNegotiator{
		cfg:       cfg,
		hash:      hash,
		publisher: pub,
		clock:     clk,
		logger:    logger,
		local:     NewLocalNegotiator(hash),
		offered:   message.NodeIDUnset,
	}
	p.Reset()
	return p, nil
}

// Hash returns the unique id hash this node advertises.
func (p *PnPNegotiator) Hash() uint64 {
	return p.hash
}

// Sent returns how many allocation requests were published.
func (p *PnPNegotiator) Sent() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// Negotiate implements Negotiator.
func (p *PnPNegotiator) Negotiate(ctx context.Context, req Request) (message.NodeID, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if p.started.IsZero() {
		p.started = now
	}

	if p.answered && p.offered.Valid() && !req.Taken(p.offered) {
		return p.offered, true, nil
	}
	p.answered = false

	if now.Sub(p.started) >= p.cfg.Timeout {
		if p.cfg.FallbackOnTimeout {
			p.logger.Warn("No allocator answered, using local id", "after", p.cfg.Timeout)
			return p.local.Negotiate(ctx, req)
		}
		return message.NodeIDUnset, true, fmt.Errorf("%w: no allocator answered within %v",
			errors.ErrAllocationFailed, p.cfg.Timeout)
	}

	if p.limiter.AllowN(now, 1) {
		preferred := req.Preferred
		if req.Taken(preferred) {
			preferred = message.NodeIDUnset
		}
		t, err := message.New(message.SubjectNodeIDAllocation, p.cfg.Priority,
			EncodeAllocationData(p.hash, preferred), message.Anonymous())
		if err != nil {
			return message.NodeIDUnset, true, err
		}
		if err := p.publisher.Publish(t); err != nil {
			p.logger.Debug("Allocation request not sent", "error", err)
		} else {
			p.sent++
		}
	}
	return message.NodeIDUnset, false, nil
}

// HandleTransfer consumes a transfer from the allocation subject. Requests
// from other anonymous nodes and answers for other hashes are ignored. It
// reports whether the transfer answered this node.
func (p *PnPNegotiator) HandleTransfer(t *message.Transfer) bool {
	if t == nil || t.PortID != message.SubjectNodeIDAllocation || t.IsAnonymous {
		return false
	}
	hash, id, err := DecodeAllocationData(t.Payload)
	if err != nil || hash != p.hash || !id.Valid() {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.offered = id
	p.answered = true
	p.logger.Debug("Allocation answered", "id", id.String(), "allocator", t.Source.String())
	return true
}

// Reset implements Negotiator.
func (p *PnPNegotiator) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiter = rate.NewLimiter(rate.Every(p.cfg.RequestPeriod), 1)
	p.started = time.Time{}
	p.offered = message.NodeIDUnset
	p.answered = false
}
