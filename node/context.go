package node

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/metric"
)

// Snapshot is a consistent copy of the node context.
type Snapshot struct {
	ID           message.NodeID `json:"id"`
	UniqueID     uuid.UUID      `json:"unique_id"`
	Health       Health         `json:"health"`
	Mode         Mode           `json:"mode"`
	Uptime       uint32         `json:"uptime"`
	VendorStatus uint8          `json:"vendor_status"`
	Initialized  bool           `json:"initialized"`
	Started      bool           `json:"started"`
}

// Status returns the heartbeat view of the snapshot.
func (s Snapshot) Status() Status {
	return Status{Uptime: s.Uptime, Health: s.Health, Mode: s.Mode, VendorStatus: s.VendorStatus}
}

// Context is safe for concurrent use.
type Context struct {
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metric.Metrics

	mu           sync.RWMutex
	id           message.NodeID
	uniqueID     uuid.UUID
	health       Health
	mode         Mode
	vendorStatus uint8
	uptime       uint32
	start        time.Time
	initialized  bool
	started      bool
}

// Option configures a Context.
type Option func(*Context)

// WithClock sets the clock uptime is measured on.
func WithClock(c clock.Clock) Option {
	return func(n *Context) { n.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Context) { n.logger = l }
}

// WithMetrics publishes the node state to the node gauges.
func WithMetrics(m *metric.Metrics) Option {
	return func(n *Context) { n.metrics = m }
}

// WithUniqueID sets the 128-bit unique id. A random one is generated otherwise.
func WithUniqueID(id uuid.UUID) Option {
	return func(n *Context) { n.uniqueID = id }
}

// New returns a context with an unset id, nominal health and
// initialization mode.
func New(opts ...Option) *Context {
	n := &Context{
		id:   message.NodeIDUnset,
		mode: ModeInitialization,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.clock == nil {
		n.clock = clock.New()
	}
	if n.logger == nil {
		n.logger = slog.Default().With("component", "node")
	}
	if n.uniqueID == uuid.Nil {
		n.uniqueID = uuid.New()
	}
	n.start = n.clock.Now()
	n.record()
	return n
}

// ID returns the node id, NodeIDUnset while anonymous.
func (n *Context) ID() message.NodeID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.id
}

// SetID sets the node id. NodeIDUnset is always accepted; any other value
// above NodeIDMax is rejected and leaves the id untouched.
func (n *Context) SetID(id message.NodeID) error {
	if !id.IsUnset() && !id.Valid() {
		return errors.WrapInvalid(fmt.Errorf("%w: node id %d out of range", errors.ErrInvalidParameter, id),
			"node", "SetID", "validate node id")
	}
	n.mu.Lock()
	old := n.id
	n.id = id
	if n.started {
		switch {
		case id.IsUnset():
			n.mode = ModeInitialization
		case n.mode == ModeInitialization:
			n.mode = ModeOperational
		}
	}
	n.mu.Unlock()

	if old != id {
		n.logger.Info("Node id changed", "from", old.String(), "to", id.String())
	}
	n.record()
	return nil
}

// UniqueID returns the 128-bit unique id.
func (n *Context) UniqueID() uuid.UUID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.uniqueID
}

// Health returns the current health.
func (n *Context) Health() Health {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.health
}

// SetHealth sets health to any defined value.
func (n *Context) SetHealth(h Health) error {
	if !h.Valid() {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidParameter, h),
			"node", "SetHealth", "validate health")
	}
	n.mu.Lock()
	old := n.health
	n.health = h
	n.mu.Unlock()

	if h < old {
		n.logger.Warn("Node health improved", "from", old.String(), "to", h.String())
	}
	n.record()
	return nil
}

// Worsen sets health to h only when h is worse than the current health. It
// reports whether health changed.
func (n *Context) Worsen(h Health) (bool, error) {
	if !h.Valid() {
		return false, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidParameter, h),
			"node", "Worsen", "validate health")
	}
	n.mu.Lock()
	changed := h > n.health
	if changed {
		n.health = h
	}
	n.mu.Unlock()

	if changed {
		n.record()
	}
	return changed, nil
}

// Mode returns the current mode.
func (n *Context) Mode() Mode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mode
}

// SetMode sets the mode. Undefined modes are rejected.
func (n *Context) SetMode(m Mode) error {
	if !m.Valid() {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidParameter, m),
			"node", "SetMode", "validate mode")
	}
	n.mu.Lock()
	n.mode = m
	n.mu.Unlock()
	n.record()
	return nil
}

// VendorStatus returns the vendor-specific status byte.
func (n *Context) VendorStatus() uint8 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.vendorStatus
}

// SetVendorStatus sets the vendor-specific status byte.
func (n *Context) SetVendorStatus(v uint8) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.vendorStatus = v
}

// UpdateUptime recomputes uptime from the start time and returns it. Uptime
// never decreases.
func (n *Context) UpdateUptime() uint32 {
	n.mu.Lock()
	elapsed := n.clock.Since(n.start)
	if secs := uint32(elapsed / time.Second); secs > n.uptime {
		n.uptime = secs
	}
	up := n.uptime
	n.mu.Unlock()

	n.record()
	return up
}

// Uptime returns the uptime in seconds as of the last UpdateUptime.
func (n *Context) Uptime() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.uptime
}

// MarkInitialized records that the stack finished Init.
func (n *Context) MarkInitialized() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.initialized = true
}

// MarkStarted records that the stack is running. The mode becomes
// operational once the node has an id and stays initialization until then.
func (n *Context) MarkStarted() {
	n.mu.Lock()
	n.started = true
	if n.id.IsUnset() {
		n.mode = ModeInitialization
	} else {
		n.mode = ModeOperational
	}
	n.mu.Unlock()
	n.record()
}

// MarkStopped records that the stack stopped and switches to offline mode.
func (n *Context) MarkStopped() {
	n.mu.Lock()
	n.started = false
	n.mode = ModeOffline
	n.mu.Unlock()
	n.record()
}

// IsInitialized reports whether MarkInitialized was called since the last Reset.
func (n *Context) IsInitialized() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.initialized
}

// IsStarted reports whether the stack is running.
func (n *Context) IsStarted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started
}

// Reset returns to the state New produced, keeping the unique id.
func (n *Context) Reset() {
	n.mu.Lock()
	n.id = message.NodeIDUnset
	n.health = HealthNominal
	n.mode = ModeInitialization
	n.vendorStatus = 0
	n.uptime = 0
	n.start = n.clock.Now()
	n.initialized = false
	n.started = false
	n.mu.Unlock()
	n.record()
}

// Snapshot returns a consistent copy of the context.
func (n *Context) Snapshot() Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Snapshot{
		ID:           n.id,
		UniqueID:     n.uniqueID,
		Health:       n.health,
		Mode:         n.mode,
		Uptime:       n.uptime,
		VendorStatus: n.vendorStatus,
		Initialized:  n.initialized,
		Started:      n.started,
	}
}

func (n *Context) record() {
	if n.metrics == nil {
		return
	}
	s := n.Snapshot()
	n.metrics.RecordNodeState(uint8(s.ID), int(s.Health), int(s.Mode), s.Uptime)
}
