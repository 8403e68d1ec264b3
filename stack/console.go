package stack

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/cyphalnode/errorhandler"
	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/health"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/mirror"
	"github.com/c360/cyphalnode/node"
	"github.com/c360/cyphalnode/pkg/worker"
	"github.com/c360/cyphalnode/stability"
	"github.com/c360/cyphalnode/transport"
	"github.com/c360/cyphalnode/txqueue"
)

// NodeID returns the local node id.
func (s *Stack) NodeID() message.NodeID {
	return s.node.ID()
}

// SetNodeID sets a static node id and abandons any running allocation.
// NodeIDUnset makes the node anonymous and, once initialized, starts
// allocating again.
func (s *Stack) SetNodeID(id message.NodeID) error {
	if !id.Valid() && !id.IsUnset() {
		return errors.WrapInvalid(fmt.Errorf("%w: node id %d", errors.ErrInvalidParameter, id),
			"stack", "SetNodeID", "validate node id")
	}
	if err := s.allocator.Reset(); err != nil {
		return errors.Wrap(err, "stack", "SetNodeID", "reset allocator")
	}
	if err := s.assignID(id); err != nil {
		return errors.Wrap(err, "stack", "SetNodeID", "apply node id")
	}
	if id.IsUnset() && s.node.IsInitialized() {
		if err := s.allocator.Start(); err != nil {
			return errors.Wrap(err, "stack", "SetNodeID", "start allocation")
		}
	}
	return nil
}

// Health returns the node health.
func (s *Stack) Health() node.Health {
	return s.node.Health()
}

// SetHealth sets the node health.
func (s *Stack) SetHealth(h node.Health) error {
	return s.node.SetHealth(h)
}

// Mode returns the node mode.
func (s *Stack) Mode() node.Mode {
	return s.node.Mode()
}

// SetMode sets the node mode.
func (s *Stack) SetMode(m node.Mode) error {
	return s.node.SetMode(m)
}

// HeartbeatInterval returns the heartbeat period.
func (s *Stack) HeartbeatInterval() time.Duration {
	return s.heartbeat.Interval()
}

// SetHeartbeatInterval changes the heartbeat period.
func (s *Stack) SetHeartbeatInterval(d time.Duration) error {
	return s.heartbeat.SetInterval(d)
}

// EnableHeartbeat turns the heartbeat on. While the node is isolated the
// request is remembered and applied on recovery.
func (s *Stack) EnableHeartbeat() {
	s.heartbeatWanted.Store(true)
	if s.node.IsInitialized() && !s.offBus() {
		s.heartbeat.Enable()
	}
}

// DisableHeartbeat turns the heartbeat off.
func (s *Stack) DisableHeartbeat() {
	s.heartbeatWanted.Store(false)
	s.heartbeat.Disable()
}

// HeartbeatEnabled reports whether heartbeats are being sent.
func (s *Stack) HeartbeatEnabled() bool {
	return s.heartbeat.IsEnabled()
}

// Snapshot returns the node context.
func (s *Stack) Snapshot() node.Snapshot {
	return s.node.Snapshot()
}

// Peers returns the nodes heard on the bus.
func (s *Stack) Peers() []node.Peer {
	return s.peers.Peers()
}

// Tasks returns the supervised workers.
func (s *Stack) Tasks() []stability.TaskInfo {
	return s.stability.Tasks()
}

// StabilityState returns the stability state.
func (s *Stack) StabilityState() stability.State {
	return s.stability.State()
}

// HealthStatus aggregates transport, stability and node health.
func (s *Stack) HealthStatus() health.Status {
	s.refreshHealth()
	return s.health.AggregateHealth(s.cfg.Node.Name)
}

// AddObserver registers o for every transfer sent or received.
func (s *Stack) AddObserver(o TransferObserver) {
	if o == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// RemoveObserver unregisters o.
func (s *Stack) RemoveObserver(o TransferObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.observers {
		if cur == o {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

// HeartbeatStats describes the heartbeat service.
type HeartbeatStats struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
	Sent     uint64        `json:"sent"`
	Failed   uint64        `json:"failed"`
}

// Stats is a snapshot of every component.
type Stats struct {
	Node      node.Snapshot      `json:"node"`
	Stability stability.Stats    `json:"stability"`
	Errors    errorhandler.Stats `json:"errors"`
	Queue     txqueue.Stats      `json:"queue"`
	Transport transport.Stats    `json:"transport"`
	Heartbeat HeartbeatStats     `json:"heartbeat"`
	Allocator string             `json:"allocator"`
	Peers     int                `json:"peers"`
	Conflicts uint64             `json:"conflicts"`
	Sent      uint64             `json:"sent"`
	Received  uint64             `json:"received"`
	Dispatch  worker.PoolStats   `json:"dispatch"`
	Mirror    *mirror.Stats      `json:"mirror,omitempty"`
}

// Stats returns a snapshot of every component.
func (s *Stack) Stats() Stats {
	sent, failed := s.heartbeat.Stats()
	st := Stats{
		Node:      s.node.Snapshot(),
		Stability: s.stability.Stats(),
		Errors:    s.errs.Stats(),
		Queue:     s.queue.Stats(),
		Transport: s.bridge.Stats(),
		Heartbeat: HeartbeatStats{
			Enabled:  s.heartbeat.IsEnabled(),
			Interval: s.heartbeat.Interval(),
			Sent:     sent,
			Failed:   failed,
		},
		Allocator: s.allocator.State().String(),
		Peers:     s.peers.Len(),
		Conflicts: s.peers.Conflicts(),
		Sent:      s.sent.Load(),
		Received:  s.received.Load(),
	}

	s.mu.Lock()
	if s.dispatch != nil {
		st.Dispatch = s.dispatch.Stats()
	}
	s.mu.Unlock()

	if s.mirror != nil {
		ms := s.mirror.Stats()
		st.Mirror = &ms
	}
	return st
}

// StatusString renders a human readable status report. It is meant for
// operators and is not a stable format.
func (s *Stack) StatusString() string {
	st := s.Stats()
	var b strings.Builder

	fmt.Fprintf(&b, "Node %q\n", s.cfg.Node.Name)
	fmt.Fprintf(&b, "  id:          %s (allocator %s)\n", st.Node.ID, st.Allocator)
	fmt.Fprintf(&b, "  unique id:   %s\n", st.Node.UniqueID)
	fmt.Fprintf(&b, "  health:      %s\n", st.Node.Health)
	fmt.Fprintf(&b, "  mode:        %s\n", st.Node.Mode)
	fmt.Fprintf(&b, "  uptime:      %ds\n", st.Node.Uptime)
	fmt.Fprintf(&b, "  initialized: %t, started: %t, ready: %t\n", st.Node.Initialized, st.Node.Started, s.IsReady())

	fmt.Fprintf(&b, "Stability %s\n", st.Stability.State)
	fmt.Fprintf(&b, "  isolations: %d, recoveries: %d/%d\n",
		st.Stability.Isolations, st.Stability.RecoverySuccesses, st.Stability.RecoveryAttempts)
	for _, t := range s.stability.Tasks() {
		state := "ok"
		if !t.Healthy {
			state = "stalled"
		}
		fmt.Fprintf(&b, "  task %-8s %s\n", t.Name, state)
	}

	fmt.Fprintf(&b, "Heartbeat enabled: %t, interval: %s, sent: %d, failed: %d\n",
		st.Heartbeat.Enabled, st.Heartbeat.Interval, st.Heartbeat.Sent, st.Heartbeat.Failed)
	fmt.Fprintf(&b, "Queue %d/%d, rejected: %d\n", st.Queue.Depth, st.Queue.Capacity, st.Queue.Rejected)
	fmt.Fprintf(&b, "Transfers sent: %d, received: %d, peers: %d, conflicts: %d\n",
		st.Sent, st.Received, st.Peers, st.Conflicts)
	fmt.Fprintf(&b, "Errors total: %d, critical: %d, recovered: %d/%d\n",
		st.Errors.Total, st.Errors.Critical, st.Errors.RecoverySuccesses, st.Errors.RecoveryAttempts)
	if st.Mirror != nil {
		fmt.Fprintf(&b, "Mirror published: %d, failed: %d, dropped: %d\n",
			st.Mirror.Published, st.Mirror.Failed, st.Mirror.Dropped)
	}
	return b.String()
}
