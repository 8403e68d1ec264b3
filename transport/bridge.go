package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/ipv4"

	"github.com/c360/cyphalnode/component"
	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/metric"
	"github.com/c360/cyphalnode/pkg/guard"
	"github.com/c360/cyphalnode/pkg/retry"
	"github.com/c360/cyphalnode/pkg/udpard"
)

// ListenFunc opens the bridge socket. net.ListenPacket satisfies it.
type ListenFunc func(network, address string) (net.PacketConn, error)

// GroupMembership manages multicast group membership on a socket.
// *ipv4.PacketConn satisfies it.
type GroupMembership interface {
	JoinGroup(ifi *net.Interface, group net.Addr) error
	LeaveGroup(ifi *net.Interface, group net.Addr) error
}

// Deps holds runtime dependencies for the bridge
type Deps struct {
	Config          Config
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	Clock           clock.Clock
	Listen          ListenFunc // nil uses net.ListenPacket
}

// Bridge connects the node to the bus over UDP.
type Bridge struct {
	cfg     Config
	logger  *slog.Logger
	clock   clock.Clock
	listen  ListenFunc
	metrics *Metrics

	// txMu guards the socket writes, the udpard tx queue and tids.
	// rxMu guards the socket reads and the udpard reassembly state.
	// Calls needing both take txMu first.
	txMu *guard.Mutex
	rxMu *guard.Mutex

	// Owned under the guards above once Init has run.
	conn       net.PacketConn
	membership GroupMembership
	iface      *net.Interface
	groups     map[string]*net.UDPAddr
	localIPs   []net.IP
	localPort  int
	port       int
	ins        *udpard.Instance
	tids       map[sessionKey]uint64
	rxBuf      []byte

	nodeID      atomic.Uint32
	initialized atomic.Bool

	flow      *component.FlowCounter
	lastErrMu sync.Mutex
	lastErr   string
}

// maxDatagramSize fits any UDP datagram.
const maxDatagramSize = 65536

type sessionKey struct {
	kind        message.Kind
	port        message.PortID
	destination message.NodeID
}

// Ensure Bridge implements the reporting interface
var _ component.Discoverable = (*Bridge)(nil)

// New creates a bridge. It validates the configuration but opens nothing.
func New(deps Deps) (*Bridge, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "transport")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	listen := deps.Listen
	if listen == nil {
		listen = net.ListenPacket
	}

	metrics, err := newMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, errors.Wrap(err, "transport", "New", "register metrics")
	}

	b := &Bridge{
		cfg:     deps.Config,
		logger:  logger,
		clock:   clk,
		listen:  listen,
		metrics: metrics,
		txMu:    guard.NewMutex(),
		rxMu:    guard.NewMutex(),
		groups:  make(map[string]*net.UDPAddr),
		tids:    make(map[sessionKey]uint64),
		flow:    component.NewFlowCounter(clk),
	}
	b.nodeID.Store(uint32(message.NodeIDUnset))
	return b, nil
}

// Init binds the socket, joins the multicast group and creates the udpard
// instance. An empty iface lets the system choose; port 0 picks a free port;
// an empty group skips the group join.
func (b *Bridge) Init(iface string, port int, group string) error {
	return b.InitContext(context.Background(), iface, port, group)
}

// InitContext is Init with a context bounding the bind retries.
func (b *Bridge) InitContext(ctx context.Context, iface string, port int, group string) error {
	if err := b.lockBoth("Init"); err != nil {
		return err
	}
	defer b.unlockBoth()

	if b.initialized.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "transport", "Init", "initialize bridge")
	}

	var ifi *net.Interface
	if iface != "" {
		var err error
		ifi, err = net.InterfaceByName(iface)
		if err != nil {
			return errors.WrapKind(errors.KindNetworkUnavailable, err, "transport", "Init",
				fmt.Sprintf("resolve interface %q", iface))
		}
	}

	address := net.JoinHostPort(b.cfg.BindAddress, fmt.Sprint(port))
	conn, err := retry.DoWithResult(ctx, retry.Startup(), func() (net.PacketConn, error) {
		return b.listen("udp4", address)
	})
	if err != nil {
		return errors.WrapKind(errors.KindInitFailed, err, "transport", "Init", "socket binding")
	}

	ins, err := udpard.NewInstance(udpard.Config{
		NodeID:        toUdpardID(message.NodeID(b.nodeID.Load())),
		MTU:           b.cfg.MTU,
		QueueCapacity: b.cfg.QueueCapacity,
		Extent:        message.HeaderSize + message.MaxPayloadSize,
	})
	if err != nil {
		_ = conn.Close()
		return errors.WrapKind(errors.KindInitFailed, err, "transport", "Init", "create udpard instance")
	}

	b.conn = conn
	b.port = port
	b.iface = ifi
	b.ins = ins
	b.rxBuf = make([]byte, maxDatagramSize)
	b.membership = b.setupMulticast(conn, ifi)
	b.localPort, b.localIPs = localAddresses(conn, ifi)

	if group != "" {
		ip := net.ParseIP(group)
		if ip == nil || !ip.IsMulticast() {
			b.closeLocked()
			return errors.WrapInvalid(fmt.Errorf("invalid multicast group %q", group), "transport", "Init", "group validation")
		}
		if err := b.joinLocked(&net.UDPAddr{IP: ip, Port: port}); err != nil {
			b.closeLocked()
			return errors.WrapKind(errors.KindNetworkUnavailable, err, "transport", "Init", "join multicast group")
		}
	}
	if id := message.NodeID(b.nodeID.Load()); id.Valid() {
		if err := b.joinLocked(udpard.ServiceEndpoint(uint16(id))); err != nil {
			b.logger.Warn("Could not join service group", "node_id", id, "error", err)
		}
	}

	b.initialized.Store(true)
	b.logger.Info("Transport initialized",
		"local_addr", conn.LocalAddr().String(),
		"interface", iface,
		"group", group,
		"node_id", message.NodeID(b.nodeID.Load()).String(),
		"mtu", b.cfg.MTU)
	return nil
}

// setupMulticast returns the membership handle for conn. Real UDP sockets get
// loopback and TTL configured through x/net/ipv4.
func (b *Bridge) setupMulticast(conn net.PacketConn, ifi *net.Interface) GroupMembership {
	if m, ok := conn.(GroupMembership); ok {
		return m
	}
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		return nil
	}
	p := ipv4.NewPacketConn(udp)
	if err := p.SetMulticastLoopback(true); err != nil {
		b.logger.Warn("Could not enable multicast loopback", "error", err)
	}
	if err := p.SetMulticastTTL(b.cfg.MulticastTTL); err != nil {
		b.logger.Warn("Could not set multicast TTL", "ttl", b.cfg.MulticastTTL, "error", err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			b.logger.Warn("Could not set multicast interface", "interface", ifi.Name, "error", err)
		}
	}
	const socketBufferSize = 2 * 1024 * 1024
	if err := udp.SetReadBuffer(socketBufferSize); err != nil {
		b.logger.Warn("Could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
	}
	return p
}

// localAddresses returns the source port and addresses this socket's own
// datagrams arrive from. A socket bound to a specific address only has that
// one. An unspecified bind uses the multicast interface's addresses, or the
// address the host routes bus traffic from when no interface is set.
func localAddresses(conn net.PacketConn, ifi *net.Interface) (int, []net.IP) {
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0, nil
	}
	if addr.IP != nil && !addr.IP.IsUnspecified() {
		return addr.Port, []net.IP{addr.IP}
	}

	var ips []net.IP
	if ifi != nil {
		if addrs, err := ifi.Addrs(); err == nil {
			for _, a := range addrs {
				if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
					ips = append(ips, ipn.IP)
				}
			}
		}
		return addr.Port, ips
	}

	// Connecting a UDP socket sends nothing; it only selects the route.
	if route, err := net.DialUDP("udp4", nil, udpard.SubjectEndpoint(uint16(message.SubjectHeartbeat))); err == nil {
		if src, ok := route.LocalAddr().(*net.UDPAddr); ok {
			ips = append(ips, src.IP)
		}
		_ = route.Close()
	}
	return addr.Port, ips
}

func (b *Bridge) joinLocked(group *net.UDPAddr) error {
	key := group.IP.String()
	if _, ok := b.groups[key]; ok {
		return nil
	}
	if b.membership != nil {
		if err := b.membership.JoinGroup(b.iface, group); err != nil {
			return err
		}
	}
	b.groups[key] = group
	return nil
}

func (b *Bridge) leaveLocked(group *net.UDPAddr) {
	key := group.IP.String()
	if _, ok := b.groups[key]; !ok {
		return
	}
	delete(b.groups, key)
	if b.membership != nil {
		if err := b.membership.LeaveGroup(b.iface, group); err != nil {
			b.logger.Debug("Leave group failed", "group", key, "error", err)
		}
	}
}

// Subscribe joins the multicast group carrying subject.
func (b *Bridge) Subscribe(subject message.PortID) error {
	if subject > message.SubjectIDMax {
		return errors.WrapInvalid(errors.ErrInvalidParameter, "transport", "Subscribe",
			fmt.Sprintf("validate subject %d", subject))
	}
	if err := b.rxMu.Lock(b.cfg.LockTimeout); err != nil {
		return errors.WrapKind(errors.KindTimeout, err, "transport", "Subscribe", "acquire rx lock")
	}
	defer b.rxMu.Unlock()

	if !b.initialized.Load() {
		return errors.WrapInvalid(errors.ErrNotInitialized, "transport", "Subscribe", "check state")
	}
	if err := b.joinLocked(udpard.SubjectEndpoint(uint16(subject))); err != nil {
		return errors.WrapKind(errors.KindNetworkUnavailable, err, "transport", "Subscribe", "join subject group")
	}
	return nil
}

// Groups returns the multicast groups currently joined.
func (b *Bridge) Groups() []string {
	if err := b.rxMu.Lock(b.cfg.LockTimeout); err != nil {
		return nil
	}
	defer b.rxMu.Unlock()
	out := make([]string, 0, len(b.groups))
	for key := range b.groups {
		out = append(out, key)
	}
	return out
}

// NodeID returns the id the bridge sends with.
func (b *Bridge) NodeID() message.NodeID {
	return message.NodeID(b.nodeID.Load())
}

// SetNodeID changes the local node id. Service transfers addressed to the old
// id are no longer received. Unset makes the bridge anonymous.
func (b *Bridge) SetNodeID(id message.NodeID) error {
	if !id.Valid() && !id.IsUnset() {
		return errors.WrapInvalid(errors.ErrInvalidParameter, "transport", "SetNodeID",
			fmt.Sprintf("validate node id %d", id))
	}
	if err := b.lockBoth("SetNodeID"); err != nil {
		return err
	}
	defer b.unlockBoth()

	old := message.NodeID(b.nodeID.Swap(uint32(id)))
	if !b.initialized.Load() || old == id {
		return nil
	}
	b.ins.SetNodeID(toUdpardID(id))
	if old.Valid() {
		b.leaveLocked(udpard.ServiceEndpoint(uint16(old)))
	}
	if id.Valid() {
		if err := b.joinLocked(udpard.ServiceEndpoint(uint16(id))); err != nil {
			return errors.WrapKind(errors.KindNetworkUnavailable, err, "transport", "SetNodeID", "join service group")
		}
	}
	b.logger.Info("Transport node id changed", "old", old.String(), "new", id.String())
	return nil
}

// IsInitialized reports whether Init succeeded and Close has not run.
func (b *Bridge) IsInitialized() bool {
	return b.initialized.Load()
}

// LocalAddr returns the bound socket address, nil before Init.
func (b *Bridge) LocalAddr() net.Addr {
	if err := b.rxMu.Lock(b.cfg.LockTimeout); err != nil {
		return nil
	}
	defer b.rxMu.Unlock()
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

// Close leaves all groups and closes the socket. Close on an uninitialized
// bridge is a no-op.
func (b *Bridge) Close() error {
	if err := b.lockBoth("Close"); err != nil {
		return err
	}
	defer b.unlockBoth()
	if !b.initialized.Load() {
		return nil
	}
	b.closeLocked()
	b.logger.Info("Transport closed")
	return nil
}

func (b *Bridge) closeLocked() {
	for _, group := range b.groups {
		b.leaveLocked(group)
	}
	if b.ins != nil {
		_ = b.ins.Close()
		b.ins = nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.membership = nil
	b.initialized.Store(false)
}

func (b *Bridge) lockBoth(method string) error {
	if err := b.txMu.Lock(b.cfg.LockTimeout); err != nil {
		return errors.WrapKind(errors.KindTimeout, err, "transport", method, "acquire tx lock")
	}
	if err := b.rxMu.Lock(b.cfg.LockTimeout); err != nil {
		b.txMu.Unlock()
		return errors.WrapKind(errors.KindTimeout, err, "transport", method, "acquire rx lock")
	}
	return nil
}

func (b *Bridge) unlockBoth() {
	b.rxMu.Unlock()
	b.txMu.Unlock()
}

// Stats is a snapshot of bridge activity.
type Stats struct {
	Udpard       udpard.Stats `json:"udpard"`
	TxQueueDepth int          `json:"tx_queue_depth"`
	Datagrams    int64        `json:"datagrams_received"`
	Bytes        int64        `json:"bytes_received"`
	Errors       int64        `json:"errors"`
	Groups       int          `json:"groups"`
	LockTimeouts uint64       `json:"lock_timeouts"`
}

// Stats returns a snapshot of bridge activity.
func (b *Bridge) Stats() Stats {
	s := Stats{
		Datagrams:    b.flow.Messages(),
		Bytes:        b.flow.Bytes(),
		Errors:       b.flow.Errors(),
		LockTimeouts: b.txMu.Timeouts() + b.rxMu.Timeouts(),
	}
	if err := b.lockBoth("Stats"); err != nil {
		return s
	}
	defer b.unlockBoth()
	if b.ins != nil {
		s.Udpard = b.ins.Stats()
		s.TxQueueDepth = b.ins.QueueLen()
	}
	s.Groups = len(b.groups)
	return s
}

// Meta returns the component metadata
func (b *Bridge) Meta() component.Metadata {
	return component.Metadata{
		Name:        "transport",
		Type:        "transport",
		Description: fmt.Sprintf("Cyphal/UDP bridge on %s:%d", b.cfg.BindAddress, b.cfg.Port),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the bridge
func (b *Bridge) Health() component.HealthStatus {
	b.lastErrMu.Lock()
	lastErr := b.lastErr
	b.lastErrMu.Unlock()

	return component.HealthStatus{
		Healthy:    b.initialized.Load(),
		LastCheck:  b.clock.Now(),
		ErrorCount: int(b.flow.Errors()),
		LastError:  lastErr,
		Uptime:     b.flow.Uptime(),
	}
}

// DataFlow returns the inbound data flow metrics
func (b *Bridge) DataFlow() component.FlowMetrics {
	return b.flow.Metrics()
}

func (b *Bridge) recordError(direction string, err error) {
	b.flow.Error()
	b.lastErrMu.Lock()
	b.lastErr = err.Error()
	b.lastErrMu.Unlock()
	if b.metrics != nil {
		b.metrics.socketErrors.WithLabelValues(direction).Inc()
	}
}

func toUdpardID(id message.NodeID) uint16 {
	if !id.Valid() {
		return udpard.NodeIDUnset
	}
	return uint16(id)
}

func fromUdpardID(id uint16) message.NodeID {
	if id > uint16(message.NodeIDMax) {
		return message.NodeIDUnset
	}
	return message.NodeID(id)
}
