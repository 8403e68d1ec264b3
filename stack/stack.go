package stack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/c360/cyphalnode/allocator"
	"github.com/c360/cyphalnode/config"
	"github.com/c360/cyphalnode/errorhandler"
	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/health"
	"github.com/c360/cyphalnode/heartbeat"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/metric"
	"github.com/c360/cyphalnode/mirror"
	"github.com/c360/cyphalnode/node"
	"github.com/c360/cyphalnode/pkg/worker"
	"github.com/c360/cyphalnode/stability"
	"github.com/c360/cyphalnode/transport"
	"github.com/c360/cyphalnode/txqueue"
)

// Handler receives an inbound transfer on a dispatch worker.
type Handler func(ctx context.Context, t *message.Transfer) error

// TransferObserver sees every transfer the stack sends or receives. It is
// called from the worker goroutines and must not block.
type TransferObserver interface {
	ObserveTransfer(dir message.Direction, t *message.Transfer)
}

// Deps holds the stack collaborators. A nil Config uses config.Default.
type Deps struct {
	Config          *config.Config
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	Clock           clock.Clock
	// Listen opens the bus socket. nil uses net.ListenPacket.
	Listen transport.ListenFunc
	// MirrorPublisher enables the bus mirror when set.
	MirrorPublisher mirror.Publisher
}

type delivery struct {
	handler Handler
	t       *message.Transfer
}

// Stack is safe for concurrent use.
type Stack struct {
	cfg      *config.Config
	logger   *slog.Logger
	clock    clock.Clock
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics

	node      *node.Context
	queue     *txqueue.Queue
	bridge    *transport.Bridge
	errs      *errorhandler.Handler
	stability *stability.Manager
	heartbeat *heartbeat.Service
	allocator *allocator.Allocator
	pnp       *allocator.PnPNegotiator
	server    *allocator.Server
	peers     *node.PeerTable
	health    *health.Monitor
	mirror    *mirror.Mirror

	mu            sync.Mutex
	subjects      map[message.PortID][]Handler
	services      map[message.PortID][]Handler
	observers     []TransferObserver
	dispatch      *worker.Pool[delivery]
	cancel        context.CancelFunc
	done          chan error
	mirrorRunning bool
	closed        bool

	// lastStatus is only touched by the monitor worker.
	lastStatus time.Time

	heartbeatWanted atomic.Bool
	sent            atomic.Uint64
	received        atomic.Uint64
}

// New builds every component from the configuration. Nothing is opened
// until Init.
func New(deps Deps) (*Stack, error) {
	cfg := deps.Config.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "stack", "New", "validate config")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	var metrics *metric.Metrics
	if deps.MetricsRegistry != nil {
		metrics = deps.MetricsRegistry.CoreMetrics()
	}

	s := &Stack{
		cfg:      cfg,
		logger:   logger.With("component", "stack"),
		clock:    clk,
		registry: deps.MetricsRegistry,
		metrics:  metrics,
		subjects: make(map[message.PortID][]Handler),
		services: make(map[message.PortID][]Handler),
	}
	s.heartbeatWanted.Store(cfg.Heartbeat.Enabled)

	nodeOpts := []node.Option{
		node.WithClock(clk),
		node.WithLogger(logger.With("component", "node")),
		node.WithMetrics(metrics),
	}
	if cfg.Node.UniqueID != "" {
		uid, err := uuid.Parse(cfg.Node.UniqueID)
		if err != nil {
			return nil, errors.WrapInvalid(err, "stack", "New", "parse unique id")
		}
		nodeOpts = append(nodeOpts, node.WithUniqueID(uid))
	}
	s.node = node.New(nodeOpts...)
	s.peers = node.NewPeerTable(s.node.ID, node.OfflineTimeout)
	s.health = health.NewMonitor(metrics)

	var err error
	if s.queue, err = txqueue.New(cfg.Queue.Capacity, txqueue.WithMetrics(deps.MetricsRegistry, "txqueue")); err != nil {
		return nil, errors.Wrap(err, "stack", "New", "create transmit queue")
	}

	if s.errs, err = s.newErrorHandler(logger, metrics); err != nil {
		return nil, err
	}

	s.stability, err = stability.New(cfg.Stability.Config, stability.Deps{
		Errors:   s.errs,
		Clock:    clk,
		Logger:   logger.With("component", "stability"),
		Metrics:  metrics,
		Hook:     s.recover,
		Listener: s.onStabilityChange,
	})
	if err != nil {
		return nil, errors.Wrap(err, "stack", "New", "create stability manager")
	}

	s.bridge, err = transport.New(transport.Deps{
		Config:          cfg.Network,
		Logger:          logger.With("component", "transport"),
		MetricsRegistry: deps.MetricsRegistry,
		Clock:           clk,
		Listen:          deps.Listen,
	})
	if err != nil {
		return nil, errors.Wrap(err, "stack", "New", "create transport")
	}

	internal := allocator.PublisherFunc(s.enqueueInternal)

	s.heartbeat, err = heartbeat.New(heartbeat.Deps{
		Node:      s.node,
		Publisher: internal,
		Errors:    s.errs,
		Clock:     clk,
		Logger:    logger.With("component", "heartbeat"),
		Metrics:   metrics,
	})
	if err != nil {
		return nil, errors.Wrap(err, "stack", "New", "create heartbeat")
	}
	if err := s.heartbeat.SetInterval(cfg.Heartbeat.Interval); err != nil {
		return nil, errors.Wrap(err, "stack", "New", "set heartbeat interval")
	}

	if err := s.newAllocator(logger, internal); err != nil {
		return nil, err
	}

	if deps.MirrorPublisher != nil {
		s.mirror, err = mirror.New(mirror.Config{SubjectPrefix: cfg.Mirror.SubjectPrefix}, mirror.Deps{
			Publisher:       deps.MirrorPublisher,
			NodeID:          s.node.ID,
			Logger:          logger,
			MetricsRegistry: deps.MetricsRegistry,
		})
		if err != nil {
			return nil, errors.Wrap(err, "stack", "New", "create mirror")
		}
		s.observers = append(s.observers, s.mirror)
	}

	return s, nil
}

func (s *Stack) newErrorHandler(logger *slog.Logger, metrics *metric.Metrics) (*errorhandler.Handler, error) {
	severity, err := errors.ParseSeverity(s.cfg.Errors.MinSeverity)
	if err != nil {
		return nil, errors.WrapInvalid(err, "stack", "New", "parse min severity")
	}
	ecfg := errorhandler.DefaultConfig()
	ecfg.MinSeverity = severity
	ecfg.MaxRecoveryAttempts = s.cfg.Errors.MaxRecoveryAttempts
	ecfg.LogInterval = s.cfg.Errors.LogInterval

	h, err := errorhandler.New(ecfg,
		errorhandler.WithLogger(logger.With("component", "errorhandler")),
		errorhandler.WithMetrics(metrics),
		errorhandler.WithClock(s.clock),
		errorhandler.WithCallback(s.onError),
	)
	if err != nil {
		return nil, errors.Wrap(err, "stack", "New", "create error handler")
	}

	checks := map[errors.Kind]errorhandler.Check{
		errors.KindQueueFull: func(context.Context) error {
			if s.queue.IsFull() {
				return errors.ErrQueueFull
			}
			return nil
		},
		errors.KindNetworkUnavailable: func(context.Context) error {
			if !s.bridge.IsInitialized() {
				return errors.ErrNetworkUnavailable
			}
			return nil
		},
	}
	for kind, check := range checks {
		if err := h.RegisterCheck(kind, check); err != nil {
			return nil, errors.Wrap(err, "stack", "New", "register "+kind.String()+" check")
		}
	}
	return h, nil
}

func (s *Stack) newAllocator(logger *slog.Logger, pub allocator.Publisher) error {
	alloc := s.cfg.Allocator
	uid := s.node.UniqueID()

	var negotiator allocator.Negotiator
	if alloc.Mode == config.AllocatorPnP {
		pnp, err := allocator.NewPnPNegotiator(allocator.PnPConfig{
			UniqueID:          uid,
			RequestPeriod:     alloc.RequestPeriod,
			Timeout:           alloc.Timeout,
			FallbackOnTimeout: alloc.FallbackOnTimeout,
		}, pub, s.clock, logger.With("component", "allocator"))
		if err != nil {
			return errors.Wrap(err, "stack", "New", "create pnp negotiator")
		}
		s.pnp = pnp
		negotiator = pnp
	} else {
		negotiator = allocator.NewLocalNegotiator(allocator.UniqueIDHash(uid))
	}

	a, err := allocator.New(message.NodeID(alloc.PreferredID), allocator.Deps{
		Negotiator:  negotiator,
		Listener:    allocator.ListenerFunc(s.onAllocation),
		Occupied:    s.peers.IDs,
		Logger:      logger.With("component", "allocator"),
		LockTimeout: s.cfg.Network.LockTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "stack", "New", "create allocator")
	}
	s.allocator = a

	if alloc.Serve {
		s.server, err = allocator.NewServer(allocator.ServerDeps{
			Publisher: pub,
			Self:      s.node.ID,
			Occupied:  s.peers.IDs,
			Logger:    logger.With("component", "allocator"),
		})
		if err != nil {
			return errors.Wrap(err, "stack", "New", "create allocation server")
		}
	}
	return nil
}

// enqueueInternal queues heartbeats and allocation traffic without waiting.
func (s *Stack) enqueueInternal(t *message.Transfer) error {
	return s.queue.Push(t)
}

func (s *Stack) onError(r errorhandler.Record) {
	if r.Severity >= errors.SeverityCritical {
		s.stability.HandleError(r.Kind)
	}
}

// report logs err to the error handler. Recoverable kinds are warnings.
func (s *Stack) report(ctx context.Context, err error, fallback errors.Kind, where, what string, data uint32) {
	kind := errors.KindOf(err)
	if kind == errors.KindNone {
		kind = fallback
	}
	severity := errors.SeverityError
	if errors.IsRecoverable(kind) {
		severity = errors.SeverityWarning
	}
	// recovery outcome is visible in the handler stats
	_ = s.errs.Log(ctx, errorhandler.Record{
		Kind:        kind,
		Severity:    severity,
		Context:     where,
		Description: what,
		Data:        data,
		Err:         err,
	})
}

func (s *Stack) onStabilityChange(from, to stability.State) {
	s.logger.Info("Stability changed", "from", from.String(), "to", to.String())

	switch to {
	case stability.StateNormal:
		if from == stability.StateIsolated && s.heartbeatWanted.Load() {
			s.heartbeat.Enable()
		}
		_ = s.node.SetHealth(node.HealthNominal)
	case stability.StateDegraded:
		_, _ = s.node.Worsen(node.HealthAdvisory)
	case stability.StateIsolated:
		s.heartbeat.Disable()
		_, _ = s.node.Worsen(node.HealthWarning)
	case stability.StateFailed:
		s.heartbeat.Disable()
		_ = s.node.SetHealth(node.HealthWarning)
		_ = s.node.SetMode(node.ModeOffline)
	}
}

// recover runs inside a stability recovery attempt.
func (s *Stack) recover() error {
	dropped := s.queue.Clear()
	if s.node.IsInitialized() && !s.bridge.IsInitialized() {
		return errors.WrapKind(errors.KindNetworkUnavailable, nil, "stack", "recover", "check transport")
	}
	if s.node.IsInitialized() && s.node.ID().IsUnset() && s.allocator.State() == allocator.StateIdle {
		if err := s.allocator.Start(); err != nil {
			return errors.Wrap(err, "stack", "recover", "restart allocation")
		}
	}
	s.logger.Info("Recovery reset transmit queue", "dropped", dropped)
	return nil
}

func (s *Stack) onAllocation(id message.NodeID, ok bool) {
	if !ok {
		_ = s.errs.Log(context.Background(), errorhandler.Record{
			Kind:        errors.KindAllocationFailed,
			Severity:    errors.SeverityCritical,
			Context:     "allocator",
			Description: "Node id allocation failed",
		})
		return
	}
	if err := s.assignID(id); err != nil {
		s.report(context.Background(), err, errors.KindTransportError, "allocator", "Allocated id not applied", uint32(id))
	}
}

// assignID moves the bridge and the node context to id.
func (s *Stack) assignID(id message.NodeID) error {
	if err := s.bridge.SetNodeID(id); err != nil {
		return err
	}
	return s.node.SetID(id)
}

func (s *Stack) offBus() bool {
	st := s.stability.State()
	return st == stability.StateIsolated || st == stability.StateFailed
}

// rxPollTimeout keeps a receive well inside the transport lock timeout so
// that id changes are not starved by the rx worker.
func (s *Stack) rxPollTimeout() time.Duration {
	timeout := s.cfg.Network.ReceiveTimeout
	if limit := s.cfg.Network.LockTimeout / 2; limit > 0 && timeout > limit {
		timeout = limit
	}
	return timeout
}

func (s *Stack) String() string {
	return fmt.Sprintf("stack(%s, node %s)", s.cfg.Node.Name, s.node.ID())
}
