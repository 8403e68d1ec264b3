package stack

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/cyphalnode/errorhandler"
	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/pkg/worker"
	"github.com/c360/cyphalnode/stability"
)

// Worker task handles registered with the stability manager.
const (
	taskNode stability.TaskHandle = iota + 1
	taskTx
	taskRx
	taskMonitor
)

const (
	nodePeriod         = 20 * time.Millisecond
	minTaskInterval    = 250 * time.Millisecond
	dispatchWorkers    = 2
	dispatchQueueSize  = 256
	defaultStopTimeout = 5 * time.Second
)

// Init binds the transport on iface and joins the bus. An empty iface uses
// the configured interface. A valid nodeID is used as is; NodeIDUnset starts
// dynamic allocation.
func (s *Stack) Init(iface string, nodeID message.NodeID) error {
	if !nodeID.Valid() && !nodeID.IsUnset() {
		return errors.WrapInvalid(fmt.Errorf("%w: node id %d", errors.ErrInvalidParameter, nodeID),
			"stack", "Init", "validate node id")
	}
	if iface == "" {
		iface = s.cfg.Network.Interface
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "stack", "Init", "check state")
	}
	if s.node.IsInitialized() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "stack", "Init", "check state")
	}

	if err := s.bridge.SetNodeID(nodeID); err != nil {
		return errors.Wrap(err, "stack", "Init", "set transport node id")
	}
	if err := s.bridge.Init(iface, s.cfg.Network.Port, s.cfg.Network.MulticastGroup); err != nil {
		_ = s.errs.Log(context.Background(), errorhandler.Record{
			Kind:        errors.KindInitFailed,
			Severity:    errors.SeverityError,
			Context:     "stack",
			Description: "Transport initialization failed",
			Err:         err,
		})
		return errors.WrapKind(errors.KindInitFailed, err, "stack", "Init", "initialize transport")
	}

	ports := []message.PortID{message.SubjectHeartbeat}
	if s.pnp != nil || s.server != nil {
		ports = append(ports, message.SubjectNodeIDAllocation)
	}
	for port := range s.subjects {
		ports = append(ports, port)
	}
	for _, port := range ports {
		if err := s.bridge.Subscribe(port); err != nil {
			_ = s.bridge.Close()
			return errors.Wrap(err, "stack", "Init", fmt.Sprintf("subscribe subject %d", port))
		}
	}

	if nodeID.Valid() {
		if err := s.node.SetID(nodeID); err != nil {
			_ = s.bridge.Close()
			return errors.Wrap(err, "stack", "Init", "set node id")
		}
	} else if err := s.allocator.Start(); err != nil {
		_ = s.bridge.Close()
		return errors.Wrap(err, "stack", "Init", "start allocation")
	}

	if s.heartbeatWanted.Load() {
		s.heartbeat.Enable()
	}
	s.node.MarkInitialized()
	s.logger.Info("Stack initialized",
		"interface", iface,
		"node_id", nodeID.String(),
		"unique_id", s.node.UniqueID().String(),
		"allocator", s.cfg.Allocator.Mode)
	return nil
}

// Start launches the node, tx, rx and monitor workers.
func (s *Stack) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.node.IsInitialized() {
		return errors.WrapInvalid(errors.ErrNotInitialized, "stack", "Start", "check state")
	}
	if s.cancel != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "stack", "Start", "check state")
	}

	tasks := []struct {
		handle stability.TaskHandle
		name   string
		period time.Duration
	}{
		{taskNode, "node", nodePeriod},
		{taskTx, "tx", s.cfg.Queue.PopTimeout},
		{taskRx, "rx", s.rxPollTimeout()},
		{taskMonitor, "monitor", s.cfg.Stability.UpdatePeriod},
	}
	for _, t := range tasks {
		if err := s.stability.RegisterTask(t.handle, t.name, taskInterval(t.period)); err != nil {
			s.unregisterTasks()
			return errors.Wrap(err, "stack", "Start", "register "+t.name+" task")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	dispatch := worker.NewPool[delivery](dispatchWorkers, dispatchQueueSize, deliver,
		worker.WithMetricsRegistry[delivery](s.registry, "dispatch"),
		worker.WithErrorHandler[delivery](s.onDeliveryError),
	)
	if err := dispatch.Start(runCtx); err != nil {
		cancel()
		s.unregisterTasks()
		return errors.Wrap(err, "stack", "Start", "start dispatch pool")
	}

	if s.mirror != nil && !s.mirrorRunning {
		if err := s.mirror.Start(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Mirror not started", "error", err)
		} else {
			s.mirrorRunning = true
		}
	}

	done := make(chan error, 1)
	s.cancel = cancel
	s.done = done
	s.dispatch = dispatch

	s.node.MarkStarted()

	go func() {
		g, gctx := errgroup.WithContext(runCtx)
		g.Go(func() error { return s.runNode(gctx) })
		g.Go(func() error { return s.runTx(gctx) })
		g.Go(func() error { return s.runRx(gctx) })
		g.Go(func() error { return s.runMonitor(gctx) })

		err := g.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Stack worker failed", "error", err)
		}
		done <- err
	}()

	s.logger.Info("Stack started", "node_id", s.node.ID().String())
	return nil
}

// taskInterval is the heartbeat interval a worker looping every period is
// monitored with.
func taskInterval(period time.Duration) time.Duration {
	if d := 2 * period; d > minTaskInterval {
		return d
	}
	return minTaskInterval
}

func (s *Stack) unregisterTasks() {
	for _, h := range []stability.TaskHandle{taskNode, taskTx, taskRx, taskMonitor} {
		_ = s.stability.UnregisterTask(h)
	}
}

// Stop cancels the workers and waits at most timeout for them to exit.
func (s *Stack) Stop(timeout time.Duration) error {
	s.mu.Lock()
	cancel, done, dispatch := s.cancel, s.done, s.dispatch
	s.cancel, s.done, s.dispatch = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "stack", "Stop", "check state")
	}

	s.logger.Info("Waiting for graceful shutdown", "timeout", timeout)
	cancel()

	var stopErr error
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("Stack workers stop timeout", "timeout", timeout)
		stopErr = errors.WrapTransient(errors.ErrTimeout, "stack", "Stop", "wait for workers")
	}
	if err := dispatch.Stop(timeout); err != nil && stopErr == nil {
		stopErr = errors.Wrap(err, "stack", "Stop", "stop dispatch pool")
	}

	s.unregisterTasks()
	s.node.MarkStopped()
	s.logger.Info("Stack stopped", "sent", s.sent.Load(), "received", s.received.Load())
	return stopErr
}

func (s *Stack) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Deinit stops the workers if needed, leaves the bus and returns every
// component to its initial state. The stack can be initialized again.
func (s *Stack) Deinit() error {
	if s.isRunning() {
		if err := s.Stop(defaultStopTimeout); err != nil {
			s.logger.Warn("Stop before deinit incomplete", "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.node.IsInitialized() {
		return errors.WrapInvalid(errors.ErrNotInitialized, "stack", "Deinit", "check state")
	}

	s.heartbeat.Disable()
	dropped := s.queue.Clear()
	if err := s.bridge.Close(); err != nil {
		s.logger.Warn("Transport close failed", "error", err)
	}
	if err := s.allocator.Reset(); err != nil {
		s.logger.Warn("Allocator reset failed", "error", err)
	}
	s.peers.Purge()
	s.stability.Reset()
	s.errs.Reset()
	s.node.Reset()

	s.logger.Info("Stack deinitialized", "dropped", dropped)
	return nil
}

// Close deinitializes the stack when needed and stops the mirror. The stack
// cannot be used afterwards.
func (s *Stack) Close(timeout time.Duration) error {
	if s.node.IsInitialized() {
		if err := s.Deinit(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	running := s.mirrorRunning
	s.mirrorRunning = false
	s.mu.Unlock()

	_ = s.queue.Close()
	s.errs.Wait()
	if s.mirror != nil && running {
		return s.mirror.Stop(timeout)
	}
	return nil
}

// IsReady reports whether the node is initialized, started, identified and
// on the bus.
func (s *Stack) IsReady() bool {
	snap := s.node.Snapshot()
	return snap.Initialized && snap.Started && snap.ID.Valid() &&
		s.bridge.IsInitialized() && !s.offBus()
}

// Update performs one node step and one stability update. It never blocks
// on the bus and may be called while the workers run.
func (s *Stack) Update() {
	if !s.node.IsInitialized() {
		return
	}
	s.step(context.Background())
	s.stability.Update()
	s.refreshHealth()
}

// step advances uptime, allocation and the heartbeat.
func (s *Stack) step(ctx context.Context) {
	s.node.UpdateUptime()
	s.allocate(ctx)
	if _, err := s.heartbeat.Tick(ctx); err != nil {
		s.logger.Debug("Heartbeat not sent", "error", err)
	}
}
