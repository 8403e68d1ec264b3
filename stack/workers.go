package stack

import (
	"context"
	"net"

	"github.com/c360/cyphalnode/allocator"
	"github.com/c360/cyphalnode/errorhandler"
	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/health"
	"github.com/c360/cyphalnode/heartbeat"
	"github.com/c360/cyphalnode/message"
)

// runNode advances uptime, allocation and the heartbeat.
func (s *Stack) runNode(ctx context.Context) error {
	ticker := s.clock.Ticker(nodePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = s.stability.TaskHeartbeat(taskNode)
			s.step(ctx)
		}
	}
}

// runTx moves transfers from the transmit queue onto the bus. It idles
// while the node is off the bus.
func (s *Stack) runTx(ctx context.Context) error {
	timeout := s.cfg.Queue.PopTimeout
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = s.stability.TaskHeartbeat(taskTx)

		if s.offBus() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(timeout):
			}
			continue
		}

		t, err := s.queue.PopWait(timeout)
		if err != nil {
			if errors.Is(err, errors.ErrShuttingDown) {
				return nil
			}
			continue
		}
		s.transmit(ctx, t)
	}
}

func (s *Stack) transmit(ctx context.Context, t *message.Transfer) {
	var err error
	switch t.Kind() {
	case message.KindRequest:
		err = s.bridge.SendRequest(t)
	case message.KindResponse:
		err = s.bridge.SendResponse(t, t.TransferID)
	default:
		err = s.bridge.Publish(t)
	}
	if err == nil {
		_, err = s.bridge.ProcessTxQueue(0)
	}
	if err != nil {
		s.report(ctx, err, errors.KindSendFailed, "stack", "Transfer not sent", uint32(t.PortID))
		return
	}

	s.sent.Add(1)
	if s.metrics != nil {
		s.metrics.RecordTransferSent(t.Kind().String())
	}
	s.notify(message.DirectionTx, t)
}

// runRx polls the bus and routes every completed transfer.
func (s *Stack) runRx(ctx context.Context) error {
	timeout := s.rxPollTimeout()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = s.stability.TaskHeartbeat(taskRx)

		t, src, err := s.bridge.PollFrom(timeout)
		if err != nil {
			if errors.KindOf(err) == errors.KindTimeout {
				continue
			}
			s.report(ctx, err, errors.KindReceiveFailed, "stack", "Receive failed", 0)
			if !s.bridge.IsInitialized() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-s.clock.After(timeout):
				}
			}
			continue
		}
		if t == nil {
			continue
		}
		s.receive(ctx, t, src)
	}
}

func (s *Stack) receive(ctx context.Context, t *message.Transfer, src net.Addr) {
	s.received.Add(1)
	if s.metrics != nil {
		s.metrics.RecordTransferReceived(t.Kind().String())
	}
	s.notify(message.DirectionRx, t)

	if t.Kind() == message.KindMessage {
		switch t.PortID {
		case message.SubjectHeartbeat:
			s.observePeer(ctx, t, src)
		case message.SubjectNodeIDAllocation:
			s.handleAllocation(ctx, t)
		}
	}
	s.dispatchTransfer(t)
}

func (s *Stack) observePeer(ctx context.Context, t *message.Transfer, src net.Addr) {
	if t.IsAnonymous || !t.Source.Valid() {
		return
	}
	st, err := heartbeat.Decode(t.Payload)
	if err != nil {
		s.logger.Debug("Heartbeat rejected", "source", t.Source.String(), "error", err)
		return
	}
	addr := ""
	if src != nil {
		addr = src.String()
	}
	if err := s.peers.Observe(t.Source, addr, st); err != nil {
		if errors.KindOf(err) == errors.KindNodeIDConflict {
			s.handleConflict(ctx, t.Source, addr, err)
			return
		}
		s.logger.Debug("Peer not recorded", "source", t.Source.String(), "error", err)
	}
}

// handleConflict releases a dynamically allocated id and allocates again. A
// static id cannot be given up, so the conflict is critical.
func (s *Stack) handleConflict(ctx context.Context, id message.NodeID, addr string, cause error) {
	affected, err := s.allocator.DetectConflict(id)
	if err != nil {
		s.logger.Warn("Conflict not applied to allocator", "id", id.String(), "error", err)
	}
	if affected {
		if err := s.assignID(message.NodeIDUnset); err != nil {
			s.report(ctx, err, errors.KindTransportError, "stack", "Node id not released", uint32(id))
		}
		_ = s.errs.Log(ctx, errorhandler.Record{
			Kind:        errors.KindNodeIDConflict,
			Severity:    errors.SeverityWarning,
			Context:     "stack",
			Description: "Allocated node id in use by " + addr + ", allocating again",
			Data:        uint32(id),
			Err:         cause,
		})
		return
	}
	_ = s.errs.Log(ctx, errorhandler.Record{
		Kind:        errors.KindNodeIDConflict,
		Severity:    errors.SeverityCritical,
		Context:     "stack",
		Description: "Node id in use by " + addr,
		Data:        uint32(id),
		Err:         cause,
	})
}

func (s *Stack) handleAllocation(ctx context.Context, t *message.Transfer) {
	if s.pnp != nil && s.pnp.HandleTransfer(t) {
		return
	}
	if s.server == nil {
		return
	}
	if _, err := s.server.HandleTransfer(t); err != nil {
		s.report(ctx, err, errors.KindAllocationFailed, "allocator", "Allocation request not answered", uint32(t.PortID))
	}
}

// dispatchTransfer hands t to every handler registered for its port.
// Handlers past the first get their own copy.
func (s *Stack) dispatchTransfer(t *message.Transfer) {
	s.mu.Lock()
	var handlers []Handler
	if t.Kind() == message.KindMessage {
		handlers = append(handlers, s.subjects[t.PortID]...)
	} else {
		handlers = append(handlers, s.services[t.PortID]...)
	}
	pool := s.dispatch
	s.mu.Unlock()

	if pool == nil || len(handlers) == 0 {
		return
	}
	for i, h := range handlers {
		d := delivery{handler: h, t: t}
		if i > 0 {
			d.t = t.Clone()
		}
		if err := pool.Submit(d); err != nil {
			s.logger.Warn("Transfer dropped before delivery", "port", t.PortID, "error", err)
		}
	}
}

func deliver(ctx context.Context, d delivery) error {
	return d.handler(ctx, d.t)
}

func (s *Stack) onDeliveryError(d delivery, err error) {
	s.logger.Warn("Handler failed", "transfer", d.t.String(), "error", err)
}

func (s *Stack) notify(dir message.Direction, t *message.Transfer) {
	s.mu.Lock()
	observers := append([]TransferObserver(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range observers {
		o.ObserveTransfer(dir, t)
	}
}

// allocate runs one allocation step while an id is being requested.
func (s *Stack) allocate(ctx context.Context) {
	switch s.allocator.State() {
	case allocator.StateRequesting, allocator.StateConflictDetected:
	default:
		return
	}

	ev, err := s.allocator.Process(ctx)
	if err != nil {
		s.logger.Debug("Allocation step failed", "error", err)
	}
	if ev.Kind == allocator.EventConflict {
		s.logger.Info("Allocating again after conflict", "lost", ev.NodeID.String())
		if err := s.allocator.Start(); err != nil {
			s.logger.Warn("Allocation restart failed", "error", err)
		}
	}
}

// runMonitor drives the stability manager and the health snapshot.
func (s *Stack) runMonitor(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.Stability.UpdatePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = s.stability.TaskHeartbeat(taskMonitor)
			s.stability.Update()
			s.refreshHealth()
			s.publishStatus()
		}
	}
}

func (s *Stack) refreshHealth() {
	s.health.Update("transport", health.FromComponentHealth("transport", s.bridge.Health()))
	s.health.Update("stability", health.FromStability(s.stability.Stats()))
	s.health.Update("node", health.FromNodeHealth(s.node.Snapshot()))
	if s.mirror != nil {
		if s.mirror.Connected() {
			s.health.Update("mirror", health.NewHealthy("mirror", "publisher connected"))
		} else {
			s.health.Update("mirror", health.NewDegraded("mirror", "publisher disconnected"))
		}
	}
}

// publishStatus mirrors the node status once per heartbeat interval.
func (s *Stack) publishStatus() {
	if s.mirror == nil {
		return
	}
	now := s.clock.Now()
	if !s.lastStatus.IsZero() && now.Sub(s.lastStatus) < s.heartbeat.Interval() {
		return
	}
	s.lastStatus = now
	s.mirror.PublishStatus(s.node.Snapshot(), s.stability.State().String())
}
