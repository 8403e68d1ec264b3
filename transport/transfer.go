package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/pkg/timestamp"
	"github.com/c360/cyphalnode/pkg/udpard"
)

// MapPriority maps a transfer priority onto the udpard levels. The mapping is
// the identity; out-of-range values degrade to nominal.
func MapPriority(p message.Priority) udpard.Priority {
	if !p.Valid() {
		return udpard.Priority(message.PriorityNominal)
	}
	return udpard.Priority(p)
}

// Publish enqueues a broadcast message transfer. It never touches the socket.
// The bridge stamps the source with its own node id; on success t.TransferID
// holds the transfer id assigned to it.
func (b *Bridge) Publish(t *message.Transfer) error {
	return b.enqueue("Publish", t, message.KindMessage, 0)
}

// SendRequest enqueues a service request to t.Destination.
func (b *Bridge) SendRequest(t *message.Transfer) error {
	return b.enqueue("SendRequest", t, message.KindRequest, 0)
}

// SendResponse enqueues a service response. requestTransferID is the transfer
// id of the request being answered.
func (b *Bridge) SendResponse(t *message.Transfer, requestTransferID uint64) error {
	return b.enqueue("SendResponse", t, message.KindResponse, requestTransferID)
}

func (b *Bridge) enqueue(method string, t *message.Transfer, kind message.Kind, responseTID uint64) error {
	if t == nil {
		return errors.WrapInvalid(errors.ErrInvalidParameter, "transport", method, "validate transfer")
	}

	out := *t
	out.Priority = message.Priority(MapPriority(t.Priority))
	out.Source = b.NodeID()
	out.IsAnonymous = !out.Source.Valid()
	if err := message.Validate(&out); err != nil {
		return errors.WrapInvalid(err, "transport", method, "validate transfer")
	}
	if out.Kind() != kind {
		return errors.WrapInvalid(fmt.Errorf("%w: %s transfer passed to %s", errors.ErrInvalidParameter, out.Kind(), method),
			"transport", method, "validate transfer kind")
	}

	payload := out.Payload
	if b.cfg.Envelope {
		encoded, err := message.Marshal(&out)
		if err != nil {
			return errors.WrapInvalid(err, "transport", method, "encode transfer")
		}
		payload = encoded
	}

	if err := b.txMu.Lock(b.cfg.LockTimeout); err != nil {
		return errors.WrapKind(errors.KindTimeout, err, "transport", method, "acquire tx lock")
	}
	defer b.txMu.Unlock()

	if !b.initialized.Load() {
		return errors.WrapKind(errors.KindNetworkUnavailable, errors.ErrNotInitialized, "transport", method, "check state")
	}

	tid := responseTID
	key := sessionKey{kind: kind, port: out.PortID, destination: out.Destination}
	if kind != message.KindResponse {
		tid = b.tids[key]
	}

	deadline := b.clock.Now().Add(b.cfg.TxTimeout)
	prio := MapPriority(out.Priority)
	port := uint16(out.PortID)
	dst := uint16(out.Destination)

	var err error
	switch kind {
	case message.KindRequest:
		_, err = b.ins.Request(deadline, prio, port, dst, tid, payload)
	case message.KindResponse:
		_, err = b.ins.Respond(deadline, prio, port, dst, tid, payload)
	default:
		_, err = b.ins.Publish(deadline, prio, port, tid, payload)
	}
	if err != nil {
		return errors.Wrap(err, "transport", method, "enqueue frames")
	}

	if kind != message.KindResponse {
		b.tids[key] = tid + 1
	}
	t.TransferID = tid
	if b.metrics != nil {
		b.metrics.transfersQueued.WithLabelValues(kind.String()).Inc()
		b.metrics.txQueueDepth.Set(float64(b.ins.QueueLen()))
	}
	return nil
}

// ProcessTxQueue writes up to max queued datagrams to the socket and returns
// how many were written. Every datagram taken from the queue is released,
// whether or not its write succeeded; the first write error is returned after
// the remaining datagrams have been tried. max <= 0 drains the whole queue.
func (b *Bridge) ProcessTxQueue(max int) (int, error) {
	if err := b.txMu.Lock(b.cfg.LockTimeout); err != nil {
		return 0, errors.WrapKind(errors.KindTimeout, err, "transport", "ProcessTxQueue", "acquire tx lock")
	}
	defer b.txMu.Unlock()

	if !b.initialized.Load() {
		return 0, errors.WrapKind(errors.KindNetworkUnavailable, errors.ErrNotInitialized,
			"transport", "ProcessTxQueue", "check state")
	}

	var sent int
	var firstErr error
	for processed := 0; max <= 0 || processed < max; processed++ {
		item := b.ins.Peek(b.clock.Now())
		if item == nil {
			break
		}
		dst := &net.UDPAddr{IP: item.Endpoint.IP, Port: item.Endpoint.Port}
		if b.port > 0 {
			dst.Port = b.port
		}
		err := b.writeLocked("ProcessTxQueue", item.Datagram, dst, b.cfg.SendTimeout)
		b.ins.Pop()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}

	if b.metrics != nil {
		b.metrics.txQueueDepth.Set(float64(b.ins.QueueLen()))
	}
	return sent, firstErr
}

// Poll receives one datagram, waiting at most timeout, and returns the
// transfer it completes. It returns nil, nil when the datagram did not
// complete a transfer or was discarded.
func (b *Bridge) Poll(timeout time.Duration) (*message.Transfer, error) {
	t, _, err := b.PollFrom(timeout)
	return t, err
}

// PollFrom is Poll that also reports the sender address of the final frame.
func (b *Bridge) PollFrom(timeout time.Duration) (*message.Transfer, net.Addr, error) {
	if err := b.rxMu.Lock(b.cfg.LockTimeout); err != nil {
		return nil, nil, errors.WrapKind(errors.KindTimeout, err, "transport", "Poll", "acquire rx lock")
	}
	defer b.rxMu.Unlock()

	if !b.initialized.Load() {
		return nil, nil, errors.WrapKind(errors.KindNetworkUnavailable, errors.ErrNotInitialized, "transport", "Poll", "check state")
	}

	n, src, err := b.readLocked("Poll", b.rxBuf, timeout)
	if err != nil {
		return nil, nil, err
	}

	if b.isEcho(b.rxBuf[:n], src) {
		b.drop("echo")
		return nil, nil, nil
	}

	now := b.clock.Now()
	result, rx, err := b.ins.Accept(now, b.rxBuf[:n])
	if err != nil {
		b.drop(dropReason(err))
		b.logger.Debug("Frame rejected", "from", src, "error", err)
		return nil, nil, nil
	}
	if result != udpard.Complete {
		return nil, nil, nil
	}

	t, err := b.toTransfer(rx, timestamp.FromTime(now))
	if err != nil {
		b.drop("envelope")
		b.logger.Debug("Transfer envelope rejected", "from", src, "error", err)
		return nil, nil, nil
	}
	if b.metrics != nil {
		b.metrics.transfersReceived.WithLabelValues(t.Kind().String()).Inc()
	}
	return t, src, nil
}

// isEcho reports whether datagram is one this bridge sent itself.
func (b *Bridge) isEcho(datagram []byte, src net.Addr) bool {
	self := b.NodeID()
	if !self.Valid() {
		return false
	}
	header, err := udpard.DecodeHeader(datagram)
	if err != nil || header.Source != uint16(self) {
		return false
	}
	udp, ok := src.(*net.UDPAddr)
	if !ok || udp.Port != b.localPort {
		return false
	}
	for _, ip := range b.localIPs {
		if ip.Equal(udp.IP) {
			return true
		}
	}
	return false
}

func (b *Bridge) toTransfer(rx *udpard.RxTransfer, ts timestamp.Micros) (*message.Transfer, error) {
	var t *message.Transfer
	if b.cfg.Envelope {
		decoded, err := message.DeserializeAt(rx.Payload, ts)
		if err != nil {
			return nil, err
		}
		t = decoded
	} else {
		t = &message.Transfer{Payload: rx.Payload, Timestamp: ts}
	}

	// Frame metadata is authoritative for addressing.
	t.PortID = message.PortID(rx.Port)
	t.Priority = message.Priority(rx.Priority)
	t.Source = fromUdpardID(rx.Source)
	t.IsAnonymous = rx.Source == udpard.NodeIDUnset
	t.TransferID = rx.TransferID
	switch rx.Kind {
	case udpard.KindRequest:
		t.IsServiceRequest = true
		t.Destination = fromUdpardID(rx.Destination)
	case udpard.KindResponse:
		t.IsServiceRequest = false
		t.Destination = fromUdpardID(rx.Destination)
	default:
		t.IsServiceRequest = false
		t.Destination = message.NodeIDUnset
	}
	if err := message.Validate(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (b *Bridge) drop(reason string) {
	if b.metrics != nil {
		b.metrics.framesDropped.WithLabelValues(reason).Inc()
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, udpard.ErrDuplicateTransfer):
		return "duplicate"
	case errors.Is(err, udpard.ErrHeaderCRC), errors.Is(err, udpard.ErrTransferCRC):
		return "crc"
	case errors.Is(err, udpard.ErrTransferTooLarge):
		return "too_large"
	default:
		return "malformed"
	}
}
