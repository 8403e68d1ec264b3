package transport

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/c360/cyphalnode/errors"
)

// Send writes data to dst. The write is bounded by timeout; lock expiry and
// deadline expiry are reported as Timeout kind errors, a short or failed write
// as errors.ErrSendFailed.
func (b *Bridge) Send(data []byte, dst *net.UDPAddr, timeout time.Duration) error {
	if dst == nil {
		return errors.WrapInvalid(errors.ErrInvalidParameter, "transport", "Send", "validate destination")
	}
	if err := b.txMu.Lock(b.cfg.LockTimeout); err != nil {
		return errors.WrapKind(errors.KindTimeout, err, "transport", "Send", "acquire tx lock")
	}
	defer b.txMu.Unlock()
	return b.writeLocked("Send", data, dst, timeout)
}

func (b *Bridge) writeLocked(method string, data []byte, dst *net.UDPAddr, timeout time.Duration) error {
	if b.conn == nil {
		return errors.WrapKind(errors.KindNetworkUnavailable, errors.ErrNotInitialized, "transport", method, "check socket")
	}
	if err := b.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		b.recordError("send", err)
		return errors.WrapKind(errors.KindSendFailed, err, "transport", method, "set write deadline")
	}
	n, err := b.conn.WriteTo(data, dst)
	if err != nil {
		b.recordError("send", err)
		if isTimeout(err) {
			return errors.WrapKind(errors.KindTimeout, err, "transport", method, "write datagram")
		}
		return errors.WrapKind(errors.KindSendFailed, err, "transport", method, "write datagram")
	}
	if n < len(data) {
		err := fmt.Errorf("%w: wrote %d of %d bytes", errors.ErrSendFailed, n, len(data))
		b.recordError("send", err)
		return errors.WrapTransient(err, "transport", method, "write datagram")
	}
	if b.metrics != nil {
		b.metrics.datagramsSent.Inc()
		b.metrics.bytesSent.Add(float64(n))
	}
	return nil
}

// Receive reads one datagram into buf, waiting at most timeout. Expiry is
// reported as errors.ErrTimeout, any other failure as errors.ErrReceiveFailed.
func (b *Bridge) Receive(buf []byte, timeout time.Duration) (int, net.Addr, error) {
	if err := b.rxMu.Lock(b.cfg.LockTimeout); err != nil {
		return 0, nil, errors.WrapKind(errors.KindTimeout, err, "transport", "Receive", "acquire rx lock")
	}
	defer b.rxMu.Unlock()
	return b.readLocked("Receive", buf, timeout)
}

func (b *Bridge) readLocked(method string, buf []byte, timeout time.Duration) (int, net.Addr, error) {
	if b.conn == nil {
		return 0, nil, errors.WrapKind(errors.KindNetworkUnavailable, errors.ErrNotInitialized, "transport", method, "check socket")
	}
	if err := b.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		b.recordError("receive", err)
		return 0, nil, errors.WrapKind(errors.KindReceiveFailed, err, "transport", method, "set read deadline")
	}
	n, src, err := b.conn.ReadFrom(buf)
	if err != nil {
		if isTimeout(err) {
			return 0, nil, errors.WrapKind(errors.KindTimeout, errors.ErrTimeout, "transport", method, "read datagram")
		}
		b.recordError("receive", err)
		return 0, nil, errors.WrapKind(errors.KindReceiveFailed, err, "transport", method, "read datagram")
	}

	b.flow.Record(n)
	if b.metrics != nil {
		b.metrics.datagramsReceived.Inc()
		b.metrics.bytesReceived.Add(float64(n))
		b.metrics.lastActivity.Set(float64(b.clock.Now().Unix()))
	}
	return n, src, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
