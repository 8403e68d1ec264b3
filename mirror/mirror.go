package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/metric"
	"github.com/c360/cyphalnode/node"
	"github.com/c360/cyphalnode/pkg/buffer"
)

// Defaults.
const (
	DefaultSubjectPrefix  = "cyphal"
	DefaultBufferSize     = 256
	DefaultPublishTimeout = 100 * time.Millisecond
)

// Publisher sends one message to a subject. natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Flusher is implemented by publishers that buffer. Stop flushes them after
// the queue has drained.
type Flusher interface {
	Flush(ctx context.Context) error
}

// healthNotifier is implemented by publishers that report connection changes.
type healthNotifier interface {
	OnHealthChange(fn func(healthy bool))
}

// Config configures the mirror.
type Config struct {
	SubjectPrefix  string
	BufferSize     int
	PublishTimeout time.Duration
}

// Deps are the mirror collaborators. Publisher and NodeID are required.
type Deps struct {
	Publisher       Publisher
	NodeID          func() message.NodeID
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Stats counts mirror traffic.
type Stats struct {
	Published uint64
	Failed    uint64
	Dropped   uint64
}

type outbound struct {
	subject string
	data    []byte
}

// Mirror forwards transfers and status to a Publisher without blocking.
type Mirror struct {
	cfg    Config
	pub    Publisher
	nodeID func() message.NodeID
	logger *slog.Logger

	queue      buffer.Buffer[outbound]
	errLimiter *rate.Limiter

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	connected atomic.Bool

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// New creates a mirror. Call Start to begin draining.
func New(cfg Config, deps Deps) (*Mirror, error) {
	if deps.Publisher == nil || deps.NodeID == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidParameter, "mirror", "New", "check dependencies")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Mirror{
		cfg:        cfg,
		pub:        deps.Publisher,
		nodeID:     deps.NodeID,
		logger:     logger.With("component", "mirror"),
		errLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}

	queue, err := buffer.NewCircularBuffer[outbound](cfg.BufferSize,
		buffer.WithOverflowPolicy[outbound](buffer.DropOldest),
		buffer.WithDropCallback[outbound](func(outbound) { m.dropped.Add(1) }),
		buffer.WithMetrics[outbound](deps.MetricsRegistry, "mirror"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "mirror", "New", "create queue")
	}
	m.queue = queue

	m.connected.Store(true)
	if hn, ok := deps.Publisher.(healthNotifier); ok {
		hn.OnHealthChange(m.setConnected)
	}
	return m, nil
}

func (m *Mirror) setConnected(healthy bool) {
	if m.connected.Swap(healthy) != healthy {
		m.logger.Info("mirror publisher health changed", "connected", healthy)
	}
}

// Connected reports the publisher's last known connection state. Publishers
// that do not report health are always considered connected.
func (m *Mirror) Connected() bool {
	return m.connected.Load()
}

func (m *Mirror) nodeToken() string {
	id := m.nodeID()
	if id.IsUnset() {
		return "anon"
	}
	return id.String()
}

// TransferSubject is the subject for a transfer on port in direction dir.
func (m *Mirror) TransferSubject(dir message.Direction, port message.PortID) string {
	return fmt.Sprintf("%s.%s.%s.%d", m.cfg.SubjectPrefix, m.nodeToken(), dir, port)
}

// StatusSubject is the subject for status reports.
func (m *Mirror) StatusSubject() string {
	return fmt.Sprintf("%s.%s.status", m.cfg.SubjectPrefix, m.nodeToken())
}

// ObserveTransfer enqueues an envelope for t. It never blocks.
func (m *Mirror) ObserveTransfer(dir message.Direction, t *message.Transfer) {
	if t == nil {
		return
	}
	m.enqueue(m.TransferSubject(dir, t.PortID), NewTransferEnvelope(dir, t))
}

// PublishStatus enqueues a status report.
func (m *Mirror) PublishStatus(snap node.Snapshot, stability string) {
	m.enqueue(m.StatusSubject(), NewStatusEnvelope(snap, stability))
}

func (m *Mirror) enqueue(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.failed.Add(1)
		return
	}
	if err := m.queue.Write(outbound{subject: subject, data: data}); err != nil {
		m.dropped.Add(1)
	}
}

// Start launches the drain goroutine.
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "mirror", "Start", "check state")
	}
	m.running = true
	m.done = make(chan struct{})
	go m.drain(ctx, m.done)
	m.logger.Info("mirror started", "prefix", m.cfg.SubjectPrefix)
	return nil
}

func (m *Mirror) drain(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		item, err := m.queue.ReadWait(m.cfg.PublishTimeout)
		if errors.Is(err, errors.ErrShuttingDown) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		m.send(ctx, item)
	}
}

func (m *Mirror) send(ctx context.Context, item outbound) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PublishTimeout)
	defer cancel()

	if err := m.pub.Publish(pubCtx, item.subject, item.data); err != nil {
		m.failed.Add(1)
		if m.errLimiter.Allow() {
			m.logger.Warn("mirror publish failed", "subject", item.subject, "error", err, "failed", m.failed.Load())
		}
		return
	}
	m.published.Add(1)
}

// Stop closes the queue, flushes what is left and waits at most timeout.
func (m *Mirror) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	done := m.done
	m.mu.Unlock()

	deadline := time.Now().Add(timeout)
	_ = m.queue.Close()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrTimeout, "mirror", "Stop", "wait for drain")
	}

	if f, ok := m.pub.(Flusher); ok {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()
		if err := f.Flush(ctx); err != nil {
			m.logger.Warn("mirror flush failed", "error", err)
		}
	}
	m.logger.Info("mirror stopped", "published", m.published.Load(), "failed", m.failed.Load())
	return nil
}

// Stats returns the traffic counters.
func (m *Mirror) Stats() Stats {
	return Stats{
		Published: m.published.Load(),
		Failed:    m.failed.Load(),
		Dropped:   m.dropped.Load(),
	}
}

// Pending returns the number of queued envelopes.
func (m *Mirror) Pending() int {
	return m.queue.Size()
}
