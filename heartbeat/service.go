package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/cyphalnode/errorhandler"
	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/metric"
	"github.com/c360/cyphalnode/node"
)

// Interval bounds.
const (
	MinInterval     = 100 * time.Millisecond
	MaxInterval     = 10 * time.Second
	DefaultInterval = time.Second
)

// Publisher queues a transfer for transmission.
type Publisher interface {
	Publish(t *message.Transfer) error
}

// PublisherFunc adapts a function such as (*txqueue.Queue).Push to Publisher.
type PublisherFunc func(t *message.Transfer) error

// Publish calls f.
func (f PublisherFunc) Publish(t *message.Transfer) error { return f(t) }

// ErrorReporter receives heartbeat failures. *errorhandler.Handler
// satisfies it.
type ErrorReporter interface {
	Log(ctx context.Context, r errorhandler.Record) error
}

// Deps holds the service collaborators. Node and Publisher are required.
type Deps struct {
	Node      *node.Context
	Publisher Publisher
	Errors    ErrorReporter
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metric.Metrics
}

// Service is safe for concurrent use.
type Service struct {
	node    *node.Context
	pub     Publisher
	errs    ErrorReporter
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.Mutex
	interval time.Duration
	enabled  bool
	lastEmit time.Time
	sent     uint64
	failed   uint64
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a disabled service with DefaultInterval.
func New(deps Deps) (*Service, error) {
	if deps.Node == nil || deps.Publisher == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: node and publisher are required", errors.ErrInvalidParameter),
			"heartbeat", "New", "validate deps")
	}
	s := &Service{
		node:     deps.Node,
		pub:      deps.Publisher,
		errs:     deps.Errors,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		interval: DefaultInterval,
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "heartbeat")
	}
	return s, nil
}

// SetInterval changes the heartbeat period.
func (s *Service) SetInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval {
		return errors.WrapInvalid(
			fmt.Errorf("%w: interval %v outside [%v, %v]", errors.ErrInvalidParameter, d, MinInterval, MaxInterval),
			"heartbeat", "SetInterval", "validate interval")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	return nil
}

// Interval returns the heartbeat period.
func (s *Service) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Enable lets Tick emit.
func (s *Service) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
}

// Disable stops Tick from emitting. A loop started by Start keeps running.
func (s *Service) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
}

// IsEnabled reports whether heartbeats are being emitted.
func (s *Service) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Start enables the service and runs Tick from its own goroutine until ctx
// is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.enabled = true
	done := s.done
	s.mu.Unlock()

	go s.run(ctx, done)
	return nil
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := s.clock.Ticker(MinInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// failures already reached the error handler
			_, _ = s.Tick(ctx)
		}
	}
}

// Stop disables the service and waits at most timeout for the loop started
// by Start to exit.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	s.enabled = false
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrTimeout, "heartbeat", "Stop", "wait for loop exit")
	}
}

// Tick emits a heartbeat when enabled, identified and due. It reports
// whether a heartbeat was attempted.
func (s *Service) Tick(ctx context.Context) (bool, error) {
	s.mu.Lock()
	now := s.clock.Now()
	due := s.enabled && now.Sub(s.lastEmit) >= s.interval && !s.node.ID().IsUnset()
	if due {
		s.lastEmit = now
	}
	s.mu.Unlock()
	if !due {
		return false, nil
	}
	return true, s.emit(ctx)
}

// Emit builds a heartbeat from the node context and publishes it at nominal
// priority.
func (s *Service) Emit(ctx context.Context) error {
	s.mu.Lock()
	s.lastEmit = s.clock.Now()
	s.mu.Unlock()
	return s.emit(ctx)
}

func (s *Service) emit(ctx context.Context) error {
	snap := s.node.Snapshot()
	if snap.ID.IsUnset() {
		return errors.WrapInvalid(fmt.Errorf("%w: anonymous nodes do not heartbeat", errors.ErrNotInitialized),
			"heartbeat", "Emit", "check node id")
	}

	t, err := message.New(message.SubjectHeartbeat, message.PriorityNominal, Encode(snap.Status()),
		message.WithSource(snap.ID))
	if err != nil {
		return errors.WrapInvalid(err, "heartbeat", "Emit", "build heartbeat")
	}

	if err := s.pub.Publish(t); err != nil {
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		return s.report(ctx, err)
	}

	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.HeartbeatsSent.Inc()
	}
	return nil
}

func (s *Service) report(ctx context.Context, err error) error {
	kind := errors.KindOf(err)
	severity := errors.SeverityError
	if kind == errors.KindQueueFull {
		severity = errors.SeverityWarning
	}
	if kind == errors.KindNone {
		kind = errors.KindSendFailed
	}
	if s.errs != nil {
		// recovery outcome does not change what Emit returns
		_ = s.errs.Log(ctx, errorhandler.Record{
			Kind:        kind,
			Severity:    severity,
			Context:     "heartbeat",
			Description: "Heartbeat not queued",
			Err:         err,
		})
	} else {
		s.logger.Warn("Heartbeat not queued", "error", err)
	}
	return errors.WrapTransient(err, "heartbeat", "Emit", "publish heartbeat")
}

// Stats reports heartbeats published and failed.
func (s *Service) Stats() (sent, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.failed
}
