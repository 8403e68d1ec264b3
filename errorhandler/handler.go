package errorhandler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/metric"
	"github.com/c360/cyphalnode/pkg/retry"
	"github.com/c360/cyphalnode/pkg/timestamp"
)

// Record is one error report.
type Record struct {
	Kind        errors.Kind
	Severity    errors.Severity
	Context     string // reporting component, e.g. "heartbeat"
	Description string
	Data        uint32
	Err         error // optional cause
}

// Callback observes every logged record.
type Callback func(Record)

// Check reports whether the condition behind a recoverable kind has cleared.
type Check func(ctx context.Context) error

// Config configures a Handler.
type Config struct {
	MinSeverity         errors.Severity
	MaxRecoveryAttempts int
	Retry               retry.Config
	RecoveryDelays      map[errors.Kind]time.Duration
	LogInterval         time.Duration
	LogBurst            int
}

// DefaultRecoveryDelays returns the wait each recoverable kind's recovery
// starts with.
func DefaultRecoveryDelays() map[errors.Kind]time.Duration {
	return map[errors.Kind]time.Duration{
		errors.KindNetworkUnavailable: 100 * time.Millisecond,
		errors.KindQueueFull:          10 * time.Millisecond,
		errors.KindTimeout:            5 * time.Millisecond,
		errors.KindSendFailed:         10 * time.Millisecond,
		errors.KindReceiveFailed:      10 * time.Millisecond,
		errors.KindTransportError:     50 * time.Millisecond,
	}
}

// DefaultConfig returns the handler defaults.
func DefaultConfig() Config {
	return Config{
		MinSeverity:         errors.SeverityWarning,
		MaxRecoveryAttempts: 16,
		Retry:               retry.Recovery(),
		RecoveryDelays:      DefaultRecoveryDelays(),
		LogInterval:         time.Second,
		LogBurst:            5,
	}
}

// Stats is a snapshot of the handler counters.
type Stats struct {
	Total             uint64            `json:"total"`
	ByKind            map[string]uint64 `json:"by_kind"`
	Critical          uint64            `json:"critical"`
	RecoveryAttempts  uint64            `json:"recovery_attempts"`
	RecoverySuccesses uint64            `json:"recovery_successes"`
	LastKind          errors.Kind       `json:"last_kind"`
	LastTime          timestamp.Micros  `json:"last_time"`
}

// Handler is safe for concurrent use.
type Handler struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	clock   clock.Clock

	mu         sync.Mutex
	total      uint64
	byKind     map[errors.Kind]uint64
	critical   uint64
	attempts   uint64
	successes  uint64
	lastKind   errors.Kind
	lastTime   timestamp.Micros
	callback   Callback
	checks     map[errors.Kind]Check
	limiters   map[errors.Kind]*rate.Limiter
	suppressed map[errors.Kind]int
	recovering map[errors.Kind]bool

	wg sync.WaitGroup
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithMetrics records errors and recoveries in the node metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock sets the clock used for timestamps and recovery delays.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) { h.clock = c }
}

// WithCallback registers the callback at construction.
func WithCallback(cb Callback) Option {
	return func(h *Handler) { h.callback = cb }
}

// New creates a handler.
func New(cfg Config, opts ...Option) (*Handler, error) {
	if cfg.MaxRecoveryAttempts < 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: negative recovery budget", errors.ErrInvalidConfig),
			"errorhandler", "New", "validate config")
	}
	if cfg.MinSeverity < errors.SeverityInfo || cfg.MinSeverity > errors.SeverityCritical {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: min severity %d", errors.ErrInvalidConfig, cfg.MinSeverity),
			"errorhandler", "New", "validate config")
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Second
	}
	if cfg.LogBurst <= 0 {
		cfg.LogBurst = 1
	}

	h := &Handler{
		cfg:        cfg,
		byKind:     make(map[errors.Kind]uint64),
		checks:     make(map[errors.Kind]Check),
		limiters:   make(map[errors.Kind]*rate.Limiter),
		suppressed: make(map[errors.Kind]int),
		recovering: make(map[errors.Kind]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default().With("component", "errorhandler")
	}
	if h.clock == nil {
		h.clock = clock.New()
	}
	return h, nil
}

// SetCallback replaces the callback. nil removes it.
func (h *Handler) SetCallback(cb Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callback = cb
}

// RegisterCheck sets the check used to confirm recovery from kind.
func (h *Handler) RegisterCheck(kind errors.Kind, check Check) error {
	if !errors.IsRecoverable(kind) {
		return errors.WrapInvalid(fmt.Errorf("%w: %s is not recoverable", errors.ErrInvalidParameter, kind),
			"errorhandler", "RegisterCheck", "validate kind")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if check == nil {
		delete(h.checks, kind)
	} else {
		h.checks[kind] = check
	}
	return nil
}

// Log counts r, notifies the callback and, for a recoverable kind at or above
// the minimum severity, starts recovery in the background. It returns nil when
// the record was below the minimum severity or recovery was started or is
// already running for the kind. Log never waits for recovery.
func (h *Handler) Log(ctx context.Context, r Record) error {
	if r.Kind == errors.KindNone {
		return errors.WrapInvalid(fmt.Errorf("%w: record without kind", errors.ErrInvalidParameter),
			"errorhandler", "Log", "validate record")
	}

	h.mu.Lock()
	h.total++
	h.byKind[r.Kind]++
	if r.Severity >= errors.SeverityCritical {
		h.critical++
	}
	h.lastKind = r.Kind
	h.lastTime = timestamp.From(h.clock)
	cb := h.callback
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordError(r.Kind.String(), r.Severity.String())
	}
	if cb != nil {
		cb(r)
	}

	if r.Severity < h.cfg.MinSeverity {
		return nil
	}
	h.logRecord(r)

	if !errors.IsRecoverable(r.Kind) {
		return h.surface(r)
	}
	return h.recover(ctx, r)
}

func (h *Handler) surface(r Record) error {
	comp := r.Context
	if comp == "" {
		comp = "errorhandler"
	}
	action := r.Description
	if action == "" {
		action = r.Kind.String()
	}
	return errors.WrapKind(r.Kind, r.Err, comp, "Log", action)
}

func (h *Handler) recover(ctx context.Context, r Record) error {
	h.mu.Lock()
	if h.recovering[r.Kind] {
		h.mu.Unlock()
		return nil
	}
	if h.attempts >= uint64(h.cfg.MaxRecoveryAttempts) {
		h.mu.Unlock()
		err := errors.WrapKind(r.Kind, r.Err, "errorhandler", "Log", "recover "+r.Kind.String())
		return fmt.Errorf("%w: %w", errors.ErrMaxRetriesExceeded, err)
	}
	h.attempts++
	h.recovering[r.Kind] = true
	check := h.checks[r.Kind]
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		err := h.runRecovery(ctx, r.Kind, check)

		h.mu.Lock()
		delete(h.recovering, r.Kind)
		if err == nil {
			h.successes++
		}
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.RecordRecovery(r.Kind.String(), err == nil)
		}

		if err != nil {
			h.logger.Debug("Recovery failed", "kind", r.Kind.String(), "context", r.Context, "error", err)
			return
		}
		h.logger.Debug("Recovered", "kind", r.Kind.String(), "context", r.Context)
	}()
	return nil
}

// runRecovery waits the kind's delay, then retries the check if there is one.
func (h *Handler) runRecovery(ctx context.Context, kind errors.Kind, check Check) error {
	if delay := h.cfg.RecoveryDelays[kind]; delay > 0 {
		timer := h.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if check == nil {
		return ctx.Err()
	}
	return retry.Do(ctx, h.cfg.Retry, func() error { return check(ctx) })
}

// Wait blocks until every running recovery has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) logRecord(r Record) {
	h.mu.Lock()
	lim, ok := h.limiters[r.Kind]
	if !ok {
		lim = rate.NewLimiter(rate.Every(h.cfg.LogInterval), h.cfg.LogBurst)
		h.limiters[r.Kind] = lim
	}
	if !lim.Allow() {
		h.suppressed[r.Kind]++
		h.mu.Unlock()
		return
	}
	suppressed := h.suppressed[r.Kind]
	h.suppressed[r.Kind] = 0
	h.mu.Unlock()

	attrs := []any{
		"kind", r.Kind.String(),
		"severity", r.Severity.String(),
		"context", r.Context,
		"data", r.Data,
	}
	if r.Err != nil {
		attrs = append(attrs, "error", r.Err)
	}
	if suppressed > 0 {
		attrs = append(attrs, "suppressed", suppressed)
	}

	switch r.Severity {
	case errors.SeverityInfo:
		h.logger.Info(r.Description, attrs...)
	case errors.SeverityWarning:
		h.logger.Warn(r.Description, attrs...)
	default:
		h.logger.Error(r.Description, attrs...)
	}
}

// Stats returns a snapshot of the counters.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	byKind := make(map[string]uint64, len(h.byKind))
	for k, n := range h.byKind {
		byKind[k.String()] = n
	}
	return Stats{
		Total:             h.total,
		ByKind:            byKind,
		Critical:          h.critical,
		RecoveryAttempts:  h.attempts,
		RecoverySuccesses: h.successes,
		LastKind:          h.lastKind,
		LastTime:          h.lastTime,
	}
}

// Count returns how many records of kind were logged.
func (h *Handler) Count(kind errors.Kind) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byKind[kind]
}

// Total returns how many records were logged.
func (h *Handler) Total() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Reset clears the counters and restores the recovery budget.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total = 0
	h.byKind = make(map[errors.Kind]uint64)
	h.critical = 0
	h.attempts = 0
	h.successes = 0
	h.lastKind = errors.KindNone
	h.lastTime = 0
	h.suppressed = make(map[errors.Kind]int)
}
