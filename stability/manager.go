package stability

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/metric"
)

// Defaults.
const (
	DefaultErrorThreshold      = 10
	DefaultRecoveryTimeout     = 5 * time.Second
	DefaultMaxRecoveryAttempts = 3
)

// Config configures a Manager.
type Config struct {
	ErrorThreshold      uint64        `json:"error_threshold" yaml:"error_threshold"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	MaxRecoveryAttempts int           `json:"max_recovery_attempts" yaml:"max_recovery_attempts"`
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:      DefaultErrorThreshold,
		RecoveryTimeout:     DefaultRecoveryTimeout,
		MaxRecoveryAttempts: DefaultMaxRecoveryAttempts,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ErrorThreshold == 0 {
		return fmt.Errorf("%w: error threshold must be positive", errors.ErrInvalidConfig)
	}
	if c.RecoveryTimeout < 0 {
		return fmt.Errorf("%w: negative recovery timeout", errors.ErrInvalidConfig)
	}
	if c.MaxRecoveryAttempts <= 0 {
		return fmt.Errorf("%w: max recovery attempts must be positive", errors.ErrInvalidConfig)
	}
	return nil
}

// ErrorSource is the error statistics the manager watches and clears on
// recovery. *errorhandler.Handler satisfies it.
type ErrorSource interface {
	Total() uint64
	Reset()
}

// RecoveryHook runs during a recovery attempt. A non-nil error fails the
// attempt.
type RecoveryHook func() error

// Deps holds the manager collaborators. Every field is optional.
type Deps struct {
	Errors   ErrorSource
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metric.Metrics
	Hook     RecoveryHook
	Listener Listener
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg     Config
	errs    ErrorSource
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metric.Metrics

	tasksMu sync.RWMutex
	tasks   map[TaskHandle]*task

	mu          sync.Mutex
	state       State
	hook        RecoveryHook
	listener    Listener
	isolatedAt  time.Time
	lastUpdate  time.Time
	uptime      time.Duration
	degraded    time.Duration
	isolations  uint32
	attempts    uint32
	successes   uint32
	consecutive uint32
	recovering  bool
}

// New creates a manager in the Normal state.
func New(cfg Config, deps Deps) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "stability", "New", "validate config")
	}
	m := &Manager{
		cfg:      cfg,
		errs:     deps.Errors,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		hook:     deps.Hook,
		listener: deps.Listener,
		tasks:    make(map[TaskHandle]*task, MaxTasks),
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.logger == nil {
		m.logger = slog.Default().With("component", "stability")
	}
	m.lastUpdate = m.clock.Now()
	if m.metrics != nil {
		m.metrics.RecordStabilityState(int(StateNormal))
	}
	return m, nil
}

// SetListener replaces the transition listener.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// SetRecoveryHook replaces the recovery hook.
func (m *Manager) SetRecoveryHook(h RecoveryHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// RegisterTask starts monitoring a task that heartbeats every interval.
func (m *Manager) RegisterTask(handle TaskHandle, name string, interval time.Duration) error {
	if interval <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: interval %v", errors.ErrInvalidParameter, interval),
			"stability", "RegisterTask", "validate interval")
	}

	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()

	if _, exists := m.tasks[handle]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: task %d already registered", errors.ErrInvalidParameter, handle),
			"stability", "RegisterTask", "register task")
	}
	if len(m.tasks) >= MaxTasks {
		return errors.WrapKind(errors.KindTooManyTasks, nil, "stability", "RegisterTask",
			fmt.Sprintf("register task %q", name))
	}
	m.tasks[handle] = newTask(handle, name, interval, m.clock.Now())
	m.logger.Debug("Task registered", "handle", handle, "name", name, "interval", interval)
	return nil
}

// UnregisterTask stops monitoring a task.
func (m *Manager) UnregisterTask(handle TaskHandle) error {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	if _, ok := m.tasks[handle]; !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: unknown task %d", errors.ErrInvalidParameter, handle),
			"stability", "UnregisterTask", "lookup task")
	}
	delete(m.tasks, handle)
	return nil
}

// TaskHeartbeat marks the task alive and kicks its watchdog.
func (m *Manager) TaskHeartbeat(handle TaskHandle) error {
	m.tasksMu.RLock()
	t, ok := m.tasks[handle]
	m.tasksMu.RUnlock()
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: unknown task %d", errors.ErrInvalidParameter, handle),
			"stability", "TaskHeartbeat", "lookup task")
	}
	t.heartbeat(m.clock.Now())
	return nil
}

// SetWatchdog enables or disables a task's watchdog. Enabling kicks it.
func (m *Manager) SetWatchdog(handle TaskHandle, enabled bool) error {
	m.tasksMu.RLock()
	t, ok := m.tasks[handle]
	m.tasksMu.RUnlock()
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: unknown task %d", errors.ErrInvalidParameter, handle),
			"stability", "SetWatchdog", "lookup task")
	}
	t.setWatchdog(enabled, m.clock.Now())
	return nil
}

// CheckTaskHealth re-evaluates every task and moves between Normal and
// Degraded accordingly. It reports whether all tasks are healthy.
func (m *Manager) CheckTaskHealth() bool {
	healthy := m.checkTasks()

	m.mu.Lock()
	from := m.state
	switch {
	case from == StateNormal && !healthy:
		m.setStateLocked(StateDegraded)
	case from == StateDegraded && healthy:
		m.setStateLocked(StateNormal)
	}
	to, l := m.state, m.listener
	m.mu.Unlock()

	m.notify(l, from, to)
	return healthy
}

func (m *Manager) checkTasks() bool {
	now := m.clock.Now()
	m.tasksMu.RLock()
	defer m.tasksMu.RUnlock()

	healthy := true
	for _, t := range m.tasks {
		if !t.check(now) {
			healthy = false
			m.logger.Debug("Task unhealthy", "handle", t.handle, "name", t.name)
		}
	}
	return healthy
}

// HandleError isolates the node when kind is critical.
func (m *Manager) HandleError(kind errors.Kind) {
	if !errors.IsCritical(kind) {
		return
	}
	m.isolate("critical error " + kind.String())
}

// Isolate forces the node off the bus.
func (m *Manager) Isolate(reason string) {
	m.isolate(reason)
}

func (m *Manager) isolate(reason string) {
	m.mu.Lock()
	from := m.state
	if from == StateIsolated || from == StateFailed {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateIsolated)
	m.isolations++
	m.isolatedAt = m.clock.Now()
	l := m.listener
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Isolations.Inc()
	}
	m.logger.Warn("Node isolated", "reason", reason, "from", from.String())
	m.notify(l, from, StateIsolated)
}

// AttemptRecovery tries to leave Isolated. It fails with ErrTimeout while the
// recovery timeout since isolation has not elapsed.
func (m *Manager) AttemptRecovery() error {
	m.mu.Lock()
	if m.state != StateIsolated {
		state := m.state
		m.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("%w: node is %s", errors.ErrInvalidParameter, state),
			"stability", "AttemptRecovery", "check state")
	}
	if m.recovering {
		m.mu.Unlock()
		return errors.WrapTransient(fmt.Errorf("%w: recovery in progress", errors.ErrTimeout),
			"stability", "AttemptRecovery", "begin recovery")
	}
	if since := m.clock.Since(m.isolatedAt); since < m.cfg.RecoveryTimeout {
		m.mu.Unlock()
		return errors.WrapTransient(
			fmt.Errorf("%w: %v of %v recovery timeout elapsed", errors.ErrTimeout, since, m.cfg.RecoveryTimeout),
			"stability", "AttemptRecovery", "check recovery timeout")
	}
	m.attempts++
	m.recovering = true
	hook := m.hook
	m.mu.Unlock()

	if m.errs != nil {
		m.errs.Reset()
	}
	m.resetTasks()

	var hookErr error
	if hook != nil {
		hookErr = hook()
	}

	m.mu.Lock()
	m.recovering = false
	from := m.state
	if hookErr == nil && from == StateIsolated {
		m.successes++
		m.consecutive = 0
		m.setStateLocked(StateNormal)
	} else if hookErr != nil {
		m.consecutive++
		m.isolatedAt = m.clock.Now()
		if m.consecutive >= uint32(m.cfg.MaxRecoveryAttempts) {
			m.setStateLocked(StateFailed)
		}
	}
	to, l, consecutive := m.state, m.listener, m.consecutive
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordRecovery("stability", hookErr == nil)
	}
	m.notify(l, from, to)

	if hookErr != nil {
		if to == StateFailed {
			m.logger.Error("Recovery abandoned", "consecutive_failures", consecutive, "error", hookErr)
		} else {
			m.logger.Warn("Recovery failed", "consecutive_failures", consecutive, "error", hookErr)
		}
		return errors.WrapTransient(hookErr, "stability", "AttemptRecovery", "run recovery hook")
	}
	m.logger.Info("Node recovered", "attempts", m.attempts)
	return nil
}

func (m *Manager) resetTasks() {
	now := m.clock.Now()
	m.tasksMu.RLock()
	defer m.tasksMu.RUnlock()
	for _, t := range m.tasks {
		t.heartbeat(now)
	}
}

// Update is called periodically. It accumulates uptime, checks task health,
// applies the error threshold and attempts recovery once it is due.
func (m *Manager) Update() {
	now := m.clock.Now()

	m.mu.Lock()
	elapsed := now.Sub(m.lastUpdate)
	if elapsed > 0 {
		m.uptime += elapsed
		if m.state == StateDegraded {
			m.degraded += elapsed
		}
	}
	m.lastUpdate = now
	m.mu.Unlock()

	m.CheckTaskHealth()

	if m.errs != nil {
		if total := m.errs.Total(); total >= m.cfg.ErrorThreshold {
			m.isolate(fmt.Sprintf("error threshold reached (%d)", total))
		}
	}

	m.mu.Lock()
	due := m.state == StateIsolated && now.Sub(m.isolatedAt) >= m.cfg.RecoveryTimeout
	m.mu.Unlock()
	if due {
		// failure is logged and counted inside
		_ = m.AttemptRecovery()
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsIsolated reports whether the node must stay off the bus.
func (m *Manager) IsIsolated() bool {
	s := m.State()
	return s == StateIsolated || s == StateFailed
}

// Tasks returns a snapshot of every task, ordered by handle.
func (m *Manager) Tasks() []TaskInfo {
	m.tasksMu.RLock()
	infos := make([]TaskInfo, 0, len(m.tasks))
	for _, t := range m.tasks {
		infos = append(infos, t.info())
	}
	m.tasksMu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Handle < infos[j].Handle })
	return infos
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	tasks := m.Tasks()
	unhealthy := 0
	for _, t := range tasks {
		if !t.Healthy {
			unhealthy++
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		State:               m.state,
		Isolations:          m.isolations,
		RecoveryAttempts:    m.attempts,
		RecoverySuccesses:   m.successes,
		ConsecutiveFailures: m.consecutive,
		Uptime:              m.uptime,
		DegradedTime:        m.degraded,
		Tasks:               len(tasks),
		UnhealthyTasks:      unhealthy,
	}
}

// Reset returns to Normal with zeroed counters. Registered tasks stay
// registered and are marked alive.
func (m *Manager) Reset() {
	m.resetTasks()

	m.mu.Lock()
	from := m.state
	m.setStateLocked(StateNormal)
	m.isolations = 0
	m.attempts = 0
	m.successes = 0
	m.consecutive = 0
	m.uptime = 0
	m.degraded = 0
	m.isolatedAt = time.Time{}
	m.lastUpdate = m.clock.Now()
	l := m.listener
	m.mu.Unlock()

	m.notify(l, from, StateNormal)
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.metrics != nil {
		m.metrics.RecordStabilityState(int(s))
	}
}

func (m *Manager) notify(l Listener, from, to State) {
	if from == to {
		return
	}
	m.logger.Info("Stability state changed", "from", from.String(), "to", to.String())
	if l != nil {
		l(from, to)
	}
}
