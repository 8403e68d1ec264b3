package stability

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/metric"
)

type fakeErrors struct {
	mu     sync.Mutex
	total  uint64
	resets int
}

func (f *fakeErrors) Total() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeErrors) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = 0
	f.resets++
}

func (f *fakeErrors) add(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total += n
}

func newManager(t *testing.T, deps Deps) (*Manager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	deps.Clock = mock
	m, err := New(DefaultConfig(), deps)
	require.NoError(t, err)
	return m, mock
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "normal", StateNormal.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "isolated", StateIsolated.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ErrorThreshold = 0
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.MaxRecoveryAttempts = 0
	_, err := New(cfg, Deps{})
	assert.True(t, errors.IsInvalid(err))
}

func TestRegisterTask_Limit(t *testing.T) {
	m, _ := newManager(t, Deps{})

	for i := 1; i <= MaxTasks; i++ {
		require.NoError(t, m.RegisterTask(TaskHandle(i), fmt.Sprintf("task-%d", i), time.Second))
	}

	err := m.RegisterTask(5, "task-5", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTooManyTasks)
	assert.Equal(t, errors.KindTooManyTasks, errors.KindOf(err))
	assert.Len(t, m.Tasks(), MaxTasks)

	require.NoError(t, m.UnregisterTask(2))
	require.NoError(t, m.RegisterTask(5, "task-5", time.Second))
}

func TestRegisterTask_Invalid(t *testing.T) {
	m, _ := newManager(t, Deps{})

	require.NoError(t, m.RegisterTask(1, "rx", time.Second))
	assert.ErrorIs(t, m.RegisterTask(1, "again", time.Second), errors.ErrInvalidParameter)
	assert.ErrorIs(t, m.RegisterTask(2, "zero", 0), errors.ErrInvalidParameter)
	assert.ErrorIs(t, m.TaskHeartbeat(9), errors.ErrInvalidParameter)
	assert.ErrorIs(t, m.UnregisterTask(9), errors.ErrInvalidParameter)
}

func TestCheckTaskHealth_SilentTaskDegrades(t *testing.T) {
	var transitions [][2]State
	m, mock := newManager(t, Deps{Listener: func(from, to State) {
		transitions = append(transitions, [2]State{from, to})
	}})

	require.NoError(t, m.RegisterTask(1, "node", time.Second))
	assert.True(t, m.CheckTaskHealth())

	mock.Add(3100 * time.Millisecond)
	assert.False(t, m.CheckTaskHealth())
	assert.Equal(t, StateDegraded, m.State())

	info := m.Tasks()[0]
	assert.False(t, info.Healthy)
	assert.Equal(t, uint32(3), info.Missed)
	assert.Equal(t, uint32(1), info.WatchdogTimeouts)

	require.NoError(t, m.TaskHeartbeat(1))
	assert.True(t, m.CheckTaskHealth())
	assert.Equal(t, StateNormal, m.State())
	assert.Zero(t, m.Tasks()[0].Missed)

	assert.Equal(t, [][2]State{
		{StateNormal, StateDegraded},
		{StateDegraded, StateNormal},
	}, transitions)
}

func TestCheckTaskHealth_HeartbeatingTaskStaysHealthy(t *testing.T) {
	m, mock := newManager(t, Deps{})
	require.NoError(t, m.RegisterTask(1, "tx", 100*time.Millisecond))

	for i := 0; i < 50; i++ {
		mock.Add(100 * time.Millisecond)
		require.NoError(t, m.TaskHeartbeat(1))
		require.True(t, m.CheckTaskHealth())
	}
	assert.Equal(t, StateNormal, m.State())
}

func TestCheckTaskHealth_WatchdogCountsOncePerExpiry(t *testing.T) {
	m, mock := newManager(t, Deps{})
	require.NoError(t, m.RegisterTask(1, "monitor", time.Second))

	mock.Add(4 * time.Second)
	m.CheckTaskHealth()
	m.CheckTaskHealth()
	assert.Equal(t, uint32(1), m.Tasks()[0].WatchdogTimeouts)

	require.NoError(t, m.SetWatchdog(1, false))
	require.NoError(t, m.TaskHeartbeat(1))
	mock.Add(2500 * time.Millisecond)
	assert.False(t, m.CheckTaskHealth(), "silence alone still makes a task unhealthy")
	assert.Equal(t, uint32(1), m.Tasks()[0].WatchdogTimeouts)
}

func TestHandleError_CriticalIsolates(t *testing.T) {
	m, _ := newManager(t, Deps{})

	m.HandleError(errors.KindQueueFull)
	assert.Equal(t, StateNormal, m.State())

	m.HandleError(errors.KindNodeIDConflict)
	assert.Equal(t, StateIsolated, m.State())
	assert.True(t, m.IsIsolated())
	assert.Equal(t, uint32(1), m.Stats().Isolations)

	m.HandleError(errors.KindInitFailed)
	assert.Equal(t, uint32(1), m.Stats().Isolations, "counted once per entry")
}

func TestUpdate_ThresholdIsolates(t *testing.T) {
	errs := &fakeErrors{}
	m, mock := newManager(t, Deps{Errors: errs})

	errs.add(DefaultErrorThreshold - 1)
	mock.Add(time.Second)
	m.Update()
	assert.Equal(t, StateNormal, m.State())

	errs.add(1)
	m.Update()
	assert.Equal(t, StateIsolated, m.State())
	assert.Equal(t, time.Second, m.Stats().Uptime)
}

func TestAttemptRecovery_Timeout(t *testing.T) {
	errs := &fakeErrors{}
	m, mock := newManager(t, Deps{Errors: errs})

	assert.ErrorIs(t, m.AttemptRecovery(), errors.ErrInvalidParameter, "not isolated")

	m.HandleError(errors.KindAllocationFailed)
	require.NoError(t, m.RegisterTask(1, "rx", time.Second))

	mock.Add(DefaultRecoveryTimeout - time.Millisecond)
	err := m.AttemptRecovery()
	require.ErrorIs(t, err, errors.ErrTimeout)
	assert.Equal(t, StateIsolated, m.State())
	assert.Zero(t, m.Stats().RecoveryAttempts)

	mock.Add(time.Millisecond)
	require.NoError(t, m.AttemptRecovery())
	assert.Equal(t, StateNormal, m.State())

	stats := m.Stats()
	assert.Equal(t, uint32(1), stats.RecoveryAttempts)
	assert.Equal(t, uint32(1), stats.RecoverySuccesses)
	assert.Equal(t, 1, errs.resets)
	assert.True(t, m.Tasks()[0].Healthy)
}

func TestAttemptRecovery_HookFailuresLeadToFailed(t *testing.T) {
	hookErr := fmt.Errorf("bus still down")
	m, mock := newManager(t, Deps{Hook: func() error { return hookErr }})

	m.Isolate("test")
	for i := 1; i < DefaultMaxRecoveryAttempts; i++ {
		mock.Add(DefaultRecoveryTimeout)
		err := m.AttemptRecovery()
		require.ErrorIs(t, err, hookErr)
		assert.Equal(t, StateIsolated, m.State())
	}

	mock.Add(DefaultRecoveryTimeout)
	require.Error(t, m.AttemptRecovery())
	assert.Equal(t, StateFailed, m.State())
	assert.True(t, m.IsIsolated())

	m.HandleError(errors.KindNodeIDConflict)
	assert.Equal(t, StateFailed, m.State(), "failed is terminal")

	m.Reset()
	assert.Equal(t, StateNormal, m.State())
	assert.Zero(t, m.Stats().ConsecutiveFailures)
}

func TestAttemptRecovery_FailureRestartsTimeout(t *testing.T) {
	fail := true
	m, mock := newManager(t, Deps{Hook: func() error {
		if fail {
			return fmt.Errorf("not yet")
		}
		return nil
	}})

	m.Isolate("test")
	mock.Add(DefaultRecoveryTimeout)
	require.Error(t, m.AttemptRecovery())

	fail = false
	assert.ErrorIs(t, m.AttemptRecovery(), errors.ErrTimeout)
	mock.Add(DefaultRecoveryTimeout)
	require.NoError(t, m.AttemptRecovery())
	assert.Equal(t, StateNormal, m.State())
}

func TestUpdate_AutoRecovery(t *testing.T) {
	errs := &fakeErrors{}
	m, mock := newManager(t, Deps{Errors: errs})

	errs.add(DefaultErrorThreshold)
	m.Update()
	require.Equal(t, StateIsolated, m.State())

	mock.Add(DefaultRecoveryTimeout)
	m.Update()
	assert.Equal(t, StateNormal, m.State())
	assert.Zero(t, errs.Total())
}

func TestUpdate_DegradedTime(t *testing.T) {
	m, mock := newManager(t, Deps{})
	require.NoError(t, m.RegisterTask(1, "rx", time.Second))

	mock.Add(3 * time.Second)
	m.Update()
	require.Equal(t, StateDegraded, m.State())

	mock.Add(2 * time.Second)
	m.Update()

	stats := m.Stats()
	assert.Equal(t, 5*time.Second, stats.Uptime)
	assert.Equal(t, 2*time.Second, stats.DegradedTime)
	assert.Equal(t, 1, stats.UnhealthyTasks)
}

func TestMetrics(t *testing.T) {
	metrics := metric.NewMetrics()
	m, _ := newManager(t, Deps{Metrics: metrics})

	m.HandleError(errors.KindNodeIDConflict)
	assert.Equal(t, float64(StateIsolated), testutil.ToFloat64(metrics.StabilityState))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Isolations))
}

func TestConcurrentHeartbeats(t *testing.T) {
	m, _ := newManager(t, Deps{})
	for i := 1; i <= MaxTasks; i++ {
		require.NoError(t, m.RegisterTask(TaskHandle(i), "w", time.Second))
	}

	var wg sync.WaitGroup
	for i := 1; i <= MaxTasks; i++ {
		wg.Add(1)
		go func(h TaskHandle) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = m.TaskHeartbeat(h)
				m.CheckTaskHealth()
			}
		}(TaskHandle(i))
	}
	wg.Wait()
	assert.Equal(t, StateNormal, m.State())
}
