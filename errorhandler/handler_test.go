package errorhandler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/metric"
	"github.com/c360/cyphalnode/pkg/retry"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RecoveryDelays = nil
	cfg.Retry = retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return cfg
}

func newHandler(t *testing.T, cfg Config, opts ...Option) *Handler {
	t.Helper()
	h, err := New(cfg, opts...)
	require.NoError(t, err)
	return h
}

func TestNew_Validation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRecoveryAttempts = -1
	_, err := New(cfg)
	assert.True(t, errors.IsInvalid(err))

	cfg = DefaultConfig()
	cfg.MinSeverity = errors.Severity(9)
	_, err = New(cfg)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLog_RejectsKindNone(t *testing.T) {
	h := newHandler(t, fastConfig())
	err := h.Log(context.Background(), Record{Severity: errors.SeverityError})
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
	assert.Zero(t, h.Total())
}

func TestLog_BelowMinSeverityCountedOnly(t *testing.T) {
	h := newHandler(t, fastConfig())

	var seen []Record
	h.SetCallback(func(r Record) { seen = append(seen, r) })

	err := h.Log(context.Background(), Record{
		Kind:     errors.KindInitFailed,
		Severity: errors.SeverityInfo,
		Context:  "test",
	})
	require.NoError(t, err)

	stats := h.Stats()
	assert.Equal(t, uint64(1), stats.Total)
	assert.Equal(t, uint64(1), stats.ByKind["init_failed"])
	assert.Zero(t, stats.RecoveryAttempts)
	assert.Len(t, seen, 1)
}

func TestLog_RecoverableRecovers(t *testing.T) {
	h := newHandler(t, fastConfig())

	err := h.Log(context.Background(), Record{
		Kind:        errors.KindQueueFull,
		Severity:    errors.SeverityWarning,
		Context:     "heartbeat",
		Description: "tx queue full",
	})
	require.NoError(t, err)
	h.Wait()

	stats := h.Stats()
	assert.Equal(t, uint64(1), stats.RecoveryAttempts)
	assert.Equal(t, uint64(1), stats.RecoverySuccesses)
	assert.Equal(t, errors.KindQueueFull, stats.LastKind)
}

func TestLog_CheckDrivesRecovery(t *testing.T) {
	h := newHandler(t, fastConfig())

	var calls atomic.Int32
	require.NoError(t, h.RegisterCheck(errors.KindNetworkUnavailable, func(context.Context) error {
		if calls.Add(1) < 2 {
			return fmt.Errorf("link down")
		}
		return nil
	}))

	require.NoError(t, h.Log(context.Background(), Record{Kind: errors.KindNetworkUnavailable, Severity: errors.SeverityError}))
	h.Wait()
	assert.Equal(t, int32(2), calls.Load())

	require.NoError(t, h.RegisterCheck(errors.KindNetworkUnavailable, func(context.Context) error {
		return fmt.Errorf("still down")
	}))
	require.NoError(t, h.Log(context.Background(), Record{Kind: errors.KindNetworkUnavailable, Severity: errors.SeverityError}))
	h.Wait()

	stats := h.Stats()
	assert.Equal(t, uint64(2), stats.RecoveryAttempts)
	assert.Equal(t, uint64(1), stats.RecoverySuccesses)
}

func TestRegisterCheck_NonRecoverable(t *testing.T) {
	h := newHandler(t, fastConfig())
	err := h.RegisterCheck(errors.KindInvalidConfig, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
}

func TestLog_RecoveryDoesNotBlockCaller(t *testing.T) {
	mock := clock.NewMock()
	cfg := fastConfig()
	cfg.RecoveryDelays = map[errors.Kind]time.Duration{errors.KindTransportError: time.Minute}
	h := newHandler(t, cfg, WithClock(mock))

	rec := Record{Kind: errors.KindTransportError, Severity: errors.SeverityError}
	require.NoError(t, h.Log(context.Background(), rec))
	require.NoError(t, h.Log(context.Background(), rec), "a second record joins the running recovery")

	stats := h.Stats()
	assert.Equal(t, uint64(2), stats.Total)
	assert.Equal(t, uint64(1), stats.RecoveryAttempts)
	assert.Zero(t, stats.RecoverySuccesses)

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return h.Stats().RecoverySuccesses == 1
	}, time.Second, time.Millisecond)
	h.Wait()
}

func TestLog_NonRecoverableSurfaces(t *testing.T) {
	h := newHandler(t, fastConfig())

	err := h.Log(context.Background(), Record{
		Kind:        errors.KindNodeIDConflict,
		Severity:    errors.SeverityCritical,
		Context:     "allocator",
		Description: "conflict on 42",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNodeIDConflict)

	stats := h.Stats()
	assert.Equal(t, uint64(1), stats.Critical)
	assert.Zero(t, stats.RecoveryAttempts)
}

func TestLog_RecoveryBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRecoveryAttempts = 2
	h := newHandler(t, cfg)

	rec := Record{Kind: errors.KindTimeout, Severity: errors.SeverityWarning}
	require.NoError(t, h.Log(context.Background(), rec))
	h.Wait()
	require.NoError(t, h.Log(context.Background(), rec))
	h.Wait()

	err := h.Log(context.Background(), rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.Equal(t, uint64(2), h.Stats().RecoveryAttempts)
	assert.Equal(t, uint64(3), h.Count(errors.KindTimeout))

	h.Reset()
	assert.Zero(t, h.Total())
	require.NoError(t, h.Log(context.Background(), rec), "reset restores the budget")
}

func TestLog_RecoveryHonoursContext(t *testing.T) {
	cfg := fastConfig()
	cfg.RecoveryDelays = map[errors.Kind]time.Duration{errors.KindTransportError: time.Hour}
	h := newHandler(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.Log(ctx, Record{Kind: errors.KindTransportError, Severity: errors.SeverityError}))
	h.Wait()

	stats := h.Stats()
	assert.Equal(t, uint64(1), stats.RecoveryAttempts)
	assert.Zero(t, stats.RecoverySuccesses)
}

func TestLog_TimestampFromClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	h := newHandler(t, fastConfig(), WithClock(mock))

	require.NoError(t, h.Log(context.Background(), Record{Kind: errors.KindSendFailed, Severity: errors.SeverityInfo}))
	assert.Equal(t, uint64(1_700_000_000_000_000), uint64(h.Stats().LastTime))
}

func TestLog_LogThrottleDoesNotSkipCounting(t *testing.T) {
	cfg := fastConfig()
	cfg.LogBurst = 1
	cfg.LogInterval = time.Hour
	h := newHandler(t, cfg)

	for i := 0; i < 10; i++ {
		_ = h.Log(context.Background(), Record{Kind: errors.KindInvalidParameter, Severity: errors.SeverityError})
	}
	assert.Equal(t, uint64(10), h.Count(errors.KindInvalidParameter))

	h.mu.Lock()
	assert.Equal(t, 9, h.suppressed[errors.KindInvalidParameter])
	h.mu.Unlock()
}

func TestLog_Metrics(t *testing.T) {
	m := metric.NewMetrics()
	h := newHandler(t, fastConfig(), WithMetrics(m))

	require.NoError(t, h.Log(context.Background(), Record{Kind: errors.KindQueueFull, Severity: errors.SeverityWarning}))
	h.Wait()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("queue_full", "warning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveryAttempts.WithLabelValues("queue_full", "success")))
}

func TestLog_Concurrent(t *testing.T) {
	h := newHandler(t, fastConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = h.Log(context.Background(), Record{Kind: errors.KindReceiveFailed, Severity: errors.SeverityInfo})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(400), h.Total())
}
