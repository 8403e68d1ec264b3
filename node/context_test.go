package node

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/metric"
)

func TestEnums_String(t *testing.T) {
	assert.Equal(t, "nominal", HealthNominal.String())
	assert.Equal(t, "warning", HealthWarning.String())
	assert.Equal(t, "health(4)", Health(4).String())

	assert.Equal(t, "software_update", ModeSoftwareUpdate.String())
	assert.Equal(t, "offline", ModeOffline.String())
	assert.Equal(t, "mode(5)", Mode(5).String())
	assert.False(t, Mode(5).Valid())

	h, err := ParseHealth("caution")
	require.NoError(t, err)
	assert.Equal(t, HealthCaution, h)
	_, err = ParseHealth("bad")
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)

	m, err := ParseMode("maintenance")
	require.NoError(t, err)
	assert.Equal(t, ModeMaintenance, m)
}

func TestNew_Defaults(t *testing.T) {
	n := New()
	s := n.Snapshot()

	assert.Equal(t, message.NodeIDUnset, s.ID)
	assert.Equal(t, HealthNominal, s.Health)
	assert.Equal(t, ModeInitialization, s.Mode)
	assert.NotEqual(t, uuid.Nil, s.UniqueID)
	assert.False(t, s.Initialized)
	assert.False(t, s.Started)
}

func TestSetID(t *testing.T) {
	n := New()

	require.NoError(t, n.SetID(42))
	assert.Equal(t, message.NodeID(42), n.ID())

	require.NoError(t, n.SetID(message.NodeIDMax))
	require.NoError(t, n.SetID(0))

	err := n.SetID(128)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
	assert.Equal(t, message.NodeID(0), n.ID(), "rejected id leaves state untouched")

	require.NoError(t, n.SetID(message.NodeIDUnset))
	assert.True(t, n.ID().IsUnset())
}

func TestHealth_AdvisoryOrdering(t *testing.T) {
	n := New()

	require.NoError(t, n.SetHealth(HealthCaution))
	require.NoError(t, n.SetHealth(HealthAdvisory), "improvement is allowed")
	assert.Equal(t, HealthAdvisory, n.Health())
	assert.ErrorIs(t, n.SetHealth(Health(9)), errors.ErrInvalidParameter)

	changed, err := n.Worsen(HealthNominal)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, HealthAdvisory, n.Health())

	changed, err = n.Worsen(HealthWarning)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, HealthWarning, n.Health())
}

func TestSetMode(t *testing.T) {
	n := New()
	require.NoError(t, n.SetMode(ModeMaintenance))
	assert.Equal(t, ModeMaintenance, n.Mode())

	assert.ErrorIs(t, n.SetMode(Mode(4)), errors.ErrInvalidParameter)
	assert.Equal(t, ModeMaintenance, n.Mode())
}

func TestUptime(t *testing.T) {
	mock := clock.NewMock()
	n := New(WithClock(mock))

	assert.Zero(t, n.UpdateUptime())
	mock.Add(2500 * time.Millisecond)
	assert.Equal(t, uint32(2), n.UpdateUptime())
	assert.Equal(t, uint32(2), n.Uptime())

	mock.Add(time.Hour)
	assert.Equal(t, uint32(3602), n.UpdateUptime())
}

func TestMarkStarted_OperationalOnlyWithID(t *testing.T) {
	n := New(WithClock(clock.NewMock()))

	n.MarkStarted()
	assert.Equal(t, ModeInitialization, n.Mode(), "anonymous node stays in initialization")

	require.NoError(t, n.SetID(12))
	assert.Equal(t, ModeOperational, n.Mode())

	require.NoError(t, n.SetID(message.NodeIDUnset))
	assert.Equal(t, ModeInitialization, n.Mode())

	require.NoError(t, n.SetMode(ModeMaintenance))
	require.NoError(t, n.SetID(13))
	assert.Equal(t, ModeMaintenance, n.Mode(), "only initialization is promoted")

	static := New(WithClock(clock.NewMock()))
	require.NoError(t, static.SetID(4))
	static.MarkStarted()
	assert.Equal(t, ModeOperational, static.Mode())
}

func TestLifecycleFlagsAndReset(t *testing.T) {
	mock := clock.NewMock()
	n := New(WithClock(mock))
	uid := n.UniqueID()

	n.MarkInitialized()
	n.MarkStarted()
	require.NoError(t, n.SetID(7))
	n.SetVendorStatus(0xAB)
	mock.Add(10 * time.Second)
	n.UpdateUptime()

	s := n.Snapshot()
	assert.True(t, s.Initialized)
	assert.True(t, s.Started)
	assert.Equal(t, ModeOperational, s.Mode)
	assert.Equal(t, Status{Uptime: 10, Health: HealthNominal, Mode: ModeOperational, VendorStatus: 0xAB}, s.Status())

	n.MarkStopped()
	assert.False(t, n.IsStarted())
	assert.Equal(t, ModeOffline, n.Mode())

	n.Reset()
	s = n.Snapshot()
	assert.Equal(t, message.NodeIDUnset, s.ID)
	assert.Zero(t, s.Uptime)
	assert.False(t, s.Initialized)
	assert.Equal(t, uid, s.UniqueID)
}

func TestMetrics(t *testing.T) {
	m := metric.NewMetrics()
	n := New(WithMetrics(m))

	require.NoError(t, n.SetID(12))
	require.NoError(t, n.SetHealth(HealthCaution))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.NodeID))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NodeHealth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodeMode))
}
