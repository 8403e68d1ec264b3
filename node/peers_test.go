package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
)

func TestPeerTable_Observe(t *testing.T) {
	self := message.NodeID(10)
	table := NewPeerTable(func() message.NodeID { return self }, time.Minute)

	require.NoError(t, table.Observe(20, "192.0.2.20:9382", Status{Uptime: 5}))
	require.NoError(t, table.Observe(3, "192.0.2.3:9382", Status{Mode: ModeMaintenance}))

	assert.Equal(t, 2, table.Len())
	assert.Equal(t, []message.NodeID{3, 20}, table.IDs())

	p, ok := table.Get(20)
	require.True(t, ok)
	assert.Equal(t, uint32(5), p.Status.Uptime)
	first := p.FirstSeen

	require.NoError(t, table.Observe(20, "192.0.2.20:9382", Status{Uptime: 6}))
	p, _ = table.Get(20)
	assert.Equal(t, first, p.FirstSeen)
	assert.Equal(t, uint32(6), p.Status.Uptime)

	peers := table.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, message.NodeID(3), peers[0].ID)
}

func TestPeerTable_Conflict(t *testing.T) {
	table := NewPeerTable(func() message.NodeID { return 10 }, time.Minute)

	err := table.Observe(10, "192.0.2.99:9382", Status{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNodeIDConflict)
	assert.Equal(t, uint64(1), table.Conflicts())
	assert.False(t, table.Contains(10))

	assert.ErrorIs(t, table.Observe(message.NodeIDUnset, "x", Status{}), errors.ErrInvalidParameter)
}

func TestPeerTable_Expiry(t *testing.T) {
	table := NewPeerTable(nil, 30*time.Millisecond)
	require.NoError(t, table.Observe(1, "a", Status{}))
	assert.True(t, table.Contains(1))

	assert.Eventually(t, func() bool { return !table.Contains(1) }, time.Second, 10*time.Millisecond)

	require.NoError(t, table.Observe(2, "b", Status{}))
	table.Purge()
	assert.Zero(t, table.Len())
}
