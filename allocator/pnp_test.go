package allocator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
)

type busCapture struct {
	mu   sync.Mutex
	sent []*message.Transfer
	err  error
}

func (b *busCapture) Publish(t *message.Transfer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.sent = append(b.sent, t)
	return nil
}

func (b *busCapture) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

var testUID = uuid.MustParse("6f1c1a52-8c53-4c2e-9a3b-0d3e2f6c7a10")

func newPnP(t *testing.T, cfg PnPConfig) (*PnPNegotiator, *busCapture, *clock.Mock) {
	t.Helper()
	bus := &busCapture{}
	mock := clock.NewMock()
	cfg.UniqueID = testUID
	p, err := NewPnPNegotiator(cfg, bus, mock, nil)
	require.NoError(t, err)
	return p, bus, mock
}

func TestAllocationData_Codec(t *testing.T) {
	hash := UniqueIDHash(testUID)
	assert.LessOrEqual(t, hash, uint64(hashMask))
	assert.Equal(t, hash, UniqueIDHash(testUID))

	p := EncodeAllocationData(hash, message.NodeIDUnset)
	require.Len(t, p, 7)
	h, id, err := DecodeAllocationData(p)
	require.NoError(t, err)
	assert.Equal(t, hash, h)
	assert.True(t, id.IsUnset())

	p = EncodeAllocationData(hash, 42)
	require.Len(t, p, AllocationDataMaxSize)
	h, id, err = DecodeAllocationData(p)
	require.NoError(t, err)
	assert.Equal(t, hash, h)
	assert.Equal(t, message.NodeID(42), id)

	_, _, err = DecodeAllocationData(p[:5])
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
	_, _, err = DecodeAllocationData(p[:8])
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)

	bad := append([]byte(nil), p...)
	bad[6] = 2
	_, _, err = DecodeAllocationData(bad)
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
}

func TestPnP_RequestsArePaced(t *testing.T) {
	p, bus, mock := newPnP(t, PnPConfig{RequestPeriod: time.Second})
	req := Request{Preferred: 50}

	for i := 0; i < 5; i++ {
		_, done, err := p.Negotiate(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, done)
	}
	require.Equal(t, 1, bus.count())

	sent := bus.sent[0]
	assert.True(t, sent.IsAnonymous)
	assert.Equal(t, message.SubjectNodeIDAllocation, sent.PortID)
	h, id, err := DecodeAllocationData(sent.Payload)
	require.NoError(t, err)
	assert.Equal(t, p.Hash(), h)
	assert.Equal(t, message.NodeID(50), id)

	mock.Add(time.Second)
	_, _, _ = p.Negotiate(context.Background(), req)
	assert.Equal(t, 2, bus.count())
	assert.Equal(t, uint64(2), p.Sent())
}

func TestPnP_AnswerCompletes(t *testing.T) {
	p, _, _ := newPnP(t, PnPConfig{})

	_, done, _ := p.Negotiate(context.Background(), Request{})
	require.False(t, done)

	other := &message.Transfer{PortID: message.SubjectNodeIDAllocation, Source: 1, Destination: message.NodeIDUnset,
		Payload: EncodeAllocationData(p.Hash()^1, 9)}
	assert.False(t, p.HandleTransfer(other), "answer for another node")

	echo := &message.Transfer{PortID: message.SubjectNodeIDAllocation, Source: message.NodeIDUnset, Destination: message.NodeIDUnset,
		IsAnonymous: true, Payload: EncodeAllocationData(p.Hash(), 9)}
	assert.False(t, p.HandleTransfer(echo), "anonymous requests are not answers")

	answer := &message.Transfer{PortID: message.SubjectNodeIDAllocation, Source: 1, Destination: message.NodeIDUnset,
		Payload: EncodeAllocationData(p.Hash(), 77)}
	require.True(t, p.HandleTransfer(answer))

	id, done, err := p.Negotiate(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, message.NodeID(77), id)
}

func TestPnP_Timeout(t *testing.T) {
	p, _, mock := newPnP(t, PnPConfig{Timeout: 5 * time.Second})
	_, _, _ = p.Negotiate(context.Background(), Request{})

	mock.Add(5 * time.Second)
	_, done, err := p.Negotiate(context.Background(), Request{})
	assert.True(t, done)
	assert.ErrorIs(t, err, errors.ErrAllocationFailed)

	p.Reset()
	_, done, err = p.Negotiate(context.Background(), Request{})
	require.NoError(t, err)
	assert.False(t, done, "reset restarts the deadline")
}

func TestPnP_FallbackOnTimeout(t *testing.T) {
	p, _, mock := newPnP(t, PnPConfig{Timeout: time.Second, FallbackOnTimeout: true})
	_, _, _ = p.Negotiate(context.Background(), Request{})
	mock.Add(time.Second)

	id, done, err := p.Negotiate(context.Background(), Request{Preferred: 30})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, message.NodeID(30), id)
}

func TestPnP_WithAllocator(t *testing.T) {
	p, bus, _ := newPnP(t, PnPConfig{})
	rec := &recorder{}
	a, err := New(message.NodeIDUnset, Deps{Negotiator: p, Listener: rec})
	require.NoError(t, err)
	require.NoError(t, a.Start())

	ev, err := a.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventNone, ev.Kind)
	require.Equal(t, 1, bus.count())

	require.True(t, p.HandleTransfer(&message.Transfer{
		PortID: message.SubjectNodeIDAllocation, Source: 2, Destination: message.NodeIDUnset,
		Payload: EncodeAllocationData(p.Hash(), 21),
	}))

	ev, err = a.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Event{Kind: EventCompleted, NodeID: 21, Success: true}, ev)
	assert.Equal(t, 1, rec.count())
}

func TestNewPnPNegotiator_Validation(t *testing.T) {
	_, err := NewPnPNegotiator(PnPConfig{UniqueID: testUID}, nil, nil, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
	_, err = NewPnPNegotiator(PnPConfig{}, &busCapture{}, nil, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
}
