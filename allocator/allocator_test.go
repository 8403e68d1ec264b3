package allocator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
)

type recorder struct {
	mu    sync.Mutex
	calls []Event
}

func (r *recorder) OnAllocation(id message.NodeID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Event{Kind: EventCompleted, NodeID: id, Success: ok})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "requesting", StateRequesting.String())
	assert.Equal(t, "conflict_detected", StateConflictDetected.String())
	assert.Equal(t, "complete", StateComplete.String())
	assert.Equal(t, "state(7)", State(7).String())
	assert.Equal(t, "conflict", EventConflict.String())
}

func TestAllocator_PreferredCompletes(t *testing.T) {
	rec := &recorder{}
	a, err := New(50, Deps{Listener: rec})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, a.State())

	require.NoError(t, a.Start())
	require.NoError(t, a.Start(), "start is idempotent while requesting")
	assert.Equal(t, StateRequesting, a.State())

	ev, err := a.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Event{Kind: EventCompleted, NodeID: 50, Success: true}, ev)
	assert.True(t, a.IsComplete())
	assert.Equal(t, message.NodeID(50), a.AllocatedID())

	for i := 0; i < 5; i++ {
		ev, err = a.Process(context.Background())
		require.NoError(t, err)
		assert.Equal(t, EventNone, ev.Kind)
	}
	assert.Equal(t, 1, rec.count(), "listener called exactly once")

	assert.ErrorIs(t, a.Start(), errors.ErrInvalidParameter)
}

func TestAllocator_ProcessWhileIdle(t *testing.T) {
	a, err := New(50, Deps{})
	require.NoError(t, err)
	ev, err := a.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventNone, ev.Kind)
	assert.Equal(t, StateIdle, a.State())
}

func TestAllocator_InvalidPreferred(t *testing.T) {
	_, err := New(200, Deps{})
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)

	a, err := New(message.NodeIDUnset, Deps{Negotiator: NewLocalNegotiator(9)})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	ev, err := a.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, message.NodeID(10), ev.NodeID, "fallback seeded at 9 starts at 10")
}

func TestAllocator_OccupiedIDsAvoided(t *testing.T) {
	a, err := New(50, Deps{
		Negotiator: NewLocalNegotiator(49),
		Occupied:   func() []message.NodeID { return []message.NodeID{50, 51} },
	})
	require.NoError(t, err)
	require.NoError(t, a.Start())

	ev, err := a.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, message.NodeID(52), ev.NodeID)
}

func TestAllocator_ConflictReallocates(t *testing.T) {
	rec := &recorder{}
	a, err := New(50, Deps{Listener: rec, Negotiator: NewLocalNegotiator(60)})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	_, err = a.Process(context.Background())
	require.NoError(t, err)

	affected, err := a.DetectConflict(33)
	require.NoError(t, err)
	assert.False(t, affected)

	affected, err = a.DetectConflict(50)
	require.NoError(t, err)
	assert.True(t, affected)
	assert.Equal(t, StateConflictDetected, a.State())
	assert.Equal(t, message.NodeIDUnset, a.AllocatedID())

	ev, err := a.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Event{Kind: EventConflict, NodeID: 50}, ev)
	ev, _ = a.Process(context.Background())
	assert.Equal(t, EventNone, ev.Kind, "conflict reported once")

	require.NoError(t, a.Start())
	ev, err = a.Process(context.Background())
	require.NoError(t, err)
	assert.True(t, ev.Success)
	assert.Equal(t, message.NodeID(61), ev.NodeID, "preferred id excluded after conflict")
	assert.Equal(t, 2, rec.count())
}

type failingNegotiator struct{ resets int }

func (f *failingNegotiator) Negotiate(context.Context, Request) (message.NodeID, bool, error) {
	return message.NodeIDUnset, true, errors.ErrAllocationFailed
}

func (f *failingNegotiator) Reset() { f.resets++ }

func TestAllocator_NegotiationFailure(t *testing.T) {
	rec := &recorder{}
	a, err := New(50, Deps{Listener: rec, Negotiator: &failingNegotiator{}})
	require.NoError(t, err)
	require.NoError(t, a.Start())

	ev, err := a.Process(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindAllocationFailed, errors.KindOf(err))
	assert.False(t, ev.Success)
	assert.Equal(t, StateIdle, a.State())
	require.Equal(t, 1, rec.count())
	assert.False(t, rec.calls[0].Success)
}

func TestAllocator_ConcurrentProcess(t *testing.T) {
	var completions atomic.Int32
	a, err := New(50, Deps{Listener: ListenerFunc(func(message.NodeID, bool) { completions.Add(1) })})
	require.NoError(t, err)
	require.NoError(t, a.Start())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = a.Process(context.Background())
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), completions.Load())
}

func TestAllocator_Reset(t *testing.T) {
	a, err := New(50, Deps{})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	_, _ = a.Process(context.Background())
	_, _ = a.DetectConflict(50)

	require.NoError(t, a.Reset())
	assert.Equal(t, StateIdle, a.State())
	require.NoError(t, a.Start())
	ev, err := a.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, message.NodeID(50), ev.NodeID, "reset forgets exclusions")
}

func TestFallback_Range(t *testing.T) {
	f := NewFallback(124)
	seen := map[message.NodeID]bool{}
	for i := 0; i < int(FallbackMax); i++ {
		id, ok := f.Next(nil)
		require.True(t, ok)
		assert.GreaterOrEqual(t, id, message.NodeID(1))
		assert.LessOrEqual(t, id, FallbackMax)
		seen[id] = true
	}
	assert.Len(t, seen, int(FallbackMax))

	_, ok := f.Next(func(message.NodeID) bool { return true })
	assert.False(t, ok)
}
