package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/metric"
)

func TestCircularBufferBasicOperations(t *testing.T) {
	buf, err := NewCircularBuffer[string](3)
	require.NoError(t, err)
	defer buf.Close()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 3, buf.Capacity())

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, buf.Write(s))
	}
	assert.True(t, buf.IsFull())

	head, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", head)

	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, "a", item)

	batch := buf.ReadBatch(10)
	assert.Equal(t, []string{"b", "c"}, batch)
	assert.Nil(t, buf.ReadBatch(1))

	_, ok = buf.Read()
	assert.False(t, ok)
}

func TestCircularBufferOverflowPolicies(t *testing.T) {
	t.Run("DropOldest", func(t *testing.T) {
		var dropped []int
		buf, err := NewCircularBuffer[int](2, WithDropCallback[int](func(i int) { dropped = append(dropped, i) }))
		require.NoError(t, err)

		for i := 1; i <= 3; i++ {
			require.NoError(t, buf.Write(i))
		}
		assert.Equal(t, []int{1}, dropped)
		assert.Equal(t, []int{2, 3}, buf.ReadBatch(2))
		assert.Equal(t, int64(1), buf.Stats().Drops())
	})

	t.Run("DropNewest", func(t *testing.T) {
		buf, err := NewCircularBuffer[int](2, WithOverflowPolicy[int](DropNewest))
		require.NoError(t, err)

		for i := 1; i <= 3; i++ {
			require.NoError(t, buf.Write(i))
		}
		assert.Equal(t, []int{1, 2}, buf.ReadBatch(2))
	})

	t.Run("Reject", func(t *testing.T) {
		buf, err := NewCircularBuffer[int](2, WithOverflowPolicy[int](Reject))
		require.NoError(t, err)

		require.NoError(t, buf.Write(1))
		require.NoError(t, buf.Write(2))
		err = buf.Write(3)
		require.ErrorIs(t, err, errors.ErrQueueFull)
		assert.Equal(t, 2, buf.Size())
		assert.Equal(t, int64(1), buf.Stats().Rejects())
	})
}

func TestCircularBufferReadWait(t *testing.T) {
	buf, err := NewCircularBuffer[int](4)
	require.NoError(t, err)

	start := time.Now()
	_, err = buf.ReadWait(20 * time.Millisecond)
	require.ErrorIs(t, err, errors.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = buf.Write(7)
	}()
	v, err := buf.ReadWait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	require.NoError(t, buf.Close())
	_, err = buf.ReadWait(time.Second)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	assert.Error(t, buf.Write(1))
}

func TestCircularBufferClear(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](4, WithDropCallback[int](func(i int) { dropped = append(dropped, i) }))
	require.NoError(t, err)

	_ = buf.Write(1)
	_ = buf.Write(2)
	buf.Clear()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, []int{1, 2}, dropped)
	require.NoError(t, buf.Write(3))
	v, _ := buf.Read()
	assert.Equal(t, 3, v)
}

func TestCircularBufferThreadSafety(t *testing.T) {
	buf, err := NewCircularBuffer[int](1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = buf.Write(base + i)
			}
		}(w * 1000)
	}
	wg.Wait()

	assert.Equal(t, 400, buf.Size())
	assert.Equal(t, int64(400), buf.Stats().Writes())
	assert.Equal(t, int64(400), buf.Stats().MaxSize())
}

func TestPriorityBufferOrdering(t *testing.T) {
	pb, err := NewPriorityBuffer[string](8, 16)
	require.NoError(t, err)

	require.NoError(t, pb.Push(4, "nominal-1"))
	require.NoError(t, pb.Push(7, "optional"))
	require.NoError(t, pb.Push(0, "exceptional"))
	require.NoError(t, pb.Push(4, "nominal-2"))

	head, level, ok := pb.Peek()
	require.True(t, ok)
	assert.Equal(t, "exceptional", head)
	assert.Equal(t, 0, level)

	var order []string
	for {
		item, _, ok := pb.Pop()
		if !ok {
			break
		}
		order = append(order, item)
	}
	assert.Equal(t, []string{"exceptional", "nominal-1", "nominal-2", "optional"}, order)
}

func TestPriorityBufferFullRejectsWithoutPartialInsert(t *testing.T) {
	pb, err := NewPriorityBuffer[int](8, 2)
	require.NoError(t, err)

	require.NoError(t, pb.Push(3, 1))
	require.NoError(t, pb.Push(5, 2))

	err = pb.Push(0, 3)
	require.ErrorIs(t, err, errors.ErrQueueFull)
	assert.Equal(t, 2, pb.Len())
	assert.Equal(t, 0, pb.LevelLen(0))
	assert.Equal(t, int64(1), pb.Stats().Rejects())

	assert.ErrorIs(t, pb.Push(8, 1), errors.ErrInvalidParameter)
	assert.ErrorIs(t, pb.Push(-1, 1), errors.ErrInvalidParameter)
}

func TestPriorityBufferBoundedWaits(t *testing.T) {
	pb, err := NewPriorityBuffer[int](8, 1)
	require.NoError(t, err)

	_, _, err = pb.PopWait(15 * time.Millisecond)
	require.ErrorIs(t, err, errors.ErrTimeout)

	require.NoError(t, pb.Push(2, 10))
	start := time.Now()
	err = pb.PushWait(2, 11, 15*time.Millisecond)
	require.ErrorIs(t, err, errors.ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _, _ = pb.Pop()
	}()
	require.NoError(t, pb.PushWait(2, 12, time.Second))

	item, level, err := pb.PopWait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 12, item)
	assert.Equal(t, 2, level)
}

func TestPriorityBufferCloseWakesWaiters(t *testing.T) {
	pb, err := NewPriorityBuffer[int](2, 4)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := pb.PopWait(5 * time.Second)
		done <- err
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, pb.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errors.ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
	assert.ErrorIs(t, pb.Push(0, 1), errors.ErrShuttingDown)
}

func TestPriorityBufferClear(t *testing.T) {
	pb, err := NewPriorityBuffer[int](3, 5)
	require.NoError(t, err)
	_ = pb.Push(0, 1)
	_ = pb.Push(2, 2)

	assert.Equal(t, 2, pb.Clear())
	assert.Equal(t, 0, pb.Len())
	require.NoError(t, pb.Push(1, 3))
}

func TestPriorityBufferValidation(t *testing.T) {
	_, err := NewPriorityBuffer[int](0, 4)
	assert.True(t, errors.IsInvalid(err))
	_, err = NewPriorityBuffer[int](8, 0)
	assert.True(t, errors.IsInvalid(err))
}

func TestPriorityBufferMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pb, err := NewPriorityBuffer[int](2, 1, WithMetrics[int](registry, "txq"))
	require.NoError(t, err)

	require.NoError(t, pb.Push(0, 1))
	require.Error(t, pb.Push(0, 2))

	m := pb.metrics
	require.NotNil(t, m)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.utilization))

	// Same prefix twice is a registration conflict.
	_, err = NewPriorityBuffer[int](2, 1, WithMetrics[int](registry, "txq"))
	assert.Error(t, err)
}
