package buffer

import (
	"sync"
	"time"

	"github.com/c360/cyphalnode/errors"
)

// PriorityBuffer holds items in a fixed number of strict-priority FIFO levels
// that share one total capacity. Level 0 is served first. Push is O(1) and
// Pop is O(levels).
//
// A full buffer rejects new items with errors.ErrQueueFull; nothing is ever
// dropped silently. Sustained load on a high level starves lower levels.
type PriorityBuffer[T any] struct {
	mu       sync.Mutex
	levels   []ring[T]
	capacity int
	size     int
	stats    *Statistics
	metrics  *bufferMetrics
	changed  signal
	closed   bool
}

// NewPriorityBuffer creates a buffer with the given number of levels and total capacity.
// Only WithMetrics is honored among the options.
func NewPriorityBuffer[T any](levels, capacity int, options ...Option[T]) (*PriorityBuffer[T], error) {
	if levels <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidParameter, "PriorityBuffer", "New", "validate level count")
	}
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidParameter, "PriorityBuffer", "New", "validate capacity")
	}

	opts := applyOptions(options...)
	var metrics *bufferMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "PriorityBuffer", "New", "metrics registration")
		}
	}

	pb := &PriorityBuffer[T]{
		levels:   make([]ring[T], levels),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		changed:  newSignal(),
	}
	for i := range pb.levels {
		pb.levels[i] = newRing[T](capacity)
	}
	return pb, nil
}

// Push appends item at the tail of its level.
func (pb *PriorityBuffer[T]) Push(level int, item T) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.pushLocked(level, item)
}

func (pb *PriorityBuffer[T]) pushLocked(level int, item T) error {
	if pb.closed {
		return errors.ErrShuttingDown
	}
	if level < 0 || level >= len(pb.levels) {
		return errors.ErrInvalidParameter
	}
	if pb.size >= pb.capacity {
		pb.stats.Overflow()
		pb.stats.Reject()
		if pb.metrics != nil {
			pb.metrics.recordOverflow()
			pb.metrics.recordReject()
		}
		return errors.ErrQueueFull
	}

	pb.levels[level].push(item)
	pb.size++
	pb.stats.Write()
	pb.stats.UpdateSize(int64(pb.size))
	if pb.metrics != nil {
		pb.metrics.recordWrite(pb.size, pb.capacity)
	}
	pb.changed.broadcast()
	return nil
}

// PushWait waits at most timeout for space. On expiry it returns errors.ErrQueueFull.
func (pb *PriorityBuffer[T]) PushWait(level int, item T, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		pb.mu.Lock()
		err := pb.pushLocked(level, item)
		if err == nil || !errors.Is(err, errors.ErrQueueFull) {
			pb.mu.Unlock()
			return err
		}
		ch := pb.changed.wait()
		pb.mu.Unlock()

		if !await(ch, deadline) {
			return errors.ErrQueueFull
		}
	}
}

// Pop removes the head of the highest-priority non-empty level.
func (pb *PriorityBuffer[T]) Pop() (T, int, bool) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.popLocked()
}

func (pb *PriorityBuffer[T]) popLocked() (T, int, bool) {
	for level := range pb.levels {
		item, ok := pb.levels[level].pop()
		if !ok {
			continue
		}
		pb.size--
		pb.stats.Read()
		pb.stats.UpdateSize(int64(pb.size))
		if pb.metrics != nil {
			pb.metrics.recordRead(pb.size, pb.capacity)
		}
		pb.changed.broadcast()
		return item, level, true
	}
	var zero T
	return zero, 0, false
}

// PopWait waits at most timeout for an item. On expiry it returns errors.ErrTimeout.
func (pb *PriorityBuffer[T]) PopWait(timeout time.Duration) (T, int, error) {
	deadline := time.Now().Add(timeout)
	for {
		pb.mu.Lock()
		if item, level, ok := pb.popLocked(); ok {
			pb.mu.Unlock()
			return item, level, nil
		}
		if pb.closed {
			pb.mu.Unlock()
			var zero T
			return zero, 0, errors.ErrShuttingDown
		}
		ch := pb.changed.wait()
		pb.mu.Unlock()

		if !await(ch, deadline) {
			var zero T
			return zero, 0, errors.ErrTimeout
		}
	}
}

// Peek returns the item Pop would return without removing it.
func (pb *PriorityBuffer[T]) Peek() (T, int, bool) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	for level := range pb.levels {
		if item, ok := pb.levels[level].peek(); ok {
			pb.stats.Peek()
			return item, level, true
		}
	}
	var zero T
	return zero, 0, false
}

// Len returns the number of items across all levels.
func (pb *PriorityBuffer[T]) Len() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.size
}

// LevelLen returns the number of items waiting on one level.
func (pb *PriorityBuffer[T]) LevelLen(level int) int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if level < 0 || level >= len(pb.levels) {
		return 0
	}
	return pb.levels[level].len()
}

// Cap returns the shared capacity.
func (pb *PriorityBuffer[T]) Cap() int {
	return pb.capacity
}

// Levels returns the number of priority levels.
func (pb *PriorityBuffer[T]) Levels() int {
	return len(pb.levels)
}

// Clear removes every item and returns how many were removed.
func (pb *PriorityBuffer[T]) Clear() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	removed := pb.size
	for level := range pb.levels {
		pb.levels[level].drain()
	}
	pb.size = 0
	pb.stats.UpdateSize(0)
	if pb.metrics != nil {
		pb.metrics.updateSize(0, pb.capacity)
	}
	pb.changed.broadcast()
	return removed
}

// Stats returns the buffer statistics.
func (pb *PriorityBuffer[T]) Stats() *Statistics {
	return pb.stats
}

// Close wakes every waiter. Later pushes fail with errors.ErrShuttingDown.
func (pb *PriorityBuffer[T]) Close() error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if !pb.closed {
		pb.closed = true
		pb.changed.broadcast()
	}
	return nil
}
