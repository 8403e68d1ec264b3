package buffer

import (
	"sync"
	"time"

	"github.com/c360/cyphalnode/errors"
)

// circularBuffer is a thread-safe circular buffer with configurable overflow policies.
type circularBuffer[T any] struct {
	mu      sync.RWMutex
	ring    ring[T]
	stats   *Statistics
	metrics *bufferMetrics
	opts    *bufferOptions[T]
	changed signal
	closed  bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	return &circularBuffer[T]{
		ring:    newRing[T](capacity),
		stats:   NewStatistics(),
		metrics: metrics,
		opts:    opts,
		changed: newSignal(),
	}, nil
}

// Write adds an item to the buffer according to the overflow policy.
// The drop callback runs after the lock is released.
func (cb *circularBuffer[T]) Write(item T) error {
	dropped, hasDropped, err := cb.write(item)
	if hasDropped && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(dropped)
	}
	return err
}

func (cb *circularBuffer[T]) write(item T) (dropped T, hasDropped bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return dropped, false, errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write", "buffer closed")
	}

	if cb.ring.full() {
		switch cb.opts.overflowPolicy {
		case DropOldest:
			dropped, hasDropped = cb.ring.pop()
			cb.recordDrop()

		case DropNewest:
			cb.recordDrop()
			return item, true, nil

		case Reject:
			cb.stats.Overflow()
			cb.stats.Reject()
			if cb.metrics != nil {
				cb.metrics.recordOverflow()
				cb.metrics.recordReject()
			}
			return dropped, false, errors.ErrQueueFull
		}
	}

	cb.ring.push(item)
	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.ring.len()))
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.ring.len(), cb.ring.cap())
	}
	cb.changed.broadcast()
	return dropped, hasDropped, nil
}

func (cb *circularBuffer[T]) recordDrop() {
	cb.stats.Overflow()
	cb.stats.Drop()
	if cb.metrics != nil {
		cb.metrics.recordOverflow()
		cb.metrics.recordDrop()
	}
}

// Read retrieves and removes one item from the buffer.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.readLocked()
}

func (cb *circularBuffer[T]) readLocked() (T, bool) {
	item, ok := cb.ring.pop()
	if !ok {
		return item, false
	}
	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.ring.len()))
	if cb.metrics != nil {
		cb.metrics.recordRead(cb.ring.len(), cb.ring.cap())
	}
	cb.changed.broadcast()
	return item, true
}

// ReadWait waits at most timeout for an item.
func (cb *circularBuffer[T]) ReadWait(timeout time.Duration) (T, error) {
	deadline := time.Now().Add(timeout)
	for {
		cb.mu.Lock()
		if item, ok := cb.readLocked(); ok {
			cb.mu.Unlock()
			return item, nil
		}
		if cb.closed {
			cb.mu.Unlock()
			var zero T
			return zero, errors.ErrShuttingDown
		}
		ch := cb.changed.wait()
		cb.mu.Unlock()

		if !await(ch, deadline) {
			var zero T
			return zero, errors.ErrTimeout
		}
	}
}

// ReadBatch retrieves and removes up to max items from the buffer.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.ring.len() == 0 {
		return nil
	}

	n := max
	if n > cb.ring.len() {
		n = cb.ring.len()
	}
	result := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item, _ := cb.ring.pop()
		result = append(result, item)
		cb.stats.Read()
	}

	cb.stats.UpdateSize(int64(cb.ring.len()))
	if cb.metrics != nil {
		cb.metrics.updateSize(cb.ring.len(), cb.ring.cap())
	}
	cb.changed.broadcast()
	return result
}

// Peek retrieves one item without removing it from the buffer.
func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	item, ok := cb.ring.peek()
	if ok {
		cb.stats.Peek()
	}
	return item, ok
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.ring.len()
}

// Capacity is immutable after construction.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.ring.cap()
}

func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.ring.full()
}

func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.ring.len() == 0
}

// Clear removes all items from the buffer.
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	dropped := cb.ring.drain()
	cb.stats.UpdateSize(0)
	if cb.metrics != nil {
		cb.metrics.updateSize(0, cb.ring.cap())
	}
	cb.changed.broadcast()
	cb.mu.Unlock()

	if cb.opts.dropCallback != nil {
		for _, item := range dropped {
			cb.opts.dropCallback(item)
		}
	}
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	cb.changed.broadcast()
	return nil
}
