// Package buffer provides generic, thread-safe buffers with overflow policies.
//
//   - CircularBuffer: fixed-size FIFO with DropOldest, DropNewest or Reject on overflow
//   - PriorityBuffer: N strict-priority FIFO levels sharing one capacity, with
//     bounded-wait push and pop
//
// Statistics are always collected. Prometheus metrics are enabled with WithMetrics.
package buffer

import (
	"time"
)

// Buffer represents a generic buffer interface.
type Buffer[T any] interface {
	// Write adds an item. Behavior on a full buffer depends on the overflow policy.
	Write(item T) error

	// Read retrieves and removes the oldest item.
	Read() (T, bool)

	// ReadWait is Read with a bounded wait for an item to arrive.
	ReadWait(timeout time.Duration) (T, error)

	// ReadBatch retrieves and removes up to max items.
	ReadBatch(max int) []T

	// Peek retrieves the oldest item without removing it.
	Peek() (T, bool)

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear removes all items, invoking the drop callback for each.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close wakes all waiters. Writes after Close fail.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest silently discards the new item.
	DropNewest

	// Reject refuses the new item with errors.ErrQueueFull.
	Reject
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Reject:
		return "Reject"
	default:
		return "Unknown"
	}
}

// DropCallback is called with every item discarded by an overflow policy or Clear.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a new circular buffer with the specified capacity and options.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
