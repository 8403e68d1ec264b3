// Package txqueue is the outbound priority queue of the node.
//
// Transfers wait here between the application (or a node service such as
// the heartbeat) and the transport. Pop always yields the oldest transfer of
// the most urgent non-empty priority. A full queue rejects new transfers
// with errors.ErrQueueFull; nothing is dropped silently and a rejected push
// leaves the queue unchanged.
package txqueue

import (
	"fmt"
	"time"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/metric"
	"github.com/c360/cyphalnode/pkg/buffer"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 64

// Queue is safe for concurrent use.
type Queue struct {
	buf *buffer.PriorityBuffer[*message.Transfer]
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	registry *metric.MetricsRegistry
	name     string
}

// WithMetrics exports queue statistics under name.
func WithMetrics(registry *metric.MetricsRegistry, name string) Option {
	return func(o *options) {
		o.registry = registry
		o.name = name
	}
}

// New creates a queue holding at most capacity transfers across all priorities.
func New(capacity int, opts ...Option) (*Queue, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	var bufOpts []buffer.Option[*message.Transfer]
	if o.registry != nil && o.name != "" {
		bufOpts = append(bufOpts, buffer.WithMetrics[*message.Transfer](o.registry, o.name))
	}

	buf, err := buffer.NewPriorityBuffer[*message.Transfer](message.NumPriorities, capacity, bufOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "txqueue", "New", "create priority buffer")
	}
	return &Queue{buf: buf}, nil
}

// Push validates t and appends it at the tail of its priority level.
func (q *Queue) Push(t *message.Transfer) error {
	if err := message.Validate(t); err != nil {
		return errors.WrapInvalid(err, "txqueue", "Push", "validate transfer")
	}
	if err := q.buf.Push(int(t.Priority), t); err != nil {
		return q.wrap(err, "Push")
	}
	return nil
}

// PushWait is Push with a bounded wait for space. On expiry the error is
// errors.ErrQueueFull.
func (q *Queue) PushWait(t *message.Transfer, timeout time.Duration) error {
	if err := message.Validate(t); err != nil {
		return errors.WrapInvalid(err, "txqueue", "PushWait", "validate transfer")
	}
	if err := q.buf.PushWait(int(t.Priority), t, timeout); err != nil {
		return q.wrap(err, "PushWait")
	}
	return nil
}

// Pop removes the next transfer to send. It returns false on an empty queue.
func (q *Queue) Pop() (*message.Transfer, bool) {
	t, _, ok := q.buf.Pop()
	return t, ok
}

// PopWait waits at most timeout for a transfer. On expiry the error is errors.ErrTimeout.
func (q *Queue) PopWait(timeout time.Duration) (*message.Transfer, error) {
	t, _, err := q.buf.PopWait(timeout)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Peek returns the transfer Pop would return without removing it.
func (q *Queue) Peek() (*message.Transfer, bool) {
	t, _, ok := q.buf.Peek()
	return t, ok
}

// Len returns the number of queued transfers.
func (q *Queue) Len() int { return q.buf.Len() }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return q.buf.Cap() }

// IsEmpty reports whether nothing is queued.
func (q *Queue) IsEmpty() bool { return q.buf.Len() == 0 }

// IsFull reports whether the next Push would be rejected.
func (q *Queue) IsFull() bool { return q.buf.Len() >= q.buf.Cap() }

// LevelLen returns the number of transfers queued at priority p.
func (q *Queue) LevelLen(p message.Priority) int { return q.buf.LevelLen(int(p)) }

// Clear discards every queued transfer and returns how many were discarded.
func (q *Queue) Clear() int { return q.buf.Clear() }

// Close releases waiters; later pushes fail.
func (q *Queue) Close() error { return q.buf.Close() }

// Stats is a snapshot of queue activity.
type Stats struct {
	Depth    int   `json:"depth"`
	Capacity int   `json:"capacity"`
	Pushed   int64 `json:"pushed"`
	Popped   int64 `json:"popped"`
	Rejected int64 `json:"rejected"`
	MaxDepth int64 `json:"max_depth"`
}

// Stats returns a snapshot of queue activity.
func (q *Queue) Stats() Stats {
	s := q.buf.Stats()
	return Stats{
		Depth:    q.buf.Len(),
		Capacity: q.buf.Cap(),
		Pushed:   s.Writes(),
		Popped:   s.Reads(),
		Rejected: s.Rejects(),
		MaxDepth: s.MaxSize(),
	}
}

func (q *Queue) wrap(err error, method string) error {
	switch errors.KindOf(err) {
	case errors.KindQueueFull:
		return errors.WrapTransient(err, "txqueue", method, fmt.Sprintf("enqueue (%d/%d)", q.buf.Len(), q.buf.Cap()))
	default:
		return errors.Wrap(err, "txqueue", method, "enqueue")
	}
}
