package buffer

// ring is the unsynchronized FIFO shared by the buffer implementations.
type ring[T any] struct {
	items []T
	head  int // next write position
	tail  int // next read position
	size  int
}

func newRing[T any](capacity int) ring[T] {
	return ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) len() int {
	return r.size
}

func (r *ring[T]) cap() int {
	return len(r.items)
}

func (r *ring[T]) full() bool {
	return r.size == len(r.items)
}

func (r *ring[T]) push(item T) {
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	r.size++
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % len(r.items)
	r.size--
	return item, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.items[r.tail], true
}

// drain empties the ring and returns the removed items in FIFO order.
func (r *ring[T]) drain() []T {
	out := make([]T, 0, r.size)
	for r.size > 0 {
		item, _ := r.pop()
		out = append(out, item)
	}
	r.head, r.tail = 0, 0
	return out
}
