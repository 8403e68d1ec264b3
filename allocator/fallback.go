package allocator

import (
	"github.com/c360/cyphalnode/message"
)

// FallbackMax is the highest id the fallback generator hands out. 126 and
// 127 are reserved for diagnostic and debugging tools.
const FallbackMax message.NodeID = 125

// Fallback generates candidate ids in 1..FallbackMax, starting at a seeded
// position and walking upward so that two nodes with different seeds rarely
// pick the same id.
type Fallback struct {
	next message.NodeID
}

// NewFallback returns a generator whose first candidate derives from seed.
func NewFallback(seed uint64) *Fallback {
	return &Fallback{next: message.NodeID(seed%uint64(FallbackMax)) + 1}
}

// Next returns the next candidate for which taken reports false. ok is false
// when every candidate is taken.
func (f *Fallback) Next(taken func(message.NodeID) bool) (message.NodeID, bool) {
	for i := 0; i < int(FallbackMax); i++ {
		id := f.next
		f.next++
		if f.next > FallbackMax {
			f.next = 1
		}
		if taken == nil || !taken(id) {
			return id, true
		}
	}
	return message.NodeIDUnset, false
}
