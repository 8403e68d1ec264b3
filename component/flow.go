package component

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// FlowCounter accumulates message, byte and error counts and turns them into
// FlowMetrics. The zero value is not usable; call NewFlowCounter.
type FlowCounter struct {
	clock    clock.Clock
	start    time.Time
	messages atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
	last     atomic.Int64 // unix nanoseconds
}

// NewFlowCounter starts counting now. A nil clock uses the wall clock.
func NewFlowCounter(clk clock.Clock) *FlowCounter {
	if clk == nil {
		clk = clock.New()
	}
	return &FlowCounter{clock: clk, start: clk.Now()}
}

// Record counts one message of n bytes.
func (f *FlowCounter) Record(n int) {
	f.messages.Add(1)
	f.bytes.Add(int64(n))
	f.last.Store(f.clock.Now().UnixNano())
}

// Error counts one failure.
func (f *FlowCounter) Error() {
	f.errors.Add(1)
}

// Messages returns the number of recorded messages.
func (f *FlowCounter) Messages() int64 { return f.messages.Load() }

// Bytes returns the number of recorded bytes.
func (f *FlowCounter) Bytes() int64 { return f.bytes.Load() }

// Errors returns the number of recorded failures.
func (f *FlowCounter) Errors() int64 { return f.errors.Load() }

// Uptime returns the time since the counter was created.
func (f *FlowCounter) Uptime() time.Duration { return f.clock.Since(f.start) }

// LastActivity returns the time of the last Record, zero if none.
func (f *FlowCounter) LastActivity() time.Time {
	ns := f.last.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Metrics returns rates averaged over the counter's lifetime.
func (f *FlowCounter) Metrics() FlowMetrics {
	messages := f.messages.Load()
	bytes := f.bytes.Load()
	errorCount := f.errors.Load()

	var m FlowMetrics
	if uptime := f.Uptime().Seconds(); uptime > 0 {
		m.MessagesPerSecond = float64(messages) / uptime
		m.BytesPerSecond = float64(bytes) / uptime
	}
	if messages > 0 {
		m.ErrorRate = float64(errorCount) / float64(messages)
	}
	m.LastActivity = f.LastActivity()
	return m
}
