package buffer

import "time"

// signal is a broadcast edge: every state change closes the current channel
// and installs a fresh one. Callers must hold the owning buffer's lock.
type signal struct {
	ch chan struct{}
}

func newSignal() signal {
	return signal{ch: make(chan struct{})}
}

func (s *signal) wait() <-chan struct{} {
	return s.ch
}

func (s *signal) broadcast() {
	close(s.ch)
	s.ch = make(chan struct{})
}

// await blocks until ch fires or the deadline passes. It reports false on expiry.
func await(ch <-chan struct{}, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
