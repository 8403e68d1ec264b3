package worker

import (
	"fmt"

	"github.com/c360/cyphalnode/errors"
)

// Sentinel errors for worker pool operations
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")

	// ErrQueueFull carries errors.KindQueueFull.
	ErrQueueFull = fmt.Errorf("worker pool: %w", errors.ErrQueueFull)
)

// PanicError is reported to the error callback when a processor panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker panic: %v", e.Value)
}
