// Package guard provides mutual exclusion with a bounded wait at every
// acquisition. A caller that cannot obtain the lock within its timeout gets
// errors.ErrLockTimeout instead of blocking forever.
package guard

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c360/cyphalnode/errors"
)

// Mutex is a mutual exclusion lock whose Lock takes a timeout.
// The zero value is not usable; create one with NewMutex.
type Mutex struct {
	sem      *semaphore.Weighted
	timeouts atomic.Uint64
}

// NewMutex creates an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// Lock acquires the mutex, waiting at most timeout.
// A non-positive timeout only succeeds if the mutex is free right now.
func (m *Mutex) Lock(timeout time.Duration) error {
	if timeout <= 0 {
		if m.sem.TryAcquire(1) {
			return nil
		}
		m.timeouts.Add(1)
		return errors.ErrLockTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.LockContext(ctx)
}

// LockContext acquires the mutex or fails when ctx is done.
func (m *Mutex) LockContext(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.timeouts.Add(1)
		return errors.ErrLockTimeout
	}
	return nil
}

// TryLock acquires the mutex only if it is free.
func (m *Mutex) TryLock() bool {
	return m.sem.TryAcquire(1)
}

// Unlock releases the mutex. Unlocking an unlocked Mutex panics.
func (m *Mutex) Unlock() {
	m.sem.Release(1)
}

// Do runs fn while holding the mutex.
func (m *Mutex) Do(timeout time.Duration, fn func() error) error {
	if err := m.Lock(timeout); err != nil {
		return err
	}
	defer m.Unlock()
	return fn()
}

// Timeouts returns how many acquisitions gave up.
func (m *Mutex) Timeouts() uint64 {
	return m.timeouts.Load()
}
