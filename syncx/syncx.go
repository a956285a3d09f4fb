// File: syncx/syncx.go
// Author: momentics <momentics@gmail.com>
//
// Synchronization primitives shared by the scheduler, the fd-context
// registry, and the timer queue: a mutex, a read/write lock, a counting
// semaphore, and a spinlock. Grounded on original_source/sylar/mutex.h,
// re-expressed with Go's native sync.Mutex/sync.RWMutex rather than
// pthread wrappers.

package syncx

import (
	"sync"
	"sync/atomic"
)

// Mutex is a thin alias kept for call-site symmetry with RWMutex below;
// most of the runtime uses sync.Mutex directly.
type Mutex = sync.Mutex

// RWMutex is a thin alias; hot-read paths (config, fd table) take RLock.
type RWMutex = sync.RWMutex

// Semaphore is a classic counting semaphore backed by a buffered channel.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(count int) *Semaphore {
	s := &Semaphore{ch: make(chan struct{}, count)}
	for i := 0; i < count; i++ {
		s.ch <- struct{}{}
	}
	return s
}

// NewEmptySemaphore creates a semaphore with room for up to capacity
// outstanding Notify calls but a starting count of zero — the shape a
// rendezvous needs (N children each Notify exactly once, the parent Waits
// N times), as opposed to NewSemaphore's pre-filled resource-pool shape.
func NewEmptySemaphore(capacity int) *Semaphore {
	return &Semaphore{ch: make(chan struct{}, capacity)}
}

// Wait decrements the semaphore, blocking while it is zero.
func (s *Semaphore) Wait() {
	<-s.ch
}

// Notify increments the semaphore.
func (s *Semaphore) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
		// channel sized exactly at construction; a Notify without a
		// matching prior Wait would overflow it, which is a programming
		// error in the caller, not something to silently absorb.
		panic("syncx: Semaphore.Notify without capacity")
	}
}

// Spinlock is a busy-wait mutex for very short critical sections.
type Spinlock struct {
	state atomic.Bool
}

// Lock busy-waits until the spinlock is acquired.
func (s *Spinlock) Lock() {
	for !s.state.CompareAndSwap(false, true) {
		// deliberately no backoff: callers are expected to hold this for
		// a handful of instructions only.
	}
}

// Unlock releases the spinlock.
func (s *Spinlock) Unlock() {
	s.state.Store(false)
}

// TryLock attempts to acquire without blocking.
func (s *Spinlock) TryLock() bool {
	return s.state.CompareAndSwap(false, true)
}
