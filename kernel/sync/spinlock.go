// Package sync provides synchronization primitives that work without a
// scheduler: waiters busy-wait instead of being parked.
package sync

import "sync/atomic"

const (
	// attemptsBeforeYielding is the number of failed acquisition attempts a
	// waiter makes before invoking yieldFn.
	attemptsBeforeYielding = 64
)

var (
	// yieldFn is invoked by spinning waiters every attemptsBeforeYielding
	// failed attempts. It is nil on bare metal; hosted builds and tests set
	// it to runtime.Gosched via SetYieldFunc.
	yieldFn func()
)

// SetYieldFunc registers the function that spinning waiters call while they
// wait for a lock to become available.
func SetYieldFunc(fn func()) { yieldFn = fn }

// Spinlock implements a lock where each core trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked Spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the calling core. Any
// attempt to re-acquire a lock already held by the caller will deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); ; attempt++ {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempt%attemptsBeforeYielding == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}

// Release relinquishes a held lock allowing other cores to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
