package kernel

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a mutual-exclusion lock held by at most one CPU.
// Acquisition disables interrupts on the acquiring CPU (push-off) and
// the outermost release restores them (pop-off), so a hart never
// services an interrupt while holding a spinlock.
type SpinLock struct {
	name string
	cpu  atomic.Pointer[CPU] // CPU holding the lock; nil when free
}

// Init names the lock for lock-discipline diagnostics.
func (l *SpinLock) Init(name string) { l.name = name }

// Acquire takes the lock on behalf of c, spinning until it is free.
// Re-acquisition by the same CPU is a programming error and panics.
func (l *SpinLock) Acquire(c *CPU) {
	c.PushOff()
	if l.Holding(c) {
		panic("acquire " + l.name)
	}
	for !l.cpu.CompareAndSwap(nil, c) {
		runtime.Gosched()
	}
}

// Release drops the lock. Releasing a lock the CPU does not hold
// panics; interrupts stay disabled until the outermost pop-off.
func (l *SpinLock) Release(c *CPU) {
	if !l.Holding(c) {
		panic("release " + l.name)
	}
	l.cpu.Store(nil)
	c.PopOff()
}

// Holding reports whether c currently owns the lock.
func (l *SpinLock) Holding(c *CPU) bool {
	return l.cpu.Load() == c
}
