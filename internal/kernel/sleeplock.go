package kernel

// SleepLock is a lock for long critical sections, such as disk I/O,
// where spinning would waste a hart: contenders sleep on the lock's
// identity instead and are woken on release.
type SleepLock struct {
	inner SpinLock // protects locked and pid

	locked bool
	pid    int // holder, for diagnostics
}

// Init names the lock.
func (l *SleepLock) Init(name string) { l.inner.Init(name) }

// Acquire takes the lock on behalf of the running process, sleeping
// while another process holds it.
func (l *SleepLock) Acquire(p *Proc) {
	l.inner.Acquire(p.cpu)
	for l.locked {
		p.sleep(l, &l.inner)
	}
	l.locked = true
	l.pid = p.pid
	l.inner.Release(p.cpu)
}

// Release drops the lock and wakes any sleepers.
func (l *SleepLock) Release(p *Proc) {
	c := p.cpu
	l.inner.Acquire(c)
	l.locked = false
	l.pid = 0
	p.kernel.wakeup(c, l)
	l.inner.Release(c)
}

// Holding reports whether the calling process owns the lock.
func (l *SleepLock) Holding(p *Proc) bool {
	l.inner.Acquire(p.cpu)
	defer l.inner.Release(p.cpu)
	return l.locked && l.pid == p.pid
}
