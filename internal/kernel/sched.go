package kernel

import "runtime"

// sched switches from the process back to the scheduler context. The
// caller must hold exactly p.lock with interrupts off and must already
// have moved p out of Running. The CPU's saved interrupt state is a
// property of this kernel thread, so it travels across the switch.
func (p *Proc) sched() {
	c := p.cpu
	if !p.lock.Holding(c) {
		panic("sched p->lock")
	}
	if c.noff != 1 {
		panic("sched locks")
	}
	if p.state == Running {
		panic("sched running")
	}
	if c.hart.IntrEnabled() {
		panic("sched interruptible")
	}

	intena := c.intena
	Switch(&p.context, &c.context)
	p.cpu.intena = intena
}

// yield gives up the CPU for one scheduling round.
func (p *Proc) yield() {
	c := p.cpu
	p.lock.Acquire(c)
	p.state = Runnable
	p.sched()
	p.lock.Release(p.cpu)
}

// scheduler is the per-hart dispatch loop; it only returns once the
// kernel halts. Interrupts are enabled each round so devices can break
// a deadlock of sleeping processes.
func (k *Kernel) scheduler(c *CPU) {
	for !k.halted.Load() {
		c.hart.IntrOn()
		c.poll()

		ran := false
		for i := range k.procs {
			p := &k.procs[i]
			if !p.casState(c, Runnable, Running) {
				continue
			}

			// Switch to the chosen process. It releases the lock and
			// reacquires it before switching back.
			c.proc = p
			p.cpu = c
			p.lock.Acquire(c)
			Switch(&c.context, &p.context)

			// Process is done for now; it changed its own state
			// before coming back.
			c.proc = nil
			p.lock.Release(c)
			ran = true
		}
		if !ran {
			runtime.Gosched()
		}
	}
}

// forkRet is where every new process's kernel thread starts. The
// scheduler passed us p.lock across the switch.
func (k *Kernel) forkRet(p *Proc) {
	p.lock.Release(p.cpu)

	// One-shot initialisation that has to wait until a real process
	// is running: the file system would be brought up here.
	k.fsInitOnce.Do(func() {})

	k.userTrapRet(p)
	k.runUser(p)
}
