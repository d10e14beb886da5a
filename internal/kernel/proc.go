package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xv6/internal/riscv/paging"
)

// State is a process's place in its lifecycle.
type State int32

const (
	Unused State = iota
	Used
	Sleeping
	Runnable
	Running
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Used:
		return "used"
	case Sleeping:
		return "sleeping"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Zombie:
		return "zombie"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Chan is the opaque identifier sleep and wakeup rendezvous on;
// any pointer works, compared by identity.
type Chan any

// Proc is one process-table slot.
type Proc struct {
	kernel *Kernel
	idx    int

	lock SpinLock

	// Shared state, guarded by lock.
	state  State
	chanid Chan // non-nil while Sleeping
	killed bool
	xstate int32
	pid    int

	// Guarded by the kernel's wait lock.
	parent *Proc

	// Private state, touched only while running the process.
	name      string
	kstack    paging.VirtAddr
	size      uint64
	pagetable *paging.PageTable
	trapframe paging.PhysAddr
	prog      *UserProgram
	context   Context

	// cpu is the hart currently (or last) running this process, set
	// by the scheduler before switching in.
	cpu *CPU
}

// Pid returns the process id.
func (p *Proc) Pid(c *CPU) int {
	p.lock.Acquire(c)
	defer p.lock.Release(c)
	return p.pid
}

// Name returns the process name.
func (p *Proc) Name() string { return p.name }

// Size returns the user memory size in bytes.
func (p *Proc) Size() uint64 { return p.size }

// Kernel returns the owning kernel.
func (p *Proc) Kernel() *Kernel { return p.kernel }

// State returns the current lifecycle state.
func (p *Proc) State(c *CPU) State {
	p.lock.Acquire(c)
	defer p.lock.Release(c)
	return p.state
}

// casState transitions state from old to new if it currently is old.
func (p *Proc) casState(c *CPU, old, new State) bool {
	p.lock.Acquire(c)
	defer p.lock.Release(c)
	if p.state != old {
		return false
	}
	p.state = new
	return true
}

func (p *Proc) setKilled(c *CPU) {
	p.lock.Acquire(c)
	p.killed = true
	p.lock.Release(c)
}

func (p *Proc) isKilled(c *CPU) bool {
	p.lock.Acquire(c)
	defer p.lock.Release(c)
	return p.killed
}

// procInit sets up the process table once: each slot's lock and its
// precomputed kernel stack address.
func (k *Kernel) procInit(c *CPU) {
	for i := range k.procs {
		p := &k.procs[i]
		p.kernel = k
		p.idx = i
		p.lock.Init("proc")
		p.kstack = k.kstackVA(i)
	}
}

// allocPID draws the next process id.
func (k *Kernel) allocPID(c *CPU) int {
	k.pidLock.Acquire(c)
	pid := k.nextPID
	k.nextPID++
	k.pidLock.Release(c)
	return pid
}

// allocProc finds an Unused slot and prepares it to run in the kernel:
// fresh pid, trap frame, an almost-empty user page table, and a
// context that will start at forkRet. Returns the slot with its lock
// held, or nil if out of slots or memory.
func (k *Kernel) allocProc(c *CPU) *Proc {
	for i := range k.procs {
		p := &k.procs[i]
		p.lock.Acquire(c)
		if p.state == Unused {
			return k.allocProcSlot(c, p)
		}
		p.lock.Release(c)
	}
	return nil
}

func (k *Kernel) allocProcSlot(c *CPU, p *Proc) *Proc {
	p.state = Used
	p.pid = k.allocPID(c)

	frame, ok := k.alloc.Kalloc(c, true)
	if !ok {
		k.freeProc(c, p)
		p.lock.Release(c)
		return nil
	}
	p.trapframe = frame

	pt, err := k.procPagetable(c, p)
	if err != nil {
		k.freeProc(c, p)
		p.lock.Release(c)
		return nil
	}
	p.pagetable = pt

	proc := p
	p.context.setup(addrForkRet, p.kstack.Add(paging.PageSize), func() {
		k.forkRet(proc)
	})
	return p
}

// procPagetable builds a process page table holding only the
// trampoline and the trap frame.
func (k *Kernel) procPagetable(c *CPU, p *Proc) (*paging.PageTable, error) {
	pt, err := paging.New(k.schema, k.mach.RAM(), k.alloc.OnCPU(c))
	if err != nil {
		return nil, err
	}
	if err := k.attachProcPages(c, pt, p.trapframe); err != nil {
		pt.Free(0, k.alloc.OnCPU(c))
		return nil, err
	}
	return pt, nil
}

// attachProcPages maps the shared trampoline (RX, not user) and the
// process trap frame (RW, not user) at the top of a user table.
func (k *Kernel) attachProcPages(c *CPU, pt *paging.PageTable, trapframe paging.PhysAddr) error {
	alloc := k.alloc.OnCPU(c)
	rx := paging.NewFlags().SetReadable(true).SetExecutable(true)
	rw := paging.NewFlags().SetReadable(true).SetWritable(true)

	if err := pt.MapPages(k.trampolineVA(), paging.PageSize, k.trampoline, rx, alloc); err != nil {
		return err
	}
	if err := pt.MapPages(k.trapFrameVA(), paging.PageSize, trapframe, rw, alloc); err != nil {
		pt.Unmap(k.trampolineVA(), 1, false, alloc)
		return err
	}
	return nil
}

// detachProcPages unmaps the trampoline and trap frame without
// freeing their backing frames.
func (k *Kernel) detachProcPages(pt *paging.PageTable) {
	pt.Unmap(k.trampolineVA(), 1, false, nil)
	pt.Unmap(k.trapFrameVA(), 1, false, nil)
}

// freeProc releases everything a slot holds and returns it to Unused.
// Caller holds p.lock.
func (k *Kernel) freeProc(c *CPU, p *Proc) {
	if p.trapframe != 0 {
		k.alloc.Kfree(c, p.trapframe)
		p.trapframe = 0
	}
	if p.pagetable != nil {
		k.detachProcPages(p.pagetable)
		p.pagetable.Free(p.size, k.alloc.OnCPU(c))
		p.pagetable = nil
	}
	p.size = 0
	p.pid = 0
	p.parent = nil
	p.name = ""
	p.chanid = nil
	p.killed = false
	p.xstate = 0
	p.prog = nil
	p.state = Unused
}

// uvmAlloc grows a user address space from oldsz to newsz with fresh
// zeroed RWX user frames, rolling back to oldsz on failure.
func (k *Kernel) uvmAlloc(c *CPU, pt *paging.PageTable, oldsz, newsz uint64) (uint64, error) {
	if newsz < oldsz {
		return oldsz, nil
	}
	perm := paging.NewFlags().SetReadable(true).SetWritable(true).
		SetExecutable(true).SetUser(true)
	alloc := k.alloc.OnCPU(c)

	for a := paging.VirtAddr(oldsz).PageRoundUp(); uint64(a) < newsz; a = a.Add(paging.PageSize) {
		frame, ok := k.alloc.Kalloc(c, true)
		if !ok {
			k.uvmDealloc(c, pt, uint64(a), oldsz)
			return 0, ErrOutOfFrames
		}
		if err := pt.MapPages(a, paging.PageSize, frame, perm, alloc); err != nil {
			k.alloc.Kfree(c, frame)
			k.uvmDealloc(c, pt, uint64(a), oldsz)
			return 0, err
		}
	}
	return newsz, nil
}

// uvmDealloc shrinks a user address space from oldsz to newsz, freeing
// the no-longer-used frames. Returns the new size.
func (k *Kernel) uvmDealloc(c *CPU, pt *paging.PageTable, oldsz, newsz uint64) uint64 {
	if newsz >= oldsz {
		return oldsz
	}
	oldRU := paging.VirtAddr(oldsz).PageRoundUp()
	newRU := paging.VirtAddr(newsz).PageRoundUp()
	if newRU < oldRU {
		pt.Unmap(newRU, int((oldRU-newRU)/paging.PageSize), true, k.alloc.OnCPU(c))
	}
	return newsz
}

// grow adjusts the process's user memory by delta bytes.
func (k *Kernel) grow(p *Proc, delta int64) error {
	c := p.cpu
	sz := p.size
	switch {
	case delta > 0:
		newsz, err := k.uvmAlloc(c, p.pagetable, sz, sz+uint64(delta))
		if err != nil {
			return err
		}
		p.size = newsz
	case delta < 0:
		dec := uint64(-delta)
		if dec > sz {
			dec = sz
		}
		p.size = k.uvmDealloc(c, p.pagetable, sz, sz-dec)
	}
	return nil
}

// fork creates a copy of the calling process: cloned address space,
// copied trap frame with a0 forced to 0, parent set under the wait
// lock. Returns the child pid, or -1 on allocation failure.
func (k *Kernel) fork(p *Proc) int {
	c := p.cpu
	alloc := k.alloc.OnCPU(c)

	clone, err := p.pagetable.Clone(p.size, alloc)
	if err != nil {
		return -1
	}

	np := k.allocProc(c)
	if np == nil {
		clone.Free(p.size, alloc)
		return -1
	}

	// Swap the slot's empty table for the clone, carrying over the
	// per-process pages.
	if err := k.attachProcPages(c, clone, np.trapframe); err != nil {
		clone.Free(p.size, alloc)
		k.freeProc(c, np)
		np.lock.Release(c)
		return -1
	}
	k.detachProcPages(np.pagetable)
	np.pagetable.Free(0, alloc)
	np.pagetable = clone

	np.size = p.size
	np.name = p.name
	np.prog = p.prog

	// The child resumes from the same trap frame, but fork returns 0
	// there.
	srcPage, err := k.mach.RAM().Page(p.trapframe)
	if err != nil {
		panic(fmt.Sprintf("fork: trapframe unreachable: %v", err))
	}
	dstPage, err := k.mach.RAM().Page(np.trapframe)
	if err != nil {
		panic(fmt.Sprintf("fork: trapframe unreachable: %v", err))
	}
	copy(dstPage, srcPage)
	k.tfOf(np).SetA0(0)

	pid := np.pid
	np.lock.Release(c)

	k.waitLock.Acquire(c)
	np.parent = p
	k.waitLock.Release(c)

	np.lock.Acquire(c)
	np.state = Runnable
	np.lock.Release(c)

	return pid
}

// reparent gives p's abandoned children to init. Caller holds the wait
// lock.
func (k *Kernel) reparent(c *CPU, p *Proc) {
	for i := range k.procs {
		pp := &k.procs[i]
		if pp.parent == p {
			pp.parent = k.initProc
			k.wakeup(c, k.initProc)
		}
	}
}

// exit terminates the calling process: children are reparented to
// init, the parent is woken, and the slot parks as a Zombie until the
// parent reaps it. Never returns.
func (k *Kernel) exit(p *Proc, status int32) {
	if p == k.initProc {
		panic("init exiting")
	}

	// Open file descriptors belong to the file system, an external
	// collaborator with nothing to close here.

	c := p.cpu
	k.waitLock.Acquire(c)
	k.reparent(c, p)
	k.wakeup(c, p.parent)

	p.lock.Acquire(c)
	p.xstate = status
	p.state = Zombie
	k.waitLock.Release(c)

	p.sched()
	panic("zombie exit")
}

// wait blocks until a child exits, frees it, and returns its pid. The
// exit status is copied to user memory at addr when addr is nonzero.
// Returns -1 if the process has no children or is killed.
func (k *Kernel) wait(p *Proc, addr paging.VirtAddr) int {
	k.waitLock.Acquire(p.cpu)

	for {
		havekids := false
		for i := range k.procs {
			pp := &k.procs[i]
			if pp.parent != p {
				continue
			}
			c := p.cpu
			pp.lock.Acquire(c)
			havekids = true
			if pp.state == Zombie {
				pid := pp.pid
				if addr != 0 {
					var buf [4]byte
					binary.LittleEndian.PutUint32(buf[:], uint32(pp.xstate))
					if err := p.pagetable.CopyOut(addr, buf[:]); err != nil {
						pp.lock.Release(c)
						k.waitLock.Release(c)
						return -1
					}
				}
				k.freeProc(c, pp)
				pp.lock.Release(c)
				k.waitLock.Release(c)
				return pid
			}
			pp.lock.Release(c)
		}

		if !havekids || p.isKilled(p.cpu) {
			k.waitLock.Release(p.cpu)
			return -1
		}

		// Wait for a child to exit; exit wakes us on our own address.
		p.sleep(p, &k.waitLock)
	}
}

// sleep atomically releases guard and blocks on ch; the guard is
// reacquired before returning.
func (p *Proc) sleep(ch Chan, guard *SpinLock) {
	c := p.cpu
	p.lock.Acquire(c)
	guard.Release(c)

	p.chanid = ch
	p.state = Sleeping

	p.sched()

	p.chanid = nil

	// The scheduler may have moved us to another hart.
	c = p.cpu
	p.lock.Release(c)
	guard.Acquire(c)
}

// wakeup makes every process sleeping on ch runnable, except the one
// running on the calling CPU.
func (k *Kernel) wakeup(c *CPU, ch Chan) {
	for i := range k.procs {
		p := &k.procs[i]
		if p == c.proc {
			continue
		}
		p.lock.Acquire(c)
		if p.state == Sleeping && p.chanid == ch {
			p.state = Runnable
		}
		p.lock.Release(c)
	}
}

// kill marks the target as killed and wakes it if sleeping so it can
// observe the flag at its next trap boundary. Returns -1 if no such
// pid exists.
func (k *Kernel) kill(c *CPU, pid int) int {
	for i := range k.procs {
		p := &k.procs[i]
		p.lock.Acquire(c)
		if p.pid == pid && p.state != Unused {
			p.killed = true
			if p.state == Sleeping {
				p.state = Runnable
			}
			p.lock.Release(c)
			return 0
		}
		p.lock.Release(c)
	}
	return -1
}
