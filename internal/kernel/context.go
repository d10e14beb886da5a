package kernel

import "github.com/tinyrange/xv6/internal/riscv/paging"

// Context is the saved execution state of a kernel thread: the analog
// of the callee-saved register file a hardware switch would spill. A
// parked thread waits on its gate; Switch wakes the target and parks
// the caller, so exactly one thread per hart runs at a time.
type Context struct {
	// ra and sp mirror the entry point and kernel stack a hardware
	// context would resume with; entry is what a fresh thread runs.
	ra    uint64
	sp    paging.VirtAddr
	entry func()

	gate    chan struct{}
	started bool
}

func newContext() Context {
	return Context{gate: make(chan struct{})}
}

// setup points a fresh context at an entry function, the way alloc()
// seeds ra = forkRet and sp = the top of the kernel stack.
func (ctx *Context) setup(ra uint64, sp paging.VirtAddr, entry func()) {
	ctx.ra = ra
	ctx.sp = sp
	ctx.entry = entry
	ctx.gate = make(chan struct{})
	ctx.started = false
}

// Switch saves the caller into save and resumes load, returning when
// some other thread switches back into save. It is called in exactly
// two places: a process entering the scheduler, and the scheduler
// dispatching a process.
func Switch(save, load *Context) {
	if load.entry != nil && !load.started {
		load.started = true
		entry := load.entry
		gate := load.gate
		go func() {
			<-gate
			entry()
		}()
	}
	load.gate <- struct{}{}
	<-save.gate
}
