package kernel

import (
	"fmt"

	"github.com/tinyrange/xv6/internal/riscv"
	"github.com/tinyrange/xv6/internal/riscv/paging"
)

// UserInst is one instruction slot of a modeled user program. Slots
// are 4 bytes apart, like real instructions, so the trap machinery's
// epc arithmetic works unchanged: a slot that performs an Ecall
// resumes at the next slot, and a forked child — whose trap frame
// holds the advanced epc — continues there with fork's return value in
// a0. An Ecall or Jump must be a slot's final action.
type UserInst func(u *UserEnv)

// UserProgram is the text of a modeled user program.
type UserProgram struct {
	Name string
	Text []UserInst
}

// NewProgram builds a program from instruction slots.
func NewProgram(name string, text ...UserInst) *UserProgram {
	return &UserProgram{Name: name, Text: text}
}

// UserEnv is what a user instruction sees: the hart's user-visible
// registers, the program counter, and the process's own memory.
type UserEnv struct {
	k *Kernel
	p *Proc

	jumped bool
}

// Reg reads integer register n.
func (u *UserEnv) Reg(n int) uint64 { return u.p.cpu.hart.ReadX(n) }

// SetReg writes integer register n.
func (u *UserEnv) SetReg(n int, v uint64) { u.p.cpu.hart.WriteX(n, v) }

// PC returns the user program counter.
func (u *UserEnv) PC() uint64 { return u.p.cpu.hart.PC }

// Jump transfers control to the instruction slot at pc.
func (u *UserEnv) Jump(pc uint64) {
	u.jumped = true
	u.p.cpu.hart.PC = pc
}

// JumpSlot transfers control to instruction slot i.
func (u *UserEnv) JumpSlot(i int) { u.Jump(uint64(i) * 4) }

// Store copies data into the process's memory at va.
func (u *UserEnv) Store(va uint64, data []byte) error {
	return u.p.pagetable.CopyOut(paging.VirtAddr(va), data)
}

// Load copies len(data) bytes from the process's memory at va.
func (u *UserEnv) Load(va uint64, data []byte) error {
	return u.p.pagetable.CopyIn(data, paging.VirtAddr(va))
}

// Ecall performs a system call: arguments into a0.. and the number
// into a7, then a U-to-S trap through the trampoline. It returns the
// value the kernel left in a0. In a forked child the call never
// returns here; the child resumes at the next slot.
func (u *UserEnv) Ecall(num uint64, args ...uint64) uint64 {
	h := u.p.cpu.hart
	h.WriteX(riscv.RegA7, num)
	for i, a := range args {
		h.WriteX(riscv.RegA0+i, a)
	}

	c := u.p.cpu
	target := h.TrapToS(riscv.CauseEcallFromU, 0, h.PC)
	u.k.vector(c, target)

	return u.p.cpu.hart.ReadX(riscv.RegA0)
}

// runUser executes the process's user program, one instruction slot
// per loop, polling for interrupts at each slot boundary the way
// hardware would take a trap between instructions.
func (k *Kernel) runUser(p *Proc) {
	u := &UserEnv{k: k, p: p}
	for {
		c := p.cpu
		c.poll()

		// The process may have migrated during a trap.
		c = p.cpu
		pc := c.hart.PC
		idx := int(pc / 4)
		if p.prog == nil || idx < 0 || idx >= len(p.prog.Text) {
			// Running off the end of the text is a clean exit.
			k.exit(p, 0)
		}

		u.jumped = false
		p.prog.Text[idx](u)

		if !u.jumped {
			c = p.cpu
			if c.hart.PC == pc {
				c.hart.PC = pc + 4
			}
		}
	}
}

// userInit hand-builds the first process: one page of user memory and
// a program counter at zero, the way the assembled initcode page is
// installed.
func (k *Kernel) userInit(c *CPU) {
	p := k.allocProc(c)
	if p == nil {
		panic("userinit: out of processes")
	}
	k.initProc = p
	p.name = "initcode"

	frame, ok := k.alloc.Kalloc(c, true)
	if !ok {
		panic("userinit: out of frames")
	}
	perm := paging.NewFlags().SetReadable(true).SetWritable(true).
		SetExecutable(true).SetUser(true)
	if err := p.pagetable.MapPages(0, paging.PageSize, frame, perm, k.alloc.OnCPU(c)); err != nil {
		panic(fmt.Sprintf("userinit: map: %v", err))
	}
	p.size = paging.PageSize
	p.prog = k.initProg

	tf := k.tfOf(p)
	tf.SetEpc(0)
	tf.SetReg(riscv.RegSP, paging.PageSize)

	p.state = Runnable
	p.lock.Release(c)
}

// InitProgram is the default init: announce, fork a child that greets
// and exits, reap it, then idle on the timer.
var InitProgram = NewProgram("init",
	func(u *UserEnv) { // 0: set up and print the banner
		msg := []byte("init: starting\n")
		u.Store(64, msg)
		u.Ecall(SysWrite, 1, 64, uint64(len(msg)))
	},
	func(u *UserEnv) { // 1: fork
		u.Ecall(SysFork)
	},
	func(u *UserEnv) { // 2: branch on fork's return value
		if u.Reg(riscv.RegA0) == 0 {
			u.JumpSlot(5)
		}
	},
	func(u *UserEnv) { // 3: parent reaps the child
		u.Ecall(SysWait, 0)
	},
	func(u *UserEnv) { // 4: parent idles
		u.JumpSlot(7)
	},
	func(u *UserEnv) { // 5: child greets
		msg := []byte("hello from child\n")
		u.Store(128, msg)
		u.Ecall(SysWrite, 1, 128, uint64(len(msg)))
	},
	func(u *UserEnv) { // 6: child exits
		u.Ecall(SysExit, 0)
	},
	func(u *UserEnv) { // 7: sleep forever in one-tick naps
		u.Ecall(SysSleep, 1)
	},
	func(u *UserEnv) { // 8: loop
		u.JumpSlot(7)
	},
)
