package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xv6/internal/machine"
	"github.com/tinyrange/xv6/internal/riscv"
	"github.com/tinyrange/xv6/internal/riscv/paging"
)

// Trap-frame field offsets. The frame is a real page in guest RAM,
// mapped at trapFrameVA in the process's address space and reached
// through its physical frame from the kernel. x1..x31 live at
// regBase + 8*(n-1) in ra, sp, gp, tp, t0-t2, s0, s1, a0-a7, s2-s11,
// t3-t6 order, which is x1..x31 in register-number order.
const (
	tfKernelSatp   = 0
	tfKernelSp     = 8
	tfKernelTrap   = 16
	tfEpc          = 24
	tfKernelHartid = 32
	tfRegBase      = 40
)

// TrapFrame is a view over a process's trap-frame page.
type TrapFrame struct {
	page []byte
}

// tfOf returns p's trap frame.
func (k *Kernel) tfOf(p *Proc) TrapFrame {
	page, err := k.mach.RAM().Page(p.trapframe)
	if err != nil {
		panic(fmt.Sprintf("trapframe unreachable: %v", err))
	}
	return TrapFrame{page: page}
}

func (tf TrapFrame) load(off int) uint64 {
	return binary.LittleEndian.Uint64(tf.page[off:])
}

func (tf TrapFrame) store(off int, v uint64) {
	binary.LittleEndian.PutUint64(tf.page[off:], v)
}

// Reg reads saved register xN (1..31).
func (tf TrapFrame) Reg(n int) uint64 { return tf.load(tfRegBase + 8*(n-1)) }

// SetReg writes saved register xN (1..31).
func (tf TrapFrame) SetReg(n int, v uint64) { tf.store(tfRegBase+8*(n-1), v) }

func (tf TrapFrame) Epc() uint64     { return tf.load(tfEpc) }
func (tf TrapFrame) SetEpc(v uint64) { tf.store(tfEpc, v) }

func (tf TrapFrame) A0() uint64     { return tf.Reg(riscv.RegA0) }
func (tf TrapFrame) SetA0(v uint64) { tf.SetReg(riscv.RegA0, v) }

func (tf TrapFrame) KernelSatp() uint64      { return tf.load(tfKernelSatp) }
func (tf TrapFrame) SetKernelSatp(v uint64)  { tf.store(tfKernelSatp, v) }
func (tf TrapFrame) KernelSp() uint64        { return tf.load(tfKernelSp) }
func (tf TrapFrame) SetKernelSp(v uint64)    { tf.store(tfKernelSp, v) }
func (tf TrapFrame) KernelTrap() uint64      { return tf.load(tfKernelTrap) }
func (tf TrapFrame) SetKernelTrap(v uint64)  { tf.store(tfKernelTrap, v) }
func (tf TrapFrame) KernelHartid() uint64    { return tf.load(tfKernelHartid) }
func (tf TrapFrame) SetKernelHartid(v uint64) { tf.store(tfKernelHartid, v) }

// intrSource classifies what dev_intr found.
type intrSource int

const (
	intrUnknown intrSource = iota
	intrTimer
	intrDevice
)

// poll is a hart's interruptible point: the CLINT timer is synced,
// a due machine timer runs the M-mode vector, and any deliverable
// supervisor interrupt traps through stvec.
func (c *CPU) poll() {
	k := c.kernel
	k.mach.CLINT.Sync(c.id)
	h := c.hart

	if cause, ok := h.PendingMachine(); ok && cause == riscv.CauseMTimerInt {
		k.vector(c, riscv.MtvecBASE.GetRaw(h.Mtvec().Read()))
		k.mach.CLINT.Sync(c.id)
	}

	if cause, ok := h.PendingSupervisor(); ok {
		target := h.TrapToS(cause, 0, h.PC)
		k.vector(c, target)
	}
}

// timerVec is the M-mode timer vector. mscratch points at the per-hart
// scratch area set up by boot: slot 3 holds the CLINT mtimecmp address
// and slot 4 the interval. The vector schedules the next interrupt and
// forwards the tick to S-mode as a software interrupt.
func (k *Kernel) timerVec(c *CPU) {
	h := c.hart
	bus := k.mach.Bus

	scratch := h.Mscratch().Read()
	cmpAddr, err := bus.Read64(scratch + 24)
	if err != nil {
		panic(fmt.Sprintf("timervec: scratch: %v", err))
	}
	interval, err := bus.Read64(scratch + 32)
	if err != nil {
		panic(fmt.Sprintf("timervec: scratch: %v", err))
	}

	cur, err := bus.Read64(cmpAddr)
	if err != nil {
		panic(fmt.Sprintf("timervec: mtimecmp: %v", err))
	}
	if err := bus.Write64(cmpAddr, cur+interval); err != nil {
		panic(fmt.Sprintf("timervec: mtimecmp: %v", err))
	}

	// Raise a supervisor software interrupt.
	h.Sip().SetMask(riscv.SipSSIP)
}

// timerInit arms the first machine timer interrupt on this hart and
// installs the timer vector. Runs in M-mode during boot.
func (k *Kernel) timerInit(c *CPU) {
	h := c.hart
	bus := k.mach.Bus
	interval := k.mach.Config.TimerInterval

	cmpAddr := machine.CLINTMtimecmpAddr(c.id)
	mtime, err := bus.Read64(machine.CLINTMtimeAddr)
	if err != nil {
		panic(fmt.Sprintf("timerinit: mtime: %v", err))
	}
	if err := bus.Write64(cmpAddr, mtime+interval); err != nil {
		panic(fmt.Sprintf("timerinit: mtimecmp: %v", err))
	}

	scratch := timerScratchAddr(c.id)
	bus.Write64(scratch+24, cmpAddr)
	bus.Write64(scratch+32, interval)
	h.Mscratch().Write(scratch)

	h.Mtvec().Write(addrTimerVec)
	h.Mstatus().SetMask(riscv.MstatusMIE)
	h.Mie().SetMask(riscv.MieMTIE)
}

// trapInitHart points stvec at the kernel vector.
func (k *Kernel) trapInitHart(c *CPU) {
	c.hart.Stvec().Write(addrKernelVec)
}

// kernelVec is the S-mode trap entry while the hart runs kernel code.
// The register save and restore a hardware vector performs on the
// kernel stack is implicit here; the handler's sret unstacks sstatus.
func (k *Kernel) kernelVec(c *CPU) {
	k.kernelTrap(c)
	c.hart.Sret()
}

// kernelTrap handles interrupts arriving while in supervisor mode.
func (k *Kernel) kernelTrap(c *CPU) {
	h := c.hart
	sepc := h.Sepc().Read()
	sstatus := h.Sstatus().Read()

	if riscv.MstatusSPP.Get(sstatus) == 0 {
		panic("kerneltrap: not from supervisor mode")
	}
	if h.IntrEnabled() {
		panic("kerneltrap: interrupts enabled")
	}

	src, _ := k.devIntr(c)
	switch src {
	case intrUnknown:
		panic(fmt.Sprintf("kerneltrap: scause=0x%x sepc=0x%x stval=0x%x",
			h.Scause().Read(), h.Sepc().Read(), h.Stval().Read()))
	case intrTimer:
		// Give up the CPU on a timer tick; hart 0 keeps running so
		// the clock owner is never starved mid-update.
		if c.id != 0 && c.proc != nil {
			c.proc.yield()
		}
	case intrDevice:
		// Handled in devIntr.
	}

	// The handler may have trapped again through here; put back what
	// the next sret needs.
	h.Sepc().Write(sepc)
	h.Sstatus().Write(sstatus)
}

// devIntr decodes scause and services device and timer interrupts.
func (k *Kernel) devIntr(c *CPU) (intrSource, uint32) {
	h := c.hart
	scause := h.Scause().Read()

	if riscv.ScauseInterrupt.Get(scause) == 0 {
		return intrUnknown, 0
	}

	switch riscv.ScauseCode.Get(scause) {
	case 1:
		// Software interrupt: the machine timer forwarded by
		// timerVec. Hart 0 owns the tick counter.
		if c.id == 0 {
			k.clockIntr(c)
		}
		h.Sip().ClearMask(riscv.SipSSIP)
		return intrTimer, 0

	case 9:
		// External interrupt via the PLIC.
		irq := k.plicClaim(c)
		switch irq {
		case machine.UART0IRQ:
			k.uartIntr(c)
		case machine.VirtIO0IRQ:
			// The disk driver is an external collaborator.
		case 0:
			// Another hart already claimed it.
		default:
			k.Printf(c, "unexpected interrupt irq=%d\n", irq)
		}
		// Allow the device to raise the next interrupt.
		if irq != 0 {
			k.plicComplete(c, irq)
		}
		return intrDevice, irq

	default:
		k.Printf(c, "unexpected interrupt scause=0x%x\n", scause)
		return intrUnknown, 0
	}
}

// clockIntr advances the global tick counter and wakes sleepers.
func (k *Kernel) clockIntr(c *CPU) {
	k.tickLock.Acquire(c)
	k.ticks.Add(1)
	k.wakeup(c, &k.ticks)
	k.tickLock.Release(c)
}

// plicClaim asks the PLIC which interrupt to serve on this hart.
func (k *Kernel) plicClaim(c *CPU) uint32 {
	irq, err := k.mach.Bus.Read32(machine.PLICSClaimAddr(c.id))
	if err != nil {
		panic(fmt.Sprintf("plic claim: %v", err))
	}
	return irq
}

// plicComplete tells the PLIC this hart is done with irq.
func (k *Kernel) plicComplete(c *CPU, irq uint32) {
	if err := k.mach.Bus.Write32(machine.PLICSClaimAddr(c.id), irq); err != nil {
		panic(fmt.Sprintf("plic complete: %v", err))
	}
}

// plicInit gives the board's IRQs a nonzero priority once.
func (k *Kernel) plicInit(c *CPU) {
	k.mach.Bus.Write32(machine.PLICPriorityAddr(machine.UART0IRQ), 1)
	k.mach.Bus.Write32(machine.PLICPriorityAddr(machine.VirtIO0IRQ), 1)
}

// plicInitHart enables the board's IRQs for this hart's S context and
// accepts any priority.
func (k *Kernel) plicInitHart(c *CPU) {
	enable := uint32(1<<machine.UART0IRQ | 1<<machine.VirtIO0IRQ)
	k.mach.Bus.Write32(machine.PLICSEnableAddr(c.id), enable)
	k.mach.Bus.Write32(machine.PLICSPriorityAddr(c.id), 0)
}

// uservec is the trampoline's user-side trap entry: user registers go
// into the trap frame, the hart switches onto the kernel page table
// and kernel stack, and control transfers to the kernel trap handler.
func (k *Kernel) uservec(p *Proc) {
	c := p.cpu
	h := c.hart
	tf := k.tfOf(p)

	for i := 1; i < 32; i++ {
		tf.SetReg(i, h.X[i])
	}

	h.Satp().Write(tf.KernelSatp())
	h.SfenceVMA()
	h.Sp().Write(tf.KernelSp())
	h.Tp().Write(tf.KernelHartid())

	k.vector(c, tf.KernelTrap())
}

// userTrap handles a trap taken while the process ran in user mode.
func (k *Kernel) userTrap(p *Proc) {
	c := p.cpu
	h := c.hart

	if riscv.MstatusSPP.Get(h.Sstatus().Read()) != 0 {
		panic("usertrap: not from user mode")
	}

	// Traps from now on go to the kernel vector.
	h.Stvec().Write(addrKernelVec)

	tf := k.tfOf(p)
	tf.SetEpc(h.Sepc().Read())

	src := intrUnknown
	if h.Scause().Read() == riscv.CauseEcallFromU {
		if p.isKilled(c) {
			k.exit(p, -1)
		}
		// Resume after the ecall instruction.
		tf.SetEpc(tf.Epc() + 4)
		// An interrupt changes sepc and friends, so only now enable.
		h.IntrOn()
		k.syscall(p)
	} else {
		src, _ = k.devIntr(c)
		if src == intrUnknown {
			k.Printf(c, "usertrap(): unexpected scause 0x%x pid=%d\n",
				h.Scause().Read(), p.pid)
			k.Printf(c, "            sepc=0x%x stval=0x%x\n",
				h.Sepc().Read(), h.Stval().Read())
			p.setKilled(c)
		}
	}

	if p.isKilled(p.cpu) {
		k.exit(p, -1)
	}

	if src == intrTimer {
		p.yield()
	}

	k.userTrapRet(p)
}

// userTrapRet returns to user space through the trampoline.
func (k *Kernel) userTrapRet(p *Proc) {
	c := p.cpu
	h := c.hart

	// About to switch the trap destination back to user space;
	// interrupts stay off until the sret.
	h.IntrOff()
	h.Stvec().Write(k.uservecVA())

	tf := k.tfOf(p)
	tf.SetKernelSatp(k.kernelSatp)
	tf.SetKernelSp(uint64(p.kstack.Add(paging.PageSize)))
	tf.SetKernelTrap(addrUserTrap)
	tf.SetKernelHartid(h.Tp().Read())

	// sret drops to user mode with interrupts enabled there.
	h.Sstatus().ClearMask(riscv.MstatusSPP)
	h.Sstatus().SetMask(riscv.MstatusSPIE)
	h.Sepc().Write(tf.Epc())

	k.vector(c, k.userretVA())
}

// userret is the trampoline's kernel-side exit: back onto the user
// page table, user registers restored, sret into user mode.
func (k *Kernel) userret(p *Proc) {
	c := p.cpu
	h := c.hart

	h.Satp().Write(k.satpFor(p.pagetable))
	h.SfenceVMA()

	tf := k.tfOf(p)
	for i := 1; i < 32; i++ {
		h.X[i] = tf.Reg(i)
	}

	h.PC = h.Sret()
}
