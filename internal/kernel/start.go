package kernel

import (
	"runtime"

	"github.com/tinyrange/xv6/internal/riscv"
)

// start is a hart's entry from firmware, in machine mode. It sets up
// delegation, physical memory protection, and the timer, then drops to
// supervisor mode in main.
func (k *Kernel) start(c *CPU) {
	h := c.hart

	// Paging is off until main turns it on.
	h.Satp().Write(0)

	// Hand all standard exceptions and interrupts to S-mode.
	h.Medeleg().Write(0xffff)
	h.Mideleg().Write(0xffff)
	h.Sie().SetMask(riscv.SieSEIE.Or(riscv.SieSTIE).Or(riscv.SieSSIE))

	// Let S-mode reach all of physical memory.
	h.Pmpaddr0().Write((uint64(1) << 54) - 1)
	h.Pmpcfg0().Write(0xf)

	// Arm the first timer interrupt.
	k.timerInit(c)

	// mret into supervisor-mode main, with the hart id in tp.
	h.Mstatus().WriteMask(riscv.MstatusMPP, uint64(riscv.PrivSupervisor))
	h.Mepc().Write(addrMain)
	h.Tp().Write(uint64(c.id))
	k.vector(c, h.Mret())
}

// main runs in supervisor mode. Hart 0 brings up the kernel; the
// others wait for it, switch onto the kernel page table, and join the
// scheduler.
func (k *Kernel) main(c *CPU) {
	if c.id == 0 {
		k.consoleInit(c)
		k.Printf(c, "\nxv6 kernel is booting\n\n")
		k.kinit(c)
		k.kvmInit(c)
		k.kvmInitHart(c)
		k.procInit(c)
		k.trapInitHart(c)
		k.plicInit(c)
		k.plicInitHart(c)
		k.userInit(c)
		k.started.Store(true)
	} else {
		for !k.started.Load() {
			runtime.Gosched()
		}
		k.Printf(c, "hart %d starting\n", c.id)
		k.kvmInitHart(c)
		k.trapInitHart(c)
		k.plicInitHart(c)
	}

	k.scheduler(c)
}
