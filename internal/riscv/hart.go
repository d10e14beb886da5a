package riscv

import "sync/atomic"

// Hart holds the architectural state of one hardware thread: the
// integer register file and the machine- and supervisor-mode CSRs the
// kernel touches. It is only ever accessed from the goroutine driving
// the hart, except for the interrupt-pending bits which devices set
// through SetPending/ClearPending.
type Hart struct {
	// Integer registers x0-x31. x0 reads as zero.
	X [32]uint64

	// PC is the program counter while user code runs; kernel code has
	// no modeled instruction stream.
	PC uint64

	// Current privilege level.
	Priv PrivilegeLevel

	// Machine-mode CSRs.
	mhartid       uint64
	mstatus       uint64
	misa          uint64
	medeleg       uint64
	mideleg       uint64
	mie           uint64
	mtvec         uint64
	mcounteren    uint64
	mscratch      uint64
	mepc          uint64
	mcause        uint64
	mtval         uint64
	mip           atomic.Uint64
	menvcfg       uint64
	pmpcfg0       uint64
	pmpaddr0      uint64
	mcycle        uint64
	minstret      uint64
	mcountinhibit uint64

	// Supervisor-mode CSRs.
	stvec      uint64
	scounteren uint64
	senvcfg    uint64
	sscratch   uint64
	sepc       uint64
	scause     uint64
	stval      uint64
	satp       uint64

	// Floating-point CSR state.
	fflags uint8
	frm    uint8

	// TimeFn supplies the value of the time CSR; the board wires it to
	// the CLINT's mtime. Nil reads as zero.
	TimeFn func() uint64
}

// NewHart creates a hart in M-mode with the given id.
func NewHart(id uint64) *Hart {
	return &Hart{Priv: PrivMachine, mhartid: id}
}

// ID returns the hart id (mhartid).
func (h *Hart) ID() uint64 { return h.mhartid }

// ReadX reads an integer register; x0 always returns 0.
func (h *Hart) ReadX(reg int) uint64 {
	if reg == RegZero {
		return 0
	}
	return h.X[reg]
}

// WriteX writes an integer register; writes to x0 are ignored.
func (h *Hart) WriteX(reg int, val uint64) {
	if reg != RegZero {
		h.X[reg] = val
	}
}

// Bits visible through the sstatus view of mstatus.
var sstatusView = MstatusSIE.Or(MstatusSPIE).Or(MstatusSPP).Or(MstatusFS).
	Or(MstatusSUM).Or(MstatusMXR).Or(MstatusSD)

func (h *Hart) readSstatus() uint64 { return sstatusView.GetRaw(h.mstatus) }

func (h *Hart) writeSstatus(v uint64) {
	h.mstatus = (h.mstatus &^ sstatusView.Bits()) | sstatusView.GetRaw(v)
}

// IntrEnabled reports whether supervisor interrupts are globally
// enabled (sstatus.SIE).
func (h *Hart) IntrEnabled() bool { return SstatusSIE.Get(h.mstatus) != 0 }

// IntrOn enables supervisor interrupts.
func (h *Hart) IntrOn() { h.mstatus = SstatusSIE.SetAll(h.mstatus) }

// IntrOff disables supervisor interrupts.
func (h *Hart) IntrOff() { h.mstatus = SstatusSIE.Clear(h.mstatus) }

// SetPending marks an interrupt pending in mip. Safe to call from a
// device goroutine; the bit is observed at the hart's next poll point.
func (h *Hart) SetPending(bit Mask) { h.mip.Or(bit.Bits()) }

// ClearPending clears an interrupt-pending bit in mip.
func (h *Hart) ClearPending(bit Mask) { h.mip.And(^bit.Bits()) }

// PendingMachine returns the cause of a machine-level interrupt that
// should be taken now, if any. While the hart runs below M-mode,
// non-delegated interrupts are always deliverable; in M-mode they
// require mstatus.MIE.
func (h *Hart) PendingMachine() (uint64, bool) {
	pending := h.mip.Load() & h.mie &^ h.mideleg
	if pending == 0 {
		return 0, false
	}
	if h.Priv == PrivMachine && MstatusMIE.Get(h.mstatus) == 0 {
		return 0, false
	}
	switch {
	case MipMEIP.Get(pending) != 0:
		return CauseMExternalInt, true
	case MipMSIP.Get(pending) != 0:
		return CauseMSoftwareInt, true
	case MipMTIP.Get(pending) != 0:
		return CauseMTimerInt, true
	}
	return 0, false
}

// PendingSupervisor returns the cause of a supervisor-level interrupt
// that should be taken now, if any. Delegated interrupts are masked by
// sstatus.SIE while in S-mode and always deliverable from U-mode.
func (h *Hart) PendingSupervisor() (uint64, bool) {
	pending := h.mip.Load() & h.mie & h.mideleg
	if pending == 0 {
		return 0, false
	}
	if h.Priv == PrivSupervisor && !h.IntrEnabled() {
		return 0, false
	}
	if h.Priv == PrivMachine {
		return 0, false
	}
	switch {
	case MipSEIP.Get(pending) != 0:
		return CauseSExternalInt, true
	case MipSSIP.Get(pending) != 0:
		return CauseSSoftwareInt, true
	case MipSTIP.Get(pending) != 0:
		return CauseSTimerInt, true
	}
	return 0, false
}

// TrapToS performs the hardware side of a trap into S-mode: records
// sepc/scause/stval, stacks the interrupt-enable and privilege bits in
// sstatus, and returns the stvec target the hart must vector to.
func (h *Hart) TrapToS(cause, tval, pc uint64) uint64 {
	h.sepc = pc
	h.scause = cause
	h.stval = tval

	if h.IntrEnabled() {
		h.mstatus = MstatusSPIE.SetAll(h.mstatus)
	} else {
		h.mstatus = MstatusSPIE.Clear(h.mstatus)
	}
	h.mstatus = SstatusSIE.Clear(h.mstatus)

	if h.Priv == PrivSupervisor {
		h.mstatus = MstatusSPP.Set(h.mstatus, 1)
	} else {
		h.mstatus = MstatusSPP.Set(h.mstatus, 0)
	}
	h.Priv = PrivSupervisor

	return StvecBASE.GetRaw(h.stvec)
}

// Mret returns from M-mode per mstatus.MPP: restores MIE from MPIE,
// drops to the stacked privilege, and returns the mepc target.
func (h *Hart) Mret() uint64 {
	h.Priv = PrivilegeLevel(MstatusMPP.Get(h.mstatus))
	if MstatusMPIE.Get(h.mstatus) != 0 {
		h.mstatus = MstatusMIE.SetAll(h.mstatus)
	} else {
		h.mstatus = MstatusMIE.Clear(h.mstatus)
	}
	h.mstatus = MstatusMPIE.SetAll(h.mstatus)
	h.mstatus = MstatusMPP.Set(h.mstatus, uint64(PrivUser))
	return h.mepc
}

// Sret returns from S-mode per sstatus.SPP: restores SIE from SPIE,
// drops to the stacked privilege, and returns the sepc target.
func (h *Hart) Sret() uint64 {
	if MstatusSPP.Get(h.mstatus) != 0 {
		h.Priv = PrivSupervisor
	} else {
		h.Priv = PrivUser
	}
	if MstatusSPIE.Get(h.mstatus) != 0 {
		h.mstatus = SstatusSIE.SetAll(h.mstatus)
	} else {
		h.mstatus = SstatusSIE.Clear(h.mstatus)
	}
	h.mstatus = MstatusSPIE.SetAll(h.mstatus)
	h.mstatus = MstatusSPP.Set(h.mstatus, 0)
	return h.sepc
}
