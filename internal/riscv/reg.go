package riscv

// Reg is a read-write handle on a single register of a hart.
type Reg struct {
	name string
	get  func() uint64
	set  func(uint64)
}

// Read returns the register value.
func (r Reg) Read() uint64 { return r.get() }

// Write stores value into the register.
func (r Reg) Write(v uint64) { r.set(v) }

// ReadMask reads the field named by m.
func (r Reg) ReadMask(m Mask) uint64 { return m.Get(r.get()) }

// WriteMask replaces the field named by m with v.
func (r Reg) WriteMask(m Mask, v uint64) { r.set(m.Set(r.get(), v)) }

// SetMask sets every bit of the field named by m.
func (r Reg) SetMask(m Mask) { r.set(m.SetAll(r.get())) }

// ClearMask clears every bit of the field named by m.
func (r Reg) ClearMask(m Mask) { r.set(m.Clear(r.get())) }

// Name returns the register's ISA name.
func (r Reg) Name() string { return r.name }

// RegRO is a read-only handle on a register that cannot be written,
// such as mhartid or the unprivileged counters.
type RegRO struct {
	name string
	get  func() uint64
}

// Read returns the register value.
func (r RegRO) Read() uint64 { return r.get() }

// ReadMask reads the field named by m.
func (r RegRO) ReadMask(m Mask) uint64 { return m.Get(r.get()) }

// Name returns the register's ISA name.
func (r RegRO) Name() string { return r.name }

func (h *Hart) rw(name string, get func() uint64, set func(uint64)) Reg {
	return Reg{name: name, get: get, set: set}
}

func (h *Hart) field(name string, p *uint64) Reg {
	return Reg{name: name, get: func() uint64 { return *p }, set: func(v uint64) { *p = v }}
}

/*            Machine-mode bank            */

func (h *Hart) Mhartid() RegRO { return RegRO{"mhartid", func() uint64 { return h.mhartid }} }

func (h *Hart) Mstatus() Reg    { return h.field("mstatus", &h.mstatus) }
func (h *Hart) Misa() Reg       { return h.field("misa", &h.misa) }
func (h *Hart) Medeleg() Reg    { return h.field("medeleg", &h.medeleg) }
func (h *Hart) Mideleg() Reg    { return h.field("mideleg", &h.mideleg) }
func (h *Hart) Mie() Reg        { return h.field("mie", &h.mie) }
func (h *Hart) Mtvec() Reg      { return h.field("mtvec", &h.mtvec) }
func (h *Hart) Mcounteren() Reg { return h.field("mcounteren", &h.mcounteren) }
func (h *Hart) Mscratch() Reg   { return h.field("mscratch", &h.mscratch) }
func (h *Hart) Mepc() Reg       { return h.field("mepc", &h.mepc) }
func (h *Hart) Mcause() Reg     { return h.field("mcause", &h.mcause) }
func (h *Hart) Mtval() Reg      { return h.field("mtval", &h.mtval) }
func (h *Hart) Menvcfg() Reg    { return h.field("menvcfg", &h.menvcfg) }
func (h *Hart) Pmpcfg0() Reg    { return h.field("pmpcfg0", &h.pmpcfg0) }
func (h *Hart) Pmpaddr0() Reg   { return h.field("pmpaddr0", &h.pmpaddr0) }
func (h *Hart) Mcycle() Reg     { return h.field("mcycle", &h.mcycle) }
func (h *Hart) Minstret() Reg   { return h.field("minstret", &h.minstret) }

func (h *Hart) Mcountinhibit() Reg { return h.field("mcountinhibit", &h.mcountinhibit) }

// Mip exposes the interrupt-pending register. Writes replace the whole
// word; devices should prefer SetPending/ClearPending.
func (h *Hart) Mip() Reg {
	return h.rw("mip", h.mip.Load, func(v uint64) { h.mip.Store(v) })
}

/*            Supervisor-mode bank            */

// Sstatus is the supervisor view of mstatus: reads and writes touch
// only the S-visible bits.
func (h *Hart) Sstatus() Reg {
	return h.rw("sstatus", h.readSstatus, h.writeSstatus)
}

// Sie is the supervisor view of mie, restricted by mideleg.
func (h *Hart) Sie() Reg {
	return h.rw("sie",
		func() uint64 { return h.mie & h.mideleg },
		func(v uint64) { h.mie = (h.mie &^ h.mideleg) | (v & h.mideleg) })
}

// Sip is the supervisor view of mip, restricted by mideleg. Only SSIP
// is writable from S-mode.
func (h *Hart) Sip() Reg {
	return h.rw("sip",
		func() uint64 { return h.mip.Load() & h.mideleg },
		func(v uint64) {
			if SipSSIP.Get(v) != 0 {
				h.SetPending(SipSSIP)
			} else {
				h.ClearPending(SipSSIP)
			}
		})
}

func (h *Hart) Stvec() Reg      { return h.field("stvec", &h.stvec) }
func (h *Hart) Scounteren() Reg { return h.field("scounteren", &h.scounteren) }
func (h *Hart) Senvcfg() Reg    { return h.field("senvcfg", &h.senvcfg) }
func (h *Hart) Sscratch() Reg   { return h.field("sscratch", &h.sscratch) }
func (h *Hart) Sepc() Reg       { return h.field("sepc", &h.sepc) }
func (h *Hart) Satp() Reg       { return h.field("satp", &h.satp) }

func (h *Hart) Scause() RegRO { return RegRO{"scause", func() uint64 { return h.scause }} }
func (h *Hart) Stval() RegRO  { return RegRO{"stval", func() uint64 { return h.stval }} }

// WriteSatp encodes and stores a {mode, asid, ppn} triple.
func (h *Hart) WriteSatp(mode SatpMode, asid, ppn uint64) {
	h.satp = SatpMODE.Fill(uint64(mode)) | SatpASID.Fill(asid) | SatpPPN.Fill(ppn)
}

// SfenceVMA orders page-table updates with address translation. The
// modeled MMU walks tables on every translation, so this is a fence in
// name only; call sites keep the ISA-mandated placement.
func (h *Hart) SfenceVMA() {}

/*            Unprivileged bank            */

func (h *Hart) Ra() Reg { return h.field("ra", &h.X[RegRA]) }
func (h *Hart) Sp() Reg { return h.field("sp", &h.X[RegSP]) }
func (h *Hart) Gp() Reg { return h.field("gp", &h.X[RegGP]) }
func (h *Hart) Tp() Reg { return h.field("tp", &h.X[RegTP]) }
func (h *Hart) Fp() Reg { return h.field("fp", &h.X[RegFP]) }

func (h *Hart) Fflags() Reg {
	return h.rw("fflags",
		func() uint64 { return uint64(h.fflags) },
		func(v uint64) { h.fflags = uint8(v & 0x1f) })
}

func (h *Hart) Frm() Reg {
	return h.rw("frm",
		func() uint64 { return uint64(h.frm) },
		func(v uint64) { h.frm = uint8(v & 0x7) })
}

// Fcsr packs fflags (bits 0-4) and frm (bits 5-7).
func (h *Hart) Fcsr() Reg {
	return h.rw("fcsr",
		func() uint64 { return uint64(h.fflags) | uint64(h.frm)<<5 },
		func(v uint64) {
			h.fflags = uint8(v & 0x1f)
			h.frm = uint8((v >> 5) & 0x7)
		})
}

func (h *Hart) Cycle() RegRO   { return RegRO{"cycle", func() uint64 { return h.mcycle }} }
func (h *Hart) Instret() RegRO { return RegRO{"instret", func() uint64 { return h.minstret }} }

// Time reads the memory-mapped mtime through the wired time source.
func (h *Hart) Time() RegRO {
	return RegRO{"time", func() uint64 {
		if h.TimeFn == nil {
			return 0
		}
		return h.TimeFn()
	}}
}
