package riscv

import "testing"

func TestRegisterMaskedAccess(t *testing.T) {
	h := NewHart(3)

	if got := h.Mhartid().Read(); got != 3 {
		t.Fatalf("mhartid = %d", got)
	}

	ms := h.Mstatus()
	ms.Write(0)
	ms.SetMask(MstatusMIE)
	if ms.ReadMask(MstatusMIE) != 1 {
		t.Errorf("MIE not set")
	}
	ms.WriteMask(MstatusMPP, uint64(PrivSupervisor))
	if got := ms.ReadMask(MstatusMPP); got != uint64(PrivSupervisor) {
		t.Errorf("MPP = %d", got)
	}
	ms.ClearMask(MstatusMIE)
	if ms.ReadMask(MstatusMIE) != 0 {
		t.Errorf("MIE not cleared")
	}
}

func TestSstatusView(t *testing.T) {
	h := NewHart(0)

	h.Sstatus().SetMask(SstatusSIE)
	if !h.IntrEnabled() {
		t.Fatal("SIE set through sstatus not visible")
	}
	// M-only bits never leak through the view.
	h.Sstatus().Write(^uint64(0))
	if MstatusMIE.Get(h.Mstatus().Read()) != 0 {
		t.Error("sstatus write reached mstatus.MIE")
	}
	if MstatusSPP.Get(h.Sstatus().Read()) != 1 {
		t.Error("sstatus write lost SPP")
	}
}

func TestSieSipViews(t *testing.T) {
	h := NewHart(0)
	h.Mideleg().Write(0xffff)

	h.Sie().SetMask(SieSEIE.Or(SieSTIE).Or(SieSSIE))
	mie := h.Mie().Read()
	if SieSEIE.Get(mie) != 1 || SieSTIE.Get(mie) != 1 || SieSSIE.Get(mie) != 1 {
		t.Fatalf("sie write did not reach mie: 0x%x", mie)
	}

	// Only SSIP is writable through sip.
	h.Sip().Write(SipSSIP.Bits() | SipSEIP.Bits())
	mip := h.Mip().Read()
	if SipSSIP.Get(mip) != 1 {
		t.Error("SSIP not set through sip")
	}
	if SipSEIP.Get(mip) != 0 {
		t.Error("SEIP set through sip")
	}
	h.Sip().ClearMask(SipSSIP)
	if SipSSIP.Get(h.Mip().Read()) != 0 {
		t.Error("SSIP not cleared")
	}

	// Undelegated bits stay invisible through sie.
	h.Mideleg().Write(0)
	if h.Sie().Read() != 0 {
		t.Error("sie visible without delegation")
	}
}

func TestSatpTriple(t *testing.T) {
	h := NewHart(0)
	h.WriteSatp(SatpSv39, 7, 0x80042)

	satp := h.Satp().Read()
	if got := SatpMODE.Get(satp); got != uint64(SatpSv39) {
		t.Errorf("mode = %d", got)
	}
	if got := SatpASID.Get(satp); got != 7 {
		t.Errorf("asid = %d", got)
	}
	if got := SatpPPN.Get(satp); got != 0x80042 {
		t.Errorf("ppn = 0x%x", got)
	}
}

func TestTrapRoundTrip(t *testing.T) {
	h := NewHart(0)
	h.Mideleg().Write(0xffff)
	h.Priv = PrivUser
	h.IntrOn()
	h.Stvec().Write(0x8000_0200)

	target := h.TrapToS(CauseEcallFromU, 0, 0x40)
	if target != 0x8000_0200 {
		t.Fatalf("trap target = 0x%x", target)
	}
	if h.Priv != PrivSupervisor {
		t.Fatalf("priv after trap = %v", h.Priv)
	}
	if h.IntrEnabled() {
		t.Fatal("SIE still on after trap")
	}
	if h.Sepc().Read() != 0x40 {
		t.Fatalf("sepc = 0x%x", h.Sepc().Read())
	}
	if MstatusSPP.Get(h.Mstatus().Read()) != 0 {
		t.Fatal("SPP recorded S for a user trap")
	}

	pc := h.Sret()
	if pc != 0x40 {
		t.Fatalf("sret target = 0x%x", pc)
	}
	if h.Priv != PrivUser {
		t.Fatalf("priv after sret = %v", h.Priv)
	}
	if !h.IntrEnabled() {
		t.Fatal("SIE not restored from SPIE")
	}
}

func TestMretDropsToMPP(t *testing.T) {
	h := NewHart(0)
	h.Mstatus().WriteMask(MstatusMPP, uint64(PrivSupervisor))
	h.Mepc().Write(0x8000_0100)

	pc := h.Mret()
	if pc != 0x8000_0100 {
		t.Fatalf("mret target = 0x%x", pc)
	}
	if h.Priv != PrivSupervisor {
		t.Fatalf("priv after mret = %v", h.Priv)
	}
}

func TestPendingSupervisor(t *testing.T) {
	h := NewHart(0)
	h.Mideleg().Write(0xffff)
	h.Sie().SetMask(SieSSIE)
	h.Priv = PrivSupervisor

	h.SetPending(MipSSIP)
	if _, ok := h.PendingSupervisor(); ok {
		t.Fatal("delivered with SIE off")
	}
	h.IntrOn()
	cause, ok := h.PendingSupervisor()
	if !ok || cause != CauseSSoftwareInt {
		t.Fatalf("cause = 0x%x ok=%v", cause, ok)
	}

	// User mode takes S interrupts regardless of SIE.
	h.IntrOff()
	h.Priv = PrivUser
	if _, ok := h.PendingSupervisor(); !ok {
		t.Fatal("not delivered in user mode")
	}
}

func TestReservedPrivilegeRead(t *testing.T) {
	// Observing the reserved encoding must not blow up.
	if got := PrivReserved.String(); got != "reserved" {
		t.Fatalf("PrivReserved.String() = %q", got)
	}
}
