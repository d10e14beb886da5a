package paging

import (
	"fmt"

	"github.com/tinyrange/xv6/internal/riscv"
)

// Fields of a 64-bit page-table entry.
var (
	PteFlags = riscv.NewMask(10, 0)
	PteV     = riscv.NewMask(1, 0)
	PteR     = riscv.NewMask(1, 1)
	PteW     = riscv.NewMask(1, 2)
	PteX     = riscv.NewMask(1, 3)
	PteXWR   = riscv.NewMask(3, 1)
	PteU     = riscv.NewMask(1, 4)
	PteG     = riscv.NewMask(1, 5)
	PteA     = riscv.NewMask(1, 6)
	PteD     = riscv.NewMask(1, 7)
	PteRSW   = riscv.NewMask(2, 8)
	PtePPN   = riscv.NewMask(44, 10)

	// Reserved for future standard use; must be zero or a page fault
	// is raised.
	PteReserved = riscv.NewMask(7, 54)
	// Svpbmt extension field; reserved here.
	PtePBMT = riscv.NewMask(2, 61)
	// Svnapot extension bit; reserved here.
	PteN = riscv.NewMask(1, 63)
)

// PTE is a packed page-table entry. A valid entry with XWR == 0 points
// to the next-level table; a valid entry with any of XWR set is a leaf.
type PTE uint64

// NewPTE builds an entry pointing at pa with the given flags.
func NewPTE(pa PhysAddr, flags Flags) PTE {
	return PTE(PtePPN.Fill(PAPPN.Get(uint64(pa))) | uint64(flags))
}

// Addr returns the physical address the entry points to.
func (p PTE) Addr() PhysAddr {
	return PhysAddr(PtePPN.Get(uint64(p)) << PageShift)
}

// Flags returns the low flag bits.
func (p PTE) Flags() Flags { return Flags(PteFlags.Get(uint64(p))) }

// Valid reports whether the V bit is set.
func (p PTE) Valid() bool { return PteV.Get(uint64(p)) == 1 }

// Leaf reports whether the entry maps a page rather than pointing to
// the next-level table.
func (p PTE) Leaf() bool { return PteXWR.Get(uint64(p)) != 0 }

// ReservedBits returns the must-be-zero high fields.
func (p PTE) ReservedBits() uint64 {
	return PteReserved.GetRaw(uint64(p)) | PtePBMT.GetRaw(uint64(p)) | PteN.GetRaw(uint64(p))
}

func (p PTE) String() string {
	return fmt.Sprintf("PTE(%v,%v)", p.Addr(), p.Flags())
}

// Flags is the typed builder for the low ten PTE bits. The zero value
// is invalid; NewFlags starts with V set.
type Flags uint64

// NewFlags returns flags with only the valid bit set.
func NewFlags() Flags { return Flags(PteV.Bits()) }

func (f Flags) get(m riscv.Mask) bool { return m.Get(uint64(f)) == 1 }

func (f Flags) set(m riscv.Mask, on bool) Flags {
	if on {
		return Flags(m.SetAll(uint64(f)))
	}
	return Flags(m.Clear(uint64(f)))
}

// Valid reports the V bit.
func (f Flags) Valid() bool { return f.get(PteV) }

// Readable reports the R bit.
func (f Flags) Readable() bool { return f.get(PteR) }

// Writable reports the W bit.
func (f Flags) Writable() bool { return f.get(PteW) }

// Executable reports the X bit.
func (f Flags) Executable() bool { return f.get(PteX) }

// User reports the U bit. With SUM set in sstatus, S-mode may also
// access pages with U = 1, but may never execute them.
func (f Flags) User() bool { return f.get(PteU) }

// Global reports the G bit: the mapping exists in all address spaces.
func (f Flags) Global() bool { return f.get(PteG) }

// Accessed reports the A bit.
func (f Flags) Accessed() bool { return f.get(PteA) }

// Dirty reports the D bit.
func (f Flags) Dirty() bool { return f.get(PteD) }

// Rsw returns the two supervisor-software bits.
func (f Flags) Rsw() uint64 { return PteRSW.Get(uint64(f)) }

// Leaf reports whether any of X, W, R is set.
func (f Flags) Leaf() bool { return PteXWR.Get(uint64(f)) != 0 }

func (f Flags) SetValid(on bool) Flags      { return f.set(PteV, on) }
func (f Flags) SetReadable(on bool) Flags   { return f.set(PteR, on) }
func (f Flags) SetWritable(on bool) Flags   { return f.set(PteW, on) }
func (f Flags) SetExecutable(on bool) Flags { return f.set(PteX, on) }
func (f Flags) SetUser(on bool) Flags       { return f.set(PteU, on) }
func (f Flags) SetGlobal(on bool) Flags     { return f.set(PteG, on) }
func (f Flags) SetAccessed(on bool) Flags   { return f.set(PteA, on) }
func (f Flags) SetDirty(on bool) Flags      { return f.set(PteD, on) }

func (f Flags) SetRsw(v uint64) Flags { return Flags(PteRSW.Set(uint64(f), v)) }

func (f Flags) String() string {
	buf := make([]byte, 0, 8)
	for _, b := range []struct {
		on bool
		c  byte
	}{
		{f.Dirty(), 'd'}, {f.Accessed(), 'a'}, {f.Global(), 'g'},
		{f.User(), 'u'}, {f.Executable(), 'x'}, {f.Writable(), 'w'},
		{f.Readable(), 'r'}, {f.Valid(), 'v'},
	} {
		if b.on {
			buf = append(buf, b.c)
		} else {
			buf = append(buf, '-')
		}
	}
	return string(buf)
}
