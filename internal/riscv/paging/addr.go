// Package paging implements the Sv39/Sv48/Sv57 multi-level page-table
// engine: address and PTE types, the per-schema level tables, and the
// walk/map/unmap/translate/clone operations the kernel builds address
// spaces with. Page tables live inside guest physical memory and are
// read and written through the Memory interface, exactly as the
// hardware walker reads them through the bus.
package paging

import (
	"fmt"

	"github.com/tinyrange/xv6/internal/riscv"
)

// Page geometry.
const (
	PageSize  = 4096
	PageShift = 12
)

// PageOffset selects the offset of an address inside its page frame.
var PageOffset = riscv.NewMask(PageShift, 0)

// PAPPN selects the physical page number of a physical address.
var PAPPN = riscv.NewMask(44, PageShift)

// PhysAddr is an address in guest physical memory.
type PhysAddr uint64

// VirtAddr is an address in some virtual address space.
type VirtAddr uint64

// Add returns the address advanced by n bytes.
func (p PhysAddr) Add(n uint64) PhysAddr { return p + PhysAddr(n) }

// Sub returns the address moved back by n bytes, saturating at zero.
func (p PhysAddr) Sub(n uint64) PhysAddr {
	if uint64(p) < n {
		return 0
	}
	return p - PhysAddr(n)
}

// PageRoundUp rounds the address up to the next page boundary.
func (p PhysAddr) PageRoundUp() PhysAddr {
	return PhysAddr(pageRoundUp(uint64(p)))
}

// PageRoundDown rounds the address down to its page boundary.
func (p PhysAddr) PageRoundDown() PhysAddr {
	return PhysAddr(pageRoundDown(uint64(p)))
}

// PageOffset returns the low 12 bits.
func (p PhysAddr) PageOffset() uint64 { return PageOffset.Get(uint64(p)) }

func (p PhysAddr) String() string { return fmt.Sprintf("PA(0x%x)", uint64(p)) }

// Add returns the address advanced by n bytes.
func (v VirtAddr) Add(n uint64) VirtAddr { return v + VirtAddr(n) }

// Sub returns the address moved back by n bytes, saturating at zero.
func (v VirtAddr) Sub(n uint64) VirtAddr {
	if uint64(v) < n {
		return 0
	}
	return v - VirtAddr(n)
}

// PageRoundUp rounds the address up to the next page boundary.
func (v VirtAddr) PageRoundUp() VirtAddr {
	return VirtAddr(pageRoundUp(uint64(v)))
}

// PageRoundDown rounds the address down to its page boundary.
func (v VirtAddr) PageRoundDown() VirtAddr {
	return VirtAddr(pageRoundDown(uint64(v)))
}

// PageOffset returns the low 12 bits.
func (v VirtAddr) PageOffset() uint64 { return PageOffset.Get(uint64(v)) }

func (v VirtAddr) String() string { return fmt.Sprintf("VA(0x%x)", uint64(v)) }

func pageRoundUp(a uint64) uint64   { return (a + PageSize - 1) &^ (PageSize - 1) }
func pageRoundDown(a uint64) uint64 { return a &^ (PageSize - 1) }
