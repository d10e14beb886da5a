package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/xv6/internal/machine"
	"github.com/tinyrange/xv6/internal/riscv/paging"
)

// ErrOutOfFrames is returned when the freelist is exhausted.
var ErrOutOfFrames = errors.New("kalloc: out of physical frames")

// Allocator is the physical frame allocator: an intrusive freelist of
// 4 KiB pages. Each free frame's first eight bytes hold the guest
// physical address of the next free frame. Frames are poisoned with
// 0xAA on allocation (unless zeroed) and 0xFF on free to trip use of
// stale or uninitialised memory.
type Allocator struct {
	lock SpinLock
	ram  *machine.RAM

	start paging.PhysAddr // first allocatable address (page aligned)
	end   paging.PhysAddr // one past the last allocatable address

	head      paging.PhysAddr // 0 when empty
	freeCount int
}

// NewAllocator creates an empty allocator over [start, end) in RAM.
// Frames are added with FreeRange.
func NewAllocator(ram *machine.RAM, start, end paging.PhysAddr) *Allocator {
	a := &Allocator{ram: ram, start: start.PageRoundUp(), end: end}
	a.lock.Init("kmem")
	return a
}

// Start returns the first allocatable address.
func (a *Allocator) Start() paging.PhysAddr { return a.start }

// End returns one past the last allocatable address.
func (a *Allocator) End() paging.PhysAddr { return a.end }

// FreeCount returns the number of frames on the freelist.
func (a *Allocator) FreeCount(c *CPU) int {
	a.lock.Acquire(c)
	defer a.lock.Release(c)
	return a.freeCount
}

func (a *Allocator) frame(pa paging.PhysAddr) []byte {
	page, err := a.ram.Page(pa)
	if err != nil {
		panic(fmt.Sprintf("kalloc: frame outside RAM: %v", err))
	}
	return page
}

func fill(page []byte, b byte) {
	for i := range page {
		page[i] = b
	}
}

// Kalloc pops one 4 KiB frame, zeroed if requested and otherwise
// poisoned. Returns 0, false on exhaustion.
func (a *Allocator) Kalloc(c *CPU, zero bool) (paging.PhysAddr, bool) {
	a.lock.Acquire(c)
	pa := a.head
	if pa == 0 {
		a.lock.Release(c)
		return 0, false
	}
	page := a.frame(pa)
	a.head = paging.PhysAddr(binary.LittleEndian.Uint64(page))
	a.freeCount--
	a.lock.Release(c)

	if zero {
		fill(page, 0)
	} else {
		fill(page, 0xAA)
	}
	return pa, true
}

// Kfree poisons the frame and pushes it onto the freelist. The frame
// must be page aligned and inside the allocator's range.
func (a *Allocator) Kfree(c *CPU, pa paging.PhysAddr) {
	if pa.PageOffset() != 0 || pa < a.start || pa >= a.end {
		panic(fmt.Sprintf("kfree: invalid page %v", pa))
	}
	page := a.frame(pa)
	fill(page, 0xFF)

	a.lock.Acquire(c)
	binary.LittleEndian.PutUint64(page, uint64(a.head))
	a.head = pa
	a.freeCount++
	a.lock.Release(c)
}

// FreeRange pushes every aligned frame fully inside [start, end) onto
// the freelist; boot hands the whole heap over this way.
func (a *Allocator) FreeRange(c *CPU, start, end paging.PhysAddr) {
	for pa := start.PageRoundUp(); pa.Add(paging.PageSize) <= end; pa = pa.Add(paging.PageSize) {
		a.Kfree(c, pa)
	}
}

// OnCPU binds the allocator to a CPU for the page-table engine, which
// does not thread CPUs through its calls.
func (a *Allocator) OnCPU(c *CPU) paging.FrameAllocator {
	return boundAllocator{a: a, c: c}
}

type boundAllocator struct {
	a *Allocator
	c *CPU
}

func (b boundAllocator) AllocFrame(zero bool) (paging.PhysAddr, error) {
	pa, ok := b.a.Kalloc(b.c, zero)
	if !ok {
		return 0, ErrOutOfFrames
	}
	return pa, nil
}

func (b boundAllocator) FreeFrame(pa paging.PhysAddr) {
	b.a.Kfree(b.c, pa)
}
