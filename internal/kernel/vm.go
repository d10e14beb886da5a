package kernel

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/xv6/internal/machine"
	"github.com/tinyrange/xv6/internal/riscv"
	"github.com/tinyrange/xv6/internal/riscv/paging"
)

// kinit hands the heap — everything above the kernel image — to the
// frame allocator.
func (k *Kernel) kinit(c *CPU) {
	ram := k.mach.RAM()
	heapStart := paging.PhysAddr(ram.Base() + kernelTextSize)
	physTop := paging.PhysAddr(ram.End())
	k.alloc = NewAllocator(ram, heapStart, physTop)
	k.alloc.FreeRange(c, heapStart, physTop)
	slog.Debug("heap initialised",
		"start", fmt.Sprintf("0x%x", uint64(heapStart)),
		"end", fmt.Sprintf("0x%x", uint64(physTop)),
		"frames", k.alloc.freeCount)
}

// kvmInit builds the kernel page table once, on hart 0: identity maps
// for the device windows and RAM, the trampoline at the top of the
// address space, and one stack per process slot with a guard page
// under each.
func (k *Kernel) kvmInit(c *CPU) {
	alloc := k.alloc.OnCPU(c)
	ram := k.mach.RAM()

	kpt, err := paging.New(k.schema, ram, alloc)
	if err != nil {
		panic(fmt.Sprintf("kvminit: %v", err))
	}
	k.kpt = kpt

	rw := paging.NewFlags().SetReadable(true).SetWritable(true)
	rx := paging.NewFlags().SetReadable(true).SetExecutable(true)

	mapPages := func(name string, va paging.VirtAddr, size uint64, pa paging.PhysAddr, perm paging.Flags) {
		if err := kpt.MapPages(va, size, pa, perm, alloc); err != nil {
			panic(fmt.Sprintf("kvminit: map %s: %v", name, err))
		}
		slog.Debug("kernel map", "name", name,
			"va", fmt.Sprintf("0x%x", uint64(va)),
			"size", fmt.Sprintf("0x%x", size),
			"perm", perm.String())
	}

	// Device windows.
	mapPages("UART0", paging.VirtAddr(machine.UART0Base), machine.UART0Size,
		paging.PhysAddr(machine.UART0Base), rw)
	mapPages("VIRTIO0", paging.VirtAddr(machine.VirtIO0Base), machine.VirtIO0Size,
		paging.PhysAddr(machine.VirtIO0Base), rw)
	const plicMapSize = 0x400000
	mapPages("PLIC", paging.VirtAddr(machine.PLICBase), plicMapSize,
		paging.PhysAddr(machine.PLICBase), rw)

	// Kernel text, executable and read-only.
	mapPages("kernel text", paging.VirtAddr(ram.Base()), kernelTextSize,
		paging.PhysAddr(ram.Base()), rx)

	// Kernel data and the physical RAM the allocator hands out.
	mapPages("RAM", paging.VirtAddr(ram.Base()+kernelTextSize),
		ram.Size()-kernelTextSize, paging.PhysAddr(ram.Base()+kernelTextSize), rw)

	// The trampoline page sits at the top of every address space.
	frame, ok := k.alloc.Kalloc(c, true)
	if !ok {
		panic("kvminit: no frame for trampoline")
	}
	k.trampoline = frame
	mapPages("trampoline", k.trampolineVA(), paging.PageSize, frame, rx)

	k.mapStacks(c, mapPages)
}

// mapStacks allocates a kernel stack per process slot and maps it just
// under the trampoline; the page below each stays unmapped as a guard.
func (k *Kernel) mapStacks(c *CPU, mapPages func(string, paging.VirtAddr, uint64, paging.PhysAddr, paging.Flags)) {
	rw := paging.NewFlags().SetReadable(true).SetWritable(true)
	for i := 0; i < NPROC; i++ {
		frame, ok := k.alloc.Kalloc(c, true)
		if !ok {
			panic("kvminit: no frame for kernel stack")
		}
		mapPages(fmt.Sprintf("kstack%d", i), k.kstackVA(i), paging.PageSize, frame, rw)
	}
}

// kvmInitHart switches the hart onto the kernel page table, then
// checks the table can see itself through the mapping it installed.
func (k *Kernel) kvmInitHart(c *CPU) {
	root := uint64(k.kpt.Root())
	c.hart.WriteSatp(k.schema.Mode, 0, paging.PAPPN.Get(root))
	c.hart.SfenceVMA()
	if c.id == 0 {
		k.kernelSatp = c.hart.Satp().Read()
	}

	pa, err := k.kpt.VirtToPhys(paging.VirtAddr(root))
	if err != nil || uint64(pa) != root {
		panic(fmt.Sprintf("kvminithart: kernel page table does not map itself: %v %v", pa, err))
	}

	slog.Debug("paging enabled",
		"hart", c.id, "satp", fmt.Sprintf("0x%x", k.kernelSatp))
}

// satpFor encodes the satp value selecting a process page table.
func (k *Kernel) satpFor(pt *paging.PageTable) uint64 {
	return riscv.SatpMODE.Fill(uint64(k.schema.Mode)) |
		riscv.SatpPPN.Fill(paging.PAPPN.Get(uint64(pt.Root())))
}
