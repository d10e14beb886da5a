// Package kernel is an xv6-style teaching kernel for the modeled
// RISC-V virt board: physical frame allocator, kernel and per-process
// page tables, spinlocks, the trap pipeline, and the process table
// with its per-hart schedulers. Each hart runs on its own goroutine;
// kernel threads hand the hart off through explicit context switches.
package kernel

import (
	"github.com/tinyrange/xv6/internal/machine"
	"github.com/tinyrange/xv6/internal/riscv/paging"
)

const (
	// NCPU is the per-CPU table size. It must equal the board's
	// maximum hart count.
	NCPU = machine.MaxHarts

	// NPROC is the size of the process table.
	NPROC = 2 * NCPU
)

// The head of RAM holds the kernel image; frames above it belong to
// the allocator.
const kernelTextSize = 2 << 20

// Code tokens inside the kernel text. The modeled harts vector through
// these addresses the way real ones jump through mtvec/stvec/mepc.
const (
	addrMain      = machine.RAMBase + 0x100
	addrKernelVec = machine.RAMBase + 0x200
	addrUserTrap  = machine.RAMBase + 0x280
	addrForkRet   = machine.RAMBase + 0x2c0
	addrTimerVec  = machine.RAMBase + 0x300

	// Per-hart 5-slot timer scratch areas, inside the kernel image
	// region that kvmInit maps as text.
	addrTimerScratch = machine.RAMBase + 0x400
)

func timerScratchAddr(hart int) uint64 {
	return addrTimerScratch + uint64(hart)*5*8
}

// maxVA returns one beyond the highest usable virtual address for the
// kernel's schema.
func (k *Kernel) maxVA() paging.VirtAddr { return k.schema.MaxVA() }

// trampolineVA is the highest page in every address space.
func (k *Kernel) trampolineVA() paging.VirtAddr {
	return k.maxVA() - paging.PageSize
}

// trapFrameVA is the per-process trap-frame page, just under the
// trampoline in user space.
func (k *Kernel) trapFrameVA() paging.VirtAddr {
	return k.trampolineVA() - paging.PageSize
}

// kstackVA returns the kernel stack for process slot i: below the
// trampoline, one page each, with an unmapped guard page beneath.
func (k *Kernel) kstackVA(i int) paging.VirtAddr {
	return k.trampolineVA() - paging.VirtAddr((i+1)*2*paging.PageSize)
}

// Trampoline vector offsets.
func (k *Kernel) uservecVA() uint64 { return uint64(k.trampolineVA()) }
func (k *Kernel) userretVA() uint64 { return uint64(k.trampolineVA()) + 16 }
