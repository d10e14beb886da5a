package kernel

import (
	"github.com/tinyrange/xv6/internal/riscv"
	"github.com/tinyrange/xv6/internal/riscv/paging"
)

// System call numbers.
const (
	SysFork     = 1
	SysExit     = 2
	SysWait     = 3
	SysKill     = 6
	SysGetpid   = 11
	SysSbrk     = 12
	SysSleep    = 13
	SysUptime   = 14
	SysWrite    = 16
	SysShutdown = 22
)

const errRet = ^uint64(0) // -1

// arg returns raw system-call argument n (a0..a5) from the trap frame.
func (k *Kernel) arg(p *Proc, n int) uint64 {
	return k.tfOf(p).Reg(riscv.RegA0 + n)
}

// syscall dispatches the call named in a7, leaving the return value in
// the trap frame's a0.
func (k *Kernel) syscall(p *Proc) {
	tf := k.tfOf(p)
	num := tf.Reg(riscv.RegA7)

	var ret uint64
	switch num {
	case SysFork:
		ret = uint64(int64(k.fork(p)))
	case SysExit:
		k.exit(p, int32(k.arg(p, 0)))
		panic("exit returned")
	case SysWait:
		ret = uint64(int64(k.wait(p, paging.VirtAddr(k.arg(p, 0)))))
	case SysKill:
		ret = uint64(int64(k.kill(p.cpu, int(k.arg(p, 0)))))
	case SysGetpid:
		ret = uint64(p.Pid(p.cpu))
	case SysSbrk:
		ret = k.sysSbrk(p)
	case SysSleep:
		ret = k.sysSleep(p)
	case SysUptime:
		ret = k.Ticks()
	case SysWrite:
		ret = k.sysWrite(p)
	case SysShutdown:
		k.Halt()
		ret = 0
	default:
		k.Printf(p.cpu, "%d %s: unknown sys call %d\n", p.pid, p.name, num)
		ret = errRet
	}

	// The trap frame may have moved with the process; refetch.
	k.tfOf(p).SetA0(ret)
}

// sysSbrk grows or shrinks user memory by a signed byte count,
// returning the old size.
func (k *Kernel) sysSbrk(p *Proc) uint64 {
	delta := int64(k.arg(p, 0))
	old := p.size
	if err := k.grow(p, delta); err != nil {
		return errRet
	}
	return old
}

// sysSleep blocks until n ticks have elapsed.
func (k *Kernel) sysSleep(p *Proc) uint64 {
	n := k.arg(p, 0)
	k.tickLock.Acquire(p.cpu)
	t0 := k.ticks.Load()
	for k.ticks.Load()-t0 < n {
		if p.isKilled(p.cpu) {
			k.tickLock.Release(p.cpu)
			return errRet
		}
		p.sleep(&k.ticks, &k.tickLock)
	}
	k.tickLock.Release(p.cpu)
	return 0
}

// sysWrite copies n bytes from user memory at addr and prints them on
// the console. Only the console descriptors exist; files belong to the
// file system collaborator.
func (k *Kernel) sysWrite(p *Proc) uint64 {
	fd := k.arg(p, 0)
	addr := paging.VirtAddr(k.arg(p, 1))
	n := int(k.arg(p, 2))

	if fd != 1 && fd != 2 {
		return errRet
	}
	if n < 0 || n > paging.PageSize {
		return errRet
	}

	buf := make([]byte, n)
	if err := p.pagetable.CopyIn(buf, addr); err != nil {
		return errRet
	}
	k.console.write(p.cpu, buf)
	return uint64(n)
}
