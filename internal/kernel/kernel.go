package kernel

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/xv6/internal/machine"
	"github.com/tinyrange/xv6/internal/riscv/paging"
)

// Kernel ties the board to the kernel state: allocator, kernel page
// table, per-CPU table, process table, and the trap vector registry.
type Kernel struct {
	mach   *machine.Machine
	schema *paging.Schema

	alloc      *Allocator
	kpt        *paging.PageTable
	kernelSatp uint64
	trampoline paging.PhysAddr // frame backing the trampoline page

	cpus  [NCPU]CPU
	procs [NPROC]Proc

	pidLock SpinLock
	nextPID int

	// waitLock guards the parent pointer graph and the zombie reaping
	// protocol.
	waitLock SpinLock

	tickLock SpinLock
	ticks    atomic.Uint64

	console *Console

	// vectors maps trap-vector code tokens to their handlers; filled
	// at construction, read-only afterwards.
	vectors map[uint64]func(*CPU)

	initProg   *UserProgram
	initProc   *Proc
	fsInitOnce sync.Once

	started atomic.Bool
	halted  atomic.Bool
	wg      sync.WaitGroup
}

// New assembles a board from cfg and a kernel on top of it. Console
// output goes to output.
func New(cfg machine.Config, output io.Writer) (*Kernel, error) {
	mach, err := machine.New(cfg, output)
	if err != nil {
		return nil, err
	}
	schema, err := cfg.PagingSchema()
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		mach:     mach,
		schema:   schema,
		nextPID:  1,
		initProg: InitProgram,
	}
	k.pidLock.Init("nextpid")
	k.waitLock.Init("wait_lock")
	k.tickLock.Init("time")
	k.console = newConsole(k)

	for i := range k.cpus {
		c := &k.cpus[i]
		c.kernel = k
		c.id = i
		c.context = newContext()
		if i < len(mach.Harts) {
			c.hart = mach.Harts[i]
		}
	}

	k.vectors = map[uint64]func(*CPU){
		addrMain:      func(c *CPU) { k.main(c) },
		addrKernelVec: func(c *CPU) { k.kernelVec(c) },
		addrTimerVec:  func(c *CPU) { k.timerVec(c) },
		addrUserTrap:  func(c *CPU) { k.userTrap(c.proc) },
		k.uservecVA(): func(c *CPU) { k.uservec(c.proc) },
		k.userretVA(): func(c *CPU) { k.userret(c.proc) },
	}

	return k, nil
}

// Machine returns the underlying board.
func (k *Kernel) Machine() *machine.Machine { return k.mach }

// Allocator returns the frame allocator; nil before hart 0 has booted.
func (k *Kernel) Allocator() *Allocator { return k.alloc }

// Ticks returns the global timer tick count.
func (k *Kernel) Ticks() uint64 { return k.ticks.Load() }

// SetInitProgram replaces the user program run by the first process.
// Must be called before Run.
func (k *Kernel) SetInitProgram(prog *UserProgram) { k.initProg = prog }

// vector dispatches a trap-vector code token to its handler.
func (k *Kernel) vector(c *CPU, pc uint64) {
	fn, ok := k.vectors[pc]
	if !ok {
		panic(fmt.Sprintf("hart %d: no vector at 0x%x", c.id, pc))
	}
	fn(c)
}

// Run boots every configured hart and blocks until the kernel halts.
func (k *Kernel) Run() error {
	harts := k.mach.Config.Harts
	slog.Info("booting kernel", "harts", harts, "schema", k.schema.Name)
	for i := 0; i < harts; i++ {
		c := &k.cpus[i]
		k.wg.Add(1)
		go func() {
			defer k.wg.Done()
			k.start(c)
		}()
	}
	k.wg.Wait()
	slog.Info("kernel halted", "ticks", k.Ticks())
	return nil
}

// Halt stops every scheduler loop at its next iteration.
func (k *Kernel) Halt() { k.halted.Store(true) }

// Halted reports whether Halt has been called.
func (k *Kernel) Halted() bool { return k.halted.Load() }
