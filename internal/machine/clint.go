package machine

import (
	"sync/atomic"
	"time"

	"github.com/tinyrange/xv6/internal/riscv"
)

// CLINT implements the Core Local Interruptor: the machine timer and
// per-hart software interrupts.
type CLINT struct {
	harts []*riscv.Hart

	startTime time.Time
	nsPerTick uint64

	msip     []atomic.Uint32
	mtimecmp []atomic.Uint64
}

// NewCLINT creates a CLINT for the given harts. nsPerTick sets the
// timebase (100 ns/tick is the 10 MHz QEMU virt clock).
func NewCLINT(harts []*riscv.Hart, nsPerTick uint64) *CLINT {
	c := &CLINT{
		harts:     harts,
		startTime: time.Now(),
		nsPerTick: nsPerTick,
		msip:      make([]atomic.Uint32, len(harts)),
		mtimecmp:  make([]atomic.Uint64, len(harts)),
	}
	for i := range c.mtimecmp {
		c.mtimecmp[i].Store(^uint64(0)) // no interrupt until armed
	}
	return c
}

// MTime returns the current timer value.
func (c *CLINT) MTime() uint64 {
	return uint64(time.Since(c.startTime).Nanoseconds()) / c.nsPerTick
}

// Sync recomputes hart's MTIP from mtime and its mtimecmp. Called at
// the hart's poll points.
func (c *CLINT) Sync(hart int) {
	if c.MTime() >= c.mtimecmp[hart].Load() {
		c.harts[hart].SetPending(riscv.MipMTIP)
	} else {
		c.harts[hart].ClearPending(riscv.MipMTIP)
	}
}

// Size implements Device.
func (c *CLINT) Size() uint64 { return CLINTSize }

// Read implements Device.
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset >= CLINTMsip && offset < CLINTMsip+4*uint64(len(c.harts)):
		hart := (offset - CLINTMsip) / 4
		return uint64(c.msip[hart].Load()), nil

	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8*uint64(len(c.harts)):
		hart := (offset - CLINTMtimecmp) / 8
		return c.mtimecmp[hart].Load(), nil

	case offset >= CLINTMtime && offset < CLINTMtime+8:
		return c.MTime(), nil
	}
	return 0, nil
}

// Write implements Device.
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset >= CLINTMsip && offset < CLINTMsip+4*uint64(len(c.harts)):
		hart := (offset - CLINTMsip) / 4
		if value&1 != 0 {
			c.msip[hart].Store(1)
			c.harts[hart].SetPending(riscv.MipMSIP)
		} else {
			c.msip[hart].Store(0)
			c.harts[hart].ClearPending(riscv.MipMSIP)
		}

	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8*uint64(len(c.harts)):
		hart := (offset - CLINTMtimecmp) / 8
		c.mtimecmp[hart].Store(value)
		if value > c.MTime() {
			c.harts[hart].ClearPending(riscv.MipMTIP)
		}
	}
	return nil
}

var _ Device = (*CLINT)(nil)
