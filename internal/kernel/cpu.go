package kernel

import (
	"github.com/tinyrange/xv6/internal/riscv"
)

// CPU is the per-hart kernel state: the process it is running, the
// scheduler's saved context, and the interrupt push/pop bookkeeping.
// It is touched only by code running on the owning hart.
type CPU struct {
	kernel *Kernel
	id     int
	hart   *riscv.Hart

	proc    *Proc   // currently running process, or nil
	context Context // scheduler context; switch here to enter the scheduler

	noff   int32 // depth of push-off nesting
	intena bool  // interrupt state before the first push-off
}

// ID returns the hart id. Boot stores it in the hart's tp register,
// which is where a real kernel would read it back from.
func (c *CPU) ID() int { return c.id }

// Hart returns the underlying architectural state.
func (c *CPU) Hart() *riscv.Hart { return c.hart }

// Proc returns the process currently running on this CPU, if any.
func (c *CPU) Proc() *Proc { return c.proc }

// PushOff disables interrupts, remembering the prior state on the
// first nested call.
func (c *CPU) PushOff() {
	enabled := c.hart.IntrEnabled()
	c.hart.IntrOff()
	if c.noff == 0 {
		c.intena = enabled
	}
	c.noff++
}

// PopOff undoes one PushOff; the outermost call restores the saved
// interrupt state.
func (c *CPU) PopOff() {
	if c.hart.IntrEnabled() {
		panic("pop_off - interruptible")
	}
	if c.noff < 1 {
		panic("pop_off")
	}
	c.noff--
	if c.noff == 0 && c.intena {
		c.hart.IntrOn()
	}
}

// Noff returns the push-off nesting depth.
func (c *CPU) Noff() int32 { return c.noff }
