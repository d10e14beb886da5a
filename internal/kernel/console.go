package kernel

import (
	"fmt"

	"github.com/tinyrange/xv6/internal/machine"
)

// UART register addresses the console touches. The full driver is an
// external collaborator; the kernel only needs transmit and the
// receive drain for the interrupt path.
const (
	uartTHRAddr = machine.UART0Base + 0
	uartRBRAddr = machine.UART0Base + 0
	uartIERAddr = machine.UART0Base + 1
	uartLSRAddr = machine.UART0Base + 5
)

const (
	uartLSRDataReady = 1 << 0
	uartIERRxEnable  = 1 << 0
)

// Console serialises kernel output onto the UART.
type Console struct {
	lock SpinLock
	k    *Kernel
}

func newConsole(k *Kernel) *Console {
	cons := &Console{k: k}
	cons.lock.Init("cons")
	return cons
}

// consoleInit enables UART receive interrupts.
func (k *Kernel) consoleInit(c *CPU) {
	k.mach.Bus.Write8(uartIERAddr, uartIERRxEnable)
}

// write pushes bytes through the UART transmit register.
func (cons *Console) write(c *CPU, data []byte) {
	cons.lock.Acquire(c)
	for _, b := range data {
		cons.k.mach.Bus.Write8(uartTHRAddr, b)
	}
	cons.lock.Release(c)
}

// Printf formats to the console.
func (k *Kernel) Printf(c *CPU, format string, args ...any) {
	k.console.write(c, []byte(fmt.Sprintf(format, args...)))
}

// uartIntr drains received bytes on a UART interrupt, echoing them
// back. Line editing and the read side of the console belong to the
// real driver.
func (k *Kernel) uartIntr(c *CPU) {
	bus := k.mach.Bus
	for {
		lsr, err := bus.Read8(uartLSRAddr)
		if err != nil || lsr&uartLSRDataReady == 0 {
			return
		}
		b, err := bus.Read8(uartRBRAddr)
		if err != nil {
			return
		}
		k.console.write(c, []byte{b})
	}
}
