package machine

import (
	"io"
	"sync"
)

// UART register offsets (16550 subset).
const (
	uartRBR = 0 // receive buffer (read)
	uartTHR = 0 // transmit holding (write)
	uartIER = 1 // interrupt enable
	uartFCR = 2 // FIFO control (write)
	uartISR = 2 // interrupt status (read)
	uartLCR = 3 // line control
	uartLSR = 5 // line status
)

// LSR bits.
const (
	uartLSRDataReady = 1 << 0
	uartLSRTHREmpty  = 1 << 5
)

// IER bits.
const uartIERRx = 1 << 0

// UART is a minimal 16550: transmit goes straight to the output
// writer, received bytes queue until the kernel reads RBR. Input
// raises IRQ 10 through the PLIC when receive interrupts are enabled.
type UART struct {
	mu     sync.Mutex
	output io.Writer
	rx     []byte
	ier    uint8
	lcr    uint8

	// Intr is wired to the PLIC's pending bit for UART0IRQ.
	Intr func(pending bool)
}

// NewUART creates a UART writing transmitted bytes to output. A nil
// output discards them.
func NewUART(output io.Writer) *UART {
	if output == nil {
		output = io.Discard
	}
	return &UART{output: output}
}

// Size implements Device.
func (u *UART) Size() uint64 { return UART0Size }

// Inject queues received bytes and raises the receive interrupt.
func (u *UART) Inject(data []byte) {
	u.mu.Lock()
	u.rx = append(u.rx, data...)
	raise := u.ier&uartIERRx != 0 && len(u.rx) > 0
	intr := u.Intr
	u.mu.Unlock()
	if raise && intr != nil {
		intr(true)
	}
}

// Read implements Device.
func (u *UART) Read(offset uint64, size int) (uint64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case uartRBR:
		if len(u.rx) == 0 {
			return 0, nil
		}
		b := u.rx[0]
		u.rx = u.rx[1:]
		if len(u.rx) == 0 && u.Intr != nil {
			defer u.Intr(false)
		}
		return uint64(b), nil
	case uartIER:
		return uint64(u.ier), nil
	case uartLCR:
		return uint64(u.lcr), nil
	case uartLSR:
		lsr := uint64(uartLSRTHREmpty)
		if len(u.rx) > 0 {
			lsr |= uartLSRDataReady
		}
		return lsr, nil
	}
	return 0, nil
}

// Write implements Device.
func (u *UART) Write(offset uint64, size int, value uint64) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case uartTHR:
		u.output.Write([]byte{byte(value)})
	case uartIER:
		u.ier = uint8(value)
	case uartLCR:
		u.lcr = uint8(value)
	}
	return nil
}

var _ Device = (*UART)(nil)
