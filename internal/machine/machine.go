package machine

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/xv6/internal/riscv"
)

// Machine is an assembled virt board: harts, bus, and devices.
type Machine struct {
	Config Config

	Harts []*riscv.Hart
	Bus   *Bus
	CLINT *CLINT
	PLIC  *PLIC
	UART  *UART
}

// New builds a board from cfg. Console output is written to output.
func New(cfg Config, output io.Writer) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("machine config: %w", err)
	}

	ram, err := NewRAM(RAMBase, cfg.RAMMiB<<20)
	if err != nil {
		return nil, err
	}

	harts := make([]*riscv.Hart, cfg.Harts)
	for i := range harts {
		harts[i] = riscv.NewHart(uint64(i))
	}

	clint := NewCLINT(harts, cfg.TimerNsPerTick)
	plic := NewPLIC(harts)
	uart := NewUART(output)
	uart.Intr = func(pending bool) { plic.SetPending(UART0IRQ, pending) }

	for _, h := range harts {
		h.TimeFn = clint.MTime
	}

	bus := NewBus(ram)
	bus.AddDevice(CLINTBase, clint)
	bus.AddDevice(PLICBase, plic)
	bus.AddDevice(UART0Base, uart)
	bus.AddDevice(VirtIO0Base, &VirtioStub{})

	slog.Debug("assembled virt board",
		"harts", cfg.Harts,
		"ram_mib", cfg.RAMMiB,
		"schema", cfg.Schema)

	return &Machine{
		Config: cfg,
		Harts:  harts,
		Bus:    bus,
		CLINT:  clint,
		PLIC:   plic,
		UART:   uart,
	}, nil
}

// RAM returns the board's memory region.
func (m *Machine) RAM() *RAM { return m.Bus.RAM() }
