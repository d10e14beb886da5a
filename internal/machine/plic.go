package machine

import (
	"sync"

	"github.com/tinyrange/xv6/internal/riscv"
)

// Number of interrupt sources the board routes. Source 0 is reserved.
const plicSources = 32

// PLIC implements the Platform Level Interrupt Controller, exposing
// one S-mode context per hart at the virt board offsets: priorities at
// the base, per-hart enable words at +0x2080, threshold and
// claim/complete at +0x201000.
type PLIC struct {
	harts []*riscv.Hart
	mu    sync.Mutex

	priority  [plicSources]uint32
	pending   uint32
	senable   []uint32
	threshold []uint32
	claimed   []uint32
}

// NewPLIC creates a PLIC for the given harts.
func NewPLIC(harts []*riscv.Hart) *PLIC {
	return &PLIC{
		harts:     harts,
		senable:   make([]uint32, len(harts)),
		threshold: make([]uint32, len(harts)),
		claimed:   make([]uint32, len(harts)),
	}
}

// Size implements Device.
func (p *PLIC) Size() uint64 { return PLICSize }

// SetPending marks an interrupt source pending.
func (p *PLIC) SetPending(source int, pending bool) {
	if source <= 0 || source >= plicSources {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pending {
		p.pending |= 1 << source
	} else {
		p.pending &^= 1 << source
	}
	p.updateInterrupts()
}

// Read implements Device.
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < 4*plicSources:
		return uint64(p.priority[offset/4]), nil

	case offset >= 0x2080 && offset < 0x2080+uint64(len(p.harts))*0x100:
		hart := (offset - 0x2080) / 0x100
		if (offset-0x2080)%0x100 == 0 {
			return uint64(p.senable[hart]), nil
		}

	case offset >= 0x201000 && offset < 0x201000+uint64(len(p.harts))*0x2000:
		hart := (offset - 0x201000) / 0x2000
		switch (offset - 0x201000) % 0x2000 {
		case 0:
			return uint64(p.threshold[hart]), nil
		case 4:
			return uint64(p.claim(int(hart))), nil
		}
	}
	return 0, nil
}

// Write implements Device.
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < 4*plicSources:
		if src := offset / 4; src > 0 {
			p.priority[src] = uint32(value) & 7
		}

	case offset >= 0x2080 && offset < 0x2080+uint64(len(p.harts))*0x100:
		hart := (offset - 0x2080) / 0x100
		if (offset-0x2080)%0x100 == 0 {
			p.senable[hart] = uint32(value)
		}

	case offset >= 0x201000 && offset < 0x201000+uint64(len(p.harts))*0x2000:
		hart := (offset - 0x201000) / 0x2000
		switch (offset - 0x201000) % 0x2000 {
		case 0:
			p.threshold[hart] = uint32(value) & 7
		case 4:
			p.complete(int(hart), uint32(value))
		}
	}

	p.updateInterrupts()
	return nil
}

// claim hands out the highest-priority pending enabled source for a
// hart's S context and clears its pending bit. Returns 0 if nothing is
// claimable.
func (p *PLIC) claim(hart int) uint32 {
	var best, bestPriority uint32
	for src := uint32(1); src < plicSources; src++ {
		if p.pending&(1<<src) == 0 || p.senable[hart]&(1<<src) == 0 {
			continue
		}
		if p.priority[src] <= p.threshold[hart] {
			continue
		}
		if p.priority[src] > bestPriority {
			bestPriority = p.priority[src]
			best = src
		}
	}
	if best != 0 {
		p.pending &^= 1 << best
		p.claimed[hart] = best
	}
	p.updateInterrupts()
	return best
}

// complete retires a previously claimed source.
func (p *PLIC) complete(hart int, source uint32) {
	if source == 0 || source >= plicSources {
		return
	}
	if p.claimed[hart] == source {
		p.claimed[hart] = 0
	}
}

// updateInterrupts recomputes SEIP for every hart. Called with mu held.
func (p *PLIC) updateInterrupts() {
	for i, h := range p.harts {
		deliverable := false
		for src := uint32(1); src < plicSources; src++ {
			if p.pending&(1<<src) != 0 && p.senable[i]&(1<<src) != 0 &&
				p.priority[src] > p.threshold[i] {
				deliverable = true
				break
			}
		}
		if deliverable {
			h.SetPending(riscv.MipSEIP)
		} else {
			h.ClearPending(riscv.MipSEIP)
		}
	}
}
