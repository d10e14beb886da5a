package paging

import "github.com/tinyrange/xv6/internal/riscv"

// PageLevel describes one level of a paging schema: where the level's
// VPN slice sits in a virtual address, where its PPN slice sits in a
// PTE and in a physical address, and the span of the bits below it
// (the page offset of a leaf at this level).
type PageLevel struct {
	VPN        riscv.Mask
	PTEPPN     riscv.Mask
	PAPPN      riscv.Mask
	PageOffset riscv.Mask
}

func newPageLevel(vpn, ptePPN, paPPN riscv.Mask) PageLevel {
	return PageLevel{
		VPN:        vpn,
		PTEPPN:     ptePPN,
		PAPPN:      paPPN,
		PageOffset: riscv.NewMask(paPPN.Shift(), 0),
	}
}

// Schema is a paging scheme as data: its levels, leaf first. The
// engine enumerates levels and uses nothing else, so adding a schema
// is a table, not code.
type Schema struct {
	Name   string
	Mode   riscv.SatpMode
	Levels []PageLevel

	vaWidth uint
}

// MaxVA returns one beyond the highest kernel-usable virtual address.
// The top VA bit is left clear to avoid the sign-extension hole in the
// middle of the canonical address space.
func (s *Schema) MaxVA() VirtAddr { return VirtAddr(1) << (s.vaWidth - 1) }

// Depth returns the number of levels.
func (s *Schema) Depth() int { return len(s.Levels) }

const vpnWidth = PageShift - 3 // 512 eight-byte entries per table page

func makeSchema(name string, mode riscv.SatpMode, vaWidth uint, depth int) *Schema {
	levels := make([]PageLevel, depth)
	for l := 0; l < depth; l++ {
		ppnWidth := uint(44 - vpnWidth*uint(l))
		levels[l] = newPageLevel(
			riscv.NewMask(vpnWidth, PageShift+vpnWidth*uint(l)),
			riscv.NewMask(ppnWidth, PteFlags.Width()+vpnWidth*uint(l)),
			riscv.NewMask(ppnWidth, PageShift+vpnWidth*uint(l)),
		)
	}
	return &Schema{Name: name, Mode: mode, Levels: levels, vaWidth: vaWidth}
}

// The three RV64 paging schemas. Sv39 is the default.
var (
	Sv39 = makeSchema("sv39", riscv.SatpSv39, 39, 3)
	Sv48 = makeSchema("sv48", riscv.SatpSv48, 48, 4)
	Sv57 = makeSchema("sv57", riscv.SatpSv57, 57, 5)
)
