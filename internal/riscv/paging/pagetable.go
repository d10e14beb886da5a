package paging

import (
	"encoding/binary"
	"fmt"
)

// Memory gives the engine byte access to guest physical memory. Page
// returns the PageSize-byte frame containing pa (pa is rounded down);
// it fails for addresses outside RAM, so MMIO windows can be mapped
// but never walked into.
type Memory interface {
	Page(pa PhysAddr) ([]byte, error)
}

// FrameAllocator hands out and takes back 4 KiB physical frames.
type FrameAllocator interface {
	AllocFrame(zero bool) (PhysAddr, error)
	FreeFrame(pa PhysAddr)
}

// PageTable is a multi-level page table rooted at a physical frame.
// It owns every interior table it allocates during walks and every
// leaf frame freed through Unmap/Free; identity-mapped MMIO and kernel
// text frames are mapped but never owned.
type PageTable struct {
	schema *Schema
	mem    Memory
	root   PhysAddr
}

// New allocates a zeroed root frame and returns an empty page table.
func New(schema *Schema, mem Memory, alloc FrameAllocator) (*PageTable, error) {
	root, err := alloc.AllocFrame(true)
	if err != nil {
		return nil, fmt.Errorf("%w: page-table root: %v", ErrAllocFailed, err)
	}
	return &PageTable{schema: schema, mem: mem, root: root}, nil
}

// FromRoot wraps an existing root frame, e.g. when another hart
// activates the shared kernel table.
func FromRoot(schema *Schema, mem Memory, root PhysAddr) *PageTable {
	return &PageTable{schema: schema, mem: mem, root: root}
}

// Root returns the physical address of the root table.
func (pt *PageTable) Root() PhysAddr { return pt.root }

// Schema returns the paging schema the table is built for.
func (pt *PageTable) Schema() *Schema { return pt.schema }

// Slot identifies one PTE location inside the table hierarchy. The
// identity (table frame, index) is stable for the lifetime of the
// page table.
type Slot struct {
	mem   Memory
	table PhysAddr
	index int
	level int
}

// Addr returns the physical address of the entry itself.
func (s Slot) Addr() PhysAddr { return s.table.Add(uint64(s.index) * 8) }

// Level returns the level the slot sits at (0 = leaf level).
func (s Slot) Level() int { return s.level }

// Load reads the entry.
func (s Slot) Load() PTE {
	page, err := s.mem.Page(s.table)
	if err != nil {
		panic(fmt.Sprintf("paging: table frame unreachable: %v", err))
	}
	return PTE(binary.LittleEndian.Uint64(page[s.index*8:]))
}

// Store writes the entry.
func (s Slot) Store(pte PTE) {
	page, err := s.mem.Page(s.table)
	if err != nil {
		panic(fmt.Sprintf("paging: table frame unreachable: %v", err))
	}
	binary.LittleEndian.PutUint64(page[s.index*8:], uint64(pte))
}

// Walk descends from the root to targetLevel and returns the PTE slot
// for va at that level. If an interior entry is invalid and alloc is
// non-nil, a fresh zeroed table is installed and the walk continues;
// with a nil alloc the walk fails instead. A valid leaf encountered
// above targetLevel (a mega page) is returned as the result.
func (pt *PageTable) Walk(va VirtAddr, targetLevel int, alloc FrameAllocator) (Slot, error) {
	if va >= pt.schema.MaxVA() {
		return Slot{}, ErrInvalidVirtualAddress
	}
	if targetLevel < 0 || targetLevel >= pt.schema.Depth() {
		return Slot{}, ErrInvalidPageLevel
	}

	table := pt.root
	for level := pt.schema.Depth() - 1; level > targetLevel; level-- {
		slot := Slot{mem: pt.mem, table: table, index: int(pt.schema.Levels[level].VPN.Get(uint64(va))), level: level}
		pte := slot.Load()
		switch {
		case pte.Valid() && pte.ReservedBits() != 0:
			return Slot{}, &InvalidPTEError{Level: level, PTE: pte}
		case pte.Valid() && pte.Leaf():
			return slot, nil
		case pte.Valid():
			table = pte.Addr()
		case alloc == nil:
			return Slot{}, &InvalidPTEError{Level: level, PTE: pte}
		default:
			frame, err := alloc.AllocFrame(true)
			if err != nil {
				return Slot{}, fmt.Errorf("%w: interior table at level %d: %v", ErrAllocFailed, level-1, err)
			}
			slot.Store(NewPTE(frame, NewFlags()))
			table = frame
		}
	}

	return Slot{
		mem:   pt.mem,
		table: table,
		index: int(pt.schema.Levels[targetLevel].VPN.Get(uint64(va))),
		level: targetLevel,
	}, nil
}

// VirtToPhys translates va through the table. The leaf must be valid
// and readable. Mega-page leaves translate with their wider intra-page
// offset.
func (pt *PageTable) VirtToPhys(va VirtAddr) (PhysAddr, error) {
	if va >= pt.schema.MaxVA() {
		return 0, ErrInvalidVirtualAddress
	}

	table := pt.root
	for level := pt.schema.Depth() - 1; level >= 0; level-- {
		lv := &pt.schema.Levels[level]
		slot := Slot{mem: pt.mem, table: table, index: int(lv.VPN.Get(uint64(va))), level: level}
		pte := slot.Load()

		if !pte.Valid() || pte.ReservedBits() != 0 {
			return 0, &InvalidPTEError{Level: level, PTE: pte}
		}
		if !pte.Leaf() {
			if level == 0 {
				return 0, &InvalidPTEError{Level: level, PTE: pte}
			}
			table = pte.Addr()
			continue
		}
		if !pte.Flags().Readable() {
			return 0, &InvalidPTEError{Level: level, PTE: pte}
		}
		pa := lv.PAPPN.Fill(lv.PTEPPN.Get(uint64(pte))) | lv.PageOffset.Get(uint64(va))
		return PhysAddr(pa), nil
	}

	// Depth >= 1, so the loop always returns.
	panic("paging: empty schema")
}

// MapPages installs leaf mappings for [va, va+size) onto [pa, ...).
// Neither address needs to be aligned; the range is walked page by
// page. Already-valid target slots fail with DuplicateMappingError; a
// successfully installed prefix stays installed and is the caller's to
// unmap.
func (pt *PageTable) MapPages(va VirtAddr, size uint64, pa PhysAddr, perm Flags, alloc FrameAllocator) error {
	if size == 0 {
		return ErrInvalidMapSize
	}

	a := va.PageRoundDown()
	last := va.Add(size - 1).PageRoundDown()
	for {
		slot, err := pt.Walk(a, 0, alloc)
		if err != nil {
			return err
		}
		if pte := slot.Load(); pte.Valid() {
			return &DuplicateMappingError{Level: slot.Level(), PTE: pte}
		}
		slot.Store(NewPTE(pa, perm.SetValid(true)))
		if a == last {
			return nil
		}
		a = a.Add(PageSize)
		pa = pa.Add(PageSize)
	}
}

// Unmap removes npages of leaf mappings starting at page-aligned va,
// optionally returning the backing frames to the allocator. The
// mappings must exist; a hole is a programming error.
func (pt *PageTable) Unmap(va VirtAddr, npages int, doFree bool, alloc FrameAllocator) {
	if va.PageOffset() != 0 {
		panic("unmap: not aligned")
	}
	for i := 0; i < npages; i++ {
		a := va.Add(uint64(i) * PageSize)
		slot, err := pt.Walk(a, 0, nil)
		if err != nil {
			panic(fmt.Sprintf("unmap: walk %v: %v", a, err))
		}
		pte := slot.Load()
		if !pte.Valid() {
			panic(fmt.Sprintf("unmap: not mapped: %v", a))
		}
		if !pte.Leaf() {
			panic(fmt.Sprintf("unmap: not a leaf: %v", a))
		}
		if doFree {
			alloc.FreeFrame(pte.Addr())
		}
		slot.Store(0)
	}
}

// Clone deep-copies the user range [0, size) into a fresh page table:
// same flags, new frames, byte-wise copies. On failure everything
// installed in the clone is unmapped and freed, including the new
// root.
func (pt *PageTable) Clone(size uint64, alloc FrameAllocator) (*PageTable, error) {
	clone, err := New(pt.schema, pt.mem, alloc)
	if err != nil {
		return nil, err
	}

	for a := uint64(0); a < size; a += PageSize {
		slot, err := pt.Walk(VirtAddr(a), 0, nil)
		if err != nil {
			panic(fmt.Sprintf("clone: walk %v: %v", VirtAddr(a), err))
		}
		pte := slot.Load()
		if !pte.Valid() {
			panic(fmt.Sprintf("clone: page not present: %v", VirtAddr(a)))
		}

		frame, err := alloc.AllocFrame(false)
		if err != nil {
			clone.Free(a, alloc)
			return nil, fmt.Errorf("%w: clone frame: %v", ErrAllocFailed, err)
		}

		src, err := pt.mem.Page(pte.Addr())
		if err != nil {
			panic(fmt.Sprintf("clone: source frame unreachable: %v", err))
		}
		dst, err := pt.mem.Page(frame)
		if err != nil {
			panic(fmt.Sprintf("clone: new frame unreachable: %v", err))
		}
		copy(dst, src)

		if err := clone.MapPages(VirtAddr(a), PageSize, frame, pte.Flags(), alloc); err != nil {
			alloc.FreeFrame(frame)
			clone.Free(a, alloc)
			return nil, err
		}
	}
	return clone, nil
}

// Free unmaps and frees the user range [0, size), then frees every
// interior table page and the root. Leaves outside the user range must
// already have been unmapped (without freeing, for shared frames like
// the trampoline) or the walk panics.
func (pt *PageTable) Free(size uint64, alloc FrameAllocator) {
	if size > 0 {
		pt.Unmap(0, int(pageRoundUp(size)/PageSize), true, alloc)
	}
	pt.freeWalk(pt.root, alloc)
	alloc.FreeFrame(pt.root)
}

func (pt *PageTable) freeWalk(table PhysAddr, alloc FrameAllocator) {
	for i := 0; i < PageSize/8; i++ {
		slot := Slot{mem: pt.mem, table: table, index: i}
		pte := slot.Load()
		if !pte.Valid() {
			continue
		}
		if pte.Leaf() {
			panic("freewalk: leaf")
		}
		pt.freeWalk(pte.Addr(), alloc)
		alloc.FreeFrame(pte.Addr())
		slot.Store(0)
	}
}

// CopyOut copies src into the table's address space at dstva, split
// across page boundaries.
func (pt *PageTable) CopyOut(dstva VirtAddr, src []byte) error {
	for len(src) > 0 {
		va0 := dstva.PageRoundDown()
		slot, err := pt.Walk(va0, 0, nil)
		if err != nil {
			return fmt.Errorf("copy out at %v: %w", va0, err)
		}
		pte := slot.Load()
		if !pte.Valid() {
			return fmt.Errorf("copy out at %v: %w", va0, &InvalidPTEError{Level: slot.Level(), PTE: pte})
		}
		page, err := pt.mem.Page(pte.Addr())
		if err != nil {
			return fmt.Errorf("copy out at %v: %w", va0, err)
		}

		off := uint64(dstva) - uint64(va0)
		n := copy(page[off:], src)
		src = src[n:]
		dstva = va0.Add(PageSize)
	}
	return nil
}

// CopyIn copies len(dst) bytes from the table's address space at srcva
// into dst.
func (pt *PageTable) CopyIn(dst []byte, srcva VirtAddr) error {
	for len(dst) > 0 {
		va0 := srcva.PageRoundDown()
		slot, err := pt.Walk(va0, 0, nil)
		if err != nil {
			return fmt.Errorf("copy in at %v: %w", va0, err)
		}
		pte := slot.Load()
		if !pte.Valid() {
			return fmt.Errorf("copy in at %v: %w", va0, &InvalidPTEError{Level: slot.Level(), PTE: pte})
		}
		page, err := pt.mem.Page(pte.Addr())
		if err != nil {
			return fmt.Errorf("copy in at %v: %w", va0, err)
		}

		off := uint64(srcva) - uint64(va0)
		n := copy(dst, page[off:])
		dst = dst[n:]
		srcva = va0.Add(PageSize)
	}
	return nil
}

// CopyInStr copies a NUL-terminated string of at most max bytes from
// srcva. Fails with ErrInvalidString if no NUL appears within max.
func (pt *PageTable) CopyInStr(srcva VirtAddr, max int) (string, error) {
	buf := make([]byte, 0, 16)
	for max > 0 {
		va0 := srcva.PageRoundDown()
		slot, err := pt.Walk(va0, 0, nil)
		if err != nil {
			return "", fmt.Errorf("copy in str at %v: %w", va0, err)
		}
		pte := slot.Load()
		if !pte.Valid() {
			return "", fmt.Errorf("copy in str at %v: %w", va0, &InvalidPTEError{Level: slot.Level(), PTE: pte})
		}
		page, err := pt.mem.Page(pte.Addr())
		if err != nil {
			return "", fmt.Errorf("copy in str at %v: %w", va0, err)
		}

		off := uint64(srcva) - uint64(va0)
		span := PageSize - int(off)
		if span > max {
			span = max
		}
		for i := 0; i < span; i++ {
			c := page[int(off)+i]
			if c == 0 {
				return string(buf), nil
			}
			buf = append(buf, c)
		}
		max -= span
		srcva = va0.Add(PageSize)
	}
	return "", ErrInvalidString
}
