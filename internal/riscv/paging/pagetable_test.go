package paging

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// testMem is a small physical memory arena for engine tests.
type testMem struct {
	base uint64
	data []byte
}

func newTestMem(base, size uint64) *testMem {
	return &testMem{base: base, data: make([]byte, size)}
}

func (m *testMem) Page(pa PhysAddr) ([]byte, error) {
	off := uint64(pa.PageRoundDown())
	if off < m.base || off+PageSize > m.base+uint64(len(m.data)) {
		return nil, fmt.Errorf("page 0x%x outside test memory", off)
	}
	off -= m.base
	return m.data[off : off+PageSize], nil
}

// testAlloc bump-allocates frames from the arena, with an optional
// budget to provoke allocation failures.
type testAlloc struct {
	mem    *testMem
	next   uint64
	free   []PhysAddr
	budget int // <0 means unlimited
}

func newTestAlloc(mem *testMem) *testAlloc {
	return &testAlloc{mem: mem, next: mem.base, budget: -1}
}

func (a *testAlloc) AllocFrame(zero bool) (PhysAddr, error) {
	if a.budget == 0 {
		return 0, errors.New("budget exhausted")
	}
	if a.budget > 0 {
		a.budget--
	}
	var pa PhysAddr
	if n := len(a.free); n > 0 {
		pa = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if a.next+PageSize > a.mem.base+uint64(len(a.mem.data)) {
			return 0, errors.New("arena exhausted")
		}
		pa = PhysAddr(a.next)
		a.next += PageSize
	}
	page, _ := a.mem.Page(pa)
	for i := range page {
		page[i] = 0
	}
	_ = zero
	return pa, nil
}

func (a *testAlloc) FreeFrame(pa PhysAddr) { a.free = append(a.free, pa) }

func newTestTable(t *testing.T) (*PageTable, *testMem, *testAlloc) {
	t.Helper()
	mem := newTestMem(0x8000_0000, 4<<20)
	alloc := newTestAlloc(mem)
	pt, err := New(Sv39, mem, alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return pt, mem, alloc
}

func TestSchemaTables(t *testing.T) {
	if Sv39.Depth() != 3 || Sv48.Depth() != 4 || Sv57.Depth() != 5 {
		t.Fatalf("level counts: %d %d %d", Sv39.Depth(), Sv48.Depth(), Sv57.Depth())
	}
	if Sv39.MaxVA() != 1<<38 || Sv48.MaxVA() != 1<<47 || Sv57.MaxVA() != 1<<56 {
		t.Fatalf("max VAs: 0x%x 0x%x 0x%x", uint64(Sv39.MaxVA()), uint64(Sv48.MaxVA()), uint64(Sv57.MaxVA()))
	}

	for l, lv := range Sv39.Levels {
		if lv.VPN.Width() != 9 || lv.VPN.Shift() != uint(12+9*l) {
			t.Errorf("level %d VPN at (%d,%d)", l, lv.VPN.Width(), lv.VPN.Shift())
		}
		if lv.PTEPPN.Width() != uint(44-9*l) || lv.PTEPPN.Shift() != uint(10+9*l) {
			t.Errorf("level %d PTEPPN at (%d,%d)", l, lv.PTEPPN.Width(), lv.PTEPPN.Shift())
		}
		if lv.PageOffset.Width() != uint(12+9*l) {
			t.Errorf("level %d page offset %d bits", l, lv.PageOffset.Width())
		}
	}
}

func TestAddrRounding(t *testing.T) {
	va := VirtAddr(0x1234)
	if va.PageRoundDown() != 0x1000 || va.PageRoundUp() != 0x2000 {
		t.Errorf("rounding 0x1234: 0x%x 0x%x", uint64(va.PageRoundDown()), uint64(va.PageRoundUp()))
	}
	if VirtAddr(0x2000).PageRoundUp() != 0x2000 {
		t.Error("roundup of aligned address moved")
	}
	if va.PageOffset() != 0x234 {
		t.Errorf("offset = 0x%x", va.PageOffset())
	}
	if PhysAddr(8).Sub(16) != 0 {
		t.Error("Sub did not saturate")
	}
}

func TestPTEPacking(t *testing.T) {
	flags := NewFlags().SetReadable(true).SetWritable(true).SetUser(true)
	pte := NewPTE(0x8010_0000, flags)
	if pte.Addr() != 0x8010_0000 {
		t.Errorf("addr = %v", pte.Addr())
	}
	if !pte.Valid() || !pte.Leaf() {
		t.Errorf("flags lost: %v", pte)
	}
	f := pte.Flags()
	if !f.Readable() || !f.Writable() || !f.User() || f.Executable() {
		t.Errorf("flags = %v", f)
	}
	if pte.ReservedBits() != 0 {
		t.Errorf("reserved bits set: %v", pte)
	}

	// A pointer entry is valid but not a leaf.
	ptr := NewPTE(0x8020_0000, NewFlags())
	if ptr.Leaf() {
		t.Error("pointer PTE classified as leaf")
	}
}

func TestMapTranslateRoundTrip(t *testing.T) {
	pt, _, alloc := newTestTable(t)
	perm := NewFlags().SetReadable(true).SetWritable(true)

	if err := pt.MapPages(0x1000, 0x2000, 0x8010_0000, perm, alloc); err != nil {
		t.Fatalf("MapPages: %v", err)
	}

	cases := []struct {
		va VirtAddr
		pa PhysAddr
	}{
		{0x1000, 0x8010_0000},
		{0x1500, 0x8010_0500},
		{0x2500, 0x8010_1500},
		{0x2fff, 0x8010_1fff},
	}
	for _, tc := range cases {
		got, err := pt.VirtToPhys(tc.va)
		if err != nil {
			t.Fatalf("VirtToPhys(%v): %v", tc.va, err)
		}
		if got != tc.pa {
			t.Errorf("VirtToPhys(%v) = %v, want %v", tc.va, got, tc.pa)
		}
	}

	// Identity across the whole mapped range, page by page.
	for k := uint64(0); k < 0x2000; k += PageSize {
		got, err := pt.VirtToPhys(VirtAddr(0x1000 + k))
		if err != nil || got != PhysAddr(0x8010_0000+k) {
			t.Fatalf("page %d: %v %v", k/PageSize, got, err)
		}
	}

	pt.Unmap(0x1000, 2, true, alloc)
	var invalid *InvalidPTEError
	if _, err := pt.VirtToPhys(0x1500); !errors.As(err, &invalid) {
		t.Fatalf("translate after unmap: %v", err)
	}
}

func TestWalkDeterminism(t *testing.T) {
	pt, _, alloc := newTestTable(t)
	perm := NewFlags().SetReadable(true)
	if err := pt.MapPages(0x4000, PageSize, 0x8011_0000, perm, alloc); err != nil {
		t.Fatalf("MapPages: %v", err)
	}

	s1, err := pt.Walk(0x4000, 0, nil)
	if err != nil {
		t.Fatalf("walk 1: %v", err)
	}
	s2, err := pt.Walk(0x4000, 0, nil)
	if err != nil {
		t.Fatalf("walk 2: %v", err)
	}
	if s1.Addr() != s2.Addr() {
		t.Errorf("slot moved: %v vs %v", s1.Addr(), s2.Addr())
	}
	if s1.Load() != s2.Load() {
		t.Errorf("slot value changed: %v vs %v", s1.Load(), s2.Load())
	}
}

func TestWalkErrors(t *testing.T) {
	pt, _, alloc := newTestTable(t)

	if _, err := pt.Walk(Sv39.MaxVA(), 0, nil); !errors.Is(err, ErrInvalidVirtualAddress) {
		t.Errorf("beyond max VA: %v", err)
	}
	if _, err := pt.Walk(0, 3, nil); !errors.Is(err, ErrInvalidPageLevel) {
		t.Errorf("bad level: %v", err)
	}
	var invalid *InvalidPTEError
	if _, err := pt.Walk(0x1000, 0, nil); !errors.As(err, &invalid) {
		t.Errorf("walk without alloc on empty table: %v", err)
	}

	if err := pt.MapPages(0, 0, 0x8010_0000, NewFlags().SetReadable(true), alloc); !errors.Is(err, ErrInvalidMapSize) {
		t.Errorf("zero-size map: %v", err)
	}
}

func TestDuplicateMapping(t *testing.T) {
	pt, _, alloc := newTestTable(t)
	perm := NewFlags().SetReadable(true)

	if err := pt.MapPages(0x1000, PageSize, 0x8010_0000, perm, alloc); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	var dup *DuplicateMappingError
	err := pt.MapPages(0x1000, PageSize, 0x8011_0000, perm, alloc)
	if !errors.As(err, &dup) {
		t.Fatalf("remap: %v", err)
	}
}

func TestMapPagesAllocFailureLeavesPrefix(t *testing.T) {
	pt, _, alloc := newTestTable(t)
	perm := NewFlags().SetReadable(true)

	// Enough budget for the first page's interior tables only: the VA
	// range spans two level-0 tables, so the second page needs another
	// frame.
	alloc.budget = 2
	firstVA := VirtAddr(0x0020_0000 - 0x1000) // last page of one 2 MiB region
	err := pt.MapPages(firstVA, 2*PageSize, 0x8010_0000, perm, alloc)
	if !errors.Is(err, ErrAllocFailed) {
		t.Fatalf("expected alloc failure, got %v", err)
	}

	// The successfully installed prefix remains.
	if _, err := pt.VirtToPhys(firstVA); err != nil {
		t.Fatalf("prefix gone: %v", err)
	}
}

func TestCloneFidelity(t *testing.T) {
	pt, mem, alloc := newTestTable(t)
	perm := NewFlags().SetReadable(true).SetWritable(true).SetUser(true)

	const size = 3 * PageSize
	for i := 0; i < 3; i++ {
		frame, err := alloc.AllocFrame(true)
		if err != nil {
			t.Fatal(err)
		}
		page, _ := mem.Page(frame)
		for j := range page {
			page[j] = byte(i*7 + j)
		}
		if err := pt.MapPages(VirtAddr(i*PageSize), PageSize, frame, perm, alloc); err != nil {
			t.Fatalf("map page %d: %v", i, err)
		}
	}

	clone, err := pt.Clone(size, alloc)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	for i := 0; i < 3; i++ {
		va := VirtAddr(i * PageSize)
		src, err := pt.Walk(va, 0, nil)
		if err != nil {
			t.Fatal(err)
		}
		dst, err := clone.Walk(va, 0, nil)
		if err != nil {
			t.Fatal(err)
		}
		if src.Load().Flags() != dst.Load().Flags() {
			t.Errorf("page %d flags differ: %v vs %v", i, src.Load().Flags(), dst.Load().Flags())
		}
		if src.Load().Addr() == dst.Load().Addr() {
			t.Errorf("page %d shares a frame", i)
		}
		a, _ := mem.Page(src.Load().Addr())
		b, _ := mem.Page(dst.Load().Addr())
		if !bytes.Equal(a, b) {
			t.Errorf("page %d bytes differ", i)
		}
	}
}

func TestCloneRollsBackOnAllocFailure(t *testing.T) {
	pt, _, alloc := newTestTable(t)
	perm := NewFlags().SetReadable(true).SetUser(true)

	const size = 4 * PageSize
	for i := 0; i < 4; i++ {
		frame, err := alloc.AllocFrame(true)
		if err != nil {
			t.Fatal(err)
		}
		if err := pt.MapPages(VirtAddr(i*PageSize), PageSize, frame, perm, alloc); err != nil {
			t.Fatal(err)
		}
	}

	freeBefore := len(alloc.free)
	alloc.budget = 4 // root, one data frame and its two interior tables, then dry
	if _, err := pt.Clone(size, alloc); err == nil {
		t.Fatal("clone succeeded with exhausted allocator")
	}
	// Everything the failed clone took is back on the freelist.
	if got := len(alloc.free); got != freeBefore+4 {
		t.Errorf("free frames after rollback: %d, want %d", got, freeBefore+4)
	}
}

func TestCopyInOut(t *testing.T) {
	pt, _, alloc := newTestTable(t)
	perm := NewFlags().SetReadable(true).SetWritable(true).SetUser(true)

	for i := 0; i < 2; i++ {
		frame, err := alloc.AllocFrame(true)
		if err != nil {
			t.Fatal(err)
		}
		if err := pt.MapPages(VirtAddr(i*PageSize), PageSize, frame, perm, alloc); err != nil {
			t.Fatal(err)
		}
	}

	// A write spanning the page boundary survives the round trip.
	msg := []byte("crossing the page boundary here")
	va := VirtAddr(PageSize - 7)
	if err := pt.CopyOut(va, msg); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	got := make([]byte, len(msg))
	if err := pt.CopyIn(got, va); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("round trip: %q", got)
	}

	if err := pt.CopyOut(0x10_0000, []byte{1}); err == nil {
		t.Error("copy to unmapped VA succeeded")
	}
}

func TestCopyInStr(t *testing.T) {
	pt, _, alloc := newTestTable(t)
	perm := NewFlags().SetReadable(true).SetWritable(true).SetUser(true)
	frame, err := alloc.AllocFrame(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := pt.MapPages(0, PageSize, frame, perm, alloc); err != nil {
		t.Fatal(err)
	}

	if err := pt.CopyOut(16, []byte("hello\x00trailing")); err != nil {
		t.Fatal(err)
	}

	s, err := pt.CopyInStr(16, 64)
	if err != nil || s != "hello" {
		t.Fatalf("CopyInStr = %q, %v", s, err)
	}
	if _, err := pt.CopyInStr(16, 3); !errors.Is(err, ErrInvalidString) {
		t.Fatalf("truncated string: %v", err)
	}
}

func TestFreeReleasesEverything(t *testing.T) {
	mem := newTestMem(0x8000_0000, 4<<20)
	alloc := newTestAlloc(mem)
	pt, err := New(Sv39, mem, alloc)
	if err != nil {
		t.Fatal(err)
	}

	const size = 2 * PageSize
	perm := NewFlags().SetReadable(true).SetUser(true)
	for i := 0; i < 2; i++ {
		frame, err := alloc.AllocFrame(true)
		if err != nil {
			t.Fatal(err)
		}
		if err := pt.MapPages(VirtAddr(i*PageSize), PageSize, frame, perm, alloc); err != nil {
			t.Fatal(err)
		}
	}

	taken := int(alloc.next-mem.base) / PageSize
	pt.Free(size, alloc)
	if len(alloc.free) != taken {
		t.Fatalf("freed %d of %d frames", len(alloc.free), taken)
	}
}
